package pat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	patVerificationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapgw_pat_verification_total",
			Help: "Total number of PAT verification attempts",
		},
		[]string{"result", "reason"},
	)

	patVerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lapgw_pat_verification_duration_seconds",
			Help:    "Duration of PAT verification in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	patCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lapgw_pat_created_total",
			Help: "Total number of PATs created",
		},
	)

	patRevokedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lapgw_pat_revoked_total",
			Help: "Total number of PATs revoked",
		},
	)
)

func recordVerification(result, reason string, start time.Time) {
	patVerificationTotal.WithLabelValues(result, reason).Inc()
	patVerificationDuration.Observe(time.Since(start).Seconds())
}
