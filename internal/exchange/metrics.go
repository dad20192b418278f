package exchange

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exchangeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapgw_exchange_attempts_total",
			Help: "Token exchange attempts by provider and result.",
		},
		[]string{"provider", "result"},
	)

	exchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lapgw_exchange_duration_seconds",
			Help:    "Token exchange call latency by provider.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	exchangeFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapgw_exchange_fallback_total",
			Help: "Fallback exchange invocations by trigger reason.",
		},
		[]string{"reason"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lapgw_exchange_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open).",
		},
		[]string{"provider"},
	)
)

func observeAttempt(provider, result string, start time.Time) {
	exchangeAttempts.WithLabelValues(provider, result).Inc()
	exchangeDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}
