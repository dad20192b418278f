package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/laplacelab/lapgw/internal/identity"
	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

// Fallback is the secondary exchange path, normally the identity
// provider's OAuth token-exchange grant.
type Fallback interface {
	ExchangePAT(ctx context.Context, subjectToken, resource string) (*identity.Grant, error)
}

// Orchestrator runs the two-provider exchange flow: the agent platform
// first, then the identity provider when the platform times out, is
// unreachable, or rejects the target resource.
type Orchestrator struct {
	primary  *PlatformClient
	fallback Fallback
	logger   observability.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger observability.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an exchange orchestrator. The fallback may
// be nil, in which case primary failures surface directly.
func NewOrchestrator(primary *PlatformClient, fallback Fallback, opts ...OrchestratorOption) (*Orchestrator, error) {
	if primary == nil {
		return nil, &util.ConfigError{Field: "agentPlatform", Message: "primary exchange client is required"}
	}

	o := &Orchestrator{
		primary:  primary,
		fallback: fallback,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Exchange trades the inbound token for a downstream access token.
// The fallback path runs at most once per call; when both paths fail
// the fallback's failure is the one surfaced.
func (o *Orchestrator) Exchange(ctx context.Context, token, resource string, req Request) (*Result, error) {
	result, primaryErr := o.primary.Exchange(ctx, token, req)
	if primaryErr == nil {
		return result, nil
	}

	reason, eligible := fallbackReason(primaryErr)
	if !eligible || o.fallback == nil {
		return nil, primaryErr
	}

	o.logger.Warn("primary exchange failed, trying fallback",
		observability.String("reason", reason),
		observability.Error(primaryErr))
	exchangeFallbacks.WithLabelValues(reason).Inc()

	start := time.Now()
	grant, fallbackErr := o.fallback.ExchangePAT(ctx, token, resource)
	if fallbackErr != nil {
		observeAttempt("identity-provider", "failure", start)
		o.logger.Error("fallback exchange failed",
			observability.Error(fallbackErr))
		return nil, fallbackErr
	}

	observeAttempt("identity-provider", "success", start)
	return &Result{
		AccessToken: grant.AccessToken,
		TokenType:   grant.TokenType,
		ExpiresIn:   grant.ExpiresIn,
		Scope:       grant.Scope,
	}, nil
}

// fallbackReason reports whether an error class is eligible for the
// fallback path and names the trigger for metrics.
func fallbackReason(err error) (string, bool) {
	var exchErr *ExchangeError
	if errors.As(err, &exchErr) {
		if exchErr.Code == ErrCodeInvalidTarget {
			return "invalid_target", true
		}
		return "", false
	}
	if errors.Is(err, util.ErrGatewayTimeout) {
		return "timeout", true
	}
	if errors.Is(err, util.ErrBadGateway) {
		return "transport", true
	}
	return "", false
}
