// Package exchange trades inbound credentials for downstream access
// tokens. The agent platform is the primary exchange provider; the
// identity provider's OAuth token-exchange grant serves as the
// fallback when the platform cannot answer.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

// ErrorCode classifies business-level exchange rejections. Codes are
// matched structurally; the human-readable message is never inspected.
type ErrorCode string

const (
	// ErrCodeInvalidTarget means the requested resource indicator is
	// not recognized by the provider. Exchanges rejected with this
	// code are eligible for the fallback path.
	ErrCodeInvalidTarget ErrorCode = "invalid_target"

	// ErrCodeDenied means the provider refused the exchange for the
	// presented credential.
	ErrCodeDenied ErrorCode = "exchange_denied"

	// ErrCodeUnknown covers rejections the provider did not classify.
	ErrCodeUnknown ErrorCode = "unknown"
)

// ExchangeError is a business-level rejection from an exchange
// provider. Transport and timeout failures use the shared taxonomy
// types instead.
type ExchangeError struct {
	Provider string
	Code     ErrorCode
	Status   int
	Message  string
}

// Error implements the error interface.
func (e *ExchangeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s exchange rejected (%s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s exchange rejected (%s)", e.Provider, e.Code)
}

// Is maps rejections onto the shared error taxonomy.
func (e *ExchangeError) Is(target error) bool {
	switch target {
	case util.ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case util.ErrBadGateway:
		return e.Status >= 500 || e.Status == 0
	case util.ErrBadRequest:
		return e.Status == http.StatusBadRequest
	}
	_, ok := target.(*ExchangeError)
	return ok
}

// Result is a successful exchange outcome.
type Result struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	Scope       string
}

// Request is the exchange request sent to the agent platform.
type Request struct {
	Resources []string               `json:"resources"`
	Context   map[string]interface{} `json:"context"`
	Scopes    []string               `json:"scopes"`
}

// DefaultRequest returns the exchange request shape used when the
// caller supplies no explicit resources or scopes.
func DefaultRequest(resources, scopes []string) Request {
	if len(resources) == 0 {
		resources = []string{""}
	}
	if len(scopes) == 0 {
		scopes = []string{""}
	}
	return Request{
		Resources: resources,
		Scopes:    scopes,
		Context:   map[string]interface{}{"^(.*)$": nil},
	}
}

const (
	exchangePath            = "/auth/token-exchange"
	defaultExchangeTimeout  = 30 * time.Second
	breakerFailureThreshold = 5
	breakerTimeout          = 30 * time.Second
)

// platformEnvelope is the agent platform response wrapper.
type platformEnvelope struct {
	OK   bool `json:"ok"`
	Data *struct {
		AccessToken string `json:"accessToken"`
		TokenType   string `json:"tokenType"`
		ExpiresIn   int64  `json:"expiresIn"`
		Scope       string `json:"scope"`
	} `json:"data"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// PlatformClient performs token exchanges against the agent platform.
// Calls run through a circuit breaker so a dead platform fails fast
// onto the fallback path instead of burning the full timeout per
// request.
type PlatformClient struct {
	endpoint   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     observability.Logger
}

// PlatformOption configures a PlatformClient.
type PlatformOption func(*PlatformClient)

// WithPlatformHTTPClient overrides the HTTP client.
func WithPlatformHTTPClient(client *http.Client) PlatformOption {
	return func(p *PlatformClient) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithPlatformLogger sets the logger.
func WithPlatformLogger(logger observability.Logger) PlatformOption {
	return func(p *PlatformClient) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPlatformClient creates an agent-platform exchange client.
func NewPlatformClient(endpoint string, opts ...PlatformOption) (*PlatformClient, error) {
	if endpoint == "" {
		return nil, &util.ConfigError{Field: "agentPlatform.endpoint", Message: "endpoint is required"}
	}

	p := &PlatformClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: defaultExchangeTimeout},
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-platform",
		MaxRequests: breakerFailureThreshold,
		Interval:    breakerTimeout,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerFailureThreshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			breakerState.WithLabelValues(name).Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			// Business rejections must not trip the breaker; only
			// transport failures and timeouts count against it.
			if err == nil {
				return true
			}
			var exchErr *ExchangeError
			return errors.As(err, &exchErr) && exchErr.Status < 500
		},
	})

	return p, nil
}

// Exchange presents the bearer token to the platform's token-exchange
// endpoint and returns the downstream credential.
func (p *PlatformClient) Exchange(ctx context.Context, bearerToken string, req Request) (*Result, error) {
	start := time.Now()

	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.exchange(ctx, bearerToken, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observeAttempt("agent-platform", "breaker_open", start)
			return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "circuit breaker open", Cause: err}
		}
		observeAttempt("agent-platform", "failure", start)
		return nil, err
	}

	observeAttempt("agent-platform", "success", start)
	return out.(*Result), nil
}

func (p *PlatformClient) exchange(ctx context.Context, bearerToken string, req Request) (*Result, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, util.WrapError(err, "failed to encode exchange request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+exchangePath, bytes.NewReader(encoded))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "failed to build exchange request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &util.TimeoutError{Operation: "agent-platform token exchange", Duration: p.httpClient.Timeout, Cause: err}
		}
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "exchange request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "failed to read exchange response", Cause: err}
	}

	var envelope platformEnvelope
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr != nil {
		if resp.StatusCode >= 400 {
			return nil, &util.UpstreamError{
				Upstream: "agent-platform",
				Message:  fmt.Sprintf("exchange returned status %d", resp.StatusCode),
			}
		}
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "malformed exchange response", Cause: jsonErr}
	}

	if resp.StatusCode >= 400 || !envelope.OK || envelope.Data == nil || envelope.Data.AccessToken == "" {
		return nil, &ExchangeError{
			Provider: "agent-platform",
			Code:     classifyCode(envelope.Error),
			Status:   resp.StatusCode,
			Message:  envelope.Message,
		}
	}

	return &Result{
		AccessToken: envelope.Data.AccessToken,
		TokenType:   envelope.Data.TokenType,
		ExpiresIn:   envelope.Data.ExpiresIn,
		Scope:       envelope.Data.Scope,
	}, nil
}

func classifyCode(code string) ErrorCode {
	switch code {
	case string(ErrCodeInvalidTarget):
		return ErrCodeInvalidTarget
	case "":
		return ErrCodeUnknown
	default:
		return ErrCodeDenied
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
