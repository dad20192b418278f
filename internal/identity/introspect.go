package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

const defaultIntrospectTimeout = 10 * time.Second

// RemoteIntrospector validates tokens against an RFC 7662 token
// introspection endpoint using client credentials for endpoint
// authentication.
type RemoteIntrospector struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       observability.Logger
}

// RemoteOption configures a RemoteIntrospector.
type RemoteOption func(*RemoteIntrospector)

// WithRemoteHTTPClient overrides the HTTP client used for
// introspection calls.
func WithRemoteHTTPClient(client *http.Client) RemoteOption {
	return func(r *RemoteIntrospector) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(logger observability.Logger) RemoteOption {
	return func(r *RemoteIntrospector) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRemoteIntrospector creates an introspection-based verifier.
func NewRemoteIntrospector(endpoint, clientID, clientSecret string, opts ...RemoteOption) (*RemoteIntrospector, error) {
	if endpoint == "" {
		return nil, &util.ConfigError{Field: "identity.introspection_endpoint", Message: "endpoint is required"}
	}
	if clientID == "" || clientSecret == "" {
		return nil, &util.ConfigError{Field: "identity.client_id", Message: "client credentials are required"}
	}

	r := &RemoteIntrospector{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: defaultIntrospectTimeout},
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type introspectionResponse struct {
	Active bool `json:"active"`
}

// Introspect implements Verifier.
func (r *RemoteIntrospector) Introspect(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, util.ErrUnauthorized
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "failed to build introspection request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(r.clientID, r.clientSecret)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("token introspection request failed", observability.Error(err))
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "introspection request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "failed to read introspection response", Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The provider rejected our call or the token; in either
		// case the caller's token cannot be trusted.
		r.logger.Debug("introspection rejected",
			observability.Int("status", resp.StatusCode))
		return nil, util.ErrUnauthorized
	default:
		return nil, &util.UpstreamError{
			Upstream: "identity-provider",
			Message:  fmt.Sprintf("introspection returned status %d", resp.StatusCode),
		}
	}

	var probe introspectionResponse
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "malformed introspection response", Cause: err}
	}
	if !probe.Active {
		return nil, util.ErrUnauthorized
	}

	raw := map[string]interface{}{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "malformed introspection response", Cause: err}
	}

	claims, err := ClaimsFromMap(raw)
	if err != nil {
		// An active response without a subject is broken provider
		// output, not a bad caller token. The cause is deliberately
		// not wrapped so the rejection does not collapse to 401.
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "introspection response missing subject"}
	}
	if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
		return nil, util.ErrUnauthorized
	}
	return claims, nil
}

var _ Verifier = (*RemoteIntrospector)(nil)
