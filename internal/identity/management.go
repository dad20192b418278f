package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

// DefaultManagementResource is the resource indicator requested for the
// provider management API when none is configured.
const DefaultManagementResource = "https://default.logto.app/api"

// refreshMargin is subtracted from the token lifetime so a token is
// refreshed before it actually expires.
const refreshMargin = 30 * time.Second

// ManagementTokenSource obtains and caches a management-plane access
// token via the client-credentials grant. A single token is held at a
// time; concurrent refreshes are tolerated, the last writer wins.
type ManagementTokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	resource     string
	httpClient   *http.Client
	logger       observability.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// ManagementOption configures a ManagementTokenSource.
type ManagementOption func(*ManagementTokenSource)

// WithManagementHTTPClient overrides the HTTP client.
func WithManagementHTTPClient(client *http.Client) ManagementOption {
	return func(m *ManagementTokenSource) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithManagementResource overrides the requested resource indicator.
func WithManagementResource(resource string) ManagementOption {
	return func(m *ManagementTokenSource) {
		if resource != "" {
			m.resource = resource
		}
	}
}

// WithManagementLogger sets the logger.
func WithManagementLogger(logger observability.Logger) ManagementOption {
	return func(m *ManagementTokenSource) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManagementTokenSource creates a token source for the provider
// management API.
func NewManagementTokenSource(tokenURL, clientID, clientSecret string, opts ...ManagementOption) (*ManagementTokenSource, error) {
	if tokenURL == "" {
		return nil, &util.ConfigError{Field: "identity.token_endpoint", Message: "token endpoint is required"}
	}
	if clientID == "" || clientSecret == "" {
		return nil, &util.ConfigError{Field: "identity.client_id", Message: "client credentials are required"}
	}

	m := &ManagementTokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		resource:     DefaultManagementResource,
		httpClient:   &http.Client{Timeout: defaultIntrospectTimeout},
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Token returns a valid management token, fetching a fresh one when
// the cached token is absent or within the refresh margin of expiry.
func (m *ManagementTokenSource) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, expiresAt := m.token, m.expiresAt
	m.mu.RUnlock()

	if token != "" && time.Now().Before(expiresAt.Add(-refreshMargin)) {
		return token, nil
	}
	return m.refresh(ctx)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

func (m *ManagementTokenSource) refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("resource", m.resource)
	form.Set("scope", "all")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &util.UpstreamError{Upstream: "identity-provider", Message: "failed to build token request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.clientID, m.clientSecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &util.UpstreamError{Upstream: "identity-provider", Message: "management token request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &util.UpstreamError{Upstream: "identity-provider", Message: "failed to read token response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &util.UpstreamError{
			Upstream: "identity-provider",
			Message:  fmt.Sprintf("management token grant returned status %d", resp.StatusCode),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &util.UpstreamError{Upstream: "identity-provider", Message: "malformed token response", Cause: err}
	}
	if tr.AccessToken == "" {
		return "", &util.UpstreamError{Upstream: "identity-provider", Message: "token response missing access_token"}
	}

	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	m.mu.Lock()
	m.token = tr.AccessToken
	m.expiresAt = expiresAt
	m.mu.Unlock()

	m.logger.Debug("management token refreshed",
		observability.Time("expires_at", expiresAt))
	return tr.AccessToken, nil
}

// Invalidate discards the cached token so the next call fetches a
// fresh one.
func (m *ManagementTokenSource) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}
