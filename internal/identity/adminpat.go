package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

// GrantError is a token grant rejection from the identity provider.
// The provider's OAuth error code and description are preserved.
type GrantError struct {
	Status      int
	Code        string
	Description string
}

// Error implements the error interface.
func (e *GrantError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token grant rejected (%d %s): %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("token grant rejected (%d %s)", e.Status, e.Code)
}

// Is maps grant rejections onto the shared error taxonomy.
func (e *GrantError) Is(target error) bool {
	switch target {
	case util.ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case util.ErrBadRequest:
		return e.Status == http.StatusBadRequest
	case util.ErrBadGateway:
		return e.Status >= 500
	}
	_, ok := target.(*GrantError)
	return ok
}

// Grant is a successful token grant from the provider.
type Grant struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// ProviderPAT is the provider-side view of a mirrored personal access
// token.
type ProviderPAT struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Value     string     `json:"value,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// AdminClient talks to the identity provider's management API. It
// mirrors PAT lifecycle events so tokens stay visible in the provider
// console, and performs the OAuth token-exchange grant used when the
// agent platform cannot serve an exchange directly.
type AdminClient struct {
	endpoint     string
	tokenURL     string
	clientID     string
	clientSecret string
	tokens       *ManagementTokenSource
	httpClient   *http.Client
	logger       observability.Logger
}

// AdminOption configures an AdminClient.
type AdminOption func(*AdminClient)

// WithAdminHTTPClient overrides the HTTP client.
func WithAdminHTTPClient(client *http.Client) AdminOption {
	return func(a *AdminClient) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// WithAdminLogger sets the logger.
func WithAdminLogger(logger observability.Logger) AdminOption {
	return func(a *AdminClient) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdminClient creates a management API client.
func NewAdminClient(endpoint, tokenURL, clientID, clientSecret string, tokens *ManagementTokenSource, opts ...AdminOption) (*AdminClient, error) {
	if endpoint == "" {
		return nil, &util.ConfigError{Field: "identity.endpoint", Message: "provider endpoint is required"}
	}
	if tokens == nil {
		return nil, &util.ConfigError{Field: "identity", Message: "management token source is required"}
	}

	a := &AdminClient{
		endpoint:     strings.TrimRight(endpoint, "/"),
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokens:       tokens,
		httpClient:   &http.Client{Timeout: defaultIntrospectTimeout},
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *AdminClient) patCollectionURL(uid string) string {
	return a.endpoint + "/api/users/" + url.PathEscape(uid) + "/personal-access-tokens"
}

// RegisterPAT creates a provider-side mirror of a new token and
// returns its provider identifier.
func (a *AdminClient) RegisterPAT(ctx context.Context, uid, name string, scopes []string, expiresAt *time.Time) (string, error) {
	payload := map[string]interface{}{
		"name":   name,
		"scopes": scopes,
	}
	if expiresAt != nil {
		payload["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}

	body, err := a.doManagement(ctx, http.MethodPost, a.patCollectionURL(uid), payload)
	if err != nil {
		return "", err
	}

	var created ProviderPAT
	if err := json.Unmarshal(body, &created); err != nil {
		return "", &util.UpstreamError{Upstream: "identity-provider", Message: "malformed PAT create response", Cause: err}
	}
	if created.ID != "" {
		return created.ID, nil
	}
	// Some provider versions key tokens by name only.
	if created.Name != "" {
		return created.Name, nil
	}
	return "", &util.UpstreamError{Upstream: "identity-provider", Message: "PAT create response missing identifier"}
}

// UnregisterPAT removes a provider-side token mirror.
func (a *AdminClient) UnregisterPAT(ctx context.Context, uid, providerPATID string) error {
	target := a.patCollectionURL(uid) + "/" + url.PathEscape(providerPATID)
	_, err := a.doManagement(ctx, http.MethodDelete, target, nil)
	return err
}

// ListPATs returns the provider-side tokens registered for a user.
func (a *AdminClient) ListPATs(ctx context.Context, uid string) ([]ProviderPAT, error) {
	body, err := a.doManagement(ctx, http.MethodGet, a.patCollectionURL(uid), nil)
	if err != nil {
		return nil, err
	}
	var pats []ProviderPAT
	if err := json.Unmarshal(body, &pats); err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "malformed PAT list response", Cause: err}
	}
	return pats, nil
}

// doManagement performs an authenticated management API call. A 401 is
// retried once with a fresh management token.
func (a *AdminClient) doManagement(ctx context.Context, method, target string, payload interface{}) ([]byte, error) {
	body, err := a.attempt(ctx, method, target, payload)
	if err != nil && errors.Is(err, util.ErrUnauthorized) {
		a.tokens.Invalidate()
		body, err = a.attempt(ctx, method, target, payload)
	}
	return body, err
}

func (a *AdminClient) attempt(ctx context.Context, method, target string, payload interface{}) ([]byte, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, util.WrapError(err, "failed to encode management request")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "failed to build management request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "management request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "failed to read management response", Cause: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, util.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, util.ErrNotFound
	default:
		return nil, &util.UpstreamError{
			Upstream: "identity-provider",
			Message:  fmt.Sprintf("management API returned status %d", resp.StatusCode),
		}
	}
}

// ExchangePAT performs the OAuth token-exchange grant, trading a
// personal access token for a provider access token.
func (a *AdminClient) ExchangePAT(ctx context.Context, subjectToken, resource string) (*Grant, error) {
	if a.tokenURL == "" {
		return nil, &util.ConfigError{Field: "identity.token_endpoint", Message: "token endpoint is required"}
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:token-exchange")
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", "urn:logto:token-type:personal_access_token")
	if resource != "" {
		form.Set("resource", resource)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "failed to build exchange request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.clientID != "" {
		req.SetBasicAuth(a.clientID, a.clientSecret)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "token exchange request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "failed to read exchange response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		grantErr := &GrantError{Status: resp.StatusCode}
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &oauthErr) == nil {
			grantErr.Code = oauthErr.Error
			grantErr.Description = oauthErr.Description
		}
		a.logger.Debug("provider token exchange rejected",
			observability.Int("status", resp.StatusCode),
			observability.String("error", grantErr.Code))
		return nil, grantErr
	}

	var grant Grant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "malformed exchange response", Cause: err}
	}
	if grant.AccessToken == "" {
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "exchange response missing access_token"}
	}
	return &grant, nil
}
