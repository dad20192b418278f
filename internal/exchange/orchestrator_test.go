package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laplacelab/lapgw/internal/identity"
	"github.com/laplacelab/lapgw/internal/util"
)

// mockFallback records fallback invocations.
type mockFallback struct {
	calls atomic.Int64
	grant *identity.Grant
	err   error
}

func (m *mockFallback) ExchangePAT(_ context.Context, _, _ string) (*identity.Grant, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.grant, nil
}

func newOrchestratorFixture(t *testing.T, handler http.HandlerFunc, fallback Fallback) *Orchestrator {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	primary, err := NewPlatformClient(srv.URL)
	require.NoError(t, err)

	orchestrator, err := NewOrchestrator(primary, fallback)
	require.NoError(t, err)
	return orchestrator
}

func TestOrchestratorPrimarySuccess(t *testing.T) {
	t.Parallel()

	fallback := &mockFallback{}
	orchestrator := newOrchestratorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"data":{"accessToken":"primary-token","tokenType":"Bearer","expiresIn":600}}`))
	}, fallback)

	result, err := orchestrator.Exchange(context.Background(), "lap_secret", "", DefaultRequest(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "primary-token", result.AccessToken)
	assert.Equal(t, int64(0), fallback.calls.Load())
}

func TestOrchestratorFallsBackOnInvalidTarget(t *testing.T) {
	t.Parallel()

	fallback := &mockFallback{grant: &identity.Grant{
		AccessToken: "fallback-token",
		TokenType:   "Bearer",
		ExpiresIn:   300,
	}}
	orchestrator := newOrchestratorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error":"invalid_target"}`))
	}, fallback)

	result, err := orchestrator.Exchange(context.Background(), "lap_secret", "rsc", DefaultRequest(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "fallback-token", result.AccessToken)
	assert.Equal(t, int64(300), result.ExpiresIn)
	assert.Equal(t, int64(1), fallback.calls.Load())
}

func TestOrchestratorFallsBackOnTransportFailure(t *testing.T) {
	t.Parallel()

	fallback := &mockFallback{grant: &identity.Grant{AccessToken: "fallback-token"}}

	primary, err := NewPlatformClient("http://127.0.0.1:1")
	require.NoError(t, err)
	orchestrator, err := NewOrchestrator(primary, fallback)
	require.NoError(t, err)

	result, err := orchestrator.Exchange(context.Background(), "lap_secret", "", DefaultRequest(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "fallback-token", result.AccessToken)
}

func TestOrchestratorNoFallbackOnDenial(t *testing.T) {
	t.Parallel()

	fallback := &mockFallback{grant: &identity.Grant{AccessToken: "never"}}
	orchestrator := newOrchestratorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error":"access_denied","message":"no"}`))
	}, fallback)

	_, err := orchestrator.Exchange(context.Background(), "lap_secret", "", DefaultRequest(nil, nil))
	require.Error(t, err)
	assert.Equal(t, int64(0), fallback.calls.Load())

	var exchErr *ExchangeError
	assert.ErrorAs(t, err, &exchErr)
}

func TestOrchestratorSurfacesFallbackFailure(t *testing.T) {
	t.Parallel()

	fallback := &mockFallback{err: &identity.GrantError{Status: http.StatusBadRequest, Code: "invalid_grant"}}
	orchestrator := newOrchestratorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error":"invalid_target"}`))
	}, fallback)

	_, err := orchestrator.Exchange(context.Background(), "lap_secret", "", DefaultRequest(nil, nil))

	// The fallback's failure is the one surfaced, not the primary's.
	var grantErr *identity.GrantError
	require.ErrorAs(t, err, &grantErr)
	assert.Equal(t, int64(1), fallback.calls.Load())
}

func TestOrchestratorWithoutFallback(t *testing.T) {
	t.Parallel()

	orchestrator := newOrchestratorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error":"invalid_target"}`))
	}, nil)

	_, err := orchestrator.Exchange(context.Background(), "lap_secret", "", DefaultRequest(nil, nil))
	var exchErr *ExchangeError
	assert.ErrorAs(t, err, &exchErr)
}

func TestFallbackReason(t *testing.T) {
	t.Parallel()

	reason, ok := fallbackReason(&ExchangeError{Code: ErrCodeInvalidTarget})
	assert.True(t, ok)
	assert.Equal(t, "invalid_target", reason)

	_, ok = fallbackReason(&ExchangeError{Code: ErrCodeDenied, Status: http.StatusForbidden})
	assert.False(t, ok)

	reason, ok = fallbackReason(&util.TimeoutError{Operation: "exchange"})
	assert.True(t, ok)
	assert.Equal(t, "timeout", reason)

	reason, ok = fallbackReason(&util.UpstreamError{Upstream: "agent-platform"})
	assert.True(t, ok)
	assert.Equal(t, "transport", reason)

	_, ok = fallbackReason(util.ErrUnauthorized)
	assert.False(t, ok)
}
