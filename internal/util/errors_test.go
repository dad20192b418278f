package util

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "unauthorized", err: ErrUnauthorized, want: http.StatusUnauthorized},
		{name: "not found", err: ErrNotFound, want: http.StatusNotFound},
		{name: "bad request", err: ErrBadRequest, want: http.StatusBadRequest},
		{name: "bad gateway", err: ErrBadGateway, want: http.StatusBadGateway},
		{name: "gateway timeout", err: ErrGatewayTimeout, want: http.StatusGatewayTimeout},
		{name: "wrapped sentinel", err: fmt.Errorf("lookup: %w", ErrNotFound), want: http.StatusNotFound},
		{name: "upstream error", err: NewUpstreamError("identity-provider", "unreachable"), want: http.StatusBadGateway},
		{name: "timeout error", err: NewTimeoutError("token exchange", 5 * time.Second), want: http.StatusGatewayTimeout},
		{name: "validation error", err: NewValidationError("name is required"), want: http.StatusBadRequest},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
		{name: "config error", err: NewConfigError("server.port", "missing"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

// A timeout wrapping a transport failure must map to 504, not 502.
func TestHTTPStatusTimeoutBeforeBadGateway(t *testing.T) {
	t.Parallel()

	err := &TimeoutError{
		Operation: "token exchange",
		Duration:  5 * time.Second,
		Cause:     NewUpstreamError("agent-platform", "connect refused"),
	}
	assert.True(t, errors.Is(err, ErrBadGateway))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(err))
}

func TestConfigError(t *testing.T) {
	t.Parallel()

	err := NewConfigError("identity.endpoint", "endpoint is required")
	assert.Equal(t, "config error at identity.endpoint: endpoint is required", err.Error())

	var cfgErr *ConfigError
	assert.ErrorAs(t, error(err), &cfgErr)
	assert.True(t, errors.Is(err, &ConfigError{}))

	cause := errors.New("parse failure")
	wrapped := NewConfigErrorWithCause("server.timeout", "invalid duration", cause)
	assert.ErrorIs(t, wrapped, cause)
}

func TestUpstreamError(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := NewUpstreamErrorWithCause("identity-provider", "introspection failed", cause)

	assert.ErrorIs(t, err, ErrBadGateway)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "identity-provider")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestValidationErrorFields(t *testing.T) {
	t.Parallel()

	err := NewValidationError("invalid request")
	err.AddField("name", "must not be empty")

	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Contains(t, err.Error(), "name")
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	require.NoError(t, WrapError(nil, "context"))

	wrapped := WrapError(ErrNotFound, "loading token")
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, "loading token: not found", wrapped.Error())
}
