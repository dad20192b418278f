package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laplacelab/lapgw/internal/util"
)

func TestForwardEchoMode(t *testing.T) {
	t.Parallel()

	forwarder := NewForwarder("")

	req := httptest.NewRequest(http.MethodPost, "/gateway/target/some/path?x=1", strings.NewReader(`{"hello":"world"}`))
	rec := httptest.NewRecorder()

	err := forwarder.Forward(context.Background(), rec, req, "some/path", "token")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var echo map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &echo))
	assert.Equal(t, http.MethodPost, echo["method"])
	assert.Equal(t, "some/path", echo["path"])
	assert.Equal(t, `{"hello":"world"}`, echo["body"])
	assert.Equal(t, map[string]interface{}{"x": "1"}, echo["query"])
}

func TestForwardRelaysRequest(t *testing.T) {
	t.Parallel()

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items", r.URL.Path)
		assert.Equal(t, "limit=5", r.URL.RawQuery)
		assert.Equal(t, "Bearer downstream-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "custom-value", r.Header.Get("X-Custom"))

		// Hop-by-hop headers are not forwarded.
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("X-Internal-Secret", "leaky")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer downstream.Close()

	forwarder := NewForwarder(downstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/gateway/target/api/items?limit=5", nil)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Custom", "custom-value")
	req.Header.Set("Authorization", "Bearer caller-token")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	rec := httptest.NewRecorder()

	err := forwarder.Forward(context.Background(), rec, req, "api/items", "downstream-token")
	require.NoError(t, err)

	// Status and allow-listed headers pass through; everything else
	// is dropped.
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"v1"`, rec.Header().Get("ETag"))
	assert.Empty(t, rec.Header().Get("X-Internal-Secret"))
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestForwardWithoutAccessToken(t *testing.T) {
	t.Parallel()

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer caller-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	forwarder := NewForwarder(downstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer caller-token")
	rec := httptest.NewRecorder()

	require.NoError(t, forwarder.Forward(context.Background(), rec, req, "x", ""))
}

func TestForwardUnreachableTarget(t *testing.T) {
	t.Parallel()

	forwarder := NewForwarder("http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	err := forwarder.Forward(context.Background(), rec, req, "x", "token")
	assert.ErrorIs(t, err, util.ErrBadGateway)
}
