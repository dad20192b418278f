package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laplacelab/lapgw/internal/util"
)

func TestNewRemoteIntrospectorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRemoteIntrospector("", "id", "secret")
	assert.Error(t, err)

	_, err = NewRemoteIntrospector("https://idp.example.com/introspect", "", "")
	assert.Error(t, err)
}

func TestIntrospectActiveToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-token", r.PostForm.Get("token"))
		assert.Equal(t, "access_token", r.PostForm.Get("token_type_hint"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true,"sub":"user-1","username":"alice"}`))
	}))
	defer srv.Close()

	verifier, err := NewRemoteIntrospector(srv.URL, "client-id", "client-secret")
	require.NoError(t, err)

	claims, err := verifier.Introspect(context.Background(), "the-token")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "alice", claims.DisplayName)
}

func TestIntrospectInactiveToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":false}`))
	}))
	defer srv.Close()

	verifier, err := NewRemoteIntrospector(srv.URL, "id", "secret")
	require.NoError(t, err)

	_, err = verifier.Introspect(context.Background(), "revoked-token")
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestIntrospectExpiredClaims(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true,"sub":"user-1","exp":1000}`))
	}))
	defer srv.Close()

	verifier, err := NewRemoteIntrospector(srv.URL, "id", "secret")
	require.NoError(t, err)

	_, err = verifier.Introspect(context.Background(), "stale-token")
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestIntrospectActiveWithoutSubject(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true,"username":"alice"}`))
	}))
	defer srv.Close()

	verifier, err := NewRemoteIntrospector(srv.URL, "id", "secret")
	require.NoError(t, err)

	// Active but subject-less is broken provider output, not a bad
	// caller token.
	_, err = verifier.Introspect(context.Background(), "the-token")
	assert.ErrorIs(t, err, util.ErrBadGateway)
	assert.NotErrorIs(t, err, util.ErrUnauthorized)
}

func TestIntrospectProviderRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad client", http.StatusUnauthorized)
	}))
	defer srv.Close()

	verifier, err := NewRemoteIntrospector(srv.URL, "id", "secret")
	require.NoError(t, err)

	_, err = verifier.Introspect(context.Background(), "any")
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestIntrospectProviderFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	verifier, err := NewRemoteIntrospector(srv.URL, "id", "secret")
	require.NoError(t, err)

	_, err = verifier.Introspect(context.Background(), "any")
	assert.ErrorIs(t, err, util.ErrBadGateway)
}

func TestIntrospectUnreachableProvider(t *testing.T) {
	t.Parallel()

	verifier, err := NewRemoteIntrospector("http://127.0.0.1:1/introspect", "id", "secret")
	require.NoError(t, err)

	_, err = verifier.Introspect(context.Background(), "any")
	assert.ErrorIs(t, err, util.ErrBadGateway)
}

func TestIntrospectEmptyToken(t *testing.T) {
	t.Parallel()

	verifier, err := NewRemoteIntrospector("https://idp.example.com/introspect", "id", "secret")
	require.NoError(t, err)

	_, err = verifier.Introspect(context.Background(), "")
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}
