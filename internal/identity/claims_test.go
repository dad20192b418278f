package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laplacelab/lapgw/internal/util"
)

func TestClaimsFromMap(t *testing.T) {
	t.Parallel()

	now := time.Now().Unix()
	raw := map[string]interface{}{
		"sub":      "user-1",
		"username": "alice",
		"iss":      "https://idp.example.com/oidc",
		"scope":    "read write",
		"iat":      float64(now),
		"exp":      float64(now + 3600),
		"aud":      "lapgw",
	}

	claims, err := ClaimsFromMap(raw)
	require.NoError(t, err)

	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "alice", claims.DisplayName)
	assert.Equal(t, "https://idp.example.com/oidc", claims.Issuer)
	assert.Equal(t, "read write", claims.Scope)
	assert.Equal(t, []string{"lapgw"}, claims.Audience)
	assert.Equal(t, now, claims.IssuedAt.Unix())
	assert.Equal(t, now+3600, claims.ExpiresAt.Unix())
}

func TestClaimsFromMapRequiresSubject(t *testing.T) {
	t.Parallel()

	_, err := ClaimsFromMap(map[string]interface{}{"username": "alice"})
	assert.ErrorIs(t, err, util.ErrUnauthorized)

	_, err = ClaimsFromMap(map[string]interface{}{"sub": ""})
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestClaimsFromMapNameFallback(t *testing.T) {
	t.Parallel()

	claims, err := ClaimsFromMap(map[string]interface{}{"sub": "u", "name": "Alice C"})
	require.NoError(t, err)
	assert.Equal(t, "Alice C", claims.DisplayName)
}

func TestAudienceClaimShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		aud  interface{}
		want []string
	}{
		{name: "string", aud: "one", want: []string{"one"}},
		{name: "empty string", aud: "", want: nil},
		{name: "string slice", aud: []string{"one", "two"}, want: []string{"one", "two"}},
		{name: "interface slice", aud: []interface{}{"one", 2, "three"}, want: []string{"one", "three"}},
		{name: "absent", aud: nil, want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw := map[string]interface{}{"sub": "u"}
			if tt.aud != nil {
				raw["aud"] = tt.aud
			}
			claims, err := ClaimsFromMap(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, claims.Audience)
		})
	}
}
