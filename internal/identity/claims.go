// Package identity validates externally issued access tokens, either
// by remote introspection or by local signature verification against
// the provider's published key set, and hosts the management-plane
// client for provider administrative calls.
package identity

import (
	"context"
	"time"

	"github.com/laplacelab/lapgw/internal/util"
)

// Claims is the typed view of a verified provider token. Dynamic claim
// maps from the provider are validated once here, at the verification
// boundary, and never re-parsed downstream.
type Claims struct {
	// Subject is the external user id. Required.
	Subject string

	// DisplayName is the best available human-readable name, taken
	// from the username or name claim when present.
	DisplayName string

	Issuer    string
	Audience  []string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Raw preserves the full claim set for callers that need
	// provider-specific extras.
	Raw map[string]interface{}
}

// Verifier is the shared contract over both verification strategies.
type Verifier interface {
	// Introspect validates a bearer token and returns its claims.
	// Invalid or expired tokens yield util.ErrUnauthorized; an
	// unreachable or misbehaving provider yields util.ErrBadGateway.
	Introspect(ctx context.Context, token string) (*Claims, error)
}

// ClaimsFromMap builds typed claims from a raw claim map, requiring a
// subject.
func ClaimsFromMap(raw map[string]interface{}) (*Claims, error) {
	claims := &Claims{Raw: raw}

	claims.Subject = stringClaim(raw, "sub")
	if claims.Subject == "" {
		return nil, util.ErrUnauthorized
	}

	claims.DisplayName = stringClaim(raw, "username")
	if claims.DisplayName == "" {
		claims.DisplayName = stringClaim(raw, "name")
	}
	claims.Issuer = stringClaim(raw, "iss")
	claims.Scope = stringClaim(raw, "scope")
	claims.IssuedAt = timeClaim(raw, "iat")
	claims.ExpiresAt = timeClaim(raw, "exp")
	claims.Audience = audienceClaim(raw)

	return claims, nil
}

func stringClaim(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

func timeClaim(raw map[string]interface{}, key string) time.Time {
	switch v := raw[key].(type) {
	case time.Time:
		return v
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

func audienceClaim(raw map[string]interface{}) []string {
	switch v := raw["aud"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
