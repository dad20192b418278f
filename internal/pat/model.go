// Package pat implements the personal access token lifecycle: creation,
// hashed storage, verification, and revocation.
package pat

import (
	"sort"
	"strings"
	"time"
)

// User represents a caller identity synchronized from the external
// identity provider. Users are never hard-deleted, only flagged.
type User struct {
	ID          int64
	UID         string
	DisplayName string
	IsDeleted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PersonalAccessToken is a long-lived bearer credential owned by a
// single user. Only the prefix and hash of the secret persist; the
// plaintext is returned exactly once at creation time.
type PersonalAccessToken struct {
	ID          int64
	UserID      int64
	Name        string
	Description string
	TokenPrefix string
	TokenHash   string
	Scopes      string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time

	// ProviderPATID is the identifier of the best-effort mirror of
	// this token at the identity provider, when registration succeeded.
	ProviderPATID string

	IsRevoked bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired reports whether the token's expiry is set and in the past.
func (p *PersonalAccessToken) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// ScopeList returns the token's scopes as a slice.
func (p *PersonalAccessToken) ScopeList() []string {
	return ParseScopes(p.Scopes)
}

// NormalizeScopes trims whitespace, drops empty entries, deduplicates,
// and sorts. The result is canonical: normalizing twice is a no-op and
// input order does not matter.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// SerializeScopes returns the canonical comma-joined form of the
// normalized scope set.
func SerializeScopes(scopes []string) string {
	return strings.Join(NormalizeScopes(scopes), ",")
}

// ParseScopes splits a serialized scope string back into a slice.
func ParseScopes(serialized string) []string {
	if serialized == "" {
		return []string{}
	}
	parts := strings.Split(serialized, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
