// Package gwtoken mints and verifies the short-lived signed gateway
// tokens issued in exchange for a verified PAT.
package gwtoken

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/pat"
	"github.com/laplacelab/lapgw/internal/util"
)

// Claim names carried by gateway tokens beyond the registered set.
const (
	claimPATID  = "pat_id"
	claimScopes = "scopes"
)

// Claims holds the verified contents of a gateway token.
type Claims struct {
	Subject   string
	PATID     int64
	Scopes    []string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Minter signs and verifies gateway tokens with a symmetric secret.
type Minter struct {
	secret []byte
	issuer string
	ttl    time.Duration
	logger observability.Logger
}

// MinterOption is a functional option for the minter.
type MinterOption func(*Minter)

// WithLogger sets the logger for the minter.
func WithLogger(logger observability.Logger) MinterOption {
	return func(m *Minter) {
		m.logger = logger
	}
}

// NewMinter creates a new gateway token minter.
func NewMinter(secret, issuer string, ttl time.Duration, opts ...MinterOption) (*Minter, error) {
	if secret == "" {
		return nil, util.NewConfigError("gatewayToken.secret", "signing secret is required")
	}
	if issuer == "" {
		return nil, util.NewConfigError("gatewayToken.issuer", "issuer is required")
	}
	if ttl <= 0 {
		return nil, util.NewConfigError("gatewayToken.expiresIn", "token lifetime must be positive")
	}

	m := &Minter{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mint signs a gateway token bound to the verified PAT and its owner.
// Each call yields a distinct token: issued-at is taken fresh.
func (m *Minter) Mint(token *pat.PersonalAccessToken, user *pat.User) (string, int64, error) {
	if user == nil || user.UID == "" {
		return "", 0, util.NewValidationError("user identity is required to mint a token")
	}

	now := time.Now()
	builder := jwt.NewBuilder().
		Subject(user.UID).
		Issuer(m.issuer).
		IssuedAt(now).
		Expiration(now.Add(m.ttl)).
		Claim(claimPATID, token.ID).
		Claim(claimScopes, token.ScopeList())

	built, err := builder.Build()
	if err != nil {
		return "", 0, fmt.Errorf("failed to build claims: %w", err)
	}

	signed, err := jwt.Sign(built, jwt.WithKey(jwa.HS256, m.secret))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	m.logger.Debug("gateway token minted",
		observability.String("sub", user.UID),
		observability.Int64("pat_id", token.ID),
	)

	return string(signed), int64(m.ttl.Seconds()), nil
}

// Verify parses and validates a gateway token. Signature, issuer, and
// expiry are all checked; any failure collapses to ErrUnauthorized.
func (m *Minter) Verify(signed string) (*Claims, error) {
	parsed, err := jwt.Parse([]byte(signed),
		jwt.WithKey(jwa.HS256, m.secret),
		jwt.WithIssuer(m.issuer),
		jwt.WithValidate(true),
	)
	if err != nil {
		m.logger.Debug("gateway token rejected", observability.Error(err))
		return nil, util.ErrUnauthorized
	}

	claims := &Claims{
		Subject:   parsed.Subject(),
		Issuer:    parsed.Issuer(),
		IssuedAt:  parsed.IssuedAt(),
		ExpiresAt: parsed.Expiration(),
	}

	if raw, ok := parsed.Get(claimPATID); ok {
		claims.PATID = toInt64(raw)
	}
	if raw, ok := parsed.Get(claimScopes); ok {
		claims.Scopes = toStrings(raw)
	}

	return claims, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toStrings(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
