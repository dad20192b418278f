package identity

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

const jwksMinRefreshInterval = 15 * time.Minute

// LocalVerifier validates provider-issued JWTs offline using the
// provider's published JWKS. The key set is cached and refreshed in
// the background for the lifetime of the supplied context.
type LocalVerifier struct {
	jwksURL  string
	issuer   string
	audience string
	cache    *jwk.Cache
	logger   observability.Logger
}

// LocalOption configures a LocalVerifier.
type LocalOption func(*LocalVerifier)

// WithAudience requires the given audience on verified tokens.
func WithAudience(audience string) LocalOption {
	return func(v *LocalVerifier) {
		v.audience = audience
	}
}

// WithLocalLogger sets the logger.
func WithLocalLogger(logger observability.Logger) LocalOption {
	return func(v *LocalVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewLocalVerifier creates a JWKS-backed verifier. The initial key set
// is fetched eagerly so that misconfiguration surfaces at startup
// rather than on the first request.
func NewLocalVerifier(ctx context.Context, jwksURL, issuer string, opts ...LocalOption) (*LocalVerifier, error) {
	if jwksURL == "" {
		return nil, &util.ConfigError{Field: "identity.jwks_url", Message: "JWKS URL is required"}
	}
	if issuer == "" {
		return nil, &util.ConfigError{Field: "identity.issuer", Message: "issuer is required"}
	}

	v := &LocalVerifier{
		jwksURL: jwksURL,
		issuer:  issuer,
		cache:   jwk.NewCache(ctx),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if err := v.cache.Register(jwksURL, jwk.WithMinRefreshInterval(jwksMinRefreshInterval)); err != nil {
		return nil, &util.ConfigError{Field: "identity.jwks_url", Message: "failed to register JWKS endpoint", Cause: err}
	}
	if _, err := v.cache.Refresh(ctx, jwksURL); err != nil {
		return nil, &util.ConfigError{Field: "identity.jwks_url", Message: "failed to fetch initial JWKS", Cause: err}
	}

	return v, nil
}

// Introspect implements Verifier by verifying the token signature and
// registered claims locally.
func (v *LocalVerifier) Introspect(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, util.ErrUnauthorized
	}

	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		v.logger.Warn("JWKS refresh failed", observability.Error(err))
		return nil, &util.UpstreamError{Upstream: "identity-provider", Message: "failed to load JWKS", Cause: err}
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidate(true),
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		v.logger.Debug("local token verification failed", observability.Error(err))
		return nil, util.ErrUnauthorized
	}

	raw, err := parsed.AsMap(ctx)
	if err != nil {
		return nil, util.ErrUnauthorized
	}
	return ClaimsFromMap(raw)
}

var _ Verifier = (*LocalVerifier)(nil)
