package pat

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/laplacelab/lapgw/internal/credential"
	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

// Registrar mirrors PAT lifecycle events to the identity provider.
// Calls are best effort: failures are logged, never propagated.
type Registrar interface {
	// RegisterPAT creates a provider-side mirror of a new PAT and
	// returns its provider id.
	RegisterPAT(ctx context.Context, uid, name string, scopes []string, expiresAt *time.Time) (string, error)

	// UnregisterPAT removes the provider-side mirror of a revoked PAT.
	UnregisterPAT(ctx context.Context, uid, providerPATID string) error
}

// Manager implements the PAT lifecycle: create, list, revoke, verify.
type Manager struct {
	store     Store
	generator credential.Generator
	prefixLen int
	registrar Registrar
	logger    observability.Logger
}

// ManagerOption is a functional option for the manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRegistrar sets the best-effort provider registrar.
func WithRegistrar(registrar Registrar) ManagerOption {
	return func(m *Manager) {
		m.registrar = registrar
	}
}

// NewManager creates a new PAT lifecycle manager.
func NewManager(store Store, generator credential.Generator, prefixLen int, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if generator.Tag == "" || generator.Size <= 0 {
		return nil, fmt.Errorf("token generator tag and size are required")
	}
	if prefixLen <= 0 {
		return nil, fmt.Errorf("prefix length must be positive")
	}

	m := &Manager{
		store:     store,
		generator: generator,
		prefixLen: prefixLen,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create generates a fresh secret, persists the PAT, and returns the
// plaintext secret. The plaintext is returned exactly once; only the
// prefix and hash are stored.
func (m *Manager) Create(
	ctx context.Context,
	user *User,
	name, description string,
	scopes []string,
	expiresAt *time.Time,
) (string, *PersonalAccessToken, error) {
	if user == nil {
		return "", nil, util.NewValidationError("user is required")
	}
	if strings.TrimSpace(name) == "" {
		return "", nil, util.NewValidationError("token name is required")
	}

	secret, err := m.generator.Generate()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token secret: %w", err)
	}

	normalized := NormalizeScopes(scopes)
	token := &PersonalAccessToken{
		UserID:      user.ID,
		Name:        name,
		Description: description,
		TokenPrefix: credential.TokenPrefix(secret, m.prefixLen),
		TokenHash:   credential.HashToken(secret),
		Scopes:      strings.Join(normalized, ","),
		ExpiresAt:   expiresAt,
	}

	// Best-effort provider-side registration. A failure here must not
	// fail PAT creation.
	if m.registrar != nil {
		providerID, regErr := m.registrar.RegisterPAT(ctx, user.UID, name, normalized, expiresAt)
		if regErr != nil {
			m.logger.Warn("provider PAT registration failed",
				observability.String("uid", user.UID),
				observability.String("name", name),
				observability.Error(regErr),
			)
		} else {
			token.ProviderPATID = providerID
		}
	}

	if err := m.store.Insert(ctx, token); err != nil {
		return "", nil, fmt.Errorf("failed to persist token: %w", err)
	}

	patCreatedTotal.Inc()
	m.logger.Info("personal access token created",
		observability.Int64("pat_id", token.ID),
		observability.String("uid", user.UID),
		observability.Strings("scopes", normalized),
	)

	return secret, token, nil
}

// List returns the user's non-revoked PATs, newest first.
func (m *Manager) List(ctx context.Context, user *User) ([]*PersonalAccessToken, error) {
	if user == nil {
		return nil, util.NewValidationError("user is required")
	}
	return m.store.FindByOwner(ctx, user.ID, false)
}

// Revoke marks the PAT revoked. It returns util.ErrNotFound when no
// matching, owned, non-revoked PAT exists; whether a PAT exists under
// a different owner is never revealed.
func (m *Manager) Revoke(ctx context.Context, patID int64, user *User) error {
	if user == nil {
		return util.NewValidationError("user is required")
	}

	tokens, err := m.store.FindByOwner(ctx, user.ID, false)
	if err != nil {
		return fmt.Errorf("failed to query tokens: %w", err)
	}

	var token *PersonalAccessToken
	for _, t := range tokens {
		if t.ID == patID {
			token = t
			break
		}
	}
	if token == nil {
		return util.ErrNotFound
	}

	token.IsRevoked = true
	if err := m.store.Update(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	patRevokedTotal.Inc()
	m.logger.Info("personal access token revoked",
		observability.Int64("pat_id", token.ID),
		observability.String("uid", user.UID),
	)

	if m.registrar != nil && token.ProviderPATID != "" {
		if regErr := m.registrar.UnregisterPAT(ctx, user.UID, token.ProviderPATID); regErr != nil {
			m.logger.Warn("provider PAT removal failed",
				observability.String("provider_pat_id", token.ProviderPATID),
				observability.Error(regErr),
			)
		}
	}

	return nil
}

// Verify checks a plaintext token and returns the matching PAT and its
// owner. Every rejection collapses to util.ErrUnauthorized; the
// internal cause is logged and counted but never exposed.
func (m *Manager) Verify(ctx context.Context, secret string) (*PersonalAccessToken, *User, error) {
	start := time.Now()

	if !strings.HasPrefix(secret, m.generator.TagPrefix()) {
		recordVerification("error", "bad_tag", start)
		return nil, nil, util.ErrUnauthorized
	}

	prefix := credential.TokenPrefix(secret, m.prefixLen)
	token, err := m.store.FindByPrefix(ctx, prefix, true)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			recordVerification("error", "unknown_prefix", start)
			return nil, nil, util.ErrUnauthorized
		}
		recordVerification("error", "store_error", start)
		return nil, nil, fmt.Errorf("failed to look up token: %w", err)
	}

	// Always compare the full digest. Branching on partial matches
	// would let timing distinguish prefix collisions from bad secrets.
	computed := credential.HashToken(secret)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(token.TokenHash)) != 1 {
		recordVerification("error", "hash_mismatch", start)
		return nil, nil, util.ErrUnauthorized
	}

	owner, err := m.store.FindUserByID(ctx, token.UserID)
	if err != nil {
		recordVerification("error", "owner_missing", start)
		m.logger.Warn("token owner lookup failed",
			observability.Int64("pat_id", token.ID),
			observability.Error(err),
		)
		return nil, nil, util.ErrUnauthorized
	}
	if owner.IsDeleted {
		recordVerification("error", "owner_deleted", start)
		return nil, nil, util.ErrUnauthorized
	}

	if token.IsExpired(time.Now()) {
		recordVerification("error", "expired", start)
		return nil, nil, util.ErrUnauthorized
	}

	// The touch must not write back the row loaded above: a revocation
	// landing after the lookup would be overwritten by the stale copy.
	now := time.Now().UTC()
	token.LastUsedAt = &now
	if err := m.store.TouchLastUsed(ctx, token.ID, now); err != nil {
		// last_used_at is advisory telemetry; a failed touch does not
		// invalidate the verification.
		m.logger.Warn("failed to update last_used_at",
			observability.Int64("pat_id", token.ID),
			observability.Error(err),
		)
	}

	recordVerification("success", "valid", start)
	return token, owner, nil
}

// UpsertUser ensures a local user row exists for the external subject
// id, updating the display name when it changed.
func (m *Manager) UpsertUser(ctx context.Context, uid, displayName string) (*User, error) {
	if uid == "" {
		return nil, util.NewValidationError("subject id is required")
	}

	user, err := m.store.FindUserByExternalID(ctx, uid)
	if err == nil {
		if displayName != "" && user.DisplayName != displayName {
			user.DisplayName = displayName
			if err := m.store.UpdateUser(ctx, user); err != nil {
				return nil, fmt.Errorf("failed to update user: %w", err)
			}
		}
		return user, nil
	}
	if !errors.Is(err, util.ErrNotFound) {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	user = &User{UID: uid, DisplayName: displayName}
	if err := m.store.InsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}
