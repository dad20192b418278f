package pat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laplacelab/lapgw/internal/credential"
	"github.com/laplacelab/lapgw/internal/util"
)

// mockRegistrar records provider mirror calls.
type mockRegistrar struct {
	registerErr   error
	unregisterErr error
	registered    []string
	unregistered  []string
}

func (m *mockRegistrar) RegisterPAT(_ context.Context, uid, name string, _ []string, _ *time.Time) (string, error) {
	if m.registerErr != nil {
		return "", m.registerErr
	}
	m.registered = append(m.registered, name)
	return "provider-" + name, nil
}

func (m *mockRegistrar) UnregisterPAT(_ context.Context, _, providerPATID string) error {
	if m.unregisterErr != nil {
		return m.unregisterErr
	}
	m.unregistered = append(m.unregistered, providerPATID)
	return nil
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	generator := credential.Generator{Tag: "lap", Size: 48}
	manager, err := NewManager(store, generator, 12, opts...)
	require.NoError(t, err)
	return manager, store
}

func newTestUser(t *testing.T, store *MemoryStore) *User {
	t.Helper()

	user := &User{UID: "external-user", DisplayName: "Test User"}
	require.NoError(t, store.InsertUser(context.Background(), user))
	return user
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()

	generator := credential.Generator{Tag: "lap", Size: 48}

	_, err := NewManager(nil, generator, 12)
	assert.Error(t, err)

	_, err = NewManager(NewMemoryStore(), credential.Generator{}, 12)
	assert.Error(t, err)

	_, err = NewManager(NewMemoryStore(), generator, 0)
	assert.Error(t, err)
}

func TestCreateReturnsPlaintextOnce(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	user := newTestUser(t, store)

	secret, token, err := manager.Create(context.Background(), user, "ci", "", []string{"write", "read", "read"}, nil)
	require.NoError(t, err)

	assert.Contains(t, secret, "lap_")
	assert.NotEmpty(t, token.ID)
	assert.Equal(t, "read,write", token.Scopes)
	assert.Equal(t, credential.HashToken(secret), token.TokenHash)
	assert.Equal(t, secret[:12], token.TokenPrefix)
	assert.NotContains(t, token.TokenHash, secret)
}

func TestCreateRequiresName(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	user := newTestUser(t, store)

	_, _, err := manager.Create(context.Background(), user, "  ", "", nil, nil)
	assert.ErrorIs(t, err, util.ErrBadRequest)
}

func TestCreateRegistrarFailureIsBestEffort(t *testing.T) {
	t.Parallel()

	registrar := &mockRegistrar{registerErr: errors.New("provider down")}
	manager, store := newTestManager(t, WithRegistrar(registrar))
	user := newTestUser(t, store)

	_, token, err := manager.Create(context.Background(), user, "ci", "", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, token.ProviderPATID)
}

func TestCreateRecordsProviderID(t *testing.T) {
	t.Parallel()

	registrar := &mockRegistrar{}
	manager, store := newTestManager(t, WithRegistrar(registrar))
	user := newTestUser(t, store)

	_, token, err := manager.Create(context.Background(), user, "ci", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "provider-ci", token.ProviderPATID)
}

func TestListExcludesRevoked(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	user := newTestUser(t, store)
	ctx := context.Background()

	_, first, err := manager.Create(ctx, user, "first", "", nil, nil)
	require.NoError(t, err)
	_, _, err = manager.Create(ctx, user, "second", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, manager.Revoke(ctx, first.ID, user))

	tokens, err := manager.List(ctx, user)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "second", tokens[0].Name)
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	registrar := &mockRegistrar{}
	manager, store := newTestManager(t, WithRegistrar(registrar))
	user := newTestUser(t, store)
	ctx := context.Background()

	_, token, err := manager.Create(ctx, user, "ci", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, manager.Revoke(ctx, token.ID, user))
	assert.Equal(t, []string{"provider-ci"}, registrar.unregistered)

	// Revoking again reports not found; revocation is monotonic.
	assert.ErrorIs(t, manager.Revoke(ctx, token.ID, user), util.ErrNotFound)
}

func TestRevokeNotOwned(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	owner := newTestUser(t, store)
	ctx := context.Background()

	other := &User{UID: "other-user"}
	require.NoError(t, store.InsertUser(ctx, other))

	_, token, err := manager.Create(ctx, owner, "ci", "", nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, manager.Revoke(ctx, token.ID, other), util.ErrNotFound)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	user := newTestUser(t, store)
	ctx := context.Background()

	secret, created, err := manager.Create(ctx, user, "ci", "", []string{"read"}, nil)
	require.NoError(t, err)

	token, owner, err := manager.Verify(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, created.ID, token.ID)
	assert.Equal(t, user.ID, owner.ID)
	assert.NotNil(t, token.LastUsedAt)
}

func TestVerifyRejections(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	user := newTestUser(t, store)
	ctx := context.Background()

	secret, created, err := manager.Create(ctx, user, "ci", "", nil, nil)
	require.NoError(t, err)

	t.Run("wrong tag", func(t *testing.T) {
		_, _, err := manager.Verify(ctx, "other_aaaaaaaaaaaaaaaa")
		assert.ErrorIs(t, err, util.ErrUnauthorized)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		_, _, err := manager.Verify(ctx, "lap_doesnotexistanywhere12345678901234567890")
		assert.ErrorIs(t, err, util.ErrUnauthorized)
	})

	t.Run("prefix match wrong secret", func(t *testing.T) {
		forged := secret[:12] + "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"
		_, _, err := manager.Verify(ctx, forged)
		assert.ErrorIs(t, err, util.ErrUnauthorized)
	})

	t.Run("revoked", func(t *testing.T) {
		require.NoError(t, manager.Revoke(ctx, created.ID, user))
		_, _, err := manager.Verify(ctx, secret)
		assert.ErrorIs(t, err, util.ErrUnauthorized)
	})
}

func TestVerifyExpired(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	user := newTestUser(t, store)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	secret, _, err := manager.Create(ctx, user, "ci", "", nil, &past)
	require.NoError(t, err)

	_, _, err = manager.Verify(ctx, secret)
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestVerifyDeletedOwner(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	user := newTestUser(t, store)
	ctx := context.Background()

	secret, _, err := manager.Create(ctx, user, "ci", "", nil, nil)
	require.NoError(t, err)

	user.IsDeleted = true
	require.NoError(t, store.UpdateUser(ctx, user))

	_, _, err = manager.Verify(ctx, secret)
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

// revokeAfterLookupStore revokes the token right after each prefix
// lookup, modeling a revocation that lands mid-verification.
type revokeAfterLookupStore struct {
	*MemoryStore
}

func (s *revokeAfterLookupStore) FindByPrefix(ctx context.Context, prefix string, nonRevokedOnly bool) (*PersonalAccessToken, error) {
	token, err := s.MemoryStore.FindByPrefix(ctx, prefix, nonRevokedOnly)
	if err != nil {
		return nil, err
	}
	cp := *token
	cp.IsRevoked = true
	if err := s.MemoryStore.Update(ctx, &cp); err != nil {
		return nil, err
	}
	return token, nil
}

func TestVerifyTouchKeepsConcurrentRevocation(t *testing.T) {
	t.Parallel()

	base := NewMemoryStore()
	manager, err := NewManager(&revokeAfterLookupStore{MemoryStore: base}, credential.Generator{Tag: "lap", Size: 48}, 12)
	require.NoError(t, err)

	user := newTestUser(t, base)
	ctx := context.Background()

	secret, _, err := manager.Create(ctx, user, "ci", "", nil, nil)
	require.NoError(t, err)

	// This verification loaded the token before the revocation landed,
	// so it still succeeds.
	_, _, err = manager.Verify(ctx, secret)
	require.NoError(t, err)

	// The revocation must survive the last_used_at touch.
	stored, err := base.FindByPrefix(ctx, credential.TokenPrefix(secret, 12), false)
	require.NoError(t, err)
	assert.True(t, stored.IsRevoked)
	require.NotNil(t, stored.LastUsedAt)

	_, _, err = manager.Verify(ctx, secret)
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestUpsertUser(t *testing.T) {
	t.Parallel()

	manager, _ := newTestManager(t)
	ctx := context.Background()

	created, err := manager.UpsertUser(ctx, "subject-1", "Alice")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	same, err := manager.UpsertUser(ctx, "subject-1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, same.ID)

	renamed, err := manager.UpsertUser(ctx, "subject-1", "Alice Cooper")
	require.NoError(t, err)
	assert.Equal(t, created.ID, renamed.ID)
	assert.Equal(t, "Alice Cooper", renamed.DisplayName)

	_, err = manager.UpsertUser(ctx, "", "nobody")
	assert.ErrorIs(t, err, util.ErrBadRequest)
}
