package pat

import (
	"context"
	"time"
)

// Store is the persistence contract for PAT and User records. It is
// backed by PostgreSQL in production and by MemoryStore in tests.
//
// Implementations return util.ErrNotFound for absent records.
type Store interface {
	// Insert persists a new PAT and assigns its ID.
	Insert(ctx context.Context, token *PersonalAccessToken) error

	// FindByOwner returns the user's PATs ordered newest first by
	// creation time. Revoked tokens are excluded unless includeRevoked
	// is set.
	FindByOwner(ctx context.Context, userID int64, includeRevoked bool) ([]*PersonalAccessToken, error)

	// FindByPrefix returns the PAT with the given lookup prefix, or
	// util.ErrNotFound. With nonRevokedOnly set, revoked tokens are
	// treated as absent.
	FindByPrefix(ctx context.Context, prefix string, nonRevokedOnly bool) (*PersonalAccessToken, error)

	// Update persists mutations to an existing PAT.
	Update(ctx context.Context, token *PersonalAccessToken) error

	// TouchLastUsed records a verification against the PAT without
	// writing back any other column. Verification holds a copy loaded
	// before the hash check; a full-row update from that copy could
	// overwrite a concurrent revocation.
	TouchLastUsed(ctx context.Context, id int64, usedAt time.Time) error

	// FindUserByExternalID returns the non-deleted user with the given
	// external subject id, or util.ErrNotFound.
	FindUserByExternalID(ctx context.Context, uid string) (*User, error)

	// FindUserByID returns the user with the given internal id, or
	// util.ErrNotFound.
	FindUserByID(ctx context.Context, id int64) (*User, error)

	// InsertUser persists a new user and assigns its ID.
	InsertUser(ctx context.Context, user *User) error

	// UpdateUser persists mutations to an existing user.
	UpdateUser(ctx context.Context, user *User) error
}
