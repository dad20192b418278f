// Package postgres provides the PostgreSQL-backed implementation of
// the PAT store contract, using database/sql over the pgx stdlib
// driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/laplacelab/lapgw/internal/pat"
	"github.com/laplacelab/lapgw/internal/util"
)

// Store implements pat.Store over a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           BIGSERIAL PRIMARY KEY,
	uid          TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	is_deleted   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_uid_active
	ON users (uid) WHERE NOT is_deleted;

CREATE TABLE IF NOT EXISTS personal_access_tokens (
	id              BIGSERIAL PRIMARY KEY,
	user_id         BIGINT NOT NULL REFERENCES users (id),
	name            VARCHAR(120) NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	token_prefix    VARCHAR(16) NOT NULL,
	token_hash      VARCHAR(128) NOT NULL UNIQUE,
	scopes          TEXT NOT NULL DEFAULT '',
	expires_at      TIMESTAMPTZ,
	last_used_at    TIMESTAMPTZ,
	provider_pat_id VARCHAR(128) NOT NULL DEFAULT '',
	is_revoked      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS personal_access_tokens_prefix
	ON personal_access_tokens (token_prefix);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Insert persists a new PAT and assigns its ID.
func (s *Store) Insert(ctx context.Context, token *pat.PersonalAccessToken) error {
	query := `
		INSERT INTO personal_access_tokens
			(user_id, name, description, token_prefix, token_hash,
			 scopes, expires_at, provider_pat_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		token.UserID, token.Name, token.Description, token.TokenPrefix,
		token.TokenHash, token.Scopes, token.ExpiresAt, token.ProviderPATID,
	).Scan(&token.ID, &token.CreatedAt, &token.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const tokenColumns = `
	id, user_id, name, description, token_prefix, token_hash,
	scopes, expires_at, last_used_at, provider_pat_id, is_revoked,
	created_at, updated_at
`

func scanToken(row interface{ Scan(...any) error }) (*pat.PersonalAccessToken, error) {
	var t pat.PersonalAccessToken
	err := row.Scan(
		&t.ID, &t.UserID, &t.Name, &t.Description, &t.TokenPrefix,
		&t.TokenHash, &t.Scopes, &t.ExpiresAt, &t.LastUsedAt,
		&t.ProviderPATID, &t.IsRevoked, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindByOwner returns the user's PATs ordered newest first.
func (s *Store) FindByOwner(ctx context.Context, userID int64, includeRevoked bool) ([]*pat.PersonalAccessToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM personal_access_tokens
		WHERE user_id = $1 AND (is_revoked = FALSE OR $2)
		ORDER BY created_at DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, includeRevoked)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*pat.PersonalAccessToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// FindByPrefix returns the PAT with the given lookup prefix.
func (s *Store) FindByPrefix(ctx context.Context, prefix string, nonRevokedOnly bool) (*pat.PersonalAccessToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM personal_access_tokens
		WHERE token_prefix = $1 AND (is_revoked = FALSE OR NOT $2)
		LIMIT 1
	`
	token, err := scanToken(s.db.QueryRowContext(ctx, query, prefix, nonRevokedOnly))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return token, nil
}

// Update persists mutations to an existing PAT.
func (s *Store) Update(ctx context.Context, token *pat.PersonalAccessToken) error {
	query := `
		UPDATE personal_access_tokens
		SET name = $2, description = $3, scopes = $4, expires_at = $5,
			last_used_at = $6, provider_pat_id = $7, is_revoked = $8,
			updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		token.ID, token.Name, token.Description, token.Scopes,
		token.ExpiresAt, token.LastUsedAt, token.ProviderPATID, token.IsRevoked,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return util.ErrNotFound
	}
	return nil
}

// TouchLastUsed records a verification timestamp without touching any
// other column.
func (s *Store) TouchLastUsed(ctx context.Context, id int64, usedAt time.Time) error {
	query := `
		UPDATE personal_access_tokens
		SET last_used_at = $2, updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id, usedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return util.ErrNotFound
	}
	return nil
}

// FindUserByExternalID returns the non-deleted user with the given
// external subject id.
func (s *Store) FindUserByExternalID(ctx context.Context, uid string) (*pat.User, error) {
	query := `
		SELECT id, uid, display_name, is_deleted, created_at, updated_at
		FROM users
		WHERE uid = $1 AND is_deleted = FALSE
		LIMIT 1
	`
	var u pat.User
	err := s.db.QueryRowContext(ctx, query, uid).Scan(
		&u.ID, &u.UID, &u.DisplayName, &u.IsDeleted, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &u, nil
}

// FindUserByID returns the user with the given internal id.
func (s *Store) FindUserByID(ctx context.Context, id int64) (*pat.User, error) {
	query := `
		SELECT id, uid, display_name, is_deleted, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	var u pat.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.UID, &u.DisplayName, &u.IsDeleted, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &u, nil
}

// InsertUser persists a new user and assigns its ID.
func (s *Store) InsertUser(ctx context.Context, user *pat.User) error {
	query := `
		INSERT INTO users (uid, display_name)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, user.UID, user.DisplayName).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpdateUser persists mutations to an existing user.
func (s *Store) UpdateUser(ctx context.Context, user *pat.User) error {
	query := `
		UPDATE users
		SET display_name = $2, is_deleted = $3, updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, user.ID, user.DisplayName, user.IsDeleted)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return util.ErrNotFound
	}
	return nil
}

// Ensure Store implements pat.Store.
var _ pat.Store = (*Store)(nil)
