package pat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/laplacelab/lapgw/internal/util"
)

// MemoryStore is an in-memory implementation of the Store interface,
// used in tests and in environments without a configured database.
type MemoryStore struct {
	mu         sync.RWMutex
	tokens     map[int64]*PersonalAccessToken
	users      map[int64]*User
	nextToken  int64
	nextUser   int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:    make(map[int64]*PersonalAccessToken),
		users:     make(map[int64]*User),
		nextToken: 1,
		nextUser:  1,
	}
}

// Insert persists a new PAT and assigns its ID.
func (s *MemoryStore) Insert(ctx context.Context, token *PersonalAccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token.ID = s.nextToken
	s.nextToken++
	now := time.Now().UTC()
	token.CreatedAt = now
	token.UpdatedAt = now

	cp := *token
	s.tokens[token.ID] = &cp
	return nil
}

// FindByOwner returns the user's PATs ordered newest first.
func (s *MemoryStore) FindByOwner(ctx context.Context, userID int64, includeRevoked bool) ([]*PersonalAccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PersonalAccessToken
	for _, token := range s.tokens {
		if token.UserID != userID {
			continue
		}
		if token.IsRevoked && !includeRevoked {
			continue
		}
		cp := *token
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FindByPrefix returns the PAT with the given lookup prefix.
func (s *MemoryStore) FindByPrefix(ctx context.Context, prefix string, nonRevokedOnly bool) (*PersonalAccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, token := range s.tokens {
		if token.TokenPrefix != prefix {
			continue
		}
		if token.IsRevoked && nonRevokedOnly {
			continue
		}
		cp := *token
		return &cp, nil
	}
	return nil, util.ErrNotFound
}

// Update persists mutations to an existing PAT.
func (s *MemoryStore) Update(ctx context.Context, token *PersonalAccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.ID]; !ok {
		return util.ErrNotFound
	}
	token.UpdatedAt = time.Now().UTC()
	cp := *token
	s.tokens[token.ID] = &cp
	return nil
}

// TouchLastUsed records a verification timestamp without touching any
// other field.
func (s *MemoryStore) TouchLastUsed(ctx context.Context, id int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return util.ErrNotFound
	}
	token.LastUsedAt = &usedAt
	token.UpdatedAt = time.Now().UTC()
	return nil
}

// FindUserByExternalID returns the non-deleted user with the given
// external subject id.
func (s *MemoryStore) FindUserByExternalID(ctx context.Context, uid string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.UID == uid && !user.IsDeleted {
			cp := *user
			return &cp, nil
		}
	}
	return nil, util.ErrNotFound
}

// FindUserByID returns the user with the given internal id.
func (s *MemoryStore) FindUserByID(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

// InsertUser persists a new user and assigns its ID.
func (s *MemoryStore) InsertUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.ID = s.nextUser
	s.nextUser++
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// UpdateUser persists mutations to an existing user.
func (s *MemoryStore) UpdateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return util.ErrNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
