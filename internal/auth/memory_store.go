package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	errUnknownUser    = errors.New("user not found")
	errUnknownSubject = errors.New("subject not found")
)

// memAccount is the internal record backing both the User and Subject views
// of an account.
type memAccount struct {
	id           int64
	username     string
	passwordHash string
	roles        []string
	permissions  []string
	disabled     bool
}

// MemoryStore keeps accounts in process memory. It backs development setups
// and tests where a SQL-backed store would be overkill.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	names    map[int64]string
	lastID   int64
}

// NewMemoryStore builds a store pre-populated from seeds. Seeds with a blank
// username are ignored, and the first occurrence of a username wins.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		accounts: make(map[string]*memAccount),
		names:    make(map[int64]string),
	}
	for _, seed := range seeds {
		name := strings.TrimSpace(seed.Username)
		if name == "" {
			continue
		}
		if _, taken := store.accounts[name]; taken {
			continue
		}
		if err := store.write(seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed implements SeedWriter. Existing accounts keep their ID but have
// password, grants and the disabled flag replaced.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accounts == nil {
		s.accounts = make(map[string]*memAccount)
		s.names = make(map[int64]string)
	}
	return s.write(seed)
}

// write inserts or replaces the account for seed.Username. The caller must
// hold mu, or be the sole owner of the store.
func (s *MemoryStore) write(seed Seed) error {
	name := strings.TrimSpace(seed.Username)
	if name == "" {
		return errors.New("seed requires a username")
	}
	hash, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}
	acct, exists := s.accounts[name]
	if !exists {
		s.lastID++
		acct = &memAccount{id: s.lastID, username: name}
		s.accounts[name] = acct
		s.names[acct.id] = name
	}
	acct.passwordHash = hash
	acct.roles = foldGrants(seed.Roles)
	acct.permissions = foldGrants(seed.Permissions)
	acct.disabled = seed.Disabled
	return nil
}

// FindUserByUsername implements Store.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[strings.TrimSpace(username)]
	if !ok {
		return nil, errUnknownUser
	}
	return &User{
		ID:           acct.id,
		Username:     acct.username,
		PasswordHash: acct.passwordHash,
		Disabled:     acct.disabled,
	}, nil
}

// LoadSubject implements Store. The returned subject owns its slices, so
// callers may hold it past the call without racing the store.
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[userID]
	if !ok {
		return nil, errUnknownSubject
	}
	acct := s.accounts[name]
	subject := &Subject{
		ID:          acct.id,
		Username:    acct.username,
		Roles:       append([]string(nil), acct.roles...),
		Permissions: append([]string(nil), acct.permissions...),
		Disabled:    acct.disabled,
	}
	subject.indexPermissions()
	return subject, nil
}

// foldGrants trims, lowercases and dedupes a role or permission list so that
// checks behave case-insensitively no matter how the seed was written.
func foldGrants(values []string) []string {
	merged := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" {
			merged[value] = struct{}{}
		}
	}
	out := make([]string, 0, len(merged))
	for value := range merged {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
