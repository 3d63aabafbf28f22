package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ml-tooling/contaxy/pkg/auth"
)

// Memory is a mutex-guarded in-memory backend. It is the default store for
// development and tests.
type Memory struct {
	mu          sync.RWMutex
	permissions map[string][]string
	tokens      map[string]*auth.APIToken
	users       map[string]*auth.User
	usernames   map[string]string
	passwords   map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		permissions: make(map[string][]string),
		tokens:      make(map[string]*auth.APIToken),
		users:       make(map[string]*auth.User),
		usernames:   make(map[string]string),
		passwords:   make(map[string][]byte),
	}
}

// Ping implements observability.Pinger.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// ListPermissions returns the raw entries held by the resource.
func (m *Memory) ListPermissions(ctx context.Context, resourceName string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.permissions[resourceName]
	out := make([]string, len(entries))
	copy(out, entries)
	return out, nil
}

// AddPermission appends an entry to the resource.
func (m *Memory) AddPermission(ctx context.Context, resourceName string, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.permissions[resourceName] {
		if entry == permission {
			return auth.Errorf(auth.ErrorResourceAlreadyExists, "permission %q already granted to %q", permission, resourceName)
		}
	}
	m.permissions[resourceName] = append(m.permissions[resourceName], permission)
	return nil
}

// RemovePermission removes an exact entry from the resource.
func (m *Memory) RemovePermission(ctx context.Context, resourceName string, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.permissions[resourceName]
	for i, entry := range entries {
		if entry == permission {
			m.permissions[resourceName] = append(entries[:i], entries[i+1:]...)
			if len(m.permissions[resourceName]) == 0 {
				delete(m.permissions, resourceName)
			}
			return nil
		}
	}
	return auth.Errorf(auth.ErrorResourceNotFound, "permission %q not granted to %q", permission, resourceName)
}

// ListResourcesWithPermission returns the resources holding the exact
// entry, sorted for deterministic output.
func (m *Memory) ListResourcesWithPermission(ctx context.Context, permission string, resourceNamePrefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var resources []string
	for resource, entries := range m.permissions {
		if resourceNamePrefix != "" && !strings.HasPrefix(resource, resourceNamePrefix) {
			continue
		}
		for _, entry := range entries {
			if entry == permission {
				resources = append(resources, resource)
				break
			}
		}
	}
	sort.Strings(resources)
	return resources, nil
}

// PutToken stores API-token metadata under its secret hash.
func (m *Memory) PutToken(ctx context.Context, tokenHash string, token *auth.APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[tokenHash] = token
	return nil
}

// GetToken returns the metadata stored under a secret hash.
func (m *Memory) GetToken(ctx context.Context, tokenHash string) (*auth.APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[tokenHash]
	if !ok {
		return nil, auth.NewError(auth.ErrorResourceNotFound, "token not found")
	}
	return token, nil
}

// DeleteToken removes the record stored under a secret hash.
func (m *Memory) DeleteToken(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[tokenHash]; !ok {
		return auth.NewError(auth.ErrorResourceNotFound, "token not found")
	}
	delete(m.tokens, tokenHash)
	return nil
}

// ListTokens returns the metadata of all tokens held by a subject, newest
// first.
func (m *Memory) ListTokens(ctx context.Context, subject string) ([]*auth.APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tokens []*auth.APIToken
	for _, token := range m.tokens {
		if token.Subject == subject {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})
	return tokens, nil
}

// DeleteExpiredTokens removes token records past their expiry. Called by
// the retention janitor.
func (m *Memory) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, token := range m.tokens {
		if token.ExpiresAt != nil && token.ExpiresAt.Before(now) {
			delete(m.tokens, hash)
			removed++
		}
	}
	return removed, nil
}

// GetUser returns a user by ID.
func (m *Memory) GetUser(ctx context.Context, userID string) (*auth.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, auth.Errorf(auth.ErrorResourceNotFound, "user %q not found", userID)
	}
	return user, nil
}

// GetUserByUsername returns a user by username.
func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userID, ok := m.usernames[username]
	if !ok {
		return nil, auth.Errorf(auth.ErrorResourceNotFound, "user %q not found", username)
	}
	return m.users[userID], nil
}

// CreateUser stores a new user record.
func (m *Memory) CreateUser(ctx context.Context, user *auth.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return auth.Errorf(auth.ErrorResourceAlreadyExists, "user %q already exists", user.ID)
	}
	if _, ok := m.usernames[user.Username]; ok {
		return auth.Errorf(auth.ErrorResourceAlreadyExists, "username %q already taken", user.Username)
	}
	m.users[user.ID] = user
	m.usernames[user.Username] = user.ID
	return nil
}

// SetPassword hashes and stores a user's password. Existing passwords are
// overwritten.
func (m *Memory) SetPassword(ctx context.Context, userID string, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to hash password", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[userID] = hashed
	return nil
}

// VerifyPassword compares a password against the stored hash. An unknown
// user verifies as false, not as an error, so callers cannot distinguish
// missing accounts from wrong passwords.
func (m *Memory) VerifyPassword(ctx context.Context, userID string, password string) (bool, error) {
	m.mu.RLock()
	hashed, ok := m.passwords[userID]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(hashed, []byte(password)) == nil, nil
}
