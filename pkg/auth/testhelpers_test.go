package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeStore is an in-memory implementation of the store interfaces for
// tests. Passwords are compared in plain text; hashing is the concern of
// real store backends.
type fakeStore struct {
	mu          sync.Mutex
	permissions map[string][]string
	tokens      map[string]*APIToken
	users       map[string]*User
	usernames   map[string]string
	passwords   map[string]string

	// listPermissionsCalls counts store reads, to observe cache behavior.
	listPermissionsCalls int
	getTokenCalls        int

	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		permissions: make(map[string][]string),
		tokens:      make(map[string]*APIToken),
		users:       make(map[string]*User),
		usernames:   make(map[string]string),
		passwords:   make(map[string]string),
	}
}

func (f *fakeStore) ListPermissions(ctx context.Context, resourceName string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listPermissionsCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return append([]string(nil), f.permissions[resourceName]...), nil
}

func (f *fakeStore) AddPermission(ctx context.Context, resourceName string, permission string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	for _, existing := range f.permissions[resourceName] {
		if existing == permission {
			return Errorf(ErrorResourceAlreadyExists, "permission %q already granted to %q", permission, resourceName)
		}
	}
	f.permissions[resourceName] = append(f.permissions[resourceName], permission)
	return nil
}

func (f *fakeStore) RemovePermission(ctx context.Context, resourceName string, permission string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	entries := f.permissions[resourceName]
	for i, existing := range entries {
		if existing == permission {
			f.permissions[resourceName] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return Errorf(ErrorResourceNotFound, "permission %q not granted to %q", permission, resourceName)
}

func (f *fakeStore) ListResourcesWithPermission(ctx context.Context, permission string, resourceNamePrefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var resources []string
	for resource, entries := range f.permissions {
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

func (f *fakeStore) PutToken(ctx context.Context, tokenHash string, token *APIToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[tokenHash] = token
	return nil
}

func (f *fakeStore) GetToken(ctx context.Context, tokenHash string) (*APIToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getTokenCalls++
	token, ok := f.tokens[tokenHash]
	if !ok {
		return nil, NewError(ErrorResourceNotFound, "token not found")
	}
	return token, nil
}

func (f *fakeStore) DeleteToken(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[tokenHash]; !ok {
		return NewError(ErrorResourceNotFound, "token not found")
	}
	delete(f.tokens, tokenHash)
	return nil
}

func (f *fakeStore) ListTokens(ctx context.Context, subject string) ([]*APIToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tokens []*APIToken
	for _, token := range f.tokens {
		if token.Subject == subject {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func (f *fakeStore) GetUser(ctx context.Context, userID string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return nil, NewError(ErrorResourceNotFound, "user not found")
	}
	return user, nil
}

func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.usernames[username]
	if !ok {
		return nil, NewError(ErrorResourceNotFound, "user not found")
	}
	return f.users[userID], nil
}

func (f *fakeStore) CreateUser(ctx context.Context, user *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.ID]; ok {
		return NewError(ErrorResourceAlreadyExists, "user already exists")
	}
	f.users[user.ID] = user
	f.usernames[user.Username] = user.ID
	return nil
}

func (f *fakeStore) SetPassword(ctx context.Context, userID string, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[userID] = password
	return nil
}

func (f *fakeStore) VerifyPassword(ctx context.Context, userID string, password string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.passwords[userID]
	return ok && stored == password, nil
}

// newTestService wires an authorizer and token service over a fake store
// with caching enabled.
func newTestService(t *testing.T) (*TokenService, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	cache := NewCache(DefaultCacheConfig(), nil)
	authorizer := NewAuthorizer(store, cache, nil, nil)
	tokens := NewTokenService(TokenServiceConfig{JWTSecret: "test-secret"}, store, store, authorizer, cache, nil, nil)
	return tokens, store
}

// newUncachedService wires the same stack with all caches disabled.
func newUncachedService(t *testing.T) (*TokenService, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	authorizer := NewAuthorizer(store, nil, nil, nil)
	tokens := NewTokenService(TokenServiceConfig{JWTSecret: "test-secret"}, store, store, authorizer, nil, nil, nil)
	return tokens, store
}

func grant(t *testing.T, store *fakeStore, resource string, entries ...string) {
	t.Helper()
	for _, entry := range entries {
		if err := store.AddPermission(context.Background(), resource, entry); err != nil {
			t.Fatalf("failed to grant %q to %q: %v", entry, resource, err)
		}
	}
}
