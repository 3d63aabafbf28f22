package auth

import "context"

// PermissionStore persists permission entries keyed by the subject resource
// that holds them. Entries are either canonical permissions
// ("<resource>#<level>") or bare role references ("roles/<name>").
//
// Implementations must return an error of kind ErrorResourceAlreadyExists
// on duplicate adds and ErrorResourceNotFound when removing an entry the
// resource does not hold. A resource with no entries is not an error.
type PermissionStore interface {
	// ListPermissions returns the raw entries held by the resource,
	// without role expansion. A resource with no entries yields an empty
	// slice, not an error.
	ListPermissions(ctx context.Context, resourceName string) ([]string, error)

	// AddPermission appends an entry to the resource.
	AddPermission(ctx context.Context, resourceName string, permission string) error

	// RemovePermission removes an exact entry from the resource.
	RemovePermission(ctx context.Context, resourceName string, permission string) error

	// ListResourcesWithPermission returns the resource names holding the
	// exact entry, optionally filtered by a resource-name prefix.
	ListResourcesWithPermission(ctx context.Context, permission string, resourceNamePrefix string) ([]string, error)
}

// TokenStore persists API-token metadata keyed by the SHA-256 hash of the
// raw secret. Raw secrets are never stored.
type TokenStore interface {
	PutToken(ctx context.Context, tokenHash string, token *APIToken) error

	// GetToken returns an error of kind ErrorResourceNotFound when the
	// hash is unknown.
	GetToken(ctx context.Context, tokenHash string) (*APIToken, error)

	DeleteToken(ctx context.Context, tokenHash string) error

	// ListTokens returns the metadata of all tokens held by a subject.
	ListTokens(ctx context.Context, subject string) ([]*APIToken, error)
}

// UserStore verifies credentials and resolves user accounts. Password
// hashes never leave the store.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	SetPassword(ctx context.Context, userID string, password string) error
	VerifyPassword(ctx context.Context, userID string, password string) (bool, error)
}
