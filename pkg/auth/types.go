package auth

import "time"

// TokenType discriminates the two bearer credential kinds.
type TokenType string

const (
	// TokenTypeSession is a signed, stateless, time-boxed token. It is
	// validated by signature and expiry alone and cannot be revoked early.
	TokenTypeSession TokenType = "session-token"
	// TokenTypeAPI is an opaque, persisted token that stays valid until it
	// is explicitly revoked.
	TokenTypeAPI TokenType = "api-token"
)

// TokenPurpose records why a persisted token was created.
type TokenPurpose string

const (
	TokenPurposeUserGenerated TokenPurpose = "user-generated"
	TokenPurposeRefreshToken  TokenPurpose = "refresh-token"
)

// APIToken is the persisted metadata of an opaque token. The raw secret is
// returned exactly once at creation time; only its hash is stored.
type APIToken struct {
	// TokenPrefix is the first few characters of the secret, kept for
	// display so users can tell their tokens apart.
	TokenPrefix string       `json:"token_prefix"`
	Subject     string       `json:"subject"`
	Scopes      []string     `json:"scopes"`
	Description string       `json:"description,omitempty"`
	Purpose     TokenPurpose `json:"token_purpose,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// AuthorizedAccess is the per-request result of resolving a bearer secret.
// It is constructed once per request and never persisted.
type AuthorizedAccess struct {
	// AuthorizedSubject is the resource name of the authenticated subject,
	// e.g. "users/16fd2706-8baf-433b-82eb-8c7fada847da". Empty for
	// anonymous access.
	AuthorizedSubject string    `json:"authorized_subject"`
	Scopes            []string  `json:"scopes"`
	TokenType         TokenType `json:"token_type"`
	// ResourceName and AccessLevel are filled in when the access was
	// verified against a concrete permission.
	ResourceName string      `json:"resource_name,omitempty"`
	AccessLevel  AccessLevel `json:"access_level,omitempty"`
}

// User is the minimal account record the auth core needs. Full profile data
// lives with the external user manager.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	// UsersKind is the resource-name prefix for user subjects.
	UsersKind = "users"
	// RolesKind is the resource-name prefix for role resources.
	RolesKind = "roles"
)

// UserResourceName returns the subject resource name for a user ID.
func UserResourceName(userID string) string {
	return UsersKind + "/" + userID
}
