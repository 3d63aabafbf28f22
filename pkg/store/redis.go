package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/crypto/bcrypt"

	"github.com/ml-tooling/contaxy/pkg/auth"
)

// Key prefixes for the redis backend.
const (
	redisPermissionsKey   = "contaxy:permissions:"    // set of entries per resource
	redisPermissionIndex  = "contaxy:permission-resources" // set of resource names
	redisTokensKey        = "contaxy:tokens:"         // JSON blob per token hash
	redisTokenSubjectsKey = "contaxy:token-subjects:" // set of hashes per subject
	redisUsersKey         = "contaxy:users:"          // JSON blob per user ID
	redisUsernamesKey     = "contaxy:usernames:"      // username -> user ID
	redisPasswordsKey     = "contaxy:passwords:"      // bcrypt hash per user ID
)

// Redis is a redis-backed store. Permission entries live in sets, token
// and user records as JSON blobs with secondary index sets.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a redis-backed store from a redis URL
// (redis://[:password@]host:port/db).
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "invalid redis URL", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client; used by tests with
// miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Ping implements observability.Pinger.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// ListPermissions returns the raw entries held by the resource.
func (r *Redis) ListPermissions(ctx context.Context, resourceName string) ([]string, error) {
	entries, err := r.client.SMembers(ctx, redisPermissionsKey+resourceName).Result()
	if err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "failed to list permissions", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// AddPermission appends an entry to the resource.
func (r *Redis) AddPermission(ctx context.Context, resourceName string, permission string) error {
	added, err := r.client.SAdd(ctx, redisPermissionsKey+resourceName, permission).Result()
	if err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to add permission", err)
	}
	if added == 0 {
		return auth.Errorf(auth.ErrorResourceAlreadyExists, "permission %q already granted to %q", permission, resourceName)
	}
	if err := r.client.SAdd(ctx, redisPermissionIndex, resourceName).Err(); err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to index resource", err)
	}
	return nil
}

// RemovePermission removes an exact entry from the resource.
func (r *Redis) RemovePermission(ctx context.Context, resourceName string, permission string) error {
	removed, err := r.client.SRem(ctx, redisPermissionsKey+resourceName, permission).Result()
	if err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to remove permission", err)
	}
	if removed == 0 {
		return auth.Errorf(auth.ErrorResourceNotFound, "permission %q not granted to %q", permission, resourceName)
	}

	remaining, err := r.client.SCard(ctx, redisPermissionsKey+resourceName).Result()
	if err == nil && remaining == 0 {
		r.client.SRem(ctx, redisPermissionIndex, resourceName)
	}
	return nil
}

// ListResourcesWithPermission scans the resource index for holders of the
// exact entry.
func (r *Redis) ListResourcesWithPermission(ctx context.Context, permission string, resourceNamePrefix string) ([]string, error) {
	resources, err := r.client.SMembers(ctx, redisPermissionIndex).Result()
	if err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "failed to list resources", err)
	}

	var matches []string
	for _, resource := range resources {
		if resourceNamePrefix != "" && !strings.HasPrefix(resource, resourceNamePrefix) {
			continue
		}
		ok, err := r.client.SIsMember(ctx, redisPermissionsKey+resource, permission).Result()
		if err != nil {
			return nil, auth.WrapError(auth.ErrorInternal, "failed to check permission membership", err)
		}
		if ok {
			matches = append(matches, resource)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// PutToken stores API-token metadata under its secret hash.
func (r *Redis) PutToken(ctx context.Context, tokenHash string, token *auth.APIToken) error {
	blob, err := json.Marshal(token)
	if err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to encode token", err)
	}
	if err := r.client.Set(ctx, redisTokensKey+tokenHash, blob, 0).Err(); err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to store token", err)
	}
	if err := r.client.SAdd(ctx, redisTokenSubjectsKey+token.Subject, tokenHash).Err(); err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to index token", err)
	}
	return nil
}

// GetToken returns the metadata stored under a secret hash.
func (r *Redis) GetToken(ctx context.Context, tokenHash string) (*auth.APIToken, error) {
	blob, err := r.client.Get(ctx, redisTokensKey+tokenHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, auth.NewError(auth.ErrorResourceNotFound, "token not found")
	}
	if err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "failed to fetch token", err)
	}

	var token auth.APIToken
	if err := json.Unmarshal(blob, &token); err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "failed to decode token", err)
	}
	return &token, nil
}

// DeleteToken removes the record stored under a secret hash.
func (r *Redis) DeleteToken(ctx context.Context, tokenHash string) error {
	token, err := r.GetToken(ctx, tokenHash)
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, redisTokensKey+tokenHash).Err(); err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to delete token", err)
	}
	r.client.SRem(ctx, redisTokenSubjectsKey+token.Subject, tokenHash)
	return nil
}

// ListTokens returns the metadata of all tokens held by a subject, newest
// first. Dangling index entries are skipped.
func (r *Redis) ListTokens(ctx context.Context, subject string) ([]*auth.APIToken, error) {
	hashes, err := r.client.SMembers(ctx, redisTokenSubjectsKey+subject).Result()
	if err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "failed to list tokens", err)
	}

	var tokens []*auth.APIToken
	for _, hash := range hashes {
		token, err := r.GetToken(ctx, hash)
		if err != nil {
			if auth.KindOf(err) == auth.ErrorResourceNotFound {
				r.client.SRem(ctx, redisTokenSubjectsKey+subject, hash)
				continue
			}
			return nil, err
		}
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})
	return tokens, nil
}

// DeleteExpiredTokens removes token records past their expiry by scanning
// the token keyspace. Called by the retention janitor.
func (r *Redis) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisTokensKey+"*", 100).Result()
		if err != nil {
			return removed, auth.WrapError(auth.ErrorInternal, "failed to scan tokens", err)
		}
		for _, key := range keys {
			hash := strings.TrimPrefix(key, redisTokensKey)
			token, err := r.GetToken(ctx, hash)
			if err != nil {
				continue
			}
			if token.ExpiresAt != nil && token.ExpiresAt.Before(now) {
				if err := r.DeleteToken(ctx, hash); err == nil {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// GetUser returns a user by ID.
func (r *Redis) GetUser(ctx context.Context, userID string) (*auth.User, error) {
	blob, err := r.client.Get(ctx, redisUsersKey+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, auth.Errorf(auth.ErrorResourceNotFound, "user %q not found", userID)
	}
	if err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "failed to fetch user", err)
	}

	var user auth.User
	if err := json.Unmarshal(blob, &user); err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "failed to decode user", err)
	}
	return &user, nil
}

// GetUserByUsername returns a user by username.
func (r *Redis) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	userID, err := r.client.Get(ctx, redisUsernamesKey+username).Result()
	if errors.Is(err, redis.Nil) {
		return nil, auth.Errorf(auth.ErrorResourceNotFound, "user %q not found", username)
	}
	if err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "failed to resolve username", err)
	}
	return r.GetUser(ctx, userID)
}

// CreateUser stores a new user record.
func (r *Redis) CreateUser(ctx context.Context, user *auth.User) error {
	taken, err := r.client.Exists(ctx, redisUsersKey+user.ID, redisUsernamesKey+user.Username).Result()
	if err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to check user existence", err)
	}
	if taken > 0 {
		return auth.Errorf(auth.ErrorResourceAlreadyExists, "user %q already exists", user.ID)
	}

	blob, err := json.Marshal(user)
	if err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to encode user", err)
	}
	if err := r.client.Set(ctx, redisUsersKey+user.ID, blob, 0).Err(); err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to store user", err)
	}
	if err := r.client.Set(ctx, redisUsernamesKey+user.Username, user.ID, 0).Err(); err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to index username", err)
	}
	return nil
}

// SetPassword hashes and stores a user's password.
func (r *Redis) SetPassword(ctx context.Context, userID string, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to hash password", err)
	}
	if err := r.client.Set(ctx, redisPasswordsKey+userID, hashed, 0).Err(); err != nil {
		return auth.WrapError(auth.ErrorInternal, "failed to store password", err)
	}
	return nil
}

// VerifyPassword compares a password against the stored hash. An unknown
// user verifies as false, not as an error.
func (r *Redis) VerifyPassword(ctx context.Context, userID string, password string) (bool, error) {
	hashed, err := r.client.Get(ctx, redisPasswordsKey+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, auth.WrapError(auth.ErrorInternal, "failed to fetch password", err)
	}
	return bcrypt.CompareHashAndPassword(hashed, []byte(password)) == nil, nil
}
