package auth

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ml-tooling/contaxy/pkg/observability"
)

// Cache names used as metric labels.
const (
	cacheVerifyAccess  = "verify_access"
	cacheTokenMetadata = "token_metadata"
	cacheResourcePerms = "resource_permissions"
)

// CacheConfig sizes and toggles the three authorization caches. Each cache
// can be disabled independently.
type CacheConfig struct {
	VerifyAccessEnabled bool
	VerifyAccessSize    int
	VerifyAccessTTL     time.Duration

	TokenEnabled bool
	TokenSize    int
	TokenTTL     time.Duration

	// The resource-permission cache directly controls security decisions,
	// so its TTL defaults to seconds, not minutes. Disable it entirely
	// when correctness must win over latency.
	ResourcePermissionsEnabled bool
	ResourcePermissionsSize    int
	ResourcePermissionsTTL     time.Duration
}

// DefaultCacheConfig returns the production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		VerifyAccessEnabled: true,
		VerifyAccessSize:    10000,
		VerifyAccessTTL:     5 * time.Minute,

		TokenEnabled: true,
		TokenSize:    10000,
		TokenTTL:     5 * time.Minute,

		ResourcePermissionsEnabled: true,
		ResourcePermissionsSize:    10000,
		ResourcePermissionsTTL:     30 * time.Second,
	}
}

// Cache holds the three TTL+LRU caches sitting in front of the hot
// authorization paths. The underlying expirable LRU locks per operation
// only, so no lock is ever held across an external store call.
type Cache struct {
	config  CacheConfig
	metrics *observability.Metrics

	verifyAccess  *lru.LRU[string, *AuthorizedAccess]
	tokens        *lru.LRU[string, *AuthorizedAccess]
	resourcePerms *lru.LRU[string, []string]
}

// NewCache constructs the cache layer. A nil metrics registry disables
// instrumentation but not caching.
func NewCache(config CacheConfig, metrics *observability.Metrics) *Cache {
	c := &Cache{config: config, metrics: metrics}
	if config.VerifyAccessEnabled {
		c.verifyAccess = lru.NewLRU[string, *AuthorizedAccess](config.VerifyAccessSize, c.onEvict(cacheVerifyAccess), config.VerifyAccessTTL)
	}
	if config.TokenEnabled {
		c.tokens = lru.NewLRU[string, *AuthorizedAccess](config.TokenSize, c.onEvict(cacheTokenMetadata), config.TokenTTL)
	}
	if config.ResourcePermissionsEnabled {
		c.resourcePerms = lru.NewLRU[string, []string](config.ResourcePermissionsSize, c.onEvictPerms(cacheResourcePerms), config.ResourcePermissionsTTL)
	}
	return c
}

func (c *Cache) onEvict(name string) func(string, *AuthorizedAccess) {
	return func(string, *AuthorizedAccess) { c.recordEviction(name) }
}

func (c *Cache) onEvictPerms(name string) func(string, []string) {
	return func(string, []string) { c.recordEviction(name) }
}

// verifyAccessKey joins the secret and requested permission with a byte
// that cannot occur in either.
func verifyAccessKey(secret, permission string) string {
	return secret + "\x00" + permission
}

// GetVerifiedAccess returns a cached positive verification result.
// Denials are never cached; a denied check is always re-evaluated.
func (c *Cache) GetVerifiedAccess(secret, permission string) (*AuthorizedAccess, bool) {
	if c == nil || c.verifyAccess == nil {
		return nil, false
	}
	access, ok := c.verifyAccess.Get(verifyAccessKey(secret, permission))
	c.record(cacheVerifyAccess, ok)
	return access, ok
}

// PutVerifiedAccess caches a positive verification result.
func (c *Cache) PutVerifiedAccess(secret, permission string, access *AuthorizedAccess) {
	if c == nil || c.verifyAccess == nil {
		return
	}
	c.verifyAccess.Add(verifyAccessKey(secret, permission), access)
}

// GetToken returns the cached resolution of an API-token secret.
func (c *Cache) GetToken(secret string) (*AuthorizedAccess, bool) {
	if c == nil || c.tokens == nil {
		return nil, false
	}
	access, ok := c.tokens.Get(secret)
	c.record(cacheTokenMetadata, ok)
	return access, ok
}

// PutToken caches the resolution of an API-token secret.
func (c *Cache) PutToken(secret string, access *AuthorizedAccess) {
	if c == nil || c.tokens == nil {
		return
	}
	c.tokens.Add(secret, access)
}

// InvalidateToken drops a revoked secret from the token and verify-access
// caches. The verify-access cache has no per-secret index, so revocation
// purges it wholesale; revocations are rare.
func (c *Cache) InvalidateToken(secret string) {
	if c == nil {
		return
	}
	if c.tokens != nil {
		c.tokens.Remove(secret)
	}
	if c.verifyAccess != nil {
		c.verifyAccess.Purge()
	}
}

// GetResourcePermissions returns the cached permission entries of a
// resource.
func (c *Cache) GetResourcePermissions(resourceName string) ([]string, bool) {
	if c == nil || c.resourcePerms == nil {
		return nil, false
	}
	perms, ok := c.resourcePerms.Get(resourceName)
	c.record(cacheResourcePerms, ok)
	return perms, ok
}

// PutResourcePermissions caches the permission entries of a resource.
func (c *Cache) PutResourcePermissions(resourceName string, permissions []string) {
	if c == nil || c.resourcePerms == nil {
		return
	}
	c.resourcePerms.Add(resourceName, permissions)
}

// InvalidateResource drops a resource's entry synchronously after a
// permission mutation. Without this write-through invalidation, the
// stale-grant window would be as wide as the TTL. The verify-access cache
// is purged as well since its entries depend on the mutated permissions.
func (c *Cache) InvalidateResource(resourceName string) {
	if c == nil {
		return
	}
	if c.resourcePerms != nil {
		c.resourcePerms.Remove(resourceName)
	}
	if c.verifyAccess != nil {
		c.verifyAccess.Purge()
	}
}

func (c *Cache) record(name string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHitsTotal.WithLabelValues(name).Inc()
	} else {
		c.metrics.CacheMissesTotal.WithLabelValues(name).Inc()
	}
}

func (c *Cache) recordEviction(name string) {
	if c.metrics != nil {
		c.metrics.CacheEvictionsTotal.WithLabelValues(name).Inc()
	}
}
