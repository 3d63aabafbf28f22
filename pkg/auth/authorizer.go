package auth

import (
	"context"

	"github.com/ml-tooling/contaxy/pkg/observability"
)

// maxRoleExpansionDepth bounds the transitive closure over role references.
// Role graphs are expected to be shallow; the bound is a safety net against
// cycles in the underlying store.
const maxRoleExpansionDepth = 10

// Authorizer is the authorization engine. It answers grant checks against
// the permission entries held by the external permission store, expanding
// role references and applying boundary-safe resource matching.
type Authorizer struct {
	store   PermissionStore
	cache   *Cache
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAuthorizer creates the engine. Cache and metrics may be nil.
func NewAuthorizer(store PermissionStore, cache *Cache, logger *observability.Logger, metrics *observability.Metrics) *Authorizer {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Authorizer{store: store, cache: cache, logger: logger, metrics: metrics}
}

// IsGranted reports whether the requested permission is covered by the
// granted permission. Pure string-level check; no store access.
func (a *Authorizer) IsGranted(grantedPermission, requestedPermission string) (bool, error) {
	return IsPermissionGranted(grantedPermission, requestedPermission)
}

// resourcePermissions returns the raw entries of a resource, going through
// the resource-permission cache when allowed.
func (a *Authorizer) resourcePermissions(ctx context.Context, resourceName string, useCache bool) ([]string, error) {
	if useCache {
		if entries, ok := a.cache.GetResourcePermissions(resourceName); ok {
			return entries, nil
		}
	}

	entries, err := a.store.ListPermissions(ctx, resourceName)
	if err != nil {
		return nil, err
	}
	if useCache {
		a.cache.PutResourcePermissions(resourceName, entries)
	}
	return entries, nil
}

// ListEffectivePermissions returns the permissions held by a resource.
// With resolveRoles, entries without a separator are treated as role
// references and substituted by the referenced role's own entries,
// transitively. The traversal is iterative with a visited set, so a cycle
// in the store terminates; hitting the depth bound degrades to the partial
// expanded set rather than failing the request.
func (a *Authorizer) ListEffectivePermissions(ctx context.Context, resourceName string, resolveRoles bool, useCache bool) ([]string, error) {
	raw, err := a.resourcePermissions(ctx, resourceName, useCache)
	if err != nil {
		return nil, err
	}
	if !resolveRoles {
		return raw, nil
	}

	type frame struct {
		entries []string
		depth   int
	}

	seen := make(map[string]bool)
	visited := map[string]bool{resourceName: true}
	permissions := make([]string, 0, len(raw))
	queue := []frame{{entries: raw}}
	maxDepth := 0
	truncated := false

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		for _, entry := range f.entries {
			if IsValidPermission(entry) {
				if !seen[entry] {
					seen[entry] = true
					permissions = append(permissions, entry)
				}
				continue
			}

			// Role reference.
			if visited[entry] {
				continue
			}
			if f.depth+1 > maxRoleExpansionDepth {
				truncated = true
				continue
			}
			visited[entry] = true

			roleEntries, err := a.resourcePermissions(ctx, entry, useCache)
			if err != nil {
				return nil, err
			}
			queue = append(queue, frame{entries: roleEntries, depth: f.depth + 1})
			if f.depth+1 > maxDepth {
				maxDepth = f.depth + 1
			}
		}
	}

	if truncated {
		a.logger.WithField("resource", resourceName).
			Warn("role expansion hit the depth bound; returning partial permission set")
	}
	if a.metrics != nil {
		a.metrics.RoleExpansionDepth.Observe(float64(maxDepth))
	}
	return permissions, nil
}

// ListResourcesWithPermission is the reverse lookup: which resources hold
// the exact permission entry, optionally under a resource-name prefix. The
// store does the indexing; the engine only delegates.
func (a *Authorizer) ListResourcesWithPermission(ctx context.Context, permission string, resourceNamePrefix string) ([]string, error) {
	if permission == "" {
		return nil, NewError(ErrorInvalidPermissionFormat, "permission must not be empty")
	}
	return a.store.ListResourcesWithPermission(ctx, permission, resourceNamePrefix)
}

// CheckAccess verifies that the resolved access is granted the requested
// permission. The requested permission must be covered both by the token
// scopes (a token can narrow what its subject may do) and by at least one
// of the subject's effective permissions; any single granted permission
// suffices for the latter.
func (a *Authorizer) CheckAccess(ctx context.Context, access *AuthorizedAccess, requestedPermission string, useCache bool) (*AuthorizedAccess, error) {
	resource, level, err := ParsePermission(requestedPermission)
	if err != nil {
		return nil, err
	}

	if access == nil || access.AuthorizedSubject == "" {
		a.recordCheck(false)
		return nil, NewError(ErrorPermissionDenied, "anonymous access is not granted any permission")
	}

	if !a.scopesCover(access.Scopes, requestedPermission) {
		a.recordCheck(false)
		return nil, Errorf(ErrorPermissionDenied, "token scopes do not cover %q", requestedPermission)
	}

	granted, err := a.ListEffectivePermissions(ctx, access.AuthorizedSubject, true, useCache)
	if err != nil {
		return nil, err
	}

	for _, grantedPermission := range granted {
		ok, err := IsPermissionGranted(grantedPermission, requestedPermission)
		if err != nil {
			// An unparsable stored entry is inert, never a request failure.
			continue
		}
		if ok {
			a.recordCheck(true)
			return &AuthorizedAccess{
				AuthorizedSubject: access.AuthorizedSubject,
				Scopes:            access.Scopes,
				TokenType:         access.TokenType,
				ResourceName:      resource,
				AccessLevel:       level,
			}, nil
		}
	}

	a.recordCheck(false)
	return nil, Errorf(ErrorPermissionDenied, "%q is not granted %q", access.AuthorizedSubject, requestedPermission)
}

func (a *Authorizer) scopesCover(scopes []string, requestedPermission string) bool {
	for _, scope := range scopes {
		ok, err := IsPermissionGranted(scope, requestedPermission)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// AddPermission grants a permission entry (or role reference) to a
// resource and synchronously invalidates the resource-permission cache.
func (a *Authorizer) AddPermission(ctx context.Context, resourceName string, permission string) error {
	if permission == "" {
		return NewError(ErrorInvalidPermissionFormat, "permission must not be empty")
	}
	if IsValidPermission(permission) {
		if _, _, err := ParsePermission(permission); err != nil {
			return err
		}
	}

	if err := a.store.AddPermission(ctx, resourceName, permission); err != nil {
		return err
	}
	a.cache.InvalidateResource(resourceName)
	return nil
}

// RemovePermission revokes a permission entry from a resource. With
// removeSubPermissions, entries on sub-resources of the permission's
// resource are removed as well when they carry the same access level.
// Mutation and cache invalidation are a non-atomic two-step; the
// invalidation here keeps the stale window below the cache TTL.
func (a *Authorizer) RemovePermission(ctx context.Context, resourceName string, permission string, removeSubPermissions bool) error {
	if !removeSubPermissions {
		if err := a.store.RemovePermission(ctx, resourceName, permission); err != nil {
			return err
		}
		a.cache.InvalidateResource(resourceName)
		return nil
	}

	targetResource, targetLevel, err := ParsePermission(permission)
	if err != nil {
		return err
	}

	entries, err := a.store.ListPermissions(ctx, resourceName)
	if err != nil {
		return err
	}

	removed := 0
	for _, entry := range entries {
		entryResource, entryLevel, err := ParsePermission(entry)
		if err != nil || entryLevel != targetLevel {
			continue
		}
		if !resourceCovers(targetResource, entryResource) {
			continue
		}
		if err := a.store.RemovePermission(ctx, resourceName, entry); err != nil {
			return err
		}
		removed++
	}
	a.cache.InvalidateResource(resourceName)

	if removed == 0 {
		return Errorf(ErrorResourceNotFound, "permission %q not granted to %q", permission, resourceName)
	}
	return nil
}

func (a *Authorizer) recordCheck(granted bool) {
	if a.metrics == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	a.metrics.AuthChecksTotal.WithLabelValues(result).Inc()
}
