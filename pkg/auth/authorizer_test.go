package auth

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEffectivePermissionsWithoutRoleResolution(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "users/42", "projects/acme#write", "roles/developer")

	permissions, err := tokens.Authorizer().ListEffectivePermissions(context.Background(), "users/42", false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"projects/acme#write", "roles/developer"}, permissions)
}

func TestListEffectivePermissionsExpandsRoles(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "roles/developer", "projects/acme#write", "datasets/shared#read")
	grant(t, store, "users/42", "roles/developer", "users/42#admin")

	permissions, err := tokens.Authorizer().ListEffectivePermissions(context.Background(), "users/42", true, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"users/42#admin",
		"projects/acme#write",
		"datasets/shared#read",
	}, permissions)
}

func TestListEffectivePermissionsNestedRoles(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "roles/base", "projects/shared#read")
	grant(t, store, "roles/developer", "roles/base", "projects/acme#write")
	grant(t, store, "users/42", "roles/developer")

	permissions, err := tokens.Authorizer().ListEffectivePermissions(context.Background(), "users/42", true, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"projects/shared#read", "projects/acme#write"}, permissions)
}

func TestListEffectivePermissionsToleratesRoleCycles(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "roles/a", "roles/b", "projects/a#read")
	grant(t, store, "roles/b", "roles/a", "projects/b#read")
	grant(t, store, "users/42", "roles/a")

	permissions, err := tokens.Authorizer().ListEffectivePermissions(context.Background(), "users/42", true, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"projects/a#read", "projects/b#read"}, permissions)
}

func TestListEffectivePermissionsDepthBoundReturnsPartialSet(t *testing.T) {
	tokens, store := newUncachedService(t)

	// A chain longer than the expansion bound; the tail stays unexpanded.
	const chainLength = maxRoleExpansionDepth + 3
	for i := 0; i < chainLength; i++ {
		role := fmt.Sprintf("roles/level-%d", i)
		grant(t, store, role, fmt.Sprintf("projects/level-%d#read", i))
		if i+1 < chainLength {
			grant(t, store, role, fmt.Sprintf("roles/level-%d", i+1))
		}
	}
	grant(t, store, "users/42", "roles/level-0")

	permissions, err := tokens.Authorizer().ListEffectivePermissions(context.Background(), "users/42", true, false)
	require.NoError(t, err)
	assert.Contains(t, permissions, "projects/level-0#read")
	assert.NotContains(t, permissions, fmt.Sprintf("projects/level-%d#read", chainLength-1))
}

func TestListEffectivePermissionsUsesResourceCache(t *testing.T) {
	tokens, store := newTestService(t)
	grant(t, store, "users/42", "projects/acme#write")
	authorizer := tokens.Authorizer()
	ctx := context.Background()

	_, err := authorizer.ListEffectivePermissions(ctx, "users/42", true, true)
	require.NoError(t, err)
	callsAfterFirst := store.listPermissionsCalls

	_, err = authorizer.ListEffectivePermissions(ctx, "users/42", true, true)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, store.listPermissionsCalls, "second call should be served from cache")
}

func TestCheckAccessGrantsThroughRole(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "roles/developer", "projects/acme#write")
	grant(t, store, "users/42", "roles/developer")

	access := &AuthorizedAccess{
		AuthorizedSubject: "users/42",
		Scopes:            []string{DefaultLoginScope},
		TokenType:         TokenTypeSession,
	}

	verified, err := tokens.Authorizer().CheckAccess(context.Background(), access, "projects/acme/services/db#read", false)
	require.NoError(t, err)
	assert.Equal(t, "users/42", verified.AuthorizedSubject)
	assert.Equal(t, "projects/acme/services/db", verified.ResourceName)
	assert.Equal(t, AccessLevelRead, verified.AccessLevel)
}

func TestCheckAccessDeniedWithoutStoredPermission(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "users/42", "projects/acme#read")

	access := &AuthorizedAccess{
		AuthorizedSubject: "users/42",
		Scopes:            []string{DefaultLoginScope},
	}

	_, err := tokens.Authorizer().CheckAccess(context.Background(), access, "projects/acme#write", false)
	require.Error(t, err)
	assert.Equal(t, ErrorPermissionDenied, KindOf(err))
}

func TestCheckAccessTokenScopesNarrowTheSubject(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "users/42", "projects/acme#admin")

	// The subject holds admin, but the token is scoped to read only.
	access := &AuthorizedAccess{
		AuthorizedSubject: "users/42",
		Scopes:            []string{"projects/acme#read"},
	}

	_, err := tokens.Authorizer().CheckAccess(context.Background(), access, "projects/acme#write", false)
	require.Error(t, err)
	assert.Equal(t, ErrorPermissionDenied, KindOf(err))

	verified, err := tokens.Authorizer().CheckAccess(context.Background(), access, "projects/acme#read", false)
	require.NoError(t, err)
	assert.Equal(t, AccessLevelRead, verified.AccessLevel)
}

func TestCheckAccessAnonymousIsDenied(t *testing.T) {
	tokens, _ := newUncachedService(t)

	_, err := tokens.Authorizer().CheckAccess(context.Background(), nil, "projects/acme#read", false)
	require.Error(t, err)
	assert.Equal(t, ErrorPermissionDenied, KindOf(err))

	_, err = tokens.Authorizer().CheckAccess(context.Background(), &AuthorizedAccess{}, "projects/acme#read", false)
	require.Error(t, err)
	assert.Equal(t, ErrorPermissionDenied, KindOf(err))
}

func TestCheckAccessInvalidPermission(t *testing.T) {
	tokens, _ := newUncachedService(t)
	access := &AuthorizedAccess{AuthorizedSubject: "users/42", Scopes: []string{DefaultLoginScope}}

	_, err := tokens.Authorizer().CheckAccess(context.Background(), access, "projects/acme", false)
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidPermissionFormat, KindOf(err))
}

func TestAddPermissionRejectsDuplicates(t *testing.T) {
	tokens, _ := newUncachedService(t)
	authorizer := tokens.Authorizer()
	ctx := context.Background()

	require.NoError(t, authorizer.AddPermission(ctx, "users/42", "projects/acme#read"))
	err := authorizer.AddPermission(ctx, "users/42", "projects/acme#read")
	require.Error(t, err)
	assert.Equal(t, ErrorResourceAlreadyExists, KindOf(err))
}

func TestAddPermissionAcceptsRoleReferences(t *testing.T) {
	tokens, store := newUncachedService(t)
	ctx := context.Background()

	require.NoError(t, tokens.Authorizer().AddPermission(ctx, "users/42", "roles/developer"))
	assert.Equal(t, []string{"roles/developer"}, store.permissions["users/42"])
}

func TestRemovePermissionExact(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "users/42", "projects/acme#read", "projects/acme#write")
	ctx := context.Background()

	require.NoError(t, tokens.Authorizer().RemovePermission(ctx, "users/42", "projects/acme#read", false))
	assert.Equal(t, []string{"projects/acme#write"}, store.permissions["users/42"])

	err := tokens.Authorizer().RemovePermission(ctx, "users/42", "projects/acme#read", false)
	require.Error(t, err)
	assert.Equal(t, ErrorResourceNotFound, KindOf(err))
}

func TestRemovePermissionWithSubPermissions(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "users/42",
		"projects/acme#write",
		"projects/acme/services/db#write",
		"projects/acme-corp#write",
		"projects/acme#read",
	)
	ctx := context.Background()

	require.NoError(t, tokens.Authorizer().RemovePermission(ctx, "users/42", "projects/acme#write", true))
	// Same level on the resource and its children goes; the sibling with a
	// shared name prefix and the other level stay.
	assert.ElementsMatch(t, []string{"projects/acme-corp#write", "projects/acme#read"}, store.permissions["users/42"])
}

func TestListResourcesWithPermission(t *testing.T) {
	tokens, store := newUncachedService(t)
	grant(t, store, "users/42", "projects/acme#write")
	grant(t, store, "users/7", "projects/acme#write")
	grant(t, store, "roles/developer", "projects/acme#write")
	grant(t, store, "users/9", "projects/acme#read")
	ctx := context.Background()

	resources, err := tokens.Authorizer().ListResourcesWithPermission(ctx, "projects/acme#write", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"roles/developer", "users/42", "users/7"}, resources)

	resources, err = tokens.Authorizer().ListResourcesWithPermission(ctx, "projects/acme#write", "users/")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/42", "users/7"}, resources)
}

func TestPermissionMutationInvalidatesCache(t *testing.T) {
	tokens, store := newTestService(t)
	grant(t, store, "users/42", "projects/acme#read")
	authorizer := tokens.Authorizer()
	ctx := context.Background()

	// Warm the cache.
	permissions, err := authorizer.ListEffectivePermissions(ctx, "users/42", true, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"projects/acme#read"}, permissions)

	require.NoError(t, authorizer.AddPermission(ctx, "users/42", "projects/acme#write"))

	permissions, err = authorizer.ListEffectivePermissions(ctx, "users/42", true, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"projects/acme#read", "projects/acme#write"}, permissions)
}
