package auth

import (
	"strings"
)

// AccessLevel is the rank of a permission: read < write < admin.
type AccessLevel string

const (
	AccessLevelRead  AccessLevel = "read"
	AccessLevelWrite AccessLevel = "write"
	AccessLevelAdmin AccessLevel = "admin"
	// AccessLevelUnknown is assigned to unrecognized level strings. It
	// implies nothing and is never implied, so such grants are inert
	// without failing the parse.
	AccessLevelUnknown AccessLevel = "unknown"
)

const (
	// PermissionSeparator splits the resource name from the access level
	// in the canonical permission form "<resource>#<level>".
	PermissionSeparator = "#"
	// ResourceWildcard grants access to every resource.
	ResourceWildcard = "*"
)

// accessLevelImplications is the static implication table between levels.
// Kept as an explicit table rather than a numeric comparison so the rule
// set stays auditable.
var accessLevelImplications = map[AccessLevel][]AccessLevel{
	AccessLevelAdmin: {AccessLevelWrite, AccessLevelRead},
	AccessLevelWrite: {AccessLevelRead},
	AccessLevelRead:  {},
}

// ParseAccessLevel resolves a level string case-insensitively. Unrecognized
// values map to AccessLevelUnknown.
func ParseAccessLevel(level string) AccessLevel {
	switch strings.ToLower(level) {
	case "read":
		return AccessLevelRead
	case "write":
		return AccessLevelWrite
	case "admin":
		return AccessLevelAdmin
	default:
		return AccessLevelUnknown
	}
}

// IsValidPermission reports whether the string has the basic shape of a
// permission. Entries without a separator are role references, not
// permissions.
func IsValidPermission(permission string) bool {
	return strings.Contains(permission, PermissionSeparator)
}

// ParsePermission splits a permission into its resource name and access
// level. The resource segment is stripped of leading/trailing slashes and
// colons. Returns an InvalidPermissionFormat error if the separator is
// missing.
func ParsePermission(permission string) (string, AccessLevel, error) {
	if !IsValidPermission(permission) {
		return "", AccessLevelUnknown, Errorf(ErrorInvalidPermissionFormat, "%q is not a valid permission", permission)
	}

	resource, levelStr, _ := strings.Cut(permission, PermissionSeparator)
	resource = strings.Trim(resource, "/:")
	return resource, ParseAccessLevel(levelStr), nil
}

// ConstructPermission builds the canonical permission string for a resource
// name and access level. It is the inverse of ParsePermission for canonical
// resource names.
func ConstructPermission(resourceName string, level AccessLevel) string {
	return resourceName + PermissionSeparator + string(level)
}

// IsAccessLevelGranted reports whether the requested level is allowed by
// the granted level, either by equality or via the implication table.
func IsAccessLevelGranted(granted, requested AccessLevel) bool {
	if granted == requested {
		return granted != AccessLevelUnknown
	}
	for _, implied := range accessLevelImplications[granted] {
		if implied == requested {
			return true
		}
	}
	return false
}

// IsPermissionGranted reports whether the requested permission is covered
// by the granted permission. Both sides are parsed; a parse failure
// propagates as InvalidPermissionFormat.
//
// The resource comparison appends the granted resource's own boundary
// character before the prefix test so that "projects/foo" never matches
// "projects/foo-bar".
func IsPermissionGranted(grantedPermission, requestedPermission string) (bool, error) {
	grantedResource, grantedLevel, err := ParsePermission(grantedPermission)
	if err != nil {
		return false, err
	}
	requestedResource, requestedLevel, err := ParsePermission(requestedPermission)
	if err != nil {
		return false, err
	}

	if !resourceCovers(grantedResource, requestedResource) {
		return false, nil
	}

	return IsAccessLevelGranted(grantedLevel, requestedLevel), nil
}

// resourceCovers reports whether the granted resource name covers the
// requested one: the wildcard, the same resource, or a parent along a "/"
// or ":" boundary. The boundary character is appended before the prefix
// test so that "projects/foo" never covers "projects/foo-bar".
func resourceCovers(grantedResource, requestedResource string) bool {
	return grantedResource == ResourceWildcard ||
		strings.HasPrefix(requestedResource+"/", grantedResource+"/") ||
		strings.HasPrefix(requestedResource+":", grantedResource+":")
}
