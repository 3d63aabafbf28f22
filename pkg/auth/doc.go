// Package auth is the authorization core: permission parsing and
// matching, role expansion, token issuance and resolution, OAuth2 grant
// handling, and the caches in front of the hot verification paths.
//
// Permissions take the form "<resource>#<level>" with the access levels
// read < write < admin. A permission granted on a resource covers the
// resource itself and everything below it along "/" and ":" boundaries.
// Entries without the "#" separator are role references that expand to
// the referenced role's own permissions.
package auth
