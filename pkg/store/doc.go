// Package store provides the persistence backends consumed by the auth
// core: permission entries keyed by subject resource, API-token metadata
// keyed by secret hash, and user credentials.
//
// Two backends are provided. The in-memory backend is the default for
// development and tests. The redis backend persists the same data in a
// redis instance and is safe to share between replicas. Both implement the
// narrow auth.PermissionStore, auth.TokenStore, and auth.UserStore
// interfaces; the auth core never sees anything wider.
package store
