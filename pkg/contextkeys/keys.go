// Package contextkeys provides centralized context key definitions.
//
// All context keys used across the application are defined here to prevent
// typos and make key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions.
type Key string

const (
	// AccessKey contains the *auth.AuthorizedAccess resolved for the
	// request. Set by middleware.Authentication.
	AccessKey Key = "authorized_access"

	// TokenKey contains the raw bearer secret the request carried. Set by
	// middleware.Authentication; needed by endpoints that act on the
	// caller's own token, e.g. token creation with inherited scopes.
	TokenKey Key = "bearer_token"

	// RequestIDKey contains the request ID string (UUID).
	RequestIDKey Key = "request_id"
)

// WithAccess adds the resolved access to the context.
func WithAccess(ctx context.Context, access interface{}) context.Context {
	return context.WithValue(ctx, AccessKey, access)
}

// Access retrieves the resolved access from the context, or nil.
func Access(ctx context.Context) interface{} {
	return ctx.Value(AccessKey)
}

// WithToken adds the raw bearer secret to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, TokenKey, token)
}

// Token retrieves the raw bearer secret from the context, or "".
func Token(ctx context.Context) string {
	if token, ok := ctx.Value(TokenKey).(string); ok {
		return token
	}
	return ""
}

// WithRequestID adds the request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID retrieves the request ID from the context, or "".
func RequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
