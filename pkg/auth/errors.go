package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of client-visible failure classes.
type ErrorKind int

const (
	// ErrorInvalidPermissionFormat marks a malformed permission string.
	ErrorInvalidPermissionFormat ErrorKind = iota
	// ErrorUnauthenticated marks a missing, invalid, or expired secret.
	ErrorUnauthenticated
	// ErrorPermissionDenied marks a valid identity with insufficient scope.
	ErrorPermissionDenied
	// ErrorResourceNotFound marks a missing store record.
	ErrorResourceNotFound
	// ErrorResourceAlreadyExists marks a conflicting store record.
	ErrorResourceAlreadyExists
	// ErrorUnsupportedOperation marks an operation the credential kind
	// cannot support, e.g. revoking a session token.
	ErrorUnsupportedOperation
	// ErrorInternal wraps store I/O failures. The wrapped cause is logged
	// but never exposed to the caller.
	ErrorInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorInvalidPermissionFormat:
		return "invalid_permission_format"
	case ErrorUnauthenticated:
		return "unauthenticated"
	case ErrorPermissionDenied:
		return "permission_denied"
	case ErrorResourceNotFound:
		return "resource_not_found"
	case ErrorResourceAlreadyExists:
		return "resource_already_exists"
	case ErrorUnsupportedOperation:
		return "unsupported_operation"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps the error kind to its response status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrorInvalidPermissionFormat:
		return http.StatusBadRequest
	case ErrorUnauthenticated:
		return http.StatusUnauthorized
	case ErrorPermissionDenied:
		return http.StatusForbidden
	case ErrorResourceNotFound:
		return http.StatusNotFound
	case ErrorResourceAlreadyExists:
		return http.StatusConflict
	case ErrorUnsupportedOperation:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Error is the tagged error type carried across the auth core. The Kind
// discriminant replaces an exception-class hierarchy.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is match on the kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: ErrorUnauthenticated}) work.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// NewError creates a tagged error with a plain message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a tagged error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a tagged error. Used to fold store I/O
// failures into ErrorInternal without leaking their details.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the error kind, defaulting to ErrorInternal for errors
// raised outside the auth core.
func KindOf(err error) ErrorKind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return ErrorInternal
}

// OAuth2 error codes from RFC 6749 section 5.2 and RFC 7009 section 2.2.1.
const (
	OAuth2ErrorInvalidRequest       = "invalid_request"
	OAuth2ErrorInvalidClient        = "invalid_client"
	OAuth2ErrorInvalidGrant         = "invalid_grant"
	OAuth2ErrorUnauthorizedClient   = "unauthorized_client"
	OAuth2ErrorUnsupportedGrantType = "unsupported_grant_type"
	OAuth2ErrorInvalidScope         = "invalid_scope"
	OAuth2ErrorUnsupportedTokenType = "unsupported_token_type"
)

// OAuth2Error is a protocol-level failure of the OAuth2 endpoints. It
// always renders as the RFC 6749 error payload with HTTP 400 regardless of
// its underlying cause; this divergence from the platform error envelope
// is required for protocol compliance.
type OAuth2Error struct {
	Code  string `json:"error"`
	Cause error  `json:"-"`
}

func (e *OAuth2Error) Error() string { return e.Code }

func (e *OAuth2Error) Unwrap() error { return e.Cause }

// NewOAuth2Error creates a protocol error with the given RFC 6749 code.
func NewOAuth2Error(code string) *OAuth2Error {
	return &OAuth2Error{Code: code}
}
