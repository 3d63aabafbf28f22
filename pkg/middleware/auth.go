// Package middleware provides request authentication for HTTP routers:
// bearer-secret extraction and resolution into the request context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/ml-tooling/contaxy/pkg/auth"
	"github.com/ml-tooling/contaxy/pkg/contextkeys"
	"github.com/ml-tooling/contaxy/pkg/httputil"
	"github.com/ml-tooling/contaxy/pkg/observability"
)

// ExtractToken returns the bearer secret of a request. Lookup order:
// query parameter, plain header, Authorization bearer scheme, cookie.
// The first non-empty value wins; later sources are not consulted.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get(auth.TokenParamName); token != "" {
		return token
	}
	if token := r.Header.Get(auth.TokenParamName); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") && token != "" {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(auth.TokenParamName); err == nil {
		return cookie.Value
	}
	return ""
}

// Authentication resolves the request's bearer secret into an
// AuthorizedAccess and stores both in the context. Without a secret the
// request is rejected unless optional is set, in which case it proceeds
// anonymously. A secret that is present but does not resolve is rejected
// in both modes.
func Authentication(tokens *auth.TokenService, logger *observability.Logger, optional bool) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := ExtractToken(r)
			if secret == "" {
				if !optional {
					httputil.WriteUnauthorized(w, "no token provided")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			access, err := tokens.ResolveToken(r.Context(), secret, true)
			if err != nil {
				if auth.KindOf(err) == auth.ErrorInternal {
					logger.WithError(err).Error("token resolution failed")
					httputil.WriteInternalError(w)
					return
				}
				httputil.WriteUnauthorized(w, "invalid token")
				return
			}

			ctx := contextkeys.WithAccess(r.Context(), access)
			ctx = contextkeys.WithToken(ctx, secret)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
