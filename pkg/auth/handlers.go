package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ml-tooling/contaxy/pkg/contextkeys"
	"github.com/ml-tooling/contaxy/pkg/httputil"
)

// TokenParamName is the query parameter, header, and cookie name carrying
// the bearer secret.
const TokenParamName = "ctxy_token"

// Handler exposes the auth core over HTTP.
type Handler struct {
	tokens *TokenService
	oauth2 *OAuth2Service
	log    *logrus.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(tokens *TokenService, oauth2 *OAuth2Service, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{tokens: tokens, oauth2: oauth2, log: log}
}

// RegisterRoutes attaches all auth endpoints to the router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/tokens", h.CreateToken).Methods(http.MethodPost)
	router.HandleFunc("/auth/tokens", h.ListTokens).Methods(http.MethodGet)
	router.HandleFunc("/auth/tokens/verify", h.VerifyToken).Methods(http.MethodPost)

	router.HandleFunc("/auth/permissions", h.AddPermission).Methods(http.MethodPost)
	router.HandleFunc("/auth/permissions", h.RemovePermission).Methods(http.MethodDelete)
	router.HandleFunc("/auth/permissions", h.ListPermissions).Methods(http.MethodGet)
	router.HandleFunc("/auth/resources", h.ListResourcesWithPermission).Methods(http.MethodGet)

	router.HandleFunc("/auth/oauth/token", h.RequestOAuth2Token).Methods(http.MethodPost)
	router.HandleFunc("/auth/oauth/revoke", h.RevokeOAuth2Token).Methods(http.MethodPost)
	router.HandleFunc("/auth/oauth/introspect", h.IntrospectOAuth2Token).Methods(http.MethodPost)

	router.HandleFunc("/auth/login", h.Login).Methods(http.MethodGet)
	router.HandleFunc("/auth/logout", h.Logout).Methods(http.MethodGet)
}

// authorize verifies the request's bearer secret against the permission.
// An empty permission requires authentication only. Writes the error
// response itself and returns false when the request must not proceed.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, permission string) (*AuthorizedAccess, bool) {
	secret := contextkeys.Token(r.Context())
	if secret == "" {
		httputil.WriteUnauthorized(w, "no token provided")
		return nil, false
	}

	access, err := h.tokens.VerifyAccess(r.Context(), secret, permission, true)
	if err != nil {
		h.logDenial(r, permission, err)
		h.writeError(w, err)
		return nil, false
	}
	return access, true
}

// CreateToken mints a token for the caller (or, with admin rights, for
// another subject). The requested scopes must be covered by the caller's
// own token scopes; a token can never out-scope its parent.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authorize(w, r, "")
	if !ok {
		return
	}

	subject := httputil.ParseQueryString(r, "token_subject", caller.AuthorizedSubject)
	if subject != caller.AuthorizedSubject {
		if _, ok := h.authorize(w, r, ConstructPermission(subject, AccessLevelAdmin)); !ok {
			return
		}
	}

	tokenType := TokenType(httputil.ParseQueryString(r, "token_type", string(TokenTypeAPI)))
	scopes := r.URL.Query()["scope"]
	if len(scopes) == 0 {
		scopes = caller.Scopes
	}
	for _, scope := range scopes {
		if !h.scopeCoveredBy(caller.Scopes, scope) {
			httputil.WriteForbidden(w, "requested scope exceeds the scopes of the authorized token")
			return
		}
	}

	var ttl time.Duration
	if str := httputil.ParseQueryString(r, "expiry_minutes", ""); str != "" {
		minutes, err := time.ParseDuration(str + "m")
		if err != nil || minutes < 0 {
			httputil.WriteBadRequest(w, "invalid expiry_minutes")
			return
		}
		ttl = minutes
	}

	token, err := h.tokens.CreateToken(r.Context(), TokenCreationRequest{
		Subject:     subject,
		Scopes:      scopes,
		TokenType:   tokenType,
		Description: httputil.ParseQueryString(r, "description", ""),
		Purpose:     TokenPurposeUserGenerated,
		TTL:         ttl,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, token)
}

func (h *Handler) scopeCoveredBy(grantedScopes []string, requested string) bool {
	for _, granted := range grantedScopes {
		ok, err := IsPermissionGranted(granted, requested)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// ListTokens returns a subject's API-token metadata.
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authorize(w, r, "")
	if !ok {
		return
	}

	subject := httputil.ParseQueryString(r, "token_subject", caller.AuthorizedSubject)
	if subject != caller.AuthorizedSubject {
		if _, ok := h.authorize(w, r, ConstructPermission(subject, AccessLevelAdmin)); !ok {
			return
		}
	}

	tokens, err := h.tokens.ListAPITokens(r.Context(), subject)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, tokens)
}

// VerifyToken authenticates the secret in the request body and, when the
// permission parameter is set, authorizes it as well. The endpoint itself
// is open: its whole purpose is to evaluate the supplied secret.
func (h *Handler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var secret string
	if !httputil.ParseJSONOrError(w, r, &secret) {
		return
	}
	if secret == "" {
		// Fall back to the token that authenticated the request.
		secret = contextkeys.Token(r.Context())
	}

	permission := httputil.ParseQueryString(r, "permission", "")
	useCache, err := httputil.ParseQueryBool(r, "use_cache", true)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	access, err := h.tokens.VerifyAccess(r.Context(), secret, permission, useCache)
	if err != nil {
		h.logDenial(r, permission, err)
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, access)
}

// AddPermission grants a permission to a resource. Requires admin on the
// target resource.
func (h *Handler) AddPermission(w http.ResponseWriter, r *http.Request) {
	resourceName, ok := httputil.RequireQueryString(w, r, "resource_name")
	if !ok {
		return
	}
	permission, ok := httputil.RequireQueryString(w, r, "permission")
	if !ok {
		return
	}
	if _, ok := h.authorize(w, r, ConstructPermission(resourceName, AccessLevelAdmin)); !ok {
		return
	}

	if err := h.tokens.Authorizer().AddPermission(r.Context(), resourceName, permission); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemovePermission revokes a permission from a resource. Requires admin on
// the target resource.
func (h *Handler) RemovePermission(w http.ResponseWriter, r *http.Request) {
	resourceName, ok := httputil.RequireQueryString(w, r, "resource_name")
	if !ok {
		return
	}
	permission, ok := httputil.RequireQueryString(w, r, "permission")
	if !ok {
		return
	}
	removeSub, err := httputil.ParseQueryBool(r, "remove_sub_permissions", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if _, ok := h.authorize(w, r, ConstructPermission(resourceName, AccessLevelAdmin)); !ok {
		return
	}

	if err := h.tokens.Authorizer().RemovePermission(r.Context(), resourceName, permission, removeSub); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListPermissions returns a resource's permissions, with optional role
// resolution. Requires read on the target resource.
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	resourceName, ok := httputil.RequireQueryString(w, r, "resource_name")
	if !ok {
		return
	}
	resolveRoles, err := httputil.ParseQueryBool(r, "resolve_roles", true)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	useCache, err := httputil.ParseQueryBool(r, "use_cache", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if _, ok := h.authorize(w, r, ConstructPermission(resourceName, AccessLevelRead)); !ok {
		return
	}

	permissions, err := h.tokens.Authorizer().ListEffectivePermissions(r.Context(), resourceName, resolveRoles, useCache)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, permissions)
}

// ListResourcesWithPermission is the reverse lookup. Requires admin on the
// permission's target resource.
func (h *Handler) ListResourcesWithPermission(w http.ResponseWriter, r *http.Request) {
	permission, ok := httputil.RequireQueryString(w, r, "permission")
	if !ok {
		return
	}
	prefix := httputil.ParseQueryString(r, "resource_name_prefix", "")

	resource, _, err := ParsePermission(permission)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, ok := h.authorize(w, r, ConstructPermission(resource, AccessLevelAdmin)); !ok {
		return
	}

	resources, err := h.tokens.Authorizer().ListResourcesWithPermission(r.Context(), permission, prefix)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, resources)
}

// RequestOAuth2Token is the RFC 6749 token endpoint.
func (h *Handler) RequestOAuth2Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteOAuth2Error(w, OAuth2ErrorInvalidRequest)
		return
	}

	form := &OAuth2TokenRequestForm{
		GrantType:    r.PostFormValue("grant_type"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		Scope:        r.PostFormValue("scope"),
		SetAsCookie:  strings.EqualFold(r.PostFormValue("set_as_cookie"), "true"),
	}
	// Confidential clients may also authenticate via basic auth.
	if form.ClientID == "" {
		if id, secret, ok := r.BasicAuth(); ok {
			form.ClientID, form.ClientSecret = id, secret
		}
	}

	resp, err := h.oauth2.RequestToken(r.Context(), form)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if form.SetAsCookie {
		h.setTokenCookie(w, resp.AccessToken, resp.ExpiresIn)
	}
	httputil.WriteSuccess(w, resp)
}

// RevokeOAuth2Token is the RFC 7009 revocation endpoint.
func (h *Handler) RevokeOAuth2Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteOAuth2Error(w, OAuth2ErrorInvalidRequest)
		return
	}
	if err := h.oauth2.RevokeToken(r.Context(), r.PostFormValue("token")); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{})
}

// IntrospectOAuth2Token is the RFC 7662 introspection endpoint.
func (h *Handler) IntrospectOAuth2Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteOAuth2Error(w, OAuth2ErrorInvalidRequest)
		return
	}
	introspection, err := h.oauth2.IntrospectToken(r.Context(), r.PostFormValue("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, introspection)
}

// Login performs a password login via basic auth and delivers the session
// token as a cookie, for browser-based access.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="contaxy"`)
		httputil.WriteUnauthorized(w, "basic auth credentials required")
		return
	}

	resp, err := h.oauth2.RequestToken(r.Context(), &OAuth2TokenRequestForm{
		GrantType: GrantTypePassword,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.setTokenCookie(w, resp.AccessToken, resp.ExpiresIn)
	httputil.WriteSuccess(w, resp)
}

// Logout clears the token cookie and revokes the cookie token when it is
// revocable. Always succeeds from the client's point of view.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(TokenParamName); err == nil && cookie.Value != "" {
		if err := h.tokens.RevokeToken(r.Context(), cookie.Value); err != nil {
			kind := KindOf(err)
			if kind != ErrorUnsupportedOperation && kind != ErrorResourceNotFound {
				h.log.WithError(err).Warn("failed to revoke token on logout")
			}
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TokenParamName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	httputil.WriteNoContent(w)
}

func (h *Handler) setTokenCookie(w http.ResponseWriter, token string, expiresIn int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenParamName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(expiresIn),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeError maps service errors onto the wire. OAuth2 protocol errors
// keep their RFC shape; everything else uses the platform envelope with
// the kind's status code. Internal causes are logged, never returned.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *OAuth2Error
	if errors.As(err, &oauthErr) {
		httputil.WriteOAuth2Error(w, oauthErr.Code)
		return
	}

	kind := KindOf(err)
	if kind == ErrorInternal {
		h.log.WithError(err).Error("request failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteError(w, kind.HTTPStatus(), kind.String(), err.Error())
}

func (h *Handler) logDenial(r *http.Request, permission string, err error) {
	kind := KindOf(err)
	if kind != ErrorUnauthenticated && kind != ErrorPermissionDenied {
		return
	}
	h.log.WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"permission": permission,
		"reason":     kind.String(),
	}).Info("access denied")
}
