package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ml-tooling/contaxy/pkg/contextkeys"
)

type handlerFixture struct {
	router *mux.Router
	tokens *TokenService
	store  *fakeStore
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	tokens, store := newTestService(t)
	oauth2 := NewOAuth2Service(tokens, store, nil)
	handler := NewHandler(tokens, oauth2, nil)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return &handlerFixture{router: router, tokens: tokens, store: store}
}

// adminToken provisions an account with full rights and returns its token.
func (f *handlerFixture) adminToken(t *testing.T) string {
	t.Helper()
	grant(t, f.store, "users/admin", "*#admin")
	secret, err := f.tokens.CreateToken(context.Background(), TokenCreationRequest{
		Subject:   "users/admin",
		Scopes:    []string{DefaultLoginScope},
		TokenType: TokenTypeAPI,
	})
	require.NoError(t, err)
	return secret
}

// userToken provisions a regular account holding only self-admin.
func (f *handlerFixture) userToken(t *testing.T, scopes ...string) string {
	t.Helper()
	grant(t, f.store, "users/42", "users/42#admin")
	if len(scopes) == 0 {
		scopes = []string{DefaultLoginScope}
	}
	secret, err := f.tokens.CreateToken(context.Background(), TokenCreationRequest{
		Subject:   "users/42",
		Scopes:    scopes,
		TokenType: TokenTypeAPI,
	})
	require.NoError(t, err)
	return secret
}

// do issues a request against the router, injecting the bearer secret the
// way the authentication middleware would.
func (f *handlerFixture) do(method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		ctx := contextkeys.WithToken(req.Context(), token)
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *handlerFixture) doForm(target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dest))
}

func TestCreateTokenEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.userToken(t)

	rec := f.do(http.MethodPost, "/auth/tokens?scope=users/42%23read&description=ci", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created string
	decodeJSON(t, rec, &created)
	assert.True(t, strings.HasPrefix(created, "ctxy_"))

	access, err := f.tokens.ResolveToken(context.Background(), created, false)
	require.NoError(t, err)
	assert.Equal(t, "users/42", access.AuthorizedSubject)
	assert.Equal(t, []string{"users/42#read"}, access.Scopes)
}

func TestCreateTokenEndpointRequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/auth/tokens", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateTokenEndpointRejectsScopeEscalation(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.userToken(t, "projects/acme#read")

	rec := f.do(http.MethodPost, "/auth/tokens?scope=projects/acme%23admin", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateTokenEndpointForOtherSubjectRequiresAdmin(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/auth/tokens?token_subject=users/7", f.userToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/auth/tokens?token_subject=users/7", f.adminToken(t), nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestListTokensEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.userToken(t)

	rec := f.do(http.MethodPost, "/auth/tokens?scope=users/42%23read&description=ci", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/auth/tokens", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []*APIToken
	decodeJSON(t, rec, &listed)
	require.Len(t, listed, 2, "the bearer token itself plus the created one")
	for _, item := range listed {
		assert.Equal(t, "users/42", item.Subject)
		assert.NotEmpty(t, item.TokenPrefix)
	}
}

func TestVerifyTokenEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	grant(t, f.store, "users/42", "projects/acme#write")
	token := f.userToken(t)

	body, err := json.Marshal(token)
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/auth/tokens/verify?permission=projects/acme%23read", "", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var access AuthorizedAccess
	decodeJSON(t, rec, &access)
	assert.Equal(t, "users/42", access.AuthorizedSubject)
	assert.Equal(t, "projects/acme", access.ResourceName)
	assert.Equal(t, AccessLevelRead, access.AccessLevel)
}

func TestVerifyTokenEndpointDenials(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.userToken(t)

	body, _ := json.Marshal("ctxy_bogus")
	rec := f.do(http.MethodPost, "/auth/tokens/verify", "", bytes.NewReader(body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body, _ = json.Marshal(token)
	rec = f.do(http.MethodPost, "/auth/tokens/verify?permission=projects/acme%23write", "", bytes.NewReader(body))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPermissionEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	admin := f.adminToken(t)

	rec := f.do(http.MethodPost, "/auth/permissions?resource_name=users/42&permission=projects/acme%23write", admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/auth/permissions?resource_name=users/42", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var permissions []string
	decodeJSON(t, rec, &permissions)
	assert.Equal(t, []string{"projects/acme#write"}, permissions)

	rec = f.do(http.MethodGet, "/auth/resources?permission=projects/acme%23write", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resources []string
	decodeJSON(t, rec, &resources)
	assert.Equal(t, []string{"users/42"}, resources)

	rec = f.do(http.MethodDelete, "/auth/permissions?resource_name=users/42&permission=projects/acme%23write", admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/auth/permissions?resource_name=users/42", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	permissions = nil
	decodeJSON(t, rec, &permissions)
	assert.Empty(t, permissions)
}

func TestPermissionEndpointsRequireAdmin(t *testing.T) {
	f := newHandlerFixture(t)
	user := f.userToken(t)

	rec := f.do(http.MethodPost, "/auth/permissions?resource_name=users/7&permission=projects/acme%23read", user, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodDelete, "/auth/permissions?resource_name=users/7&permission=projects/acme%23read", user, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Self-admin suffices for the caller's own resource.
	rec = f.do(http.MethodGet, "/auth/permissions?resource_name=users/42", user, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPermissionEndpointsMissingParams(t *testing.T) {
	f := newHandlerFixture(t)
	admin := f.adminToken(t)

	rec := f.do(http.MethodPost, "/auth/permissions?permission=projects/acme%23read", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/auth/permissions?resource_name=users/42", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuth2TokenEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateUser(context.Background(), &User{
		ID: "42", Username: "alice", IsActive: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.SetPassword(context.Background(), "42", "correct-horse"))

	rec := f.doForm("/auth/oauth/token", url.Values{
		"grant_type": {GrantTypePassword},
		"username":   {"alice"},
		"password":   {"correct-horse"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp OAuth2TokenResponse
	decodeJSON(t, rec, &resp)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "bearer", resp.TokenType)
}

func TestOAuth2TokenEndpointErrorShape(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.doForm("/auth/oauth/token", url.Values{
		"grant_type": {GrantTypePassword},
		"username":   {"alice"},
		"password":   {"wrong"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The RFC 6749 payload carries only the error code.
	var payload map[string]string
	decodeJSON(t, rec, &payload)
	assert.Equal(t, map[string]string{"error": OAuth2ErrorInvalidGrant}, payload)
}

func TestOAuth2TokenEndpointSetsCookie(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateUser(context.Background(), &User{
		ID: "42", Username: "alice", IsActive: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.SetPassword(context.Background(), "42", "correct-horse"))

	rec := f.doForm("/auth/oauth/token", url.Values{
		"grant_type":    {GrantTypePassword},
		"username":      {"alice"},
		"password":      {"correct-horse"},
		"set_as_cookie": {"true"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, TokenParamName, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
}

func TestOAuth2IntrospectEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.userToken(t)

	rec := f.doForm("/auth/oauth/introspect", url.Values{"token": {token}})
	require.Equal(t, http.StatusOK, rec.Code)
	var introspection TokenIntrospection
	decodeJSON(t, rec, &introspection)
	assert.True(t, introspection.Active)
	assert.Equal(t, "users/42", introspection.Subject)

	rec = f.doForm("/auth/oauth/introspect", url.Values{"token": {"garbage"}})
	require.Equal(t, http.StatusOK, rec.Code)
	introspection = TokenIntrospection{}
	decodeJSON(t, rec, &introspection)
	assert.False(t, introspection.Active)
}

func TestOAuth2RevokeEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.userToken(t)

	rec := f.doForm("/auth/oauth/revoke", url.Values{"token": {token}})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.tokens.ResolveToken(context.Background(), token, false)
	require.Error(t, err)

	// Unknown tokens revoke without an error.
	rec = f.doForm("/auth/oauth/revoke", url.Values{"token": {"ctxy_unknown"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Session tokens render the RFC 7009 protocol error, not the
	// platform envelope.
	session, err := f.tokens.CreateToken(context.Background(), TokenCreationRequest{
		Subject:   "users/42",
		Scopes:    []string{DefaultLoginScope},
		TokenType: TokenTypeSession,
	})
	require.NoError(t, err)

	rec = f.doForm("/auth/oauth/revoke", url.Values{"token": {session}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var payload map[string]string
	decodeJSON(t, rec, &payload)
	assert.Equal(t, map[string]string{"error": OAuth2ErrorUnsupportedTokenType}, payload)
}

func TestLoginAndLogout(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateUser(context.Background(), &User{
		ID: "42", Username: "alice", IsActive: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.SetPassword(context.Background(), "42", "correct-horse"))

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req.SetBasicAuth("alice", "correct-horse")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, TokenParamName, cookies[0].Name)

	// Logout clears the cookie.
	req = httptest.NewRequest(http.MethodGet, "/auth/logout", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, TokenParamName, cleared[0].Name)
	assert.Empty(t, cleared[0].Value)
	assert.Negative(t, cleared[0].MaxAge)
}

func TestLoginWithoutCredentials(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/auth/login", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}
