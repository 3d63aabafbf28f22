package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ml-tooling/contaxy/pkg/auth"
	"github.com/ml-tooling/contaxy/pkg/contextkeys"
	"github.com/ml-tooling/contaxy/pkg/store"
)

func newTokenService(t *testing.T) *auth.TokenService {
	t.Helper()
	db := store.NewMemory()
	authorizer := auth.NewAuthorizer(db, nil, nil, nil)
	return auth.NewTokenService(auth.TokenServiceConfig{JWTSecret: "test-secret"}, db, db, authorizer, nil, nil, nil)
}

func issueToken(t *testing.T, tokens *auth.TokenService) string {
	t.Helper()
	secret, err := tokens.CreateToken(context.Background(), auth.TokenCreationRequest{
		Subject:   "users/42",
		Scopes:    []string{auth.DefaultLoginScope},
		TokenType: auth.TokenTypeAPI,
	})
	require.NoError(t, err)
	return secret
}

func TestExtractTokenPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *http.Request)
		want    string
	}{
		{
			name: "query parameter wins over everything",
			prepare: func(r *http.Request) {
				r.URL.RawQuery = "ctxy_token=from-query"
				r.Header.Set("ctxy_token", "from-header")
				r.Header.Set("Authorization", "Bearer from-bearer")
				r.AddCookie(&http.Cookie{Name: "ctxy_token", Value: "from-cookie"})
			},
			want: "from-query",
		},
		{
			name: "header wins over bearer scheme and cookie",
			prepare: func(r *http.Request) {
				r.Header.Set("ctxy_token", "from-header")
				r.Header.Set("Authorization", "Bearer from-bearer")
				r.AddCookie(&http.Cookie{Name: "ctxy_token", Value: "from-cookie"})
			},
			want: "from-header",
		},
		{
			name: "bearer scheme wins over cookie",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer from-bearer")
				r.AddCookie(&http.Cookie{Name: "ctxy_token", Value: "from-cookie"})
			},
			want: "from-bearer",
		},
		{
			name: "cookie as a last resort",
			prepare: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "ctxy_token", Value: "from-cookie"})
			},
			want: "from-cookie",
		},
		{
			name: "non-bearer authorization schemes are ignored",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			},
			want: "",
		},
		{
			name:    "no source",
			prepare: func(r *http.Request) {},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.prepare(req)
			assert.Equal(t, tt.want, ExtractToken(req))
		})
	}
}

func TestAuthenticationRequired(t *testing.T) {
	tokens := newTokenService(t)
	secret := issueToken(t, tokens)

	var gotAccess *auth.AuthorizedAccess
	var gotToken string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccess, _ = contextkeys.Access(r.Context()).(*auth.AuthorizedAccess)
		gotToken = contextkeys.Token(r.Context())
	})
	handler := Authentication(tokens, nil, false)(next)

	// Missing token is rejected.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Invalid token is rejected.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ctxy_bogus")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token reaches the handler with the resolved access in context.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotAccess)
	assert.Equal(t, "users/42", gotAccess.AuthorizedSubject)
	assert.Equal(t, secret, gotToken)
}

func TestAuthenticationOptional(t *testing.T) {
	tokens := newTokenService(t)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, contextkeys.Access(r.Context()))
	})
	handler := Authentication(tokens, nil, true)(next)

	// Anonymous requests pass through.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)

	// A present but invalid token is still rejected.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ctxy_bogus")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
