// Package sso implements login via an external OpenID Connect provider.
// Accounts are provisioned on first login and then authenticated with
// regular session tokens; the external provider is only consulted during
// the login flow itself.
package sso

import (
	"context"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/ml-tooling/contaxy/pkg/auth"
	"github.com/ml-tooling/contaxy/pkg/httputil"
	"github.com/ml-tooling/contaxy/pkg/observability"
)

const stateCookieName = "ctxy_oidc_state"

// Config holds the OIDC provider settings.
type Config struct {
	Enabled      bool
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Authenticator runs the authorization-code flow against the configured
// provider and turns verified identities into platform sessions.
type Authenticator struct {
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
	users    auth.UserStore
	tokens   *auth.TokenService
	logger   *observability.Logger
}

// New discovers the provider metadata and prepares the code flow.
func New(ctx context.Context, config Config, users auth.UserStore, tokens *auth.TokenService, logger *observability.Logger) (*Authenticator, error) {
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, auth.WrapError(auth.ErrorInternal, "oidc provider discovery failed", err)
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Authenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: config.ClientID}),
		oauth2: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		users:  users,
		tokens: tokens,
		logger: logger,
	}, nil
}

// RegisterRoutes attaches the login initiation and callback endpoints.
func (a *Authenticator) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/oauth/login", a.Login).Methods(http.MethodGet)
	router.HandleFunc("/auth/oauth/callback", a.Callback).Methods(http.MethodGet)
}

// Login starts the authorization-code flow. The state value is stored in
// a short-lived cookie and checked again on the callback.
func (a *Authenticator) Login(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.oauth2.AuthCodeURL(state), http.StatusFound)
}

// Callback finishes the code flow: it checks the state, exchanges the
// code, verifies the ID token, provisions the account if needed, and
// hands out a session token as cookie and response body.
func (a *Authenticator) Callback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		httputil.WriteUnauthorized(w, "state mismatch")
		return
	}

	oauth2Token, err := a.oauth2.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		a.logger.WithError(err).Warn("oidc code exchange failed")
		httputil.WriteUnauthorized(w, "code exchange failed")
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		httputil.WriteUnauthorized(w, "provider response misses id_token")
		return
	}
	idToken, err := a.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		a.logger.WithError(err).Warn("oidc id token verification failed")
		httputil.WriteUnauthorized(w, "invalid id token")
		return
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Email == "" {
		httputil.WriteUnauthorized(w, "id token misses required claims")
		return
	}

	user, err := a.provisionUser(r.Context(), claims.Email)
	if err != nil {
		a.logger.WithError(err).Error("user provisioning failed")
		httputil.WriteInternalError(w)
		return
	}

	sessionToken, err := a.tokens.CreateToken(r.Context(), auth.TokenCreationRequest{
		Subject:   auth.UserResourceName(user.ID),
		Scopes:    []string{auth.DefaultLoginScope},
		TokenType: auth.TokenTypeSession,
	})
	if err != nil {
		a.logger.WithError(err).Error("session token issuance failed")
		httputil.WriteInternalError(w)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenParamName,
		Value:    sessionToken,
		Path:     "/",
		MaxAge:   int(auth.DefaultSessionTokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteSuccess(w, map[string]string{"access_token": sessionToken, "token_type": "bearer"})
}

// provisionUser resolves the external identity to a local account,
// creating it with self-admin rights on first login. The email doubles as
// the username; identities are matched by it across logins.
func (a *Authenticator) provisionUser(ctx context.Context, email string) (*auth.User, error) {
	user, err := a.users.GetUserByUsername(ctx, email)
	if err == nil {
		if !user.IsActive {
			return nil, auth.NewError(auth.ErrorPermissionDenied, "account is deactivated")
		}
		return user, nil
	}
	if auth.KindOf(err) != auth.ErrorResourceNotFound {
		return nil, err
	}

	user = &auth.User{
		ID:        uuid.NewString(),
		Username:  email,
		Email:     email,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	subject := auth.UserResourceName(user.ID)
	err = a.tokens.Authorizer().AddPermission(ctx, subject, auth.ConstructPermission(subject, auth.AccessLevelAdmin))
	if err != nil && auth.KindOf(err) != auth.ErrorResourceAlreadyExists {
		return nil, err
	}
	return user, nil
}
