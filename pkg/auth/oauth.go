package auth

import (
	"context"
	"strings"
	"time"

	"github.com/ml-tooling/contaxy/pkg/observability"
)

// Grant types understood by the token endpoint.
const (
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// DefaultLoginScope is the scope attached to login tokens when the client
// does not request a narrower one. The token is still limited by the
// subject's stored permissions, so a wide scope grants nothing by itself.
const DefaultLoginScope = ResourceWildcard + PermissionSeparator + "admin"

// RefreshTokenTTL bounds how long a login can be silently renewed.
const RefreshTokenTTL = 14 * 24 * time.Hour

// OAuth2TokenRequestForm is the parsed application/x-www-form-urlencoded
// body of the token endpoint (RFC 6749 section 4).
type OAuth2TokenRequestForm struct {
	GrantType    string
	Username     string
	Password     string
	RefreshToken string
	ClientID     string
	ClientSecret string
	// Scope is the raw space-delimited scope string from the form.
	Scope string
	// SetAsCookie asks the handler to deliver the access token as a
	// cookie instead of the JSON body.
	SetAsCookie bool
}

func (f *OAuth2TokenRequestForm) scopes() []string {
	scopes := strings.Fields(f.Scope)
	if len(scopes) == 0 {
		return []string{DefaultLoginScope}
	}
	return scopes
}

// OAuth2TokenResponse is the success payload of the token endpoint
// (RFC 6749 section 5.1).
type OAuth2TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenIntrospection is the response payload of the introspection endpoint
// (RFC 7662). Inactive tokens report only active=false.
type TokenIntrospection struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// OAuth2Service implements the grant-type dispatch of the token endpoint
// on top of the token service and user store.
type OAuth2Service struct {
	tokens *TokenService
	users  UserStore
	logger *observability.Logger
}

// NewOAuth2Service wires the OAuth2 grant handling.
func NewOAuth2Service(tokens *TokenService, users UserStore, logger *observability.Logger) *OAuth2Service {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &OAuth2Service{tokens: tokens, users: users, logger: logger}
}

// RequestToken dispatches on the grant type and returns the minted tokens.
// Failures are OAuth2Error values carrying the RFC 6749 error code; the
// credential-specific reason is logged, never returned, so the endpoint
// cannot be used as an account oracle.
func (s *OAuth2Service) RequestToken(ctx context.Context, form *OAuth2TokenRequestForm) (*OAuth2TokenResponse, error) {
	switch form.GrantType {
	case GrantTypePassword:
		if form.Username == "" || form.Password == "" {
			return nil, NewOAuth2Error(OAuth2ErrorInvalidRequest)
		}
		return s.passwordGrant(ctx, form.Username, form.Password, form.scopes())
	case GrantTypeClientCredentials:
		// Clients are modeled as regular accounts; the credential pair
		// goes through the same verification as a password login.
		if form.ClientID == "" || form.ClientSecret == "" {
			return nil, NewOAuth2Error(OAuth2ErrorInvalidClient)
		}
		return s.passwordGrant(ctx, form.ClientID, form.ClientSecret, form.scopes())
	case GrantTypeRefreshToken:
		if form.RefreshToken == "" {
			return nil, NewOAuth2Error(OAuth2ErrorInvalidRequest)
		}
		return s.refreshTokenGrant(ctx, form.RefreshToken)
	case "":
		return nil, NewOAuth2Error(OAuth2ErrorInvalidRequest)
	default:
		return nil, NewOAuth2Error(OAuth2ErrorUnsupportedGrantType)
	}
}

func (s *OAuth2Service) passwordGrant(ctx context.Context, username, password string, scopes []string) (*OAuth2TokenResponse, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if KindOf(err) == ErrorResourceNotFound {
			s.logger.WithField("username", username).Info("login rejected: unknown user")
			return nil, NewOAuth2Error(OAuth2ErrorInvalidGrant)
		}
		return nil, err
	}
	if !user.IsActive {
		s.logger.WithField("user_id", user.ID).Info("login rejected: account deactivated")
		return nil, NewOAuth2Error(OAuth2ErrorInvalidGrant)
	}

	ok, err := s.users.VerifyPassword(ctx, user.ID, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.WithField("user_id", user.ID).Info("login rejected: wrong password")
		return nil, NewOAuth2Error(OAuth2ErrorInvalidGrant)
	}

	return s.issueLoginTokens(ctx, UserResourceName(user.ID), scopes, true)
}

func (s *OAuth2Service) refreshTokenGrant(ctx context.Context, refreshToken string) (*OAuth2TokenResponse, error) {
	access, err := s.tokens.ResolveToken(ctx, refreshToken, false)
	if err != nil {
		if KindOf(err) == ErrorUnauthenticated {
			return nil, NewOAuth2Error(OAuth2ErrorInvalidGrant)
		}
		return nil, err
	}
	if access.TokenType != TokenTypeAPI {
		return nil, NewOAuth2Error(OAuth2ErrorInvalidGrant)
	}

	// The refresh token stays valid until its own expiry; only a fresh
	// access token is minted.
	return s.issueLoginTokens(ctx, access.AuthorizedSubject, access.Scopes, false)
}

func (s *OAuth2Service) issueLoginTokens(ctx context.Context, subject string, scopes []string, withRefresh bool) (*OAuth2TokenResponse, error) {
	accessToken, err := s.tokens.CreateToken(ctx, TokenCreationRequest{
		Subject:   subject,
		Scopes:    scopes,
		TokenType: TokenTypeSession,
	})
	if err != nil {
		return nil, err
	}

	resp := &OAuth2TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.tokens.config.SessionTokenTTL / time.Second),
		Scope:       strings.Join(scopes, " "),
	}

	if withRefresh {
		refreshToken, err := s.tokens.CreateToken(ctx, TokenCreationRequest{
			Subject:   subject,
			Scopes:    scopes,
			TokenType: TokenTypeAPI,
			Purpose:   TokenPurposeRefreshToken,
			TTL:       RefreshTokenTTL,
		})
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

// IntrospectToken reports whether a token is active (RFC 7662). Resolution
// failures are not errors here; an unknown or expired token is simply
// inactive.
func (s *OAuth2Service) IntrospectToken(ctx context.Context, token string) (*TokenIntrospection, error) {
	access, err := s.tokens.ResolveToken(ctx, token, false)
	if err != nil {
		if KindOf(err) == ErrorUnauthenticated {
			return &TokenIntrospection{Active: false}, nil
		}
		return nil, err
	}
	return &TokenIntrospection{
		Active:    true,
		Subject:   access.AuthorizedSubject,
		Scope:     strings.Join(access.Scopes, " "),
		TokenType: string(access.TokenType),
	}, nil
}

// RevokeToken invalidates a token (RFC 7009). Unknown tokens succeed
// silently per the RFC; session tokens cannot be invalidated before their
// expiry and render the RFC 7009 unsupported_token_type code.
func (s *OAuth2Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return NewOAuth2Error(OAuth2ErrorInvalidRequest)
	}
	err := s.tokens.RevokeToken(ctx, token)
	switch {
	case err == nil || KindOf(err) == ErrorResourceNotFound:
		return nil
	case KindOf(err) == ErrorUnsupportedOperation:
		return NewOAuth2Error(OAuth2ErrorUnsupportedTokenType)
	}
	return err
}
