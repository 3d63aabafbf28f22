package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ml-tooling/contaxy/pkg/observability"
)

const (
	// apiTokenPrefix marks opaque persisted tokens. Secret scanners key on
	// this prefix, so it must stay stable.
	apiTokenPrefix = "ctxy_"
	// apiTokenEntropyBytes is the random payload size of an opaque token.
	apiTokenEntropyBytes = 32
	// displayPrefixLen is how much of a secret is kept as metadata so users
	// can tell their tokens apart.
	displayPrefixLen = 10
)

// DefaultSessionTokenTTL bounds the lifetime of signed session tokens.
// Session tokens cannot be revoked, only outlived.
const DefaultSessionTokenTTL = 15 * time.Minute

// TokenServiceConfig configures signing and lifetimes.
type TokenServiceConfig struct {
	// JWTSecret is the HMAC key for session tokens. Rotating it invalidates
	// every outstanding session token at once.
	JWTSecret       string
	SessionTokenTTL time.Duration
}

func (c *TokenServiceConfig) withDefaults() TokenServiceConfig {
	out := *c
	if out.SessionTokenTTL <= 0 {
		out.SessionTokenTTL = DefaultSessionTokenTTL
	}
	return out
}

// TokenCreationRequest describes a token to mint.
type TokenCreationRequest struct {
	// Subject is the resource name the token acts as, e.g. "users/<id>".
	Subject     string
	Scopes      []string
	TokenType   TokenType
	Description string
	Purpose     TokenPurpose
	// TTL applies to session tokens and, when positive, as the expiry of
	// API tokens. Zero means the service default (sessions) or no expiry
	// (API tokens).
	TTL time.Duration
}

// sessionClaims is the JWT payload of a session token.
type sessionClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// TokenService mints, resolves, revokes and verifies bearer tokens. It is
// the only component that sees raw secrets; stores only ever see hashes.
type TokenService struct {
	config     TokenServiceConfig
	tokens     TokenStore
	users      UserStore
	authorizer *Authorizer
	cache      *Cache
	logger     *observability.Logger
	metrics    *observability.Metrics

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewTokenService wires the token service. Cache and metrics may be nil.
func NewTokenService(config TokenServiceConfig, tokens TokenStore, users UserStore, authorizer *Authorizer, cache *Cache, logger *observability.Logger, metrics *observability.Metrics) *TokenService {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &TokenService{
		config:     config.withDefaults(),
		tokens:     tokens,
		users:      users,
		authorizer: authorizer,
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Authorizer exposes the underlying engine for callers that need raw
// permission operations next to token verification.
func (s *TokenService) Authorizer() *Authorizer {
	return s.authorizer
}

// CreateToken mints a new token and returns the raw secret. For API tokens
// this is the only time the secret is ever available; only its hash is
// persisted.
func (s *TokenService) CreateToken(ctx context.Context, req TokenCreationRequest) (string, error) {
	if req.Subject == "" {
		return "", NewError(ErrorUnauthenticated, "token subject must not be empty")
	}
	if len(req.Scopes) == 0 {
		return "", NewError(ErrorInvalidPermissionFormat, "token must carry at least one scope")
	}
	for _, scope := range req.Scopes {
		if _, _, err := ParsePermission(scope); err != nil {
			return "", err
		}
	}

	switch req.TokenType {
	case TokenTypeSession:
		return s.mintSessionToken(req)
	case TokenTypeAPI:
		return s.mintAPIToken(ctx, req)
	default:
		return "", Errorf(ErrorUnsupportedOperation, "unknown token type %q", req.TokenType)
	}
}

func (s *TokenService) mintSessionToken(req TokenCreationRequest) (string, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.config.SessionTokenTTL
	}
	now := s.now()

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scopes: req.Scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", WrapError(ErrorInternal, "signing session token", err)
	}
	s.recordIssued(TokenTypeSession)
	return signed, nil
}

func (s *TokenService) mintAPIToken(ctx context.Context, req TokenCreationRequest) (string, error) {
	entropy := make([]byte, apiTokenEntropyBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", WrapError(ErrorInternal, "generating token secret", err)
	}
	secret := apiTokenPrefix + base64.RawURLEncoding.EncodeToString(entropy)

	now := s.now()
	token := &APIToken{
		TokenPrefix: secret[:displayPrefixLen],
		Subject:     req.Subject,
		Scopes:      req.Scopes,
		Description: req.Description,
		Purpose:     req.Purpose,
		CreatedAt:   now,
	}
	if token.Purpose == "" {
		token.Purpose = TokenPurposeUserGenerated
	}
	if req.TTL > 0 {
		expiry := now.Add(req.TTL)
		token.ExpiresAt = &expiry
	}

	if err := s.tokens.PutToken(ctx, hashSecret(secret), token); err != nil {
		return "", err
	}
	s.recordIssued(TokenTypeAPI)
	return secret, nil
}

// ResolveToken authenticates a raw secret and returns who it acts as. The
// token kind is decided by shape: the opaque prefix wins, then the three
// dot-separated segments of a JWT; everything else is looked up as a
// legacy opaque token. All resolution failures surface as Unauthenticated.
func (s *TokenService) ResolveToken(ctx context.Context, secret string, useCache bool) (*AuthorizedAccess, error) {
	if secret == "" {
		return nil, NewError(ErrorUnauthenticated, "no token provided")
	}

	switch {
	case strings.HasPrefix(secret, apiTokenPrefix):
		return s.resolveAPIToken(ctx, secret, useCache)
	case strings.Count(secret, ".") == 2:
		access, err := s.resolveSessionToken(secret)
		if err == nil {
			s.recordResolution(TokenTypeSession, true)
			return access, nil
		}
		// A malformed JWT may still be an opaque token that happens to
		// contain dots.
		if access, apiErr := s.resolveAPIToken(ctx, secret, useCache); apiErr == nil {
			return access, nil
		}
		s.recordResolution(TokenTypeSession, false)
		return nil, err
	default:
		return s.resolveAPIToken(ctx, secret, useCache)
	}
}

func (s *TokenService) resolveSessionToken(secret string) (*AuthorizedAccess, error) {
	claims := &sessionClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(secret, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		return nil, WrapError(ErrorUnauthenticated, "invalid session token", err)
	}
	return &AuthorizedAccess{
		AuthorizedSubject: claims.Subject,
		Scopes:            claims.Scopes,
		TokenType:         TokenTypeSession,
	}, nil
}

func (s *TokenService) resolveAPIToken(ctx context.Context, secret string, useCache bool) (*AuthorizedAccess, error) {
	if useCache {
		if access, ok := s.cache.GetToken(secret); ok {
			s.recordResolution(TokenTypeAPI, true)
			return access, nil
		}
	}

	token, err := s.tokens.GetToken(ctx, hashSecret(secret))
	if err != nil {
		s.recordResolution(TokenTypeAPI, false)
		if KindOf(err) == ErrorResourceNotFound {
			return nil, NewError(ErrorUnauthenticated, "unknown token")
		}
		return nil, err
	}
	if token.ExpiresAt != nil && !token.ExpiresAt.After(s.now()) {
		s.recordResolution(TokenTypeAPI, false)
		return nil, NewError(ErrorUnauthenticated, "token is expired")
	}

	access := &AuthorizedAccess{
		AuthorizedSubject: token.Subject,
		Scopes:            token.Scopes,
		TokenType:         TokenTypeAPI,
	}
	if useCache {
		s.cache.PutToken(secret, access)
	}
	s.recordResolution(TokenTypeAPI, true)
	return access, nil
}

// RevokeToken invalidates an API token. Session tokens are stateless and
// cannot be revoked; callers get UnsupportedOperation and must wait out
// the expiry.
func (s *TokenService) RevokeToken(ctx context.Context, secret string) error {
	if strings.Count(secret, ".") == 2 && !strings.HasPrefix(secret, apiTokenPrefix) {
		if _, err := s.resolveSessionToken(secret); err == nil {
			return NewError(ErrorUnsupportedOperation, "session tokens cannot be revoked")
		}
	}

	if err := s.tokens.DeleteToken(ctx, hashSecret(secret)); err != nil {
		return err
	}
	s.cache.InvalidateToken(secret)
	return nil
}

// ListAPITokens returns the metadata of a subject's API tokens. Raw
// secrets are not recoverable, only the display prefix.
func (s *TokenService) ListAPITokens(ctx context.Context, subject string) ([]*APIToken, error) {
	return s.tokens.ListTokens(ctx, subject)
}

// VerifyAccess authenticates a secret and, when a permission is given,
// authorizes it in the same call. An empty permission checks
// authentication only. Positive results are cached keyed by secret and
// permission; denials always re-evaluate.
func (s *TokenService) VerifyAccess(ctx context.Context, secret string, permission string, useCache bool) (*AuthorizedAccess, error) {
	if useCache && permission != "" {
		if access, ok := s.cache.GetVerifiedAccess(secret, permission); ok {
			return access, nil
		}
	}

	access, err := s.ResolveToken(ctx, secret, useCache)
	if err != nil {
		return nil, err
	}
	if permission == "" {
		return access, nil
	}

	verified, err := s.authorizer.CheckAccess(ctx, access, permission, useCache)
	if err != nil {
		return nil, err
	}
	if useCache {
		s.cache.PutVerifiedAccess(secret, permission, verified)
	}
	return verified, nil
}

// hashSecret is the storage key derivation for opaque tokens. SHA-256 is
// enough here: secrets carry 256 bits of entropy, so no KDF stretching is
// needed.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (s *TokenService) recordIssued(tokenType TokenType) {
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues(string(tokenType)).Inc()
	}
}

func (s *TokenService) recordResolution(tokenType TokenType, ok bool) {
	if s.metrics == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	s.metrics.TokenResolutionsTotal.WithLabelValues(string(tokenType), result).Inc()
}
