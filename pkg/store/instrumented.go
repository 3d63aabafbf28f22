package store

import (
	"context"
	"time"

	"github.com/ml-tooling/contaxy/pkg/auth"
	"github.com/ml-tooling/contaxy/pkg/observability"
)

// Backend is the full persistence surface an implementation must provide
// to back the service.
type Backend interface {
	auth.PermissionStore
	auth.TokenStore
	auth.UserStore
	RetentionStore
	observability.Pinger
}

// Instrumented decorates a Backend with per-operation prometheus counters
// and latency histograms. Errors of any kind count as status "error",
// including not-found lookups.
type Instrumented struct {
	next    Backend
	backend string
	metrics *observability.Metrics
}

// NewInstrumented wraps a backend. The backend name becomes the metric
// label, e.g. "memory" or "redis".
func NewInstrumented(next Backend, backendName string, metrics *observability.Metrics) *Instrumented {
	return &Instrumented{next: next, backend: backendName, metrics: metrics}
}

func (s *Instrumented) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.StoreOperationsTotal.WithLabelValues(operation, s.backend, status).Inc()
	s.metrics.StoreOperationDuration.WithLabelValues(operation, s.backend).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) ListPermissions(ctx context.Context, resourceName string) ([]string, error) {
	start := time.Now()
	entries, err := s.next.ListPermissions(ctx, resourceName)
	s.observe("list_permissions", start, err)
	return entries, err
}

func (s *Instrumented) AddPermission(ctx context.Context, resourceName string, permission string) error {
	start := time.Now()
	err := s.next.AddPermission(ctx, resourceName, permission)
	s.observe("add_permission", start, err)
	return err
}

func (s *Instrumented) RemovePermission(ctx context.Context, resourceName string, permission string) error {
	start := time.Now()
	err := s.next.RemovePermission(ctx, resourceName, permission)
	s.observe("remove_permission", start, err)
	return err
}

func (s *Instrumented) ListResourcesWithPermission(ctx context.Context, permission string, resourceNamePrefix string) ([]string, error) {
	start := time.Now()
	resources, err := s.next.ListResourcesWithPermission(ctx, permission, resourceNamePrefix)
	s.observe("list_resources_with_permission", start, err)
	return resources, err
}

func (s *Instrumented) PutToken(ctx context.Context, tokenHash string, token *auth.APIToken) error {
	start := time.Now()
	err := s.next.PutToken(ctx, tokenHash, token)
	s.observe("put_token", start, err)
	return err
}

func (s *Instrumented) GetToken(ctx context.Context, tokenHash string) (*auth.APIToken, error) {
	start := time.Now()
	token, err := s.next.GetToken(ctx, tokenHash)
	s.observe("get_token", start, err)
	return token, err
}

func (s *Instrumented) DeleteToken(ctx context.Context, tokenHash string) error {
	start := time.Now()
	err := s.next.DeleteToken(ctx, tokenHash)
	s.observe("delete_token", start, err)
	return err
}

func (s *Instrumented) ListTokens(ctx context.Context, subject string) ([]*auth.APIToken, error) {
	start := time.Now()
	tokens, err := s.next.ListTokens(ctx, subject)
	s.observe("list_tokens", start, err)
	return tokens, err
}

func (s *Instrumented) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	removed, err := s.next.DeleteExpiredTokens(ctx, now)
	s.observe("delete_expired_tokens", start, err)
	return removed, err
}

func (s *Instrumented) GetUser(ctx context.Context, userID string) (*auth.User, error) {
	start := time.Now()
	user, err := s.next.GetUser(ctx, userID)
	s.observe("get_user", start, err)
	return user, err
}

func (s *Instrumented) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	start := time.Now()
	user, err := s.next.GetUserByUsername(ctx, username)
	s.observe("get_user_by_username", start, err)
	return user, err
}

func (s *Instrumented) CreateUser(ctx context.Context, user *auth.User) error {
	start := time.Now()
	err := s.next.CreateUser(ctx, user)
	s.observe("create_user", start, err)
	return err
}

func (s *Instrumented) SetPassword(ctx context.Context, userID string, password string) error {
	start := time.Now()
	err := s.next.SetPassword(ctx, userID, password)
	s.observe("set_password", start, err)
	return err
}

func (s *Instrumented) VerifyPassword(ctx context.Context, userID string, password string) (bool, error) {
	start := time.Now()
	ok, err := s.next.VerifyPassword(ctx, userID, password)
	s.observe("verify_password", start, err)
	return ok, err
}

// Ping delegates liveness to the wrapped backend.
func (s *Instrumented) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}
