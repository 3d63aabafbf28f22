package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ml-tooling/contaxy/pkg/auth"
	"github.com/ml-tooling/contaxy/pkg/observability"
)

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	db := NewMemory()
	logger := observability.NewLogger(observability.ErrorLevel, nil)

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, db.PutToken(ctx, "hash-expired", &auth.APIToken{
		Subject:   "users/42",
		ExpiresAt: &expired,
	}))
	require.NoError(t, db.PutToken(ctx, "hash-live", &auth.APIToken{
		Subject: "users/42",
	}))

	j := NewJanitor(db, "@hourly", logger)
	j.sweep()

	_, err := db.GetToken(ctx, "hash-expired")
	assert.Equal(t, auth.ErrorResourceNotFound, auth.KindOf(err))

	_, err = db.GetToken(ctx, "hash-live")
	assert.NoError(t, err)
}

type panickingRetentionStore struct{}

func (panickingRetentionStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	panic("boom")
}

func TestJanitorSweepRecoversPanic(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	j := NewJanitor(panickingRetentionStore{}, "@hourly", logger)

	assert.NotPanics(t, j.sweep)
}

func TestJanitorStart(t *testing.T) {
	db := NewMemory()
	logger := observability.NewLogger(observability.ErrorLevel, nil)

	t.Run("invalid schedule", func(t *testing.T) {
		j := NewJanitor(db, "not a cron spec", logger)
		assert.Error(t, j.Start())
	})

	t.Run("valid schedule", func(t *testing.T) {
		j := NewJanitor(db, "@every 1h", logger)
		require.NoError(t, j.Start())
		j.Stop()
	})
}
