package store

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ml-tooling/contaxy/pkg/observability"
)

// RetentionStore is implemented by backends that can prune token records
// past their expiry.
type RetentionStore interface {
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// Janitor periodically prunes expired token records. Expiry itself is
// evaluated lazily at verification time; the janitor only reclaims the
// storage afterwards.
type Janitor struct {
	store    RetentionStore
	logger   *observability.Logger
	schedule string
	cron     *cron.Cron
}

// NewJanitor creates a retention janitor with a cron schedule spec, e.g.
// "@every 1h".
func NewJanitor(store RetentionStore, schedule string, logger *observability.Logger) *Janitor {
	return &Janitor{
		store:    store,
		logger:   logger,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start begins the periodic sweep. Returns an error if the schedule spec
// is invalid.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, j.sweep)
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the sweep and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	// The cron scheduler runs jobs on bare goroutines; a panic here would
	// take down the process.
	defer observability.RecoverPanic(j.logger, "token retention sweep")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := j.store.DeleteExpiredTokens(ctx, time.Now())
	if err != nil {
		j.logger.WithError(err).Warn("token retention sweep failed")
		return
	}
	if removed > 0 {
		j.logger.WithField("removed", removed).Info("pruned expired token records")
	}
}
