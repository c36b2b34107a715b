// Package sweeper periodically reconciles receipts of expired secrets and
// purges dead records from stores that do not evict on their own.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oneshot.link/internal/lifecycle"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
	"oneshot.link/internal/store"
)

type Reconciler interface {
	Reconcile(ctx context.Context) (lifecycle.ReconcileStats, error)
}

type Partitions interface {
	Each(fn func(models.Scope, store.Records) error) error
}

type Result struct {
	lifecycle.ReconcileStats
	Purged int
}

// Sweeper is safe to run on several instances at once: every write it makes
// is an idempotent, monotonic transition.
type Sweeper struct {
	reconciler Reconciler
	partitions Partitions
	interval   time.Duration
	now        func() time.Time
	logger     *logger.Logger
}

func New(reconciler Reconciler, partitions Partitions, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		reconciler: reconciler,
		partitions: partitions,
		interval:   interval,
		now:        time.Now,
		logger:     log,
	}
}

// Run sweeps once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Err(err).Msg("sweep failed")
				continue
			}
			if res.Expired > 0 || res.Purged > 0 {
				s.logger.Info().
					Int("scanned", res.Scanned).
					Int("expired", res.Expired).
					Int("purged", res.Purged).
					Msg("sweep finished")
			}
		}
	}
}

// Sweep runs one pass. Reconciliation comes first so that receipts are
// expired before their secret's row disappears from lazily-expiring stores.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result

	stats, reconcileErr := s.reconciler.Reconcile(ctx)
	res.ReconcileStats = stats

	purgeErr := s.partitions.Each(func(scope models.Scope, records store.Records) error {
		purger, ok := records.(store.Purger)
		if !ok {
			return nil
		}

		n, err := purger.PurgeExpired(ctx, s.now())
		if err != nil {
			return fmt.Errorf("purging expired records: %w", err)
		}
		res.Purged += n
		return nil
	})

	return res, errors.Join(reconcileErr, purgeErr)
}
