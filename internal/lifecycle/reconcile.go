package lifecycle

import (
	"context"
	"errors"
	"time"

	"oneshot.link/internal/models"
	"oneshot.link/internal/store"
)

type ReconcileStats struct {
	Scanned int
	Expired int
}

// Reconcile moves every pending receipt whose secret outlived its TTL to
// Expired, destroying the secret first if the store still holds it.
// Receipts are only expired once the grace period has passed, so a reveal
// that consumed the secret right before expiry reports Viewed first. A
// receipt that cannot be expired is logged and skipped; the joined errors
// are returned once the scan is complete.
func (s *Service) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var (
		stats ReconcileStats
		errs  []error
	)
	now := s.now()

	err := s.receipts.Pending(ctx, func(r *models.Receipt) error {
		stats.Scanned++
		if !s.overdue(r, now) {
			return nil
		}

		if err := s.expire(ctx, r); err != nil {
			s.logger.Err(err).
				Str("partition", r.Partition).
				Str("receipt_id", models.RedactID(r.ID)).
				Msg("failed to expire receipt")
			errs = append(errs, err)
			return nil
		}
		stats.Expired++
		return nil
	})
	if err := errors.Join(append(errs, err)...); err != nil {
		return stats, unavailable("reconciling receipts", err)
	}
	return stats, nil
}

// ReconcileReceipt expires a single receipt if it is overdue and reports
// whether it did.
func (s *Service) ReconcileReceipt(ctx context.Context, receiptID string) (bool, error) {
	r, err := s.Receipt(ctx, receiptID)
	if err != nil {
		return false, err
	}
	if !s.overdue(r, s.now()) {
		return false, nil
	}
	if err := s.expire(ctx, r); err != nil {
		return false, unavailable("expiring receipt", err)
	}
	return true, nil
}

func (s *Service) overdue(r *models.Receipt, now time.Time) bool {
	return r.Lapsed(now.Add(-s.grace()))
}

func (s *Service) grace() time.Duration {
	return 2 * s.opts.OperationTimeout
}

func (s *Service) expire(ctx context.Context, r *models.Receipt) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	records, err := s.partitions.For(models.Scope(r.Partition))
	if err != nil {
		return err
	}

	err = records.MarkDeleted(ctx, store.SecretKey(r.SecretID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	expired, err := s.receipts.RecordExpired(ctx, r.ID, r.ExpiresAt)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("partition", r.Partition).
		Str("receipt_id", models.RedactID(r.ID)).
		Stringer("state", expired.State).
		Msg("receipt reconciled")
	return nil
}
