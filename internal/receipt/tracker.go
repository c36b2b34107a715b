// Package receipt keeps the owner-facing record of what happened to each
// secret. Receipts outlive the secrets they describe and never hold content.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
	"oneshot.link/internal/store"
)

var (
	ErrNotFound = errors.New("receipt not found")
	ErrExists   = errors.New("receipt already exists")
)

// casAttempts bounds the read-modify-write loop of a transition.
const casAttempts = 8

// Partitions resolves the store holding a partition's records.
type Partitions interface {
	For(scope models.Scope) (store.Records, error)
	Each(fn func(models.Scope, store.Records) error) error
}

type Tracker struct {
	partitions Partitions
	retention  time.Duration
	cache      *ristretto.Cache[string, *models.Receipt]
	cacheTTL   time.Duration
	logger     *logger.Logger
}

// NewTracker stores receipts for retention. A positive cacheTTL enables a
// read cache; local transitions invalidate it, transitions made by other
// instances become visible after at most cacheTTL.
func NewTracker(partitions Partitions, retention, cacheTTL time.Duration, log *logger.Logger) (*Tracker, error) {
	t := &Tracker{
		partitions: partitions,
		retention:  retention,
		cacheTTL:   cacheTTL,
		logger:     log,
	}

	if cacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, *models.Receipt]{
			NumCounters:        100_000,
			MaxCost:            10_000,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating receipt cache: %w", err)
		}
		t.cache = cache
	}
	return t, nil
}

func (t *Tracker) Close() {
	if t.cache != nil {
		t.cache.Close()
	}
}

// RecordCreated stores a new pending receipt and indexes it under its owner.
func (t *Tracker) RecordCreated(ctx context.Context, r *models.Receipt) error {
	records, err := t.recordsFor(r.ID)
	if err != nil {
		return err
	}

	data, err := models.EncodeReceipt(r)
	if err != nil {
		return fmt.Errorf("encoding receipt: %w", err)
	}

	if err := records.Put(ctx, store.ReceiptKey(r.ID), data, t.retention); err != nil {
		if errors.Is(err, store.ErrKeyExists) {
			return ErrExists
		}
		return fmt.Errorf("storing receipt: %w", err)
	}

	if r.OwnerID != "" {
		err := records.Put(ctx, store.OwnerKey(r.OwnerID, r.ID), []byte(r.ID), t.retention)
		if err != nil && !errors.Is(err, store.ErrKeyExists) {
			// the receipt itself is stored; only the listing misses it
			t.logger.Err(err).Str("receipt_id", models.RedactID(r.ID)).Msg("failed to index receipt under owner")
		}
	}
	return nil
}

func (t *Tracker) RecordViewed(ctx context.Context, receiptID string, at time.Time) (*models.Receipt, error) {
	return t.transition(ctx, receiptID, models.StateViewed, at)
}

func (t *Tracker) RecordBurned(ctx context.Context, receiptID string, at time.Time) (*models.Receipt, error) {
	return t.transition(ctx, receiptID, models.StateBurned, at)
}

func (t *Tracker) RecordExpired(ctx context.Context, receiptID string, at time.Time) (*models.Receipt, error) {
	return t.transition(ctx, receiptID, models.StateExpired, at)
}

// Get returns the receipt, served from the cache when enabled.
func (t *Tracker) Get(ctx context.Context, receiptID string) (*models.Receipt, error) {
	if t.cache != nil {
		if r, ok := t.cache.Get(receiptID); ok {
			return clone(r), nil
		}
	}

	records, err := t.recordsFor(receiptID)
	if err != nil {
		return nil, err
	}

	r, _, err := t.load(ctx, records, receiptID)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		t.cache.SetWithTTL(receiptID, clone(r), 1, t.cacheTTL)
	}
	return r, nil
}

// ListByOwner returns the owner's receipts across every partition, newest
// first.
func (t *Tracker) ListByOwner(ctx context.Context, ownerID string) ([]*models.Receipt, error) {
	receipts := make([]*models.Receipt, 0)
	prefix := store.OwnerPrefix(ownerID)

	err := t.partitions.Each(func(scope models.Scope, records store.Records) error {
		keys, err := records.Keys(ctx, prefix)
		if err != nil {
			return err
		}

		for _, key := range keys {
			receiptID := strings.TrimPrefix(key, prefix)
			if _, _, err := models.SplitID(receiptID); err != nil {
				// belongs to an owner whose ID extends this one
				continue
			}

			r, _, err := t.load(ctx, records, receiptID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if r.OwnerID == ownerID {
				receipts = append(receipts, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].CreatedAt.After(receipts[j].CreatedAt)
	})
	return receipts, nil
}

// Pending calls fn for every pending receipt of every partition. A
// partition or receipt that cannot be read is logged and skipped, and its
// error is joined into the result. An error from fn stops the scan.
func (t *Tracker) Pending(ctx context.Context, fn func(*models.Receipt) error) error {
	var errs []error

	err := t.partitions.Each(func(scope models.Scope, records store.Records) error {
		keys, err := records.Keys(ctx, store.ReceiptPrefix)
		if err != nil {
			t.logger.Err(err).Str("partition", string(scope)).Msg("failed to list receipts")
			errs = append(errs, fmt.Errorf("listing receipts of %s: %w", scope, err))
			return nil
		}

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}

			receiptID := strings.TrimPrefix(key, store.ReceiptPrefix)
			r, _, err := t.load(ctx, records, receiptID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				t.logger.Err(err).Str("receipt_id", models.RedactID(receiptID)).Msg("skipping unreadable receipt")
				errs = append(errs, err)
				continue
			}
			if r.State != models.StatePending {
				continue
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Join(append(errs, err)...)
}

// transition moves the receipt to a terminal state with a compare-and-swap
// loop. The first terminal state wins; later notifications return the
// receipt unchanged.
func (t *Tracker) transition(ctx context.Context, receiptID string, to models.State, at time.Time) (*models.Receipt, error) {
	records, err := t.recordsFor(receiptID)
	if err != nil {
		return nil, err
	}
	key := store.ReceiptKey(receiptID)

	for range casAttempts {
		r, raw, err := t.load(ctx, records, receiptID)
		if err != nil {
			return nil, err
		}

		if !r.Transition(to, at) {
			return r, nil
		}

		next, err := models.EncodeReceipt(r)
		if err != nil {
			return nil, fmt.Errorf("encoding receipt: %w", err)
		}

		err = records.CompareAndSwap(ctx, key, raw, next)
		switch {
		case err == nil:
			t.invalidate(receiptID)
			t.logger.Debug().
				Str("receipt_id", models.RedactID(receiptID)).
				Stringer("state", to).
				Msg("receipt transitioned")
			return r, nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("updating receipt: %w", err)
		}
	}

	return nil, fmt.Errorf("updating receipt %s: %w", models.RedactID(receiptID), store.ErrConflict)
}

func (t *Tracker) load(ctx context.Context, records store.Records, receiptID string) (*models.Receipt, []byte, error) {
	raw, err := records.Get(ctx, store.ReceiptKey(receiptID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("reading receipt: %w", err)
	}

	r, err := models.DecodeReceipt(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding receipt: %w", err)
	}
	return r, raw, nil
}

func (t *Tracker) recordsFor(receiptID string) (store.Records, error) {
	scope, _, err := models.SplitID(receiptID)
	if err != nil {
		return nil, ErrNotFound
	}

	records, err := t.partitions.For(scope)
	if errors.Is(err, store.ErrUnknownPartition) {
		return nil, ErrNotFound
	}
	return records, err
}

func (t *Tracker) invalidate(receiptID string) {
	if t.cache != nil {
		t.cache.Del(receiptID)
	}
}

func clone(r *models.Receipt) *models.Receipt {
	c := *r
	return &c
}
