package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"oneshot.link/internal/logger"
)

var _ Records = (*BadgerStore)(nil)

// BadgerStore is an embedded store with native TTL. Its destructive reads
// are read+delete transactions: badger's conflict detection aborts every
// concurrent transaction that read the key after the first one committed.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a database at path. An empty path opens
// an in-memory database.
func NewBadgerStore(path string, log *logger.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			return ErrKeyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrKeyExists
	}
	return b.wrap(err)
}

func (b *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, b.wrap(err)
}

func (b *BadgerStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		if value, err = item.ValueCopy(nil); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrConflict) {
		// another transaction consumed the key first
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, b.wrap(err)
	}
	return value, nil
}

func (b *BadgerStore) MarkDeleted(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrNotFound
	}
	return b.wrap(err)
}

func (b *BadgerStore) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, oldValue) {
			return ErrConflict
		}

		e := badger.NewEntry([]byte(key), newValue)
		e.ExpiresAt = item.ExpiresAt()
		return txn.SetEntry(e)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return b.wrap(err)
}

func (b *BadgerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return keys, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, ErrKeyExists), errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return err
	default:
		return unavailable(err)
	}
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	log *logger.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Str("component", "badger").Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Str("component", "badger").Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Str("component", "badger").Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug().Str("component", "badger").Msgf(format, args...)
}
