//go:generate mockgen -source=store.go -destination=../mock/records_mock.go -package=mock

package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrKeyExists        = errors.New("record already exists")
	ErrConflict         = errors.New("record changed concurrently")
	ErrUnavailable      = errors.New("store unavailable")
	ErrUnknownPartition = errors.New("unknown partition")
)

// Records is an expiring key-value store. GetAndDelete and MarkDeleted are
// the only destructive reads and must be atomic per key: among concurrent
// callers for the same key exactly one succeeds and the rest get ErrNotFound.
type Records interface {
	// Put creates key if absent (or expired). It returns ErrKeyExists otherwise.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get is a non-destructive read.
	Get(ctx context.Context, key string) ([]byte, error)
	GetAndDelete(ctx context.Context, key string) ([]byte, error)
	MarkDeleted(ctx context.Context, key string) error
	// CompareAndSwap replaces the value of key if it still equals oldValue,
	// keeping the remaining TTL. It returns ErrConflict on mismatch.
	CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error
	// Keys lists live keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Purger is implemented by stores that do not evict expired records on
// their own.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

func SecretKey(id string) string {
	return "secret:" + id
}

func ReceiptKey(id string) string {
	return "receipt:" + id
}

func OwnerPrefix(owner string) string {
	return "owner:" + owner + ":"
}

func OwnerKey(owner, receiptID string) string {
	return OwnerPrefix(owner) + receiptID
}

const ReceiptPrefix = "receipt:"
