package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	_ Records = (*MemoryStore)(nil)
	_ Purger  = (*MemoryStore)(nil)
)

// MemoryStore keeps records in process memory. Each entry carries a claim
// flag; the destructive operations win or lose on a compare-and-swap of that
// flag, and physical removal from the map happens afterwards. Unrelated keys
// only share the map lock for lookups, never the claim.
type MemoryStore struct {
	records       map[string]*entry
	mu            sync.RWMutex
	now           func() time.Time
	cleanupCancel context.CancelFunc
}

type entry struct {
	mu        sync.Mutex
	value     []byte
	expiresAt time.Time
	claimed   atomic.Bool
}

type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore starts a janitor purging expired records every
// cleanupInterval. A non-positive interval disables the janitor.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		records: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}

	if cleanupInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		store.cleanupCancel = cancel
		go store.cleanupLoop(ctx, cleanupInterval)
	}
	return store
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.records[key]; ok && s.live(e, now) {
		return ErrKeyExists
	}

	s.records[key] = &entry{
		value:     bytes.Clone(value),
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	e := s.lookup(key)
	if e == nil {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed.Load() {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (s *MemoryStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	e := s.lookup(key)
	if e == nil || !e.claimed.CompareAndSwap(false, true) {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	value := e.value
	e.value = nil
	e.mu.Unlock()

	s.remove(key, e)
	return value, nil
}

func (s *MemoryStore) MarkDeleted(ctx context.Context, key string) error {
	e := s.lookup(key)
	if e == nil || !e.claimed.CompareAndSwap(false, true) {
		return ErrNotFound
	}

	e.mu.Lock()
	e.value = nil
	e.mu.Unlock()

	s.remove(key, e)
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error {
	e := s.lookup(key)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed.Load() {
		return ErrNotFound
	}
	if !bytes.Equal(e.value, oldValue) {
		return ErrConflict
	}
	e.value = bytes.Clone(newValue)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	keys := make([]string, 0)
	for key, e := range s.records {
		if strings.HasPrefix(key, prefix) && s.live(e, now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// PurgeExpired claims and removes every expired record.
func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, e := range s.records {
		if now.Before(e.expiresAt) {
			continue
		}
		if e.claimed.CompareAndSwap(false, true) {
			purged++
		}
		delete(s.records, key)
	}
	return purged, nil
}

func (s *MemoryStore) Close() error {
	if s.cleanupCancel != nil {
		s.cleanupCancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*entry)
	return nil
}

// lookup returns the live entry for key, or nil.
func (s *MemoryStore) lookup(key string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[key]
	if !ok || !s.live(e, s.now()) {
		return nil
	}
	return e
}

func (s *MemoryStore) live(e *entry, now time.Time) bool {
	return !e.claimed.Load() && now.Before(e.expiresAt)
}

// remove deletes key only if it still maps to e; a Put may have replaced a
// claimed entry in the meantime.
func (s *MemoryStore) remove(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[key] == e {
		delete(s.records, key)
	}
}

func (s *MemoryStore) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.PurgeExpired(ctx, s.now())
		}
	}
}
