// Package ratelimit counts events per key over a sliding time window.
package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrUnavailable = errors.New("rate limiter unavailable")

// Limiter counts events per key within a sliding window.
type Limiter interface {
	// Hit records one event and returns the number of events in the
	// window, this one included.
	Hit(ctx context.Context, key string) (int, error)
	// Count returns the number of events in the window without recording.
	Count(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// Allow records an event for key and reports whether the window still holds
// at most limit events.
func Allow(ctx context.Context, l Limiter, key string, limit int) (bool, error) {
	n, err := l.Hit(ctx, key)
	if err != nil {
		return false, err
	}
	return n <= limit, nil
}

var _ Limiter = (*MemoryLimiter)(nil)

type MemoryLimiter struct {
	mu            sync.Mutex
	window        time.Duration
	events        map[string][]time.Time
	now           func() time.Time
	cleanupCancel context.CancelFunc
}

type MemoryOption func(*MemoryLimiter)

func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

// NewMemoryLimiter keeps event timestamps in process memory. A janitor
// drops idle keys once per window.
func NewMemoryLimiter(window time.Duration, opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cleanupCancel = cancel
	if window > 0 {
		go l.cleanupLoop(ctx)
	}
	return l
}

func (l *MemoryLimiter) Hit(ctx context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	events := append(l.prune(key, now), now)
	l.events[key] = events
	return len(events), nil
}

func (l *MemoryLimiter) Count(ctx context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.prune(key, l.now())), nil
}

func (l *MemoryLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.events, key)
	return nil
}

func (l *MemoryLimiter) Close() error {
	l.cleanupCancel()
	return nil
}

// prune drops events older than the window. Caller holds l.mu.
func (l *MemoryLimiter) prune(key string, now time.Time) []time.Time {
	events := l.events[key]
	cutoff := now.Add(-l.window)
	i := sort.Search(len(events), func(i int) bool {
		return events[i].After(cutoff)
	})
	if i == len(events) {
		delete(l.events, key)
		return nil
	}
	events = events[i:]
	l.events[key] = events
	return events
}

func (l *MemoryLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key := range l.events {
				l.prune(key, now)
			}
			l.mu.Unlock()
		}
	}
}
