package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oneshot.link/internal/logger"
)

// backends returns a constructor per Records implementation that can run
// without external services. Redis joins when REDIS_ADDR is set.
func backends(t *testing.T) map[string]func(t *testing.T) Records {
	t.Helper()

	all := map[string]func(t *testing.T) Records{
		"memory": func(t *testing.T) Records {
			return NewMemoryStore(0)
		},
		"badger": func(t *testing.T) Records {
			s, err := NewBadgerStore("", logger.Nop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Records {
			dsn := filepath.Join(t.TempDir(), "records.db")
			s, err := OpenSQLStore(context.Background(), "sqlite", dsn, "default", logger.Nop())
			require.NoError(t, err)
			return s
		},
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		all["redis"] = func(t *testing.T) Records {
			s, err := NewRedisStore(&redis.Options{Addr: addr}, "test"+t.Name())
			require.NoError(t, err)
			return s
		}
	}
	return all
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Records)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestRecords_PutGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Records) {
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "secret:a", []byte("alpha"), time.Hour))

		got, err := s.Get(ctx, "secret:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), got)

		err = s.Put(ctx, "secret:a", []byte("other"), time.Hour)
		assert.ErrorIs(t, err, ErrKeyExists)

		_, err = s.Get(ctx, "secret:missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecords_GetAndDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Records) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "secret:a", []byte("alpha"), time.Hour))

		got, err := s.GetAndDelete(ctx, "secret:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), got)

		_, err = s.GetAndDelete(ctx, "secret:a")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Get(ctx, "secret:a")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecords_GetAndDeleteConcurrent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Records) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "secret:race", []byte("payload"), time.Hour))

		const callers = 32
		var (
			wg       sync.WaitGroup
			winners  atomic.Int32
			notFound atomic.Int32
			start    = make(chan struct{})
			failures = make(chan error, callers)
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.GetAndDelete(ctx, "secret:race")
				switch {
				case err == nil:
					winners.Add(1)
				case errors.Is(err, ErrNotFound):
					notFound.Add(1)
				default:
					failures <- err
				}
			}()
		}
		close(start)
		wg.Wait()
		close(failures)

		for err := range failures {
			t.Errorf("unexpected error: %v", err)
		}
		assert.EqualValues(t, 1, winners.Load())
		assert.EqualValues(t, callers-1, notFound.Load())
	})
}

func TestRecords_MarkDeleted(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Records) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "secret:a", []byte("alpha"), time.Hour))

		require.NoError(t, s.MarkDeleted(ctx, "secret:a"))
		assert.ErrorIs(t, s.MarkDeleted(ctx, "secret:a"), ErrNotFound)

		_, err := s.GetAndDelete(ctx, "secret:a")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecords_CompareAndSwap(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Records) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "receipt:r", []byte("v1"), time.Hour))

		require.NoError(t, s.CompareAndSwap(ctx, "receipt:r", []byte("v1"), []byte("v2")))

		err := s.CompareAndSwap(ctx, "receipt:r", []byte("v1"), []byte("v3"))
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.Get(ctx, "receipt:r")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		err = s.CompareAndSwap(ctx, "receipt:missing", []byte("v1"), []byte("v2"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecords_Keys(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Records) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, OwnerKey("alice", "r2"), []byte{1}, time.Hour))
		require.NoError(t, s.Put(ctx, OwnerKey("alice", "r1"), []byte{1}, time.Hour))
		require.NoError(t, s.Put(ctx, OwnerKey("bob", "r3"), []byte{1}, time.Hour))
		require.NoError(t, s.Put(ctx, "owner:al_ce:r4", []byte{1}, time.Hour))

		keys, err := s.Keys(ctx, OwnerPrefix("alice"))
		require.NoError(t, err)
		assert.Equal(t, []string{"owner:alice:r1", "owner:alice:r2"}, keys)

		keys, err = s.Keys(ctx, OwnerPrefix("nobody"))
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}
