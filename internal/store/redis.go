package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Records = (*RedisStore)(nil)

const casAttempts = 3

type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server. namespace prefixes every key
// so several partitions can share one database.
func NewRedisStore(options *redis.Options, namespace string) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &RedisStore{client: client, prefix: namespacePrefix(namespace)}, nil
}

// Client exposes the underlying connection so other components (rate
// limiting) can share it.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return data, nil
}

// GetAndDelete relies on GETDEL, which redis executes atomically.
func (r *RedisStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.GetDel(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return data, nil
}

func (r *RedisStore) MarkDeleted(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error {
	key = r.key(key)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		if !bytes.Equal(current, oldValue) {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newValue, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < casAttempts; i++ {
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
			return err
		default:
			return unavailable(err)
		}
	}

	// the watched key kept changing under us
	return ErrConflict
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, escapeGlob(r.key(prefix))+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Helpers

func (r *RedisStore) key(key string) string {
	return r.prefix + key
}

func namespacePrefix(namespace string) string {
	if namespace == "" {
		return ""
	}
	return namespace + ":"
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
