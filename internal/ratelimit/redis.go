package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisLimiter)(nil)

// hitScript trims the window, adds the event and returns the window size in
// a single round trip.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, ARGV[3])
redis.call('PEXPIRE', key, window)
return redis.call('ZCARD', key)
`)

// RedisLimiter shares its window across every server instance using one
// sorted set per key, scored by event time in milliseconds.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		window: window,
		prefix: prefix,
		now:    time.Now,
	}
}

func (l *RedisLimiter) Hit(ctx context.Context, key string) (int, error) {
	n, err := hitScript.Run(ctx, l.client,
		[]string{l.key(key)},
		l.now().UnixMilli(), l.window.Milliseconds(), uuid.NewString(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return n, nil
}

func (l *RedisLimiter) Count(ctx context.Context, key string) (int, error) {
	from := "(" + strconv.FormatInt(l.now().Add(-l.window).UnixMilli(), 10)
	n, err := l.client.ZCount(ctx, l.key(key), from, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return int(n), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (l *RedisLimiter) key(key string) string {
	return "ratelimit:" + l.prefix + ":" + key
}
