package ratelimit

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisPrefix namespaces limiter keys
const DefaultRedisPrefix = "clubhouse:ratelimit:"

// RedisLimiter counts requests per key in a fixed window shared across
// instances
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, cfg Config, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLimiter{client: client, cfg: cfg.withDefaults(), prefix: prefix}
}

// Allow increments key's counter and starts the window on the first hit
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := l.prefix + key

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("failed to count request: %w", err)
	}

	ttl := pttl.Val()
	// A key without expiry was just created or lost its TTL.
	if ttl < 0 {
		if err := l.client.PExpire(ctx, redisKey, l.cfg.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to start rate limit window: %w", err)
		}
		ttl = l.cfg.Window
	}

	count := int(incr.Val())
	d := Decision{
		Allowed:   count <= l.cfg.RequestsPerWindow,
		Limit:     l.cfg.RequestsPerWindow,
		Remaining: max(l.cfg.RequestsPerWindow-count, 0),
	}
	if !d.Allowed {
		d.ResetAfter = ttl
	}
	return d, nil
}

// Reset clears key's window
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
