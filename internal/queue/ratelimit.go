package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

const defaultPrefix = "streamchat:"

// RateLimiter counts requests per client in fixed hourly windows.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	prefix string
}

// NewRateLimiter returns a limiter allowing limit requests per client per
// hour. A limit <= 0 disables it.
func NewRateLimiter(rdb *redis.Client, limit int64, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RateLimiter{redis: rdb, limit: limit, prefix: prefix}
}

func (r *RateLimiter) Allow(ctx context.Context, client string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r == nil || r.redis == nil || r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%sratelimit:%s:%s", r.prefix, client, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// IdempotencyGuard remembers request keys so a retried request is applied
// once.
type IdempotencyGuard struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

func NewIdempotencyGuard(rdb *redis.Client, ttl time.Duration, prefix string) *IdempotencyGuard {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &IdempotencyGuard{redis: rdb, ttl: ttl, prefix: prefix}
}

func (g *IdempotencyGuard) key(scope, requestKey string) string {
	return g.prefix + "idempotency:" + scope + ":" + requestKey
}

// MarkFirst reports whether requestKey is new within scope.
func (g *IdempotencyGuard) MarkFirst(ctx context.Context, scope, requestKey string) (bool, error) {
	if g == nil || g.redis == nil {
		return true, nil
	}
	ok, err := g.redis.SetNX(ctx, g.key(scope, requestKey), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Forget releases requestKey so the request can be retried after a failure.
func (g *IdempotencyGuard) Forget(ctx context.Context, scope, requestKey string) error {
	if g == nil || g.redis == nil {
		return nil
	}
	if err := g.redis.Del(ctx, g.key(scope, requestKey)).Err(); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}
