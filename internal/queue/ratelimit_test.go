package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newRedis(t)

	rl := NewRateLimiter(rdb, 2, "test:")
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), "10.0.0.1", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "10.0.0.1", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := rl.Allow(context.Background(), "10.0.0.1", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected reset time %v", resetAt)
	}

	allowed, _, _, err = rl.Allow(context.Background(), "10.0.0.2", now)
	if err != nil || !allowed {
		t.Fatalf("other client must have its own window, allowed=%v err=%v", allowed, err)
	}
}

func TestRateLimiterNewWindow(t *testing.T) {
	_, rdb := newRedis(t)
	rl := NewRateLimiter(rdb, 1, "")
	now := time.Date(2026, 2, 13, 10, 59, 0, 0, time.UTC)

	if ok, _, _, _ := rl.Allow(context.Background(), "c", now); !ok {
		t.Fatalf("first call denied")
	}
	if ok, _, _, _ := rl.Allow(context.Background(), "c", now); ok {
		t.Fatalf("second call in window allowed")
	}
	if ok, _, _, _ := rl.Allow(context.Background(), "c", now.Add(2*time.Minute)); !ok {
		t.Fatalf("call in next window denied")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(nil, 0, "")
	for i := 0; i < 5; i++ {
		ok, _, _, err := rl.Allow(context.Background(), "c", time.Now())
		if err != nil || !ok {
			t.Fatalf("disabled limiter denied call %d: %v", i, err)
		}
	}
}

func TestIdempotencyGuard(t *testing.T) {
	mr, rdb := newRedis(t)
	g := NewIdempotencyGuard(rdb, time.Minute, "test:")
	ctx := context.Background()

	first, err := g.MarkFirst(ctx, "c1", "key-1")
	if err != nil || !first {
		t.Fatalf("expected first mark, got %v %v", first, err)
	}
	again, err := g.MarkFirst(ctx, "c1", "key-1")
	if err != nil || again {
		t.Fatalf("expected duplicate, got %v %v", again, err)
	}
	other, err := g.MarkFirst(ctx, "c2", "key-1")
	if err != nil || !other {
		t.Fatalf("scopes must be independent, got %v %v", other, err)
	}

	if err := g.Forget(ctx, "c1", "key-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if ok, _ := g.MarkFirst(ctx, "c1", "key-1"); !ok {
		t.Fatalf("expected key to be reusable after forget")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := g.MarkFirst(ctx, "c2", "key-1"); !ok {
		t.Fatalf("expected key to expire")
	}
}
