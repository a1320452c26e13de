package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisRateLimiter_CountsWithinWindow(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "ledger:rate_limit:")
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		count, retryAfter, err := limiter.ConsumeRateLimit(ctx, "commands", "acct-1", 5, time.Minute)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if count != want || retryAfter < 1 || retryAfter > 60 {
			t.Fatalf("call %d: count=%d retryAfter=%d", want, count, retryAfter)
		}
	}
	if !mr.Exists("ledger:rate_limit:commands:acct-1") {
		t.Fatalf("expected counter key, have %v", mr.Keys())
	}

	mr.FastForward(time.Minute + time.Second)
	count, _, err := limiter.ConsumeRateLimit(ctx, "commands", "acct-1", 5, time.Minute)
	if err != nil || count != 1 {
		t.Fatalf("expected a fresh window, got count=%d err=%v", count, err)
	}
}

func TestRedisRateLimiter_DisabledInputs(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "")
	ctx := context.Background()

	var nilLimiter *RedisRateLimiter
	cases := []func() (int, int, error){
		func() (int, int, error) { return nilLimiter.ConsumeRateLimit(ctx, "commands", "a", 1, time.Minute) },
		func() (int, int, error) { return limiter.ConsumeRateLimit(ctx, "commands", "a", 0, time.Minute) },
		func() (int, int, error) { return limiter.ConsumeRateLimit(ctx, "commands", " ", 1, time.Minute) },
	}
	for i, run := range cases {
		count, retryAfter, err := run()
		if count != 0 || retryAfter != 0 || err != nil {
			t.Fatalf("case %d: expected a no-op, got %d %d %v", i, count, retryAfter, err)
		}
	}
}

func TestCommandLimiter_Allow(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewCommandLimiter(NewRedisRateLimiter(client, "ledger:rate_limit"), 2)
	ctx := context.Background()
	account, other := uuid.New(), uuid.New()

	for i := 0; i < 2; i++ {
		if allowed, _, err := limiter.Allow(ctx, account); err != nil || !allowed {
			t.Fatalf("command %d should be allowed: %v", i+1, err)
		}
	}
	allowed, retryAfter, err := limiter.Allow(ctx, account)
	if err != nil || allowed || retryAfter < 1 {
		t.Fatalf("third command must be limited, got allowed=%v retryAfter=%d err=%v", allowed, retryAfter, err)
	}
	if allowed, _, _ := limiter.Allow(ctx, other); !allowed {
		t.Fatal("budgets are per account")
	}
}

func TestCommandLimiter_DisabledAllowsEverything(t *testing.T) {
	limiter := NewCommandLimiter(nil, 10)
	if limiter != nil {
		t.Fatal("expected a nil limiter when no backend is configured")
	}
	if allowed, _, err := limiter.Allow(context.Background(), uuid.New()); !allowed || err != nil {
		t.Fatalf("nil limiter must allow, got %v %v", allowed, err)
	}
}
