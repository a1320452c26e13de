package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var commandRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimiter counts commands per subject within a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// CommandLimiter applies the per-account budget of write commands per minute.
type CommandLimiter struct {
	limiter   RateLimiter
	perMinute int
}

// NewCommandLimiter returns nil when limiting is disabled; a nil *CommandLimiter allows everything.
func NewCommandLimiter(limiter RateLimiter, perMinute int) *CommandLimiter {
	if limiter == nil || perMinute <= 0 {
		return nil
	}
	return &CommandLimiter{limiter: limiter, perMinute: perMinute}
}

// Allow consumes one unit of account's budget. When the budget is spent it reports
// the seconds until the window resets.
func (c *CommandLimiter) Allow(ctx context.Context, account uuid.UUID) (allowed bool, retryAfterSeconds int, err error) {
	if c == nil {
		return true, 0, nil
	}
	count, retryAfter, err := c.limiter.ConsumeRateLimit(ctx, "commands", account.String(), c.perMinute, time.Minute)
	if err != nil {
		return false, 0, err
	}
	if count > c.perMinute {
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// RedisRateLimiter implements a distributed fixed-window limiter using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// ConsumeRateLimit records one command for subject and returns the count in the
// current window. A nil limiter, a non-positive limit or an empty subject disables
// limiting.
func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := commandRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}
