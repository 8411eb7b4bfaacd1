// Package ratelimit provides fixed-window request counters for the HTTP
// rate limit middleware: a Redis store shared across instances and an
// in-process store for local runs.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"billingrelay/internal/core"
)

const keyPrefix = "ratelimit:"

// fixedWindowScript increments the counter and starts the window on first
// use. It returns {count, remaining window in ms}.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisStore implements core.RateLimitStore on Redis. The increment and the
// window start run atomically in one script.
type RedisStore struct {
	client redis.Scripter
	now    func() time.Time
}

// NewRedisStore creates a store over any client able to run scripts
// (*redis.Client, *redis.ClusterClient).
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// IncrementAndCheck implements core.RateLimitStore.
func (s *RedisStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	vals, err := fixedWindowScript.Run(ctx, s.client, []string{keyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return core.RateLimitResult{}, fmt.Errorf("rate limit script for %s: %w", key, err)
	}
	if len(vals) != 2 {
		return core.RateLimitResult{}, fmt.Errorf("rate limit script for %s: unexpected reply length %d", key, len(vals))
	}

	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	return windowResult(count, limit, s.now().Add(ttl)), nil
}

func windowResult(count, limit int, resetAt time.Time) core.RateLimitResult {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return core.RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// ErrRedisUnavailable wraps a failed connectivity check.
var ErrRedisUnavailable = errors.New("redis unavailable")

// Connect parses a redis:// URL and verifies the server answers PING.
func Connect(ctx context.Context, url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrRedisUnavailable, err)
	}
	return client, nil
}

// HealthProbe reports Redis reachability on /health.
type HealthProbe struct {
	client redis.UniversalClient
}

// NewHealthProbe wraps a client for health checks.
func NewHealthProbe(client redis.UniversalClient) *HealthProbe {
	return &HealthProbe{client: client}
}

func (p *HealthProbe) Name() string { return "rate_limit_store" }

func (p *HealthProbe) Check(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return errors.Join(ErrRedisUnavailable, err)
	}
	return nil
}
