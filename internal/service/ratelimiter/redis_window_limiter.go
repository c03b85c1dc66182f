// Package ratelimiter coordinates model-provider spend across every worker
// process through shared Redis counters.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

// Limiter admits one request carrying an estimated token cost.
type Limiter interface {
	Acquire(ctx context.Context, tokens int64) error
}

// NopLimiter admits everything; used when no caps are configured.
type NopLimiter struct{}

// Acquire always succeeds.
func (NopLimiter) Acquire(context.Context, int64) error { return nil }

// RedisWindowLimiter enforces per-minute request and token caps with two
// shared counters. A Lua script resets both counters when the window has
// rolled over and admits the request only when both fit, so concurrent
// workers can never jointly overshoot.
type RedisWindowLimiter struct {
	redis     *redis.Client
	script    *redis.Script
	name      string
	maxReq    int64
	maxTokens int64
	pollEvery time.Duration
}

// NewRedisWindowLimiter constructs a limiter named after the guarded
// provider. Caps must both be positive; callers gate on that.
func NewRedisWindowLimiter(rdb *redis.Client, name string, maxRequestsPerMin, maxTokensPerMin int) *RedisWindowLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisWindowLimiter{
		redis:     rdb,
		script:    redis.NewScript(luaWindowScript),
		name:      name,
		maxReq:    int64(maxRequestsPerMin),
		maxTokens: int64(maxTokensPerMin),
		pollEvery: time.Second,
	}
}

const luaWindowScript = `
local req_key = KEYS[1]
local tok_key = KEYS[2]
local win_key = KEYS[3]
local now = tonumber(ARGV[1])
local max_req = tonumber(ARGV[2])
local max_tok = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local win = tonumber(redis.call("GET", win_key))
if win == nil or now - win >= 60 then
  redis.call("SET", win_key, now)
  redis.call("SET", req_key, 0)
  redis.call("SET", tok_key, 0)
  win = now
end

local req = tonumber(redis.call("GET", req_key)) or 0
local tok = tonumber(redis.call("GET", tok_key)) or 0

if req + 1 <= max_req and tok + cost <= max_tok then
  redis.call("INCR", req_key)
  redis.call("INCRBY", tok_key, cost)
  return { 1, 0 }
end

return { 0, 60 - (now - win) }
`

// Acquire blocks until the current minute window has room for one request
// carrying the given token cost, or the context ends. A cost that can never
// fit is rejected outright.
func (l *RedisWindowLimiter) Acquire(ctx context.Context, tokens int64) error {
	if l == nil || l.redis == nil {
		return nil
	}
	if tokens <= 0 {
		return fmt.Errorf("%w: token cost must be positive", domain.ErrInvalidArgument)
	}
	if tokens > l.maxTokens {
		return fmt.Errorf("%w: token cost %d exceeds per-minute cap %d", domain.ErrInvalidArgument, tokens, l.maxTokens)
	}

	keys := []string{
		"rl:" + l.name + ":requests",
		"rl:" + l.name + ":tokens",
		"rl:" + l.name + ":window",
	}
	for {
		res, err := l.script.Run(ctx, l.redis, keys, time.Now().Unix(), l.maxReq, l.maxTokens, tokens).Result()
		if err != nil {
			// Fail open on substrate errors; the provider's own 429 handling
			// still backstops the quota.
			slog.Error("rate limiter script error", slog.String("limiter", l.name), slog.Any("error", err))
			return nil
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) < 2 {
			slog.Error("rate limiter unexpected script result", slog.String("limiter", l.name), slog.Any("result", res))
			return nil
		}
		if toInt64(vals[0]) == 1 {
			return nil
		}

		wait := time.Duration(toInt64(vals[1])) * time.Second
		if wait <= 0 || wait > time.Minute {
			wait = l.pollEvery
		}
		if wait > l.pollEvery {
			wait = l.pollEvery
		}
		slog.Debug("rate limiter window full, waiting",
			slog.String("limiter", l.name),
			slog.Int64("tokens", tokens),
			slog.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrRateLimited, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
