// Package ratelimit implements sliding-window admission control per caller,
// backed by a sorted set in the shared store.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/HanTheDev/risk-scoring-gateway/internal/cache"
	"github.com/HanTheDev/risk-scoring-gateway/internal/clock"
	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
	"github.com/HanTheDev/risk-scoring-gateway/internal/metrics"
	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
)

// slidingWindow prunes, counts and conditionally inserts in one step so two
// concurrent callers can never both observe count < limit.
//
// KEYS[1] window zset
// ARGV[1] now (ms)  ARGV[2] window (ms)  ARGV[3] limit
// ARGV[4] member    ARGV[5] prune bound ("(" .. now-window)
// Returns {allowed, remaining, reset_at_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[5])
local count = redis.call('ZCARD', key)

if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset = now + window
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end
	return {0, 0, reset}
end

redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, ARGV[2])
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, limit - count - 1, tonumber(oldest[2]) + window}
`)

type Config struct {
	// Limit is the number of calls admitted per Window. Zero disables limiting.
	Limit  int
	Window time.Duration
}

// DefaultConfig is 100 calls per minute.
func DefaultConfig() Config {
	return Config{Limit: 100, Window: time.Minute}
}

type RateLimiter struct {
	remote *cache.RemoteTier
	cfg    Config
	clock  clock.Clock
	log    *logger.Logger
}

func NewRateLimiter(remote *cache.RemoteTier, cfg Config, clk clock.Clock, log *logger.Logger) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Named("ratelimit")
	}
	return &RateLimiter{remote: remote, cfg: cfg, clock: clk, log: log}
}

// Admit decides whether callerID may make another call in the current window.
// When the shared store cannot answer, the call is admitted (fail-open).
func (rl *RateLimiter) Admit(ctx context.Context, callerID string) models.AdmitDecision {
	now := rl.clock.Now()
	if rl.cfg.Limit <= 0 {
		return models.AdmitDecision{Allowed: true, Remaining: -1, ResetAt: now}
	}

	nowMs := now.UnixMilli()
	windowMs := rl.cfg.Window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := rl.remote.Eval(ctx, slidingWindow,
		[]string{Key(callerID)},
		nowMs, windowMs, rl.cfg.Limit, member, "("+strconv.FormatInt(nowMs-windowMs, 10),
	)
	if err != nil {
		return rl.failOpen(callerID, now, err)
	}

	decision, err := parseReply(res, now)
	if err != nil {
		return rl.failOpen(callerID, now, err)
	}

	if decision.Allowed {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues("rejected").Inc()
		rl.log.Debug().Str("caller", callerID).Time("reset_at", decision.ResetAt).Msg("rate limit exceeded")
	}
	return decision
}

func (rl *RateLimiter) Config() Config {
	return rl.cfg
}

// Key is the shared-store key of a caller's window.
func Key(callerID string) string {
	return cache.Key(cache.PrefixRateLimit, callerID)
}

func (rl *RateLimiter) failOpen(callerID string, now time.Time, err error) models.AdmitDecision {
	metrics.RateLimitDecisions.WithLabelValues("fail_open").Inc()
	rl.log.Warn().Err(err).Str("caller", callerID).Msg("rate limiter unavailable, admitting")
	return models.AdmitDecision{
		Allowed:   true,
		Remaining: rl.cfg.Limit - 1,
		ResetAt:   now.Add(rl.cfg.Window).UTC(),
	}
}

func parseReply(res any, now time.Time) (models.AdmitDecision, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return models.AdmitDecision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	nums := make([]int64, 3)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return models.AdmitDecision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
		}
		nums[i] = n
	}

	d := models.AdmitDecision{
		Allowed:   nums[0] == 1,
		Remaining: int(nums[1]),
		ResetAt:   time.UnixMilli(nums[2]).UTC(),
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}
