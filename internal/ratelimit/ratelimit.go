// Package ratelimit implements the composable token-bucket rate-limit
// stack: system -> provider -> config, acquired atomically via a
// server-side Lua script, with fail-open semantics on store error —
// deliberately the opposite of hotstate's fail-closed breaker, because
// rate limits are cost/courtesy caps, not correctness-critical state.
//
// Grounded on and generalizing internal/rate.Limiter, which packed a single
// token bucket into one Redis string; this module chains N such buckets
// and evaluates them in one round trip.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-gateway/internal/domain"
)

// Bucket identifies one link in the chain: (key, tokensPerSecond, burst).
type Bucket struct {
	Key             string
	TokensPerSecond float64
	BurstCapacity   float64
}

// ModuleDefaults is the static table of per-module default rates, codified
// at compile time rather than left to ad-hoc JSON rate-limit config.
var ModuleDefaults = map[string]float64{
	"ses":     14,
	"resend":  100,
	"telnyx":  15,
	"webhook": 20,
}

// ResolveRate picks the effective rate for a send-config in descending
// preference: explicit requestsPerSecond -> deprecated perSecond -> module
// default table.
func ResolveRate(override domain.RateLimitOverride, provider string) float64 {
	if override.RequestsPerSecond != nil {
		return float64(*override.RequestsPerSecond)
	}
	if override.PerSecond != nil {
		return float64(*override.PerSecond)
	}
	if rate, ok := ModuleDefaults[provider]; ok {
		return rate
	}
	return 20
}

func BurstFor(rate float64) float64 {
	b := 2 * rate
	if b < 1000 {
		b = 1000
	}
	return b
}

// Result is the outcome of an Acquire call.
type Result struct {
	Allowed       bool
	LimitingKey   string
	WaitMs        int64
}

type Limiter struct {
	redis  *redis.Client
	logger *zap.Logger
	script *redis.Script
}

func New(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{redis: client, logger: logger, script: redis.NewScript(acquireScript)}
}

// acquireScript evaluates the full bucket chain: refill every bucket, and
// only if every bucket has >= 1 token does it consume 1 token from each
// (two-pass, so a blocked acquire never partially drains the chain).
const acquireScript = `
local now = tonumber(ARGV[1])
local nBuckets = tonumber(ARGV[2])

local tokens = {}
local rates = {}
local bursts = {}
local limitingIdx = -1
local minWait = -1

for i = 1, nBuckets do
  local key = KEYS[i]
  local rate = tonumber(ARGV[2 + (i-1)*2 + 1])
  local burst = tonumber(ARGV[2 + (i-1)*2 + 2])
  rates[i] = rate
  bursts[i] = burst

  local raw = redis.call('HMGET', key, 'tokens', 'lastUpdate')
  local t = tonumber(raw[1])
  local last = tonumber(raw[2])
  if not t then
    t = burst
    last = now
  end

  local elapsed = (now - last) / 1000.0
  if elapsed < 0 then elapsed = 0 end
  t = math.min(t + elapsed * rate, burst)
  tokens[i] = t

  if t < 1 then
    local wait = math.floor((1 - t) / rate * 1000)
    if limitingIdx == -1 or wait < minWait then
      limitingIdx = i
      minWait = wait
    end
  end
end

if limitingIdx ~= -1 then
  -- refresh stored refill state even when blocked, so elapsed-time math
  -- stays correct on the next attempt, but do not consume.
  for i = 1, nBuckets do
    redis.call('HSET', KEYS[i], 'tokens', tokens[i], 'lastUpdate', now)
  end
  return {0, limitingIdx, minWait}
end

for i = 1, nBuckets do
  tokens[i] = tokens[i] - 1
  redis.call('HSET', KEYS[i], 'tokens', tokens[i], 'lastUpdate', now)
end
return {1, 0, 0}
`

// Acquire evaluates the chain once (no internal retry loop) and returns
// whether a token was consumed from every bucket. On Redis error it fails
// open — deliberately the opposite of hot-state's fail-closed breaker.
func (l *Limiter) Acquire(ctx context.Context, chain []Bucket) Result {
	if len(chain) == 0 {
		return Result{Allowed: true}
	}

	keys := make([]string, len(chain))
	args := make([]interface{}, 0, 2+len(chain)*2)
	now := time.Now().UnixMilli()
	args = append(args, now, len(chain))
	for i, b := range chain {
		keys[i] = b.Key
		args = append(args, b.TokensPerSecond, b.BurstCapacity)
	}

	res, err := l.script.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		l.logger.Warn("rate limit store error, failing open", zap.Error(err))
		return Result{Allowed: true}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{Allowed: true}
	}
	allowed, _ := vals[0].(int64)
	limitIdx, _ := vals[1].(int64)
	waitMs, _ := vals[2].(int64)

	if allowed == 1 {
		return Result{Allowed: true}
	}
	var limitingKey string
	if limitIdx >= 1 && int(limitIdx) <= len(chain) {
		limitingKey = chain[limitIdx-1].Key
	}
	return Result{Allowed: false, LimitingKey: limitingKey, WaitMs: waitMs}
}

// AcquireWithTimeout retries Acquire, sleeping min(waitMs, remaining) plus
// 0-10ms jitter, until the overall timeout elapses.
func (l *Limiter) AcquireWithTimeout(ctx context.Context, chain []Bucket, timeout time.Duration) Result {
	deadline := time.Now().Add(timeout)
	for {
		res := l.Acquire(ctx, chain)
		if res.Allowed {
			return res
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Allowed: false, LimitingKey: "system", WaitMs: 0}
		}

		wait := time.Duration(res.WaitMs) * time.Millisecond
		if wait > remaining {
			wait = remaining
		}
		jitter := time.Duration(rand.Intn(10)) * time.Millisecond
		sleep := wait + jitter
		if sleep <= 0 {
			sleep = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return Result{Allowed: false, LimitingKey: "system", WaitMs: 0}
		case <-time.After(sleep):
		}
	}
}

// Chain key helpers (hot-state key layout).
func SystemKey() string                 { return "rl:system:bucket" }
func ManagedKey(provider string) string { return fmt.Sprintf("rl:managed:%s:bucket", provider) }
func ConfigKey(sendConfigID string) string {
	return fmt.Sprintf("rl:cfg:%s:bucket", sendConfigID)
}

// BuildChain composes the bucket chain for a send-config: managed mode
// chains {system, provider, config}; BYOK/webhook mode chains {system,
// config} with no shared provider bucket.
func BuildChain(cfg domain.EmbeddedSendConfig, systemRate, systemBurst float64) []Bucket {
	rate := ResolveRate(cfg.RateLimit, cfg.Provider)
	burst := BurstFor(rate)

	chain := []Bucket{{Key: SystemKey(), TokensPerSecond: systemRate, BurstCapacity: systemBurst}}

	if cfg.Managed && cfg.Provider != "" {
		provRate := ModuleDefaults[cfg.Provider]
		if provRate == 0 {
			provRate = rate
		}
		chain = append(chain, Bucket{
			Key:             ManagedKey(cfg.Provider),
			TokensPerSecond: provRate,
			BurstCapacity:   BurstFor(provRate),
		})
	}

	chain = append(chain, Bucket{Key: ConfigKey(cfg.ID), TokensPerSecond: rate, BurstCapacity: burst})
	return chain
}
