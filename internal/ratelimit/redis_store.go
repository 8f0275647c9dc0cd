package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript is the Redis side of Apply. It runs atomically on the
// server, so concurrent callers for the same key are serialized there.
//
// KEYS[1] bucket key
// ARGV[1] limit, ARGV[2] interval ms, ARGV[3] now ms, ARGV[4] ttl ms
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil or last_refill == nil then
	tokens = limit
	last_refill = now
end

local elapsed = now - last_refill
if elapsed < 0 then
	elapsed = 0
end
if math.floor(elapsed / interval) >= 1 then
	tokens = limit
end
if tokens > limit then
	tokens = limit
end
if tokens < 0 then
	tokens = 0
end

local allowed = 0
if tokens > 0 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', key, ttl)

return {allowed, tokens}
`)

// RedisStore keeps buckets in Redis hashes ({tokens, last_refill}). Keys
// expire after twice the refill interval; an expired bucket is
// indistinguishable from a fully refilled one.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) Consume(ctx context.Context, key string, limit int64, interval time.Duration, now time.Time) (Result, error) {
	intervalMs := interval.Milliseconds()
	if intervalMs < 1 {
		intervalMs = 1
	}
	ttlMs := 2 * intervalMs

	res, err := consumeScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		limit, intervalMs, now.UnixMilli(), ttlMs).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("failed to run token bucket script: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("unexpected token bucket reply length %d", len(res))
	}

	if res[0] != 1 {
		return Result{Allowed: false, Remaining: 0}, nil
	}
	return Result{Allowed: true, Remaining: res[1]}, nil
}

// Get reads the stored bucket without consuming.
func (s *RedisStore) Get(ctx context.Context, key string) (Bucket, bool, error) {
	vals, err := s.client.HMGet(ctx, s.keyPrefix+key, "tokens", "last_refill").Result()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("failed to read bucket: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Bucket{}, false, nil
	}

	var tokens, lastRefill int64
	if _, err := fmt.Sscan(fmt.Sprint(vals[0]), &tokens); err != nil {
		return Bucket{}, false, fmt.Errorf("invalid tokens field: %w", err)
	}
	if _, err := fmt.Sscan(fmt.Sprint(vals[1]), &lastRefill); err != nil {
		return Bucket{}, false, fmt.Errorf("invalid last_refill field: %w", err)
	}
	return Bucket{Tokens: tokens, LastRefillAt: time.UnixMilli(lastRefill).UTC()}, true, nil
}
