package shaper

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// Bucket hashes hold four fields: tokens, rate (tokens/s), capacity and ts,
// the last refill in unix milliseconds. Milliseconds keep ts within the
// precision Redis uses when converting Lua numbers to strings.

const configureScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

local fields = redis.call("HMGET", key, "tokens", "rate", "ts")
local tokens = tonumber(fields[1])
if not tokens then
    redis.call("HSET", key, "tokens", tostring(capacity), "rate", tostring(rate),
        "capacity", tostring(capacity), "ts", tostring(now))
    return 1
end

local current = tonumber(fields[2])
local ts = tonumber(fields[3])
if now > ts then
    tokens = tokens + (now - ts) / 1000 * current
    ts = now
end
tokens = math.min(capacity, tokens)
redis.call("HSET", key, "tokens", tostring(tokens), "capacity", tostring(capacity), "ts", tostring(ts))
return 0
`

const consumeScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])

local fields = redis.call("HMGET", key, "tokens", "rate", "capacity", "ts")
local tokens = tonumber(fields[1])
if not tokens then
    return {-1}
end
local rate = tonumber(fields[2])
local capacity = tonumber(fields[3])
local ts = tonumber(fields[4])

if now > ts then
    tokens = math.min(capacity, tokens + (now - ts) / 1000 * rate)
    ts = now
end

local admitted = 0
if cost > 0 and tokens >= cost then
    tokens = tokens - cost
    admitted = 1
end
redis.call("HSET", key, "tokens", tostring(tokens), "ts", tostring(ts))
return {admitted, tostring(tokens), tostring(rate), tostring(capacity), tostring(ts)}
`

const setRateScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])

local fields = redis.call("HMGET", key, "tokens", "rate", "capacity", "ts")
local tokens = tonumber(fields[1])
if not tokens then
    return 0
end
local current = tonumber(fields[2])
local capacity = tonumber(fields[3])
local ts = tonumber(fields[4])

if now > ts then
    tokens = math.min(capacity, tokens + (now - ts) / 1000 * current)
    ts = now
end
redis.call("HSET", key, "tokens", tostring(tokens), "rate", tostring(rate), "ts", tostring(ts))
return 1
`

var (
	redisConfigure = redis.NewScript(configureScript)
	redisConsume   = redis.NewScript(consumeScript)
	redisSetRate   = redis.NewScript(setRateScript)
)

// RedisBucket keeps buckets in Redis hashes. Each operation is one Lua
// script, so refill, compare and decrement happen atomically even when
// several servers share the keyspace.
type RedisBucket struct {
	client  redis.Scripter
	prefix  string
	maxWait time.Duration
}

// NewRedisBucket stores buckets under prefix+destID.
func NewRedisBucket(client redis.Scripter, prefix string, maxWait time.Duration) *RedisBucket {
	return &RedisBucket{client: client, prefix: prefix, maxWait: maxWait}
}

func (b *RedisBucket) key(destID string) string { return b.prefix + destID }

func (b *RedisBucket) Configure(ctx context.Context, destID string, r float64, capacity int, now time.Time) error {
	err := redisConfigure.Run(ctx, b.client, []string{b.key(destID)}, now.UnixMilli(), r, capacity).Err()
	if err != nil {
		return fmt.Errorf("shaper: configure %q: %w", destID, err)
	}
	return nil
}

func (b *RedisBucket) TryConsume(ctx context.Context, destID string, cost int, now time.Time) (Decision, error) {
	admitted, st, err := b.consume(ctx, destID, cost, now)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Admitted: admitted, State: st}
	if !admitted {
		d.Wait = waitFor(float64(cost), st.TokensAvailable, st.RefillRate, b.maxWait)
	}
	return d, nil
}

func (b *RedisBucket) SetRate(ctx context.Context, destID string, r float64, now time.Time) error {
	n, err := redisSetRate.Run(ctx, b.client, []string{b.key(destID)}, now.UnixMilli(), r).Int64()
	if err != nil {
		return fmt.Errorf("shaper: set rate %q: %w", destID, err)
	}
	if n == 0 {
		return fmt.Errorf("shaper: bucket %q: %w", destID, model.ErrNotFound)
	}
	return nil
}

// State refills the bucket to now and reports it without consuming.
func (b *RedisBucket) State(ctx context.Context, destID string, now time.Time) (model.RateLimitState, error) {
	_, st, err := b.consume(ctx, destID, 0, now)
	return st, err
}

func (b *RedisBucket) consume(ctx context.Context, destID string, cost int, now time.Time) (bool, model.RateLimitState, error) {
	res, err := redisConsume.Run(ctx, b.client, []string{b.key(destID)}, now.UnixMilli(), cost).Slice()
	if err != nil {
		return false, model.RateLimitState{}, fmt.Errorf("shaper: consume %q: %w", destID, err)
	}
	if len(res) == 1 {
		return false, model.RateLimitState{}, fmt.Errorf("shaper: bucket %q: %w", destID, model.ErrNotFound)
	}
	if len(res) != 5 {
		return false, model.RateLimitState{}, fmt.Errorf("shaper: consume %q: unexpected reply of %d elements", destID, len(res))
	}
	admitted, _ := res[0].(int64)

	var vals [4]float64
	for i := range vals {
		s, ok := res[i+1].(string)
		if !ok {
			return false, model.RateLimitState{}, fmt.Errorf("shaper: consume %q: unexpected %T in reply", destID, res[i+1])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false, model.RateLimitState{}, fmt.Errorf("shaper: consume %q: %w", destID, err)
		}
		vals[i] = v
	}
	st := model.RateLimitState{
		DestinationID:   destID,
		TokensAvailable: vals[0],
		RefillRate:      vals[1],
		Capacity:        vals[2],
		LastRefill:      time.UnixMilli(int64(vals[3])).UTC(),
		CurrentRate:     vals[1],
	}
	return admitted == 1, st, nil
}

var _ Bucket = (*RedisBucket)(nil)
