// Package ratelimit throttles write requests per client with a token bucket
// kept in Redis, so every API replica spends from the same bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of spending one token.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of tokens left after this request.
	Remaining int64
	// RetryAfter is how long until the next token is available. Zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket refills capacity tokens at a fixed rate per key.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket. Idle keys expire after ttl.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Capacity is the burst size of every bucket.
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Take spends one token from the bucket stored under key.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	reply, err := takeScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, reply)
	}

	d := Decision{Allowed: reply[0] == 1, Remaining: reply[1]}
	if !d.Allowed {
		switch wait := reply[2]; {
		case wait < 0:
			// No refill configured: the key only frees up when it expires.
			d.RetryAfter = b.ttl
		default:
			d.RetryAfter = time.Duration(wait) * time.Millisecond
		}
	}
	return d, nil
}

// takeScript returns {allowed, floor(tokens left), ms until next token or -1}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'updated_ms')
local tokens = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now

if now > updated then
  tokens = math.min(capacity, tokens + (now - updated) * rate / 1000)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif rate > 0 then
  wait = math.ceil((1 - tokens) * 1000 / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'updated_ms', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, math.floor(tokens), wait}
`)
