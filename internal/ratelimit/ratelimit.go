// Package ratelimit implements a Redis-backed token-bucket limiter for
// job admission, grounded on the teacher's redis-backed ephemeral-state
// pattern (internal/httpapi/handlers/users.go's GetCaptcha/DeleteCaptcha
// calls against a thin *redis.Client wrapper).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb    *redis.Client
	burst  int
	refill time.Duration
}

// New builds a token-bucket limiter of capacity burst, refilling one token
// every refill interval per key.
func New(rdb *redis.Client, burst int, refill time.Duration) *Limiter {
	return &Limiter{rdb: rdb, burst: burst, refill: refill}
}

// script atomically decrements the bucket, refilling tokens lazily based on
// elapsed time since the last refill timestamp, and returns 1 if the
// request is allowed.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local refill_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now_ms
end

local elapsed = now_ms - ts
if elapsed > 0 then
  local refilled = math.floor(elapsed / refill_ms)
  if refilled > 0 then
    tokens = math.min(burst, tokens + refilled)
    ts = ts + (refilled * refill_ms)
  end
end

if tokens <= 0 then
  redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
  redis.call('PEXPIRE', key, refill_ms * burst * 2)
  return 0
end

tokens = tokens - 1
redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, refill_ms * burst * 2)
return 1
`)

// Allow reports whether the caller identified by key may proceed now,
// consuming a token if so.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{fmt.Sprintf("ratelimit:%s", key)},
		l.burst, l.refill.Milliseconds(), time.Now().UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
