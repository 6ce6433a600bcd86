package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"report-scheduler/internal/errs"
)

const keyPrefix = "reports:ratelimit:"

// TokenBucket is a per-owner bucket shared by every front door instance through
// Redis. Idle buckets expire after ttl.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow spends one token from key's bucket. It also returns the tokens left.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	args := []any{b.capacity, strconv.FormatFloat(b.refill, 'f', -1, 64), b.now().UnixMilli(), b.ttl.Milliseconds()}
	res, err := spendScript.Run(ctx, b.client, []string{keyPrefix + key}, args...).Slice()
	if err != nil {
		return false, 0, errs.Wrapf(err, "spend token for %s", key)
	}
	if len(res) != 2 {
		return false, 0, errs.Newf("token bucket: unexpected reply %v", res)
	}
	granted, _ := res[0].(int64)
	left, err := strconv.ParseFloat(toString(res[1]), 64)
	if err != nil {
		return false, 0, errs.Wrap(err, "token bucket: parse remaining tokens")
	}
	return granted == 1, left, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

// Remaining tokens travel back as a string so fractions survive the Lua to
// Redis integer conversion.
var spendScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * refill / 1000)
end

local granted = 0
if tokens >= 1 then
  tokens = tokens - 1
  granted = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {granted, tostring(tokens)}
`)
