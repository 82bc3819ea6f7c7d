package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter shares bucket state across gateway replicas. The refill and
// spend happen in one Lua call so concurrent replicas never double-spend.
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

// KEYS[1] bucket hash; ARGV rate (tokens/ms), capacity, now (ms), ttl (ms).
// Returns {allowed, tokens*1000} so fractional state survives the int reply.
var spendScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
end

local allowed = 0
if tokens >= 1.0 then
  tokens = tokens - 1.0
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {allowed, math.floor(tokens * 1000)}
`)

func (l *RedisLimiter) Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	rate := bucket.perSecond()
	capacity := float64(bucket.BurstSize)

	res, err := spendScript.Run(ctx, l.rdb, []string{bucketKey(scope, subject)},
		strconv.FormatFloat(rate/1000.0, 'f', -1, 64),
		bucket.BurstSize,
		l.now().UnixMilli(),
		stateTTL(rate, capacity).Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	allowed, _ := vals[0].(int64)
	milli, _ := vals[1].(int64)
	tokens := float64(milli) / 1000.0

	if allowed == 1 {
		return Decision{Allowed: true, Remaining: int(tokens)}, nil
	}
	return Decision{RetryAfter: retryAfter(1-tokens, rate)}, nil
}

// stateTTL keeps idle bucket state for about two full refills.
func stateTTL(ratePerSec, capacity float64) time.Duration {
	const (
		floor   = 30 * time.Second
		ceiling = time.Hour
	)
	if ratePerSec <= 0 || capacity <= 0 {
		return 2 * time.Minute
	}
	ttl := time.Duration(math.Ceil(2*capacity/ratePerSec))*time.Second + 5*time.Second
	return min(max(ttl, floor), ceiling)
}
