package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type memoryBucket struct {
	tokens float64
	ts     time.Time
}

// MemoryLimiter is the single-process token bucket used when the gateway
// runs without Redis.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: map[string]*memoryBucket{}, now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	key := bucketKey(scope, subject)
	rate := bucket.perSecond()
	capacity := float64(bucket.BurstSize)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &memoryBucket{tokens: capacity, ts: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.ts).Seconds(); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*rate)
	}
	b.ts = now
	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
	}
	return Decision{RetryAfter: retryAfter(1-b.tokens, rate)}, nil
}
