package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	now := time.Unix(1700000000, 0)
	lim := NewRedisLimiter(rdb)
	lim.now = func() time.Time { return now }
	return lim, mr, &now
}

func TestLimiters(t *testing.T) {
	ctx := context.Background()
	impls := map[string]func(t *testing.T) (Limiter, *time.Time){
		"redis": func(t *testing.T) (Limiter, *time.Time) {
			lim, _, now := newRedisLimiter(t)
			return lim, now
		},
		"memory": func(t *testing.T) (Limiter, *time.Time) {
			now := time.Unix(1700000000, 0)
			lim := NewMemoryLimiter()
			lim.now = func() time.Time { return now }
			return lim, &now
		},
	}
	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			t.Run("disabled bucket allows", func(t *testing.T) {
				lim, _ := mk(t)
				dec, err := lim.Allow(ctx, "invoke:crawl", "user-1", Bucket{})
				if err != nil || !dec.Allowed {
					t.Fatalf("dec=%+v err=%v", dec, err)
				}
			})

			t.Run("burst then refill", func(t *testing.T) {
				lim, now := mk(t)
				bucket := Bucket{RequestsPerMinute: 60, BurstSize: 2}

				dec, _ := lim.Allow(ctx, "invoke:crawl", "a", bucket)
				if !dec.Allowed || dec.Remaining != 1 {
					t.Fatalf("first call = %+v", dec)
				}
				dec, _ = lim.Allow(ctx, "invoke:crawl", "a", bucket)
				if !dec.Allowed || dec.Remaining != 0 {
					t.Fatalf("second call = %+v", dec)
				}
				dec, err := lim.Allow(ctx, "invoke:crawl", "a", bucket)
				if err != nil {
					t.Fatal(err)
				}
				if dec.Allowed || dec.RetryAfter != time.Second {
					t.Fatalf("expected denial with 1s retry, got %+v", dec)
				}
				if dec, _ := lim.Allow(ctx, "invoke:crawl", "b", bucket); !dec.Allowed {
					t.Fatal("other subject should have its own bucket")
				}
				if dec, _ := lim.Allow(ctx, "invoke:audit", "a", bucket); !dec.Allowed {
					t.Fatal("other tool should have its own bucket")
				}

				*now = now.Add(1500 * time.Millisecond)
				if dec, _ := lim.Allow(ctx, "invoke:crawl", "a", bucket); !dec.Allowed {
					t.Fatalf("bucket should refill, got %+v", dec)
				}
			})

			t.Run("slow bucket waits longer", func(t *testing.T) {
				lim, _ := mk(t)
				bucket := Bucket{RequestsPerMinute: 6, BurstSize: 1}
				_, _ = lim.Allow(ctx, "invoke:publish", "a", bucket)
				dec, _ := lim.Allow(ctx, "invoke:publish", "a", bucket)
				if dec.Allowed || dec.RetryAfter != 10*time.Second {
					t.Fatalf("expected 10s retry, got %+v", dec)
				}
			})
		})
	}
}

func TestRedisLimiterKeysNeverHoldSubject(t *testing.T) {
	lim, mr, _ := newRedisLimiter(t)
	bucket := Bucket{RequestsPerMinute: 60, BurstSize: 1}

	if _, err := lim.Allow(context.Background(), "invoke:publish", "secret-token", bucket); err != nil {
		t.Fatalf("allow: %v", err)
	}
	sum := sha256.Sum256([]byte("secret-token"))
	key := "contentpipe:rl:invoke:publish:" + hex.EncodeToString(sum[:])
	if !mr.Exists(key) {
		t.Fatalf("expected bucket key %s, have %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("bucket state should expire, ttl=%v", ttl)
	}
	for _, k := range mr.Keys() {
		if strings.Contains(k, "secret-token") {
			t.Fatalf("raw subject leaked into key %s", k)
		}
	}
}

func TestStateTTL(t *testing.T) {
	cases := []struct {
		rate, capacity float64
		want           time.Duration
	}{
		{0, 5, 2 * time.Minute},
		{10, 1, 30 * time.Second},
		{1, 100, 205 * time.Second},
		{0.01, 1000, time.Hour},
	}
	for _, c := range cases {
		if got := stateTTL(c.rate, c.capacity); got != c.want {
			t.Errorf("stateTTL(%v, %v) = %v, want %v", c.rate, c.capacity, got, c.want)
		}
	}
}
