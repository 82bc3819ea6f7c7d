package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/backoff"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultLeaseTTL = 30 * time.Second
	pollBase        = 50 * time.Millisecond
	pollMax         = 2 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares output-directory leases between gateway replicas. A
// lease is a key holding a random token; it is kept alive while held and
// removed only by the holder of that token.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (l *RedisLocker) keyFor(scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return "contentpipe:lock:" + hex.EncodeToString(sum[:])
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	rkey := l.keyFor(key)
	token := uuid.NewString()
	for attempt := 0; ; attempt++ {
		ok, err := l.rdb.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis SETNX lock: %w", err)
		}
		if ok {
			return l.newLease(key, rkey, token), nil
		}
		t := time.NewTimer(l.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (l *RedisLocker) delay(attempt int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return backoff.Delay(backoff.ExpEqualJitter, pollBase, pollMax, attempt, l.rng)
}

func (l *RedisLocker) newLease(key, rkey, token string) *redisLease {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &redisLease{locker: l, key: key, rkey: rkey, token: token, stop: cancel, done: make(chan struct{})}
	go rl.keepAlive(ctx)
	return rl
}

type redisLease struct {
	locker *RedisLocker
	key    string
	rkey   string
	token  string
	stop   context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	lost bool
	once sync.Once
	err  error
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) keepAlive(ctx context.Context) {
	defer close(r.done)
	tick := time.NewTicker(r.locker.ttl / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := extendScript.Run(ctx, r.locker.rdb, []string{r.rkey}, r.token, r.locker.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() == nil {
					r.locker.logger.Warn("lock keepalive failed", "key", r.key, "err", err)
				}
				continue
			}
			if n == 0 {
				r.mu.Lock()
				r.lost = true
				r.mu.Unlock()
				r.locker.logger.Warn("lock lease lost", "key", r.key)
				return
			}
		}
	}
}

func (r *redisLease) Release(ctx context.Context) error {
	r.once.Do(func() {
		r.stop()
		<-r.done
		n, err := releaseScript.Run(ctx, r.locker.rdb, []string{r.rkey}, r.token).Int64()
		r.mu.Lock()
		lost := r.lost
		r.mu.Unlock()
		switch {
		case err != nil:
			r.err = fmt.Errorf("redis release lock: %w", err)
		case lost || n == 0:
			r.err = ErrLost
		}
	})
	return r.err
}
