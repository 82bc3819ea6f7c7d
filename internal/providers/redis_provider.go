package providers

import (
	"github.com/osvaldoandrade/contentpipe/pkg/config"

	"github.com/go-redis/redis/v8"
)

// RedisClient returns the connection shared by the lock, rate limiter and
// metrics collector. A persistence plugin that already holds a client is
// reused; otherwise one is opened only when the lock provider needs it.
// The result is nil when the gateway runs without Redis.
func RedisClient(cfg *config.Config, persisted any) (client *redis.Client, owned bool) {
	if p, ok := persisted.(interface{ Client() *redis.Client }); ok && p.Client() != nil {
		return p.Client(), false
	}
	if cfg.LockProvider != "redis" || cfg.RedisAddr == "" {
		return nil, false
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}), true
}
