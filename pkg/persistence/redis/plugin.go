// Package redis keeps invocation history in Redis or KVRocks.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/repository"
	"github.com/osvaldoandrade/contentpipe/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Config is the plugin's JSON config. Timeouts are milliseconds; zero keeps
// the go-redis defaults.
type Config struct {
	Addr           string `json:"addr"`
	Password       string `json:"password,omitempty"`
	DB             int    `json:"db,omitempty"`
	PoolSize       int    `json:"poolSize,omitempty"`
	DialTimeoutMs  int    `json:"dialTimeoutMs,omitempty"`
	ReadTimeoutMs  int    `json:"readTimeoutMs,omitempty"`
	WriteTimeoutMs int    `json:"writeTimeoutMs,omitempty"`
}

func (c Config) options() (*redis.Options, error) {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		return nil, errors.New("redis persistence: addr is required")
	}
	if c.DB < 0 || c.PoolSize < 0 || c.DialTimeoutMs < 0 || c.ReadTimeoutMs < 0 || c.WriteTimeoutMs < 0 {
		return nil, errors.New("redis persistence: db, poolSize and timeouts must not be negative")
	}
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return &redis.Options{
		Addr:         addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  ms(c.DialTimeoutMs),
		ReadTimeout:  ms(c.ReadTimeoutMs),
		WriteTimeout: ms(c.WriteTimeoutMs),
	}, nil
}

// Plugin serves history from one client. The same client backs the lock,
// rate limiter and gauge collector through Client.
type Plugin struct {
	client *redis.Client
	repo   repository.InvocationRepository
}

func NewPlugin(pc persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if err := json.Unmarshal(pc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("redis persistence: %w", err)
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return &Plugin{
		client: client,
		repo:   repository.NewInvocationRepository(client, pc.Timezone, pc.HistoryLimit),
	}, nil
}

func (p *Plugin) InvocationStorage() persistence.InvocationStorage { return p.repo }

func (p *Plugin) Client() *redis.Client { return p.client }

func (p *Plugin) Health(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (p *Plugin) Close() error { return p.client.Close() }

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
	persistence.RegisterProvider("kvrocks", NewPlugin)
}
