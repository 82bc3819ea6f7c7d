package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/artifacts"
	"github.com/osvaldoandrade/contentpipe/internal/environment"
	"github.com/osvaldoandrade/contentpipe/internal/invoker"
	"github.com/osvaldoandrade/contentpipe/internal/lock"
	"github.com/osvaldoandrade/contentpipe/internal/metrics"
	"github.com/osvaldoandrade/contentpipe/internal/middleware"
	"github.com/osvaldoandrade/contentpipe/internal/providers"
	"github.com/osvaldoandrade/contentpipe/internal/ratelimit"
	"github.com/osvaldoandrade/contentpipe/internal/services"
	"github.com/osvaldoandrade/contentpipe/internal/stages"
	"github.com/osvaldoandrade/contentpipe/internal/tracing"
	"github.com/osvaldoandrade/contentpipe/pkg/auth"
	"github.com/osvaldoandrade/contentpipe/pkg/config"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
	"github.com/osvaldoandrade/contentpipe/pkg/persistence"
	_ "github.com/osvaldoandrade/contentpipe/pkg/persistence/memory" // Register in-process history
	_ "github.com/osvaldoandrade/contentpipe/pkg/persistence/redis"  // Register Redis/KVRocks history

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Gateway         services.GatewayService
	Callback        services.ResultCallbackService
	Invoker         *invoker.Invoker
	Persistence     persistence.PluginPersistence
	Redis           *redis.Client
	Logger          *slog.Logger
	TZ              *time.Location
	Validator       auth.Validator
	RateLimiter     ratelimit.Limiter
	TracingShutdown func(context.Context) error

	lookup    environment.LookupFunc
	logOutput io.Writer
	ownsRedis bool
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithValidator sets a custom caller validator
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithEnvLookup replaces os.LookupEnv when snapshotting worker environments.
func WithEnvLookup(lookup environment.LookupFunc) ApplicationOption {
	return func(app *Application) error {
		app.lookup = lookup
		return nil
	}
}

// WithLogOutput redirects logs. The MCP server sends them to stderr since
// stdout carries the protocol.
func WithLogOutput(w io.Writer) ApplicationOption {
	return func(app *Application) error {
		if w == nil {
			return errors.New("log output is nil")
		}
		app.logOutput = w
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	app := &Application{Config: cfg, logOutput: os.Stdout}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}
	app.TZ = loc
	app.Logger = NewLogger(cfg, app.logOutput)
	slog.SetDefault(app.Logger)

	shutdown, err := tracing.Setup(context.Background(), cfg.Tracing, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.TracingShutdown = shutdown

	resolver, err := environment.FromConfig(cfg, app.lookup)
	if err != nil {
		return nil, err
	}
	if len(resolver.Stages()) == 0 {
		app.Logger.Warn("no stages configured; every invocation will fail with configuration_error")
	}

	store, err := persistence.NewPersistence(
		persistence.ProviderConfig{Type: cfg.Persistence.Type, Config: cfg.Persistence.RawConfig()},
		persistence.PluginConfig{Timezone: loc, HistoryLimit: cfg.HistoryLimit},
	)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}
	app.Persistence = store

	app.Redis, app.ownsRedis = providers.RedisClient(cfg, store)
	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.LockProvider == "redis" {
		if app.Redis == nil {
			return nil, errors.New("lockProvider redis requires redisAddr")
		}
		locker = lock.NewRedisLocker(app.Redis, 0, app.Logger)
	}
	if app.Redis != nil {
		app.RateLimiter = ratelimit.NewRedisLimiter(app.Redis)
	} else {
		app.RateLimiter = ratelimit.NewMemoryLimiter()
	}
	metrics.RegisterStoreCollector(store.InvocationStorage(), app.Redis, app.Logger)

	app.Invoker = invoker.New(invoker.Options{
		KillGrace:      time.Duration(cfg.KillGraceSeconds) * time.Second,
		MaxOutputBytes: cfg.MaxOutputBytes,
		Logger:         app.Logger,
	})
	cb := cfg.Callback
	callbackStages := make([]domain.Stage, 0, len(cb.Stages))
	for _, st := range cb.Stages {
		callbackStages = append(callbackStages, domain.Stage(st))
	}
	app.Callback = services.NewResultCallbackService(services.CallbackOptions{
		URL:         cb.URL,
		Secret:      cb.Secret,
		Stages:      callbackStages,
		MaxAttempts: cb.MaxAttempts,
		BaseDelay:   time.Duration(cb.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cb.MaxDelaySeconds) * time.Second,
		Limiter:     app.RateLimiter,
		Bucket:      ratelimit.Bucket{RequestsPerMinute: cb.RateLimit.RequestsPerMinute, BurstSize: cb.RateLimit.BurstSize},
		Logger:      app.Logger,
	})

	app.Gateway, err = services.NewGatewayService(services.GatewayOptions{
		Registry:   stages.Default(),
		Resolver:   resolver,
		Runner:     app.Invoker,
		Store:      artifacts.NewStore(cfg.ArtifactsDir),
		Locker:     locker,
		History:    store.InvocationStorage(),
		Callback:   app.Callback,
		MaxTimeout: time.Duration(cfg.MaxTimeoutSeconds) * time.Second,
		Logger:     app.Logger,
	})
	if err != nil {
		return nil, err
	}

	if app.Validator == nil && cfg.AuthProvider != "" {
		validator, err := auth.NewValidator(auth.ProviderConfig{
			Type:   cfg.AuthProvider,
			Config: cfg.AuthRaw(),
		})
		if err != nil {
			return nil, err
		}
		app.Validator = validator
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(cfg.Tracing.ServiceName),
		middleware.LoggerMiddleware(app.Logger),
	)
	app.Engine = engine

	app.Logger.Info("gateway ready",
		"stages", resolver.Stages(),
		"persistence", cfg.Persistence.Type,
		"lock", cfg.LockProvider,
		"auth", cfg.AuthProvider != "" || app.Validator != nil,
	)
	return app, nil
}

// NewLogger builds the process logger from logLevel and logFormat.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "contentpipe", "env", cfg.Env)
}

// CancelRunning stops every worker still in flight and returns how many
// were signalled.
func (app *Application) CancelRunning() int {
	if app.Invoker == nil {
		return 0
	}
	n := 0
	for _, w := range app.Invoker.Running() {
		if app.Invoker.Cancel(w.ID) {
			n++
		}
	}
	return n
}

// Close flushes traces and releases storage connections.
func (app *Application) Close(ctx context.Context) error {
	var errs []error
	if app.Callback != nil {
		errs = append(errs, app.Callback.Wait(ctx))
	}
	if app.TracingShutdown != nil {
		errs = append(errs, app.TracingShutdown(ctx))
	}
	if app.Persistence != nil {
		errs = append(errs, app.Persistence.Close())
	}
	if app.ownsRedis && app.Redis != nil {
		errs = append(errs, app.Redis.Close())
	}
	return errors.Join(errs...)
}
