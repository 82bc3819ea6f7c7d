// Command server runs the pipeline gateway over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/app"
	_ "github.com/osvaldoandrade/contentpipe/pkg/auth/jwks"   // jwks provider
	_ "github.com/osvaldoandrade/contentpipe/pkg/auth/static" // static token provider
	"github.com/osvaldoandrade/contentpipe/pkg/config"

	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Getenv("CONTENTPIPE_CONFIG_PATH")); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.LoadConfigOptional(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	app.SetupMappings(application)
	log := application.Logger

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           application.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", "addr", srv.Addr, "stages", cfg.StageNames())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Workers get their kill grace; in-flight handlers return once they exit.
		if n := application.CancelRunning(); n > 0 {
			log.Warn("canceled running workers", "count", n)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.KillGraceSeconds+10)*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), application.Close(shutdownCtx))
	})
	err = g.Wait()
	log.Info("gateway stopped", "err", err)
	return err
}
