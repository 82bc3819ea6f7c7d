// Command contentpipe-mcp serves the pipeline tools to an MCP client over
// stdio. Stdout carries the protocol, so every log line goes to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/mcpserver"
	"github.com/osvaldoandrade/contentpipe/pkg/app"
	_ "github.com/osvaldoandrade/contentpipe/pkg/auth/jwks"   // config files shared with the
	_ "github.com/osvaldoandrade/contentpipe/pkg/auth/static" // HTTP gateway may name a provider
	"github.com/osvaldoandrade/contentpipe/pkg/config"
)

var version = "dev"

func main() {
	if err := run(os.Getenv("CONTENTPIPE_CONFIG_PATH")); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.LoadConfigOptional(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	application, err := app.NewApplication(cfg, app.WithLogOutput(os.Stderr))
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	serveErr := mcpserver.New(application.Gateway, version, application.Logger).ServeStdio()

	// The client hung up; nothing is left to receive worker results.
	application.CancelRunning()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serveErr != nil {
		serveErr = fmt.Errorf("mcp server: %w", serveErr)
	}
	return errors.Join(serveErr, application.Close(ctx))
}
