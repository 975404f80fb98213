// Pulsed is the pulse-timing job daemon. It accepts mission documents over
// HTTP, optimizes them one at a time, and streams progress to WebSocket
// clients. Shutdown is handled gracefully on SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/large-farva/pulse-engine/internal/app"
	"github.com/large-farva/pulse-engine/internal/config"
	"github.com/large-farva/pulse-engine/internal/logging"
	"github.com/large-farva/pulse-engine/internal/observability"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "Path to daemon config TOML (default: built-in defaults)")
		bind       = pflag.String("bind", "", "HTTP bind address (default: server.bind)")
	)
	pflag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulsed: config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.FromEnv(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}))
	logger = logger.With(logging.String("component", "pulsed"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingFromConfig(cfg.Tracing, "pulsed"), logger)
	if err != nil {
		logger.Error(ctx, "tracing init failed", logging.Err(err))
		os.Exit(1)
	}

	a, err := app.New(app.Options{
		Logger:     logger,
		Cfg:        cfg,
		Bind:       *bind,
		ConfigPath: *configPath,
	})
	if err != nil {
		logger.Error(ctx, "app init failed", logging.Err(err))
		os.Exit(1)
	}

	runErr := a.Run(ctx)
	observability.ShutdownWithTimeout(context.Background(), shutdown, logger)
	if runErr != nil {
		logger.Error(ctx, "pulsed failed", logging.Err(runErr))
		os.Exit(1)
	}
}
