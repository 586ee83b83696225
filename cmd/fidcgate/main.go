// Package main is the entry point for fidcgate, a session-validating
// reverse proxy sitting between the authenticated web front-end and the
// downstream business services.
//
// For every inbound request on a protected route, fidcgate parses the
// bearer token, looks the session up in the shared Redis cache, verifies
// the token signature against the per-session secret, checks partner
// agreement, relationship selection, and route permissions, and rewrites
// the request to the internally-trusted header envelope before proxying.
// Failures never reach an upstream and are rendered with a stable error
// taxonomy. Observability: Prometheus metrics, health checks, structured
// logging, OpenTelemetry tracing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fidcgate/fidcgate/internal/config"
	"github.com/fidcgate/fidcgate/internal/observability"
	"github.com/fidcgate/fidcgate/internal/redis"
	"github.com/fidcgate/fidcgate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("fidcgate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger and route go-redis logs through it.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	redis.InitLogger(logger)
	logger.Info("starting fidcgate", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload of routes, validation,
	// and breaker thresholds.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("fidcgate shut down gracefully")
}
