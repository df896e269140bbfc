// Velora - escrowed payments and session ledger for creator platforms
package main

import (
	"context"
	"os"

	"github.com/velora-app/velora/internal/config"
	"github.com/velora-app/velora/internal/logging"
	"github.com/velora-app/velora/internal/server"
	"github.com/velora-app/velora/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting velora",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"auto_release_hours", cfg.AutoReleaseHours,
		"manual_release_only", cfg.ManualReleaseOnly,
	)

	ctx := context.Background()

	// Tracing is a no-op unless an OTLP endpoint is configured
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdownTraces(context.Background()) }()
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
