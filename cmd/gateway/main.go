// Synapse Gateway - metered RPC commerce for autonomous agents
package main

import (
	"context"
	"os"

	"github.com/oobe-protocol/synapse-gateway/internal/config"
	"github.com/oobe-protocol/synapse-gateway/internal/logging"
	"github.com/oobe-protocol/synapse-gateway/internal/server"
	"github.com/oobe-protocol/synapse-gateway/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting synapse gateway",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"gateway", cfg.GatewayID,
		"network", cfg.Network,
	)

	ctx := context.Background()

	// OTLP trace export; no-op when the endpoint is unset
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTraces(ctx)

	// Create and run server
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
