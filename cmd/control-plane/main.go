// Command control-plane runs the fleet control plane: it accepts endpoint
// agent WebSocket connections, evaluates detection rules, correlates
// cross-agent alerts, and serves the operator REST API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/config"
	"github.com/sentryctl/fleet/internal/controlplane/server"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file (optional; env vars and defaults apply regardless)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize control plane", zap.Error(err))
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Error("control plane exited with error", zap.Error(err))
		os.Exit(1)
	}
}
