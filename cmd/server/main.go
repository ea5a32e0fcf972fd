// Command server runs the paylink invoice coordinator.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mbd888/paylink/internal/config"
	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/internal/server"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("paylink exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting paylink",
		"version", version,
		"commit", commit,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"escrow_contract", cfg.EscrowContract,
		"token_contract", cfg.TokenContract,
		"read_only", !cfg.HasSession(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	return srv.Run(context.Background())
}
