package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wavelens/gradient-sub000/internal/bootstrap"
	"github.com/wavelens/gradient-sub000/internal/config"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("failed to initialize gradient control plane: %v", err)
		os.Exit(1)
	}

	deps.Services().Run(ctx)
}
