package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"gridtrader/internal/config"
	"gridtrader/internal/logging"
	"gridtrader/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("ERROR").Fatal("configuration invalid", "error", err)
	}

	level := cfg.LogLevel
	if cfg.DebugMode {
		level = "DEBUG"
	}
	logger := logging.New(level)
	defer logger.Sync()

	logger.Info("starting grid trader", "config", cfg.String())

	sched, err := scheduler.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the environment and applies the new configuration
	// without interrupting trading.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			logger.Info("SIGHUP received, reloading configuration")
			sched.Reload()
		}
	}()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("trader exited with error", "error", err)
		os.Exit(1)
	}
}
