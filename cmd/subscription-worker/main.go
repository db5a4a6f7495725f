package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"pesatrack/internal/config"
	"pesatrack/internal/log"
	"pesatrack/internal/services"
	"pesatrack/internal/storage"
	"pesatrack/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{Component: log.ComponentWorker})
	logger.Info("starting subscription-worker", log.FieldOperation, log.OpStartup)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DataBackend, cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("failed to open storage", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer store.Close()

	engine := services.NewEngine(store, cfg.EngineConfig(), logger)
	sweeper := worker.NewSweeper(engine, cfg.SweepInterval, logger)

	logger.Info("subscription sweep configured",
		"interval", cfg.SweepInterval,
		"backend", cfg.DataBackend)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweeper stopped", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("subscription-worker shutdown complete", log.FieldOperation, log.OpShutdown)
}
