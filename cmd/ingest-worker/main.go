package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pesatrack/internal/amqp"
	"pesatrack/internal/config"
	"pesatrack/internal/log"
	"pesatrack/internal/services"
	"pesatrack/internal/sheets"
	gsheet "pesatrack/internal/sheets/google"
	"pesatrack/internal/storage"
	"pesatrack/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{Component: log.ComponentWorker})
	logger.Info("starting ingest-worker", log.FieldOperation, log.OpStartup)

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

	// Statement export is optional; without a spreadsheet the worker
	// only updates local state.
	var sheet sheets.StatementWriter
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.New(context.Background(), gsheet.Options{
			SpreadsheetID:      cfg.GoogleSpreadsheetID,
			SheetName:          cfg.GoogleSheetName,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
			ServiceAccountFile: cfg.GoogleServiceAccountFile,
		})
		if err != nil {
			logger.Error("failed to initialize sheets client", log.FieldError, err)
			os.Exit(1)
		}
		sheet = client
		logger.Info("statement export enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		logger.Info("statement export disabled, no spreadsheet configured")
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	ingest := worker.NewIngestWorker(engine, sheet, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := amqpClient.ConsumeBatches(ctx, func(batch *amqp.RawMessageBatch) error {
			return ingest.HandleBatch(ctx, batch)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("batch consumption failed", log.FieldError, err)
		}
		cancel()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", log.FieldOperation, log.OpShutdown, "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled", log.FieldOperation, log.OpShutdown)
	}

	cancel()
	// Give the in-flight batch a moment to finish before the deferred
	// closes run.
	time.Sleep(2 * time.Second)
	logger.Info("ingest-worker shutdown complete", log.FieldOperation, log.OpShutdown)
}
