package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"flatmates/internal/amqp"
	"flatmates/internal/backend"
	"flatmates/internal/cli"
	"flatmates/internal/log"
	gsheet "flatmates/internal/sheets/google"
	"flatmates/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentWorker)

	logger.Info("Starting flatmates-worker")

	cfg := cli.LoadAndValidateConfig(logger)
	if err := cfg.ValidateMirror(); err != nil {
		logger.Error("Mirror configuration invalid", "error", err)
		os.Exit(1)
	}

	backendConfig, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	// The worker consumes events; it never publishes them.
	backendConfig.AMQPURL = ""

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	primary, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend)).CreateBackend(startCtx, backendConfig)
	if err != nil {
		logger.Error("Failed to open primary store", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer primary.Close()

	mirror, err := gsheet.NewFromEnv(startCtx)
	if err != nil {
		logger.Error("Failed to initialize Google Sheets client", "error", err)
		os.Exit(1)
	}
	if err := mirror.Setup(startCtx); err != nil {
		logger.Error("Failed to prepare mirror spreadsheet", "error", err)
		os.Exit(1)
	}
	logger.Info("Google Sheets mirror ready", "spreadsheet_id", cfg.GoogleSpreadsheetID)

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	mw := worker.NewMirrorWorker(primary.Backend, mirror, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	// Catch up on anything published while the worker was down.
	if err := mw.Resync(ctx); err != nil {
		logger.Error("Startup resync failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqpClient.Run(gctx, mw.HandleLedgerEvent)
	})
	g.Go(func() error {
		return mw.RunPeriodicResync(gctx, cfg.MirrorInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", "error", err)
		_ = amqpClient.Close()
		_ = primary.Close()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
}
