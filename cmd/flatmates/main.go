package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"flatmates/internal/backend"
	"flatmates/internal/cli"
	apphttp "flatmates/internal/http"
	"flatmates/internal/log"
	"flatmates/internal/services"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentApp)

	cfg := cli.LoadAndValidateConfig(logger)

	backendConfig, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	res, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend)).CreateBackend(startCtx, backendConfig)
	cancelStart()
	if err != nil {
		logger.Error("Failed to create backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	ledgerOpts := []services.Option{services.WithLogger(logger.WithComponent(log.ComponentLedger))}
	if res.Publisher != nil {
		ledgerOpts = append(ledgerOpts, services.WithPublisher(res.Publisher))
	}
	ledger := services.NewLedger(res.Backend, ledgerOpts...)

	opts := apphttp.Options{
		RecentExpenses:      cfg.RecentExpenses,
		RecentAnnouncements: cfg.RecentAnnouncements,
		CacheTTL:            cfg.CacheTTL,
		RateLimitPerMinute:  cfg.RateLimitPerMinute,
		Logger:              logger,
	}
	if p, ok := res.Backend.(interface{ Ping(context.Context) error }); ok {
		opts.Ready = p.Ping
	}
	srv := apphttp.NewServer(":"+cfg.Port, ledger, opts)

	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 15 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := res.Close(); err != nil {
			logger.Error("Failed to release backend", "error", err)
		}
	})

	logger.Info("Starting flatmates server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"events", res.Publisher != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		_ = res.Close()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
