// Package main provides the admin API server entry point. It also runs the
// job queue so enqueued backfill and enrich jobs are processed.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contract-indexer/internal/api"
	"github.com/contract-indexer/internal/app"
	"github.com/contract-indexer/internal/config"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/ratelimit"
)

func main() {
	withQueue := flag.Bool("queue", true, "Process jobs from the job queue")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	logger := app.InitLogging(cfg, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	// API-triggered jobs draw from the shared pool so they cannot starve the scheduler
	a, err := app.Open(ctx, cfg, app.Options{Priority: ratelimit.PriorityLow})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	if err := a.SeedContracts(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to load contract seeds")
	}

	if *withQueue {
		if err := a.Queue.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start job queue")
		}
		defer a.Queue.Stop()
	}

	server := api.NewServer(&api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestsPerSec: cfg.RateLimit.APIRequestsPerSecond,
		Burst:          cfg.RateLimit.APIBurst,
	}, a.Queue, a.ContractService, a.Checks())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
