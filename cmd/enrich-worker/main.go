// Package main provides the enrichment sub-worker. It reads TASK lines on
// stdin and answers with PROGRESS and RESULT lines on stdout; logs go to
// stderr so they never mix with the protocol.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/contract-indexer/internal/app"
	"github.com/contract-indexer/internal/config"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/ratelimit"
	"github.com/contract-indexer/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.SetGlobalLogger(logging.NewLoggerWithOutput(logging.LevelInfo, logging.FormatJSON, os.Stderr))
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	logger := app.InitLogging(cfg, os.Stderr).WithField("pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	a, err := app.Open(ctx, cfg, app.Options{Priority: ratelimit.PriorityLow})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	logger.Info("Enrich worker ready")
	if err := worker.Serve(ctx, os.Stdin, os.Stdout, a.Processor); err != nil {
		logger.WithError(err).Error("Enrich worker stopped with error")
		a.Close()
		os.Exit(1)
	}
	logger.Info("Enrich worker exited")
}
