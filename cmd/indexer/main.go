// Package main provides the indexer entry point: a scheduler that keeps every
// active contract indexed and enriched.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contract-indexer/internal/app"
	"github.com/contract-indexer/internal/config"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/ratelimit"
	"github.com/contract-indexer/internal/worker"
)

func main() {
	var (
		once      = flag.Bool("once", false, "Run a single tick over all active contracts and exit")
		withQueue = flag.Bool("queue", false, "Also process jobs from the job queue")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	logger := app.InitLogging(cfg, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"chainId":   cfg.Chain.ChainID,
		"endpoints": len(cfg.Chain.RPCURLs),
	}).Info("Indexer starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	a, err := app.Open(ctx, cfg, app.Options{Priority: ratelimit.PriorityHigh})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	if err := a.SeedContracts(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to load contract seeds")
	}

	pool, err := a.NewRPCPool()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create RPC pool")
	}
	defer pool.Close()

	scheduler, err := worker.NewScheduler(&worker.SchedulerConfig{
		Contracts:    a.Contracts,
		Ranges:       a.NewRangeIndexer(pool),
		Paged:        a.NewPagedIndexer(),
		Enricher:     a.Enrichment,
		PollInterval: cfg.Indexer.PollInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	if *once {
		if err := scheduler.Tick(ctx); err != nil {
			logger.WithError(err).Error("Tick finished with errors")
			os.Exit(1)
		}
		logger.Info("Tick complete")
		return
	}

	if *withQueue {
		if err := a.Queue.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start job queue")
		}
		defer a.Queue.Stop()
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	logger.Info("Indexer exited")
}
