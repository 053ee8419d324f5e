// Package main provides a CLI that backfills a contract's transactions from
// CSV exports, either by enqueueing a job or by running the chain directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contract-indexer/internal/app"
	"github.com/contract-indexer/internal/config"
	"github.com/contract-indexer/internal/job"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/ratelimit"
	"github.com/contract-indexer/internal/types"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		contract = flag.String("contract", "", "Contract address to backfill")
		from     = flag.String("from", "", "Oldest day to export (YYYY-MM-DD)")
		to       = flag.String("to", time.Now().UTC().Format(dateLayout), "Newest day to export (YYYY-MM-DD), inclusive")
		run      = flag.Bool("run", false, "Run the backfill in this process instead of enqueueing a job")
		priority = flag.Int("priority", 0, "Job priority when enqueueing")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	logger := app.InitLogging(cfg, os.Stdout)

	payload, err := buildPayload(*contract, *from, *to)
	if err != nil {
		logger.WithError(err).Fatal("Invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger.WithField("contract", payload.ContractAddress))

	a, err := app.Open(ctx, cfg, app.Options{Priority: ratelimit.PriorityLow})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	if !*run {
		j, err := a.Queue.Enqueue(ctx, types.JobTypeBackfill, payload, *priority)
		if err != nil {
			logger.WithError(err).Fatal("Failed to enqueue backfill")
		}
		logger.WithField("jobId", j.ID).Info("Backfill job enqueued")
		return
	}

	result, err := a.Backfill.Backfill(ctx, payload, func(p float64) {
		logging.FromContext(ctx).WithField("progress", p).Info("Backfill progress")
	})
	if err != nil {
		logger.WithError(err).Error("Backfill failed")
		os.Exit(1)
	}
	logger.WithFields(map[string]interface{}{
		"batches":    result.Batches,
		"rows":       result.Rows,
		"stopReason": result.StopReason,
	}).Info("Backfill complete")
}

// buildPayload validates the flags the same way the queue validates a job
func buildPayload(contract, from, to string) (models.BackfillPayload, error) {
	p := models.BackfillPayload{ContractAddress: contract}
	if from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return p, err
		}
		p.FromDate = t
	}
	if to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return p, err
		}
		// the whole of the last day
		p.ToDate = t.Add(24*time.Hour - time.Millisecond)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return p, err
	}
	return job.ParseBackfillPayload(raw)
}
