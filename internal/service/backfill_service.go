package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contract-indexer/internal/adapter"
	"github.com/contract-indexer/internal/decoder"
	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/ingest"
	"github.com/contract-indexer/internal/job"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/retry"
	"github.com/contract-indexer/internal/types"
)

// ExportAPI is the asynchronous CSV export surface used by backfills
type ExportAPI interface {
	Initiate(ctx context.Context, r adapter.ExportRequest) (string, error)
	Status(ctx context.Context, exportID string) (*adapter.ExportStatus, error)
	Download(ctx context.Context, fileURL string) ([]byte, error)
}

// BatchWriter writes one ingestion batch
type BatchWriter interface {
	Write(ctx context.Context, contract string, b *ingest.Batch) (*ingest.WriteStats, error)
}

// BackfillConfig tunes export chaining
type BackfillConfig struct {
	ChainID              int64
	TransactionLimit     int
	PollAttempts         int
	PollInterval         time.Duration
	BatchSize            int
	MaxBatches           int
	ConcurrentRetries    int
	ConcurrentRetryDelay time.Duration
}

func (c BackfillConfig) withDefaults() BackfillConfig {
	if c.ChainID == 0 {
		c.ChainID = 57073
	}
	if c.TransactionLimit <= 0 {
		c.TransactionLimit = 63956
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 60
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 100
	}
	if c.ConcurrentRetries == 0 {
		c.ConcurrentRetries = 3
	}
	if c.ConcurrentRetryDelay <= 0 {
		c.ConcurrentRetryDelay = 30 * time.Second
	}
	return c
}

// Reasons a backfill run stopped chaining
const (
	StopEmptyBatch  = "empty_batch"
	StopReachedFrom = "reached_from_date"
	StopMaxBatches  = "max_batches"
)

// BackfillResult summarizes a backfill run
type BackfillResult struct {
	Batches    int
	Rows       int
	StopReason string
	OldestSeen time.Time
}

// BackfillService fills the history of a contract by chaining date-windowed
// exports backwards from toDate until fromDate is covered
type BackfillService struct {
	exports ExportAPI
	writer  BatchWriter
	cfg     BackfillConfig
	parse   func([]byte) ([]adapter.ExportRow, error)
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewBackfillService creates a new backfill service
func NewBackfillService(exports ExportAPI, writer BatchWriter, cfg BackfillConfig) *BackfillService {
	return &BackfillService{
		exports: exports,
		writer:  writer,
		cfg:     cfg.withDefaults(),
		parse:   adapter.ParseExport,
		sleep:   retry.Sleep,
	}
}

// Run implements job.BackfillRunner
func (s *BackfillService) Run(ctx context.Context, input models.BackfillPayload, report job.ProgressReporter) error {
	_, err := s.Backfill(ctx, input, report)
	return err
}

// Backfill runs export batches until a stop condition holds
func (s *BackfillService) Backfill(ctx context.Context, input models.BackfillPayload, report job.ProgressReporter) (*BackfillResult, error) {
	address, err := types.NormalizeAddress(input.ContractAddress)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError(input.ContractAddress)
	}
	if input.FromDate.IsZero() || input.ToDate.IsZero() || !input.FromDate.Before(input.ToDate) {
		return nil, apperrors.NewValidationError("fromDate must be before toDate")
	}
	if report == nil {
		report = func(float64) {}
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract": address,
		"fromDate": input.FromDate.UTC(),
		"toDate":   input.ToDate.UTC(),
	})
	logger.Info("Starting export backfill")

	result := &BackfillResult{StopReason: StopMaxBatches}
	from := input.FromDate.UTC()
	to := input.ToDate.UTC()
	var prevOldest time.Time

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		rows, err := s.exportWindow(ctx, address, from, to)
		if err != nil {
			return result, err
		}
		result.Batches++
		if len(rows) == 0 {
			result.StopReason = StopEmptyBatch
			break
		}
		if err := s.writeRows(ctx, address, rows); err != nil {
			return result, err
		}
		result.Rows += len(rows)

		oldest := oldestTimestamp(rows)
		next := oldest.Add(-time.Millisecond)
		if !prevOldest.IsZero() && oldest.Equal(prevOldest) {
			next = endOfPreviousDay(oldest)
			logger.WithField("oldest", oldest).Warn("Export window did not move, skipping to previous day")
		}
		prevOldest = oldest
		result.OldestSeen = oldest
		to = next

		report(chainProgress(input.ToDate, input.FromDate, to))
		logger.WithFields(map[string]interface{}{
			"batch":  batch + 1,
			"rows":   len(rows),
			"nextTo": to,
		}).Info("Export batch ingested")

		if to.Before(from) {
			result.StopReason = StopReachedFrom
			break
		}
	}

	report(1)
	logger.WithFields(map[string]interface{}{
		"batches": result.Batches,
		"rows":    result.Rows,
		"reason":  result.StopReason,
	}).Info("Export backfill finished")
	return result, nil
}

// exportWindow runs one export end to end and returns its parsed rows
func (s *BackfillService) exportWindow(ctx context.Context, address string, from, to time.Time) ([]adapter.ExportRow, error) {
	id, err := s.initiate(ctx, adapter.ExportRequest{
		ChainID:  s.cfg.ChainID,
		Address:  address,
		Limit:    s.cfg.TransactionLimit,
		DateFrom: from,
		DateTo:   to,
	})
	if err != nil {
		return nil, err
	}

	fileURL, err := s.awaitExport(ctx, id)
	if err != nil {
		return nil, err
	}

	archive, err := s.exports.Download(ctx, fileURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download export %s: %w", id, err)
	}
	rows, err := s.parse(archive)
	if err != nil {
		return nil, apperrors.NewUpstreamError("export", fmt.Errorf("failed to parse export %s: %w", id, err))
	}
	return rows, nil
}

func (s *BackfillService) initiate(ctx context.Context, req adapter.ExportRequest) (string, error) {
	for attempt := 0; ; attempt++ {
		id, err := s.exports.Initiate(ctx, req)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, adapter.ErrTooManyExports) || attempt >= s.cfg.ConcurrentRetries {
			return "", fmt.Errorf("failed to initiate export: %w", err)
		}
		delay := s.cfg.ConcurrentRetryDelay * time.Duration(attempt+1)
		logging.FromContext(ctx).WithField("delay", delay).Warn("Too many concurrent exports, waiting")
		if err := s.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

// awaitExport polls until the export succeeds. A failed export is terminal
// for this run; the job queue decides whether to try again.
func (s *BackfillService) awaitExport(ctx context.Context, id string) (string, error) {
	logger := logging.FromContext(ctx).WithField("exportId", id)
	for attempt := 1; attempt <= s.cfg.PollAttempts; attempt++ {
		status, err := s.exports.Status(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.WithError(err).WithField("attempt", attempt).Warn("Export status check failed")
		case status.Status == types.ExportSucceeded:
			if status.URL == "" {
				return "", apperrors.NewUpstreamError("export", fmt.Errorf("export %s succeeded without a file url", id))
			}
			return status.URL, nil
		case status.Status == types.ExportFailed:
			return "", apperrors.NewUpstreamError("export", fmt.Errorf("export %s failed", id))
		}
		if attempt < s.cfg.PollAttempts {
			if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
				return "", err
			}
		}
	}
	return "", apperrors.NewUpstreamError("export", fmt.Errorf("export %s not ready after %d polls", id, s.cfg.PollAttempts))
}

func (s *BackfillService) writeRows(ctx context.Context, address string, rows []adapter.ExportRow) error {
	for start := 0; start < len(rows); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}

		b := &ingest.Batch{Source: types.SourceExport}
		for i := start; i < end; i++ {
			tx := rows[i].ToModel(address)
			b.Transactions = append(b.Transactions, tx)
			if t, ok := decoder.NativeTransfer(tx); ok {
				b.Transfers = append(b.Transfers, t)
			}
		}
		if _, err := s.writer.Write(ctx, address, b); err != nil {
			return err
		}
	}
	return nil
}

func oldestTimestamp(rows []adapter.ExportRow) time.Time {
	oldest := rows[0].Timestamp
	for _, r := range rows[1:] {
		if r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
	}
	return oldest.UTC()
}

// endOfPreviousDay returns 23:59:59.999 UTC of the day before t
func endOfPreviousDay(t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(-time.Millisecond)
}

func chainProgress(originalTo, from, to time.Time) float64 {
	total := originalTo.Sub(from)
	if total <= 0 {
		return 1
	}
	p := float64(originalTo.Sub(to)) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
