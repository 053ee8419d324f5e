// Package app wires configuration, storage, upstream clients and services
// into the components each binary runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/contract-indexer/internal/adapter"
	"github.com/contract-indexer/internal/api"
	"github.com/contract-indexer/internal/circuitbreaker"
	"github.com/contract-indexer/internal/config"
	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/indexer"
	"github.com/contract-indexer/internal/ingest"
	"github.com/contract-indexer/internal/job"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/ratelimit"
	"github.com/contract-indexer/internal/retry"
	"github.com/contract-indexer/internal/service"
	"github.com/contract-indexer/internal/storage"
	"github.com/contract-indexer/internal/types"
	"github.com/contract-indexer/internal/worker"
)

// InitLogging configures the global logger from config, writing to w
func InitLogging(cfg *config.Config, w io.Writer) *logging.Logger {
	logger := logging.NewLoggerWithOutput(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
		w,
	)
	logging.SetGlobalLogger(logger)
	return logger
}

// Options selects optional parts of the wiring
type Options struct {
	// Priority is the detail budget pool this process draws from
	Priority ratelimit.Priority
}

// App holds the shared connections and the services built on them
type App struct {
	Config *config.Config

	Postgres   *storage.PostgresDB
	Redis      *storage.RedisCache
	ClickHouse *storage.ClickHouseDB

	Contracts    *storage.ContractRepository
	Ranges       *storage.RangeRepository
	Cursors      *storage.CursorRepository
	Transactions *storage.TransactionRepository
	Enrichments  *storage.EnrichmentRepository
	JobStore     *storage.JobRepository
	Seen         *storage.SeenHashCache

	Explorer *adapter.ExplorerClient
	Exports  *adapter.ExportClient
	Writer   *ingest.Writer

	ContractService *service.ContractService
	Backfill        *service.BackfillService
	Processor       *service.EnrichmentProcessor
	Enrichment      *service.EnrichmentService
	Queue           *job.Queue
}

// Open connects to Postgres and Redis, and to ClickHouse when enabled, then
// builds every service. Close releases the connections.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := logging.FromContext(ctx)
	a := &App{Config: cfg}

	// databases started alongside the service may not accept connections yet
	var pg *storage.PostgresDB
	err := retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
		var err error
		pg, err = storage.NewPostgresDB(&cfg.Database.Postgres)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.Postgres = pg

	var rc *storage.RedisCache
	err = retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
		var err error
		rc, err = storage.NewRedisCache(&cfg.Database.Redis)
		return err
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.Redis = rc

	if cfg.Database.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.ClickHouse = ch
	}
	logger.WithField("clickhouse", a.ClickHouse != nil).Info("Database connections established")

	a.Contracts = storage.NewContractRepository(pg)
	a.Ranges = storage.NewRangeRepository(pg)
	a.Cursors = storage.NewCursorRepository(pg)
	a.Transactions = storage.NewTransactionRepository(pg)
	a.Enrichments = storage.NewEnrichmentRepository(pg)
	a.JobStore = storage.NewJobRepository(pg)
	a.Seen = storage.NewSeenHashCache(rc.Client(), cfg.Paged.SeenCacheTTL)

	writerOpts := []ingest.Option{ingest.WithSeenRecorder(a.Seen)}
	if a.ClickHouse != nil {
		writerOpts = append(writerOpts, ingest.WithMirror(storage.NewTransferMirror(a.ClickHouse)))
	}
	a.Writer = ingest.NewWriter(a.Transactions, writerOpts...)

	a.Explorer = adapter.NewExplorerClient(&adapter.ExplorerClientConfig{
		BaseURL:           cfg.Explorer.BaseURL,
		APIKey:            cfg.Explorer.APIKey,
		ChainID:           cfg.Chain.ChainID,
		Timeout:           cfg.Explorer.Timeout,
		RequestsPerSecond: cfg.RateLimit.ExplorerRPS,
		Burst:             cfg.RateLimit.ExplorerBurst,
		Budget:            a.detailBudget(ctx, opts.Priority),
		Breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:      "explorer",
			IsFailure: apperrors.IsRetryable,
		}),
	})
	a.Exports = adapter.NewExportClient(&adapter.ExportClientConfig{
		BaseURL:         cfg.Backfill.ExportBaseURL,
		Timeout:         cfg.Explorer.Timeout,
		DownloadTimeout: cfg.Backfill.DownloadTimeout,
	})

	progressCache := storage.NewProgressCache(rc.Client(), cfg.Server.ProgressCacheTTL)
	a.ContractService = service.NewContractService(
		a.Contracts, a.Ranges, a.Cursors, a.Transactions, a.Enrichments, cfg.Chain.ChainID,
		service.WithProgressCache(progressCache),
		service.WithSeenReset(a.Seen),
	)

	a.Backfill = service.NewBackfillService(a.Exports, a.Writer, service.BackfillConfig{
		ChainID:              cfg.Chain.ChainID,
		TransactionLimit:     cfg.Backfill.TransactionLimit,
		PollAttempts:         cfg.Backfill.PollAttempts,
		PollInterval:         cfg.Backfill.PollInterval,
		BatchSize:            cfg.Backfill.BatchSize,
		MaxBatches:           cfg.Backfill.MaxBatches,
		ConcurrentRetries:    cfg.Backfill.ConcurrentRetries,
		ConcurrentRetryDelay: cfg.Backfill.ConcurrentRetryDelay,
	})

	enrichCfg := EnrichmentConfig(cfg)
	a.Processor = service.NewEnrichmentProcessor(a.Enrichments, a.Explorer, enrichCfg)
	a.Enrichment = service.NewEnrichmentService(a.Enrichments, a.Processor, a.newFanOut(enrichCfg), enrichCfg)

	a.Queue = job.NewQueue(a.JobStore, job.Config{
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		StaleAfter:   cfg.Queue.StaleAfter,
	})
	a.Queue.Register(types.JobTypeBackfill, &job.BackfillHandler{Runner: a.Backfill})
	a.Queue.Register(types.JobTypeEnrich, &job.EnrichHandler{Runner: a.Enrichment})

	return a, nil
}

// EnrichmentConfig maps the enrichment settings onto the service config
func EnrichmentConfig(cfg *config.Config) service.EnrichmentConfig {
	return service.EnrichmentConfig{
		InlineThreshold: cfg.Enrichment.InlineThreshold,
		BatchSize:       cfg.Enrichment.BatchSize,
		BatchDelay:      cfg.Enrichment.BatchDelay,
		Concurrency:     cfg.Enrichment.Concurrency,
		Workers:         cfg.Enrichment.Workers,
		ChunkSize:       cfg.Enrichment.ChunkSize,
		StaleTimeout:    cfg.Enrichment.StaleTimeout,
		MaxRestarts:     cfg.Enrichment.MaxRestarts,
	}
}

// detailBudget builds the shared detail budget. It fails open: without a
// tracker only the local limiter paces calls.
func (a *App) detailBudget(ctx context.Context, priority ratelimit.Priority) ratelimit.Waiter {
	if a.Config.RateLimit.DetailBudget <= 0 {
		return nil
	}
	tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:       a.Redis.Client(),
		Name:        "detail",
		TotalBudget: a.Config.RateLimit.DetailBudget,
		WindowSize:  a.Config.RateLimit.DetailBudgetWindow,
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Detail budget disabled")
		return nil
	}
	ctrl, err := ratelimit.NewController(&ratelimit.ControllerConfig{Tracker: tracker, Priority: priority})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Detail budget disabled")
		return nil
	}
	return ctrl
}

// newFanOut picks subprocess or in-process runners for fan-out passes
func (a *App) newFanOut(cfg service.EnrichmentConfig) service.FanOut {
	newRunner := func() service.Runner {
		return &service.InProcessRunner{Processor: a.Processor}
	}
	if a.Config.Enrichment.UseSubprocess {
		newRunner = func() service.Runner {
			return worker.NewSubprocessRunner(a.Config.Enrichment.WorkerBinary, a.Config.Enrichment.GracePeriod)
		}
	}
	return service.NewCoordinator(a.Enrichments, newRunner, cfg)
}

// NewRPCPool dials the configured RPC endpoints
func (a *App) NewRPCPool() (*adapter.RPCPool, error) {
	return adapter.NewRPCPool(&adapter.RPCPoolConfig{Endpoints: a.Config.Chain.RPCURLs})
}

// NewRangeIndexer builds the range indexer on an RPC pool
func (a *App) NewRangeIndexer(pool *adapter.RPCPool) *indexer.RangeIndexer {
	return indexer.NewRangeIndexer(pool, a.Ranges, a.Writer, indexer.RangeConfig{
		ChainID:    a.Config.Chain.ChainID,
		Workers:    a.Config.Indexer.Workers,
		WindowSize: a.Config.Indexer.WindowSize,
		RetryDelay: a.Config.Indexer.RetryDelay,
	})
}

// NewPagedIndexer builds the paginated indexer on the explorer client
func (a *App) NewPagedIndexer() *indexer.PagedIndexer {
	c := a.Config.Paged
	return indexer.NewPagedIndexer(a.Explorer, a.Cursors, a.Transactions, a.Seen, a.Writer, indexer.PagedConfig{
		PageLimit:              c.PageLimit,
		MaxPages:               c.MaxPages,
		RateLimitDelay:         c.RateLimitDelay,
		InitialBackoff:         c.InitialBackoff,
		MaxBackoff:             c.MaxBackoff,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		DuplicatePageLimit:     c.DuplicatePageLimit,
		OverrunRatio:           c.OverrunRatio,
	})
}

// SeedContracts registers the contracts listed in the seed file, if any
func (a *App) SeedContracts(ctx context.Context) error {
	seeds, err := config.LoadContractSeeds(a.Config.ContractsFile)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return nil
	}
	created, err := a.ContractService.SeedContracts(ctx, seeds)
	if err != nil {
		return fmt.Errorf("failed to seed contracts: %w", err)
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"seeds":   len(seeds),
		"created": created,
	}).Info("Contracts seeded")
	return nil
}

// Checks returns the dependencies pinged by the health endpoint
func (a *App) Checks() map[string]api.Pinger {
	checks := map[string]api.Pinger{
		"postgres": a.Postgres,
		"redis":    a.Redis,
	}
	if a.ClickHouse != nil {
		checks["clickhouse"] = a.ClickHouse
	}
	return checks
}

// Close releases every open connection
func (a *App) Close() {
	var errs []error
	if a.ClickHouse != nil {
		errs = append(errs, a.ClickHouse.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
	if err := errors.Join(errs...); err != nil {
		logging.WithError(err).Warn("Error closing connections")
	}
}
