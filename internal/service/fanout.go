package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/metrics"
)

// Assignment is one keyset chunk of a contract's pending set
type Assignment struct {
	Contract string `json:"contract"`
	Chunk    int    `json:"chunk"`
	KeyRange
}

// Runner processes one assignment and reports cumulative stats through
// progress. It must return promptly once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, a Assignment, progress func(ChunkStats)) (ChunkStats, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, a Assignment, progress func(ChunkStats)) (ChunkStats, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, a Assignment, progress func(ChunkStats)) (ChunkStats, error) {
	return f(ctx, a, progress)
}

// InProcessRunner runs assignments on a goroutine over a shared processor
type InProcessRunner struct {
	Processor *EnrichmentProcessor
}

// Run processes the assignment's key range
func (r *InProcessRunner) Run(ctx context.Context, a Assignment, progress func(ChunkStats)) (ChunkStats, error) {
	return r.Processor.ProcessRange(ctx, a.Contract, a.KeyRange, progress)
}

// errStale marks a runner that stopped reporting
var errStale = errors.New("runner stopped reporting")

// Coordinator cuts a contract's pending set into disjoint keyset chunks and
// hands them to a fixed number of runners. A runner that stays silent for
// StaleTimeout is cancelled and the chunk is started again.
type Coordinator struct {
	store     EnrichmentStore
	newRunner func() Runner
	cfg       EnrichmentConfig
	now       func() time.Time
	tick      time.Duration
}

// NewCoordinator creates a coordinator. newRunner is called once per attempt
// so a killed subprocess is replaced by a fresh one.
func NewCoordinator(store EnrichmentStore, newRunner func() Runner, cfg EnrichmentConfig) *Coordinator {
	cfg = cfg.withDefaults()
	tick := cfg.StaleTimeout / 4
	if tick <= 0 {
		tick = time.Second
	}
	return &Coordinator{
		store:     store,
		newRunner: newRunner,
		cfg:       cfg,
		now:       time.Now,
		tick:      tick,
	}
}

// Plan snapshots the pending set into keyset assignments
func (c *Coordinator) Plan(ctx context.Context, contract string) ([]Assignment, error) {
	bounds, err := c.store.ChunkBoundaries(ctx, contract, c.cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk pending set: %w", err)
	}
	out := make([]Assignment, 0, len(bounds))
	after := ""
	for i, upto := range bounds {
		out = append(out, Assignment{
			Contract: contract,
			Chunk:    i,
			KeyRange: KeyRange{After: after, Upto: upto},
		})
		after = upto
	}
	return out, nil
}

// Run implements FanOut
func (c *Coordinator) Run(ctx context.Context, contract string, workers int) (ChunkStats, error) {
	if workers <= 0 {
		workers = c.cfg.Workers
	}
	assignments, err := c.Plan(ctx, contract)
	if err != nil {
		return ChunkStats{}, err
	}
	if len(assignments) == 0 {
		return ChunkStats{}, nil
	}
	if workers > len(assignments) {
		workers = len(assignments)
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract": contract,
		"chunks":   len(assignments),
		"workers":  workers,
	})
	logger.Info("Fanning out enrichment")

	next := make(chan Assignment, len(assignments))
	for _, a := range assignments {
		next <- a
	}
	close(next)

	var (
		mu    sync.Mutex
		total ChunkStats
		errs  []error
	)

	pool := pond.NewPool(workers, pond.WithContext(ctx))
	for slot := 0; slot < workers; slot++ {
		pool.Submit(func() {
			for a := range next {
				if ctx.Err() != nil {
					return
				}
				stats, err := c.runAssignment(ctx, a)
				mu.Lock()
				total.Add(stats)
				if err != nil {
					errs = append(errs, fmt.Errorf("chunk %d: %w", a.Chunk, err))
				}
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()

	if err := ctx.Err(); err != nil {
		return total, err
	}
	if len(errs) > 0 {
		logger.WithError(errors.Join(errs...)).Warn("Some enrichment chunks failed")
	}
	// Failed chunks stay pending; report an error only when nothing settled.
	if total.Settled() == 0 && len(errs) > 0 {
		return total, errors.Join(errs...)
	}
	return total, nil
}

// runAssignment runs a with a staleness watchdog, respawning the runner up
// to MaxRestarts times
func (c *Coordinator) runAssignment(ctx context.Context, a Assignment) (ChunkStats, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract": a.Contract,
		"chunk":    a.Chunk,
	})

	var carried ChunkStats
	for attempt := 0; ; attempt++ {
		stats, err := c.watch(ctx, a)
		carried.Add(stats)
		if !errors.Is(err, errStale) {
			return carried, err
		}
		metrics.WorkerRestarts.Inc()
		if attempt >= c.cfg.MaxRestarts {
			return carried, fmt.Errorf("giving up after %d restarts: %w", attempt, err)
		}
		logger.WithField("attempt", attempt+1).Warn("Enrichment runner went stale, respawning")
	}
}

type runOutcome struct {
	stats ChunkStats
	err   error
}

// watch runs one attempt and cancels it when progress stops for StaleTimeout
func (c *Coordinator) watch(ctx context.Context, a Assignment) (ChunkStats, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastBeat atomic.Int64
	lastBeat.Store(c.now().UnixNano())
	var latest atomic.Pointer[ChunkStats]

	done := make(chan runOutcome, 1)
	runner := c.newRunner()
	go func() {
		stats, err := runner.Run(runCtx, a, func(s ChunkStats) {
			lastBeat.Store(c.now().UnixNano())
			latest.Store(&s)
		})
		done <- runOutcome{stats: stats, err: err}
	}()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			return out.stats, out.err
		case <-ticker.C:
			silent := c.now().Sub(time.Unix(0, lastBeat.Load()))
			if silent < c.cfg.StaleTimeout {
				continue
			}
			cancel()
			<-done
			var partial ChunkStats
			if s := latest.Load(); s != nil {
				partial = *s
			}
			return partial, errStale
		case <-ctx.Done():
			cancel()
			out := <-done
			return out.stats, ctx.Err()
		}
	}
}
