package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/contract-indexer/internal/indexer"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/service"
	"github.com/contract-indexer/internal/types"
)

// ContractLister lists contract targets
type ContractLister interface {
	List(ctx context.Context, activeOnly bool) ([]*models.ContractTarget, error)
}

// RangeSyncer indexes a range-mode contract up to the head
type RangeSyncer interface {
	Sync(ctx context.Context, target *models.ContractTarget) (bool, error)
}

// PagedSyncer indexes a paginated-mode contract
type PagedSyncer interface {
	Backfill(ctx context.Context, target *models.ContractTarget) (*indexer.PagedResult, error)
	Poll(ctx context.Context, target *models.ContractTarget) (*indexer.PagedResult, error)
}

// GapEnricher makes one enrichment pass for a contract
type GapEnricher interface {
	RunOnce(ctx context.Context, contract string) (*service.EnrichmentPass, error)
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	Contracts ContractLister
	Ranges    RangeSyncer
	Paged     PagedSyncer
	// Enricher is optional; without it ticks only index
	Enricher     GapEnricher
	PollInterval time.Duration
}

// Scheduler drives indexing and enrichment of every active contract on a
// fixed interval
type Scheduler struct {
	contracts    ContractLister
	ranges       RangeSyncer
	paged        PagedSyncer
	enricher     GapEnricher
	pollInterval time.Duration

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastTickTime time.Time
	ticks        int64
	lastErrors   map[string]string
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Contracts == nil {
		return nil, fmt.Errorf("contract lister cannot be nil")
	}
	if cfg.Ranges == nil && cfg.Paged == nil {
		return nil, fmt.Errorf("at least one indexer is required")
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Scheduler{
		contracts:    cfg.Contracts,
		ranges:       cfg.Ranges,
		paged:        cfg.Paged,
		enricher:     cfg.Enricher,
		pollInterval: pollInterval,
		lastErrors:   map[string]string{},
	}, nil
}

// Start runs one tick immediately and then one per interval
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	logging.FromContext(ctx).WithField("pollInterval", s.pollInterval).Info("Starting scheduler")
	go s.loop(ctx)
	return nil
}

// Stop signals the loop and waits for the current tick to finish
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	logging.FromContext(ctx).Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-tickCtx.Done():
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(tickCtx); err != nil && tickCtx.Err() == nil {
			logging.FromContext(ctx).WithError(err).Warn("Scheduler tick finished with errors")
		}
		select {
		case <-tickCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick processes every active contract once. A failing contract does not
// stop the others; their errors are joined.
func (s *Scheduler) Tick(ctx context.Context) error {
	contracts, err := s.contracts.List(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list contracts: %w", err)
	}

	var errs []error
	for _, c := range contracts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.processContract(ctx, c)
		s.mu.Lock()
		if err != nil {
			s.lastErrors[c.Address] = err.Error()
		} else {
			delete(s.lastErrors, c.Address)
		}
		s.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Address, err))
		}
	}

	s.mu.Lock()
	s.lastTickTime = time.Now()
	s.ticks++
	s.mu.Unlock()
	return errors.Join(errs...)
}

func (s *Scheduler) processContract(ctx context.Context, c *models.ContractTarget) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract":  c.Address,
		"indexMode": c.IndexMode,
	})
	ctx = logging.WithLogger(ctx, logger)

	switch c.IndexMode {
	case types.IndexModePaginated:
		if s.paged == nil {
			return fmt.Errorf("no paginated indexer configured")
		}
		res, err := s.paged.Backfill(ctx, c)
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		if res.Complete {
			if _, err := s.paged.Poll(ctx, c); err != nil {
				return fmt.Errorf("poll: %w", err)
			}
		}
	default:
		if s.ranges == nil {
			return fmt.Errorf("no range indexer configured")
		}
		complete, err := s.ranges.Sync(ctx, c)
		if err != nil {
			return fmt.Errorf("range sync: %w", err)
		}
		logger.WithField("complete", complete).Debug("Range sync finished")
	}

	if s.enricher != nil {
		if _, err := s.enricher.RunOnce(ctx, c.Address); err != nil {
			return fmt.Errorf("enrichment: %w", err)
		}
	}
	return nil
}

// SchedulerStatus represents the scheduler's state
type SchedulerStatus struct {
	Running      bool              `json:"running"`
	PollInterval string            `json:"pollInterval"`
	LastTickTime time.Time         `json:"lastTickTime"`
	Ticks        int64             `json:"ticks"`
	LastErrors   map[string]string `json:"lastErrors,omitempty"`
}

// GetStatus returns the current scheduler status
func (s *Scheduler) GetStatus() *SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	errs := make(map[string]string, len(s.lastErrors))
	for k, v := range s.lastErrors {
		errs[k] = v
	}
	return &SchedulerStatus{
		Running:      s.running,
		PollInterval: s.pollInterval.String(),
		LastTickTime: s.lastTickTime,
		Ticks:        s.ticks,
		LastErrors:   errs,
	}
}
