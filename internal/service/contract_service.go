package service

import (
	"context"
	"fmt"

	"github.com/contract-indexer/internal/config"
	"github.com/contract-indexer/internal/decoder"
	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/storage"
	"github.com/contract-indexer/internal/types"
)

// ContractStore persists contract targets
type ContractStore interface {
	Create(ctx context.Context, c *models.ContractTarget) error
	CreateIfAbsent(ctx context.Context, c *models.ContractTarget) (bool, error)
	Get(ctx context.Context, address string) (*models.ContractTarget, error)
	List(ctx context.Context, activeOnly bool) ([]*models.ContractTarget, error)
	Update(ctx context.Context, address string, isActive *bool, deployBlock *uint64) (*models.ContractTarget, error)
	Delete(ctx context.Context, address string) error
}

// RangeAdmin reads and clears a contract's block ranges
type RangeAdmin interface {
	ListByContract(ctx context.Context, address string) ([]*models.IndexRange, error)
	DeleteByContract(ctx context.Context, address string) (int64, error)
}

// CursorAdmin reads and clears a contract's paginated cursor
type CursorAdmin interface {
	Get(ctx context.Context, address string) (*models.PagedCursor, error)
	Delete(ctx context.Context, address string) error
}

// RowCounter counts stored rows of a contract
type RowCounter interface {
	CountByContract(ctx context.Context, address string) (*storage.ContractCounts, error)
}

// PendingCounter counts transactions missing enrichment
type PendingCounter interface {
	CountPending(ctx context.Context, contract string) (int64, error)
}

// ProgressCacher caches progress snapshots
type ProgressCacher interface {
	Get(ctx context.Context, address string) (*models.ContractProgress, bool, error)
	Set(ctx context.Context, p *models.ContractProgress) error
	Invalidate(ctx context.Context, address string) error
}

// SeenResetter forgets the hashes recorded for a contract
type SeenResetter interface {
	Reset(ctx context.Context, contract string) error
}

// CreateContractRequest is the input for registering a contract
type CreateContractRequest struct {
	Address     string          `json:"address"`
	DeployBlock uint64          `json:"deployBlock"`
	IndexMode   types.IndexMode `json:"indexMode"`
	ABI         *string         `json:"abi,omitempty"`
	Active      *bool           `json:"active,omitempty"`
}

// UpdateContractRequest changes the mutable fields of a contract
type UpdateContractRequest struct {
	IsActive    *bool   `json:"isActive,omitempty"`
	DeployBlock *uint64 `json:"deployBlock,omitempty"`
}

// ResetResult reports what a reset removed
type ResetResult struct {
	Address       string `json:"address"`
	RangesDeleted int64  `json:"rangesDeleted"`
	CursorCleared bool   `json:"cursorCleared"`
}

// ContractService manages contract targets and their ingestion state
type ContractService struct {
	contracts ContractStore
	ranges    RangeAdmin
	cursors   CursorAdmin
	counts    RowCounter
	pending   PendingCounter
	cache     ProgressCacher
	seen      SeenResetter
	chainID   int64
}

// ContractOption configures optional collaborators
type ContractOption func(*ContractService)

// WithProgressCache caches progress snapshots in Redis
func WithProgressCache(c ProgressCacher) ContractOption {
	return func(s *ContractService) { s.cache = c }
}

// WithSeenReset clears the seen-hash cache on reset
func WithSeenReset(r SeenResetter) ContractOption {
	return func(s *ContractService) { s.seen = r }
}

// NewContractService creates a new contract service
func NewContractService(
	contracts ContractStore,
	ranges RangeAdmin,
	cursors CursorAdmin,
	counts RowCounter,
	pending PendingCounter,
	chainID int64,
	opts ...ContractOption,
) *ContractService {
	s := &ContractService{
		contracts: contracts,
		ranges:    ranges,
		cursors:   cursors,
		counts:    counts,
		pending:   pending,
		chainID:   chainID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ContractService) buildTarget(address string, deployBlock uint64, mode types.IndexMode, abi *string, active *bool) (*models.ContractTarget, error) {
	addr, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	if mode == "" {
		mode = types.IndexModeRange
	}
	if !mode.Valid() {
		return nil, apperrors.NewInvalidParameterError("indexMode", fmt.Sprintf("unknown index mode %q", mode))
	}
	if abi != nil && *abi == "" {
		abi = nil
	}
	if abi != nil {
		if _, err := decoder.New(*abi); err != nil {
			return nil, apperrors.NewInvalidParameterError("abi", err.Error())
		}
	}
	isActive := true
	if active != nil {
		isActive = *active
	}
	return &models.ContractTarget{
		Address:     addr,
		ChainID:     s.chainID,
		DeployBlock: deployBlock,
		IndexMode:   mode,
		ABI:         abi,
		IsActive:    isActive,
	}, nil
}

// CreateContract registers a new contract target
func (s *ContractService) CreateContract(ctx context.Context, req CreateContractRequest) (*models.ContractTarget, error) {
	target, err := s.buildTarget(req.Address, req.DeployBlock, req.IndexMode, req.ABI, req.Active)
	if err != nil {
		return nil, err
	}
	if err := s.contracts.Create(ctx, target); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract":    target.Address,
		"indexMode":   target.IndexMode,
		"deployBlock": target.DeployBlock,
	}).Info("Contract registered")
	return target, nil
}

// SeedContracts registers seed entries that are not yet known. Existing rows
// are left as they are.
func (s *ContractService) SeedContracts(ctx context.Context, seeds []config.ContractSeed) (int, error) {
	created := 0
	for _, seed := range seeds {
		var abi *string
		if seed.ABI != "" {
			a := seed.ABI
			abi = &a
		}
		target, err := s.buildTarget(seed.Address, seed.DeployBlock, seed.IndexMode, abi, seed.Active)
		if err != nil {
			return created, fmt.Errorf("invalid seed %s: %w", seed.Address, err)
		}
		ok, err := s.contracts.CreateIfAbsent(ctx, target)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		logging.FromContext(ctx).WithField("created", created).Info("Seeded contracts")
	}
	return created, nil
}

// GetContract returns one contract
func (s *ContractService) GetContract(ctx context.Context, address string) (*models.ContractTarget, error) {
	addr, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	return s.contracts.Get(ctx, addr)
}

// ListContracts returns all contracts, or only active ones
func (s *ContractService) ListContracts(ctx context.Context, activeOnly bool) ([]*models.ContractTarget, error) {
	return s.contracts.List(ctx, activeOnly)
}

// UpdateContract toggles activity or moves the deploy block
func (s *ContractService) UpdateContract(ctx context.Context, address string, req UpdateContractRequest) (*models.ContractTarget, error) {
	addr, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	if req.IsActive == nil && req.DeployBlock == nil {
		return nil, apperrors.NewValidationError("nothing to update")
	}
	c, err := s.contracts.Update(ctx, addr, req.IsActive, req.DeployBlock)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, addr)
	return c, nil
}

// DeleteContract removes a contract together with its ranges and cursor
func (s *ContractService) DeleteContract(ctx context.Context, address string) error {
	addr, err := types.NormalizeAddress(address)
	if err != nil {
		return apperrors.NewInvalidAddressError(address)
	}
	if err := s.contracts.Delete(ctx, addr); err != nil {
		return err
	}
	s.invalidate(ctx, addr)
	return nil
}

// GetProgress reports ingestion state, served from the cache when fresh
func (s *ContractService) GetProgress(ctx context.Context, address string) (*models.ContractProgress, error) {
	addr, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	logger := logging.FromContext(ctx).WithField("contract", addr)

	if s.cache != nil {
		p, ok, err := s.cache.Get(ctx, addr)
		if err != nil {
			logger.WithError(err).Warn("Progress cache read failed")
		} else if ok {
			return p, nil
		}
	}

	target, err := s.contracts.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	p := &models.ContractProgress{Address: addr, IndexMode: target.IndexMode}
	switch target.IndexMode {
	case types.IndexModePaginated:
		cur, err := s.cursors.Get(ctx, addr)
		if err != nil {
			return nil, err
		}
		p.Cursor = cur
	default:
		ranges, err := s.ranges.ListByContract(ctx, addr)
		if err != nil {
			return nil, err
		}
		p.Ranges = ranges
		for _, r := range ranges {
			if r.IsComplete {
				p.RangesComplete++
			}
			p.BlocksRemaining += r.Remaining()
		}
	}

	counts, err := s.counts.CountByContract(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.TransactionCount = counts.Transactions
	p.TransferCount = counts.Transfers
	p.EnrichmentCount = counts.Enrichments

	if p.PendingEnrichment, err = s.pending.CountPending(ctx, addr); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			logger.WithError(err).Warn("Progress cache write failed")
		}
	}
	return p, nil
}

// ResetContract drops ranges, cursor and seen hashes so the next scheduler
// tick re-indexes from the deploy block. Stored records are kept.
func (s *ContractService) ResetContract(ctx context.Context, address string) (*ResetResult, error) {
	addr, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	if _, err := s.contracts.Get(ctx, addr); err != nil {
		return nil, err
	}

	deleted, err := s.ranges.DeleteByContract(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := s.cursors.Delete(ctx, addr); err != nil {
		return nil, err
	}
	if s.seen != nil {
		if err := s.seen.Reset(ctx, addr); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("contract", addr).Warn("Seen cache reset failed")
		}
	}
	s.invalidate(ctx, addr)

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract":      addr,
		"rangesDeleted": deleted,
	}).Info("Contract progress reset")
	return &ResetResult{Address: addr, RangesDeleted: deleted, CursorCleared: true}, nil
}

func (s *ContractService) invalidate(ctx context.Context, addr string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, addr); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("contract", addr).Warn("Progress cache invalidation failed")
	}
}
