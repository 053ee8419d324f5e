package job

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

// BackfillRunner ingests one export date window
type BackfillRunner interface {
	Run(ctx context.Context, input models.BackfillPayload, report ProgressReporter) error
}

// EnrichRunner repairs the enrichment gap of one contract
type EnrichRunner interface {
	RunContract(ctx context.Context, input models.EnrichPayload, report ProgressReporter) error
}

// BackfillHandler dispatches backfill jobs
type BackfillHandler struct {
	Runner BackfillRunner
}

// ParseBackfillPayload decodes and validates a backfill payload. The address
// is returned normalized.
func ParseBackfillPayload(raw json.RawMessage) (models.BackfillPayload, error) {
	var p models.BackfillPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, apperrors.NewValidationError(fmt.Sprintf("invalid backfill payload: %v", err))
	}
	addr, err := types.NormalizeAddress(p.ContractAddress)
	if err != nil {
		return p, apperrors.NewInvalidAddressError(p.ContractAddress)
	}
	p.ContractAddress = addr
	if p.FromDate.IsZero() || p.ToDate.IsZero() {
		return p, apperrors.NewInvalidParameterError("fromDate", "fromDate and toDate are required")
	}
	if !p.FromDate.Before(p.ToDate) {
		return p, apperrors.NewInvalidParameterError("fromDate", "fromDate must be before toDate")
	}
	return p, nil
}

// Validate implements Handler
func (h *BackfillHandler) Validate(payload json.RawMessage) error {
	_, err := ParseBackfillPayload(payload)
	return err
}

// Handle implements Handler
func (h *BackfillHandler) Handle(ctx context.Context, job *models.Job, report ProgressReporter) error {
	p, err := ParseBackfillPayload(job.Payload)
	if err != nil {
		return err
	}
	return h.Runner.Run(ctx, p, report)
}

// EnrichHandler dispatches enrich jobs
type EnrichHandler struct {
	Runner EnrichRunner
}

// ParseEnrichPayload decodes and validates an enrich payload
func ParseEnrichPayload(raw json.RawMessage) (models.EnrichPayload, error) {
	var p models.EnrichPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, apperrors.NewValidationError(fmt.Sprintf("invalid enrich payload: %v", err))
	}
	addr, err := types.NormalizeAddress(p.ContractAddress)
	if err != nil {
		return p, apperrors.NewInvalidAddressError(p.ContractAddress)
	}
	p.ContractAddress = addr
	if p.Workers < 0 {
		return p, apperrors.NewInvalidParameterError("workers", "must not be negative")
	}
	return p, nil
}

// Validate implements Handler
func (h *EnrichHandler) Validate(payload json.RawMessage) error {
	_, err := ParseEnrichPayload(payload)
	return err
}

// Handle implements Handler
func (h *EnrichHandler) Handle(ctx context.Context, job *models.Job, report ProgressReporter) error {
	p, err := ParseEnrichPayload(job.Payload)
	if err != nil {
		return err
	}
	return h.Runner.RunContract(ctx, p, report)
}
