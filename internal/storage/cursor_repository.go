package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
)

// CursorRepository persists the paginated indexer position per contract
type CursorRepository struct {
	db *PostgresDB
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db *PostgresDB) *CursorRepository {
	return &CursorRepository{db: db}
}

// Get returns the cursor of a contract, or a fresh zero cursor if none is stored
func (r *CursorRepository) Get(ctx context.Context, address string) (*models.PagedCursor, error) {
	query := `
		SELECT contract_address, continuation_token, total_indexed, api_reported_total, is_complete, updated_at
		FROM paged_cursors
		WHERE contract_address = $1
	`

	var c models.PagedCursor
	err := r.db.Pool().QueryRow(ctx, query, address).Scan(
		&c.ContractAddress,
		&c.ContinuationToken,
		&c.TotalIndexed,
		&c.APIReportedTotal,
		&c.IsComplete,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.PagedCursor{ContractAddress: address}, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get cursor", err)
	}
	return &c, nil
}

// Save upserts the cursor
func (r *CursorRepository) Save(ctx context.Context, c *models.PagedCursor) error {
	query := `
		INSERT INTO paged_cursors (contract_address, continuation_token, total_indexed, api_reported_total, is_complete, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (contract_address) DO UPDATE SET
			continuation_token = EXCLUDED.continuation_token,
			total_indexed = EXCLUDED.total_indexed,
			api_reported_total = EXCLUDED.api_reported_total,
			is_complete = EXCLUDED.is_complete,
			updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		c.ContractAddress,
		c.ContinuationToken,
		c.TotalIndexed,
		c.APIReportedTotal,
		c.IsComplete,
	)
	if err != nil {
		return apperrors.NewStorageError("save cursor", err)
	}
	return nil
}

// Delete removes the cursor so the next backfill starts from the beginning
func (r *CursorRepository) Delete(ctx context.Context, address string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM paged_cursors WHERE contract_address = $1`, address); err != nil {
		return apperrors.NewStorageError("delete cursor", err)
	}
	return nil
}
