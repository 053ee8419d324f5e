package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
)

// BlockSpan is a planned [Start, End] block interval
type BlockSpan struct {
	Start uint64
	End   uint64
}

// RangeRepository persists index ranges and their progress markers
type RangeRepository struct {
	db *PostgresDB
}

// NewRangeRepository creates a new range repository
func NewRangeRepository(db *PostgresDB) *RangeRepository {
	return &RangeRepository{db: db}
}

// ListByContract returns all ranges of a contract ordered by range_start
func (r *RangeRepository) ListByContract(ctx context.Context, address string) ([]*models.IndexRange, error) {
	query := `
		SELECT id, contract_address, range_start, range_end, current_block, is_complete, updated_at
		FROM index_ranges
		WHERE contract_address = $1
		ORDER BY range_start
	`

	rows, err := r.db.Pool().Query(ctx, query, address)
	if err != nil {
		return nil, apperrors.NewStorageError("list ranges", err)
	}
	defer rows.Close()

	var out []*models.IndexRange
	for rows.Next() {
		var rg models.IndexRange
		if err := rows.Scan(
			&rg.ID,
			&rg.ContractAddress,
			&rg.RangeStart,
			&rg.RangeEnd,
			&rg.CurrentBlock,
			&rg.IsComplete,
			&rg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan index range: %w", err)
		}
		out = append(out, &rg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index ranges: %w", err)
	}
	return out, nil
}

// CreateRanges inserts the spans in one transaction. Spans whose start already
// exists for the contract are skipped, so a repeated plan is a no-op.
func (r *RangeRepository) CreateRanges(ctx context.Context, address string, spans []BlockSpan) error {
	if len(spans) == 0 {
		return nil
	}

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, s := range spans {
			batch.Queue(`
				INSERT INTO index_ranges (contract_address, range_start, range_end, current_block, is_complete)
				VALUES ($1, $2, $3, $2, FALSE)
				ON CONFLICT (contract_address, range_start) DO NOTHING
			`, address, s.Start, s.End)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return apperrors.NewStorageError("create ranges", err)
	}
	return nil
}

// UpdateProgress moves current_block forward. It never moves backwards, and
// is_complete is derived from the stored bounds.
func (r *RangeRepository) UpdateProgress(ctx context.Context, id int64, currentBlock uint64) (*models.IndexRange, error) {
	query := `
		UPDATE index_ranges
		SET current_block = LEAST(GREATEST(current_block, $2), range_end),
			is_complete = LEAST(GREATEST(current_block, $2), range_end) >= range_end,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, contract_address, range_start, range_end, current_block, is_complete, updated_at
	`

	var rg models.IndexRange
	err := r.db.Pool().QueryRow(ctx, query, id, currentBlock).Scan(
		&rg.ID,
		&rg.ContractAddress,
		&rg.RangeStart,
		&rg.RangeEnd,
		&rg.CurrentBlock,
		&rg.IsComplete,
		&rg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("index range", fmt.Sprint(id))
		}
		return nil, apperrors.NewStorageError("update range progress", err)
	}
	return &rg, nil
}

// DeleteByContract removes all ranges of a contract
func (r *RangeRepository) DeleteByContract(ctx context.Context, address string) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM index_ranges WHERE contract_address = $1`, address)
	if err != nil {
		return 0, apperrors.NewStorageError("delete ranges", err)
	}
	return result.RowsAffected(), nil
}
