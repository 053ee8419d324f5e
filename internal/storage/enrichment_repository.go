package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
)

// EnrichmentRepository persists detail-API enrichment rows and finds gaps
type EnrichmentRepository struct {
	db *PostgresDB
}

// NewEnrichmentRepository creates a new enrichment repository
func NewEnrichmentRepository(db *PostgresDB) *EnrichmentRepository {
	return &EnrichmentRepository{db: db}
}

// CountPending counts transactions of a contract with no enrichment row
func (r *EnrichmentRepository) CountPending(ctx context.Context, contract string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions t
		WHERE t.contract_address = $1
		  AND NOT EXISTS (SELECT 1 FROM enrichments e WHERE e.tx_hash = t.tx_hash)
	`

	var n int64
	if err := r.db.Pool().QueryRow(ctx, query, contract).Scan(&n); err != nil {
		return 0, apperrors.NewStorageError("count pending enrichment", err)
	}
	return n, nil
}

// ListPending returns up to limit unenriched hashes with tx_hash > after,
// and tx_hash <= upto when upto is non-empty, in tx_hash order
func (r *EnrichmentRepository) ListPending(ctx context.Context, contract, after, upto string, limit int) ([]string, error) {
	query := `
		SELECT t.tx_hash
		FROM transactions t
		WHERE t.contract_address = $1
		  AND t.tx_hash > $2
		  AND ($3 = '' OR t.tx_hash <= $3)
		  AND NOT EXISTS (SELECT 1 FROM enrichments e WHERE e.tx_hash = t.tx_hash)
		ORDER BY t.tx_hash
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query, contract, after, upto, limit)
	if err != nil {
		return nil, apperrors.NewStorageError("list pending enrichment", err)
	}
	return collectHashes(rows)
}

// ChunkBoundaries snapshots the pending set and returns the last hash of every
// chunkSize-sized slice, so consecutive boundaries delimit (after, upto] ranges
func (r *EnrichmentRepository) ChunkBoundaries(ctx context.Context, contract string, chunkSize int) ([]string, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	query := `
		SELECT tx_hash FROM (
			SELECT t.tx_hash,
				ROW_NUMBER() OVER (ORDER BY t.tx_hash) AS rn,
				COUNT(*) OVER () AS total
			FROM transactions t
			WHERE t.contract_address = $1
			  AND NOT EXISTS (SELECT 1 FROM enrichments e WHERE e.tx_hash = t.tx_hash)
		) s
		WHERE rn % $2 = 0 OR rn = total
		ORDER BY tx_hash
	`

	rows, err := r.db.Pool().Query(ctx, query, contract, chunkSize)
	if err != nil {
		return nil, apperrors.NewStorageError("chunk pending enrichment", err)
	}
	return collectHashes(rows)
}

func collectHashes(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hashes: %w", err)
	}
	return out, nil
}

// Upsert writes enrichment rows. A later enriched result replaces an earlier not_found.
func (r *EnrichmentRepository) Upsert(ctx context.Context, items []*models.Enrichment) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range items {
		batch.Queue(`
			INSERT INTO enrichments (
				tx_hash, status, gas_used, effective_gas_price, fee_wei,
				log_count, operation_count, detail, enriched_at
			)
			VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7, $8::jsonb, NOW())
			ON CONFLICT (tx_hash) DO UPDATE SET
				status = EXCLUDED.status,
				gas_used = COALESCE(EXCLUDED.gas_used, enrichments.gas_used),
				effective_gas_price = COALESCE(EXCLUDED.effective_gas_price, enrichments.effective_gas_price),
				fee_wei = COALESCE(EXCLUDED.fee_wei, enrichments.fee_wei),
				log_count = COALESCE(EXCLUDED.log_count, enrichments.log_count),
				operation_count = COALESCE(EXCLUDED.operation_count, enrichments.operation_count),
				detail = COALESCE(EXCLUDED.detail, enrichments.detail),
				enriched_at = NOW()
			WHERE enrichments.status <> 'enriched' OR EXCLUDED.status = 'enriched'
		`,
			e.TxHash,
			e.Status,
			e.GasUsed,
			e.EffectiveGasPrice,
			e.FeeWei,
			e.LogCount,
			e.OperationCount,
			detailText(e.Detail),
		)
	}

	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.NewStorageError("upsert enrichments", err)
	}
	return nil
}

func detailText(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}
