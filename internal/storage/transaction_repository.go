package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
)

// TransactionRepository persists transactions, asset transfers and decoded interactions
type TransactionRepository struct {
	db *PostgresDB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *PostgresDB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// upsertTransactionSQL merges non-null fields into an existing row. The first
// writer fixes from_address, block and timestamp; later sources only fill gaps.
const upsertTransactionSQL = `
	INSERT INTO transactions (
		tx_hash, contract_address, from_address, to_address, value_wei,
		gas_limit, gas_used, gas_price, block_number, block_timestamp,
		status, method_id, source
	)
	VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8::text::numeric, $9, $10, $11, $12, $13)
	ON CONFLICT (tx_hash) DO UPDATE SET
		to_address = COALESCE(EXCLUDED.to_address, transactions.to_address),
		value_wei = CASE WHEN transactions.value_wei = 0 THEN EXCLUDED.value_wei ELSE transactions.value_wei END,
		gas_limit = COALESCE(EXCLUDED.gas_limit, transactions.gas_limit),
		gas_used = COALESCE(EXCLUDED.gas_used, transactions.gas_used),
		gas_price = COALESCE(EXCLUDED.gas_price, transactions.gas_price),
		status = CASE WHEN EXCLUDED.status = 'unknown' THEN transactions.status ELSE EXCLUDED.status END,
		method_id = COALESCE(EXCLUDED.method_id, transactions.method_id),
		updated_at = NOW()
`

// UpsertTransactions writes the transactions in one round trip
func (r *TransactionRepository) UpsertTransactions(ctx context.Context, txs []*models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, tx := range txs {
		value := tx.ValueWei
		if value == "" {
			value = "0"
		}
		batch.Queue(upsertTransactionSQL,
			tx.Hash,
			tx.ContractAddress,
			tx.From,
			tx.To,
			value,
			tx.GasLimit,
			tx.GasUsed,
			tx.GasPrice,
			tx.BlockNumber,
			tx.BlockTimestamp,
			tx.Status,
			tx.MethodID,
			tx.Source,
		)
	}

	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.NewStorageError("upsert transactions", err)
	}
	return nil
}

// UpsertTransfers writes asset transfers; existing (tx_hash, log_index) rows are kept
func (r *TransactionRepository) UpsertTransfers(ctx context.Context, transfers []*models.AssetTransfer) error {
	if len(transfers) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range transfers {
		batch.Queue(`
			INSERT INTO asset_transfers (
				tx_hash, log_index, contract_address, token_address, asset_type,
				from_address, to_address, amount_raw, token_id, batch_token_ids, batch_amounts,
				block_number, block_timestamp
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric, $10, $11, $12, $13)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
		`,
			t.TxHash,
			t.LogIndex,
			t.ContractAddress,
			t.TokenAddress,
			t.AssetType,
			t.From,
			t.To,
			t.AmountRaw,
			t.TokenID,
			t.BatchTokenIDs,
			t.BatchAmounts,
			t.BlockNumber,
			t.BlockTimestamp,
		)
	}

	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.NewStorageError("upsert transfers", err)
	}
	return nil
}

// UpsertInteractions writes ABI-decoded events
func (r *TransactionRepository) UpsertInteractions(ctx context.Context, items []*models.ContractInteraction) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		args := it.Args
		if args == nil {
			args = map[string]interface{}{}
		}
		batch.Queue(`
			INSERT INTO contract_interactions (
				tx_hash, log_index, contract_address, event_name, args, block_number, block_timestamp
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
		`, it.TxHash, it.LogIndex, it.ContractAddress, it.EventName, args, it.BlockNumber, it.BlockTimestamp)
	}

	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.NewStorageError("upsert interactions", err)
	}
	return nil
}

// ExistingHashes returns which of the given hashes are already stored
func (r *TransactionRepository) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	rows, err := r.db.Pool().Query(ctx, `SELECT tx_hash FROM transactions WHERE tx_hash = ANY($1)`, hashes)
	if err != nil {
		return nil, apperrors.NewStorageError("lookup hashes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		out[h] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hashes: %w", err)
	}
	return out, nil
}

// GetByHash retrieves a transaction by hash
func (r *TransactionRepository) GetByHash(ctx context.Context, hash string) (*models.Transaction, error) {
	query := `
		SELECT tx_hash, contract_address, from_address, to_address, value_wei::text,
			gas_limit, gas_used, gas_price::text, block_number, block_timestamp,
			status, method_id, source
		FROM transactions
		WHERE tx_hash = $1
	`

	var tx models.Transaction
	err := r.db.Pool().QueryRow(ctx, query, hash).Scan(
		&tx.Hash,
		&tx.ContractAddress,
		&tx.From,
		&tx.To,
		&tx.ValueWei,
		&tx.GasLimit,
		&tx.GasUsed,
		&tx.GasPrice,
		&tx.BlockNumber,
		&tx.BlockTimestamp,
		&tx.Status,
		&tx.MethodID,
		&tx.Source,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("transaction", hash)
		}
		return nil, apperrors.NewStorageError("get transaction", err)
	}
	return &tx, nil
}

// ContractCounts holds row counts for the progress view
type ContractCounts struct {
	Transactions int64
	Transfers    int64
	Enrichments  int64
}

// CountByContract returns row counts for one contract
func (r *TransactionRepository) CountByContract(ctx context.Context, address string) (*ContractCounts, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM transactions WHERE contract_address = $1),
			(SELECT COUNT(*) FROM asset_transfers WHERE contract_address = $1),
			(SELECT COUNT(*) FROM enrichments e JOIN transactions t ON t.tx_hash = e.tx_hash WHERE t.contract_address = $1)
	`

	var c ContractCounts
	if err := r.db.Pool().QueryRow(ctx, query, address).Scan(&c.Transactions, &c.Transfers, &c.Enrichments); err != nil {
		return nil, apperrors.NewStorageError("count contract rows", err)
	}
	return &c, nil
}
