package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/contract-indexer/internal/config"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/models"
)

// ClickHouseDB wraps the ClickHouse connection
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping checks if ClickHouse is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// TransferMirror copies asset transfers into ClickHouse for analytics.
// Postgres stays the source of truth; replays are collapsed by the
// ReplacingMergeTree key.
type TransferMirror struct {
	db *ClickHouseDB
}

// NewTransferMirror creates a transfer mirror
func NewTransferMirror(db *ClickHouseDB) *TransferMirror {
	return &TransferMirror{db: db}
}

// MirrorTransfers appends the transfers in a single batch
func (m *TransferMirror) MirrorTransfers(ctx context.Context, transfers []*models.AssetTransfer) error {
	if len(transfers) == 0 {
		return nil
	}

	batch, err := m.db.Conn().PrepareBatch(ctx, `
		INSERT INTO asset_transfers (
			tx_hash, log_index, contract_address, token_address, asset_type,
			from_address, to_address, amount_raw, token_id, batch_token_ids, batch_amounts,
			block_number, block_timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare mirror batch: %w", err)
	}

	for _, t := range transfers {
		ids := t.BatchTokenIDs
		if ids == nil {
			ids = []string{}
		}
		amounts := t.BatchAmounts
		if amounts == nil {
			amounts = []string{}
		}
		if err := batch.Append(
			t.TxHash,
			t.LogIndex,
			t.ContractAddress,
			t.TokenAddress,
			string(t.AssetType),
			t.From,
			t.To,
			t.AmountRaw,
			t.TokenID,
			ids,
			amounts,
			t.BlockNumber,
			t.BlockTimestamp,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append transfer %s/%d: %w", t.TxHash, t.LogIndex, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send mirror batch: %w", err)
	}

	logging.WithField("rows", len(transfers)).Debug("Mirrored transfers to ClickHouse")
	return nil
}
