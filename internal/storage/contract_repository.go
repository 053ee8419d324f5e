package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
)

// ContractRepository handles contract target persistence
type ContractRepository struct {
	db *PostgresDB
}

// NewContractRepository creates a new contract repository
func NewContractRepository(db *PostgresDB) *ContractRepository {
	return &ContractRepository{db: db}
}

const contractColumns = `address, chain_id, deploy_block, index_mode, abi, is_active, created_at, updated_at`

func scanContract(row pgx.Row) (*models.ContractTarget, error) {
	var c models.ContractTarget
	err := row.Scan(
		&c.Address,
		&c.ChainID,
		&c.DeployBlock,
		&c.IndexMode,
		&c.ABI,
		&c.IsActive,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new contract. An existing address is a conflict.
func (r *ContractRepository) Create(ctx context.Context, c *models.ContractTarget) error {
	created, err := r.CreateIfAbsent(ctx, c)
	if err != nil {
		return err
	}
	if !created {
		return apperrors.NewConflictError(fmt.Sprintf("contract already exists: %s", c.Address))
	}
	return nil
}

// CreateIfAbsent inserts the contract unless the address is already present
func (r *ContractRepository) CreateIfAbsent(ctx context.Context, c *models.ContractTarget) (bool, error) {
	query := `
		INSERT INTO contracts (address, chain_id, deploy_block, index_mode, abi, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.Address,
		c.ChainID,
		c.DeployBlock,
		c.IndexMode,
		c.ABI,
		c.IsActive,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewStorageError("create contract", err)
	}
	return true, nil
}

// Get retrieves a contract by address
func (r *ContractRepository) Get(ctx context.Context, address string) (*models.ContractTarget, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE address = $1`

	c, err := scanContract(r.db.Pool().QueryRow(ctx, query, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("contract", address)
		}
		return nil, apperrors.NewStorageError("get contract", err)
	}
	return c, nil
}

// List returns contracts ordered by address
func (r *ContractRepository) List(ctx context.Context, activeOnly bool) ([]*models.ContractTarget, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE ($1 = FALSE OR is_active) ORDER BY address`

	rows, err := r.db.Pool().Query(ctx, query, activeOnly)
	if err != nil {
		return nil, apperrors.NewStorageError("list contracts", err)
	}
	defer rows.Close()

	var out []*models.ContractTarget
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contracts: %w", err)
	}
	return out, nil
}

// Update changes the mutable fields of a contract. Nil arguments are left untouched.
func (r *ContractRepository) Update(ctx context.Context, address string, isActive *bool, deployBlock *uint64) (*models.ContractTarget, error) {
	query := `
		UPDATE contracts
		SET is_active = COALESCE($2, is_active),
			deploy_block = COALESCE($3, deploy_block),
			updated_at = NOW()
		WHERE address = $1
		RETURNING ` + contractColumns

	c, err := scanContract(r.db.Pool().QueryRow(ctx, query, address, isActive, deployBlock))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("contract", address)
		}
		return nil, apperrors.NewStorageError("update contract", err)
	}
	return c, nil
}

// Delete removes a contract and, by cascade, its ranges and cursor
func (r *ContractRepository) Delete(ctx context.Context, address string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM contracts WHERE address = $1`, address)
	if err != nil {
		return apperrors.NewStorageError("delete contract", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("contract", address)
	}
	return nil
}
