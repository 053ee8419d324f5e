package models

import (
	"time"

	"github.com/contract-indexer/internal/types"
)

// Transaction is a normalized transaction touching a tracked contract.
// Keyed by hash; optional fields are merged on conflict rather than overwritten with null.
type Transaction struct {
	Hash            string                  `json:"hash" db:"tx_hash"`
	ContractAddress string                  `json:"contractAddress" db:"contract_address"`
	From            string                  `json:"from" db:"from_address"`
	To              *string                 `json:"to,omitempty" db:"to_address"`
	ValueWei        string                  `json:"valueWei" db:"value_wei"`
	GasLimit        *uint64                 `json:"gasLimit,omitempty" db:"gas_limit"`
	GasUsed         *uint64                 `json:"gasUsed,omitempty" db:"gas_used"`
	GasPrice        *string                 `json:"gasPrice,omitempty" db:"gas_price"`
	BlockNumber     uint64                  `json:"blockNumber" db:"block_number"`
	BlockTimestamp  time.Time               `json:"blockTimestamp" db:"block_timestamp"`
	Status          types.TransactionStatus `json:"status" db:"status"`
	MethodID        *string                 `json:"methodId,omitempty" db:"method_id"`
	Source          types.TransactionSource `json:"source" db:"source"`
}
