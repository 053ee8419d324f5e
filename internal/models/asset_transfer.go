package models

import (
	"time"

	"github.com/contract-indexer/internal/types"
)

// NativeLogIndex is the log index reserved for the value transfer carried by the transaction itself
const NativeLogIndex = -1

// AssetTransfer is one decoded movement of value, keyed by (tx_hash, log_index)
type AssetTransfer struct {
	TxHash          string          `json:"txHash" db:"tx_hash" ch:"tx_hash"`
	LogIndex        int64           `json:"logIndex" db:"log_index" ch:"log_index"`
	ContractAddress string          `json:"contractAddress" db:"contract_address" ch:"contract_address"`
	TokenAddress    string          `json:"tokenAddress" db:"token_address" ch:"token_address"`
	AssetType       types.AssetType `json:"assetType" db:"asset_type" ch:"asset_type"`
	From            string          `json:"from" db:"from_address" ch:"from_address"`
	To              string          `json:"to" db:"to_address" ch:"to_address"`
	AmountRaw       *string         `json:"amountRaw,omitempty" db:"amount_raw" ch:"amount_raw"`
	TokenID         *string         `json:"tokenId,omitempty" db:"token_id" ch:"token_id"`
	BatchTokenIDs   []string        `json:"batchTokenIds,omitempty" db:"batch_token_ids" ch:"batch_token_ids"`
	BatchAmounts    []string        `json:"batchAmounts,omitempty" db:"batch_amounts" ch:"batch_amounts"`
	BlockNumber     uint64          `json:"blockNumber" db:"block_number" ch:"block_number"`
	BlockTimestamp  time.Time       `json:"blockTimestamp" db:"block_timestamp" ch:"block_timestamp"`
}

// Key returns the identity of the transfer
func (t *AssetTransfer) Key() TransferKey {
	return TransferKey{TxHash: t.TxHash, LogIndex: t.LogIndex}
}

// TransferKey identifies an asset transfer
type TransferKey struct {
	TxHash   string
	LogIndex int64
}

// ContractInteraction is an ABI-decoded event emitted by a tracked contract
type ContractInteraction struct {
	TxHash          string                 `json:"txHash" db:"tx_hash"`
	LogIndex        int64                  `json:"logIndex" db:"log_index"`
	ContractAddress string                 `json:"contractAddress" db:"contract_address"`
	EventName       string                 `json:"eventName" db:"event_name"`
	Args            map[string]interface{} `json:"args" db:"args"`
	BlockNumber     uint64                 `json:"blockNumber" db:"block_number"`
	BlockTimestamp  time.Time              `json:"blockTimestamp" db:"block_timestamp"`
}
