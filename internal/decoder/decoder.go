// Package decoder turns raw EVM logs and transactions into asset transfer
// and contract interaction records. Functions here hold no state.
package decoder

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

var (
	// TransferTopic is keccak256("Transfer(address,address,uint256)"), shared by ERC20 and ERC721
	TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	// TransferSingleTopic is keccak256("TransferSingle(address,address,address,uint256,uint256)")
	TransferSingleTopic = common.HexToHash("0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62")
	// TransferBatchTopic is keccak256("TransferBatch(address,address,address,uint256[],uint256[])")
	TransferBatchTopic = common.HexToHash("0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb")
)

// NativeTokenAddress is recorded as the token of synthetic native-value transfers
const NativeTokenAddress = "0x0000000000000000000000000000000000000000"

// TransferTopics lists the event signatures DecodeLog understands, usable as a topic[0] filter
func TransferTopics() []common.Hash {
	return []common.Hash{TransferTopic, TransferSingleTopic, TransferBatchTopic}
}

var batchArguments = func() abi.Arguments {
	uintArray, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: uintArray}, {Type: uintArray}}
}()

// DecodeLog returns the asset transfer carried by lg, or false when the log is
// not a recognised transfer event or is too short to decode.
func DecodeLog(lg *ethtypes.Log, blockTime time.Time) (*models.AssetTransfer, bool) {
	if lg == nil || len(lg.Topics) == 0 {
		return nil, false
	}

	token := strings.ToLower(lg.Address.Hex())
	t := &models.AssetTransfer{
		TxHash:          strings.ToLower(lg.TxHash.Hex()),
		LogIndex:        int64(lg.Index),
		ContractAddress: token,
		TokenAddress:    token,
		BlockNumber:     lg.BlockNumber,
		BlockTimestamp:  blockTime.UTC(),
	}

	switch lg.Topics[0] {
	case TransferTopic:
		switch len(lg.Topics) {
		case 4:
			t.AssetType = types.AssetERC721
			t.From = topicAddress(lg.Topics[1])
			t.To = topicAddress(lg.Topics[2])
			t.TokenID = strPtr(new(big.Int).SetBytes(lg.Topics[3].Bytes()).String())
			t.AmountRaw = strPtr("1")
		case 3:
			if len(lg.Data) < 32 {
				return nil, false
			}
			t.AssetType = types.AssetERC20
			t.From = topicAddress(lg.Topics[1])
			t.To = topicAddress(lg.Topics[2])
			t.AmountRaw = strPtr(word(lg.Data, 0))
		default:
			return nil, false
		}

	case TransferSingleTopic:
		if len(lg.Topics) < 4 || len(lg.Data) < 64 {
			return nil, false
		}
		t.AssetType = types.AssetERC1155
		t.From = topicAddress(lg.Topics[2])
		t.To = topicAddress(lg.Topics[3])
		t.TokenID = strPtr(word(lg.Data, 0))
		t.AmountRaw = strPtr(word(lg.Data, 1))

	case TransferBatchTopic:
		if len(lg.Topics) < 4 {
			return nil, false
		}
		t.AssetType = types.AssetERC1155Batch
		t.From = topicAddress(lg.Topics[2])
		t.To = topicAddress(lg.Topics[3])
		t.BatchTokenIDs, t.BatchAmounts = decodeBatch(lg.Data)

	default:
		return nil, false
	}

	return t, true
}

// decodeBatch unpacks (uint256[] ids, uint256[] values). Malformed data yields nil arrays.
func decodeBatch(data []byte) ([]string, []string) {
	values, err := batchArguments.Unpack(data)
	if err != nil || len(values) != 2 {
		return nil, nil
	}
	ids, ok1 := values[0].([]*big.Int)
	amounts, ok2 := values[1].([]*big.Int)
	if !ok1 || !ok2 || len(ids) != len(amounts) {
		return nil, nil
	}
	return bigStrings(ids), bigStrings(amounts)
}

// NativeTransfer synthesizes the log_index -1 transfer for a transaction that
// moves native value. It reports false when value is zero or unparsable.
func NativeTransfer(tx *models.Transaction) (*models.AssetTransfer, bool) {
	if tx == nil {
		return nil, false
	}
	value, ok := new(big.Int).SetString(tx.ValueWei, 10)
	if !ok || value.Sign() <= 0 {
		return nil, false
	}

	to := ""
	if tx.To != nil {
		to = *tx.To
	}
	return &models.AssetTransfer{
		TxHash:          tx.Hash,
		LogIndex:        models.NativeLogIndex,
		ContractAddress: tx.ContractAddress,
		TokenAddress:    NativeTokenAddress,
		AssetType:       types.AssetETH,
		From:            tx.From,
		To:              to,
		AmountRaw:       strPtr(value.String()),
		BlockNumber:     tx.BlockNumber,
		BlockTimestamp:  tx.BlockTimestamp,
	}, true
}

func topicAddress(h common.Hash) string {
	return strings.ToLower(common.BytesToAddress(h.Bytes()).Hex())
}

// word returns the i-th 32-byte word of data as a decimal string
func word(data []byte, i int) string {
	return new(big.Int).SetBytes(data[i*32 : (i+1)*32]).String()
}

func bigStrings(in []*big.Int) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = v.String()
	}
	return out
}

func strPtr(s string) *string {
	return &s
}
