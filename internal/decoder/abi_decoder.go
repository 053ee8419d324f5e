package decoder

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/contract-indexer/internal/models"
)

// InteractionDecoder decodes events of one contract ABI into interaction records
type InteractionDecoder struct {
	abi abi.ABI
}

// New parses a contract ABI in its standard JSON form
func New(abiJSON string) (*InteractionDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	return &InteractionDecoder{abi: parsed}, nil
}

// DecodeInteraction decodes lg against the ABI. It reports false for
// anonymous or unknown events and for data that does not match the event.
func (d *InteractionDecoder) DecodeInteraction(lg *ethtypes.Log, blockTime time.Time) (*models.ContractInteraction, bool) {
	if lg == nil || len(lg.Topics) == 0 {
		return nil, false
	}
	event, err := d.abi.EventByID(lg.Topics[0])
	if err != nil {
		return nil, false
	}

	args := make(map[string]interface{})
	if err := d.abi.UnpackIntoMap(args, event.Name, lg.Data); err != nil {
		return nil, false
	}

	var indexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			return nil, false
		}
	}

	for k, v := range args {
		args[k] = jsonValue(v)
	}

	return &models.ContractInteraction{
		TxHash:          strings.ToLower(lg.TxHash.Hex()),
		LogIndex:        int64(lg.Index),
		ContractAddress: strings.ToLower(lg.Address.Hex()),
		EventName:       event.Name,
		Args:            args,
		BlockNumber:     lg.BlockNumber,
		BlockTimestamp:  blockTime.UTC(),
	}, true
}

// jsonValue converts ABI values so they round-trip through JSONB without
// losing precision: integers become decimal strings, bytes become hex.
func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return strings.ToLower(x.Hex())
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case string, bool:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprint(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprint(rv.Uint())
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = jsonValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}
