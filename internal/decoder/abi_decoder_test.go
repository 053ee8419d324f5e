package decoder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testABI = `[
	{"type":"event","name":"Approval","anonymous":false,"inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"spender","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"Tagged","anonymous":false,"inputs":[
		{"name":"id","type":"uint64","indexed":true},
		{"name":"tag","type":"bytes32","indexed":false},
		{"name":"ok","type":"bool","indexed":false}
	]}
]`

func TestInteractionDecoder(t *testing.T) {
	d, err := New(testABI)
	require.NoError(t, err)

	t.Run("indexed and data arguments", func(t *testing.T) {
		approval := d.abi.Events["Approval"]
		lg := newLog([]common.Hash{approval.ID, addrTopic(alice), addrTopic(bob)}, uintWord(777))

		got, ok := d.DecodeInteraction(lg, blockTime)
		require.True(t, ok)
		assert.Equal(t, "Approval", got.EventName)
		assert.Equal(t, "0x00000000000000000000000000000000000000a1", got.Args["owner"])
		assert.Equal(t, "0x00000000000000000000000000000000000000b2", got.Args["spender"])
		assert.Equal(t, "777", got.Args["value"])
		assert.Equal(t, int64(7), got.LogIndex)
	})

	t.Run("fixed bytes and small ints", func(t *testing.T) {
		tagged := d.abi.Events["Tagged"]
		tag := common.HexToHash("0xff")
		data, err := tagged.Inputs.NonIndexed().Pack(tag, true)
		require.NoError(t, err)
		lg := newLog([]common.Hash{tagged.ID, common.BigToHash(big.NewInt(9))}, data)

		got, ok := d.DecodeInteraction(lg, blockTime)
		require.True(t, ok)
		assert.Equal(t, "9", got.Args["id"])
		assert.Equal(t, tag.Hex(), got.Args["tag"])
		assert.Equal(t, true, got.Args["ok"])
	})

	t.Run("unknown event", func(t *testing.T) {
		_, ok := d.DecodeInteraction(newLog([]common.Hash{TransferTopic}, nil), blockTime)
		assert.False(t, ok)
	})

	t.Run("truncated data", func(t *testing.T) {
		approval := d.abi.Events["Approval"]
		_, ok := d.DecodeInteraction(newLog([]common.Hash{approval.ID, addrTopic(alice), addrTopic(bob)}, []byte{1}), blockTime)
		assert.False(t, ok)
	})
}

func TestNewRejectsInvalidABI(t *testing.T) {
	_, err := New(`{not json`)
	assert.Error(t, err)
}
