package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	t.Run("lowercases and trims", func(t *testing.T) {
		got, err := NormalizeAddress("  0x1D74317d760f2c72A94386f50E8D10f2C902b899 ")
		require.NoError(t, err)
		assert.Equal(t, "0x1d74317d760f2c72a94386f50e8d10f2c902b899", got)
	})

	t.Run("adds missing prefix", func(t *testing.T) {
		got, err := NormalizeAddress("1D74317d760f2c72A94386f50E8D10f2C902b899")
		require.NoError(t, err)
		assert.Equal(t, "0x1d74317d760f2c72a94386f50e8d10f2c902b899", got)
	})

	t.Run("rejects short address", func(t *testing.T) {
		_, err := NormalizeAddress("0x1234")
		assert.Error(t, err)
	})

	t.Run("rejects non hex", func(t *testing.T) {
		_, err := NormalizeAddress("0xZZ74317d760f2c72A94386f50E8D10f2C902b899")
		assert.Error(t, err)
	})
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
	assert.False(t, JobStatusFailed.Terminal())
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
}

func TestIndexModeValid(t *testing.T) {
	assert.True(t, IndexModeRange.Valid())
	assert.True(t, IndexModePaginated.Valid())
	assert.False(t, IndexMode("scan").Valid())
}
