package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-indexer/internal/types"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("RPC_URLS", "http://a:8545, ,http://b:8545")
	t.Setenv("INDEXER_RETRY_DELAY", "250ms")
	t.Setenv("CLICKHOUSE_ENABLED", "true")
	t.Setenv("PAGED_OVERRUN_RATIO", "0.25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "testhost", cfg.Database.Postgres.Host)
	assert.Equal(t, []string{"http://a:8545", "http://b:8545"}, cfg.Chain.RPCURLs)
	assert.Equal(t, 250*time.Millisecond, cfg.Indexer.RetryDelay)
	assert.True(t, cfg.Database.ClickHouse.Enabled)
	assert.InDelta(t, 0.25, cfg.Paged.OverrunRatio, 1e-9)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(57073), cfg.Chain.ChainID)
	assert.Equal(t, 100, cfg.Enrichment.InlineThreshold)
	assert.Equal(t, 60, cfg.Backfill.PollAttempts)
	assert.Equal(t, 5*time.Second, cfg.Backfill.PollInterval)
	assert.Equal(t, 5, cfg.Paged.MaxConsecutiveFailures)
	assert.Equal(t, 3, cfg.Paged.DuplicatePageLimit)
	assert.Equal(t, "localhost:6379", cfg.Database.Redis.RedisAddr())
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("INDEXER_WORKERS", "0")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnv(tt.key, tt.defaultValue))
		})
	}
}

func TestGetEnvAsTyped(t *testing.T) {
	t.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvAsInt("TEST_INT", 7))

	t.Setenv("TEST_BOOL", "yes-please")
	assert.False(t, getEnvAsBool("TEST_BOOL", false))

	t.Setenv("TEST_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, getEnvAsDuration("TEST_DURATION", time.Second))
}

func TestLoadContractSeeds(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(dir, "contracts.yaml")
		content := `contracts:
  - address: "0x1D74317d760f2c72A94386f50E8D10f2C902b899"
    deploy_block: 1200
  - address: "0x00000000000000000000000000000000000000aa"
    deploy_block: 5
    index_mode: paginated
    active: false
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		seeds, err := LoadContractSeeds(path)
		require.NoError(t, err)
		require.Len(t, seeds, 2)
		assert.Equal(t, "0x1d74317d760f2c72a94386f50e8d10f2c902b899", seeds[0].Address)
		assert.Equal(t, uint64(1200), seeds[0].DeployBlock)
		assert.Equal(t, types.IndexModeRange, seeds[0].IndexMode)
		assert.Nil(t, seeds[0].Active)
		assert.Equal(t, types.IndexModePaginated, seeds[1].IndexMode)
		require.NotNil(t, seeds[1].Active)
		assert.False(t, *seeds[1].Active)
	})

	t.Run("bad address", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"contracts":[{"address":"0x12"}]}`), 0o600))
		_, err := LoadContractSeeds(path)
		assert.Error(t, err)
	})

	t.Run("empty path", func(t *testing.T) {
		seeds, err := LoadContractSeeds("")
		require.NoError(t, err)
		assert.Nil(t, seeds)
	})
}
