// Package config provides configuration management for the contract indexer.
// It loads configuration from environment variables and .env files, and an
// optional contracts seed file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/contract-indexer/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Chain      ChainConfig
	Indexer    IndexerConfig
	Paged      PagedConfig
	Queue      QueueConfig
	Backfill   BackfillConfig
	Enrichment EnrichmentConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
	Explorer   ExplorerConfig

	// ContractsFile points at a YAML or JSON file with seed targets
	ContractsFile string
}

// ServerConfig holds admin API configuration
type ServerConfig struct {
	Port           string
	Host           string
	AllowedOrigins []string

	// ProgressCacheTTL bounds how stale a cached progress snapshot may be
	ProgressCacheTTL time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// ClickHouseConfig holds ClickHouse configuration. The mirror is off unless Enabled.
type ClickHouseConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MigrationsPath string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds the single chain this deployment indexes
type ChainConfig struct {
	ChainID int64
	RPCURLs []string
	// RPCTimeout bounds a single RPC call
	RPCTimeout time.Duration
}

// IndexerConfig holds range indexer configuration
type IndexerConfig struct {
	Workers      int
	WindowSize   uint64
	RetryDelay   time.Duration
	PollInterval time.Duration // scheduler tick over active contracts
}

// PagedConfig holds paginated indexer configuration
type PagedConfig struct {
	PageLimit              int
	MaxPages               int
	RateLimitDelay         time.Duration
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int
	DuplicatePageLimit     int
	OverrunRatio           float64
	SeenCacheTTL           time.Duration
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	StaleAfter   time.Duration
}

// BackfillConfig holds CSV export backfill configuration
type BackfillConfig struct {
	ExportBaseURL        string
	TransactionLimit     int
	PollAttempts         int
	PollInterval         time.Duration
	BatchSize            int
	MaxBatches           int
	ConcurrentRetries    int
	ConcurrentRetryDelay time.Duration
	DownloadTimeout      time.Duration
}

// EnrichmentConfig holds gap enrichment configuration
type EnrichmentConfig struct {
	InlineThreshold int
	BatchSize       int
	BatchDelay      time.Duration
	Concurrency     int
	Workers         int
	ChunkSize       int
	StaleTimeout    time.Duration
	GracePeriod     time.Duration
	MaxRestarts     int
	UseSubprocess   bool
	WorkerBinary    string
	Interval        time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	APIRequestsPerSecond float64
	APIBurst             int
	ExplorerRPS          float64
	ExplorerBurst        int
	// DetailBudget caps detail API calls per window across all processes
	DetailBudget       int64
	DetailBudgetWindow time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// ExplorerConfig holds the paginated and detail API configuration
type ExplorerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ContractSeed is one entry of the contracts seed file
type ContractSeed struct {
	Address     string          `mapstructure:"address"`
	DeployBlock uint64          `mapstructure:"deploy_block"`
	IndexMode   types.IndexMode `mapstructure:"index_mode"`
	ABI         string          `mapstructure:"abi"`
	Active      *bool           `mapstructure:"active"`
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:             getEnv("SERVER_PORT", "8080"),
			Host:             getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigins:   getEnvAsList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			ProgressCacheTTL: getEnvAsDuration("SERVER_PROGRESS_CACHE_TTL", 15*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "contract_indexer"),
				User:           getEnv("POSTGRES_USER", "indexer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:        getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:           getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:           getEnv("CLICKHOUSE_PORT", "9000"),
				Database:       getEnv("CLICKHOUSE_DB", "contract_indexer"),
				User:           getEnv("CLICKHOUSE_USER", "default"),
				Password:       getEnv("CLICKHOUSE_PASSWORD", ""),
				MigrationsPath: getEnv("CLICKHOUSE_MIGRATIONS_PATH", "migrations/clickhouse"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Chain: ChainConfig{
			ChainID:    int64(getEnvAsInt("CHAIN_ID", 57073)),
			RPCURLs:    getEnvAsList("RPC_URLS", nil),
			RPCTimeout: getEnvAsDuration("RPC_TIMEOUT", 30*time.Second),
		},
		Indexer: IndexerConfig{
			Workers:      getEnvAsInt("INDEXER_WORKERS", 4),
			WindowSize:   uint64(getEnvAsInt("INDEXER_WINDOW_SIZE", 2000)),
			RetryDelay:   getEnvAsDuration("INDEXER_RETRY_DELAY", 5*time.Second),
			PollInterval: getEnvAsDuration("INDEXER_POLL_INTERVAL", 30*time.Second),
		},
		Paged: PagedConfig{
			PageLimit:              getEnvAsInt("PAGED_PAGE_LIMIT", 100),
			MaxPages:               getEnvAsInt("PAGED_MAX_PAGES", 10000),
			RateLimitDelay:         getEnvAsDuration("PAGED_RATE_LIMIT_DELAY", 60*time.Second),
			InitialBackoff:         getEnvAsDuration("PAGED_INITIAL_BACKOFF", time.Second),
			MaxBackoff:             getEnvAsDuration("PAGED_MAX_BACKOFF", 30*time.Second),
			MaxConsecutiveFailures: getEnvAsInt("PAGED_MAX_CONSECUTIVE_FAILURES", 5),
			DuplicatePageLimit:     getEnvAsInt("PAGED_DUPLICATE_PAGE_LIMIT", 3),
			OverrunRatio:           getEnvAsFloat("PAGED_OVERRUN_RATIO", 0.10),
			SeenCacheTTL:           getEnvAsDuration("PAGED_SEEN_CACHE_TTL", 24*time.Hour),
		},
		Queue: QueueConfig{
			PollInterval: getEnvAsDuration("QUEUE_POLL_INTERVAL", 5*time.Second),
			MaxAttempts:  getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			StaleAfter:   getEnvAsDuration("QUEUE_STALE_AFTER", 30*time.Minute),
		},
		Backfill: BackfillConfig{
			ExportBaseURL:        getEnv("EXPORT_BASE_URL", "https://cdn.routescan.io/api/evm/all/exports"),
			TransactionLimit:     getEnvAsInt("EXPORT_TRANSACTION_LIMIT", 100000),
			PollAttempts:         getEnvAsInt("EXPORT_POLL_ATTEMPTS", 60),
			PollInterval:         getEnvAsDuration("EXPORT_POLL_INTERVAL", 5*time.Second),
			BatchSize:            getEnvAsInt("EXPORT_BATCH_SIZE", 500),
			MaxBatches:           getEnvAsInt("EXPORT_MAX_BATCHES", 100),
			ConcurrentRetries:    getEnvAsInt("EXPORT_CONCURRENT_RETRIES", 3),
			ConcurrentRetryDelay: getEnvAsDuration("EXPORT_CONCURRENT_RETRY_DELAY", 30*time.Second),
			DownloadTimeout:      getEnvAsDuration("EXPORT_DOWNLOAD_TIMEOUT", 5*time.Minute),
		},
		Enrichment: EnrichmentConfig{
			InlineThreshold: getEnvAsInt("ENRICH_INLINE_THRESHOLD", 100),
			BatchSize:       getEnvAsInt("ENRICH_BATCH_SIZE", 10),
			BatchDelay:      getEnvAsDuration("ENRICH_BATCH_DELAY", time.Second),
			Concurrency:     getEnvAsInt("ENRICH_CONCURRENCY", 5),
			Workers:         getEnvAsInt("ENRICH_WORKERS", 4),
			ChunkSize:       getEnvAsInt("ENRICH_CHUNK_SIZE", 500),
			StaleTimeout:    getEnvAsDuration("ENRICH_STALE_TIMEOUT", 5*time.Minute),
			GracePeriod:     getEnvAsDuration("ENRICH_GRACE_PERIOD", 10*time.Second),
			MaxRestarts:     getEnvAsInt("ENRICH_MAX_RESTARTS", 3),
			UseSubprocess:   getEnvAsBool("ENRICH_USE_SUBPROCESS", false),
			WorkerBinary:    getEnv("ENRICH_WORKER_BINARY", "enrich-worker"),
			Interval:        getEnvAsDuration("ENRICH_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			APIRequestsPerSecond: getEnvAsFloat("RATE_LIMIT_API_RPS", 20),
			APIBurst:             getEnvAsInt("RATE_LIMIT_API_BURST", 40),
			ExplorerRPS:          getEnvAsFloat("RATE_LIMIT_EXPLORER_RPS", 2),
			ExplorerBurst:        getEnvAsInt("RATE_LIMIT_EXPLORER_BURST", 2),
			DetailBudget:         int64(getEnvAsInt("RATE_LIMIT_DETAIL_BUDGET", 1000)),
			DetailBudgetWindow:   getEnvAsDuration("RATE_LIMIT_DETAIL_WINDOW", time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Explorer: ExplorerConfig{
			BaseURL: getEnv("EXPLORER_BASE_URL", "https://api.routescan.io/v2/network/mainnet/evm"),
			APIKey:  getEnv("EXPLORER_API_KEY", ""),
			Timeout: getEnvAsDuration("EXPLORER_TIMEOUT", 30*time.Second),
		},
		ContractsFile: getEnv("CONTRACTS_FILE", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would otherwise fail deep inside a worker
func (c *Config) Validate() error {
	if c.Indexer.Workers < 1 {
		return fmt.Errorf("INDEXER_WORKERS must be at least 1, got %d", c.Indexer.Workers)
	}
	if c.Indexer.WindowSize < 1 {
		return fmt.Errorf("INDEXER_WINDOW_SIZE must be at least 1")
	}
	if c.Paged.OverrunRatio < 0 {
		return fmt.Errorf("PAGED_OVERRUN_RATIO must not be negative")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Enrichment.ChunkSize < 1 || c.Enrichment.BatchSize < 1 {
		return fmt.Errorf("ENRICH_CHUNK_SIZE and ENRICH_BATCH_SIZE must be positive")
	}
	return nil
}

// RedisAddr returns host:port for the Redis client
func (r RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// LoadContractSeeds reads the contracts list from a YAML, TOML or JSON file.
// An empty path yields no seeds.
func LoadContractSeeds(path string) ([]ContractSeed, error) {
	if path == "" {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read contracts file %s: %w", path, err)
	}

	var seeds []ContractSeed
	if err := v.UnmarshalKey("contracts", &seeds); err != nil {
		return nil, fmt.Errorf("failed to decode contracts file %s: %w", path, err)
	}

	for i := range seeds {
		addr, err := types.NormalizeAddress(seeds[i].Address)
		if err != nil {
			return nil, fmt.Errorf("contracts[%d]: %w", i, err)
		}
		seeds[i].Address = addr
		if seeds[i].IndexMode == "" {
			seeds[i].IndexMode = types.IndexModeRange
		}
		if !seeds[i].IndexMode.Valid() {
			return nil, fmt.Errorf("contracts[%d]: unknown index_mode %q", i, seeds[i].IndexMode)
		}
	}

	return seeds, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
