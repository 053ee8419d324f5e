package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contract-indexer/internal/config"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SeenHashCache remembers transaction hashes already ingested per contract, so
// the live poller can find its stop point without a database round trip.
type SeenHashCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewSeenHashCache creates a seen-hash cache. Each contract set expires ttl
// after its last write.
func NewSeenHashCache(client redis.Cmdable, ttl time.Duration) *SeenHashCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SeenHashCache{client: client, ttl: ttl}
}

func seenKey(contract string) string {
	return "seen:" + contract
}

// Add records hashes as seen for the contract
func (c *SeenHashCache) Add(ctx context.Context, contract string, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	members := make([]interface{}, len(hashes))
	for i, h := range hashes {
		members[i] = h
	}

	key := seenKey(contract)
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add seen hashes: %w", err)
	}
	return nil
}

// Seen reports, per hash, whether it was recorded for the contract
func (c *SeenHashCache) Seen(ctx context.Context, contract string, hashes ...string) ([]bool, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(hashes))
	for i, h := range hashes {
		members[i] = h
	}

	res, err := c.client.SMIsMember(ctx, seenKey(contract), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check seen hashes: %w", err)
	}
	return res, nil
}

// Reset forgets every hash of the contract
func (c *SeenHashCache) Reset(ctx context.Context, contract string) error {
	if err := c.client.Del(ctx, seenKey(contract)).Err(); err != nil {
		return fmt.Errorf("failed to reset seen hashes: %w", err)
	}
	return nil
}
