package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contract-indexer/internal/models"
)

// ProgressCache keeps short-lived JSON snapshots of contract progress so that
// dashboards polling the API do not rescan the range and transaction tables.
type ProgressCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewProgressCache creates a progress cache
func NewProgressCache(client redis.Cmdable, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &ProgressCache{client: client, ttl: ttl}
}

// Format: progress:<address>
func progressKey(address string) string {
	return "progress:" + strings.ToLower(address)
}

// Get returns the cached progress, or false on a miss
func (c *ProgressCache) Get(ctx context.Context, address string) (*models.ContractProgress, bool, error) {
	data, err := c.client.Get(ctx, progressKey(address)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}

	var p models.ContractProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return &p, true, nil
}

// Set stores progress with the configured TTL
func (c *ProgressCache) Set(ctx context.Context, p *models.ContractProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, progressKey(p.Address), data, c.ttl).Err()
}

// Invalidate drops the cached progress of an address
func (c *ProgressCache) Invalidate(ctx context.Context, address string) error {
	return c.client.Del(ctx, progressKey(address)).Err()
}
