package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const campaignDetailPrefix = "campaign:detail:"

// CampaignCache holds rendered campaign detail documents. Entries are dropped
// when a unit of work touching the campaign commits and otherwise expire after
// the TTL.
type CampaignCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCampaignCache creates a cache over an open Redis connection
func NewCampaignCache(redis *RedisCache, ttl time.Duration) *CampaignCache {
	return &CampaignCache{redis: redis, ttl: ttl}
}

// DetailKey returns the cache key of a campaign's detail document
func DetailKey(address string) string {
	return campaignDetailPrefix + strings.ToLower(address)
}

// GetDetail decodes the cached detail of a campaign into dest
func (c *CampaignCache) GetDetail(ctx context.Context, address string, dest any) (bool, error) {
	data, found, err := c.redis.Get(ctx, DetailKey(address))
	if err != nil {
		return false, fmt.Errorf("failed to read cache: %w", err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// SetDetail stores a campaign's detail document
func (c *CampaignCache) SetDetail(ctx context.Context, address string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, DetailKey(address), data, c.ttl)
}

// Invalidate drops the cached details of the given campaigns
func (c *CampaignCache) Invalidate(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = DetailKey(a)
	}
	return c.redis.Del(ctx, keys...)
}

// TTL returns the configured entry lifetime
func (c *CampaignCache) TTL() time.Duration {
	return c.ttl
}
