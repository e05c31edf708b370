// Package redis provides a Redis implementation of the billing.PlanCache interface.
// The active plan list is stored as one JSON value with a TTL and dropped on
// every catalog write.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billing/pkg/billing"
)

// PlanCache implements billing.PlanCache using Redis
type PlanCache struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billing:")
	KeyPrefix string

	// DefaultTTL applies when SetActivePlans is called with ttl <= 0
	// (default: 5m)
	DefaultTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "billing:",
		DefaultTTL: 5 * time.Minute,
	}
}

// New creates a new Redis plan cache
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*PlanCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "billing:"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	return &PlanCache{client: client, config: config}, nil
}

// NewFromURL parses a redis:// URL and returns a cache plus the client so
// the caller can close it.
func NewFromURL(rawURL string, config Config) (*PlanCache, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	cache, err := New(client, config)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return cache, client, nil
}

func (c *PlanCache) activePlansKey() string {
	return c.config.KeyPrefix + "plans:active"
}

// GetActivePlans implements billing.PlanCache
func (c *PlanCache) GetActivePlans(ctx context.Context) ([]billing.Plan, bool, error) {
	data, err := c.client.Get(ctx, c.activePlansKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read active plans: %w", err)
	}

	var plans []billing.Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		// A corrupt entry is dropped so the next read repopulates it.
		_ = c.client.Del(ctx, c.activePlansKey()).Err()
		return nil, false, fmt.Errorf("failed to decode active plans: %w", err)
	}
	return plans, true, nil
}

// SetActivePlans implements billing.PlanCache
func (c *PlanCache) SetActivePlans(ctx context.Context, plans []billing.Plan, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	if plans == nil {
		plans = []billing.Plan{}
	}
	data, err := json.Marshal(plans)
	if err != nil {
		return fmt.Errorf("failed to encode active plans: %w", err)
	}
	if err := c.client.Set(ctx, c.activePlansKey(), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write active plans: %w", err)
	}
	return nil
}

// Invalidate implements billing.PlanCache
func (c *PlanCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.activePlansKey()).Err(); err != nil {
		return fmt.Errorf("failed to invalidate active plans: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (c *PlanCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ billing.PlanCache = (*PlanCache)(nil)
