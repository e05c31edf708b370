package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billing/pkg/billing"
	"github.com/mihaimyh/billing/pkg/billing/billingtest"
	"github.com/mihaimyh/billing/storage/memory"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	cache, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "billing:", cache.config.KeyPrefix)
	assert.Equal(t, 5*time.Minute, cache.config.DefaultTTL)
	assert.Equal(t, "billing:plans:active", cache.activePlansKey())
}

func TestNewFromURL(t *testing.T) {
	_, _, err := NewFromURL("not a url", DefaultConfig())
	assert.Error(t, err)

	cache, client, err := NewFromURL("redis://localhost:6379/15", Config{KeyPrefix: "t:"})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "t:plans:active", cache.activePlansKey())
}

func TestPlanCache_RoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	cache, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := cache.GetActivePlans(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	plans := []billing.Plan{
		{ID: "p1", Name: "Basic", Amount: 999, Currency: "usd", Interval: billing.IntervalMonth, Features: []string{"x"}, Active: true},
		{ID: "p2", Name: "Pro", Amount: 2999, Currency: "usd", Interval: billing.IntervalYear, Active: true},
	}
	require.NoError(t, cache.SetActivePlans(ctx, plans, time.Minute))

	got, ok, err := cache.GetActivePlans(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, []string{"x"}, got[0].Features)
	assert.Equal(t, billing.IntervalYear, got[1].Interval)

	ttl, err := client.TTL(ctx, cache.activePlansKey()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, cache.Invalidate(ctx))
	_, ok, err = cache.GetActivePlans(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlanCache_EmptyListIsAHit(t *testing.T) {
	client := setupTestRedis(t)
	cache, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cache.SetActivePlans(ctx, nil, 0))
	got, ok, err := cache.GetActivePlans(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestPlanCache_CorruptEntryIsDropped(t *testing.T) {
	client := setupTestRedis(t)
	cache, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, cache.activePlansKey(), "{not json", time.Minute).Err())
	_, ok, err := cache.GetActivePlans(ctx)
	assert.Error(t, err)
	assert.False(t, ok)

	exists, err := client.Exists(ctx, cache.activePlansKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestPlanCache_WithCatalog(t *testing.T) {
	client := setupTestRedis(t)
	cache, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	svc, err := billing.New(billing.Config{
		Storage:   memory.New(),
		Provider:  billingtest.NewProvider(),
		PlanCache: cache,
	})
	require.NoError(t, err)

	plan, err := svc.Catalog.CreatePlan(ctx, billing.PlanDefinition{
		Name: "Pro", Amount: 2999, Currency: "usd", Interval: billing.IntervalMonth, IntervalCount: 1,
	})
	require.NoError(t, err)

	active, err := svc.Catalog.ListActivePlans(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	cached, ok, err := cache.GetActivePlans(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, plan.ID, cached[0].ID)

	_, err = svc.Catalog.RetirePlan(ctx, plan.ID)
	require.NoError(t, err)
	_, ok, err = cache.GetActivePlans(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "catalog writes invalidate the cache")
}
