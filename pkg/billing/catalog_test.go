package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billing/pkg/billing"
	"github.com/mihaimyh/billing/pkg/billing/billingtest"
	"github.com/mihaimyh/billing/storage/memory"
)

func TestCatalog_CreatePlanRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created := env.createPlan(t)
	assert.True(t, created.Active)
	assert.Equal(t, "usd", created.Currency)
	assert.NotEmpty(t, created.ExternalProductID)
	assert.NotEmpty(t, created.ExternalPriceID)

	fetched, err := env.svc.Catalog.GetPlan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2999), fetched.Amount)
	assert.Equal(t, billing.IntervalMonth, fetched.Interval)
	assert.Equal(t, int64(1), fetched.IntervalCount)
	assert.Equal(t, []string{"unlimited products", "live streams", "priority support"}, fetched.Features)

	// Remote calls happen product first, then price.
	assert.Equal(t, []string{billingtest.OpCreateProduct, billingtest.OpCreatePrice}, env.provider.Calls())
}

func TestCatalog_CreatePlanKeepsTextExactly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := proDefinition()
	def.Name = "Pro  Plus"
	def.Features = []string{"24/7  support", "API\taccess"}
	def.IntervalCount = 0

	created, err := env.svc.Catalog.CreatePlan(ctx, def)
	require.NoError(t, err)

	fetched, err := env.svc.Catalog.GetPlan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, fetched.Name)
	assert.Equal(t, def.Currency, fetched.Currency)
	assert.Equal(t, def.Features, fetched.Features)
	assert.Equal(t, int64(1), fetched.IntervalCount)
}

func TestCatalog_ValidationRejectsBeforeRemoteCalls(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*billing.PlanDefinition)
		field string
	}{
		{"zero amount", func(d *billing.PlanDefinition) { d.Amount = 0 }, "Amount"},
		{"negative amount", func(d *billing.PlanDefinition) { d.Amount = -100 }, "Amount"},
		{"missing name", func(d *billing.PlanDefinition) { d.Name = "  " }, "Name"},
		{"bad currency", func(d *billing.PlanDefinition) { d.Currency = "dollars" }, "Currency"},
		{"bad interval", func(d *billing.PlanDefinition) { d.Interval = "week" }, "Interval"},
		{"interval count too large", func(d *billing.PlanDefinition) { d.IntervalCount = 13 }, "IntervalCount"},
		{"empty feature", func(d *billing.PlanDefinition) { d.Features = []string{"ok", ""} }, "Features"},
		{"padded feature", func(d *billing.PlanDefinition) { d.Features = []string{"ok", " live streams "} }, "Features"},
		{"padded name", func(d *billing.PlanDefinition) { d.Name = "Pro " }, "Name"},
		{"uppercase currency", func(d *billing.PlanDefinition) { d.Currency = "USD" }, "Currency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			def := proDefinition()
			tt.mut(&def)

			_, err := env.svc.Catalog.CreatePlan(context.Background(), def)
			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Field, tt.field)
			assert.Empty(t, env.provider.Calls())
		})
	}
}

func TestCatalog_CreatePlanPartialFailures(t *testing.T) {
	t.Run("product creation fails", func(t *testing.T) {
		env := newTestEnv(t)
		env.provider.FailOn(billingtest.OpCreateProduct, errors.New("boom"))

		_, err := env.svc.Catalog.CreatePlan(context.Background(), proDefinition())
		var pce *billing.PlanCreationError
		require.ErrorAs(t, err, &pce)
		assert.Equal(t, billing.StepCreateProduct, pce.Step)
		assert.False(t, pce.Orphaned())
		assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	})

	t.Run("price creation fails", func(t *testing.T) {
		env := newTestEnv(t)
		env.provider.FailOn(billingtest.OpCreatePrice, errors.New("boom"))

		_, err := env.svc.Catalog.CreatePlan(context.Background(), proDefinition())
		var pce *billing.PlanCreationError
		require.ErrorAs(t, err, &pce)
		assert.Equal(t, billing.StepCreatePrice, pce.Step)
		assert.NotEmpty(t, pce.ExternalProductID)
		assert.Empty(t, pce.ExternalPriceID)
		assert.True(t, pce.Orphaned())

		plans, err := env.svc.Catalog.ListPlans(context.Background())
		require.NoError(t, err)
		assert.Empty(t, plans)
	})

	t.Run("local persistence fails", func(t *testing.T) {
		env := newTestEnv(t)
		svc, err := billing.New(billing.Config{
			Storage:  failingStorage{memory.New()},
			Provider: env.provider,
		})
		require.NoError(t, err)

		_, err = svc.Catalog.CreatePlan(context.Background(), proDefinition())
		var pce *billing.PlanCreationError
		require.ErrorAs(t, err, &pce)
		assert.Equal(t, billing.StepPersistPlan, pce.Step)
		assert.NotEmpty(t, pce.ExternalProductID)
		assert.NotEmpty(t, pce.ExternalPriceID)
		assert.Equal(t, 1, env.provider.CallCount(billingtest.OpCreateProduct))
		assert.Equal(t, 1, env.provider.CallCount(billingtest.OpCreatePrice))
	})
}

// failingStorage fails every write transaction.
type failingStorage struct {
	*memory.Storage
}

func (f failingStorage) RunInTx(_ context.Context, _ func(context.Context, billing.Tx) error) error {
	return errors.New("database unavailable")
}

func TestCatalog_RetirePlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	basic := proDefinition()
	basic.Name = "Basic"
	basic.Amount = 999
	basicPlan, err := env.svc.Catalog.CreatePlan(ctx, basic)
	require.NoError(t, err)
	proPlan := env.createPlan(t)

	active, err := env.svc.Catalog.ListActivePlans(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, basicPlan.ID, active[0].ID, "plans ordered by amount")

	retired, err := env.svc.Catalog.RetirePlan(ctx, proPlan.ID)
	require.NoError(t, err)
	assert.False(t, retired.Active)
	assert.Equal(t, proPlan.Amount, retired.Amount)

	active, err = env.svc.Catalog.ListActivePlans(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, basicPlan.ID, active[0].ID)

	all, err := env.svc.Catalog.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Retiring again is a no-op.
	_, err = env.svc.Catalog.RetirePlan(ctx, proPlan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.provider.CallCount(billingtest.OpDeactivatePrice))

	_, err = env.svc.Catalog.RetirePlan(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)
}

func TestCatalog_RecreateAfterRetire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.createPlan(t)
	_, err := env.svc.Catalog.RetirePlan(ctx, first.ID)
	require.NoError(t, err)

	second, err := env.svc.Catalog.CreatePlan(ctx, proDefinition())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.ExternalProductID, second.ExternalProductID)
	assert.NotEqual(t, first.ExternalPriceID, second.ExternalPriceID)

	all, err := env.svc.Catalog.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCatalog_RetirePlanProviderFailureKeepsPlanActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	env.provider.FailOn(billingtest.OpDeactivatePrice, errors.New("timeout"))

	_, err := env.svc.Catalog.RetirePlan(ctx, plan.ID)
	require.ErrorIs(t, err, billing.ErrProviderAPIError)

	fetched, err := env.svc.Catalog.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, fetched.Active)
}

type recordingCache struct {
	plans       []billing.Plan
	cached      bool
	hits        int
	invalidated int
}

func (c *recordingCache) GetActivePlans(_ context.Context) ([]billing.Plan, bool, error) {
	if !c.cached {
		return nil, false, nil
	}
	c.hits++
	return c.plans, true, nil
}

func (c *recordingCache) SetActivePlans(_ context.Context, plans []billing.Plan, _ time.Duration) error {
	c.plans = plans
	c.cached = true
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context) error {
	c.cached = false
	c.invalidated++
	return nil
}

func TestCatalog_ListActivePlansUsesCache(t *testing.T) {
	cache := &recordingCache{}
	provider := billingtest.NewProvider()
	svc, err := billing.New(billing.Config{
		Storage:   memory.New(),
		Provider:  provider,
		PlanCache: cache,
	})
	require.NoError(t, err)
	ctx := context.Background()

	plan, err := svc.Catalog.CreatePlan(ctx, proDefinition())
	require.NoError(t, err)
	assert.Equal(t, 1, cache.invalidated)

	first, err := svc.Catalog.ListActivePlans(ctx)
	require.NoError(t, err)
	second, err := svc.Catalog.ListActivePlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.hits)

	_, err = svc.Catalog.RetirePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.invalidated)

	active, err := svc.Catalog.ListActivePlans(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestNew_RequiresStorageAndProvider(t *testing.T) {
	_, err := billing.New(billing.Config{Provider: billingtest.NewProvider()})
	assert.ErrorIs(t, err, billing.ErrStorageNotConfigured)

	_, err = billing.New(billing.Config{Storage: memory.New()})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = billing.NewCatalog(billing.Config{Storage: memory.New()})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
