package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billing/pkg/billing"
	"github.com/mihaimyh/billing/pkg/billing/billingtest"
	"github.com/mihaimyh/billing/storage/memory"
)

const testSignature = billingtest.Signature

// countingMetrics counts integrity warnings and webhook outcomes.
type countingMetrics struct {
	billing.NoopMetrics

	mu                sync.Mutex
	integrityWarnings map[string]int
	webhookOutcomes   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		integrityWarnings: make(map[string]int),
		webhookOutcomes:   make(map[string]int),
	}
}

func (m *countingMetrics) RecordIntegrityWarning(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrityWarnings[entity]++
}

func (m *countingMetrics) RecordWebhookEvent(_, _, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookOutcomes[status]++
}

func (m *countingMetrics) warnings(entity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.integrityWarnings[entity]
}

func (m *countingMetrics) outcomes(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhookOutcomes[status]
}

type testEnv struct {
	svc      *billing.Service
	store    *memory.Storage
	provider *billingtest.Provider
	metrics  *countingMetrics
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.New(),
		provider: billingtest.NewProvider(),
		metrics:  newCountingMetrics(),
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := billing.New(billing.Config{
		Storage:  env.store,
		Provider: env.provider,
		Metrics:  env.metrics,
		Now:      func() time.Time { return env.now },
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func proDefinition() billing.PlanDefinition {
	return billing.PlanDefinition{
		Name:          "Pro",
		Description:   "For growing shops",
		Amount:        2999,
		Currency:      "usd",
		Interval:      billing.IntervalMonth,
		IntervalCount: 1,
		Features:      []string{"unlimited products", "live streams", "priority support"},
	}
}

func (e *testEnv) createPlan(t *testing.T) *billing.Plan {
	t.Helper()
	plan, err := e.svc.Catalog.CreatePlan(context.Background(), proDefinition())
	require.NoError(t, err)
	return plan
}

// deliver sends a signed event through the processor.
func (e *testEnv) deliver(t *testing.T, event billing.Event) (*billing.Result, error) {
	t.Helper()
	return e.svc.Processor.Process(context.Background(), encodeEvent(t, event), testSignature)
}

func encodeEvent(t *testing.T, event billing.Event) []byte {
	t.Helper()
	payload, err := billingtest.EncodeEvent(event)
	require.NoError(t, err)
	return payload
}

func subscriptionEvent(id, eventType string, created time.Time, snap billing.SubscriptionSnapshot) billing.Event {
	return billing.Event{ID: id, Type: eventType, Created: created, Subscription: &snap}
}

func activeSnapshot(plan *billing.Plan, start time.Time) billing.SubscriptionSnapshot {
	return billing.SubscriptionSnapshot{
		ExternalSubscriptionID: "sub_abc",
		ExternalCustomerID:     "cus_1",
		ExternalPriceID:        plan.ExternalPriceID,
		UserID:                 "user_1",
		Status:                 billing.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       start.AddDate(0, 1, 0),
	}
}

// seedActiveSubscription creates a plan and an active subscription sub_abc
// for user_1 through the processor.
func (e *testEnv) seedActiveSubscription(t *testing.T) (*billing.Plan, *billing.Subscription) {
	t.Helper()
	plan := e.createPlan(t)
	_, err := e.deliver(t, subscriptionEvent("evt_sub_created", billing.EventSubscriptionCreated,
		e.now, activeSnapshot(plan, e.now)))
	require.NoError(t, err)

	var sub *billing.Subscription
	err = e.store.RunInTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		var err error
		sub, err = tx.GetSubscriptionByExternalID(ctx, "sub_abc", false)
		return err
	})
	require.NoError(t, err)
	return plan, sub
}

func (e *testEnv) webhookEvent(t *testing.T, externalID string) *billing.WebhookEvent {
	t.Helper()
	var stored *billing.WebhookEvent
	err := e.store.RunInTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		var err error
		stored, err = tx.GetWebhookEvent(ctx, externalID, false)
		return err
	})
	require.NoError(t, err)
	return stored
}
