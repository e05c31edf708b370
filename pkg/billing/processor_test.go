package billing_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/billing/pkg/billing"
)

func TestProcessor_RedeliveryIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, sub := env.seedActiveSubscription(t)

	event := invoiceEvent("evt_paid", billing.EventInvoicePaid, env.now,
		invoiceSnapshot("inv_123", billing.InvoicePaid, env.now))
	first, err := env.deliver(t, event)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	firstEntries, err := env.svc.Ledger.ListForSubscription(ctx, sub.ID)
	require.NoError(t, err)

	env.now = env.now.Add(time.Hour)
	second, err := env.deliver(t, event)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	entries, err := env.svc.Ledger.ListForSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, firstEntries, entries)
	assert.Equal(t, 1, env.metrics.outcomes("duplicate"))
}

func TestProcessor_ConcurrentDuplicateDeliveries(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveSubscription(t)

	var applied int32
	env.svc.Processor.Handle(billing.EventInvoicePaid, func(ctx context.Context, tx billing.Tx, event *billing.Event) error {
		atomic.AddInt32(&applied, 1)
		return nil
	})

	payload := encodeEvent(t, invoiceEvent("evt_999", billing.EventInvoicePaid, env.now,
		invoiceSnapshot("inv_999", billing.InvoicePaid, env.now)))

	const deliveries = 20
	var duplicates int32
	var g errgroup.Group
	for i := 0; i < deliveries; i++ {
		g.Go(func() error {
			res, err := env.svc.Processor.Process(context.Background(), payload, testSignature)
			if err != nil {
				return err
			}
			if res.Duplicate {
				atomic.AddInt32(&duplicates, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), atomic.LoadInt32(&applied))
	assert.Equal(t, int32(deliveries-1), atomic.LoadInt32(&duplicates))
	assert.True(t, env.webhookEvent(t, "evt_999").Processed)
}

func TestProcessor_BadSignatureStoresNothing(t *testing.T) {
	env := newTestEnv(t)
	var called bool
	env.svc.Processor.Handle(billing.EventInvoicePaid, func(context.Context, billing.Tx, *billing.Event) error {
		called = true
		return nil
	})

	payload := encodeEvent(t, billing.Event{ID: "evt_forged", Type: billing.EventInvoicePaid})
	_, err := env.svc.Processor.Process(context.Background(), payload, "sig_forged")
	require.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
	assert.False(t, called)

	err = env.store.RunInTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		_, err := tx.GetWebhookEvent(ctx, "evt_forged", false)
		return err
	})
	assert.ErrorIs(t, err, billing.ErrWebhookEventNotFound)
}

func TestProcessor_HandlerFailureIsRecordedAndReplayable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var fail atomic.Bool
	fail.Store(true)
	env.svc.Processor.Handle("invoice.custom", func(ctx context.Context, tx billing.Tx, event *billing.Event) error {
		if fail.Load() {
			return errors.New("downstream exploded")
		}
		return nil
	})

	event := billing.Event{ID: "evt_flaky", Type: "invoice.custom", Created: env.now}
	_, err := env.deliver(t, event)
	var procErr *billing.ProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "evt_flaky", procErr.EventID)

	stored := env.webhookEvent(t, "evt_flaky")
	assert.False(t, stored.Processed)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.Error, "downstream exploded")

	// Redelivery retries and fails again.
	_, err = env.deliver(t, event)
	require.Error(t, err)
	assert.Equal(t, 2, env.webhookEvent(t, "evt_flaky").Attempts)

	failed, err := env.svc.Processor.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt_flaky", failed[0].ExternalEventID)

	fail.Store(false)
	result, err := env.svc.Processor.Replay(ctx, "evt_flaky")
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	stored = env.webhookEvent(t, "evt_flaky")
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.ProcessedAt)

	_, err = env.svc.Processor.Replay(ctx, "evt_flaky")
	assert.ErrorIs(t, err, billing.ErrDuplicateEvent)

	failed, err = env.svc.Processor.ListFailed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = env.svc.Processor.Replay(ctx, "evt_missing")
	assert.ErrorIs(t, err, billing.ErrWebhookEventNotFound)
}

func TestProcessor_FailedHandlerRollsBackPartialWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)

	env.svc.Processor.Handle("custom.two_step", func(ctx context.Context, tx billing.Tx, event *billing.Event) error {
		sub := &billing.Subscription{
			ID: "local_1", UserID: "user_1", ExternalSubscriptionID: "sub_partial",
			PlanID: plan.ID, Status: billing.StatusActive,
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return errors.New("second step failed")
	})

	_, err := env.deliver(t, billing.Event{ID: "evt_partial", Type: "custom.two_step"})
	require.Error(t, err)

	_, err = env.svc.Subscriptions.GetSubscription(ctx, "local_1")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestProcessor_UnknownEventTypeStoredAndProcessed(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.deliver(t, billing.Event{ID: "evt_unknown", Type: "charge.dispute.created"})
	require.NoError(t, err)
	assert.True(t, result.Ignored)

	stored := env.webhookEvent(t, "evt_unknown")
	assert.True(t, stored.Processed)
	assert.Equal(t, "charge.dispute.created", stored.EventType)
	assert.Equal(t, "fake", stored.Provider)
	assert.NotEmpty(t, stored.Payload)
}

func TestProcessor_MissingObjectFailsEvent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.deliver(t, billing.Event{ID: "evt_empty", Type: billing.EventSubscriptionUpdated})
	require.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
	assert.False(t, env.webhookEvent(t, "evt_empty").Processed)
}

func TestProcessor_WebhookHandler(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveSubscription(t)
	handler := env.svc.Processor.WebhookHandler()

	post := func(body []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
		req.Header.Set("Fake-Signature", sig)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	payload := encodeEvent(t, invoiceEvent("evt_http", billing.EventInvoicePaid, env.now,
		invoiceSnapshot("inv_http", billing.InvoicePaid, env.now)))

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		rec := post(payload, "nope")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		rec := post(nil, testSignature)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		rec := post([]byte(strings.Repeat("x", 300*1024)), testSignature)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("undecodable payload", func(t *testing.T) {
		rec := post([]byte(`{"not":"an event"}`), testSignature)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("success then duplicate", func(t *testing.T) {
		rec := post(payload, testSignature)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.JSONEq(t, `{"received":true,"duplicate":false}`, rec.Body.String())

		rec = post(payload, testSignature)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"received":true,"duplicate":true}`, rec.Body.String())
	})

	t.Run("handler failure asks for redelivery", func(t *testing.T) {
		body := encodeEvent(t, invoiceEvent("evt_http_fail", billing.EventInvoicePaid, env.now,
			billing.InvoiceSnapshot{ExternalInvoiceID: "inv_x", ExternalSubscriptionID: "sub_missing", Status: billing.InvoicePaid}))
		rec := post(body, testSignature)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
