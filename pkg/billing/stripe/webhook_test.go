package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billing/pkg/billing"
	"github.com/mihaimyh/billing/storage/memory"
)

// signPayload builds a Stripe-Signature header for payload.
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(t *testing.T, id, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return body
}

var (
	periodStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

func subscriptionObjectJSON(status string) map[string]any {
	return map[string]any{
		"id":                   "sub_abc",
		"object":               "subscription",
		"customer":             map[string]any{"id": "cus_1", "object": "customer"},
		"status":               status,
		"cancel_at_period_end": false,
		"canceled_at":          nil,
		"trial_start":          nil,
		"trial_end":            nil,
		"metadata":             map[string]any{"user_id": "user_1"},
		"items": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":                   "si_1",
				"object":               "subscription_item",
				"price":                map[string]any{"id": "price_pro", "object": "price"},
				"current_period_start": periodStart.Unix(),
				"current_period_end":   periodEnd.Unix(),
			}},
		},
	}
}

func invoiceObjectJSON(status string) map[string]any {
	return map[string]any{
		"id":       "inv_123",
		"object":   "invoice",
		"customer": "cus_1",
		"total":    2999,
		"currency": "usd",
		"status":   status,
		"created":  periodStart.Unix(),
		"parent": map[string]any{
			"type":                 "subscription_details",
			"subscription_details": map[string]any{"subscription": "sub_abc"},
		},
		"status_transitions": map[string]any{"paid_at": periodStart.Add(time.Minute).Unix()},
	}
}

func TestConstructEvent_Signature(t *testing.T) {
	provider, _, _ := newTestProvider(t)
	now := time.Now()
	payload := eventPayload(t, "evt_1", "customer.subscription.created", now, subscriptionObjectJSON("active"))

	t.Run("valid", func(t *testing.T) {
		event, err := provider.ConstructEvent(payload, signPayload(payload, testStripeWebhookSecret, now))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", event.ID)
		assert.Equal(t, billing.EventSubscriptionCreated, event.Type)
		assert.Equal(t, now.Unix(), event.Created.Unix())
		assert.Equal(t, payload, event.Payload)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := provider.ConstructEvent(payload, signPayload(payload, "whsec_other", now))
		assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := provider.ConstructEvent(payload, "")
		assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		sig := signPayload(payload, testStripeWebhookSecret, now)
		tampered := bytes.Replace(payload, []byte("active"), []byte("unpaid"), 1)
		_, err := provider.ConstructEvent(tampered, sig)
		assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
	})

	t.Run("too old", func(t *testing.T) {
		old := now.Add(-time.Hour)
		_, err := provider.ConstructEvent(payload, signPayload(payload, testStripeWebhookSecret, old))
		assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
	})

	t.Run("signed garbage", func(t *testing.T) {
		garbage := []byte(`{"id":`)
		_, err := provider.ConstructEvent(garbage, signPayload(garbage, testStripeWebhookSecret, now))
		assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
	})

	t.Run("no secret configured", func(t *testing.T) {
		unconfigured, err := NewProvider(Config{APIKey: testStripeAPIKey})
		require.NoError(t, err)
		_, err = unconfigured.ConstructEvent(payload, signPayload(payload, testStripeWebhookSecret, now))
		assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	})
}

func TestDecodeEvent_Subscription(t *testing.T) {
	provider, _, _ := newTestProvider(t)

	obj := subscriptionObjectJSON("trialing")
	obj["trial_end"] = periodEnd.Unix()
	obj["cancel_at_period_end"] = true
	event, err := provider.DecodeEvent(eventPayload(t, "evt_1", "customer.subscription.updated", periodStart, obj))
	require.NoError(t, err)
	require.NotNil(t, event.Subscription)
	assert.Nil(t, event.Invoice)

	snap := event.Subscription
	assert.Equal(t, "sub_abc", snap.ExternalSubscriptionID)
	assert.Equal(t, "cus_1", snap.ExternalCustomerID)
	assert.Equal(t, "price_pro", snap.ExternalPriceID)
	assert.Equal(t, "user_1", snap.UserID)
	assert.Equal(t, billing.StatusTrialing, snap.Status)
	assert.True(t, snap.CancelAtPeriodEnd)
	assert.True(t, snap.CurrentPeriodStart.Equal(periodStart))
	assert.True(t, snap.CurrentPeriodEnd.Equal(periodEnd))
	require.NotNil(t, snap.TrialEnd)
	assert.True(t, snap.TrialEnd.Equal(periodEnd))
	assert.Nil(t, snap.CanceledAt)
}

func TestDecodeEvent_SubscriptionLegacyPeriod(t *testing.T) {
	provider, _, _ := newTestProvider(t)

	obj := subscriptionObjectJSON("active")
	obj["customer"] = "cus_1"
	obj["current_period_start"] = periodStart.Add(24 * time.Hour).Unix()
	obj["current_period_end"] = periodEnd.Add(24 * time.Hour).Unix()
	event, err := provider.DecodeEvent(eventPayload(t, "evt_1", "customer.subscription.updated", periodStart, obj))
	require.NoError(t, err)

	snap := event.Subscription
	assert.Equal(t, "cus_1", snap.ExternalCustomerID)
	assert.True(t, snap.CurrentPeriodStart.Equal(periodStart.Add(24*time.Hour)))
}

func TestDecodeEvent_Invoice(t *testing.T) {
	provider, _, _ := newTestProvider(t)

	event, err := provider.DecodeEvent(eventPayload(t, "evt_2", "invoice.paid", periodStart, invoiceObjectJSON("paid")))
	require.NoError(t, err)
	require.NotNil(t, event.Invoice)

	snap := event.Invoice
	assert.Equal(t, "inv_123", snap.ExternalInvoiceID)
	assert.Equal(t, "sub_abc", snap.ExternalSubscriptionID)
	assert.Equal(t, int64(2999), snap.Amount)
	assert.Equal(t, "usd", snap.Currency)
	assert.Equal(t, billing.InvoicePaid, snap.Status)
	require.NotNil(t, snap.PaidAt)
	assert.True(t, snap.PaidAt.Equal(periodStart.Add(time.Minute)))

	legacy := invoiceObjectJSON("open")
	delete(legacy, "parent")
	legacy["subscription"] = map[string]any{"id": "sub_legacy", "object": "subscription"}
	legacy["status_transitions"] = map[string]any{"paid_at": nil}
	event, err = provider.DecodeEvent(eventPayload(t, "evt_3", "invoice.finalized", periodStart, legacy))
	require.NoError(t, err)
	assert.Equal(t, "sub_legacy", event.Invoice.ExternalSubscriptionID)
	assert.Nil(t, event.Invoice.PaidAt)
}

func TestDecodeEvent_PaymentMethodAndCustomer(t *testing.T) {
	provider, _, _ := newTestProvider(t)

	pm := map[string]any{
		"id":       "pm_1",
		"object":   "payment_method",
		"customer": nil,
		"type":     "card",
		"card":     map[string]any{"brand": "visa", "last4": "4242", "exp_month": 12, "exp_year": 2030},
		"metadata": map[string]any{},
	}
	event, err := provider.DecodeEvent(eventPayload(t, "evt_4", "payment_method.detached", periodStart, pm))
	require.NoError(t, err)
	require.NotNil(t, event.PaymentMethod)
	assert.Equal(t, "pm_1", event.PaymentMethod.ExternalPaymentMethodID)
	assert.Empty(t, event.PaymentMethod.ExternalCustomerID)
	assert.Equal(t, "visa", event.PaymentMethod.Brand)
	assert.Equal(t, "4242", event.PaymentMethod.Last4)
	assert.Equal(t, 2030, event.PaymentMethod.ExpYear)

	customer := map[string]any{
		"id":     "cus_1",
		"object": "customer",
		"invoice_settings": map[string]any{
			"default_payment_method": map[string]any{"id": "pm_2", "object": "payment_method"},
		},
	}
	event, err = provider.DecodeEvent(eventPayload(t, "evt_5", "customer.updated", periodStart, customer))
	require.NoError(t, err)
	require.NotNil(t, event.Customer)
	assert.Equal(t, "cus_1", event.Customer.ExternalCustomerID)
	assert.Equal(t, "pm_2", event.Customer.DefaultExternalPaymentMethodID)
}

func TestDecodeEvent_UnrelatedObject(t *testing.T) {
	provider, _, _ := newTestProvider(t)

	event, err := provider.DecodeEvent(eventPayload(t, "evt_6", "charge.dispute.created", periodStart,
		map[string]any{"id": "dp_1", "object": "dispute"}))
	require.NoError(t, err)
	assert.Nil(t, event.Subscription)
	assert.Nil(t, event.Invoice)
	assert.Nil(t, event.PaymentMethod)
	assert.Nil(t, event.Customer)

	_, err = provider.DecodeEvent([]byte(`{"object":"event"}`))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}

func TestWebhook_EndToEnd(t *testing.T) {
	provider, _, _ := newTestProvider(t)
	store := memory.New()
	ctx := context.Background()

	err := store.RunInTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		return tx.CreatePlan(ctx, &billing.Plan{
			ID: "plan_pro", ExternalProductID: "prod_pro", ExternalPriceID: "price_pro",
			Name: "Pro", Amount: 2999, Currency: "usd", Interval: billing.IntervalMonth,
			IntervalCount: 1, Active: true,
		})
	})
	require.NoError(t, err)

	svc, err := billing.New(billing.Config{Storage: store, Provider: provider})
	require.NoError(t, err)
	handler := svc.Processor.WebhookHandler()

	deliver := func(payload []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", signPayload(payload, testStripeWebhookSecret, time.Now()))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	created := time.Now().Add(-time.Minute)
	rec := deliver(eventPayload(t, "evt_sub", "customer.subscription.created", created, subscriptionObjectJSON("active")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	invoice := eventPayload(t, "evt_inv", "invoice.paid", created.Add(time.Second), invoiceObjectJSON("paid"))
	rec = deliver(invoice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = deliver(invoice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true,"duplicate":true}`, rec.Body.String())

	subs, err := svc.Subscriptions.ListForUser(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "plan_pro", subs[0].PlanID)
	assert.Equal(t, billing.StatusActive, subs[0].Status)

	entries, err := svc.Ledger.ListForSubscription(ctx, subs[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.InvoicePaid, entries[0].Status)
	assert.Equal(t, int64(2999), entries[0].Amount)
}
