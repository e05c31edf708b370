// Package memory provides an in-memory implementation of the billing.Storage interface.
// This implementation is primarily intended for testing and development.
//
// Transactions are serialized by a single mutex and run against a copy of
// the data that replaces the live copy only when the transaction succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/billing/pkg/billing"
)

// Storage implements billing.Storage using in-memory maps
type Storage struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	plans          map[string]billing.Plan
	subscriptions  map[string]billing.Subscription
	paymentMethods map[string]billing.PaymentMethod
	history        map[string]billing.BillingHistoryEntry
	events         map[string]billing.WebhookEvent
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{state: &state{
		plans:          make(map[string]billing.Plan),
		subscriptions:  make(map[string]billing.Subscription),
		paymentMethods: make(map[string]billing.PaymentMethod),
		history:        make(map[string]billing.BillingHistoryEntry),
		events:         make(map[string]billing.WebhookEvent),
	}}
}

// RunInTx implements billing.Storage
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{state: s.state.clone()}
	if err := fn(ctx, t); err != nil {
		return err
	}
	s.state = t.state
	return nil
}

// Ping implements billing.Storage
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (st *state) clone() *state {
	return &state{
		plans:          cloneMap(st.plans),
		subscriptions:  cloneMap(st.subscriptions),
		paymentMethods: cloneMap(st.paymentMethods),
		history:        cloneMap(st.history),
		events:         cloneMap(st.events),
	}
}

// Stored values are never mutated in place, so copying the map is enough.
func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type tx struct {
	state *state
}

// Plans

func (t *tx) CreatePlan(_ context.Context, plan *billing.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}
	for _, p := range t.state.plans {
		if p.ID == plan.ID || p.ExternalProductID == plan.ExternalProductID || p.ExternalPriceID == plan.ExternalPriceID {
			return fmt.Errorf("%w: plan %s already exists", billing.ErrConflict, plan.ExternalPriceID)
		}
	}
	t.state.plans[plan.ID] = copyPlan(*plan)
	return nil
}

func (t *tx) GetPlan(_ context.Context, id string) (*billing.Plan, error) {
	p, ok := t.state.plans[id]
	if !ok {
		return nil, billing.ErrPlanNotFound
	}
	out := copyPlan(p)
	return &out, nil
}

func (t *tx) GetPlanByPriceID(_ context.Context, externalPriceID string) (*billing.Plan, error) {
	for _, p := range t.state.plans {
		if p.ExternalPriceID == externalPriceID {
			out := copyPlan(p)
			return &out, nil
		}
	}
	return nil, billing.ErrPlanNotFound
}

func (t *tx) ListPlans(_ context.Context, activeOnly bool) ([]billing.Plan, error) {
	plans := make([]billing.Plan, 0, len(t.state.plans))
	for _, p := range t.state.plans {
		if activeOnly && !p.Active {
			continue
		}
		plans = append(plans, copyPlan(p))
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Amount != plans[j].Amount {
			return plans[i].Amount < plans[j].Amount
		}
		return plans[i].Name < plans[j].Name
	})
	return plans, nil
}

func (t *tx) SetPlanActive(_ context.Context, id string, active bool) error {
	p, ok := t.state.plans[id]
	if !ok {
		return billing.ErrPlanNotFound
	}
	p.Active = active
	p.UpdatedAt = time.Now().UTC()
	t.state.plans[id] = p
	return nil
}

func copyPlan(p billing.Plan) billing.Plan {
	p.Features = append([]string(nil), p.Features...)
	return p
}

// Subscriptions

func (t *tx) CreateSubscription(_ context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if _, ok := t.state.plans[sub.PlanID]; !ok {
		return billing.ErrPlanNotFound
	}
	for _, s := range t.state.subscriptions {
		if s.ID == sub.ID || s.ExternalSubscriptionID == sub.ExternalSubscriptionID {
			return fmt.Errorf("%w: subscription %s already exists", billing.ErrConflict, sub.ExternalSubscriptionID)
		}
	}
	t.state.subscriptions[sub.ID] = *sub
	return nil
}

func (t *tx) GetSubscription(_ context.Context, id string, _ bool) (*billing.Subscription, error) {
	s, ok := t.state.subscriptions[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return &s, nil
}

func (t *tx) GetSubscriptionByExternalID(_ context.Context, externalID string, _ bool) (*billing.Subscription, error) {
	for _, s := range t.state.subscriptions {
		if s.ExternalSubscriptionID == externalID {
			return &s, nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (t *tx) ListSubscriptionsByUser(_ context.Context, userID string) ([]billing.Subscription, error) {
	var subs []billing.Subscription
	for _, s := range t.state.subscriptions {
		if s.UserID == userID {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.After(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func (t *tx) UpdateSubscription(_ context.Context, sub *billing.Subscription) error {
	if _, ok := t.state.subscriptions[sub.ID]; !ok {
		return billing.ErrSubscriptionNotFound
	}
	if _, ok := t.state.plans[sub.PlanID]; !ok {
		return billing.ErrPlanNotFound
	}
	t.state.subscriptions[sub.ID] = *sub
	return nil
}

func (t *tx) FindUserByCustomerID(_ context.Context, externalCustomerID string) (string, error) {
	if externalCustomerID == "" {
		return "", nil
	}
	for _, s := range t.state.subscriptions {
		if s.ExternalCustomerID == externalCustomerID {
			return s.UserID, nil
		}
	}
	for _, pm := range t.state.paymentMethods {
		if pm.ExternalCustomerID == externalCustomerID {
			return pm.UserID, nil
		}
	}
	return "", nil
}

// Payment methods

func (t *tx) UpsertPaymentMethod(_ context.Context, pm *billing.PaymentMethod) error {
	if pm == nil || pm.ExternalPaymentMethodID == "" || pm.UserID == "" {
		return fmt.Errorf("invalid payment method")
	}
	for _, existing := range t.state.paymentMethods {
		if existing.ExternalPaymentMethodID != pm.ExternalPaymentMethodID {
			continue
		}
		pm.ID = existing.ID
		pm.IsDefault = existing.IsDefault
		pm.CreatedAt = existing.CreatedAt
		t.state.paymentMethods[pm.ID] = *pm
		return nil
	}
	if pm.ID == "" {
		return fmt.Errorf("invalid payment method")
	}
	pm.IsDefault = false
	t.state.paymentMethods[pm.ID] = *pm
	return nil
}

func (t *tx) GetPaymentMethod(_ context.Context, id string, _ bool) (*billing.PaymentMethod, error) {
	pm, ok := t.state.paymentMethods[id]
	if !ok {
		return nil, billing.ErrPaymentMethodNotFound
	}
	return &pm, nil
}

func (t *tx) GetPaymentMethodByExternalID(_ context.Context, externalID string, _ bool) (*billing.PaymentMethod, error) {
	for _, pm := range t.state.paymentMethods {
		if pm.ExternalPaymentMethodID == externalID {
			return &pm, nil
		}
	}
	return nil, billing.ErrPaymentMethodNotFound
}

func (t *tx) ListPaymentMethodsByUser(_ context.Context, userID string, _ bool) ([]billing.PaymentMethod, error) {
	var methods []billing.PaymentMethod
	for _, pm := range t.state.paymentMethods {
		if pm.UserID == userID {
			methods = append(methods, pm)
		}
	}
	sort.Slice(methods, func(i, j int) bool {
		if methods[i].IsDefault != methods[j].IsDefault {
			return methods[i].IsDefault
		}
		if !methods[i].CreatedAt.Equal(methods[j].CreatedAt) {
			return methods[i].CreatedAt.Before(methods[j].CreatedAt)
		}
		return methods[i].ID < methods[j].ID
	})
	return methods, nil
}

func (t *tx) SetDefaultPaymentMethod(_ context.Context, userID, id string) error {
	target, ok := t.state.paymentMethods[id]
	if !ok || target.UserID != userID {
		return billing.ErrPaymentMethodNotFound
	}
	now := time.Now().UTC()
	for k, pm := range t.state.paymentMethods {
		if pm.UserID == userID && pm.IsDefault && k != id {
			pm.IsDefault = false
			pm.UpdatedAt = now
			t.state.paymentMethods[k] = pm
		}
	}
	target.IsDefault = true
	target.UpdatedAt = now
	t.state.paymentMethods[id] = target
	return nil
}

func (t *tx) ClearDefaultPaymentMethod(_ context.Context, userID string) error {
	now := time.Now().UTC()
	for k, pm := range t.state.paymentMethods {
		if pm.UserID == userID && pm.IsDefault {
			pm.IsDefault = false
			pm.UpdatedAt = now
			t.state.paymentMethods[k] = pm
		}
	}
	return nil
}

func (t *tx) DeletePaymentMethod(_ context.Context, id string) error {
	if _, ok := t.state.paymentMethods[id]; !ok {
		return billing.ErrPaymentMethodNotFound
	}
	delete(t.state.paymentMethods, id)
	return nil
}

// Billing history

func (t *tx) GetHistoryEntryByInvoiceID(_ context.Context, externalInvoiceID string, _ bool) (*billing.BillingHistoryEntry, error) {
	for _, e := range t.state.history {
		if e.ExternalInvoiceID == externalInvoiceID {
			return &e, nil
		}
	}
	return nil, billing.ErrInvoiceNotFound
}

func (t *tx) InsertHistoryEntry(_ context.Context, entry *billing.BillingHistoryEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid history entry")
	}
	if _, ok := t.state.subscriptions[entry.SubscriptionID]; !ok {
		return billing.ErrSubscriptionNotFound
	}
	for _, e := range t.state.history {
		if e.ID == entry.ID || e.ExternalInvoiceID == entry.ExternalInvoiceID {
			return fmt.Errorf("%w: invoice %s already recorded", billing.ErrConflict, entry.ExternalInvoiceID)
		}
	}
	t.state.history[entry.ID] = *entry
	return nil
}

func (t *tx) UpdateHistoryEntry(_ context.Context, entry *billing.BillingHistoryEntry) error {
	if _, ok := t.state.history[entry.ID]; !ok {
		return billing.ErrInvoiceNotFound
	}
	t.state.history[entry.ID] = *entry
	return nil
}

func (t *tx) ListHistoryBySubscription(_ context.Context, subscriptionID string) ([]billing.BillingHistoryEntry, error) {
	var entries []billing.BillingHistoryEntry
	for _, e := range t.state.history {
		if e.SubscriptionID == subscriptionID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].InvoiceDate.Equal(entries[j].InvoiceDate) {
			return entries[i].InvoiceDate.After(entries[j].InvoiceDate)
		}
		return entries[i].ExternalInvoiceID > entries[j].ExternalInvoiceID
	})
	return entries, nil
}

// Webhook events

func (t *tx) InsertWebhookEvent(_ context.Context, event *billing.WebhookEvent) (bool, error) {
	if event == nil || event.ID == "" || event.ExternalEventID == "" {
		return false, fmt.Errorf("invalid webhook event")
	}
	for _, e := range t.state.events {
		if e.ExternalEventID == event.ExternalEventID {
			return false, nil
		}
	}
	stored := *event
	stored.Payload = append([]byte(nil), event.Payload...)
	t.state.events[event.ID] = stored
	return true, nil
}

func (t *tx) GetWebhookEvent(_ context.Context, externalEventID string, _ bool) (*billing.WebhookEvent, error) {
	for _, e := range t.state.events {
		if e.ExternalEventID == externalEventID {
			return &e, nil
		}
	}
	return nil, billing.ErrWebhookEventNotFound
}

func (t *tx) MarkWebhookEventProcessed(_ context.Context, id string, at time.Time) error {
	e, ok := t.state.events[id]
	if !ok {
		return billing.ErrWebhookEventNotFound
	}
	e.Processed = true
	e.ProcessedAt = &at
	t.state.events[id] = e
	return nil
}

func (t *tx) RecordWebhookEventFailure(_ context.Context, id string, errText string) error {
	e, ok := t.state.events[id]
	if !ok {
		return billing.ErrWebhookEventNotFound
	}
	if e.Processed {
		return nil
	}
	e.Error = errText
	e.Attempts++
	t.state.events[id] = e
	return nil
}

func (t *tx) ListUnprocessedWebhookEvents(_ context.Context, limit int) ([]billing.WebhookEvent, error) {
	var events []billing.WebhookEvent
	for _, e := range t.state.events {
		if !e.Processed {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].ReceivedAt.Equal(events[j].ReceivedAt) {
			return events[i].ReceivedAt.Before(events[j].ReceivedAt)
		}
		return events[i].ID < events[j].ID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

var _ billing.Storage = (*Storage)(nil)
var _ billing.Tx = (*tx)(nil)
