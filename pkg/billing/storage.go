package billing

import (
	"context"
	"time"
)

// Storage is the persistence backend for all billing records.
//
// Every read and write happens inside RunInTx. Implementations must run fn
// atomically: either all of its writes become visible or none do. Methods
// taking forUpdate lock the returned rows until the transaction ends, which
// is how single-writer-per-entity is enforced.
type Storage interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx exposes the repository operations available inside a transaction.
// Lookups return the matching ErrXxxNotFound sentinel when no row exists.
type Tx interface {
	PlanRepository
	SubscriptionRepository
	PaymentMethodRepository
	HistoryRepository
	WebhookEventRepository
}

// PlanRepository persists catalog plans.
type PlanRepository interface {
	// CreatePlan inserts a plan. Duplicate external product/price ids yield ErrConflict.
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	GetPlanByPriceID(ctx context.Context, externalPriceID string) (*Plan, error)
	// ListPlans returns plans ordered by amount then name.
	ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error)
	SetPlanActive(ctx context.Context, id string, active bool) error
}

// SubscriptionRepository persists subscription records.
type SubscriptionRepository interface {
	// CreateSubscription inserts a record. A duplicate external subscription id yields ErrConflict.
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string, forUpdate bool) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string, forUpdate bool) (*Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	// FindUserByCustomerID resolves a provider customer to a local user
	// through existing subscriptions or payment methods. Returns "" when unknown.
	FindUserByCustomerID(ctx context.Context, externalCustomerID string) (string, error)
}

// PaymentMethodRepository persists saved payment instruments.
type PaymentMethodRepository interface {
	// UpsertPaymentMethod inserts or refreshes a method keyed by its external id.
	// The default flag and local id of an existing row are preserved and
	// written back into pm.
	UpsertPaymentMethod(ctx context.Context, pm *PaymentMethod) error
	GetPaymentMethod(ctx context.Context, id string, forUpdate bool) (*PaymentMethod, error)
	GetPaymentMethodByExternalID(ctx context.Context, externalID string, forUpdate bool) (*PaymentMethod, error)
	// ListPaymentMethodsByUser returns the user's methods, default first.
	ListPaymentMethodsByUser(ctx context.Context, userID string, forUpdate bool) ([]PaymentMethod, error)
	// SetDefaultPaymentMethod clears the flag on every other method of the
	// user and sets it on id, in that order, within the transaction.
	SetDefaultPaymentMethod(ctx context.Context, userID, id string) error
	// ClearDefaultPaymentMethod leaves the user with no default method.
	ClearDefaultPaymentMethod(ctx context.Context, userID string) error
	DeletePaymentMethod(ctx context.Context, id string) error
}

// HistoryRepository persists the billing history ledger. There is no delete.
type HistoryRepository interface {
	GetHistoryEntryByInvoiceID(ctx context.Context, externalInvoiceID string, forUpdate bool) (*BillingHistoryEntry, error)
	InsertHistoryEntry(ctx context.Context, entry *BillingHistoryEntry) error
	UpdateHistoryEntry(ctx context.Context, entry *BillingHistoryEntry) error
	// ListHistoryBySubscription returns entries newest invoice first.
	ListHistoryBySubscription(ctx context.Context, subscriptionID string) ([]BillingHistoryEntry, error)
}

// WebhookEventRepository persists inbound provider events.
type WebhookEventRepository interface {
	// InsertWebhookEvent stores the event unless its external id is already
	// known. created reports whether a row was written.
	InsertWebhookEvent(ctx context.Context, event *WebhookEvent) (created bool, err error)
	GetWebhookEvent(ctx context.Context, externalEventID string, forUpdate bool) (*WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, id string, at time.Time) error
	// RecordWebhookEventFailure stores the handler error and increments the attempt count.
	RecordWebhookEventFailure(ctx context.Context, id string, errText string) error
	// ListUnprocessedWebhookEvents returns unprocessed events oldest first.
	ListUnprocessedWebhookEvents(ctx context.Context, limit int) ([]WebhookEvent, error)
}
