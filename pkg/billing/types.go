package billing

import (
	"context"
	"encoding/json"
	"time"
)

// Interval is the recurring billing interval of a plan.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// PlanDefinition describes a plan to be created in the catalog.
// Amount is expressed in the currency's minor unit (cents for USD).
type PlanDefinition struct {
	Name          string   `json:"name" validate:"required,trimmed,max=120"`
	Description   string   `json:"description,omitempty" validate:"trimmed,max=500"`
	Amount        int64    `json:"amount" validate:"gt=0"`
	Currency      string   `json:"currency" validate:"required,len=3,alpha,lowercase"`
	Interval      Interval `json:"interval" validate:"required,oneof=month year"`
	IntervalCount int64    `json:"interval_count" validate:"gte=1,lte=12"`
	Features      []string `json:"features" validate:"dive,required,trimmed,max=200"`
}

// Plan is a purchasable subscription tier mirrored from the provider's
// product and price objects.
type Plan struct {
	ID                string    `json:"id"`
	ExternalProductID string    `json:"external_product_id"`
	ExternalPriceID   string    `json:"external_price_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Interval          Interval  `json:"interval"`
	IntervalCount     int64     `json:"interval_count"`
	Features          []string  `json:"features"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Subscription is a user's enrollment in a plan. Status is only ever
// written from provider-sourced events.
type Subscription struct {
	ID                     string             `json:"id"`
	UserID                 string             `json:"user_id"`
	ExternalCustomerID     string             `json:"external_customer_id"`
	ExternalSubscriptionID string             `json:"external_subscription_id"`
	PlanID                 string             `json:"plan_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	TrialStart             *time.Time         `json:"trial_start,omitempty"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`

	// ProviderUpdatedAt is the creation time of the newest provider event
	// applied to this record. Older events are ignored.
	ProviderUpdatedAt time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentMethod is a saved payment instrument of a user.
type PaymentMethod struct {
	ID                      string    `json:"id"`
	UserID                  string    `json:"user_id"`
	ExternalCustomerID      string    `json:"external_customer_id"`
	ExternalPaymentMethodID string    `json:"external_payment_method_id"`
	Type                    string    `json:"type"`
	Brand                   string    `json:"brand,omitempty"`
	Last4                   string    `json:"last4,omitempty"`
	ExpMonth                int       `json:"exp_month,omitempty"`
	ExpYear                 int       `json:"exp_year,omitempty"`
	IsDefault               bool      `json:"is_default"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// BillingHistoryEntry is one invoice in the append-only ledger.
type BillingHistoryEntry struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	SubscriptionID    string        `json:"subscription_id"`
	ExternalInvoiceID string        `json:"external_invoice_id"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Status            InvoiceStatus `json:"status"`
	InvoiceDate       time.Time     `json:"invoice_date"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// WebhookEvent is the stored copy of an inbound provider event.
// Processed=true is terminal for the external event id.
type WebhookEvent struct {
	ID              string          `json:"id"`
	ExternalEventID string          `json:"external_event_id"`
	Provider        string          `json:"provider"`
	EventType       string          `json:"event_type"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	Attempts        int             `json:"attempts"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// Event is a verified, decoded provider event. At most one of the snapshot
// fields is set, depending on the object the event carries.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Payload []byte

	Subscription  *SubscriptionSnapshot
	Invoice       *InvoiceSnapshot
	PaymentMethod *PaymentMethodSnapshot
	Customer      *CustomerSnapshot
}

// SubscriptionSnapshot is the provider's view of a subscription at the
// time an event was emitted.
type SubscriptionSnapshot struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	ExternalPriceID        string
	UserID                 string // from metadata, may be empty
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
}

// InvoiceSnapshot is the provider's view of an invoice.
type InvoiceSnapshot struct {
	ExternalInvoiceID      string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	Amount                 int64
	Currency               string
	Status                 InvoiceStatus
	InvoiceDate            time.Time
	PaidAt                 *time.Time
}

// PaymentMethodSnapshot is the provider's view of a payment method.
type PaymentMethodSnapshot struct {
	ExternalPaymentMethodID string
	ExternalCustomerID      string // empty after detach
	UserID                  string // from metadata, may be empty
	Type                    string
	Brand                   string
	Last4                   string
	ExpMonth                int
	ExpYear                 int
}

// CustomerSnapshot carries the customer fields the ledger cares about.
type CustomerSnapshot struct {
	ExternalCustomerID             string
	DefaultExternalPaymentMethodID string
}

// Principal is the authenticated caller of the HTTP API.
type Principal struct {
	UserID    string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RoleAdmin grants catalog management.
const RoleAdmin = "admin"

// Valid reports whether the principal's session window contains now.
func (p Principal) Valid(now time.Time) bool {
	if p.UserID == "" {
		return false
	}
	if !p.IssuedAt.IsZero() && now.Before(p.IssuedAt) {
		return false
	}
	return p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt)
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
