package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/billing/pkg/billing"
)

// ConstructEvent verifies the Stripe-Signature header and decodes the event.
// The payload is decoded independently of the library's pinned API version,
// so endpoints on older versions keep working.
func (p *Provider) ConstructEvent(payload []byte, signature string) (*billing.Event, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, p.webhookSecret, webhook.DefaultTolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return p.DecodeEvent(payload)
}

// DecodeEvent decodes a payload whose signature was already verified.
func (p *Provider) DecodeEvent(payload []byte) (*billing.Event, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: event id or type missing", billing.ErrInvalidWebhookPayload)
	}

	event := &billing.Event{
		ID:      raw.ID,
		Type:    string(raw.Type),
		Created: time.Unix(raw.Created, 0).UTC(),
		Payload: payload,
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return event, nil
	}
	if err := decodeObject(event, raw.Data.Raw); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", billing.ErrInvalidWebhookPayload, event.Type, event.ID, err)
	}
	return event, nil
}

// decodeObject fills the snapshot matching the object kind carried by the
// event. Unrelated objects (charges, disputes, ...) leave every snapshot nil.
func decodeObject(event *billing.Event, data json.RawMessage) error {
	var kind struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &kind); err != nil {
		return err
	}

	switch kind.Object {
	case "subscription":
		var obj subscriptionObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		event.Subscription = obj.snapshot()
	case "invoice":
		var obj invoiceObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		event.Invoice = obj.snapshot()
	case "payment_method":
		var obj paymentMethodObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		event.PaymentMethod = obj.snapshot()
	case "customer":
		var obj customerObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		event.Customer = obj.snapshot()
	}
	return nil
}

// expandableID accepts either an object id or the expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		*e = ""
		return nil
	}
	if s[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	TrialStart        int64             `json:"trial_start"`
	TrialEnd          int64             `json:"trial_end"`
	Metadata          map[string]string `json:"metadata"`

	// Top-level period fields are only sent by API versions before
	// 2025-03-31; newer versions carry them on the items.
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`

	Items struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

func (o *subscriptionObject) snapshot() *billing.SubscriptionSnapshot {
	snap := &billing.SubscriptionSnapshot{
		ExternalSubscriptionID: o.ID,
		ExternalCustomerID:     string(o.Customer),
		UserID:                 o.Metadata["user_id"],
		Status:                 billing.SubscriptionStatus(o.Status),
		CancelAtPeriodEnd:      o.CancelAtPeriodEnd,
		CanceledAt:             unixTime(o.CanceledAt),
		TrialStart:             unixTime(o.TrialStart),
		TrialEnd:               unixTime(o.TrialEnd),
	}

	start, end := o.CurrentPeriodStart, o.CurrentPeriodEnd
	if len(o.Items.Data) > 0 {
		item := o.Items.Data[0]
		snap.ExternalPriceID = item.Price.ID
		if start == 0 && end == 0 {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	if start > 0 {
		snap.CurrentPeriodStart = time.Unix(start, 0).UTC()
	}
	if end > 0 {
		snap.CurrentPeriodEnd = time.Unix(end, 0).UTC()
	}
	return snap
}

type invoiceObject struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
	Total    int64        `json:"total"`
	Currency string       `json:"currency"`
	Status   string       `json:"status"`
	Created  int64        `json:"created"`

	// Subscription is set by API versions before 2025-03-31.
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`

	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

func (o *invoiceObject) subscriptionID() string {
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil && o.Parent.SubscriptionDetails.Subscription != "" {
		return string(o.Parent.SubscriptionDetails.Subscription)
	}
	return string(o.Subscription)
}

func (o *invoiceObject) snapshot() *billing.InvoiceSnapshot {
	return &billing.InvoiceSnapshot{
		ExternalInvoiceID:      o.ID,
		ExternalSubscriptionID: o.subscriptionID(),
		ExternalCustomerID:     string(o.Customer),
		Amount:                 o.Total,
		Currency:               o.Currency,
		Status:                 billing.InvoiceStatus(o.Status),
		InvoiceDate:            time.Unix(o.Created, 0).UTC(),
		PaidAt:                 unixTime(o.StatusTransitions.PaidAt),
	}
}

type paymentMethodObject struct {
	ID       string            `json:"id"`
	Customer expandableID      `json:"customer"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata"`
	Card     *struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
	} `json:"card"`
}

func (o *paymentMethodObject) snapshot() *billing.PaymentMethodSnapshot {
	snap := &billing.PaymentMethodSnapshot{
		ExternalPaymentMethodID: o.ID,
		ExternalCustomerID:      string(o.Customer),
		UserID:                  o.Metadata["user_id"],
		Type:                    o.Type,
	}
	if o.Card != nil {
		snap.Brand = o.Card.Brand
		snap.Last4 = o.Card.Last4
		snap.ExpMonth = o.Card.ExpMonth
		snap.ExpYear = o.Card.ExpYear
	}
	return snap
}

type customerObject struct {
	ID              string `json:"id"`
	InvoiceSettings struct {
		DefaultPaymentMethod expandableID `json:"default_payment_method"`
	} `json:"invoice_settings"`
}

func (o *customerObject) snapshot() *billing.CustomerSnapshot {
	return &billing.CustomerSnapshot{
		ExternalCustomerID:             o.ID,
		DefaultExternalPaymentMethodID: string(o.InvoiceSettings.DefaultPaymentMethod),
	}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
