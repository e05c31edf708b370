package billing

import "fmt"

// SubscriptionStatus mirrors the provider's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
)

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusIncomplete: {StatusIncompleteExpired, StatusTrialing, StatusActive},
	StatusTrialing:   {StatusActive, StatusCanceled},
	StatusActive:     {StatusPastDue, StatusCanceled},
	StatusPastDue:    {StatusActive, StatusCanceled, StatusUnpaid},
}

// ParseSubscriptionStatus validates a provider status string.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	status := SubscriptionStatus(s)
	switch status {
	case StatusIncomplete, StatusIncompleteExpired, StatusTrialing, StatusActive,
		StatusPastDue, StatusCanceled, StatusUnpaid:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown subscription status %q", ErrInvalidWebhookPayload, s)
}

// IsTerminal reports whether no further automatic transitions happen
// from this status.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired || s == StatusUnpaid
}

// IsBillable reports whether the subscription is expected to produce a
// next charge.
func (s SubscriptionStatus) IsBillable() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Staying in the same status is always allowed.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// ParseInvoiceStatus validates a provider invoice status string.
func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	status := InvoiceStatus(s)
	if status.rank() < 0 {
		return "", fmt.Errorf("%w: unknown invoice status %q", ErrInvalidWebhookPayload, s)
	}
	return status, nil
}

func (s InvoiceStatus) rank() int {
	switch s {
	case InvoiceDraft:
		return 0
	case InvoiceOpen:
		return 1
	case InvoiceUncollectible:
		return 2
	case InvoicePaid, InvoiceVoid:
		return 3
	}
	return -1
}

// IsFinal reports whether the invoice can no longer change.
func (s InvoiceStatus) IsFinal() bool {
	return s == InvoicePaid || s == InvoiceVoid
}

// CanAdvanceTo reports whether next does not move the invoice backwards.
// Uncollectible invoices may still be paid or voided; paid and void are final.
func (s InvoiceStatus) CanAdvanceTo(next InvoiceStatus) bool {
	if s == next {
		return true
	}
	if s.IsFinal() {
		return false
	}
	return next.rank() > s.rank()
}
