package billing

import (
	"context"
	"fmt"
)

// Event types the processor acts on.
const (
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionTrialWillEnd = "customer.subscription.trial_will_end"

	EventInvoiceCreated             = "invoice.created"
	EventInvoiceFinalized           = "invoice.finalized"
	EventInvoiceUpdated             = "invoice.updated"
	EventInvoicePaid                = "invoice.paid"
	EventInvoicePaymentSucceeded    = "invoice.payment_succeeded"
	EventInvoicePaymentFailed       = "invoice.payment_failed"
	EventInvoiceVoided              = "invoice.voided"
	EventInvoiceMarkedUncollectible = "invoice.marked_uncollectible"

	EventPaymentMethodAttached = "payment_method.attached"
	EventPaymentMethodUpdated  = "payment_method.updated"
	EventPaymentMethodDetached = "payment_method.detached"

	EventCustomerUpdated = "customer.updated"
)

// HandlerFunc applies one event inside the processor's transaction. It
// must not call the provider.
type HandlerFunc func(ctx context.Context, tx Tx, event *Event) error

func (p *Processor) registerDefaults(subs *Subscriptions, ledger *Ledger, pms *PaymentMethods) {
	subscription := func(ctx context.Context, tx Tx, event *Event) error {
		if event.Subscription == nil {
			return missingObject(event, "subscription")
		}
		_, err := subs.ApplySnapshot(ctx, tx, event.Subscription, event.Created)
		return err
	}
	for _, t := range []string{
		EventSubscriptionCreated, EventSubscriptionUpdated,
		EventSubscriptionDeleted, EventSubscriptionTrialWillEnd,
	} {
		p.handlers[t] = subscription
	}

	invoice := func(ctx context.Context, tx Tx, event *Event) error {
		if event.Invoice == nil {
			return missingObject(event, "invoice")
		}
		if event.Invoice.ExternalSubscriptionID == "" {
			p.cfg.Logger.Debug("invoice without subscription ignored",
				Field{"invoice_id", event.Invoice.ExternalInvoiceID})
			return nil
		}
		_, err := ledger.ApplyInvoice(ctx, tx, event.Invoice)
		return err
	}
	for _, t := range []string{
		EventInvoiceCreated, EventInvoiceFinalized, EventInvoiceUpdated,
		EventInvoicePaid, EventInvoicePaymentSucceeded, EventInvoicePaymentFailed,
		EventInvoiceVoided, EventInvoiceMarkedUncollectible,
	} {
		p.handlers[t] = invoice
	}

	paymentMethod := func(ctx context.Context, tx Tx, event *Event) error {
		if event.PaymentMethod == nil {
			return missingObject(event, "payment_method")
		}
		_, err := pms.ApplyPaymentMethod(ctx, tx, event.PaymentMethod)
		return err
	}
	p.handlers[EventPaymentMethodAttached] = paymentMethod
	p.handlers[EventPaymentMethodUpdated] = paymentMethod

	p.handlers[EventPaymentMethodDetached] = func(ctx context.Context, tx Tx, event *Event) error {
		if event.PaymentMethod == nil {
			return missingObject(event, "payment_method")
		}
		return pms.ApplyDetached(ctx, tx, event.PaymentMethod.ExternalPaymentMethodID)
	}

	p.handlers[EventCustomerUpdated] = func(ctx context.Context, tx Tx, event *Event) error {
		if event.Customer == nil {
			return missingObject(event, "customer")
		}
		return pms.ApplyCustomerDefault(ctx, tx, event.Customer)
	}
}

func missingObject(event *Event, object string) error {
	return fmt.Errorf("%w: %s event %s carries no %s", ErrInvalidWebhookPayload, event.Type, event.ID, object)
}
