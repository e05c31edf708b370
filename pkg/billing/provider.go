package billing

import (
	"context"
)

// Provider is the payment provider the billing core talks to.
// Remote calls are only made from initiating actions and never while a
// storage transaction is open.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string

	// ConstructEvent verifies the signature of payload and decodes it.
	// Signature failures wrap ErrInvalidWebhookSignature; decoding failures
	// wrap ErrInvalidWebhookPayload.
	ConstructEvent(payload []byte, signature string) (*Event, error)

	// DecodeEvent decodes a stored payload whose signature was verified when
	// it was received. Used for manual replay.
	DecodeEvent(payload []byte) (*Event, error)

	// CreateProduct creates the remote product for the local plan planID
	// and returns its id. Repeating the call for the same planID must not
	// create a second product.
	CreateProduct(ctx context.Context, planID string, def PlanDefinition) (string, error)

	// CreatePrice creates the recurring remote price for a product, with the
	// same per-planID guarantee as CreateProduct.
	CreatePrice(ctx context.Context, planID, productID string, def PlanDefinition) (string, error)

	// DeactivatePrice stops a remote price from being offered.
	DeactivatePrice(ctx context.Context, priceID string) error

	// CancelSubscription asks the provider to cancel, either at period end
	// or immediately. The local status follows later through webhooks.
	CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error

	// SetDefaultPaymentMethod makes pm the customer's invoice default.
	SetDefaultPaymentMethod(ctx context.Context, externalCustomerID, externalPaymentMethodID string) error

	// DetachPaymentMethod removes pm from its customer.
	DetachPaymentMethod(ctx context.Context, externalPaymentMethodID string) error
}
