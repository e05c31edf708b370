package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billing/pkg/billing"
)

const (
	providerName       = "stripe"
	signatureHeader    = "Stripe-Signature"
	defaultHTTPTimeout = 10 * time.Second
)

// Config configures the Stripe provider.
type Config struct {
	// APIKey is the secret API key (sk_live_... or sk_test_...). Required.
	APIKey string

	// WebhookSecret is the endpoint signing secret (whsec_...).
	// Without it every inbound event is refused with ErrProviderNotConfigured.
	WebhookSecret string

	// HTTPClient is used for API calls. Default: 10s timeout.
	HTTPClient *http.Client

	// APIBaseURL overrides the API endpoint, e.g. for stripe-mock.
	APIBaseURL string

	Logger  billing.Logger
	Metrics billing.Metrics
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	client        *stripe.Client
	webhookSecret string
	logger        billing.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backendConfig := &stripe.BackendConfig{HTTPClient: httpClient}
	if config.APIBaseURL != "" {
		backendConfig.URL = stripe.String(config.APIBaseURL)
	}
	client := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		client:        client,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// SignatureHeader returns the header Stripe signs webhooks with.
func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

// CreateProduct creates the product backing a plan. Features are kept in
// metadata as feature_0..feature_n.
func (p *Provider) CreateProduct(ctx context.Context, planID string, def billing.PlanDefinition) (string, error) {
	params := &stripe.ProductCreateParams{
		Name: stripe.String(def.Name),
	}
	if def.Description != "" {
		params.Description = stripe.String(def.Description)
	}
	for i, feature := range def.Features {
		params.AddMetadata("feature_"+strconv.Itoa(i), feature)
	}
	params.AddMetadata("plan_id", planID)
	params.SetIdempotencyKey(idempotencyKey("product", planID))

	var productID string
	err := p.call("/v1/products", "create_product", func() error {
		product, err := p.client.V1Products.Create(ctx, params)
		if err != nil {
			return err
		}
		productID = product.ID
		return nil
	})
	return productID, err
}

// CreatePrice creates the recurring price of a plan on productID.
func (p *Provider) CreatePrice(ctx context.Context, planID, productID string, def billing.PlanDefinition) (string, error) {
	params := &stripe.PriceCreateParams{
		Product:    stripe.String(productID),
		Currency:   stripe.String(strings.ToLower(def.Currency)),
		UnitAmount: stripe.Int64(def.Amount),
		Recurring: &stripe.PriceCreateRecurringParams{
			Interval:      stripe.String(string(def.Interval)),
			IntervalCount: stripe.Int64(def.IntervalCount),
		},
	}
	params.AddMetadata("plan_id", planID)
	params.SetIdempotencyKey(idempotencyKey("price", planID))

	var priceID string
	err := p.call("/v1/prices", "create_price", func() error {
		price, err := p.client.V1Prices.Create(ctx, params)
		if err != nil {
			return err
		}
		priceID = price.ID
		return nil
	})
	return priceID, err
}

// DeactivatePrice archives a price so no new subscriptions can use it.
func (p *Provider) DeactivatePrice(ctx context.Context, priceID string) error {
	params := &stripe.PriceUpdateParams{Active: stripe.Bool(false)}
	return p.call("/v1/prices/{id}", "deactivate_price", func() error {
		_, err := p.client.V1Prices.Update(ctx, priceID, params)
		return err
	})
}

// CancelSubscription schedules cancellation at period end, or cancels
// immediately.
func (p *Provider) CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(true)}
		return p.call("/v1/subscriptions/{id}", "cancel_subscription", func() error {
			_, err := p.client.V1Subscriptions.Update(ctx, externalSubscriptionID, params)
			return err
		})
	}
	return p.call("/v1/subscriptions/{id}/cancel", "cancel_subscription", func() error {
		_, err := p.client.V1Subscriptions.Cancel(ctx, externalSubscriptionID, &stripe.SubscriptionCancelParams{})
		return err
	})
}

// SetDefaultPaymentMethod sets the customer's default for invoices.
func (p *Provider) SetDefaultPaymentMethod(ctx context.Context, externalCustomerID, externalPaymentMethodID string) error {
	params := &stripe.CustomerUpdateParams{
		InvoiceSettings: &stripe.CustomerUpdateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(externalPaymentMethodID),
		},
	}
	return p.call("/v1/customers/{id}", "set_default_payment_method", func() error {
		_, err := p.client.V1Customers.Update(ctx, externalCustomerID, params)
		return err
	})
}

// DetachPaymentMethod detaches a payment method from its customer.
func (p *Provider) DetachPaymentMethod(ctx context.Context, externalPaymentMethodID string) error {
	return p.call("/v1/payment_methods/{id}/detach", "detach_payment_method", func() error {
		_, err := p.client.V1PaymentMethods.Detach(ctx, externalPaymentMethodID, &stripe.PaymentMethodDetachParams{})
		return err
	})
}

// call runs one API request, recording metrics and wrapping failures in
// billing.ExternalProviderError.
func (p *Provider) call(endpoint, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		p.logger.Error("stripe API call failed",
			billing.Field{Key: "op", Value: op},
			billing.Field{Key: "endpoint", Value: endpoint},
			billing.Field{Key: "error", Value: err})
		return &billing.ExternalProviderError{Op: op, Err: err}
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return nil
}

// idempotencyKey scopes a request key to one local plan, so a retried
// creation reuses the remote object and a new plan never does.
func idempotencyKey(scope, planID string) string {
	return fmt.Sprintf("billing-%s-%s", scope, planID)
}

var _ billing.Provider = (*Provider)(nil)
