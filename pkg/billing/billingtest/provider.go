// Package billingtest provides an in-process billing.Provider for tests.
package billingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mihaimyh/billing/pkg/billing"
)

const (
	// Signature is the only signature ConstructEvent accepts.
	Signature = "sig_valid"

	// SignatureHeader is the header the provider reads signatures from.
	SignatureHeader = "Fake-Signature"
)

// Operation names recorded by Provider.
const (
	OpCreateProduct           = "create_product"
	OpCreatePrice             = "create_price"
	OpDeactivatePrice         = "deactivate_price"
	OpCancelSubscription      = "cancel_subscription"
	OpSetDefaultPaymentMethod = "set_default_payment_method"
	OpDetachPaymentMethod     = "detach_payment_method"
)

// Provider records remote calls and fails the ones it is told to. Events
// are JSON-encoded billing.Event values.
type Provider struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	seq   int

	// created remembers remote ids per request key, the way the real
	// provider honors idempotency keys.
	created map[string]string
}

// NewProvider returns a provider that accepts every call.
func NewProvider() *Provider {
	return &Provider{fail: make(map[string]error), created: make(map[string]string)}
}

// FailOn makes every later call of op fail with err wrapped in a
// *billing.ExternalProviderError.
func (f *Provider) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// CallCount returns how many times op was called.
func (f *Provider) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Calls returns the recorded operations in call order.
func (f *Provider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// EncodeEvent returns the payload ConstructEvent decodes back into event.
func EncodeEvent(event billing.Event) ([]byte, error) {
	return json.Marshal(event)
}

func (f *Provider) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if err, ok := f.fail[op]; ok {
		return &billing.ExternalProviderError{Op: op, Err: err}
	}
	return nil
}

func (f *Provider) Name() string            { return "fake" }
func (f *Provider) SignatureHeader() string { return SignatureHeader }

func (f *Provider) ConstructEvent(payload []byte, signature string) (*billing.Event, error) {
	if signature != Signature {
		return nil, fmt.Errorf("%w: bad signature", billing.ErrInvalidWebhookSignature)
	}
	return f.DecodeEvent(payload)
}

func (f *Provider) DecodeEvent(payload []byte) (*billing.Event, error) {
	var event billing.Event
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" {
		return nil, fmt.Errorf("%w: undecodable event", billing.ErrInvalidWebhookPayload)
	}
	event.Payload = payload
	return &event, nil
}

func (f *Provider) CreateProduct(_ context.Context, planID string, _ billing.PlanDefinition) (string, error) {
	if err := f.record(OpCreateProduct); err != nil {
		return "", err
	}
	return f.idFor("product:"+planID, "prod"), nil
}

func (f *Provider) CreatePrice(_ context.Context, planID, _ string, _ billing.PlanDefinition) (string, error) {
	if err := f.record(OpCreatePrice); err != nil {
		return "", err
	}
	return f.idFor("price:"+planID, "price"), nil
}

// idFor returns the id already issued for key, or a new one.
func (f *Provider) idFor(key, prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.created[key]; ok {
		return id
	}
	f.seq++
	id := fmt.Sprintf("%s_%d", prefix, f.seq)
	f.created[key] = id
	return id
}

func (f *Provider) DeactivatePrice(_ context.Context, _ string) error {
	return f.record(OpDeactivatePrice)
}

func (f *Provider) CancelSubscription(_ context.Context, _ string, _ bool) error {
	return f.record(OpCancelSubscription)
}

func (f *Provider) SetDefaultPaymentMethod(_ context.Context, _, _ string) error {
	return f.record(OpSetDefaultPaymentMethod)
}

func (f *Provider) DetachPaymentMethod(_ context.Context, _ string) error {
	return f.record(OpDetachPaymentMethod)
}

var _ billing.Provider = (*Provider)(nil)
