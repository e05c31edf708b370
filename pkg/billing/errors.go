package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrStorageNotConfigured is returned when no storage backend was supplied
	ErrStorageNotConfigured = errors.New("billing storage not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrNonMonotonicStatus flags a status update that would move an entity
	// backwards. The write is suppressed and the existing state kept.
	ErrNonMonotonicStatus = errors.New("non-monotonic status transition")

	// ErrConflict is returned when an operation would break a billing invariant
	ErrConflict = errors.New("billing conflict")

	ErrPlanNotFound          = errors.New("plan not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	ErrWebhookEventNotFound  = errors.New("webhook event not found")
	ErrInvoiceNotFound       = errors.New("invoice not found")

	// ErrDuplicateEvent is returned by Replay for events that were
	// already applied.
	ErrDuplicateEvent = errors.New("webhook event already processed")

	// ErrForbidden is returned when a principal acts on another user's records
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports malformed input. It is always returned before
// any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ExternalProviderError wraps a failed provider API call. No local state
// is mutated when it is returned.
type ExternalProviderError struct {
	Op  string
	Err error
}

func (e *ExternalProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrProviderAPIError, e.Op, e.Err)
}

func (e *ExternalProviderError) Unwrap() []error {
	return []error{ErrProviderAPIError, e.Err}
}

// ProcessingError reports a verified event that could not be stored or
// applied. The provider is expected to redeliver it.
type ProcessingError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("failed to process %s event %s: %v", e.EventType, e.EventID, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// PlanStep names a step of plan creation.
type PlanStep string

const (
	StepCreateProduct PlanStep = "create_product"
	StepCreatePrice   PlanStep = "create_price"
	StepPersistPlan   PlanStep = "persist_plan"
)

// PlanCreationError reports a partially applied plan creation. Remote
// objects listed here exist at the provider and are not rolled back.
type PlanCreationError struct {
	Step              PlanStep
	ExternalProductID string
	ExternalPriceID   string
	Err               error
}

func (e *PlanCreationError) Error() string {
	return fmt.Sprintf("plan creation failed at %s (product=%q price=%q): %v",
		e.Step, e.ExternalProductID, e.ExternalPriceID, e.Err)
}

func (e *PlanCreationError) Unwrap() error {
	return e.Err
}

// Orphaned reports whether remote objects were left behind.
func (e *PlanCreationError) Orphaned() bool {
	return e.ExternalProductID != "" || e.ExternalPriceID != ""
}

func conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
