package api

import "github.com/mihaimyh/billing/pkg/billing"

// CancelRequest is the body of POST /subscriptions/{id}/cancel.
// AtPeriodEnd defaults to true.
type CancelRequest struct {
	AtPeriodEnd *bool `json:"at_period_end"`
}

// ListResponse wraps collection responses.
type ListResponse[T any] struct {
	Data []T `json:"data"`
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`

	// Set for partially applied plan creations.
	Step              billing.PlanStep `json:"step,omitempty"`
	ExternalProductID string           `json:"external_product_id,omitempty"`
	ExternalPriceID   string           `json:"external_price_id,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}
