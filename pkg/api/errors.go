package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/billing/pkg/billing"
)

var errBadRequestBody = errors.New("invalid request body")

// statusFor maps billing errors to HTTP status codes.
func statusFor(err error) int {
	var validation *billing.ValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, errBadRequestBody):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, billing.ErrInvalidWebhookSignature):
		return http.StatusUnauthorized
	case errors.Is(err, billing.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrPaymentMethodNotFound),
		errors.Is(err, billing.ErrWebhookEventNotFound),
		errors.Is(err, billing.ErrInvoiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrConflict), errors.Is(err, billing.ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError writes err as JSON. Internal errors are logged and answered
// with a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var validation *billing.ValidationError
	if errors.As(err, &validation) {
		resp.Field = validation.Field
	}
	var planErr *billing.PlanCreationError
	if errors.As(err, &planErr) {
		resp.Step = planErr.Step
		resp.ExternalProductID = planErr.ExternalProductID
		resp.ExternalPriceID = planErr.ExternalPriceID
	}

	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			billing.Field{Key: "method", Value: r.Method},
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Field{Key: "status", Value: status},
			billing.Field{Key: "error", Value: err})
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
