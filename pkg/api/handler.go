package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/billing/pkg/billing"
)

const (
	maxRequestBodyBytes  = 64 * 1024
	healthTimeout        = 2 * time.Second
	defaultFailedListing = 50
)

// Handler serves the billing HTTP API
type Handler struct {
	config Config
	svc    *billing.Service
}

// Routes builds the chi router for the API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	if h.config.HTTPMetrics != nil {
		r.Use(h.config.HTTPMetrics.Middleware)
	}

	r.Get("/healthz", h.Health)
	r.Method(http.MethodPost, h.config.WebhookPath, h.svc.Processor.WebhookHandler())
	r.Get("/plans", h.ListActivePlans)

	if len(h.config.JWTSecret) == 0 {
		h.config.Logger.Warn("no JWT secret configured, authenticated routes disabled")
		return r
	}

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)

		r.Get("/subscriptions", h.ListSubscriptions)
		r.Get("/subscriptions/{id}", h.GetSubscription)
		r.Post("/subscriptions/{id}/cancel", h.CancelSubscription)
		r.Get("/subscriptions/{id}/invoices", h.ListInvoices)

		r.Get("/payment-methods", h.ListPaymentMethods)
		r.Post("/payment-methods/{id}/default", h.SetDefaultPaymentMethod)
		r.Delete("/payment-methods/{id}", h.RemovePaymentMethod)

		r.Group(func(r chi.Router) {
			r.Use(h.requireRole(billing.RoleAdmin))
			r.Post("/plans", h.CreatePlan)
			r.Post("/plans/{id}/retire", h.RetirePlan)
			r.Get("/admin/plans", h.ListAllPlans)
			r.Get("/admin/webhooks/failed", h.ListFailedWebhooks)
			r.Post("/admin/webhooks/{eventID}/replay", h.ReplayWebhook)
		})
	})
	return r
}

// Health pings storage.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Storage: "ok"}
	if h.config.Storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.config.Storage.Ping(ctx); err != nil {
			h.config.Logger.Warn("health check failed", billing.Field{Key: "error", Value: err})
			resp = HealthResponse{Status: "degraded", Storage: "unreachable"}
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListActivePlans lists purchasable plans.
func (h *Handler) ListActivePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.svc.Catalog.ListActivePlans(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[billing.Plan]{Data: nonNil(plans)})
}

// ListAllPlans lists every plan, retired ones included.
func (h *Handler) ListAllPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.svc.Catalog.ListPlans(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[billing.Plan]{Data: nonNil(plans)})
}

// CreatePlan creates a plan from a billing.PlanDefinition body.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var def billing.PlanDefinition
	if err := decodeBody(w, r, &def); err != nil {
		h.writeError(w, r, err)
		return
	}
	plan, err := h.svc.Catalog.CreatePlan(r.Context(), def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// RetirePlan deactivates a plan.
func (h *Handler) RetirePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.svc.Catalog.RetirePlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ListSubscriptions lists the caller's subscriptions.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.svc.Subscriptions.ListForUser(r.Context(), principal(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[billing.Subscription]{Data: nonNil(subs)})
}

// GetSubscription returns one of the caller's subscriptions.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// CancelSubscription requests cancellation of one of the caller's subscriptions.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	req := CancelRequest{}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	atPeriodEnd := req.AtPeriodEnd == nil || *req.AtPeriodEnd

	updated, err := h.svc.Subscriptions.Cancel(r.Context(), sub.ID, atPeriodEnd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ListInvoices lists the billing history of one of the caller's subscriptions.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.svc.Ledger.ListForSubscription(r.Context(), sub.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[billing.BillingHistoryEntry]{Data: nonNil(entries)})
}

// ListPaymentMethods lists the caller's payment methods, default first.
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.svc.PaymentMethods.List(r.Context(), principal(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[billing.PaymentMethod]{Data: nonNil(methods)})
}

// SetDefaultPaymentMethod makes a payment method the caller's default.
func (h *Handler) SetDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	pm, err := h.svc.PaymentMethods.SetDefault(r.Context(), principal(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

// RemovePaymentMethod detaches one of the caller's payment methods.
func (h *Handler) RemovePaymentMethod(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pm, err := h.svc.PaymentMethods.GetPaymentMethod(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if pm.UserID != principal(r).UserID {
		h.writeError(w, r, billing.ErrForbidden)
		return
	}
	if err := h.svc.PaymentMethods.Remove(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFailedWebhooks lists stored events that have not been applied.
func (h *Handler) ListFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedListing
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, &billing.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := h.svc.Processor.ListFailed(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[billing.WebhookEvent]{Data: nonNil(events)})
}

// ReplayWebhook re-runs a stored event that has not been applied.
func (h *Handler) ReplayWebhook(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Processor.Replay(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ownedSubscription loads {id} and checks that the caller owns it. Admins
// may read any subscription.
func (h *Handler) ownedSubscription(r *http.Request) (*billing.Subscription, error) {
	sub, err := h.svc.Subscriptions.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	p := principal(r)
	if sub.UserID != p.UserID && !p.HasRole(billing.RoleAdmin) {
		return nil, billing.ErrForbidden
	}
	return sub, nil
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.config.Logger.Debug("http request",
			billing.Field{Key: "method", Value: r.Method},
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Field{Key: "status", Value: ww.Status()},
			billing.Field{Key: "duration", Value: time.Since(start)},
			billing.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())})
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequestBody, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", errBadRequestBody)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
