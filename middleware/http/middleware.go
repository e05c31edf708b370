// Package http provides HTTP middleware that gates routes on an active subscription
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/billing/pkg/billing"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// SubscriptionLookup returns the subscriptions of a user that currently
// grant access. *billing.Subscriptions satisfies it.
type SubscriptionLookup interface {
	ActiveForUser(ctx context.Context, userID string) ([]billing.Subscription, error)
}

// Config holds middleware configuration
type Config struct {
	// Subscriptions resolves a user's active subscriptions (required)
	Subscriptions SubscriptionLookup

	// GetUserID extracts user ID from request
	// Default: FromPrincipal()
	GetUserID UserIDExtractor

	// PlanIDs restricts access to subscriptions on one of these plans.
	// Empty means any active subscription is enough.
	PlanIDs []string

	// OnInactive is called when the user has no qualifying subscription
	// If nil, returns 402 Payment Required
	OnInactive func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireSubscription creates an HTTP middleware that only lets through
// users with an active or trialing subscription. The matching subscription
// is stored on the request context.
func RequireSubscription(config Config) func(http.Handler) http.Handler {
	if config.GetUserID == nil {
		config.GetUserID = FromPrincipal()
	}
	allowed := make(map[string]bool, len(config.PlanIDs))
	for _, id := range config.PlanIDs {
		allowed[id] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			subs, err := config.Subscriptions.ActiveForUser(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			var match *billing.Subscription
			for i := range subs {
				if len(allowed) == 0 || allowed[subs[i].PlanID] {
					match = &subs[i]
					break
				}
			}
			if match == nil {
				if config.OnInactive != nil {
					config.OnInactive(w, r)
				} else {
					http.Error(w, "Active subscription required", http.StatusPaymentRequired)
				}
				return
			}

			ctx := context.WithValue(r.Context(), subscriptionKey, match)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates the middleware for a single http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireSubscription(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billing:userID"

	subscriptionKey ContextKey = "billing:subscription"
)

// SubscriptionFromContext returns the subscription that let the request through.
func SubscriptionFromContext(ctx context.Context) (*billing.Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey).(*billing.Subscription)
	return sub, ok
}

// FromPrincipal returns an UserIDExtractor that reads the authenticated
// billing.Principal set by the API's bearer token check.
func FromPrincipal() UserIDExtractor {
	return func(r *http.Request) string {
		p, ok := billing.PrincipalFromContext(r.Context())
		if !ok {
			return ""
		}
		return p.UserID
	}
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
