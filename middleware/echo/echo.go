// Package echo provides Echo middleware that gates routes on an active subscription
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/billing/pkg/billing"
)

// SubscriptionKey is the Echo context key holding the matched *billing.Subscription
const SubscriptionKey = "billing:subscription"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// SubscriptionLookup returns the subscriptions of a user that currently
// grant access. *billing.Subscriptions satisfies it.
type SubscriptionLookup interface {
	ActiveForUser(ctx context.Context, userID string) ([]billing.Subscription, error)
}

// Config holds middleware configuration
type Config struct {
	// Subscriptions resolves a user's active subscriptions (required)
	Subscriptions SubscriptionLookup

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// PlanIDs restricts access to subscriptions on one of these plans.
	// Empty means any active subscription is enough.
	PlanIDs []string

	// OnInactive is called when the user has no qualifying subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireSubscription creates an Echo middleware that only lets through
// users with an active or trialing subscription.
func RequireSubscription(cfg Config) echo.MiddlewareFunc {
	if cfg.Subscriptions == nil {
		panic("billing/echo: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("billing/echo: Config.GetUserID is required")
	}
	if cfg.OnInactive == nil {
		cfg.OnInactive = defaultInactive
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}
	allowed := make(map[string]bool, len(cfg.PlanIDs))
	for _, id := range cfg.PlanIDs {
		allowed[id] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.OnUnauthorized(c)
			}

			subs, err := cfg.Subscriptions.ActiveForUser(c.Request().Context(), userID)
			if err != nil {
				return cfg.OnError(c, err)
			}

			for i := range subs {
				if len(allowed) == 0 || allowed[subs[i].PlanID] {
					c.Set(SubscriptionKey, &subs[i])
					return next(c)
				}
			}
			return cfg.OnInactive(c)
		}
	}
}

// SubscriptionFrom returns the subscription that let the request through.
func SubscriptionFrom(c echo.Context) (*billing.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*billing.Subscription)
	return sub, ok
}

func defaultInactive(c echo.Context) error {
	return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Active subscription required"})
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
