// Package gin provides Gin middleware that gates routes on an active subscription
package gin

import (
	"context"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/billing/pkg/billing"
)

// SubscriptionKey is the Gin context key holding the matched *billing.Subscription
const SubscriptionKey = "billing:subscription"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnInactive func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireSubscription creates a Gin middleware that only lets through users
// with an active or trialing subscription.
func RequireSubscription(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Subscriptions == nil {
		panic("billing/gin: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("billing/gin: Config.GetUserID is required")
	}
	allowed := make(map[string]bool, len(cfg.PlanIDs))
	for _, id := range cfg.PlanIDs {
		allowed[id] = true
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		subs, err := cfg.Subscriptions.ActiveForUser(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		for i := range subs {
			if len(allowed) == 0 || allowed[subs[i].PlanID] {
				c.Set(SubscriptionKey, &subs[i])
				c.Next()
				return
			}
		}

		if cfg.OnInactive != nil {
			cfg.OnInactive(c)
		} else {
			c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Active subscription required"})
		}
		c.Abort()
	}
}

// SubscriptionFrom returns the subscription that let the request through.
func SubscriptionFrom(c *gongin.Context) (*billing.Subscription, bool) {
	val, exists := c.Get(SubscriptionKey)
	if !exists {
		return nil, false
	}
	sub, ok := val.(*billing.Subscription)
	return sub, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
