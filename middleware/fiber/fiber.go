// Package fiber provides Fiber middleware that gates routes on an active subscription
package fiber

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/billing/pkg/billing"
)

// SubscriptionKey is the Locals key holding the matched *billing.Subscription
const SubscriptionKey = "billing:subscription"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnInactive func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireSubscription creates a Fiber middleware that only lets through
// users with an active or trialing subscription.
func RequireSubscription(cfg Config) fiber.Handler {
	if cfg.Subscriptions == nil {
		panic("billing/fiber: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("billing/fiber: Config.GetUserID is required")
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

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.OnUnauthorized(c)
		}

		subs, err := cfg.Subscriptions.ActiveForUser(c.UserContext(), userID)
		if err != nil {
			return cfg.OnError(c, err)
		}

		for i := range subs {
			if len(allowed) == 0 || allowed[subs[i].PlanID] {
				c.Locals(SubscriptionKey, &subs[i])
				return c.Next()
			}
		}
		return cfg.OnInactive(c)
	}
}

// SubscriptionFrom returns the subscription that let the request through.
func SubscriptionFrom(c *fiber.Ctx) (*billing.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*billing.Subscription)
	return sub, ok
}

func defaultInactive(c *fiber.Ctx) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Active subscription required"})
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an auth middleware via c.Locals(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
