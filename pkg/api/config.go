package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/billing/pkg/billing"
)

const defaultWebhookPath = "/webhooks/stripe"

// Config holds configuration for the billing HTTP API
type Config struct {
	// Service is the billing core (required)
	Service *billing.Service

	// Storage is pinged by /healthz. If nil, /healthz always answers 200.
	Storage billing.Storage

	// JWTSecret verifies HS256 bearer tokens. When empty only the public
	// routes (/healthz, GET /plans, the webhook) are mounted.
	JWTSecret []byte

	// WebhookPath is where the provider posts events. Default: /webhooks/stripe
	WebhookPath string

	// Logger is optional; defaults to billing.NoopLogger
	Logger billing.Logger

	// HTTPMetrics records request counts and latencies when set
	HTTPMetrics *HTTPMetrics

	// OnError replaces the default JSON error writer
	OnError func(http.ResponseWriter, *http.Request, error)

	// Now is used for token validation. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return errors.New("service is required")
	}
	return nil
}

// NewHandler creates the billing API handler
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.WebhookPath == "" {
		config.WebhookPath = defaultWebhookPath
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{config: config, svc: config.Service}, nil
}
