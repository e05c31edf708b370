package billing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/billing/pkg/billing/internal"
)

const (
	maxWebhookBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxStoredErrorLength     = 2000
)

// Result describes the outcome of one webhook delivery.
type Result struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`

	// Duplicate is set when the event was already processed; nothing was applied.
	Duplicate bool `json:"duplicate"`

	// Ignored is set for event types without a handler. Such events are
	// stored and marked processed.
	Ignored bool `json:"ignored"`
}

// Processor ingests provider events and applies each one at most once.
type Processor struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newProcessor(cfg Config, subs *Subscriptions, ledger *Ledger, pms *PaymentMethods) *Processor {
	p := &Processor{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
	}
	p.registerDefaults(subs, ledger, pms)
	return p
}

// Handle registers fn for eventType, replacing any existing handler.
func (p *Processor) Handle(eventType string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = fn
}

func (p *Processor) handler(eventType string) HandlerFunc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[eventType]
}

// Process verifies, stores and applies a signed event payload.
//
// Signature failures return an error wrapping ErrInvalidWebhookSignature
// and leave no trace in storage. A redelivered event that was already
// processed returns a Result with Duplicate set and applies nothing.
// Handler failures are recorded on the stored event, which stays
// unprocessed so a redelivery or Replay can retry it.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (*Result, error) {
	provider := p.cfg.Provider.Name()

	event, err := p.cfg.Provider.ConstructEvent(payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidWebhookSignature):
			p.cfg.Metrics.RecordWebhookError(provider, "auth_failed")
			p.cfg.Logger.Warn("webhook signature verification failed", Field{"error", err})
		default:
			p.cfg.Metrics.RecordWebhookError(provider, "invalid_payload")
			p.cfg.Logger.Warn("webhook payload rejected", Field{"error", err})
		}
		return nil, err
	}

	err = p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.InsertWebhookEvent(ctx, &WebhookEvent{
			ID:              uuid.NewString(),
			ExternalEventID: event.ID,
			Provider:        provider,
			EventType:       event.Type,
			Payload:         append([]byte(nil), payload...),
			ReceivedAt:      p.cfg.Now(),
		})
		return err
	})
	if err != nil {
		p.cfg.Metrics.RecordWebhookError(provider, "storage_error")
		return nil, &ProcessingError{EventID: event.ID, EventType: event.Type, Err: err}
	}

	return p.apply(ctx, event)
}

// Replay re-runs a stored event that has not been processed yet. It
// returns ErrDuplicateEvent when the event was already applied.
func (p *Processor) Replay(ctx context.Context, externalEventID string) (*Result, error) {
	var stored *WebhookEvent
	err := p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		stored, err = tx.GetWebhookEvent(ctx, externalEventID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if stored.Processed {
		return nil, ErrDuplicateEvent
	}

	event, err := p.cfg.Provider.DecodeEvent(stored.Payload)
	if err != nil {
		return nil, err
	}
	p.cfg.Logger.Info("replaying webhook event",
		Field{"event_id", externalEventID}, Field{"event_type", stored.EventType}, Field{"attempts", stored.Attempts})
	return p.apply(ctx, event)
}

// ListFailed returns stored events that are not processed yet, oldest first.
func (p *Processor) ListFailed(ctx context.Context, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []WebhookEvent
	err := p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		events, err = tx.ListUnprocessedWebhookEvents(ctx, limit)
		return err
	})
	return events, err
}

// apply runs the handler and the processed flag write in one transaction
// that holds the event row, so concurrent deliveries of the same event
// serialize and only the first one applies side effects.
func (p *Processor) apply(ctx context.Context, event *Event) (*Result, error) {
	start := time.Now()
	provider := p.cfg.Provider.Name()
	result := &Result{EventID: event.ID, EventType: event.Type}

	var storedID string
	err := p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		stored, err := tx.GetWebhookEvent(ctx, event.ID, true)
		if err != nil {
			return err
		}
		storedID = stored.ID
		if stored.Processed {
			result.Duplicate = true
			return nil
		}

		fn := p.handler(event.Type)
		if fn == nil {
			result.Ignored = true
		} else if err := fn(ctx, tx, event); err != nil {
			return err
		}
		return tx.MarkWebhookEventProcessed(ctx, stored.ID, p.cfg.Now())
	})
	p.cfg.Metrics.RecordWebhookProcessingDuration(provider, event.Type, time.Since(start))

	if err != nil {
		p.cfg.Metrics.RecordWebhookEvent(provider, event.Type, "error")
		p.cfg.Metrics.RecordWebhookError(provider, "processing_error")
		p.cfg.Logger.Error("webhook event processing failed",
			Field{"event_id", event.ID}, Field{"event_type", event.Type}, Field{"error", err})
		if storedID != "" {
			p.recordFailure(ctx, storedID, err)
		}
		return nil, &ProcessingError{EventID: event.ID, EventType: event.Type, Err: err}
	}

	switch {
	case result.Duplicate:
		p.cfg.Metrics.RecordWebhookEvent(provider, event.Type, "duplicate")
		p.cfg.Logger.Debug("duplicate webhook event skipped", Field{"event_id", event.ID})
	case result.Ignored:
		p.cfg.Metrics.RecordWebhookEvent(provider, event.Type, "ignored")
	default:
		p.cfg.Metrics.RecordWebhookEvent(provider, event.Type, "processed")
		p.cfg.Logger.Info("webhook event processed", Field{"event_id", event.ID}, Field{"event_type", event.Type})
	}
	return result, nil
}

func (p *Processor) recordFailure(ctx context.Context, id string, cause error) {
	text := cause.Error()
	if len(text) > maxStoredErrorLength {
		text = text[:maxStoredErrorLength]
	}
	// The request context may already be done; the failure must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.RecordWebhookEventFailure(ctx, id, text)
	})
	if err != nil {
		p.cfg.Logger.Error("failed to record webhook event failure", Field{"webhook_event_id", id}, Field{"error", err})
	}
}

// WebhookHandler returns the HTTP endpoint for provider webhooks, rate
// limited per client IP.
func (p *Processor) WebhookHandler() http.Handler {
	limiter := internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)
	return limiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

func (p *Processor) handleWebhook(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	provider := p.cfg.Provider.Name()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.cfg.Metrics.RecordWebhookError(provider, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.cfg.Metrics.RecordWebhookError(provider, "invalid_payload")
		}
		return
	}

	result, err := p.Process(r.Context(), body, r.Header.Get(p.cfg.Provider.SignatureHeader()))
	var procErr *ProcessingError
	switch {
	case errors.As(err, &procErr):
		// Non-2xx makes the provider redeliver.
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	case errors.Is(err, ErrProviderNotConfigured):
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	case errors.Is(err, ErrInvalidWebhookSignature):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case err != nil:
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"received":  true,
		"duplicate": result.Duplicate,
	})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
