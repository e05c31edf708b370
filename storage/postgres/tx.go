package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/billing/pkg/billing"
)

type tx struct {
	tx pgx.Tx
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// Plans

const planColumns = `id, external_product_id, external_price_id, name, description, amount,
	currency, billing_interval, interval_count, features, active, created_at, updated_at`

func scanPlan(row rowScanner) (*billing.Plan, error) {
	var p billing.Plan
	var interval string
	var features []byte
	if err := row.Scan(&p.ID, &p.ExternalProductID, &p.ExternalPriceID, &p.Name, &p.Description,
		&p.Amount, &p.Currency, &interval, &p.IntervalCount, &features, &p.Active,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Interval = billing.Interval(interval)
	if err := json.Unmarshal(features, &p.Features); err != nil {
		return nil, fmt.Errorf("failed to decode plan features: %w", err)
	}
	return &p, nil
}

func (t *tx) CreatePlan(ctx context.Context, plan *billing.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}
	features, err := json.Marshal(nonNilStrings(plan.Features))
	if err != nil {
		return fmt.Errorf("failed to encode plan features: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO plans (`+planColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		plan.ID, plan.ExternalProductID, plan.ExternalPriceID, plan.Name, plan.Description,
		plan.Amount, plan.Currency, string(plan.Interval), plan.IntervalCount, features, plan.Active,
		plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return mapError(err, "plan "+plan.ExternalPriceID, nil)
	}
	return nil
}

func (t *tx) GetPlan(ctx context.Context, id string) (*billing.Plan, error) {
	p, err := scanPlan(t.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

func (t *tx) GetPlanByPriceID(ctx context.Context, externalPriceID string) (*billing.Plan, error) {
	p, err := scanPlan(t.tx.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE external_price_id = $1`, externalPriceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan by price: %w", err)
	}
	return p, nil
}

func (t *tx) ListPlans(ctx context.Context, activeOnly bool) ([]billing.Plan, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+planColumns+` FROM plans
			WHERE active OR NOT $1
			ORDER BY amount, name`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []billing.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func (t *tx) SetPlanActive(ctx context.Context, id string, active bool) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE plans SET active = $2, updated_at = $3 WHERE id = $1`, id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrPlanNotFound
	}
	return nil
}

// Subscriptions

const subscriptionColumns = `id, user_id, external_customer_id, external_subscription_id, plan_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, trial_start, trial_end,
	provider_updated_at, created_at, updated_at`

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var s billing.Subscription
	var status string
	if err := row.Scan(&s.ID, &s.UserID, &s.ExternalCustomerID, &s.ExternalSubscriptionID, &s.PlanID, &status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.CanceledAt, &s.TrialStart, &s.TrialEnd,
		&s.ProviderUpdatedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = billing.SubscriptionStatus(status)
	return &s, nil
}

func (t *tx) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.ID, sub.UserID, sub.ExternalCustomerID, sub.ExternalSubscriptionID, sub.PlanID, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CanceledAt, sub.TrialStart, sub.TrialEnd,
		sub.ProviderUpdatedAt, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return mapError(err, "subscription "+sub.ExternalSubscriptionID, billing.ErrPlanNotFound)
	}
	return nil
}

func (t *tx) GetSubscription(ctx context.Context, id string, forUpdate bool) (*billing.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`+lockClause(forUpdate), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s, nil
}

func (t *tx) GetSubscriptionByExternalID(ctx context.Context, externalID string, forUpdate bool) (*billing.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`+lockClause(forUpdate),
		externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s, nil
}

func (t *tx) ListSubscriptionsByUser(ctx context.Context, userID string) ([]billing.Subscription, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE subscriptions SET
				user_id = $2, external_customer_id = $3, plan_id = $4, status = $5,
				current_period_start = $6, current_period_end = $7, cancel_at_period_end = $8,
				canceled_at = $9, trial_start = $10, trial_end = $11,
				provider_updated_at = $12, updated_at = $13
			WHERE id = $1`,
		sub.ID, sub.UserID, sub.ExternalCustomerID, sub.PlanID, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CanceledAt, sub.TrialStart, sub.TrialEnd,
		sub.ProviderUpdatedAt, sub.UpdatedAt)
	if err != nil {
		return mapError(err, "subscription "+sub.ExternalSubscriptionID, billing.ErrPlanNotFound)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}

func (t *tx) FindUserByCustomerID(ctx context.Context, externalCustomerID string) (string, error) {
	if externalCustomerID == "" {
		return "", nil
	}
	var userID string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id FROM subscriptions WHERE external_customer_id = $1
		 UNION ALL
		 SELECT user_id FROM payment_methods WHERE external_customer_id = $1
		 LIMIT 1`, externalCustomerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, nil
}

// Payment methods

const paymentMethodColumns = `id, user_id, external_customer_id, external_payment_method_id, type,
	brand, last4, exp_month, exp_year, is_default, created_at, updated_at`

func scanPaymentMethod(row rowScanner) (*billing.PaymentMethod, error) {
	var pm billing.PaymentMethod
	if err := row.Scan(&pm.ID, &pm.UserID, &pm.ExternalCustomerID, &pm.ExternalPaymentMethodID, &pm.Type,
		&pm.Brand, &pm.Last4, &pm.ExpMonth, &pm.ExpYear, &pm.IsDefault, &pm.CreatedAt, &pm.UpdatedAt); err != nil {
		return nil, err
	}
	return &pm, nil
}

// UpsertPaymentMethod keeps the id, default flag and creation time of an
// existing row and writes them back into pm.
func (t *tx) UpsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error {
	if pm == nil || pm.ID == "" || pm.ExternalPaymentMethodID == "" || pm.UserID == "" {
		return fmt.Errorf("invalid payment method")
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO payment_methods (`+paymentMethodColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $11)
			ON CONFLICT (external_payment_method_id) DO UPDATE SET
				external_customer_id = EXCLUDED.external_customer_id,
				type = EXCLUDED.type,
				brand = EXCLUDED.brand,
				last4 = EXCLUDED.last4,
				exp_month = EXCLUDED.exp_month,
				exp_year = EXCLUDED.exp_year,
				updated_at = EXCLUDED.updated_at
			RETURNING id, is_default, created_at`,
		pm.ID, pm.UserID, pm.ExternalCustomerID, pm.ExternalPaymentMethodID, pm.Type,
		pm.Brand, pm.Last4, pm.ExpMonth, pm.ExpYear, pm.CreatedAt, pm.UpdatedAt,
	).Scan(&pm.ID, &pm.IsDefault, &pm.CreatedAt)
	if err != nil {
		return mapError(err, "payment method "+pm.ExternalPaymentMethodID, nil)
	}
	return nil
}

func (t *tx) GetPaymentMethod(ctx context.Context, id string, forUpdate bool) (*billing.PaymentMethod, error) {
	pm, err := scanPaymentMethod(t.tx.QueryRow(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE id = $1`+lockClause(forUpdate), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPaymentMethodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return pm, nil
}

func (t *tx) GetPaymentMethodByExternalID(ctx context.Context, externalID string, forUpdate bool) (*billing.PaymentMethod, error) {
	pm, err := scanPaymentMethod(t.tx.QueryRow(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods
			WHERE external_payment_method_id = $1`+lockClause(forUpdate), externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPaymentMethodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return pm, nil
}

func (t *tx) ListPaymentMethodsByUser(ctx context.Context, userID string, forUpdate bool) ([]billing.PaymentMethod, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods
			WHERE user_id = $1
			ORDER BY is_default DESC, created_at, id`+lockClause(forUpdate), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	var methods []billing.PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		methods = append(methods, *pm)
	}
	return methods, rows.Err()
}

// SetDefaultPaymentMethod clears the old default before setting the new
// one so the partial unique index on (user_id) WHERE is_default holds.
func (t *tx) SetDefaultPaymentMethod(ctx context.Context, userID, id string) error {
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx,
		`UPDATE payment_methods SET is_default = FALSE, updated_at = $3
			WHERE user_id = $1 AND is_default AND id <> $2`, userID, id, now); err != nil {
		return fmt.Errorf("failed to clear default payment method: %w", err)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE payment_methods SET is_default = TRUE, updated_at = $3
			WHERE user_id = $1 AND id = $2`, userID, id, now)
	if err != nil {
		return mapError(err, "default payment method", nil)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrPaymentMethodNotFound
	}
	return nil
}

func (t *tx) ClearDefaultPaymentMethod(ctx context.Context, userID string) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE payment_methods SET is_default = FALSE, updated_at = $2
			WHERE user_id = $1 AND is_default`, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to clear default payment method: %w", err)
	}
	return nil
}

func (t *tx) DeletePaymentMethod(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM payment_methods WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrPaymentMethodNotFound
	}
	return nil
}

// Billing history

const historyColumns = `id, user_id, subscription_id, external_invoice_id, amount, currency, status,
	invoice_date, paid_at, created_at, updated_at`

func scanHistoryEntry(row rowScanner) (*billing.BillingHistoryEntry, error) {
	var e billing.BillingHistoryEntry
	var status string
	if err := row.Scan(&e.ID, &e.UserID, &e.SubscriptionID, &e.ExternalInvoiceID, &e.Amount, &e.Currency, &status,
		&e.InvoiceDate, &e.PaidAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = billing.InvoiceStatus(status)
	return &e, nil
}

func (t *tx) GetHistoryEntryByInvoiceID(ctx context.Context, externalInvoiceID string, forUpdate bool) (*billing.BillingHistoryEntry, error) {
	e, err := scanHistoryEntry(t.tx.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM billing_history
			WHERE external_invoice_id = $1`+lockClause(forUpdate), externalInvoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing history entry: %w", err)
	}
	return e, nil
}

func (t *tx) InsertHistoryEntry(ctx context.Context, entry *billing.BillingHistoryEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid history entry")
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO billing_history (`+historyColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.UserID, entry.SubscriptionID, entry.ExternalInvoiceID, entry.Amount, entry.Currency,
		string(entry.Status), entry.InvoiceDate, entry.PaidAt, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return mapError(err, "invoice "+entry.ExternalInvoiceID, billing.ErrSubscriptionNotFound)
	}
	return nil
}

func (t *tx) UpdateHistoryEntry(ctx context.Context, entry *billing.BillingHistoryEntry) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE billing_history SET amount = $2, currency = $3, status = $4, paid_at = $5, updated_at = $6
			WHERE id = $1`,
		entry.ID, entry.Amount, entry.Currency, string(entry.Status), entry.PaidAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update billing history entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrInvoiceNotFound
	}
	return nil
}

func (t *tx) ListHistoryBySubscription(ctx context.Context, subscriptionID string) ([]billing.BillingHistoryEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+historyColumns+` FROM billing_history
			WHERE subscription_id = $1
			ORDER BY invoice_date DESC, external_invoice_id DESC`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing history: %w", err)
	}
	defer rows.Close()

	var entries []billing.BillingHistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing history entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Webhook events

const webhookEventColumns = `id, external_event_id, provider, event_type, processed, processed_at,
	error, attempts, payload, received_at`

func scanWebhookEvent(row rowScanner) (*billing.WebhookEvent, error) {
	var e billing.WebhookEvent
	var payload []byte
	if err := row.Scan(&e.ID, &e.ExternalEventID, &e.Provider, &e.EventType, &e.Processed, &e.ProcessedAt,
		&e.Error, &e.Attempts, &payload, &e.ReceivedAt); err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

func (t *tx) InsertWebhookEvent(ctx context.Context, event *billing.WebhookEvent) (bool, error) {
	if event == nil || event.ID == "" || event.ExternalEventID == "" {
		return false, fmt.Errorf("invalid webhook event")
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO webhook_events (id, external_event_id, provider, event_type, payload, received_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (external_event_id) DO NOTHING`,
		event.ID, event.ExternalEventID, event.Provider, event.EventType, []byte(event.Payload), event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) GetWebhookEvent(ctx context.Context, externalEventID string, forUpdate bool) (*billing.WebhookEvent, error) {
	e, err := scanWebhookEvent(t.tx.QueryRow(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
			WHERE external_event_id = $1`+lockClause(forUpdate), externalEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrWebhookEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return e, nil
}

func (t *tx) MarkWebhookEventProcessed(ctx context.Context, id string, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE webhook_events SET processed = TRUE, processed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrWebhookEventNotFound
	}
	return nil
}

func (t *tx) RecordWebhookEventFailure(ctx context.Context, id string, errText string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE webhook_events SET error = $2, attempts = attempts + 1
			WHERE id = $1 AND NOT processed`, id, errText)
	if err != nil {
		return fmt.Errorf("failed to record webhook event failure: %w", err)
	}
	return nil
}

func (t *tx) ListUnprocessedWebhookEvents(ctx context.Context, limit int) ([]billing.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
			WHERE NOT processed
			ORDER BY received_at, id
			LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}
	defer rows.Close()

	var events []billing.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ billing.Tx = (*tx)(nil)
