package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger is the append-only billing history. Entries are only written by
// the processor and are never deleted.
type Ledger struct {
	cfg Config
}

// ListForSubscription returns the invoices of a subscription, newest first.
func (l *Ledger) ListForSubscription(ctx context.Context, subscriptionID string) ([]BillingHistoryEntry, error) {
	var entries []BillingHistoryEntry
	err := l.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetSubscription(ctx, subscriptionID, false); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListHistoryBySubscription(ctx, subscriptionID)
		return err
	})
	return entries, err
}

// ApplyInvoice creates the ledger entry for an invoice or advances its
// status. Backward moves are logged as data integrity warnings and
// suppressed; the existing entry is returned unchanged.
func (l *Ledger) ApplyInvoice(ctx context.Context, tx Tx, snap *InvoiceSnapshot) (*BillingHistoryEntry, error) {
	if snap.ExternalSubscriptionID == "" {
		return nil, fmt.Errorf("%w: invoice %s has no subscription", ErrInvalidWebhookPayload, snap.ExternalInvoiceID)
	}
	if _, err := ParseInvoiceStatus(string(snap.Status)); err != nil {
		return nil, err
	}
	sub, err := tx.GetSubscriptionByExternalID(ctx, snap.ExternalSubscriptionID, false)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", snap.ExternalInvoiceID, err)
	}

	entry, err := tx.GetHistoryEntryByInvoiceID(ctx, snap.ExternalInvoiceID, true)
	if errors.Is(err, ErrInvoiceNotFound) {
		return l.insert(ctx, tx, sub, snap)
	}
	if err != nil {
		return nil, err
	}

	if !entry.Status.CanAdvanceTo(snap.Status) {
		l.cfg.Metrics.RecordIntegrityWarning("invoice")
		l.cfg.Logger.Warn("data integrity warning: invoice status moved backwards",
			Field{"invoice_id", snap.ExternalInvoiceID},
			Field{"subscription_id", entry.SubscriptionID},
			Field{"current_status", entry.Status},
			Field{"rejected_status", snap.Status},
			Field{"error", ErrNonMonotonicStatus})
		return entry, nil
	}

	entry.Status = snap.Status
	if snap.Amount > 0 {
		entry.Amount = snap.Amount
	}
	if snap.Currency != "" {
		entry.Currency = snap.Currency
	}
	if entry.PaidAt == nil && snap.Status == InvoicePaid {
		entry.PaidAt = paidAt(snap, l.cfg.Now())
	}
	entry.UpdatedAt = l.cfg.Now()
	if err := tx.UpdateHistoryEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) insert(ctx context.Context, tx Tx, sub *Subscription, snap *InvoiceSnapshot) (*BillingHistoryEntry, error) {
	now := l.cfg.Now()
	entry := &BillingHistoryEntry{
		ID:                uuid.NewString(),
		UserID:            sub.UserID,
		SubscriptionID:    sub.ID,
		ExternalInvoiceID: snap.ExternalInvoiceID,
		Amount:            snap.Amount,
		Currency:          snap.Currency,
		Status:            snap.Status,
		InvoiceDate:       snap.InvoiceDate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if entry.InvoiceDate.IsZero() {
		entry.InvoiceDate = now
	}
	if snap.Status == InvoicePaid {
		entry.PaidAt = paidAt(snap, now)
	}
	if err := tx.InsertHistoryEntry(ctx, entry); err != nil {
		return nil, err
	}
	l.cfg.Logger.Debug("billing history entry recorded",
		Field{"invoice_id", entry.ExternalInvoiceID}, Field{"status", entry.Status})
	return entry, nil
}

func paidAt(snap *InvoiceSnapshot, now time.Time) *time.Time {
	if snap.PaidAt != nil {
		t := *snap.PaidAt
		return &t
	}
	return &now
}
