package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subscriptions is the subscription record store. It never computes a
// status locally: status only changes when a provider event is applied.
type Subscriptions struct {
	cfg Config
}

// GetSubscription returns a subscription by local id. It never calls the provider.
func (s *Subscriptions) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub *Subscription
	err := s.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		sub, err = tx.GetSubscription(ctx, id, false)
		return err
	})
	return sub, err
}

// ListForUser returns every subscription of a user.
func (s *Subscriptions) ListForUser(ctx context.Context, userID string) ([]Subscription, error) {
	var subs []Subscription
	err := s.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		subs, err = tx.ListSubscriptionsByUser(ctx, userID)
		return err
	})
	return subs, err
}

// ActiveForUser returns the user's subscriptions that grant access:
// active and trialing ones.
func (s *Subscriptions) ActiveForUser(ctx context.Context, userID string) ([]Subscription, error) {
	subs, err := s.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	active := subs[:0]
	for _, sub := range subs {
		if sub.Status == StatusActive || sub.Status == StatusTrialing {
			active = append(active, sub)
		}
	}
	return active, nil
}

// Cancel asks the provider to cancel the subscription and records the
// cancellation intent. The status stays as it is until the provider
// confirms the cancellation through a webhook.
func (s *Subscriptions) Cancel(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("subscription is %s", sub.Status)}
	}
	if atPeriodEnd && sub.CancelAtPeriodEnd {
		return sub, nil
	}

	// Remote call happens before, and outside, the local transaction.
	if err := s.cfg.Provider.CancelSubscription(ctx, sub.ExternalSubscriptionID, atPeriodEnd); err != nil {
		return nil, err
	}

	err = s.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetSubscription(ctx, id, true)
		if err != nil {
			return err
		}
		current.CancelAtPeriodEnd = true
		current.UpdatedAt = s.cfg.Now()
		if err := tx.UpdateSubscription(ctx, current); err != nil {
			return err
		}
		sub = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record cancellation: %w", err)
	}

	s.cfg.Logger.Info("subscription cancellation requested",
		Field{"subscription_id", id}, Field{"at_period_end", atPeriodEnd})
	return sub, nil
}

// ApplySnapshot reconciles the local record with the provider's view. It
// runs inside the processor's transaction and must not call the provider.
func (s *Subscriptions) ApplySnapshot(
	ctx context.Context, tx Tx, snap *SubscriptionSnapshot, eventTime time.Time,
) (*Subscription, error) {
	if _, err := ParseSubscriptionStatus(string(snap.Status)); err != nil {
		return nil, err
	}
	existing, err := tx.GetSubscriptionByExternalID(ctx, snap.ExternalSubscriptionID, true)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	if existing == nil {
		return s.createFromSnapshot(ctx, tx, snap, eventTime)
	}

	if !existing.ProviderUpdatedAt.IsZero() && eventTime.Before(existing.ProviderUpdatedAt) {
		s.cfg.Logger.Debug("stale subscription event ignored",
			Field{"subscription_id", existing.ID},
			Field{"event_time", eventTime},
			Field{"last_applied", existing.ProviderUpdatedAt})
		return existing, nil
	}

	if !existing.Status.CanTransitionTo(snap.Status) {
		s.cfg.Metrics.RecordIntegrityWarning("subscription")
		s.cfg.Logger.Warn("data integrity warning: subscription status transition rejected",
			Field{"subscription_id", existing.ID},
			Field{"current_status", existing.Status},
			Field{"rejected_status", snap.Status},
			Field{"error", ErrNonMonotonicStatus})
		return existing, nil
	}

	if snap.ExternalPriceID != "" {
		plan, err := tx.GetPlanByPriceID(ctx, snap.ExternalPriceID)
		switch {
		case err == nil:
			existing.PlanID = plan.ID
		case errors.Is(err, ErrPlanNotFound):
			return nil, fmt.Errorf("subscription %s references unknown price %s: %w",
				snap.ExternalSubscriptionID, snap.ExternalPriceID, err)
		default:
			return nil, err
		}
	}

	previous := existing.Status
	existing.Status = snap.Status
	if !snap.CurrentPeriodStart.IsZero() && snap.CurrentPeriodEnd.After(snap.CurrentPeriodStart) {
		existing.CurrentPeriodStart = snap.CurrentPeriodStart
		existing.CurrentPeriodEnd = snap.CurrentPeriodEnd
	}
	existing.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	existing.CanceledAt = snap.CanceledAt
	existing.TrialStart = snap.TrialStart
	existing.TrialEnd = snap.TrialEnd
	existing.ProviderUpdatedAt = eventTime
	existing.UpdatedAt = s.cfg.Now()

	if err := tx.UpdateSubscription(ctx, existing); err != nil {
		return nil, err
	}
	if previous != existing.Status {
		s.cfg.Metrics.RecordStatusChange(string(previous), string(existing.Status))
		s.cfg.Logger.Info("subscription status changed",
			Field{"subscription_id", existing.ID},
			Field{"from", previous},
			Field{"to", existing.Status})
	}
	return existing, nil
}

func (s *Subscriptions) createFromSnapshot(
	ctx context.Context, tx Tx, snap *SubscriptionSnapshot, eventTime time.Time,
) (*Subscription, error) {
	userID := snap.UserID
	if userID == "" {
		var err error
		userID, err = tx.FindUserByCustomerID(ctx, snap.ExternalCustomerID)
		if err != nil {
			return nil, err
		}
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: no user for customer %s on subscription %s",
			ErrInvalidWebhookPayload, snap.ExternalCustomerID, snap.ExternalSubscriptionID)
	}

	plan, err := tx.GetPlanByPriceID(ctx, snap.ExternalPriceID)
	if err != nil {
		return nil, fmt.Errorf("subscription %s references price %q: %w",
			snap.ExternalSubscriptionID, snap.ExternalPriceID, err)
	}
	if !snap.CurrentPeriodEnd.After(snap.CurrentPeriodStart) {
		return nil, fmt.Errorf("%w: subscription %s period end is not after start",
			ErrInvalidWebhookPayload, snap.ExternalSubscriptionID)
	}

	now := s.cfg.Now()
	sub := &Subscription{
		ID:                     uuid.NewString(),
		UserID:                 userID,
		ExternalCustomerID:     snap.ExternalCustomerID,
		ExternalSubscriptionID: snap.ExternalSubscriptionID,
		PlanID:                 plan.ID,
		Status:                 snap.Status,
		CurrentPeriodStart:     snap.CurrentPeriodStart,
		CurrentPeriodEnd:       snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
		CanceledAt:             snap.CanceledAt,
		TrialStart:             snap.TrialStart,
		TrialEnd:               snap.TrialEnd,
		ProviderUpdatedAt:      eventTime,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	s.cfg.Logger.Info("subscription recorded",
		Field{"subscription_id", sub.ID}, Field{"user_id", userID}, Field{"status", sub.Status})
	return sub, nil
}
