package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PaymentMethods is the store of saved payment instruments. At most one
// method per user carries the default flag.
type PaymentMethods struct {
	cfg Config
}

// List returns the user's payment methods, default first.
func (p *PaymentMethods) List(ctx context.Context, userID string) ([]PaymentMethod, error) {
	var methods []PaymentMethod
	err := p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		methods, err = tx.ListPaymentMethodsByUser(ctx, userID, false)
		return err
	})
	return methods, err
}

// GetPaymentMethod returns a payment method by local id.
func (p *PaymentMethods) GetPaymentMethod(ctx context.Context, id string) (*PaymentMethod, error) {
	var pm *PaymentMethod
	err := p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		pm, err = tx.GetPaymentMethod(ctx, id, false)
		return err
	})
	return pm, err
}

// SetDefault makes id the user's default payment method. The provider is
// updated first; the local flags are then switched in one transaction that
// holds every row of the user.
func (p *PaymentMethods) SetDefault(ctx context.Context, userID, id string) (*PaymentMethod, error) {
	pm, err := p.GetPaymentMethod(ctx, id)
	if err != nil {
		return nil, err
	}
	if pm.UserID != userID {
		return nil, ErrForbidden
	}
	if pm.IsDefault {
		return pm, nil
	}

	if err := p.cfg.Provider.SetDefaultPaymentMethod(ctx, pm.ExternalCustomerID, pm.ExternalPaymentMethodID); err != nil {
		return nil, err
	}

	err = p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		updated, err := p.switchDefault(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		pm = updated
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set default payment method: %w", err)
	}

	p.cfg.Logger.Info("default payment method changed", Field{"user_id", userID}, Field{"payment_method_id", id})
	return pm, nil
}

// Remove detaches a payment method at the provider and deletes it locally.
// It fails with ErrConflict when the method is the last one backing a
// subscription that will charge again.
func (p *PaymentMethods) Remove(ctx context.Context, id string) error {
	var pm *PaymentMethod
	err := p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		pm, err = tx.GetPaymentMethod(ctx, id, false)
		if err != nil {
			return err
		}
		return p.checkRemovable(ctx, tx, pm, false)
	})
	if err != nil {
		return err
	}

	if err := p.cfg.Provider.DetachPaymentMethod(ctx, pm.ExternalPaymentMethodID); err != nil {
		return err
	}

	err = p.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		// Re-checked under lock: a subscription may have started meanwhile.
		if err := p.checkRemovable(ctx, tx, pm, true); err != nil {
			return err
		}
		return tx.DeletePaymentMethod(ctx, id)
	})
	if errors.Is(err, ErrConflict) {
		p.cfg.Logger.Error("payment method detached remotely but kept locally",
			Field{"payment_method_id", id}, Field{"error", err})
	}
	if err != nil {
		return err
	}

	p.cfg.Logger.Info("payment method removed", Field{"user_id", pm.UserID}, Field{"payment_method_id", id})
	return nil
}

// checkRemovable returns ErrConflict when pm is the user's only method and
// the user has a billable subscription that is not winding down.
func (p *PaymentMethods) checkRemovable(ctx context.Context, tx Tx, pm *PaymentMethod, lock bool) error {
	methods, err := tx.ListPaymentMethodsByUser(ctx, pm.UserID, lock)
	if err != nil {
		return err
	}
	others := 0
	for _, m := range methods {
		if m.ID != pm.ID {
			others++
		}
	}
	if others > 0 {
		return nil
	}

	subs, err := tx.ListSubscriptionsByUser(ctx, pm.UserID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Status.IsBillable() && !sub.CancelAtPeriodEnd {
			return conflictf("payment method %s is the only one backing subscription %s", pm.ID, sub.ID)
		}
	}
	return nil
}

func (p *PaymentMethods) switchDefault(ctx context.Context, tx Tx, userID, id string) (*PaymentMethod, error) {
	methods, err := tx.ListPaymentMethodsByUser(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	var target *PaymentMethod
	for i := range methods {
		if methods[i].ID == id {
			target = &methods[i]
		}
	}
	if target == nil {
		return nil, ErrPaymentMethodNotFound
	}
	if err := tx.SetDefaultPaymentMethod(ctx, userID, id); err != nil {
		return nil, err
	}
	target.IsDefault = true
	return target, nil
}

// ApplyPaymentMethod records a method attached to or updated at the
// provider. The owning user comes from metadata or the customer's
// existing records.
func (p *PaymentMethods) ApplyPaymentMethod(ctx context.Context, tx Tx, snap *PaymentMethodSnapshot) (*PaymentMethod, error) {
	existing, err := tx.GetPaymentMethodByExternalID(ctx, snap.ExternalPaymentMethodID, true)
	if err != nil && !errors.Is(err, ErrPaymentMethodNotFound) {
		return nil, err
	}

	customerID := snap.ExternalCustomerID
	userID := snap.UserID
	if existing != nil {
		userID = existing.UserID
		if customerID == "" {
			customerID = existing.ExternalCustomerID
		}
	}
	if userID == "" && customerID != "" {
		if userID, err = tx.FindUserByCustomerID(ctx, customerID); err != nil {
			return nil, err
		}
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: no user for payment method %s", ErrInvalidWebhookPayload, snap.ExternalPaymentMethodID)
	}

	now := p.cfg.Now()
	pm := &PaymentMethod{
		ID:                      uuid.NewString(),
		UserID:                  userID,
		ExternalCustomerID:      customerID,
		ExternalPaymentMethodID: snap.ExternalPaymentMethodID,
		Type:                    snap.Type,
		Brand:                   snap.Brand,
		Last4:                   snap.Last4,
		ExpMonth:                snap.ExpMonth,
		ExpYear:                 snap.ExpYear,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := tx.UpsertPaymentMethod(ctx, pm); err != nil {
		return nil, err
	}
	return pm, nil
}

// ApplyDetached deletes a method the provider reports as detached.
// Unknown methods are ignored.
func (p *PaymentMethods) ApplyDetached(ctx context.Context, tx Tx, externalPaymentMethodID string) error {
	pm, err := tx.GetPaymentMethodByExternalID(ctx, externalPaymentMethodID, true)
	if errors.Is(err, ErrPaymentMethodNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch err := p.checkRemovable(ctx, tx, pm, true); {
	case errors.Is(err, ErrConflict):
		p.cfg.Logger.Warn("payment method detached at provider while backing a subscription",
			Field{"payment_method_id", pm.ID}, Field{"user_id", pm.UserID})
	case err != nil:
		return err
	}
	return tx.DeletePaymentMethod(ctx, pm.ID)
}

// ApplyCustomerDefault follows a default payment method change made at the
// provider. Methods not stored locally are ignored. An empty default clears
// the local one.
func (p *PaymentMethods) ApplyCustomerDefault(ctx context.Context, tx Tx, snap *CustomerSnapshot) error {
	if snap.DefaultExternalPaymentMethodID == "" {
		userID, err := tx.FindUserByCustomerID(ctx, snap.ExternalCustomerID)
		if err != nil || userID == "" {
			return err
		}
		if err := tx.ClearDefaultPaymentMethod(ctx, userID); err != nil {
			return err
		}
		p.cfg.Logger.Info("default payment method cleared by provider",
			Field{"user_id", userID}, Field{"customer_id", snap.ExternalCustomerID})
		return nil
	}
	pm, err := tx.GetPaymentMethodByExternalID(ctx, snap.DefaultExternalPaymentMethodID, false)
	if errors.Is(err, ErrPaymentMethodNotFound) {
		p.cfg.Logger.Debug("default payment method not stored locally",
			Field{"customer_id", snap.ExternalCustomerID},
			Field{"payment_method", snap.DefaultExternalPaymentMethodID})
		return nil
	}
	if err != nil {
		return err
	}
	if pm.IsDefault {
		return nil
	}
	_, err = p.switchDefault(ctx, tx, pm.UserID, pm.ID)
	return err
}
