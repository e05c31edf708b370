package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Catalog manages subscription plans. Plans are immutable once created
// except for the active flag; a price change is a new plan.
type Catalog struct {
	cfg      Config
	validate *validator.Validate
}

// ValidateDefinition checks a plan definition without touching the provider.
func (c *Catalog) ValidateDefinition(def PlanDefinition) error {
	def = normalizeDefinition(def)
	if err := c.validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Namespace(), Reason: "failed " + fe.Tag() + " check"}
		}
		return &ValidationError{Reason: err.Error()}
	}
	if def.Interval == IntervalYear && def.IntervalCount > 3 {
		return &ValidationError{Field: "PlanDefinition.IntervalCount", Reason: "yearly plans bill at most every 3 years"}
	}
	return nil
}

// CreatePlan creates the remote product, then the remote price, then the
// local plan row. A failure after the first remote call returns a
// *PlanCreationError naming the step and the remote ids already created.
// Remote objects are not rolled back.
func (c *Catalog) CreatePlan(ctx context.Context, def PlanDefinition) (*Plan, error) {
	if err := c.ValidateDefinition(def); err != nil {
		return nil, err
	}
	def = normalizeDefinition(def)
	log := c.cfg.Logger
	planID := uuid.NewString()

	productID, err := c.cfg.Provider.CreateProduct(ctx, planID, def)
	if err != nil {
		return nil, &PlanCreationError{Step: StepCreateProduct, Err: err}
	}

	priceID, err := c.cfg.Provider.CreatePrice(ctx, planID, productID, def)
	if err != nil {
		log.Error("plan price creation failed, remote product orphaned",
			Field{"product_id", productID}, Field{"plan", def.Name}, Field{"error", err})
		return nil, &PlanCreationError{Step: StepCreatePrice, ExternalProductID: productID, Err: err}
	}

	now := c.cfg.Now()
	plan := &Plan{
		ID:                planID,
		ExternalProductID: productID,
		ExternalPriceID:   priceID,
		Name:              def.Name,
		Description:       def.Description,
		Amount:            def.Amount,
		Currency:          def.Currency,
		Interval:          def.Interval,
		IntervalCount:     def.IntervalCount,
		Features:          append([]string(nil), def.Features...),
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = c.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreatePlan(ctx, plan)
	})
	if err != nil {
		log.Error("plan persistence failed, remote product and price orphaned",
			Field{"product_id", productID}, Field{"price_id", priceID}, Field{"plan", def.Name}, Field{"error", err})
		return nil, &PlanCreationError{
			Step:              StepPersistPlan,
			ExternalProductID: productID,
			ExternalPriceID:   priceID,
			Err:               err,
		}
	}

	c.invalidateCache(ctx)
	log.Info("plan created", Field{"plan_id", plan.ID}, Field{"price_id", priceID}, Field{"amount", plan.Amount})
	return plan, nil
}

// GetPlan returns a plan by local id.
func (c *Catalog) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var plan *Plan
	err := c.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		plan, err = tx.GetPlan(ctx, id)
		return err
	})
	return plan, err
}

// ListPlans returns every plan, retired ones included.
func (c *Catalog) ListPlans(ctx context.Context) ([]Plan, error) {
	var plans []Plan
	err := c.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		plans, err = tx.ListPlans(ctx, false)
		return err
	})
	return plans, err
}

// ListActivePlans returns the plans offered at checkout. It reads the plan
// cache first and never calls the provider.
func (c *Catalog) ListActivePlans(ctx context.Context) ([]Plan, error) {
	if plans, ok, err := c.cfg.PlanCache.GetActivePlans(ctx); err != nil {
		c.cfg.Logger.Warn("plan cache read failed", Field{"error", err})
	} else if ok {
		return plans, nil
	}

	var plans []Plan
	err := c.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		plans, err = tx.ListPlans(ctx, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := c.cfg.PlanCache.SetActivePlans(ctx, plans, c.cfg.PlanCacheTTL); err != nil {
		c.cfg.Logger.Warn("plan cache write failed", Field{"error", err})
	}
	return plans, nil
}

// RetirePlan stops offering a plan. The remote price is deactivated first,
// then the local row. Subscriptions on the plan are unaffected.
func (c *Catalog) RetirePlan(ctx context.Context, id string) (*Plan, error) {
	plan, err := c.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return plan, nil
	}

	if err := c.cfg.Provider.DeactivatePrice(ctx, plan.ExternalPriceID); err != nil {
		return nil, err
	}

	err = c.cfg.Storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetPlanActive(ctx, id, false)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retire plan: %w", err)
	}
	c.invalidateCache(ctx)

	plan.Active = false
	plan.UpdatedAt = c.cfg.Now()
	c.cfg.Logger.Info("plan retired", Field{"plan_id", id})
	return plan, nil
}

func (c *Catalog) invalidateCache(ctx context.Context) {
	if err := c.cfg.PlanCache.Invalidate(ctx); err != nil {
		c.cfg.Logger.Warn("plan cache invalidation failed", Field{"error", err})
	}
}

// normalizeDefinition only fills defaults. Text fields are stored exactly as
// given; validation rejects values that would need rewriting.
func normalizeDefinition(def PlanDefinition) PlanDefinition {
	if def.IntervalCount == 0 {
		def.IntervalCount = 1
	}
	return def
}

func newDefinitionValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("trimmed", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return strings.TrimSpace(s) == s
	})
	return v
}
