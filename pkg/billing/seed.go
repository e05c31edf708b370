package billing

import (
	"context"
	"errors"
	"strings"
)

// SeedOutcome is the result kind of seeding one plan definition.
type SeedOutcome string

const (
	SeedCreated SeedOutcome = "created"
	SeedSkipped SeedOutcome = "skipped_existing"
	SeedFailed  SeedOutcome = "failed"
)

// SeedPlanResult reports what happened to one definition. On failure Step
// and the remote ids tell the operator what must be reconciled by hand.
type SeedPlanResult struct {
	Name              string      `json:"name"`
	Outcome           SeedOutcome `json:"outcome"`
	PlanID            string      `json:"plan_id,omitempty"`
	Step              PlanStep    `json:"step,omitempty"`
	ExternalProductID string      `json:"external_product_id,omitempty"`
	ExternalPriceID   string      `json:"external_price_id,omitempty"`
	Error             string      `json:"error,omitempty"`
}

// SeedResult lists per-definition outcomes in input order.
type SeedResult struct {
	Plans []SeedPlanResult `json:"plans"`
}

// Failed returns the results that did not succeed.
func (r SeedResult) Failed() []SeedPlanResult {
	var failed []SeedPlanResult
	for _, p := range r.Plans {
		if p.Outcome == SeedFailed {
			failed = append(failed, p)
		}
	}
	return failed
}

// OK reports whether every definition was created or already present.
func (r SeedResult) OK() bool {
	return len(r.Failed()) == 0
}

// SeedCatalog creates every definition that has no matching active plan.
// A failure is recorded and seeding moves on to the next definition.
func SeedCatalog(ctx context.Context, catalog *Catalog, defs []PlanDefinition) SeedResult {
	var result SeedResult

	existing, err := catalog.ListPlans(ctx)
	if err != nil {
		for _, def := range defs {
			result.Plans = append(result.Plans, SeedPlanResult{
				Name:    def.Name,
				Outcome: SeedFailed,
				Error:   err.Error(),
			})
		}
		return result
	}

	for _, def := range defs {
		if ctx.Err() != nil {
			result.Plans = append(result.Plans, SeedPlanResult{Name: def.Name, Outcome: SeedFailed, Error: ctx.Err().Error()})
			continue
		}
		if plan := findSeeded(existing, normalizeDefinition(def)); plan != nil {
			result.Plans = append(result.Plans, SeedPlanResult{Name: def.Name, Outcome: SeedSkipped, PlanID: plan.ID})
			continue
		}

		plan, err := catalog.CreatePlan(ctx, def)
		if err != nil {
			res := SeedPlanResult{Name: def.Name, Outcome: SeedFailed, Error: err.Error()}
			var pce *PlanCreationError
			if errors.As(err, &pce) {
				res.Step = pce.Step
				res.ExternalProductID = pce.ExternalProductID
				res.ExternalPriceID = pce.ExternalPriceID
			}
			result.Plans = append(result.Plans, res)
			continue
		}
		existing = append(existing, *plan)
		result.Plans = append(result.Plans, SeedPlanResult{Name: def.Name, Outcome: SeedCreated, PlanID: plan.ID})
	}
	return result
}

func findSeeded(plans []Plan, def PlanDefinition) *Plan {
	for i := range plans {
		p := &plans[i]
		if p.Active &&
			strings.EqualFold(p.Name, def.Name) &&
			p.Amount == def.Amount &&
			p.Currency == def.Currency &&
			p.Interval == def.Interval &&
			p.IntervalCount == def.IntervalCount {
			return p
		}
	}
	return nil
}
