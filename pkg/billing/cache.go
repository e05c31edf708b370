package billing

import (
	"context"
	"time"
)

// PlanCache caches the active plan list so catalog reads do not hit storage.
// A miss returns ok=false. Callers treat errors as misses.
type PlanCache interface {
	GetActivePlans(ctx context.Context) (plans []Plan, ok bool, err error)
	SetActivePlans(ctx context.Context, plans []Plan, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// NoopPlanCache never caches.
type NoopPlanCache struct{}

func (NoopPlanCache) GetActivePlans(_ context.Context) ([]Plan, bool, error) {
	return nil, false, nil
}

func (NoopPlanCache) SetActivePlans(_ context.Context, _ []Plan, _ time.Duration) error {
	return nil
}

func (NoopPlanCache) Invalidate(_ context.Context) error {
	return nil
}
