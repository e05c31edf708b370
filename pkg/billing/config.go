package billing

import "time"

const defaultPlanCacheTTL = 5 * time.Minute

// Config wires the billing core to its collaborators. Storage and Provider
// are required; everything else falls back to a no-op.
type Config struct {
	// Storage is the transactional persistence backend (e.g. storage/postgres).
	Storage Storage

	// Provider is the payment provider (e.g. billing/stripe).
	Provider Provider

	// PlanCache caches the active plan list (e.g. storage/redis).
	// If nil, every ListActivePlans call reads storage.
	PlanCache PlanCache

	// PlanCacheTTL is the lifetime of cached plan lists. Default: 5 minutes.
	PlanCacheTTL time.Duration

	// Logger is an optional structured logger.
	// Use billing/logger/zerolog.NewLogger for zerolog output.
	Logger Logger

	// Metrics is an optional metrics collector.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

func (c *Config) validate() error {
	if c.Storage == nil {
		return ErrStorageNotConfigured
	}
	if c.Provider == nil {
		return ErrProviderNotConfigured
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PlanCache == nil {
		out.PlanCache = NoopPlanCache{}
	}
	if out.PlanCacheTTL <= 0 {
		out.PlanCacheTTL = defaultPlanCacheTTL
	}
	if out.Logger == nil {
		out.Logger = &NoopLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = &NoopMetrics{}
	}
	if out.Now == nil {
		out.Now = func() time.Time { return time.Now().UTC() }
	}
	return out
}

// NewCatalog builds a standalone catalog, as used by the seed command.
func NewCatalog(config Config) (*Catalog, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return newCatalog(config.withDefaults()), nil
}

func newCatalog(cfg Config) *Catalog {
	return &Catalog{cfg: cfg, validate: newDefinitionValidator()}
}

// Service bundles the billing components built from a single Config.
type Service struct {
	Catalog        *Catalog
	Subscriptions  *Subscriptions
	PaymentMethods *PaymentMethods
	Ledger         *Ledger
	Processor      *Processor
}

// New builds every billing component from config.
func New(config Config) (*Service, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	subs := &Subscriptions{cfg: cfg}
	ledger := &Ledger{cfg: cfg}
	pms := &PaymentMethods{cfg: cfg}
	catalog := newCatalog(cfg)
	proc := newProcessor(cfg, subs, ledger, pms)

	return &Service{
		Catalog:        catalog,
		Subscriptions:  subs,
		PaymentMethods: pms,
		Ledger:         ledger,
		Processor:      proc,
	}, nil
}
