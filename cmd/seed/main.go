// Command seed creates the plans listed in a JSON file that do not exist
// yet. Plans already present with the same name, price and interval are
// skipped, so the command can be rerun safely.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mihaimyh/billing/internal/config"
	"github.com/mihaimyh/billing/pkg/billing"
	zlog "github.com/mihaimyh/billing/pkg/billing/logger/zerolog"
	"github.com/mihaimyh/billing/pkg/billing/stripe"
	"github.com/mihaimyh/billing/storage/postgres"
)

func main() {
	file := flag.String("file", "plans.json", "path to the plan definition file")
	asJSON := flag.Bool("json", false, "print the result as JSON")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	logger := zlog.New(os.Stderr, cfg.Logger.Level, cfg.Logger.Pretty())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := seed(ctx, cfg, logger, *file)
	if err != nil {
		logger.Error("seed failed", billing.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	if err := printResult(os.Stdout, result, *asJSON); err != nil {
		logger.Error("failed to print result", billing.Field{Key: "error", Value: err})
	}
	if !result.OK() {
		os.Exit(2)
	}
}

func seed(ctx context.Context, cfg *config.Config, logger billing.Logger, path string) (billing.SeedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return billing.SeedResult{}, err
	}
	defer f.Close()
	defs, err := readDefinitions(f)
	if err != nil {
		return billing.SeedResult{}, err
	}

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.Database.URL
	pgConfig.CleanupEnabled = false
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return billing.SeedResult{}, fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	provider, err := stripe.NewProvider(stripe.Config{
		APIKey:     cfg.Stripe.SecretKey,
		APIBaseURL: cfg.Stripe.APIBaseURL,
		Logger:     logger,
	})
	if err != nil {
		return billing.SeedResult{}, fmt.Errorf("failed to configure stripe: %w", err)
	}

	catalog, err := billing.NewCatalog(billing.Config{Storage: store, Provider: provider, Logger: logger})
	if err != nil {
		return billing.SeedResult{}, err
	}
	return billing.SeedCatalog(ctx, catalog, defs), nil
}

func printResult(w io.Writer, result billing.SeedResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	for _, p := range result.Plans {
		switch p.Outcome {
		case billing.SeedFailed:
			fmt.Fprintf(w, "%-8s %s: %s", "FAILED", p.Name, p.Error)
			if p.Step != "" {
				fmt.Fprintf(w, " (step=%s product=%s price=%s)", p.Step, p.ExternalProductID, p.ExternalPriceID)
			}
			fmt.Fprintln(w)
		case billing.SeedSkipped:
			fmt.Fprintf(w, "%-8s %s (%s)\n", "EXISTS", p.Name, p.PlanID)
		default:
			fmt.Fprintf(w, "%-8s %s (%s)\n", "CREATED", p.Name, p.PlanID)
		}
	}
	_, err := fmt.Fprintf(w, "%d plans, %d failed\n", len(result.Plans), len(result.Failed()))
	return err
}
