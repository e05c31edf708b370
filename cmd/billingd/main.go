// Command billingd serves the billing HTTP API, the Stripe webhook endpoint
// and a Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/billing/internal/config"
	"github.com/mihaimyh/billing/pkg/api"
	"github.com/mihaimyh/billing/pkg/billing"
	zlog "github.com/mihaimyh/billing/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/billing/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/billing/pkg/billing/stripe"
	"github.com/mihaimyh/billing/storage/postgres"
	redisstore "github.com/mihaimyh/billing/storage/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
	logger := zlog.New(os.Stderr, cfg.Logger.Level, cfg.Logger.Pretty())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("billingd stopped", billing.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	logger.Info("billingd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zlog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(reg, cfg.Metrics.Namespace)

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.Database.URL
	pgConfig.MaxConns = cfg.Database.MaxConns
	pgConfig.MinConns = cfg.Database.MinConns
	pgConfig.CleanupEnabled = cfg.Database.PrunePayloads
	pgConfig.EventRetention = cfg.Database.EventRetention
	pgConfig.Logger = logger.With(billing.Field{Key: "component", Value: "postgres"})
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	var planCache billing.PlanCache
	if cfg.Redis.URL != "" {
		cache, client, err := redisstore.NewFromURL(cfg.Redis.URL, redisstore.Config{
			KeyPrefix:  cfg.Redis.KeyPrefix,
			DefaultTTL: cfg.Redis.PlanCacheTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to configure plan cache: %w", err)
		}
		defer client.Close()
		if err := cache.Ping(ctx); err != nil {
			// The catalog treats cache errors as misses, so a down cache only costs reads.
			logger.Warn("plan cache unreachable", billing.Field{Key: "error", Value: err})
		}
		planCache = cache
	} else {
		logger.Info("plan cache disabled")
	}

	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET is not set; webhook deliveries will be refused")
	}
	provider, err := stripe.NewProvider(stripe.Config{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		APIBaseURL:    cfg.Stripe.APIBaseURL,
		Logger:        logger.With(billing.Field{Key: "component", Value: "stripe"}),
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to configure stripe: %w", err)
	}

	svc, err := billing.New(billing.Config{
		Storage:      store,
		Provider:     provider,
		PlanCache:    planCache,
		PlanCacheTTL: cfg.Redis.PlanCacheTTL,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build billing service: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET is not set; only public routes are served")
	}
	handler, err := api.NewHandler(api.Config{
		Service:     svc,
		Storage:     store,
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		Logger:      logger.With(billing.Field{Key: "component", Value: "api"}),
		HTTPMetrics: api.NewHTTPMetrics(reg, cfg.Metrics.Namespace),
	})
	if err != nil {
		return fmt.Errorf("failed to build api handler: %w", err)
	}

	apiServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", billing.Field{Key: "addr", Value: cfg.HTTP.Addr})
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.Info("metrics listening", billing.Field{Key: "addr", Value: cfg.Metrics.Addr})
		return serve(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", billing.Field{Key: "timeout", Value: cfg.HTTP.ShutdownTimeout})

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}
