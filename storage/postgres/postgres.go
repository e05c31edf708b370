// Package postgres provides a PostgreSQL implementation of the billing.Storage interface.
// Every billing transaction maps to one pgx transaction; row locks are taken
// with SELECT ... FOR UPDATE when the caller asks for them.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/billing/pkg/billing"
)

// Storage implements billing.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration. Cleanup empties the payload of processed
	// webhook events; the rows stay so their ids keep deduplicating
	// redeliveries. Off by default.
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRetention  time.Duration // Age after which processed payloads are pruned

	// Logger reports cleanup failures. Default: billing.NoopLogger
	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  false,
		CleanupInterval: time.Hour,
		EventRetention:  30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter. The schema must already be
// migrated; see Migrate.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunInTx implements billing.Storage. fn runs in a READ COMMITTED
// transaction that is committed when fn returns nil.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = pgxTx.Rollback(ctx)
	}()

	if err := fn(ctx, &tx{tx: pgxTx}); err != nil {
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// startCleanup periodically prunes payloads of old processed webhook events
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Error("webhook event cleanup failed", billing.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup empties the payload of processed webhook events older than the
// retention and returns how many were pruned. Rows are never deleted.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.EventRetention)
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET payload = ''::bytea
		 WHERE processed AND processed_at < $1 AND octet_length(payload) > 0`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Postgres error codes mapped to billing sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// mapError translates constraint violations. notFound is returned for
// foreign key violations, which mean a referenced row is missing.
func mapError(err error, what string, notFound error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s already exists (%s)", billing.ErrConflict, what, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			if notFound != nil {
				return notFound
			}
		}
	}
	return fmt.Errorf("failed to write %s: %w", what, err)
}

var _ billing.Storage = (*Storage)(nil)
