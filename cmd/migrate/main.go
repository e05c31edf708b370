// Command migrate manages the billing schema.
//
//	migrate up | down | goto <version> | status
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/mihaimyh/billing/internal/config"
	"github.com/mihaimyh/billing/storage/postgres"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadWith(config.Options{Require: []string{"DATABASE_URL"}})
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}

	m, err := postgres.NewMigrator(cfg.Database.URL)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Printf("failed to close migration resources: %v, %v", sourceErr, dbErr)
		}
	}()

	if err := run(m, os.Args[1:]); err != nil {
		log.Printf("migrate: %v", err)
		os.Exit(1)
	}
}

func run(m *migrate.Migrate, args []string) error {
	switch args[0] {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("no change: schema is up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		log.Println("migrations applied")

	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("failed to roll back last migration: %w", err)
		}
		log.Println("rolled back last migration")

	case "goto":
		if len(args) < 2 {
			return errors.New("goto needs a version number")
		}
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		err = m.Migrate(uint(version))
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("no change: schema is already at version %d", version)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to migrate to version %d: %w", version, err)
		}
		log.Printf("migrated to version %d", version)

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		suffix := ""
		if dirty {
			suffix = " (dirty)"
		}
		log.Printf("schema version: %d%s", version, suffix)

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: migrate <command>")
	fmt.Println("Commands:")
	fmt.Println("  up             apply all pending migrations")
	fmt.Println("  down           roll back the last migration")
	fmt.Println("  goto <version> migrate to a specific version")
	fmt.Println("  status         print the current schema version")
}
