// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/campaign-indexer/internal/config"
	"github.com/campaign-indexer/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		steps  = flag.Int("steps", 1, "Number of migrations to roll back with -action down")
		path   = flag.String("path", "migrations/postgres", "Migrations directory")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg.Database.Postgres.URL(), *path, *action, *steps); err != nil {
		log.Fatalf("Postgres migration failed: %v", err)
	}
}

func run(databaseURL, migrationsPath, action string, steps int) error {
	switch action {
	case "up":
		log.Println("Running Postgres migrations...")
		if err := storage.MigrateUp(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")

	case "down":
		log.Printf("Rolling back %d Postgres migration(s)...", steps)
		if err := storage.MigrateDown(databaseURL, migrationsPath, steps); err != nil {
			return err
		}
		log.Println("Postgres migrations rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
