// Command migrate applies the PostgreSQL schema, or the ClickHouse mirror
// table with the "clickhouse" direction.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"pageinsight/api/config"
	"pageinsight/api/database"
	"pageinsight/api/logger"
)

// Exit codes for the migrate command.
const (
	exitSuccess = 0
	exitFailure = 1
)

const (
	defaultMigrationsPath = "file://migrations"
	clickhouseDDLPath     = "migrations/clickhouse/page_events.sql"
	clickhouseDDLTimeout  = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: migrate <up|down|clickhouse>")
		return exitFailure
	}

	direction := os.Args[1]
	if direction != "up" && direction != "down" && direction != "clickhouse" {
		fmt.Fprintf(os.Stderr, "Invalid direction: %q (must be \"up\", \"down\" or \"clickhouse\")\n", direction)
		return exitFailure
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	if direction == "clickhouse" {
		if err := applyClickHouse(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ClickHouse migration failed: %v\n", err)
			return exitFailure
		}
		fmt.Println("ClickHouse mirror table is up to date")
		return exitSuccess
	}

	path := os.Getenv("MIGRATIONS_PATH")
	if path == "" {
		path = defaultMigrationsPath
	}

	m, err := migrate.New(path, cfg.Database.MigrateURL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrate instance: %v\n", err)
		return exitFailure
	}
	defer func() { _, _ = m.Close() }()

	if err := runMigration(m, direction); err != nil {
		fmt.Fprintf(os.Stderr, "Migration %s failed: %v\n", direction, err)
		return exitFailure
	}

	fmt.Printf("Migration %s completed successfully\n", direction)
	return exitSuccess
}

// runMigration executes the migration in the specified direction.
func runMigration(m *migrate.Migrate, direction string) error {
	var err error

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}

	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Println("No migrations to apply")
		return nil
	}

	return err
}

// applyClickHouse runs the idempotent mirror table DDL.
func applyClickHouse(cfg *config.Config) error {
	ddl, err := os.ReadFile(clickhouseDDLPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", clickhouseDDLPath, err)
	}

	ch, err := database.NewClickHouseDB(&cfg.ClickHouse, logger.NewNop())
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), clickhouseDDLTimeout)
	defer cancel()
	return ch.Conn.Exec(ctx, string(ddl))
}
