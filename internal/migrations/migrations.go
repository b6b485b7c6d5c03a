// Package migrations owns the aggregate store schema. Migration files are
// embedded so a single binary can bring a fresh database up to date.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var MigrationFiles embed.FS

// RunMigrations applies all pending migrations. With autoMigrate disabled it
// only reports the current version and leaves the schema untouched.
func RunMigrations(db *sql.DB, autoMigrate bool) error {
	sourceDriver, err := iofs.New(MigrationFiles, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("read migration version: %w", err)
	}

	if dirty {
		slog.Warn("[Migrations] Dirty migration state, forcing current version",
			"version", version,
		)
		// the schema has a single additive migration, so forcing the recorded
		// version and re-running is safe
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("recover dirty migration state at version %d: %w", version, err)
		}
	}

	if !autoMigrate {
		slog.Info("[Migrations] Auto-migration disabled, skipping",
			"current_version", version,
		)
		return nil
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			slog.Info("[Migrations] Schema is up to date", "version", version)
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read updated migration version: %w", err)
	}
	slog.Info("[Migrations] Schema migrated",
		"from_version", version,
		"to_version", newVersion,
	)
	return nil
}
