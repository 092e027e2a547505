package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Directory containing DB migrations.
const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrator applies embedded schema migrations.
type migrator struct {
	logger    *slog.Logger
	srcDriver source.Driver
}

// newMigrator returns a new instance of migrator.
func newMigrator(sqlFiles embed.FS, dirName string, logger *slog.Logger) (*migrator, error) {
	d, err := iofs.New(sqlFiles, dirName)
	if err != nil {
		return nil, err
	}

	return &migrator{
		logger:    logger,
		srcDriver: d,
	}, nil
}

// ApplyMigrations applies DB migrations.
func (m *migrator) ApplyMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("unable to create db instance: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", m.srcDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("unable to create migration: %w", err)
	}

	m.logger.Info("Applying DB migrations")

	if err = mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("unable to apply migrations %w", err)
	}

	if version, dirty, err := mig.Version(); err != nil {
		m.logger.Error("Failed to get DB migration version", "err", err)
	} else {
		m.logger.Debug("Current DB migration version", "version", version, "dirty", dirty)
	}

	return nil
}
