// Package migrations applies the embedded SQLite schema migrations.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/dsa110/contimg/internal/log"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// Up brings the schema of db to the latest embedded migration. Already
// up-to-date schemas are a no-op.
func Up(db *sql.DB, logger log.Logger) error {
	return apply(db, logger, func(inst *migrate.Migrate) error { return inst.Up() })
}

// Down reverts every migration, dropping the schema.
func Down(db *sql.DB, logger log.Logger) error {
	return apply(db, logger, func(inst *migrate.Migrate) error { return inst.Down() })
}

func apply(db *sql.DB, logger log.Logger, direction func(*migrate.Migrate) error) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.Noop
	}

	src, err := iofs.New(migrationFiles, "sql")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Errorf("could not close migration source: %s", err)
		}
	}()

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	inst, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}

	if err := direction(inst); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not apply migrations: %w", err)
	}

	logger.Debugf("Schema migrations applied")
	return nil
}
