package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// newMigrator builds a migrator over the embedded migrations.
//
// The migrator takes ownership of conn: Close on the migrator closes it.
func newMigrator(conn *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(conn, &sqlite.Config{DatabaseName: "main"})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// withMigrator opens a dedicated connection to path for golang-migrate,
// which closes it when done.
func withMigrator(ctx context.Context, path string, fn func(*migrate.Migrate) error) error {
	conn, err := NewSQLiteConnection(ctx, DefaultConnectionConfig(path))
	if err != nil {
		return err
	}
	m, err := newMigrator(conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer m.Close()
	return fn(m)
}

// MigrateUp applies all pending migrations to the database at path.
// Having nothing to apply is not an error.
func MigrateUp(ctx context.Context, path string) error {
	return withMigrator(ctx, path, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back steps migrations, or all of them when steps is -1.
func MigrateDown(ctx context.Context, path string, steps int) error {
	return withMigrator(ctx, path, func(m *migrate.Migrate) error {
		var err error
		if steps == -1 {
			err = m.Down()
		} else {
			err = m.Steps(-steps)
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		return nil
	})
}

// MigrationVersion returns the applied schema version and whether a failed
// migration left it dirty. An unmigrated database reports version 0.
func MigrationVersion(ctx context.Context, path string) (version uint, dirty bool, err error) {
	err = withMigrator(ctx, path, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			version, dirty = 0, false
			return nil
		}
		return verr
	})
	return version, dirty, err
}
