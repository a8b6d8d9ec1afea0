package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// MigrationsTable records applied versions; named apart from golang-migrate's
// default so the relay can share a database with other services.
const MigrationsTable = "relay_schema_migrations"

// newMigrate builds a migrate instance over the embedded migrations for d.
// The returned release must be called when done; it never closes db.
func newMigrate(ctx context.Context, db *sql.DB, d Dialect) (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationsFS, "migrations/"+string(d))
	if err != nil {
		return nil, nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	var (
		driver  database.Driver
		release = func() {}
	)
	switch d {
	case Postgres:
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire connection: %w", err)
		}
		pg, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: MigrationsTable})
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
		}
		driver = pg
		release = func() {
			if err := pg.Close(); err != nil {
				slog.Warn("failed to release migration connection", slog.Any("err", err), slog.String("component", "db_migrate"))
			}
		}
	case SQLite:
		// The sqlite driver closes the *sql.DB on Close, so it is left open.
		driver, err = sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: MigrationsTable})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite driver: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported database %q", d)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(d), driver)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, release, nil
}

// RunMigrations applies all pending migrations. Safe to run repeatedly.
func RunMigrations(ctx context.Context, db *sql.DB, d Dialect) error {
	m, release, err := newMigrate(ctx, db, d)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Debug("database schema is up to date", slog.String("component", "db_migrate"), slog.String("dialect", string(d)))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("err", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("dialect", string(d)),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(ctx context.Context, db *sql.DB, d Dialect) error {
	m, release, err := newMigrate(ctx, db, d)
	if err != nil {
		return err
	}
	defer release()
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// GetMigrationVersion returns the current migration version and dirty state.
// A database without migrations reports version 0.
func GetMigrationVersion(ctx context.Context, db *sql.DB, d Dialect) (version uint, dirty bool, err error) {
	m, release, err := newMigrate(ctx, db, d)
	if err != nil {
		return 0, false, err
	}
	defer release()
	v, dt, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, dt, nil
}
