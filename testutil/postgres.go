// Package testutil holds shared test helpers: migrated databases and a mock
// Twitch API server.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/chat-relay/db"
)

// SetupTestDB returns a migrated Postgres handle for TEST_PG_DSN, skipping
// the test when that variable is unset.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn, ok := os.LookupEnv("TEST_PG_DSN")
	if !ok || dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return migrated(t, db.Postgres, dsn)
}

// SetupSQLite returns a migrated in-memory SQLite handle.
func SetupSQLite(t *testing.T) *sql.DB {
	t.Helper()
	return migrated(t, db.SQLite, ":memory:")
}

func migrated(t *testing.T, d db.Dialect, dsn string) *sql.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, d, dsn)
	if err != nil {
		t.Fatalf("open %s: %v", d, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := db.RunMigrations(ctx, conn, d); err != nil {
		t.Fatalf("migrate %s: %v", d, err)
	}
	return conn
}
