package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	database, err := Open(ctx, SQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := RunMigrations(ctx, database, SQLite); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return database
}

// openPostgres connects to TEST_PG_DSN with a clean schema, skipping without it.
func openPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	database, err := Open(ctx, Postgres, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	for _, stmt := range []string{`DROP TABLE IF EXISTS oauth_tokens`, `DROP TABLE IF EXISTS ` + MigrationsTable} {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			t.Logf("warning: clean database statement failed (may be expected): %v", err)
		}
	}
	if err := RunMigrations(ctx, database, Postgres); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return database
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"postgres", Postgres, false},
		{"PG", Postgres, false},
		{"sqlite", SQLite, false},
		{" sqlite3 ", SQLite, false},
		{"file", "", true},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDialect(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	if got := rebind(Postgres, q); got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Errorf("rebind(postgres) = %q", got)
	}
	if got := rebind(SQLite, q); got != q {
		t.Errorf("rebind(sqlite) = %q", got)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Postgres, ""); err == nil {
		t.Error("postgres without DSN accepted")
	}
	if _, err := Open(ctx, SQLite, ""); err == nil {
		t.Error("sqlite without path accepted")
	}
	if _, err := Open(ctx, Dialect("oracle"), "x"); err == nil {
		t.Error("unknown dialect accepted")
	}
}

func TestOpenSQLiteFile(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/relay.db"
	database, err := Open(ctx, SQLite, path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer database.Close()
	var mode string
	if err := database.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
