// Package db provides database connection helpers, schema migration and the
// database-backed credential store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure-Go sqlite driver registered as 'sqlite'
)

// Dialect names a supported database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect accepts the TOKEN_STORE values that map to a database.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database %q", s)
	}
}

// Open connects to the database and verifies the connection. For SQLite dsn
// is a file path or ":memory:".
func Open(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	var (
		database *sql.DB
		err      error
	)
	switch d {
	case Postgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres token store requires DB_DSN")
		}
		database, err = sql.Open("pgx", dsn)
	case SQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite token store requires SQLITE_PATH")
		}
		database, err = sql.Open("sqlite", dsn)
		if err == nil {
			// One writer at a time; an in-memory database only exists on its own connection.
			database.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database %q", d)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	if d == SQLite && dsn != ":memory:" {
		if _, err := database.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return database, nil
}

// rebind rewrites '?' placeholders to '$n' for Postgres.
func rebind(d Dialect, q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
