// Package main copies the relay's Twitch credential from the JSON token file
// into the database token store, sealing it when ENCRYPTION_KEY is set. With
// --encrypt it instead seals a plaintext row that is already in the database.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--encrypt]
//
// Environment Variables:
//
//	TOKEN_STORE: postgres or sqlite (required)
//	DB_DSN / SQLITE_PATH: database location
//	TWITCH_TOKENS_FILE: JSON file to read (default twitch_tokens.json)
//	ENCRYPTION_KEY: base64 32-byte key, required with --encrypt
//
// Example:
//
//	export TOKEN_STORE=sqlite SQLITE_PATH=relay.db
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/credentials"
	"github.com/onnwee/chat-relay/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	encrypt := flag.Bool("encrypt", false, "Seal an existing plaintext database row instead of copying the file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	if *encrypt {
		err = encryptExisting(ctx, cfg, *dryRun)
	} else {
		err = copyFileToDB(ctx, cfg, *dryRun)
	}
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// copyFileToDB reads TWITCH_TOKENS_FILE and saves it into the database store.
func copyFileToDB(ctx context.Context, cfg *config.Config, dryRun bool) error {
	if cfg.TokenStore == "file" {
		return errors.New("TOKEN_STORE must be postgres or sqlite")
	}
	src := &credentials.FileStore{Path: cfg.TokensFile}
	cred, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("read %s: %w", cfg.TokensFile, err)
	}
	if cred.IsZero() {
		slog.Info("no token file found to migrate", slog.String("path", cfg.TokensFile))
		return nil
	}

	logger := slog.With(
		slog.String("store", cfg.TokenStore),
		slog.Bool("encrypted", cfg.EncryptionKey != ""),
		slog.Bool("has_refresh", cred.RefreshToken != ""))
	if dryRun {
		logger.Info("would migrate token (dry-run)")
		return nil
	}

	dst, closeFn, err := db.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := dst.Save(ctx, cred); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	logger.Info("migrated token successfully")
	return nil
}

// encryptExisting re-saves a plaintext (encryption_version=0) row through a sealing store.
func encryptExisting(ctx context.Context, cfg *config.Config, dryRun bool) error {
	if cfg.EncryptionKey == "" {
		return errors.New("ENCRYPTION_KEY environment variable is required for --encrypt")
	}
	sealed, closeFn, err := db.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	ts, ok := sealed.(*db.TokenStore)
	if !ok {
		return errors.New("TOKEN_STORE must be postgres or sqlite")
	}

	version, err := encryptionVersion(ctx, ts)
	if err != nil {
		return err
	}
	switch {
	case version < 0:
		slog.Info("no token row found")
		return nil
	case version > 0:
		slog.Info("token already encrypted", slog.Int("encryption_version", version))
		return nil
	}

	plain := db.NewTokenStore(ts.DB, ts.Dialect, ts.Provider, nil)
	cred, err := plain.Load(ctx)
	if err != nil {
		return fmt.Errorf("load plaintext token: %w", err)
	}
	if dryRun {
		slog.Info("would encrypt token (dry-run)", slog.String("provider", ts.Provider))
		return nil
	}
	if err := ts.Save(ctx, cred); err != nil {
		return fmt.Errorf("save encrypted token: %w", err)
	}
	slog.Info("encrypted token", slog.String("provider", ts.Provider), slog.String("key_id", ts.Box.KeyID()))
	return nil
}

// encryptionVersion returns the row's encryption_version, or -1 when there is no row.
func encryptionVersion(ctx context.Context, ts *db.TokenStore) (int, error) {
	q := `SELECT encryption_version FROM oauth_tokens WHERE provider = $1`
	if ts.Dialect == db.SQLite {
		q = `SELECT encryption_version FROM oauth_tokens WHERE provider = ?`
	}
	rows, err := ts.DB.QueryContext(ctx, q, ts.Provider)
	if err != nil {
		return 0, fmt.Errorf("query encryption version: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return -1, rows.Err()
	}
	var v int
	if err := rows.Scan(&v); err != nil {
		return 0, fmt.Errorf("scan encryption version: %w", err)
	}
	return v, nil
}
