package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/credentials"
	"github.com/onnwee/chat-relay/crypto"
)

// OpenStore returns the credential store selected by TOKEN_STORE. For the
// database stores it connects and migrates first; close releases the
// connection and is never nil.
func OpenStore(ctx context.Context, cfg *config.Config) (credentials.Store, func() error, error) {
	noop := func() error { return nil }
	if cfg.TokenStore == "" || cfg.TokenStore == "file" {
		return &credentials.FileStore{Path: cfg.TokensFile, EnvFile: cfg.EnvFile, Mirror: bool(cfg.EnvMirror)}, noop, nil
	}

	d, err := ParseDialect(cfg.TokenStore)
	if err != nil {
		return nil, noop, chat.E(chat.KindConfigInvalid, "db.OpenStore", err)
	}
	var box *crypto.Box
	if cfg.EncryptionKey != "" {
		if box, err = crypto.NewBox(cfg.EncryptionKey); err != nil {
			return nil, noop, chat.E(chat.KindConfigInvalid, "db.OpenStore", err)
		}
	}
	dsn := cfg.DBDsn
	if d == SQLite {
		dsn = cfg.SQLitePath
	}
	database, err := Open(ctx, d, dsn)
	if err != nil {
		return nil, noop, chat.E(chat.KindConfigInvalid, "db.OpenStore", err)
	}
	if err := RunMigrations(ctx, database, d); err != nil {
		_ = database.Close()
		return nil, noop, fmt.Errorf("migrate %s: %w", d, err)
	}
	return NewTokenStore(database, d, DefaultProvider, box), closer(database), nil
}

func closer(database *sql.DB) func() error { return database.Close }
