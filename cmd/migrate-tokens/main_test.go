package main

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/credentials"
	"github.com/onnwee/chat-relay/db"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.TokenStore = "sqlite"
	cfg.SQLitePath = filepath.Join(dir, "relay.db")
	cfg.TokensFile = filepath.Join(dir, "twitch_tokens.json")
	cfg.EncryptionKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 32)))
	return cfg
}

func writeTokenFile(t *testing.T, path string) credentials.Credential {
	t.Helper()
	c := credentials.Credential{AccessToken: "file-access", RefreshToken: "file-refresh", ExpiresAt: time.Unix(1_900_000_000, 0)}
	if err := (&credentials.FileStore{Path: path}).Save(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func loadFromDB(t *testing.T, cfg *config.Config) credentials.Credential {
	t.Helper()
	s, closeFn, err := db.OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	c, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCopyFileToDB(t *testing.T) {
	cfg := testConfig(t)
	want := writeTokenFile(t, cfg.TokensFile)

	if err := copyFileToDB(context.Background(), cfg, false); err != nil {
		t.Fatalf("copyFileToDB() error: %v", err)
	}
	got := loadFromDB(t, cfg)
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("db credential = %+v, want %+v", got, want)
	}
}

func TestCopyFileToDB_DryRun(t *testing.T) {
	cfg := testConfig(t)
	writeTokenFile(t, cfg.TokensFile)

	if err := copyFileToDB(context.Background(), cfg, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.SQLitePath); !os.IsNotExist(err) {
		t.Errorf("dry run touched the database: %v", err)
	}
}

func TestCopyFileToDB_RequiresDatabaseStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.TokenStore = "file"
	if err := copyFileToDB(context.Background(), cfg, false); err == nil {
		t.Fatal("expected error for file store")
	}
}

func TestEncryptExisting(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	plainCfg := *cfg
	plainCfg.EncryptionKey = ""
	s, closeFn, err := db.OpenStore(ctx, &plainCfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, credentials.Credential{AccessToken: "plain-access", RefreshToken: "plain-refresh"}); err != nil {
		t.Fatal(err)
	}
	ts := s.(*db.TokenStore)
	if v, err := encryptionVersion(ctx, ts); err != nil || v != 0 {
		t.Fatalf("version before = %d, %v", v, err)
	}
	closeFn()

	if err := encryptExisting(ctx, cfg, false); err != nil {
		t.Fatalf("encryptExisting() error: %v", err)
	}
	got := loadFromDB(t, cfg)
	if got.AccessToken != "plain-access" || got.RefreshToken != "plain-refresh" {
		t.Errorf("credential after encrypt = %+v", got)
	}

	// A second run is a no-op.
	if err := encryptExisting(ctx, cfg, false); err != nil {
		t.Fatalf("second run error: %v", err)
	}
}

func TestEncryptExisting_RequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = ""
	if err := encryptExisting(context.Background(), cfg, false); err == nil {
		t.Fatal("expected error without ENCRYPTION_KEY")
	}
}
