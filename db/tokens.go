package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/chat-relay/credentials"
	"github.com/onnwee/chat-relay/crypto"
)

// DefaultProvider is the oauth_tokens row used for the Twitch bot account.
const DefaultProvider = "twitch"

// TokenStore implements credentials.Store on the oauth_tokens table. With a
// Box set, tokens are sealed (encryption_version=1); plaintext rows
// (version 0) are still readable.
type TokenStore struct {
	DB       *sql.DB
	Dialect  Dialect
	Provider string
	Scope    string
	Box      *crypto.Box
}

// NewTokenStore returns a store for provider. box may be nil.
func NewTokenStore(database *sql.DB, d Dialect, provider string, box *crypto.Box) *TokenStore {
	if provider == "" {
		provider = DefaultProvider
	}
	return &TokenStore{DB: database, Dialect: d, Provider: provider, Box: box}
}

// Load returns the stored credential or a zero Credential when no row exists.
func (s *TokenStore) Load(ctx context.Context) (credentials.Credential, error) {
	var (
		access, refresh, keyID string
		expires                int64
		version                int
	)
	row := s.DB.QueryRowContext(ctx, rebind(s.Dialect,
		`SELECT access_token, refresh_token, expires_at, encryption_version, encryption_key_id
		 FROM oauth_tokens WHERE provider = ?`), s.Provider)
	err := row.Scan(&access, &refresh, &expires, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.Credential{}, nil
	}
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("load %s token: %w", s.Provider, err)
	}

	switch version {
	case 0:
	case 1:
		if s.Box == nil {
			return credentials.Credential{}, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if keyID != "" && keyID != s.Box.KeyID() {
			return credentials.Credential{}, fmt.Errorf("token sealed with key %s, configured key is %s", keyID, s.Box.KeyID())
		}
		if access, err = s.Box.Open(access); err != nil {
			return credentials.Credential{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = s.Box.Open(refresh); err != nil {
			return credentials.Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	default:
		return credentials.Credential{}, fmt.Errorf("unknown encryption_version %d", version)
	}

	c := credentials.Credential{AccessToken: access, RefreshToken: refresh}
	if expires > 0 {
		c.ExpiresAt = time.Unix(expires, 0)
	}
	return c, nil
}

// Save upserts the credential row.
func (s *TokenStore) Save(ctx context.Context, c credentials.Credential) error {
	access, refresh := c.AccessToken, c.RefreshToken
	version, keyID := 0, ""
	if s.Box != nil {
		var err error
		if access, err = s.Box.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Box.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version, keyID = 1, s.Box.KeyID()
	}
	var expires int64
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.Unix()
	}
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES(?,?,?,?,?,?,?,?)
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=excluded.access_token,
		    refresh_token=excluded.refresh_token,
		    expires_at=excluded.expires_at,
		    scope=excluded.scope,
		    encryption_version=excluded.encryption_version,
		    encryption_key_id=excluded.encryption_key_id,
		    updated_at=excluded.updated_at`
	_, err := s.DB.ExecContext(ctx, rebind(s.Dialect, q),
		s.Provider, access, refresh, expires, s.Scope, version, keyID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save %s token: %w", s.Provider, err)
	}
	return nil
}
