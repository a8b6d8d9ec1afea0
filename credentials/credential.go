// Package credentials owns the Twitch user token pair used to send chat.
//
// A single Manager hands out access tokens, refreshes them before they
// expire, coalesces concurrent refreshes and persists every new pair through
// a Store before returning it.
package credentials

import (
	"context"
	"time"
)

// Credential is an OAuth access/refresh token pair. A zero ExpiresAt means the
// expiry is unknown.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IsZero reports whether no access token is held.
func (c Credential) IsZero() bool { return c.AccessToken == "" }

// Store persists credentials across restarts.
type Store interface {
	// Load returns the stored credential, or a zero Credential when nothing is stored.
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, c Credential) error
}

// RefreshFunc exchanges a refresh token for a new pair. An empty RefreshToken
// in the result means the old one stays valid.
type RefreshFunc func(ctx context.Context, refreshToken string) (Credential, error)
