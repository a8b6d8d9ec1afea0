package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/telemetry"
)

// DefaultMargin is how long before expiry a token stops being handed out.
const DefaultMargin = 60 * time.Second

const defaultExchangeTimeout = 15 * time.Second

var (
	// ErrNoRefreshToken means the token cannot be renewed without re-authorizing.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrClosed is returned by refreshes after Close.
	ErrClosed = errors.New("credential manager closed")
	// ErrNotPersisted means a refreshed credential is held in memory only.
	// No token is handed out until a later save succeeds.
	ErrNotPersisted = errors.New("refreshed credential not persisted")
)

const persistTries = 3

// Options tune a Manager. Zero values pick the defaults.
type Options struct {
	Margin          time.Duration
	ExchangeTimeout time.Duration
	Now             func() time.Time
}

// Manager is the single owner of the destination credential.
type Manager struct {
	store   Store
	refresh RefreshFunc
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	cur     Credential
	lastErr error
	unsaved bool // cur was refreshed but the store has not accepted it

	sf        singleflight.Group
	refreshMu sync.Mutex // held for exchange + persist
	closed    bool
}

// NewManager returns a Manager holding initial. store may be nil.
func NewManager(initial Credential, store Store, refresh RefreshFunc, opts Options) *Manager {
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = defaultExchangeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   store,
		refresh: refresh,
		margin:  opts.Margin,
		timeout: opts.ExchangeTimeout,
		now:     opts.Now,
		cur:     initial,
	}
}

// Bootstrap adopts the stored credential when the store holds one. The
// initial credential is kept otherwise.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if st.IsZero() {
		return nil
	}
	m.set(st)
	slog.Info("loaded stored twitch credential", slog.String("component", "credentials"), slog.Time("expires_at", st.ExpiresAt), slog.Bool("has_refresh", st.RefreshToken != ""))
	return nil
}

// Current returns a copy of the held credential.
func (m *Manager) Current() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// LastError returns the error of the last failed refresh, cleared by a success.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) set(c Credential) {
	m.mu.Lock()
	m.cur = c
	m.mu.Unlock()
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	telemetry.SetAuthExpired(true)
	return err
}

// fresh reports whether c can be handed out with at least window left.
// Without a refresh token the access token is used until known to be expired.
func (m *Manager) fresh(c Credential, window time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	now := m.now()
	if c.RefreshToken == "" {
		return c.ExpiresAt.IsZero() || c.ExpiresAt.After(now)
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Sub(now) > window
}

// GetValidToken returns an access token that is not about to expire,
// refreshing first when needed. Failures are chat.KindAuthExpired.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	if cur := m.Current(); m.fresh(cur, m.margin) && !m.pendingSave() {
		return cur.AccessToken, nil
	}
	return m.shared(ctx, "refresh", func(ctx context.Context) (string, error) {
		return m.doRefresh(ctx, "", m.margin)
	})
}

// ForceRefresh renews the token even when it looks valid, for use after the
// destination rejected it. Callers racing on the same rejected token share
// one exchange.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	stale := m.Current().AccessToken
	return m.shared(ctx, "force", func(ctx context.Context) (string, error) {
		return m.doRefresh(ctx, stale, m.margin)
	})
}

func (m *Manager) shared(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.sf.DoChan(key, func() (any, error) { return fn(detached) })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// doRefresh runs under refreshMu. A non-empty stale marks a forced refresh:
// any usable token other than stale is accepted as the result.
func (m *Manager) doRefresh(ctx context.Context, stale string, window time.Duration) (string, error) {
	const op = "credentials.refresh"
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.closed {
		return "", chat.E(chat.KindAuthExpired, op, ErrClosed)
	}

	if m.pendingSave() {
		if err := m.persist(ctx, m.Current()); err != nil {
			return "", err
		}
	}

	cur := m.Current()
	forced := stale != ""
	if m.fresh(cur, window) && (!forced || cur.AccessToken != stale) {
		return cur.AccessToken, nil
	}

	if m.store != nil {
		st, err := m.store.Load(ctx)
		if err != nil {
			slog.Warn("failed to read credential store", slog.String("component", "credentials"), slog.Any("err", err))
		} else if st.AccessToken != "" && st.AccessToken != cur.AccessToken && st.AccessToken != stale && m.fresh(st, window) {
			m.set(st)
			m.clearErr()
			slog.Info("adopted newer stored twitch credential", slog.String("component", "credentials"))
			return st.AccessToken, nil
		}
	}

	if cur.RefreshToken == "" || m.refresh == nil {
		telemetry.TokenRefresh("no_refresh_token")
		return "", m.fail(chat.E(chat.KindAuthExpired, op, ErrNoRefreshToken))
	}

	xctx, cancel := context.WithTimeout(ctx, m.timeout)
	next, err := m.refresh(xctx, cur.RefreshToken)
	cancel()
	if err == nil && next.AccessToken == "" {
		err = errors.New("empty access token in refresh response")
	}
	if err != nil {
		telemetry.TokenRefresh("error")
		slog.Error("twitch token refresh failed; re-authorization may be required", slog.String("component", "credentials"), slog.Any("err", err))
		return "", m.fail(chat.E(chat.KindAuthExpired, op, err))
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	// Twitch has already retired the old refresh token, so next is kept
	// even when the store rejects it.
	m.mu.Lock()
	m.cur, m.unsaved = next, m.store != nil
	m.mu.Unlock()
	if err := m.persist(ctx, next); err != nil {
		return "", err
	}
	telemetry.TokenRefresh("ok")
	slog.Info("twitch token refreshed", slog.String("component", "credentials"), slog.Time("expires_at", next.ExpiresAt))
	return next.AccessToken, nil
}

func (m *Manager) pendingSave() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unsaved
}

// persist saves c, retrying briefly. It clears the pending flag and the last
// error on success. Called with refreshMu held.
func (m *Manager) persist(ctx context.Context, c Credential) error {
	if m.store == nil {
		m.clearErr()
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.store.Save(ctx, c)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(persistTries))
	if err != nil {
		telemetry.TokenRefresh("persist_error")
		slog.Error("failed to persist refreshed twitch credential; holding it until a save succeeds",
			slog.String("component", "credentials"), slog.Any("err", err))
		m.mu.Lock()
		m.lastErr = chat.E(chat.KindTransientNetwork, "credentials.persist", fmt.Errorf("%w: %w", ErrNotPersisted, err))
		err = m.lastErr
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.unsaved = false
	m.mu.Unlock()
	m.clearErr()
	return nil
}

func (m *Manager) clearErr() {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	telemetry.SetAuthExpired(false)
}

// StartRefresher launches a goroutine that wakes every interval (with jitter)
// and refreshes when the token would fall inside the margin before the next
// wake-up.
func (m *Manager) StartRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	window := interval + m.margin
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			m.refreshIfDue(ctx, window)
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

func (m *Manager) refreshIfDue(ctx context.Context, window time.Duration) {
	cur := m.Current()
	if cur.RefreshToken == "" || m.fresh(cur, window) {
		return
	}
	_, err := m.shared(ctx, "refresh", func(ctx context.Context) (string, error) {
		return m.doRefresh(ctx, "", window)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("proactive token refresh failed", slog.String("component", "credentials"), slog.Any("err", err))
	}
}

// Close waits for an in-flight refresh to finish persisting and rejects
// later refreshes. Tokens already held keep being returned while valid.
func (m *Manager) Close() {
	m.refreshMu.Lock()
	m.closed = true
	m.refreshMu.Unlock()
}
