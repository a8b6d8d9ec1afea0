package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-relay/chat"
)

const ircConnectTimeout = 15 * time.Second

// ErrIRCNotConnected is returned by Send while the client is between
// connections; the line is not queued.
var ErrIRCNotConnected = errors.New("twitch irc not connected")

// IRCSender delivers chat lines over Twitch IRC as the bot account. The
// connection is (re)opened lazily and replaced when the token changes.
type IRCSender struct {
	Channel  string
	Username string
	// Address overrides the IRC server (host:port, plaintext); empty uses Twitch.
	Address string

	mu    sync.Mutex
	conn  *ircConn
	token string
}

// ircConn tracks whether a client is logged in. The library reconnects on
// its own and buffers lines written in the meantime, dropping them if the
// reconnect fails.
type ircConn struct {
	client *twitch.Client
	up     atomic.Bool
}

// Name identifies the transport in logs and spans.
func (s *IRCSender) Name() string { return "irc" }

// Send implements the dispatcher's sender contract. A login rejection is
// reported as chat.KindAuthExpired so the caller refreshes the token, and a
// client that is reconnecting as chat.KindTransientNetwork so the line is
// retried.
func (s *IRCSender) Send(ctx context.Context, token, text string) error {
	c, err := s.connect(ctx, token)
	if err != nil {
		return err
	}
	if !c.up.Load() {
		return chat.E(chat.KindTransientNetwork, "irc.send", ErrIRCNotConnected)
	}
	c.client.Say(s.Channel, text)
	return nil
}

func (s *IRCSender) connect(ctx context.Context, token string) (*ircConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.token == token {
		return s.conn, nil
	}
	if s.conn != nil {
		_ = s.conn.client.Disconnect()
		s.conn = nil
	}

	c := twitch.NewClient(s.Username, "oauth:"+strings.TrimPrefix(token, "oauth:"))
	if s.Address != "" {
		c.IrcAddress = s.Address
		c.TLS = false
	}
	conn := &ircConn{client: c}
	ready := make(chan struct{})
	var once sync.Once
	c.OnConnect(func() {
		conn.up.Store(true)
		once.Do(func() { close(ready) })
	})
	c.OnReconnectMessage(func(twitch.ReconnectMessage) {
		conn.up.Store(false)
		slog.Info("twitch irc asked to reconnect", slog.String("component", "irc"))
	})
	c.Join(s.Channel)

	done := make(chan error, 1)
	go func() {
		err := c.Connect()
		conn.up.Store(false)
		done <- err
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			slog.Warn("twitch irc connection closed", slog.String("component", "irc"), slog.Any("err", err))
		}
	}()

	timer := time.NewTimer(ircConnectTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		s.conn, s.token = conn, token
		slog.Info("connected to twitch irc", slog.String("component", "irc"), slog.String("channel", s.Channel))
		return conn, nil
	case err := <-done:
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			return nil, chat.E(chat.KindAuthExpired, "irc.connect", err)
		}
		return nil, chat.E(chat.KindTransientNetwork, "irc.connect", fmt.Errorf("connection closed before welcome: %w", err))
	case <-timer.C:
		_ = c.Disconnect()
		return nil, chat.E(chat.KindTransientNetwork, "irc.connect", errors.New("timed out waiting for welcome"))
	case <-ctx.Done():
		_ = c.Disconnect()
		return nil, ctx.Err()
	}
}

// Close disconnects the current connection, if any.
func (s *IRCSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.client.Disconnect()
		s.conn = nil
	}
}
