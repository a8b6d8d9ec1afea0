package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	kickchatwrapper "github.com/johanvandegriff/kick-chat-wrapper"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/telemetry"
)

// KickConn is an open Kick chatroom subscription. Messages closes when the
// subscription ends; Close must not block.
type KickConn interface {
	Messages() <-chan kickchatwrapper.ChatMessage
	Close()
}

// KickDialer opens a subscription to a chatroom.
type KickDialer func(ctx context.Context, chatroomID int) (KickConn, error)

const kickAPIBase = "https://kick.com/api/v2"

// KickResolver looks up a channel's chatroom id.
type KickResolver struct {
	HTTPClient *http.Client
	BaseURL    string
}

// ChatroomID returns the chatroom id of the channel slug.
func (r *KickResolver) ChatroomID(ctx context.Context, slug string) (int, error) {
	base := r.BaseURL
	if base == "" {
		base = kickAPIBase
	}
	hc := r.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/channels/"+url.PathEscape(slug), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chat-relay/1.0")
	resp, err := hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kick channel lookup: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("failed to close kick response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best-effort detail
		kind := chat.KindForStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			kind = chat.KindConfigInvalid
		}
		return 0, chat.E(kind, "kick channel lookup", fmt.Errorf("status %d for %q: %s", resp.StatusCode, slug, strings.TrimSpace(string(body))))
	}
	var out struct {
		Chatroom struct {
			ID int `json:"id"`
		} `json:"chatroom"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode kick channel: %w", err)
	}
	if out.Chatroom.ID == 0 {
		return 0, chat.E(chat.KindSourceUnavailable, "kick channel lookup", fmt.Errorf("channel %q has no chatroom", slug))
	}
	return out.Chatroom.ID, nil
}

// KickConfig selects the channel and reconnect pacing.
type KickConfig struct {
	Channel    string
	ChatroomID int
	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 60s
}

var errStreamClosed = errors.New("kick stream closed")

// Kick streams a Kick chatroom, reconnecting forever with exponential backoff.
type Kick struct {
	cfg      KickConfig
	dial     KickDialer
	resolver *KickResolver
	st       *tracker
	log      *slog.Logger

	mu         sync.Mutex
	chatroomID int
}

// NewKick returns a Kick adapter. A nil dial uses DialKick; a nil resolver
// uses kick.com.
func NewKick(cfg KickConfig, dial KickDialer, resolver *KickResolver) *Kick {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if dial == nil {
		dial = DialKick
	}
	if resolver == nil {
		resolver = &KickResolver{}
	}
	return &Kick{
		cfg:        cfg,
		dial:       dial,
		resolver:   resolver,
		st:         newTracker("kick"),
		log:        slog.Default().With(slog.String("component", "kick"), slog.String("channel", cfg.Channel)),
		chatroomID: cfg.ChatroomID,
	}
}

// Name identifies the adapter in logs, metrics and status.
func (k *Kick) Name() string { return "kick" }

// Status reports the adapter state.
func (k *Kick) Status() Status { return k.st.status() }

// Run connects and streams until ctx is cancelled.
func (k *Kick) Run(ctx context.Context, sink chat.Sink) error {
	defer k.st.set(StateStopped, "")
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = k.cfg.MinBackoff
	bo.MaxInterval = k.cfg.MaxBackoff
	bo.Reset()

	state := StateConnecting
	for {
		k.st.set(state, "")
		err := k.stream(ctx, sink, bo)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = k.cfg.MaxBackoff
		}
		k.log.Warn("kick chat disconnected; reconnecting", slog.Any("err", err), slog.Duration("wait", wait))
		telemetry.AdapterReconnect("kick")
		state = StateReconnecting
		k.st.set(state, errDetail(err))
		if sleep(ctx, wait) != nil {
			return nil
		}
	}
}

func (k *Kick) stream(ctx context.Context, sink chat.Sink, bo *backoff.ExponentialBackOff) error {
	id, err := k.resolveChatroom(ctx)
	if err != nil {
		return err
	}
	conn, err := k.dial(ctx, id)
	if err != nil {
		return err
	}
	defer conn.Close()

	k.st.set(StateStreaming, "")
	k.log.Info("connected to kick chat", slog.Int("chatroom_id", id))
	msgs := conn.Messages()
	reset := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				if ec, ok := conn.(interface{ Err() error }); ok && ec.Err() != nil {
					return fmt.Errorf("%w: %w", errStreamClosed, ec.Err())
				}
				return errStreamClosed
			}
			if !reset {
				// A working stream earns a fresh backoff schedule.
				bo.Reset()
				reset = true
			}
			if m.ChatroomID != 0 && m.ChatroomID != id {
				continue
			}
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			k.st.received()
			sink.Enqueue(chat.InboundMessage{
				Source:     chat.SourceKick,
				Author:     m.Sender.Username,
				Text:       m.Content,
				ReceivedAt: time.Now(),
			})
		}
	}
}

func (k *Kick) resolveChatroom(ctx context.Context) (int, error) {
	k.mu.Lock()
	id := k.chatroomID
	k.mu.Unlock()
	if id > 0 {
		return id, nil
	}
	if k.cfg.Channel == "" {
		return 0, chat.E(chat.KindConfigInvalid, "kick", errors.New("no channel or chatroom id configured"))
	}
	id, err := k.resolver.ChatroomID(ctx, k.cfg.Channel)
	if err != nil {
		return 0, err
	}
	k.log.Info("resolved kick chatroom", slog.Int("chatroom_id", id))
	k.mu.Lock()
	k.chatroomID = id
	k.mu.Unlock()
	return id, nil
}
