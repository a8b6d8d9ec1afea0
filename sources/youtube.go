package sources

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/youtubeapi"
)

// YouTubeAPI is the subset of youtubeapi.Client the adapter uses.
type YouTubeAPI interface {
	LiveChatIDForVideo(ctx context.Context, videoID string) (string, error)
	ChannelIDForHandle(ctx context.Context, handle string) (string, error)
	ActiveVideoID(ctx context.Context, channelID string) (string, error)
	ListMessages(ctx context.Context, liveChatID, pageToken string) (*youtubeapi.Page, error)
}

// YouTubeConfig selects the chat to follow and the polling cadence.
// Discovery precedence: LiveChatID, then VideoID, then ChannelID/ChannelHandle.
type YouTubeConfig struct {
	LiveChatID    string
	VideoID       string
	ChannelID     string
	ChannelHandle string

	MinPoll        time.Duration // floor between polls
	SearchInterval time.Duration // minimum spacing of channel searches, default 2m
	VideoRetry     time.Duration // wait between video lookups, default 30s
	QuotaCooldown  time.Duration // default 15m
	APIErrorWait   time.Duration // default 10s
	NetworkWait    time.Duration // default 5s
	SkipBacklog    bool
}

func (c *YouTubeConfig) defaults() {
	if c.SearchInterval <= 0 {
		c.SearchInterval = 2 * time.Minute
	}
	if c.VideoRetry <= 0 {
		c.VideoRetry = 30 * time.Second
	}
	if c.QuotaCooldown <= 0 {
		c.QuotaCooldown = 15 * time.Minute
	}
	if c.APIErrorWait <= 0 {
		c.APIErrorWait = 10 * time.Second
	}
	if c.NetworkWait <= 0 {
		c.NetworkWait = 5 * time.Second
	}
}

// YouTube polls a YouTube live chat.
type YouTube struct {
	api YouTubeAPI
	cfg YouTubeConfig
	st  *tracker
	log *slog.Logger

	mu         sync.Mutex
	channelID  string
	lastSearch time.Time
	fixedUsed  bool
}

// NewYouTube returns a YouTube adapter using api.
func NewYouTube(api YouTubeAPI, cfg YouTubeConfig) *YouTube {
	cfg.defaults()
	return &YouTube{
		api:       api,
		cfg:       cfg,
		st:        newTracker("youtube"),
		log:       slog.Default().With(slog.String("component", "youtube")),
		channelID: cfg.ChannelID,
	}
}

// Name identifies the adapter in logs, metrics and status.
func (y *YouTube) Name() string { return "youtube" }

// Status reports the adapter state.
func (y *YouTube) Status() Status { return y.st.status() }

// Run discovers the live chat and polls it, rediscovering whenever the chat
// ends, until ctx is cancelled.
func (y *YouTube) Run(ctx context.Context, sink chat.Sink) error {
	defer y.st.set(StateStopped, "")
	for {
		chatID, err := y.discover(ctx)
		if err != nil {
			return nil
		}
		if err := y.poll(ctx, chatID, sink); ctx.Err() != nil {
			return nil
		} else if err != nil {
			y.log.Info("live chat ended; looking for the next one", slog.String("live_chat_id", chatID), slog.Any("err", err))
			telemetry.AdapterReconnect("youtube")
		}
	}
}

// discover blocks until a live chat id is known or ctx ends.
func (y *YouTube) discover(ctx context.Context) (string, error) {
	y.st.set(StateDiscovering, "")
	announced := false
	for {
		id, wait, err := y.resolve(ctx)
		if err == nil && id != "" {
			y.log.Info("found live chat", slog.String("live_chat_id", id))
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, youtubeapi.ErrQuotaExceeded) {
			wait = y.cfg.QuotaCooldown
			y.log.Warn("youtube quota exceeded; cooling down", slog.Duration("wait", wait))
		} else if !announced {
			y.log.Info("waiting for the stream to go live", slog.Any("err", err))
			announced = true
		} else {
			y.log.Debug("still not live", slog.Any("err", err))
		}
		y.st.set(StateDiscovering, errDetail(err))
		if err := sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// resolve makes one discovery attempt and returns how long to wait before
// the next one if it fails.
func (y *YouTube) resolve(ctx context.Context) (string, time.Duration, error) {
	if y.cfg.LiveChatID != "" && !y.fixedUsed {
		y.fixedUsed = true
		return y.cfg.LiveChatID, 0, nil
	}
	switch {
	case y.cfg.VideoID != "":
		id, err := y.api.LiveChatIDForVideo(ctx, y.cfg.VideoID)
		return id, y.cfg.VideoRetry, err
	case y.cfg.ChannelID != "" || y.cfg.ChannelHandle != "":
		channelID, err := y.channel(ctx)
		if err != nil {
			return "", y.cfg.VideoRetry, err
		}
		id, err := y.searchChannel(ctx, channelID)
		// Searches are spaced by searchGate, so no extra wait here.
		return id, 0, err
	default:
		// Only a fixed chat id is configured: try it again later.
		if err := sleep(ctx, y.cfg.VideoRetry); err != nil {
			return "", 0, err
		}
		return y.cfg.LiveChatID, 0, nil
	}
}

// channel returns the channel id, resolving the handle once. Handle lookups
// use channels.list, which does not count against the search budget.
func (y *YouTube) channel(ctx context.Context) (string, error) {
	y.mu.Lock()
	channelID := y.channelID
	y.mu.Unlock()
	if channelID != "" {
		return channelID, nil
	}
	id, err := y.api.ChannelIDForHandle(ctx, y.cfg.ChannelHandle)
	if err != nil {
		return "", err
	}
	y.log.Info("resolved channel handle", slog.String("handle", y.cfg.ChannelHandle), slog.String("channel_id", id))
	y.mu.Lock()
	y.channelID = id
	y.mu.Unlock()
	return id, nil
}

func (y *YouTube) searchChannel(ctx context.Context, channelID string) (string, error) {
	if err := y.searchGate(ctx); err != nil {
		return "", err
	}
	videoID, err := y.api.ActiveVideoID(ctx, channelID)
	if err != nil {
		return "", err
	}
	return y.api.LiveChatIDForVideo(ctx, videoID)
}

// searchGate spaces search.list calls at least SearchInterval apart.
func (y *YouTube) searchGate(ctx context.Context) error {
	y.mu.Lock()
	last := y.lastSearch
	y.mu.Unlock()
	if !last.IsZero() {
		if err := sleep(ctx, y.cfg.SearchInterval-time.Since(last)); err != nil {
			return err
		}
	}
	y.mu.Lock()
	y.lastSearch = time.Now()
	y.mu.Unlock()
	return nil
}

// poll reads chatID until the chat ends (non-nil error) or ctx ends.
func (y *YouTube) poll(ctx context.Context, chatID string, sink chat.Sink) error {
	y.st.set(StatePolling, chatID)
	pageToken := ""
	first := true
	for {
		pctx, span := telemetry.StartSpan(ctx, "youtube", "youtube.poll", telemetry.SourceAttr("youtube"))
		page, err := y.api.ListMessages(pctx, chatID, pageToken)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var wait time.Duration
			switch {
			case errors.Is(err, youtubeapi.ErrChatEnded):
				return err
			case errors.Is(err, youtubeapi.ErrQuotaExceeded):
				wait = y.cfg.QuotaCooldown
				y.log.Warn("youtube quota exceeded; cooling down", slog.Duration("wait", wait))
			case youtubeapi.IsAPIError(err):
				wait = y.cfg.APIErrorWait
				y.log.Warn("youtube api error", slog.Any("err", err), slog.Duration("wait", wait))
			default:
				wait = y.cfg.NetworkWait
				y.log.Warn("youtube poll failed", slog.Any("err", err), slog.Duration("wait", wait))
			}
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if first && y.cfg.SkipBacklog {
			if len(page.Messages) > 0 {
				y.log.Info("skipped chat backlog", slog.Int("messages", len(page.Messages)))
			}
		} else {
			y.deliver(page.Messages, sink)
		}
		first = false
		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
		}
		if page.Offline {
			return youtubeapi.ErrChatEnded
		}
		if err := sleep(ctx, PollWait(page.PollInterval, y.cfg.MinPoll)); err != nil {
			return err
		}
	}
}

func (y *YouTube) deliver(msgs []youtubeapi.Message, sink chat.Sink) {
	for _, m := range msgs {
		text := html.UnescapeString(m.Text)
		if strings.TrimSpace(text) == "" {
			continue
		}
		y.st.received()
		if !sink.Enqueue(chat.InboundMessage{
			Source:     chat.SourceYouTube,
			Author:     html.UnescapeString(m.Author),
			Text:       text,
			ReceivedAt: time.Now(),
		}) {
			y.log.Debug("sink closed; message discarded")
		}
	}
}

// PollWait is the wait before the next poll: the server's interval, but never
// less than floor. Equal values resolve to floor.
func PollWait(server, floor time.Duration) time.Duration {
	if server > floor {
		return server
	}
	return floor
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
