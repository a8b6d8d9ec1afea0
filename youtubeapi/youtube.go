// Package youtubeapi wraps the YouTube Data API calls used to find and follow
// a live chat: resolving a channel handle, finding the channel's active
// broadcast, mapping a video to its live chat id and paging through messages.
// Only an API key is needed; every call is read-only.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-relay/chat"
)

var (
	// ErrQuotaExceeded means the API key ran out of quota or was throttled.
	ErrQuotaExceeded = errors.New("youtube quota exceeded")
	// ErrChatEnded means the live chat is over, gone or disabled.
	ErrChatEnded = errors.New("youtube live chat ended")
	// ErrNotLive means there is no active broadcast or live chat yet.
	ErrNotLive = errors.New("youtube broadcast not live")
	// ErrChannelNotFound means a handle did not resolve to a channel.
	ErrChannelNotFound = errors.New("youtube channel not found")
)

// Message is one live chat line.
type Message struct {
	ID          string
	Author      string
	Text        string
	PublishedAt time.Time
}

// Page is one liveChatMessages.list response.
type Page struct {
	Messages      []Message
	NextPageToken string
	PollInterval  time.Duration
	// Offline is set once YouTube reports the chat went offline.
	Offline bool
}

// Client calls the Data API with an API key.
type Client struct {
	svc *yt.Service
}

// New builds a Client. Extra options (endpoint, HTTP client) are mainly for tests.
func New(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, chat.E(chat.KindConfigInvalid, "youtube client", errors.New("missing api key"))
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// LiveChatIDForVideo returns the active live chat id of videoID.
func (c *Client) LiveChatIDForVideo(ctx context.Context, videoID string) (string, error) {
	res, err := c.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", wrap("videos.list", err)
	}
	if len(res.Items) == 0 {
		return "", chat.E(chat.KindSourceUnavailable, "videos.list", fmt.Errorf("%w: video %s not found", ErrNotLive, videoID))
	}
	d := res.Items[0].LiveStreamingDetails
	if d == nil || d.ActiveLiveChatId == "" {
		return "", chat.E(chat.KindSourceUnavailable, "videos.list", fmt.Errorf("%w: video %s has no active live chat", ErrNotLive, videoID))
	}
	return d.ActiveLiveChatId, nil
}

// ChannelIDForHandle resolves a channel handle through channels.list forHandle.
func (c *Client) ChannelIDForHandle(ctx context.Context, handle string) (string, error) {
	res, err := c.svc.Channels.List([]string{"id"}).ForHandle(handle).Context(ctx).Do()
	if err != nil {
		return "", wrap("channels.list", err)
	}
	for _, it := range res.Items {
		if it.Id != "" {
			return it.Id, nil
		}
	}
	return "", chat.E(chat.KindConfigInvalid, "channels.list", fmt.Errorf("%w: %q", ErrChannelNotFound, handle))
}

// ActiveVideoID returns the id of channelID's current public live broadcast.
func (c *Client) ActiveVideoID(ctx context.Context, channelID string) (string, error) {
	res, err := c.svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", wrap("search.list live", err)
	}
	for _, it := range res.Items {
		if it.Id != nil && it.Id.VideoId != "" {
			return it.Id.VideoId, nil
		}
	}
	return "", chat.E(chat.KindSourceUnavailable, "search.list live", fmt.Errorf("%w: channel %s", ErrNotLive, channelID))
}

// ListMessages fetches the messages after pageToken ("" for the start).
func (c *Client) ListMessages(ctx context.Context, liveChatID, pageToken string) (*Page, error) {
	call := c.svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).MaxResults(2000).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, wrap("liveChatMessages.list", err)
	}
	page := &Page{
		NextPageToken: res.NextPageToken,
		PollInterval:  time.Duration(res.PollingIntervalMillis) * time.Millisecond,
		Offline:       res.OfflineAt != "",
	}
	for _, it := range res.Items {
		if it.Snippet == nil {
			continue
		}
		m := Message{ID: it.Id, Text: it.Snippet.DisplayMessage}
		if it.AuthorDetails != nil {
			m.Author = it.AuthorDetails.DisplayName
		}
		if ts, err := time.Parse(time.RFC3339, it.Snippet.PublishedAt); err == nil {
			m.PublishedAt = ts
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

// IsAPIError reports whether err carries an HTTP response from the API, as
// opposed to a network failure.
func IsAPIError(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge)
}

func reasons(ge *googleapi.Error) map[string]bool {
	out := make(map[string]bool, len(ge.Errors))
	for _, e := range ge.Errors {
		out[e.Reason] = true
	}
	return out
}

// wrap classifies API failures. Network errors pass through unchanged so
// chat.Classify still sees them.
func wrap(op string, err error) error {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return fmt.Errorf("%s: %w", op, err)
	}
	r := reasons(ge)
	switch {
	case r["quotaExceeded"] || r["rateLimitExceeded"] || r["dailyLimitExceeded"] || ge.Code == http.StatusTooManyRequests:
		return chat.E(chat.KindRateLimited, op, fmt.Errorf("%w: %w", ErrQuotaExceeded, err))
	case r["liveChatEnded"] || r["liveChatNotFound"] || r["liveChatDisabled"]:
		return chat.E(chat.KindSourceUnavailable, op, fmt.Errorf("%w: %w", ErrChatEnded, err))
	case op == "liveChatMessages.list" && (ge.Code == http.StatusForbidden || ge.Code == http.StatusNotFound):
		return chat.E(chat.KindSourceUnavailable, op, fmt.Errorf("%w: %w", ErrChatEnded, err))
	}
	return chat.E(chat.KindForStatus(ge.Code), op, err)
}
