// Package twitchapi contains minimal helpers for the Twitch endpoints the
// relay needs: token refresh and validation, user lookup and sending chat
// messages, over Helix or IRC.
package twitchapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	idBase    = "https://id.twitch.tv"
	helixBase = "https://api.twitch.tv/helix"
)

// Client carries the application credentials shared by every call.
type Client struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// APIError is a non-2xx response from Twitch.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	// RetryAfter is derived from Ratelimit-Reset or Retry-After when present.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("twitch %s failed: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("twitch %s failed: %d %s", e.Op, e.StatusCode, e.Message)
}

// HTTPStatus lets chat.Classify map the error to a kind.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryDelay is the server-requested wait before retrying, zero if none.
func (e *APIError) RetryDelay() time.Duration { return e.RetryAfter }

func newAPIError(op string, resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &APIError{Op: op, StatusCode: resp.StatusCode, RetryAfter: retryAfter(resp.Header, time.Now())}
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		e.Message = body.Message
	} else {
		e.Message = strings.TrimSpace(string(b))
	}
	return e
}

// retryAfter reads Ratelimit-Reset (unix seconds) or Retry-After (seconds).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Ratelimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(sec, 0).Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return 0
}
