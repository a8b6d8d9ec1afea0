package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	relay Relay
	cfg   *config.Config
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz is the liveness probe; the process answering is enough.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports 503 while the relay cannot deliver to Twitch.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.relay.Ready()
	body := map[string]any{"status": "ready", "checks": checks}
	code := http.StatusOK
	if !ok {
		body["status"] = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// HandleStatus returns adapter states, queue depth and counters.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.relay.Status())
}

// configView is the subset of settings safe to show; secrets never appear.
type configView struct {
	DestinationTransport string        `json:"destination_transport"`
	TwitchChannel        string        `json:"twitch_channel,omitempty"`
	TwitchBroadcasterID  string        `json:"twitch_broadcaster_id,omitempty"`
	TokenStore           string        `json:"token_store"`
	SendMinInterval      string        `json:"send_min_interval"`
	SendMaxAttempts      int           `json:"send_max_attempts"`
	YouTubeEnabled       bool          `json:"youtube_enabled"`
	KickEnabled          bool          `json:"kick_enabled"`
	KickChannel          string        `json:"kick_channel,omitempty"`
	YTMinPoll            string        `json:"yt_min_poll"`
	BanMode              string        `json:"ban_mode"`
	BannedWordsFile      string        `json:"banned_words_file,omitempty"`
	BanWatchInterval     string        `json:"ban_watch_interval"`
	Prefixes             chat.Prefixes `json:"prefixes"`
}

// HandleConfig shows the effective non-secret configuration.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.cfg == nil {
		http.Error(w, "config unavailable", http.StatusNotFound)
		return
	}
	c := h.cfg
	writeJSON(w, http.StatusOK, configView{
		DestinationTransport: c.DestinationTransport,
		TwitchChannel:        c.TwitchChannel,
		TwitchBroadcasterID:  c.TwitchBroadcasterID,
		TokenStore:           c.TokenStore,
		SendMinInterval:      c.SendMinInterval.String(),
		SendMaxAttempts:      c.SendMaxAttempts,
		YouTubeEnabled:       c.YouTubeEnabled(),
		KickEnabled:          c.KickEnabled(),
		KickChannel:          c.KickChannel,
		YTMinPoll:            c.YTMinPoll().String(),
		BanMode:              c.BanMode,
		BannedWordsFile:      c.BannedWordsFile,
		BanWatchInterval:     c.BanWatch().Round(time.Millisecond).String(),
		Prefixes:             c.Prefixes(),
	})
}

// HandleModerationReload re-reads the banned-phrase file immediately.
func (h *Handlers) HandleModerationReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	changed, err := h.relay.Reload()
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("moderation reload failed", slog.Any("err", err), slog.String("component", "http"))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	rules := h.relay.Status().Moderation.Rules
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "rules": rules})
}

// HandleCredentialsRefresh forces a token refresh.
func (h *Handlers) HandleCredentialsRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.relay.RefreshCredentials(r.Context()); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("credential refresh failed", slog.Any("err", err), slog.String("component", "http"))
		kind := chat.Classify(err)
		code := http.StatusBadGateway
		if kind == chat.KindAuthExpired || kind == chat.KindConfigInvalid {
			code = http.StatusConflict
		}
		writeJSON(w, code, map[string]string{"error": err.Error(), "kind": kind.String()})
		return
	}
	creds := h.relay.Status().Credentials
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true, "expires_at": creds.ExpiresAt})
}
