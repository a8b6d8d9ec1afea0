// Package config loads the relay's settings into a typed Config.
// Values come from defaults set in code, then an optional YAML file named by
// RELAY_CONFIG_FILE, then environment variables (which win). Validate reports
// settings that make the relay impossible to start.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/onnwee/chat-relay/chat"
)

// Toggle is a boolean that also accepts yes/no and on/off.
type Toggle bool

// UnmarshalText parses true/false, 1/0, yes/no and on/off, ignoring case.
func (t *Toggle) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "1", "true", "yes", "on", "y", "t":
		*t = true
	case "0", "false", "no", "off", "n", "f", "":
		*t = false
	default:
		return fmt.Errorf("invalid boolean %q", string(b))
	}
	return nil
}

// Config holds every relay setting. Fields map to environment variables
// through their env tags; see Load for precedence.
type Config struct {
	// Twitch destination
	TwitchClientID       string `env:"TWITCH_CLIENT_ID" yaml:"twitch_client_id"`
	TwitchClientSecret   string `env:"TWITCH_CLIENT_SECRET" yaml:"twitch_client_secret"`
	TwitchBroadcasterID  string `env:"TWITCH_BROADCASTER_ID" yaml:"twitch_broadcaster_id"`
	TwitchSenderID       string `env:"TWITCH_SENDER_ID" yaml:"twitch_sender_id"`
	TwitchChannel        string `env:"TWITCH_CHANNEL" yaml:"twitch_channel"`
	TwitchBotUsername    string `env:"TWITCH_BOT_USERNAME" yaml:"twitch_bot_username"`
	TwitchScopes         string `env:"TWITCH_SCOPES" yaml:"twitch_scopes"`
	DestinationTransport string `env:"DESTINATION_TRANSPORT" yaml:"destination_transport"`
	TwitchRedirectURI    string `env:"TWITCH_REDIRECT_URI" yaml:"twitch_redirect_uri"`

	// Credentials
	TokensFile           string        `env:"TWITCH_TOKENS_FILE" yaml:"tokens_file"`
	InitialAccessToken   string        `env:"TWITCH_BOT_TOKEN" yaml:"-"`
	InitialRefreshToken  string        `env:"TWITCH_REFRESH_TOKEN" yaml:"-"`
	InitialExpiresAt     int64         `env:"TWITCH_TOKEN_EXPIRES_AT" yaml:"-"`
	TokenStore           string        `env:"TOKEN_STORE" yaml:"token_store"`
	DBDsn                string        `env:"DB_DSN" yaml:"db_dsn"`
	SQLitePath           string        `env:"SQLITE_PATH" yaml:"sqlite_path"`
	EncryptionKey        string        `env:"ENCRYPTION_KEY" yaml:"-"`
	EnvFile              string        `env:"ENV_FILE" yaml:"env_file"`
	EnvMirror            Toggle        `env:"ENV_MIRROR" yaml:"env_mirror"`
	TokenRefreshMargin   time.Duration `env:"TOKEN_REFRESH_MARGIN" yaml:"token_refresh_margin"`
	TokenRefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" yaml:"token_refresh_interval"`

	// Dispatcher
	SendMinInterval      time.Duration `env:"SEND_MIN_INTERVAL" yaml:"send_min_interval"`
	SendMaxAttempts      int           `env:"SEND_MAX_ATTEMPTS" yaml:"send_max_attempts"`
	AuthRetryInterval    time.Duration `env:"AUTH_RETRY_INTERVAL" yaml:"auth_retry_interval"`
	ShutdownDrainTimeout time.Duration `env:"SHUTDOWN_DRAIN_TIMEOUT" yaml:"shutdown_drain_timeout"`
	PrefixYT             string        `env:"PREFIX_YT" yaml:"prefix_yt"`
	PrefixKick           string        `env:"PREFIX_KICK" yaml:"prefix_kick"`

	// YouTube
	EnableYT             Toggle        `env:"ENABLE_YT" yaml:"enable_yt"`
	YouTubeAPIKey        string        `env:"YOUTUBE_API_KEY" yaml:"-"`
	YouTubeLiveChatID    string        `env:"YOUTUBE_LIVE_CHAT_ID" yaml:"youtube_live_chat_id"`
	YouTubeChannelID     string        `env:"YOUTUBE_CHANNEL_ID" yaml:"youtube_channel_id"`
	YouTubeChannelHandle string        `env:"YOUTUBE_CHANNEL_HANDLE" yaml:"youtube_channel_handle"`
	YouTubeVideoID       string        `env:"YOUTUBE_VIDEO_ID" yaml:"youtube_video_id"`
	YTMinPollMS          int           `env:"YT_MIN_POLL_MS" yaml:"yt_min_poll_ms"`
	YTSearchInterval     time.Duration `env:"YT_SEARCH_INTERVAL" yaml:"yt_search_interval"`
	YTVideoRetry         time.Duration `env:"YT_VIDEO_RETRY" yaml:"yt_video_retry"`
	YTQuotaCooldown      time.Duration `env:"YT_QUOTA_COOLDOWN" yaml:"yt_quota_cooldown"`
	YTSkipBacklog        Toggle        `env:"YT_SKIP_BACKLOG" yaml:"yt_skip_backlog"`

	// Kick
	EnableKick     Toggle `env:"ENABLE_KICK" yaml:"enable_kick"`
	KickChannel    string `env:"KICK_CHANNEL" yaml:"kick_channel"`
	KickChatroomID int    `env:"KICK_CHATROOM_ID" yaml:"kick_chatroom_id"`

	// Moderation
	BannedWordsFile  string  `env:"BANNED_WORDS_FILE" yaml:"banned_words_file"`
	BanMode          string  `env:"BAN_MODE" yaml:"ban_mode"`
	BanChar          string  `env:"BAN_CHAR" yaml:"ban_char"`
	BanCaseSensitive Toggle  `env:"BAN_CASE_SENSITIVE" yaml:"ban_case_sensitive"`
	BanWatchInterval float64 `env:"BAN_WATCH_INTERVAL" yaml:"ban_watch_interval"` // seconds

	// HTTP
	HTTPAddr string `env:"HTTP_ADDR" yaml:"http_addr"`
}

// Default returns a Config populated with the stock settings.
func Default() *Config {
	return &Config{
		TwitchScopes:         "user:write:chat user:bot",
		DestinationTransport: "helix",
		TokensFile:           "twitch_tokens.json",
		TokenStore:           "file",
		SQLitePath:           "relay.db",
		EnvFile:              ".env",
		EnvMirror:            true,
		TokenRefreshMargin:   60 * time.Second,
		TokenRefreshInterval: 5 * time.Minute,
		SendMinInterval:      time.Second,
		SendMaxAttempts:      5,
		AuthRetryInterval:    30 * time.Second,
		ShutdownDrainTimeout: 5 * time.Second,
		PrefixYT:             chat.DefaultPrefixes().YouTube,
		PrefixKick:           chat.DefaultPrefixes().Kick,
		EnableYT:             true,
		YTMinPollMS:          2000,
		YTSearchInterval:     2 * time.Minute,
		YTVideoRetry:         30 * time.Second,
		YTQuotaCooldown:      15 * time.Minute,
		EnableKick:           true,
		BanMode:              "censor",
		BanChar:              "*",
		BanWatchInterval:     600,
		HTTPAddr:             ":8080",
	}
}

// Load builds the configuration from defaults, RELAY_CONFIG_FILE and the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, chat.E(chat.KindConfigInvalid, "config.Load", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, chat.E(chat.KindConfigInvalid, "config.Load", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.TwitchChannel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.TwitchChannel), "#"))
	c.YouTubeChannelHandle = strings.TrimPrefix(strings.TrimSpace(c.YouTubeChannelHandle), "@")
	if strings.EqualFold(strings.TrimSpace(c.YouTubeLiveChatID), "auto") {
		c.YouTubeLiveChatID = ""
	}
	c.KickChannel = strings.TrimSpace(c.KickChannel)
	c.BanMode = strings.ToLower(strings.TrimSpace(c.BanMode))
	c.DestinationTransport = strings.ToLower(strings.TrimSpace(c.DestinationTransport))
	c.TokenStore = strings.ToLower(strings.TrimSpace(c.TokenStore))
	if c.TokenStore == "" {
		c.TokenStore = "file"
	}
	if c.BanChar == "" {
		c.BanChar = "*"
	}
}

// Validate reports every setting that prevents startup, joined into one ConfigInvalid error.
func (c *Config) Validate() error {
	var errs []error
	if c.TwitchClientID == "" {
		errs = append(errs, errors.New("TWITCH_CLIENT_ID is required"))
	}
	if c.TwitchBroadcasterID == "" && c.TwitchChannel == "" {
		errs = append(errs, errors.New("set TWITCH_BROADCASTER_ID or TWITCH_CHANNEL"))
	}
	switch c.DestinationTransport {
	case "helix":
	case "irc":
		if c.TwitchChannel == "" || c.TwitchBotUsername == "" {
			errs = append(errs, errors.New("DESTINATION_TRANSPORT=irc requires TWITCH_CHANNEL and TWITCH_BOT_USERNAME"))
		}
	default:
		errs = append(errs, fmt.Errorf("DESTINATION_TRANSPORT must be helix or irc, got %q", c.DestinationTransport))
	}
	switch c.TokenStore {
	case "file":
		if c.TokensFile == "" {
			errs = append(errs, errors.New("TWITCH_TOKENS_FILE is empty"))
		}
	case "postgres":
		if c.DBDsn == "" {
			errs = append(errs, errors.New("TOKEN_STORE=postgres requires DB_DSN"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("TOKEN_STORE=sqlite requires SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("TOKEN_STORE must be file, postgres or sqlite, got %q", c.TokenStore))
	}
	if c.BanMode != "censor" && c.BanMode != "drop" {
		errs = append(errs, fmt.Errorf("BAN_MODE must be censor or drop, got %q", c.BanMode))
	}
	if c.BanWatchInterval <= 0 {
		errs = append(errs, errors.New("BAN_WATCH_INTERVAL must be positive"))
	}
	if c.SendMinInterval <= 0 {
		errs = append(errs, errors.New("SEND_MIN_INTERVAL must be positive"))
	}
	if c.SendMaxAttempts < 0 {
		errs = append(errs, errors.New("SEND_MAX_ATTEMPTS must not be negative"))
	}
	if c.YTMinPollMS < 0 {
		errs = append(errs, errors.New("YT_MIN_POLL_MS must not be negative"))
	}
	if c.YouTubeEnabled() && c.YouTubeLiveChatID == "" && c.YouTubeVideoID == "" &&
		c.YouTubeChannelID == "" && c.YouTubeChannelHandle == "" {
		errs = append(errs, errors.New("YouTube needs YOUTUBE_LIVE_CHAT_ID, YOUTUBE_VIDEO_ID, YOUTUBE_CHANNEL_ID or YOUTUBE_CHANNEL_HANDLE"))
	}
	if len(errs) == 0 {
		return nil
	}
	return chat.E(chat.KindConfigInvalid, "config.Validate", errors.Join(errs...))
}

// YouTubeEnabled reports whether the YouTube adapter should run.
func (c *Config) YouTubeEnabled() bool { return bool(c.EnableYT) && c.YouTubeAPIKey != "" }

// KickEnabled reports whether the Kick adapter should run.
func (c *Config) KickEnabled() bool {
	return bool(c.EnableKick) && (c.KickChannel != "" || c.KickChatroomID > 0)
}

// YTMinPoll is the YouTube poll floor as a duration.
func (c *Config) YTMinPoll() time.Duration { return time.Duration(c.YTMinPollMS) * time.Millisecond }

// BanWatch is the moderation file check interval as a duration.
func (c *Config) BanWatch() time.Duration {
	return time.Duration(c.BanWatchInterval * float64(time.Second))
}

// InitialExpiry converts TWITCH_TOKEN_EXPIRES_AT (unix seconds) to a time; zero when unset.
func (c *Config) InitialExpiry() time.Time {
	if c.InitialExpiresAt <= 0 {
		return time.Time{}
	}
	return time.Unix(c.InitialExpiresAt, 0)
}

// Prefixes returns the configured source tags.
func (c *Config) Prefixes() chat.Prefixes {
	return chat.Prefixes{Kick: c.PrefixKick, YouTube: c.PrefixYT}
}

// Scopes splits TWITCH_SCOPES on spaces or commas.
func (c *Config) Scopes() []string {
	return strings.Fields(strings.ReplaceAll(c.TwitchScopes, ",", " "))
}
