// Command chat-relay mirrors Kick and YouTube Live chat into a Twitch channel.
// It:
//   - Loads configuration (.env, optional YAML file, environment) and
//     initializes structured logging.
//   - Loads the Twitch bot credential from the configured token store and
//     keeps it refreshed.
//   - Runs the Kick and YouTube adapters, the moderation filter and the
//     rate-limited dispatcher that posts to Twitch.
//   - Exposes /healthz, /readyz, /status, /metrics and admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM: queued messages get a short window
// to drain before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/credentials"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/dispatcher"
	"github.com/onnwee/chat-relay/moderation"
	"github.com/onnwee/chat-relay/oauth"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/server"
	"github.com/onnwee/chat-relay/sources"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
	"github.com/onnwee/chat-relay/youtubeapi"
)

const version = "1.0.0"

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load(envFile)

	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))

	if err := run(); err != nil {
		slog.Error("relay stopped with error", slog.Any("err", err), slog.String("kind", chat.Classify(err).String()))
		os.Exit(1)
	}
}

// newLogger builds the process logger. Defaults: level=info, format=text.
func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	l := slog.New(handler)
	if unknown {
		l.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return l
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chat-relay", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := db.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("failed to close token store", slog.Any("err", err))
		}
	}()

	twitch := &twitchapi.Client{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	}
	var refresh credentials.RefreshFunc
	if cfg.TwitchClientSecret != "" {
		refresh = twitch.Refresher()
	}
	mgr := credentials.NewManager(credentials.Credential{
		AccessToken:  cfg.InitialAccessToken,
		RefreshToken: cfg.InitialRefreshToken,
		ExpiresAt:    cfg.InitialExpiry(),
	}, store, refresh, credentials.Options{Margin: cfg.TokenRefreshMargin})
	if err := mgr.Bootstrap(ctx); err != nil {
		// Not fatal: the dispatcher holds messages and /readyz fails until re-authorized.
		slog.Error("credential bootstrap failed; run twitch-auth to authorize the bot",
			slog.Any("err", err), slog.String("component", "credentials"))
	}

	sender, closeSender, err := buildSender(ctx, cfg, twitch, mgr)
	if err != nil {
		return err
	}
	defer closeSender()

	filter, err := buildFilter(cfg)
	if err != nil {
		return err
	}
	if filter.Enabled() {
		if _, err := filter.ReloadIfChanged(); err != nil {
			slog.Warn("initial moderation load failed", slog.Any("err", err), slog.String("component", "moderation"))
		}
	}

	disp := dispatcher.New(dispatcher.Config{
		MinInterval:       cfg.SendMinInterval,
		MaxAttempts:       cfg.SendMaxAttempts,
		AuthRetryInterval: cfg.AuthRetryInterval,
		Prefixes:          cfg.Prefixes(),
	}, sender, mgr, filter)

	adapters, err := buildAdapters(ctx, cfg)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		slog.Warn("no chat sources enabled; set KICK_CHANNEL or YOUTUBE_API_KEY", slog.String("component", "relay"))
	}

	r := relay.New(relay.Options{
		Adapters:        adapters,
		Dispatcher:      disp,
		Credentials:     mgr,
		Filter:          filter,
		RefreshInterval: cfg.TokenRefreshInterval,
		DrainTimeout:    cfg.ShutdownDrainTimeout,
	})

	var authFlow *oauth.Flow
	if cfg.TwitchRedirectURI != "" && cfg.TwitchClientSecret != "" {
		authFlow = oauth.NewFlow(oauth.Options{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RedirectURL:  cfg.TwitchRedirectURI,
			Scopes:       cfg.Scopes(),
			Store:        store,
			Validator:    twitch,
			HTTPClient:   twitch.HTTPClient,
			OnSaved: func(ctx context.Context, _ credentials.Credential) {
				if err := mgr.Bootstrap(ctx); err != nil {
					slog.Error("reload of new credential failed", slog.Any("err", err), slog.String("component", "credentials"))
				}
			},
		})
	}

	startPprof(ctx)
	go func() {
		handler := server.NewMux(ctx, server.Options{Relay: r, Config: cfg, Auth: authFlow})
		if err := server.Start(ctx, cfg.HTTPAddr, handler); err != nil {
			slog.Error("http server stopped", slog.Any("err", err))
		}
	}()

	slog.Info("relay starting",
		slog.Int("adapters", len(adapters)),
		slog.String("transport", cfg.DestinationTransport),
		slog.String("token_store", cfg.TokenStore),
		slog.Bool("moderation", filter.Enabled()),
		slog.Bool("tracing", telemetry.IsTracingEnabled()))
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("relay stopped")
	return nil
}

type namedSender interface {
	dispatcher.Sender
	Name() string
}

// buildSender picks the Helix or IRC transport and fills in missing account ids.
func buildSender(ctx context.Context, cfg *config.Config, tw *twitchapi.Client, mgr *credentials.Manager) (namedSender, func(), error) {
	if cfg.DestinationTransport == "irc" {
		s := &twitchapi.IRCSender{Channel: cfg.TwitchChannel, Username: cfg.TwitchBotUsername}
		return s, s.Close, nil
	}

	broadcasterID, senderID := cfg.TwitchBroadcasterID, cfg.TwitchSenderID
	if broadcasterID == "" || senderID == "" {
		tok, err := mgr.GetValidToken(ctx)
		if err != nil {
			return nil, nil, chat.E(chat.KindConfigInvalid, "resolve twitch ids",
				fmt.Errorf("set TWITCH_BROADCASTER_ID and TWITCH_SENDER_ID or authorize the bot first: %w", err))
		}
		if senderID == "" {
			v, err := tw.ValidateToken(ctx, tok)
			if err != nil {
				return nil, nil, fmt.Errorf("validate bot token: %w", err)
			}
			senderID = v.UserID
			slog.Info("resolved sender account", slog.String("login", v.Login), slog.String("user_id", v.UserID))
		}
		if broadcasterID == "" {
			id, err := tw.GetUserID(ctx, tok, cfg.TwitchChannel)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve broadcaster %q: %w", cfg.TwitchChannel, err)
			}
			broadcasterID = id
			slog.Info("resolved broadcaster", slog.String("channel", cfg.TwitchChannel), slog.String("user_id", id))
		}
	}
	return &twitchapi.HelixSender{Client: tw, BroadcasterID: broadcasterID, SenderID: senderID}, func() {}, nil
}

func buildFilter(cfg *config.Config) (*moderation.Filter, error) {
	mode, err := moderation.ParseMode(cfg.BanMode)
	if err != nil {
		return nil, chat.E(chat.KindConfigInvalid, "moderation", err)
	}
	censor, _ := utf8.DecodeRuneInString(cfg.BanChar)
	if censor == utf8.RuneError {
		censor = '*'
	}
	return moderation.NewFilter(moderation.Config{
		Path:     cfg.BannedWordsFile,
		Interval: cfg.BanWatch(),
		Options: moderation.Options{
			Mode:          mode,
			CensorChar:    censor,
			CaseSensitive: bool(cfg.BanCaseSensitive),
		},
	}), nil
}

func buildAdapters(ctx context.Context, cfg *config.Config) ([]chat.Adapter, error) {
	var adapters []chat.Adapter
	if cfg.KickEnabled() {
		adapters = append(adapters, sources.NewKick(sources.KickConfig{
			Channel:    cfg.KickChannel,
			ChatroomID: cfg.KickChatroomID,
		}, nil, nil))
	}
	if cfg.YouTubeEnabled() {
		yt, err := youtubeapi.New(ctx, cfg.YouTubeAPIKey)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, sources.NewYouTube(yt, sources.YouTubeConfig{
			LiveChatID:     cfg.YouTubeLiveChatID,
			VideoID:        cfg.YouTubeVideoID,
			ChannelID:      cfg.YouTubeChannelID,
			ChannelHandle:  cfg.YouTubeChannelHandle,
			MinPoll:        cfg.YTMinPoll(),
			SearchInterval: cfg.YTSearchInterval,
			VideoRetry:     cfg.YTVideoRetry,
			QuotaCooldown:  cfg.YTQuotaCooldown,
			SkipBacklog:    bool(cfg.YTSkipBacklog),
		}))
	}
	return adapters, nil
}

// startPprof serves net/http/pprof on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof(ctx context.Context) {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	srv := &http.Server{Addr: addr, Handler: nil, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
