// Command twitch-auth runs a small local web server that walks the operator
// through Twitch's authorization-code flow and stores the resulting bot
// token in the relay's configured token store.
//
// Open AUTH_PUBLIC_BASE/login in a browser, approve the scopes, and the
// callback page shows which account was authorized.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/credentials"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/oauth"
	"github.com/onnwee/chat-relay/twitchapi"
)

type authSettings struct {
	BindHost   string `env:"AUTH_BIND_HOST" envDefault:"0.0.0.0"`
	Port       int    `env:"AUTH_PORT" envDefault:"3750"`
	PublicBase string `env:"AUTH_PUBLIC_BASE"`
}

func (s authSettings) addr() string { return net.JoinHostPort(s.BindHost, strconv.Itoa(s.Port)) }

// redirectURL is where Twitch sends the browser back; it must match the app registration.
func (s authSettings) redirectURL() string {
	base := s.PublicBase
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", s.Port)
	}
	return strings.TrimRight(base, "/") + "/callback"
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	_ = godotenv.Load(envFile())

	if err := run(); err != nil {
		slog.Error("twitch-auth failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func envFile() string {
	if f := os.Getenv("ENV_FILE"); f != "" {
		return f
	}
	return ".env"
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
		return fmt.Errorf("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET are required")
	}
	var st authSettings
	if err := env.Parse(&st); err != nil {
		return fmt.Errorf("parse AUTH_* settings: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := db.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client := &twitchapi.Client{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	}
	redirect := st.redirectURL()
	if cfg.TwitchRedirectURI != "" {
		redirect = cfg.TwitchRedirectURI
	}
	flow := oauth.NewFlow(oauth.Options{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURL:  redirect,
		Scopes:       cfg.Scopes(),
		Store:        store,
		Validator:    client,
		HTTPClient:   client.HTTPClient,
		OnSaved: func(ctx context.Context, c credentials.Credential) {
			slog.Info("token saved", slog.String("store", cfg.TokenStore), slog.Time("expires_at", c.ExpiresAt))
		},
	})

	srv := &http.Server{
		Addr:              st.addr(),
		Handler:           newMux(flow, redirect),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("open the login page to authorize the bot",
		slog.String("login", strings.TrimSuffix(redirect, "/callback")+"/login"),
		slog.String("redirect_uri", redirect),
		slog.String("scopes", strings.Join(cfg.Scopes(), " ")))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newMux(flow *oauth.Flow, redirect string) *http.ServeMux {
	mux := http.NewServeMux()
	flow.Register(mux, "")
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Go to /login to authorize the bot.\nRegistered redirect URI must be %s\n", redirect)
	})
	return mux
}
