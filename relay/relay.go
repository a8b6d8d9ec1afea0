// Package relay wires the source adapters, the dispatcher, the moderation
// watcher and the credential refresher together and owns their lifecycle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/credentials"
	"github.com/onnwee/chat-relay/dispatcher"
	"github.com/onnwee/chat-relay/moderation"
	"github.com/onnwee/chat-relay/sources"
	"github.com/onnwee/chat-relay/telemetry"
)

// Options configures a Relay. Adapters, Dispatcher and Credentials are required.
type Options struct {
	Adapters        []chat.Adapter
	Dispatcher      *dispatcher.Dispatcher
	Credentials     *credentials.Manager
	Filter          *moderation.Filter
	RefreshInterval time.Duration // proactive token refresh cadence, default 5m
	DrainTimeout    time.Duration // default 5s
	RestartDelay    time.Duration // wait before restarting a failed adapter, default 5s
}

// Relay runs the whole pipeline.
type Relay struct {
	opts    Options
	started time.Time

	mu       sync.Mutex
	restarts map[string]int
	lastErr  map[string]string
}

// New returns a Relay.
func New(opts Options) *Relay {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	return &Relay{
		opts:     opts,
		restarts: make(map[string]int),
		lastErr:  make(map[string]string),
	}
}

// Run starts every task and blocks until ctx is cancelled, then shuts down:
// adapters stop, the queue stops accepting and drains for at most
// DrainTimeout, and the credential manager is closed last.
func (r *Relay) Run(ctx context.Context) error {
	d := r.opts.Dispatcher
	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()
	log := slog.Default().With(slog.String("component", "relay"))

	// The sender loop outlives ctx so it can drain after the adapters stop.
	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()
	sendDone := make(chan error, 1)
	go func() { sendDone <- d.Run(sendCtx) }()

	var g errgroup.Group
	for _, a := range r.opts.Adapters {
		g.Go(func() error {
			r.supervise(ctx, a, d)
			return nil
		})
	}
	if f := r.opts.Filter; f != nil && f.Enabled() {
		g.Go(func() error {
			f.Watch(ctx)
			return nil
		})
	}
	if r.opts.Credentials != nil {
		r.opts.Credentials.StartRefresher(ctx, r.opts.RefreshInterval)
	}
	log.Info("relay started", slog.Int("adapters", len(r.opts.Adapters)))

	<-ctx.Done()
	log.Info("shutting down relay", slog.Int("queued", d.Len()))
	_ = g.Wait() //nolint:errcheck // tasks only return nil
	d.Close()

	timer := time.NewTimer(r.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-sendDone:
		log.Info("queue drained")
	case <-timer.C:
		cancelSend()
		<-sendDone
		log.Warn("drain timeout reached; undelivered messages abandoned", slog.Duration("timeout", r.opts.DrainTimeout))
	}
	if r.opts.Credentials != nil {
		r.opts.Credentials.Close()
	}
	return nil
}

// supervise runs a until ctx ends, restarting it after RestartDelay when it
// returns early or panics.
func (r *Relay) supervise(ctx context.Context, a chat.Adapter, sink chat.Sink) {
	log := slog.Default().With(slog.String("component", "relay"), slog.String("adapter", a.Name()))
	for {
		err := runAdapter(ctx, a, sink)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("adapter %s stopped unexpectedly", a.Name())
		}
		r.mu.Lock()
		r.restarts[a.Name()]++
		r.lastErr[a.Name()] = err.Error()
		r.mu.Unlock()
		telemetry.AdapterReconnect(a.Name())
		log.Error("adapter failed; restarting", slog.Any("err", err), slog.Duration("delay", r.opts.RestartDelay))

		t := time.NewTimer(r.opts.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func runAdapter(ctx context.Context, a chat.Adapter, sink chat.Sink) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("adapter %s panicked: %v", a.Name(), p)
			slog.Debug("adapter panic stack", slog.String("component", "relay"), slog.String("stack", string(debug.Stack())))
		}
	}()
	return a.Run(ctx, sink)
}

// AdapterStatus describes one adapter.
type AdapterStatus struct {
	sources.Status
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
}

// CredentialStatus describes the destination credential without revealing it.
type CredentialStatus struct {
	HasToken   bool      `json:"has_token"`
	HasRefresh bool      `json:"has_refresh"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// ModerationStatus describes the active rule set.
type ModerationStatus struct {
	Enabled bool   `json:"enabled"`
	Rules   int    `json:"rules"`
	Mode    string `json:"mode,omitempty"`
}

// Status is the JSON document served on /status.
type Status struct {
	StartedAt   time.Time                `json:"started_at"`
	Uptime      string                   `json:"uptime"`
	Adapters    map[string]AdapterStatus `json:"adapters"`
	Dispatcher  dispatcher.Stats         `json:"dispatcher"`
	Credentials CredentialStatus         `json:"credentials"`
	Moderation  ModerationStatus         `json:"moderation"`
}

// Status reports adapter states, queue depth and counters.
func (r *Relay) Status() Status {
	st := Status{
		Adapters:   make(map[string]AdapterStatus, len(r.opts.Adapters)),
		Dispatcher: r.opts.Dispatcher.Stats(),
	}
	r.mu.Lock()
	st.StartedAt = r.started
	if !r.started.IsZero() {
		st.Uptime = time.Since(r.started).Round(time.Second).String()
	}
	for _, a := range r.opts.Adapters {
		as := AdapterStatus{Restarts: r.restarts[a.Name()], LastError: r.lastErr[a.Name()]}
		if s, ok := a.(interface{ Status() sources.Status }); ok {
			as.Status = s.Status()
		}
		st.Adapters[a.Name()] = as
	}
	r.mu.Unlock()

	if m := r.opts.Credentials; m != nil {
		c := m.Current()
		st.Credentials = CredentialStatus{
			HasToken:   c.AccessToken != "",
			HasRefresh: c.RefreshToken != "",
			ExpiresAt:  c.ExpiresAt,
		}
		if err := m.LastError(); err != nil {
			st.Credentials.LastError = err.Error()
		}
	}
	if f := r.opts.Filter; f != nil {
		st.Moderation.Enabled = f.Enabled()
		if rules := f.Snapshot(); rules != nil {
			st.Moderation.Rules = rules.Len()
			st.Moderation.Mode = rules.Options().Mode.String()
		}
	}
	return st
}

// Check is one readiness probe result.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready reports whether the relay can deliver messages right now.
func (r *Relay) Ready() ([]Check, bool) {
	ok := true
	creds := Check{Name: "credentials", Status: "ok"}
	var cur credentials.Credential
	var lastErr error
	if r.opts.Credentials != nil {
		cur = r.opts.Credentials.Current()
		lastErr = r.opts.Credentials.LastError()
	}
	switch {
	case errors.Is(lastErr, credentials.ErrNotPersisted):
		creds.Status, creds.Error, ok = "error", "refreshed token not saved to the token store", false
	case cur.AccessToken == "":
		creds.Status, creds.Error, ok = "error", "no access token", false
	case !cur.ExpiresAt.IsZero() && !cur.ExpiresAt.After(time.Now()):
		creds.Status, creds.Error, ok = "error", "access token expired", false
	}
	disp := Check{Name: "dispatcher", Status: "ok"}
	if r.opts.Dispatcher.Stats().AuthBlocked {
		disp.Status, disp.Error, ok = "error", "waiting for re-authorization", false
	}
	return []Check{creds, disp}, ok
}

// Reload re-reads the moderation list now.
func (r *Relay) Reload() (bool, error) {
	if r.opts.Filter == nil {
		return false, nil
	}
	return r.opts.Filter.ReloadIfChanged()
}

// RefreshCredentials forces a token refresh.
func (r *Relay) RefreshCredentials(ctx context.Context) error {
	if r.opts.Credentials == nil {
		return chat.E(chat.KindConfigInvalid, "refresh", fmt.Errorf("no credential manager"))
	}
	_, err := r.opts.Credentials.ForceRefresh(ctx)
	return err
}
