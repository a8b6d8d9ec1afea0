package moderation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chat-relay/telemetry"
)

// DefaultInterval is how often Watch checks the list file.
const DefaultInterval = 600 * time.Second

// Config describes where the list lives and how it is compiled.
type Config struct {
	Path     string
	Interval time.Duration
	Options
}

// Filter holds the active Rules and reloads them from Config.Path.
type Filter struct {
	cfg   Config
	rules atomic.Pointer[Rules]

	mu      sync.Mutex // serializes reloads
	present bool
	lastMod time.Time
}

// NewFilter returns a filter with no rules loaded. Call ReloadIfChanged or Watch to load.
func NewFilter(cfg Config) *Filter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CensorChar == 0 {
		cfg.CensorChar = '*'
	}
	return &Filter{cfg: cfg}
}

// Enabled reports whether a list file is configured at all.
func (f *Filter) Enabled() bool { return f.cfg.Path != "" }

// Snapshot returns the active rules. Nil means no filtering.
func (f *Filter) Snapshot() *Rules { return f.rules.Load() }

// Apply filters text with the active rules.
func (f *Filter) Apply(text string) Decision { return f.Snapshot().Apply(text) }

// ReloadIfChanged re-reads the list when its modification time differs from
// the last one seen. A removed file clears the rules; a read or compile
// failure keeps the previous rules and returns the error.
func (f *Filter) ReloadIfChanged() (bool, error) {
	if f.cfg.Path == "" {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := os.Stat(f.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		if !f.present {
			return false, nil
		}
		f.rules.Store(nil)
		f.present = false
		f.lastMod = time.Time{}
		telemetry.ModerationReload("cleared")
		telemetry.SetModerationRules(0)
		slog.Info("moderation list removed; rules cleared", slog.String("component", "moderation"), slog.String("path", f.cfg.Path))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", f.cfg.Path, err)
	}
	if f.present && st.ModTime().Equal(f.lastMod) {
		return false, nil
	}

	rules, err := f.load()
	if err != nil {
		telemetry.ModerationReload("error")
		return false, err
	}
	f.rules.Store(rules)
	f.present = true
	f.lastMod = st.ModTime()
	telemetry.ModerationReload("ok")
	telemetry.SetModerationRules(rules.Len())
	slog.Info("moderation list loaded", slog.String("component", "moderation"), slog.String("path", f.cfg.Path), slog.Int("entries", rules.Len()), slog.String("mode", f.cfg.Mode.String()))
	return true, nil
}

func (f *Filter) load() (*Rules, error) {
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.cfg.Path, err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close moderation list", slog.Any("err", err))
		}
	}()
	phrases, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.cfg.Path, err)
	}
	return Compile(phrases, f.cfg.Options)
}

// Watch loads the list once and then checks it every Config.Interval until ctx ends.
// Without a configured path it returns immediately.
func (f *Filter) Watch(ctx context.Context) {
	if f.cfg.Path == "" {
		slog.Info("no BANNED_WORDS_FILE set; moderation disabled", slog.String("component", "moderation"))
		return
	}
	f.check()
	if !f.present {
		slog.Info("moderation list not found; list empty until it appears", slog.String("component", "moderation"), slog.String("path", f.cfg.Path))
	}
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.check()
		}
	}
}

func (f *Filter) check() {
	if _, err := f.ReloadIfChanged(); err != nil {
		slog.Error("moderation reload failed; keeping previous rules", slog.String("component", "moderation"), slog.Any("err", err))
	}
}
