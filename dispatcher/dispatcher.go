// Package dispatcher delivers relayed chat to the destination one message at
// a time: moderation, formatting, a global send gate and per-job retries,
// in strict arrival order.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/moderation"
	"github.com/onnwee/chat-relay/telemetry"
)

// Sender delivers one formatted line using an access token.
type Sender interface {
	Send(ctx context.Context, token, text string) error
}

// TokenProvider supplies destination access tokens.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// RuleSource exposes the active moderation rules; *moderation.Filter implements it.
type RuleSource interface {
	Snapshot() *moderation.Rules
}

// ErrRetriesExhausted wraps the last error of a job that ran out of attempts.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Config tunes the dispatcher. Zero durations pick the defaults.
type Config struct {
	MinInterval       time.Duration // spacing between sends, default 1s
	MaxAttempts       int           // transient attempts per job, 0 = unlimited
	AuthRetryInterval time.Duration // wait while no token is available, default 30s
	InitialBackoff    time.Duration // default 1s
	MaxBackoff        time.Duration // default 30s
	Prefixes          chat.Prefixes
}

func (c *Config) defaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.AuthRetryInterval <= 0 {
		c.AuthRetryInterval = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
}

type item struct {
	msg        chat.InboundMessage
	rules      *moderation.Rules
	enqueuedAt time.Time
}

// Dispatcher is a single-lane FIFO sender. Enqueue never blocks; Run drains
// the queue until its context ends or Close was called and the queue is empty.
type Dispatcher struct {
	cfg     Config
	sender  Sender
	tokens  TokenProvider
	rules   RuleSource
	limiter *rate.Limiter

	mu       sync.Mutex
	queue    []item
	closed   bool
	lastSend time.Time
	stats    Stats
	wake     chan struct{}
}

// New returns a Dispatcher. rules may be nil for no moderation.
func New(cfg Config, sender Sender, tokens TokenProvider, rules RuleSource) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		tokens:  tokens,
		rules:   rules,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends msg to the queue with the moderation rules active right
// now. It returns false once the dispatcher is closed.
func (d *Dispatcher) Enqueue(msg chat.InboundMessage) bool {
	var rules *moderation.Rules
	if d.rules != nil {
		rules = d.rules.Snapshot()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, item{msg: msg, rules: rules, enqueuedAt: time.Now()})
	d.stats.Enqueued++
	n := len(d.queue)
	d.mu.Unlock()

	telemetry.MessageReceived(msg.Source.Label())
	telemetry.SetQueueDepth(n)
	d.signal()
	return true
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting messages. Run keeps draining what is queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

// Len returns the number of queued messages.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run is the sender loop. It returns nil after Close once the queue is
// empty, or ctx.Err() when ctx ends first; undelivered messages are then
// abandoned.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		it, ok := d.next(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				d.abandon()
				return err
			}
			return nil
		}
		d.process(ctx, it)
	}
}

func (d *Dispatcher) next(ctx context.Context) (item, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 && ctx.Err() == nil {
			it := d.queue[0]
			d.queue[0] = item{}
			d.queue = d.queue[1:]
			n := len(d.queue)
			d.mu.Unlock()
			telemetry.SetQueueDepth(n)
			return it, true
		}
		closed := d.closed
		d.mu.Unlock()
		if closed || ctx.Err() != nil {
			return item{}, false
		}
		select {
		case <-ctx.Done():
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) abandon() {
	d.mu.Lock()
	n := len(d.queue)
	d.queue = nil
	d.stats.Dropped += uint64(n)
	d.mu.Unlock()
	telemetry.SetQueueDepth(0)
	if n > 0 {
		for i := 0; i < n; i++ {
			telemetry.MessageDropped("shutdown")
		}
		slog.Warn("abandoned undelivered messages", slog.String("component", "dispatcher"), slog.Int("count", n))
	}
}

func (d *Dispatcher) process(ctx context.Context, it item) {
	dec := it.rules.Apply(it.msg.Text)
	if dec.Action == moderation.Drop {
		d.count(func(s *Stats) { s.Dropped++ })
		telemetry.MessageDropped("moderation")
		slog.Debug("message dropped by moderation", slog.String("component", "dispatcher"), slog.String("source", it.msg.Source.Label()))
		return
	}
	job := chat.OutboundJob{
		DisplayText: chat.FormatDisplay(d.cfg.Prefixes.For(it.msg.Source), it.msg.Author, dec.Text),
		EnqueuedAt:  it.enqueuedAt,
		Source:      it.msg.Source,
	}

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "dispatcher"), slog.String("source", it.msg.Source.Label()))
	ctx, span := telemetry.StartSpan(ctx, "dispatcher", "relay.deliver", telemetry.SourceAttr(it.msg.Source.Label()), telemetry.TransportAttr(d.transport()))
	defer span.End()

	err := d.deliver(ctx, log, job)
	switch {
	case err == nil:
		d.count(func(s *Stats) { s.Sent++; s.LastSentAt = time.Now() })
		telemetry.MessageSent(job.Source.Label(), time.Since(job.EnqueuedAt))
		telemetry.SetSpanSuccess(span)
		log.Debug("message relayed", slog.Bool("censored", dec.Action == moderation.Censor))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		d.count(func(s *Stats) { s.Dropped++ })
		telemetry.MessageDropped("shutdown")
		telemetry.RecordError(span, err)
	case errors.Is(err, ErrRetriesExhausted):
		d.count(func(s *Stats) { s.Dropped++; s.LastError = err.Error() })
		telemetry.MessageDropped("retries_exhausted")
		telemetry.RecordError(span, err)
		log.Error("dropping message after repeated send failures", slog.Any("err", err))
	default:
		d.count(func(s *Stats) { s.Rejected++; s.LastError = err.Error() })
		telemetry.MessageDropped("rejected")
		telemetry.RecordError(span, err)
		log.Warn("destination rejected message; dropping", slog.Any("err", err))
	}
}

// deliver sends the job, retrying until it is accepted, permanently rejected,
// out of attempts, or ctx ends.
func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, job chat.OutboundJob) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.Reset()

	attempts := 0
	refreshed := false
	for {
		tok, err := d.tokens.GetValidToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.holdForAuth(log, err)
			if err := sleep(ctx, d.cfg.AuthRetryInterval); err != nil {
				return err
			}
			continue
		}
		d.setAuthBlocked(false)

		if err := d.gate(ctx); err != nil {
			return err
		}
		attempts++
		start := time.Now()
		err = d.sender.Send(ctx, tok, job.DisplayText)
		d.mu.Lock()
		d.lastSend = time.Now()
		d.mu.Unlock()
		telemetry.ObserveSend(time.Since(start))
		if err == nil {
			telemetry.SendAttempt("ok")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := chat.Classify(err)
		telemetry.SendAttempt(kind.String())
		switch {
		case kind == chat.KindAuthExpired:
			if refreshed {
				return fmt.Errorf("token rejected after refresh: %w", err)
			}
			refreshed = true
			log.Info("destination rejected token; forcing refresh")
			if _, rerr := d.tokens.ForceRefresh(ctx); rerr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.holdForAuth(log, rerr)
				refreshed = false
				if err := sleep(ctx, d.cfg.AuthRetryInterval); err != nil {
					return err
				}
			}
		case !chat.IsRetryable(err):
			return err
		default:
			if d.cfg.MaxAttempts > 0 && attempts >= d.cfg.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = d.cfg.MaxBackoff
			}
			if rd := retryDelay(err); rd > wait {
				wait = rd
			}
			d.count(func(s *Stats) { s.Retries++ })
			log.Warn("send failed; retrying", slog.String("kind", kind.String()), slog.Int("attempt", attempts), slog.Duration("wait", wait), slog.Any("err", err))
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// gate enforces the global spacing: the limiter spaces send starts and the
// extra wait spaces a send from the completion of the previous one.
func (d *Dispatcher) gate(ctx context.Context) error {
	r := d.limiter.Reserve()
	if err := sleep(ctx, r.Delay()); err != nil {
		r.Cancel()
		return err
	}
	d.mu.Lock()
	last := d.lastSend
	d.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	return sleep(ctx, d.cfg.MinInterval-time.Since(last))
}

func (d *Dispatcher) holdForAuth(log *slog.Logger, err error) {
	if d.setAuthBlocked(true) {
		log.Error("no usable twitch token; holding messages until re-authorized", slog.Any("err", err), slog.Int("queued", d.Len()))
		return
	}
	log.Debug("still waiting for a usable twitch token", slog.Any("err", err))
}

// setAuthBlocked records the flag and reports whether it changed to true.
func (d *Dispatcher) setAuthBlocked(v bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := v && !d.stats.AuthBlocked
	d.stats.AuthBlocked = v
	return changed
}

func (d *Dispatcher) transport() string {
	if n, ok := d.sender.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "custom"
}

func (d *Dispatcher) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// retryDelay returns a server-requested wait carried by err, if any.
func retryDelay(err error) time.Duration {
	var rd interface{ RetryDelay() time.Duration }
	if errors.As(err, &rd) {
		return rd.RetryDelay()
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
