// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived  *prometheus.CounterVec // source
	MessagesSent      *prometheus.CounterVec // source
	MessagesDropped   *prometheus.CounterVec // reason
	SendAttempts      *prometheus.CounterVec // result
	TokenRefreshes    *prometheus.CounterVec // result
	ModerationReloads *prometheus.CounterVec // result
	AdapterReconnects *prometheus.CounterVec // adapter

	// Histograms (seconds)
	SendDuration prometheus.Observer
	QueueLatency prometheus.Observer

	// Gauges
	QueueDepthGauge      prometheus.Gauge
	AuthExpiredGauge     prometheus.Gauge // 1=waiting for a usable token
	ModerationRulesGauge prometheus.Gauge
	AdapterStateGauge    *prometheus.GaugeVec // adapter,state; 1 for the current state
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_received_total", Help: "Chat messages received from a source"}, []string{"source"})
		MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_sent_total", Help: "Chat messages delivered to Twitch"}, []string{"source"})
		MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_dropped_total", Help: "Chat messages dropped before or during delivery"}, []string{"reason"})
		SendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_send_attempts_total", Help: "Send attempts by outcome"}, []string{"result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_token_refresh_total", Help: "Token refresh attempts by outcome"}, []string{"result"})
		ModerationReloads = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_moderation_reloads_total", Help: "Moderation list reloads by outcome"}, []string{"result"})
		AdapterReconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_adapter_reconnects_total", Help: "Source adapter reconnects"}, []string{"adapter"})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_send_duration_seconds", Help: "Duration of a single send request", Buckets: prometheus.DefBuckets})
		QueueLatency = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_queue_latency_seconds", Help: "Time from enqueue to delivery", Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_queue_depth", Help: "Messages waiting in the outbound queue"})
		AuthExpiredGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_auth_expired", Help: "1 while no usable Twitch token is available"})
		ModerationRulesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_moderation_rules", Help: "Entries in the active moderation list"})
		AdapterStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "relay_adapter_state", Help: "Source adapter state, 1 for the current state"}, []string{"adapter", "state"})
	})
}

// MessageReceived counts an inbound message for source.
func MessageReceived(source string) {
	if MessagesReceived != nil {
		MessagesReceived.WithLabelValues(source).Inc()
	}
}

// MessageSent counts a delivered message and how long it waited in the queue.
func MessageSent(source string, queued time.Duration) {
	if MessagesSent != nil {
		MessagesSent.WithLabelValues(source).Inc()
	}
	if QueueLatency != nil {
		QueueLatency.Observe(queued.Seconds())
	}
}

// MessageDropped counts a dropped message (moderation, rejected, retries_exhausted, shutdown).
func MessageDropped(reason string) {
	if MessagesDropped != nil {
		MessagesDropped.WithLabelValues(reason).Inc()
	}
}

// SendAttempt counts one send attempt by result.
func SendAttempt(result string) {
	if SendAttempts != nil {
		SendAttempts.WithLabelValues(result).Inc()
	}
}

// ObserveSend records a send request duration.
func ObserveSend(d time.Duration) {
	if SendDuration != nil {
		SendDuration.Observe(d.Seconds())
	}
}

// SetQueueDepth records the current outbound queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TokenRefresh counts a token refresh by result.
func TokenRefresh(result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(result).Inc()
	}
}

// SetAuthExpired sets gauge to 1 if expired else 0.
func SetAuthExpired(expired bool) {
	if AuthExpiredGauge == nil {
		return
	}
	if expired {
		AuthExpiredGauge.Set(1)
	} else {
		AuthExpiredGauge.Set(0)
	}
}

// ModerationReload counts a list reload by result.
func ModerationReload(result string) {
	if ModerationReloads != nil {
		ModerationReloads.WithLabelValues(result).Inc()
	}
}

// SetModerationRules records the active list size.
func SetModerationRules(n int) {
	if ModerationRulesGauge != nil {
		ModerationRulesGauge.Set(float64(n))
	}
}

// SetAdapterState marks state as current for adapter and clears the others in all.
func SetAdapterState(adapter, state string, all []string) {
	if AdapterStateGauge == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		AdapterStateGauge.WithLabelValues(adapter, s).Set(v)
	}
}

// AdapterReconnect counts a reconnect for adapter.
func AdapterReconnect(adapter string) {
	if AdapterReconnects != nil {
		AdapterReconnects.WithLabelValues(adapter).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
