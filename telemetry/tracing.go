package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// tracingSettings follow the standard OTEL_* variable names.
type tracingSettings struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
}

func (s tracingSettings) ratio() float64 {
	if s.SampleRatio <= 0 || s.SampleRatio > 1 {
		return 1
	}
	return s.SampleRatio
}

var tracingEnabled bool

// InitTracing installs a batching OTLP/gRPC tracer provider. With no endpoint
// configured spans go to the global no-op provider and shutdown does nothing.
func InitTracing(serviceName, serviceVersion string) (shutdown func(), err error) {
	var s tracingSettings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("tracing settings: %w", err)
	}
	if s.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.Endpoint)}
	if s.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.ratio()))),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled = true
	slog.Info("tracing enabled",
		slog.String("service", serviceName),
		slog.String("endpoint", s.Endpoint),
		slog.Float64("sample_ratio", s.ratio()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("tracer shutdown", slog.Any("err", err))
		}
		tracingEnabled = false
	}, nil
}

// IsTracingEnabled reports whether InitTracing installed an exporter.
func IsTracingEnabled() bool { return tracingEnabled }

// StartSpan starts a span on the named tracer. The correlation id carried by
// ctx, if any, becomes a span attribute.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// SourceAttr tags a span with the chat source (kick, youtube).
func SourceAttr(source string) attribute.KeyValue { return attribute.String("relay.source", source) }

// TransportAttr tags a span with the Twitch transport (helix, irc).
func TransportAttr(t string) attribute.KeyValue { return attribute.String("relay.transport", t) }

// HTTPMethodAttr is the semconv http.method attribute.
func HTTPMethodAttr(m string) attribute.KeyValue { return semconv.HTTPMethod(m) }

// HTTPRouteAttr is the semconv http.route attribute.
func HTTPRouteAttr(r string) attribute.KeyValue { return semconv.HTTPRoute(r) }

// SetSpanHTTPStatus tags the response code; 5xx marks the span failed.
func SetSpanHTTPStatus(span trace.Span, code int) {
	span.SetAttributes(semconv.HTTPStatusCode(code))
	if code >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", code))
	}
}

// RecordError is a no-op for a nil err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as completed without error.
func SetSpanSuccess(span trace.Span) { span.SetStatus(codes.Ok, "") }
