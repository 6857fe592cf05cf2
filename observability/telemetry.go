// Package observability wires OpenTelemetry tracing and metrics around the
// broadcast and delivery paths. Disabled by default; when enabled, traces
// export over OTLP HTTP.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the telemetry provider.
type Config struct {
	ServiceName    string            `json:"service_name"`
	ServiceVersion string            `json:"service_version"`
	Environment    string            `json:"environment"`
	OTLPEndpoint   string            `json:"otlp_endpoint"`
	OTLPHeaders    map[string]string `json:"otlp_headers,omitempty"`
	SampleRate     float64           `json:"sample_rate"`
	Enabled        bool              `json:"enabled"`
}

// DefaultConfig returns a disabled development configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "manycast",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4318",
		SampleRate:     1.0,
		Enabled:        false,
	}
}

// Telemetry provides tracing and metrics for the delivery pipeline.
type Telemetry struct {
	config        *Config
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider

	// Metrics
	sendsTotal       metric.Int64Counter
	sendFailures     metric.Int64Counter
	sendsRateLimited metric.Int64Counter
	messagesReceived metric.Int64Counter
	duplicatesFolded metric.Int64Counter
	sendDuration     metric.Float64Histogram
	activeCooldowns  metric.Int64UpDownCounter
}

// NewTelemetry creates a telemetry provider. With Enabled false it returns a
// no-op provider that records nothing.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	t := &Telemetry{config: cfg}

	if !cfg.Enabled {
		t.tracer = otel.Tracer("manycast")
		t.meter = otel.Meter("manycast")
		return t, nil
	}

	if err := t.initTracing(); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if err := t.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return t, nil
}

func (t *Telemetry) initTracing() error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
			semconv.DeploymentEnvironment(t.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptrace.New(context.Background(),
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(t.config.OTLPEndpoint),
			otlptracehttp.WithHeaders(t.config.OTLPHeaders),
		),
	)
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}

	t.traceProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.config.SampleRate)),
	)
	otel.SetTracerProvider(t.traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.tracer = otel.Tracer("manycast",
		trace.WithSchemaURL(semconv.SchemaURL),
	)
	return nil
}

func (t *Telemetry) initMetrics() error {
	t.meter = otel.Meter("manycast",
		metric.WithSchemaURL(semconv.SchemaURL),
	)

	var err error

	t.sendsTotal, err = t.meter.Int64Counter(
		"manycast_sends_total",
		metric.WithDescription("Total (channel, sub-endpoint) send attempts"),
	)
	if err != nil {
		return fmt.Errorf("create sends_total counter: %w", err)
	}

	t.sendFailures, err = t.meter.Int64Counter(
		"manycast_send_failures_total",
		metric.WithDescription("Total failed send attempts"),
	)
	if err != nil {
		return fmt.Errorf("create send_failures counter: %w", err)
	}

	t.sendsRateLimited, err = t.meter.Int64Counter(
		"manycast_sends_rate_limited_total",
		metric.WithDescription("Total send attempts classified as rate limited"),
	)
	if err != nil {
		return fmt.Errorf("create sends_rate_limited counter: %w", err)
	}

	t.messagesReceived, err = t.meter.Int64Counter(
		"manycast_messages_received_total",
		metric.WithDescription("Total unique messages delivered to the application"),
	)
	if err != nil {
		return fmt.Errorf("create messages_received counter: %w", err)
	}

	t.duplicatesFolded, err = t.meter.Int64Counter(
		"manycast_duplicates_folded_total",
		metric.WithDescription("Total duplicate arrivals folded into receipts"),
	)
	if err != nil {
		return fmt.Errorf("create duplicates_folded counter: %w", err)
	}

	t.sendDuration, err = t.meter.Float64Histogram(
		"manycast_send_duration_seconds",
		metric.WithDescription("Duration of per-endpoint send attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create send_duration histogram: %w", err)
	}

	t.activeCooldowns, err = t.meter.Int64UpDownCounter(
		"manycast_active_cooldowns",
		metric.WithDescription("Currently active (channel, sub-endpoint) cooldowns"),
	)
	if err != nil {
		return fmt.Errorf("create active_cooldowns counter: %w", err)
	}

	return nil
}

// StartBroadcast opens a span covering one full fan-out.
func (t *Telemetry) StartBroadcast(ctx context.Context, messageID string, channels int) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "manycast.broadcast",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("manycast.message.id", messageID),
			attribute.Int("manycast.channels", channels),
		),
	)
}

// EndBroadcast closes a broadcast span with the aggregate outcome.
func (t *Telemetry) EndBroadcast(span trace.Span, succeeded, failed int) {
	span.SetAttributes(
		attribute.Int("manycast.succeeded", succeeded),
		attribute.Int("manycast.failed", failed),
	)
	if succeeded == 0 && failed > 0 {
		span.SetStatus(codes.Error, "no channel delivered the message")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordSend records one per-endpoint send outcome.
func (t *Telemetry) RecordSend(ctx context.Context, channel string, success, rateLimited bool, latency time.Duration) {
	if t == nil || t.sendsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	t.sendsTotal.Add(ctx, 1, attrs)
	if !success {
		t.sendFailures.Add(ctx, 1, attrs)
	}
	if rateLimited {
		t.sendsRateLimited.Add(ctx, 1, attrs)
	}
	if latency > 0 {
		t.sendDuration.Record(ctx, latency.Seconds(), attrs)
	}
}

// RecordReceive records one inbound message, unique or duplicate.
func (t *Telemetry) RecordReceive(ctx context.Context, channel string, duplicate bool) {
	if t == nil || t.messagesReceived == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	if duplicate {
		t.duplicatesFolded.Add(ctx, 1, attrs)
		return
	}
	t.messagesReceived.Add(ctx, 1, attrs)
}

// RecordCooldownChange tracks the active cooldown gauge (+1 paused,
// -1 resumed).
func (t *Telemetry) RecordCooldownChange(ctx context.Context, channel string, delta int64) {
	if t == nil || t.activeCooldowns == nil {
		return
	}
	t.activeCooldowns.Add(ctx, delta, metric.WithAttributes(attribute.String("channel", channel)))
}

// Shutdown flushes and stops the trace provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.traceProvider == nil {
		return nil
	}
	return t.traceProvider.Shutdown(ctx)
}
