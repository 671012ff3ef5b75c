package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// OTelProvider implements Telemetry with OpenTelemetry tracing. Spans export
// to stdout by default, matching how the gateway is expected to run behind a
// sidecar collector that tails its own log stream rather than receiving
// OTLP pushes directly (grounded on the teacher's telemetry/otel.go
// OTelProvider, trimmed to the single stdout exporter this module depends
// on and the one meter the gateway's RecordMetric calls use).
type OTelProvider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
}

// NewOTelProvider builds a tracer that batches spans to an stdouttrace
// exporter and installs it as the global provider, so otelhttp.NewTransport
// (internal/transport) picks it up without being wired explicitly.
func NewOTelProvider(serviceName string) (*OTelProvider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("core: telemetry service name must not be empty")
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("core: stdout trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	return &OTelProvider{
		tracer:        tp.Tracer(serviceName),
		meter:         otel.Meter(serviceName),
		traceProvider: tp,
	}, nil
}

// StartSpan implements Telemetry.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements Telemetry by recording value on a float64
// histogram instrument named name, creating it lazily on first use.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	hist, err := o.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	hist.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and stops the provider.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return o.traceProvider.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) { s.span.RecordError(err) }
