// Package otel wires OpenTelemetry tracing for the engine. Spans cover
// the evaluation and mitigation paths so a slow run can be broken down
// per cohort unit in the collector.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults for the given service.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.4.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true, // use TLS credentials in production
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes the OTLP exporter and installs the global
// tracer provider and propagators.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("equilens")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the named tracer with optional attributes.
// Without an initialized provider this is the no-op tracer, so callers
// never need to guard.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records err on the span and marks the span status. A nil
// error or span is a no-op, so it composes with deferred cleanup.
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}
	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Attribute keys used across the engine's spans.
const (
	AttrModelVersion = attribute.Key("eqlens.model_version")
	AttrWindow       = attribute.Key("eqlens.window")
	AttrTrigger      = attribute.Key("eqlens.trigger")

	AttrCohort   = attribute.Key("eqlens.cohort")
	AttrFamily   = attribute.Key("eqlens.metric_family")
	AttrSeverity = attribute.Key("eqlens.severity")
	AttrAlertID  = attribute.Key("eqlens.alert_id")

	AttrActionID = attribute.Key("eqlens.action_id")
	AttrStrategy = attribute.Key("eqlens.strategy")
)

// EvaluationAttributes describes one evaluation run.
func EvaluationAttributes(modelVersion, windowKey, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrModelVersion.String(modelVersion),
		AttrWindow.String(windowKey),
		AttrTrigger.String(trigger),
	}
}

// AlertAttributes describes one violation alert.
func AlertAttributes(alertID, family, cohort, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAlertID.String(alertID),
		AttrFamily.String(family),
		AttrCohort.String(cohort),
		AttrSeverity.String(severity),
	}
}

// MitigationAttributes describes one mitigation application.
func MitigationAttributes(actionID, strategy, cohort string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrActionID.String(actionID),
		AttrStrategy.String(strategy),
		AttrCohort.String(cohort),
	}
}
