package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("equilens-test")

	if config.ServiceName != "equilens-test" {
		t.Errorf("service name = %q, want equilens-test", config.ServiceName)
	}
	if config.ServiceVersion == "" {
		t.Error("service version should not be empty")
	}
	if config.CollectorEndpoint == "" {
		t.Error("collector endpoint should not be empty")
	}
	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestEvaluationAttributes(t *testing.T) {
	attrs := EvaluationAttributes("readmit-v3", "2026-04-01T00:00:00Z/2026-04-08T00:00:00Z", "scheduled")

	if len(attrs) != 3 {
		t.Fatalf("attributes = %d, want 3", len(attrs))
	}
	found := false
	for _, attr := range attrs {
		if attr.Key == AttrModelVersion && attr.Value.AsString() == "readmit-v3" {
			found = true
			break
		}
	}
	if !found {
		t.Error("model version attribute not found")
	}
}

func TestAlertAttributes(t *testing.T) {
	attrs := AlertAttributes("al-1", "opportunity", "sex=F", "critical")
	if len(attrs) != 4 {
		t.Errorf("attributes = %d, want 4", len(attrs))
	}
}

func TestMitigationAttributes(t *testing.T) {
	attrs := MitigationAttributes("act-1", "postprocessing", "sex=F")
	if len(attrs) != 3 {
		t.Errorf("attributes = %d, want 3", len(attrs))
	}
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Uses the global no-op tracer; nothing is initialized here.
	ctx, span := StartSpan(ctx, "test-tracer", "test-span",
		attribute.String("test.key", "test.value"),
	)
	if ctx == nil {
		t.Error("context should not be nil")
	}
	if span == nil {
		t.Error("span should not be nil")
	}
	span.End()
}

func TestRecordError(t *testing.T) {
	_, span := StartSpan(context.Background(), "test-tracer", "test-span")

	// Both forms must tolerate a nil error.
	RecordError(span, nil, "")
	RecordError(span, nil, "context message")

	span.End()
}

func TestAddEvent(t *testing.T) {
	_, span := StartSpan(context.Background(), "test-tracer", "test-span")

	AddEvent(span, "alert_raised")
	AddEvent(span, "alert_raised",
		attribute.String("eqlens.cohort", "sex=F"),
	)

	span.End()
}
