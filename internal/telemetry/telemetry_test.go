package telemetry

import (
	"context"
	"log/slog"
	"slices"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown := Setup(context.Background(), Options{ServiceName: "pharmacy-service"}, slog.Default())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil shutdown error, got %v", err)
	}
	if fields := otel.GetTextMapPropagator().Fields(); !slices.Contains(fields, "traceparent") || !slices.Contains(fields, "baggage") {
		t.Fatalf("expected trace context and baggage propagators, got %v", fields)
	}
}

func TestSamplerRatio(t *testing.T) {
	// The low half of the id decides ratio sampling; all ones lands above any ratio below 1.
	traceID := trace.TraceID{8: 0xff, 9: 0xff, 10: 0xff, 11: 0xff, 12: 0xff, 13: 0xff, 14: 0xff, 15: 0xff}
	tests := []struct {
		ratio float64
		want  sdktrace.SamplingDecision
	}{
		{1, sdktrace.RecordAndSample},
		{2, sdktrace.RecordAndSample},
		{0, sdktrace.Drop},
		{-1, sdktrace.Drop},
		{0.5, sdktrace.Drop},
	}
	for _, tc := range tests {
		got := sampler(tc.ratio).ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       traceID,
			Name:          "IssueTicket",
		})
		if got.Decision != tc.want {
			t.Fatalf("ratio %v: expected %v, got %v", tc.ratio, tc.want, got.Decision)
		}
	}
}

func TestSamplerFollowsSampledParent(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	got := sampler(0).ShouldSample(sdktrace.SamplingParameters{
		ParentContext: trace.ContextWithRemoteSpanContext(context.Background(), parent),
		TraceID:       parent.TraceID(),
		Name:          "ClaimByToken",
	})
	if got.Decision != sdktrace.RecordAndSample {
		t.Fatalf("expected sampled parent to win, got %v", got.Decision)
	}
}

func TestAttributes(t *testing.T) {
	attrs := attributes(Options{ServiceName: "pharmacy-service", Version: "1.2.0", Environment: "staging"})
	want := []attribute.KeyValue{
		semconv.ServiceName("pharmacy-service"),
		semconv.ServiceVersion("1.2.0"),
		semconv.DeploymentEnvironment("staging"),
	}
	if len(attrs) != len(want) {
		t.Fatalf("expected %d attributes, got %v", len(want), attrs)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Fatalf("attribute %d: expected %v, got %v", i, want[i], attrs[i])
		}
	}
	if got := attributes(Options{ServiceName: "pharmacy-service"}); len(got) != 1 {
		t.Fatalf("expected only the service name, got %v", got)
	}
}
