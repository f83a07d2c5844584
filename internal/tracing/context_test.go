package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "test-trace-id")

	if got := GetTraceID(ctx); got != "test-trace-id" {
		t.Errorf("Expected trace ID test-trace-id, got %s", got)
	}
}

func TestWithSessionID(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-1")

	if got := GetSessionID(ctx); got != "sess-1" {
		t.Errorf("Expected session ID sess-1, got %s", got)
	}
}

func TestMissingValues(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetSessionID(ctx) != "" || GetRequestID(ctx) != "" {
		t.Error("Expected empty values for bare context")
	}
}

func TestFromContext(t *testing.T) {
	ctx := WithTraceID(context.Background(), "t")
	ctx = WithSessionID(ctx, "s")
	ctx = WithRequestID(ctx, "r")

	tc := FromContext(ctx)
	if tc.TraceID != "t" || tc.SessionID != "s" || tc.RequestID != "r" {
		t.Errorf("Unexpected trace context: %+v", tc)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("Expected trace ID to be set")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	ctx = WithSessionID(ctx, "session-abc")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-123"`) {
		t.Errorf("Expected trace_id in log output, got %s", out)
	}
	if !strings.Contains(out, `"session_id":"session-abc"`) {
		t.Errorf("Expected session_id in log output, got %s", out)
	}
	if strings.Contains(out, "request_id") {
		t.Errorf("Did not expect request_id in log output, got %s", out)
	}
}

func TestStartSpanSetsTraceID(t *testing.T) {
	if err := InitOpenTelemetry(Options{ServiceName: "ragent-test", SampleRatio: 1}); err != nil {
		t.Fatalf("InitOpenTelemetry failed: %v", err)
	}
	defer ShutdownOpenTelemetry(context.Background())

	ctx, span := StartSpan(context.Background(), "ragent.test", "test.span")
	defer span.End()

	if GetTraceID(ctx) == "" {
		t.Error("Expected StartSpan to propagate a trace ID")
	}

	Fail(span, errors.New("boom"))
	Fail(nil, errors.New("ignored"))
}

func TestInitOpenTelemetry(t *testing.T) {
	if err := InitOpenTelemetry(Options{}); err == nil {
		t.Error("Expected an error without a service name")
	}

	if err := InitOpenTelemetry(Options{ServiceName: "a", ServiceVersion: "1.0.0"}); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if err := InitOpenTelemetry(Options{ServiceName: "b", SampleRatio: 0.5}); err != nil {
		t.Fatalf("re-init failed: %v", err)
	}
	if err := ShutdownOpenTelemetry(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := ShutdownOpenTelemetry(context.Background()); err != nil {
		t.Errorf("second shutdown should be a no-op: %v", err)
	}
}
