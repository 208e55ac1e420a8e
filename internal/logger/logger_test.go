package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "verbose"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestContextIDsSurviveWith(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: FormatJSON, Writer: &buf, ServiceName: "test"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	ctx := WithStream(WithHost(context.Background(), "abc"))
	sc := trace.SpanContextFromContext(ctx)
	traceID, spanID := sc.TraceID().String(), sc.SpanID().String()
	l.WithComponent("agent").InfoContext(ctx, "stream accepted")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v (%s)", err, buf.String())
	}
	if record["trace_id"] != traceID || record["span_id"] != spanID {
		t.Fatalf("missing ids in %v", record)
	}
	if record["component"] != "agent" || record["service"] != "test" || record["host_id"] != "abc" {
		t.Fatalf("missing attrs in %v", record)
	}
}

func TestDiscardDropsErrors(t *testing.T) {
	l := Discard()
	if l.Enabled(context.Background(), 8) {
		t.Fatalf("discard logger should not be enabled")
	}
}

func TestWithStreamKeepsExistingSpan(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: NewTraceID(), SpanID: NewSpanID()})
	ctx := WithStream(trace.ContextWithSpanContext(context.Background(), parent))
	if got := trace.SpanContextFromContext(ctx); !got.Equal(parent) {
		t.Fatalf("span context replaced: %v", got)
	}
	if HostIDFromContext(ctx) != "" {
		t.Fatalf("unexpected host id")
	}
	if !NewTraceID().IsValid() || !NewSpanID().IsValid() {
		t.Fatalf("generated ids should be valid")
	}
}
