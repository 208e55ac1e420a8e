package logger

import (
	"context"
	"crypto/rand"

	"go.opentelemetry.io/otel/trace"
)

type hostIDKey struct{}

// WithHost attaches the host id that records logged with ctx belong to.
func WithHost(ctx context.Context, hostID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, hostIDKey{}, hostID)
}

// WithStream prepares ctx for one tunnel stream. Unless ctx already carries
// a span, a fresh trace and span id are attached so every record logged for
// the stream can be correlated.
func WithStream(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: NewTraceID(),
		SpanID:  NewSpanID(),
	}))
}

// HostIDFromContext returns the host id stored by WithHost.
func HostIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(hostIDKey{}).(string)
	return id
}

func NewTraceID() trace.TraceID {
	var id trace.TraceID
	_, _ = rand.Read(id[:])
	return id
}

func NewSpanID() trace.SpanID {
	var id trace.SpanID
	_, _ = rand.Read(id[:])
	return id
}
