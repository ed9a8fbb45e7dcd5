package observe

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for the skald tracer.
const tracerName = "github.com/nordlys-ai/skald"

// CorrelationHeader carries the request correlation ID over HTTP.
const CorrelationHeader = "X-Correlation-ID"

type correlationKey struct{}

// Tracer returns the skald tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithCorrelationID attaches a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID returns the context's correlation ID, minting a
// fresh UUID when none is present.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// CorrelationID returns the context's correlation ID. When none was
// set explicitly, the active trace ID serves as the identifier; the
// empty string means neither exists.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with the correlation ID and
// span ID from ctx, or the default logger when neither is present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if cid := CorrelationID(ctx); cid != "" {
		l = l.With(slog.String("correlation_id", cid))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasSpanID() {
		l = l.With(slog.String("span_id", sc.SpanID().String()))
	}
	return l
}
