package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/greensteps/voicecoach"

// Span attribute keys for session identity.
const (
	AttrSessionID = "session.id"
	AttrStepID    = "step.id"
)

type sessionKey struct{}

type sessionIdentity struct {
	id, step string
}

// Tracer returns the voice coach tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// WithSession returns a context carrying the session and step ids. Spans
// started from it through [StartSpan] and loggers from [Logger] are labelled
// with both.
func WithSession(ctx context.Context, sessionID, stepID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionIdentity{id: sessionID, step: stepID})
}

// SessionID returns the session id stored by [WithSession], or "".
func SessionID(ctx context.Context) string {
	si, _ := ctx.Value(sessionKey{}).(sessionIdentity)
	return si.id
}

// StartSpan starts a span. When ctx carries a session identity the span gets
// [AttrSessionID] and [AttrStepID]. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if si, ok := ctx.Value(sessionKey{}).(sessionIdentity); ok {
		opts = append(opts, trace.WithAttributes(
			attribute.String(AttrSessionID, si.id),
			attribute.String(AttrStepID, si.step),
		))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with session_id and step_id from
// [WithSession] and trace_id from the active span, each only when present.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if si, ok := ctx.Value(sessionKey{}).(sessionIdentity); ok {
		attrs = append(attrs, slog.String("session_id", si.id), slog.String("step_id", si.step))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}

// SpanError marks span failed with err. Nil is a no-op, as is
// [context.Canceled] because a cancelled start is not a fault.
func SpanError(span trace.Span, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
