package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// HeaderSessionID carries the live session's id on local HTTP responses.
const HeaderSessionID = "X-Session-ID"

// probePaths are polled by scrapers and supervisors. Successful requests to
// them log at debug.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	metrics *Metrics
	session func() (sessionID, stepID string)
}

// WithSessionSource labels every request with the session reported by fn.
// An empty session id leaves the request unlabelled.
func WithSessionSource(fn func() (sessionID, stepID string)) MiddlewareOption {
	return func(m *middleware) { m.session = fn }
}

// Middleware instruments the local HTTP surface. Each request joins an
// incoming W3C trace or starts one, runs inside a server span named after
// the matched route, and is recorded in [Metrics.HTTPRequestDuration]. The
// trace id is echoed in X-Correlation-ID and, with [WithSessionSource], the
// live session id in [HeaderSessionID].
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: OrDefault(m)}
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if mw.session != nil {
			if id, step := mw.session(); id != "" {
				ctx = WithSession(ctx, id, step)
				w.Header().Set(HeaderSessionID, id)
			}
		}
		ctx, span := StartSpan(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		if cid := CorrelationID(ctx); cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		r = r.WithContext(ctx)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		// The mux sets Pattern on the request it receives, which is r.
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		span.SetName("HTTP " + route)
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))

		elapsed := time.Since(start)
		mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
			),
		)

		level := slog.LevelInfo
		if probePaths[r.URL.Path] && sw.status < http.StatusBadRequest {
			level = slog.LevelDebug
		}
		Logger(ctx).Log(ctx, level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", elapsed,
		)
	})
}
