package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func middlewareSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader, useTracer(t)
}

// localMux mirrors the routes the app serves.
func localMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}

func serve(h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	m, _, exp := middlewareSetup(t)
	h := Middleware(m)(localMux())

	rec := serve(h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("status attribute = %d, want 503", status)
	}
}

func TestMiddleware_CorrelationIDFollowsIncomingTrace(t *testing.T) {
	m, _, _ := middlewareSetup(t)

	var seen string
	h := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	rec := serve(h, http.MethodGet, "/healthz", map[string]string{
		"traceparent": "00-" + traceID + "-b7ad6b7169203331-01",
	})

	if seen != traceID {
		t.Errorf("handler trace id = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_SessionSource(t *testing.T) {
	m, _, exp := middlewareSetup(t)

	var seen string
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = SessionID(r.Context())
	})

	live := Middleware(m, WithSessionSource(func() (string, string) { return "sess-4", "step-2" }))(inner)
	rec := serve(live, http.MethodGet, "/healthz", nil)
	if got := rec.Header().Get(HeaderSessionID); got != "sess-4" {
		t.Errorf("%s = %q, want sess-4", HeaderSessionID, got)
	}
	if seen != "sess-4" {
		t.Errorf("handler session id = %q, want sess-4", seen)
	}
	attrs := map[string]string{}
	for _, kv := range exp.GetSpans()[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs[AttrSessionID] != "sess-4" || attrs[AttrStepID] != "step-2" {
		t.Errorf("span attributes = %v", attrs)
	}

	idle := Middleware(m, WithSessionSource(func() (string, string) { return "", "" }))(inner)
	rec = serve(idle, http.MethodGet, "/healthz", nil)
	if got := rec.Header().Get(HeaderSessionID); got != "" {
		t.Errorf("%s = %q without a session", HeaderSessionID, got)
	}
	if seen != "" {
		t.Errorf("handler session id = %q without a session", seen)
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	m, reader, _ := middlewareSetup(t)
	h := Middleware(m)(localMux())

	for range 3 {
		serve(h, http.MethodGet, "/healthz", nil)
	}
	serve(h, http.MethodGet, "/readyz", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicecoach.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		counts[path.AsString()] = dp.Count
	}
	if counts["GET /healthz"] != 3 || counts["GET /readyz"] != 1 {
		t.Errorf("counts by route = %v", counts)
	}
}
