// Package observe carries the voice coach's telemetry: OpenTelemetry
// instruments for sessions, capture and playback, session-scoped spans and
// loggers, and the middleware for the local HTTP surface.
//
// [InitProvider] installs the SDK and exposes a Prometheus registry for
// /metrics. Code that runs without it records into [DefaultMetrics], which
// is bound to whatever global meter provider is set. Tests build their own
// with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/greensteps/voicecoach"

// Metrics holds the instruments recorded by the session, the capture and
// playback paths, the token issuer and the local HTTP surface.
type Metrics struct {
	// Session lifecycle.
	ActiveSessions     metric.Int64UpDownCounter
	SessionTransitions metric.Int64Counter // attrs: from, to
	ConnectDuration    metric.Float64Histogram

	// Token endpoint.
	TokenRequests metric.Int64Counter // attrs: status
	TokenDuration metric.Float64Histogram

	// Microphone path. Every block counted in CaptureBlocks ends up sent,
	// suppressed by the turn gate, or dropped at the full queue.
	CaptureBlocks     metric.Int64Counter
	CaptureSuppressed metric.Int64Counter
	CaptureDropped    metric.Int64Counter

	// Speaker path.
	PlaybackFrames       metric.Int64Counter
	PlaybackDecodeErrors metric.Int64Counter
	// PlaybackLead is how far ahead of the device clock a chunk was
	// scheduled, in seconds.
	PlaybackLead metric.Float64Histogram

	HTTPRequestDuration metric.Float64Histogram // attrs: method, path
}

var (
	// roundTripBuckets cover token and connect latency.
	roundTripBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	leadBuckets      = []float64{0, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
)

// instruments creates instruments on one meter and keeps the first error of
// each.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) count(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ActiveSessions:     b.gauge("voicecoach.active_sessions", "Number of live voice sessions."),
		SessionTransitions: b.count("voicecoach.session.transitions", "Session state transitions by source and target state."),
		ConnectDuration:    b.seconds("voicecoach.connect.duration", "Time until the realtime channel is ready.", roundTripBuckets...),

		TokenRequests: b.count("voicecoach.token.requests", "Capability-token requests by outcome."),
		TokenDuration: b.seconds("voicecoach.token.duration", "Latency of capability-token issuance.", roundTripBuckets...),

		CaptureBlocks:     b.count("voicecoach.capture.blocks", "Microphone blocks received from the capture device."),
		CaptureSuppressed: b.count("voicecoach.capture.suppressed", "Microphone blocks held back while the coach holds the turn."),
		CaptureDropped:    b.count("voicecoach.capture.dropped", "Microphone blocks dropped because the send queue was full."),

		PlaybackFrames:       b.count("voicecoach.playback.frames", "Inbound audio chunks scheduled for playback."),
		PlaybackDecodeErrors: b.count("voicecoach.playback.decode_errors", "Inbound audio chunks dropped because they could not be decoded."),
		PlaybackLead:         b.seconds("voicecoach.playback.lead", "Distance between the playback cursor and the device clock.", leadBuckets...),

		HTTPRequestDuration: b.seconds("voicecoach.http.request.duration", "Local HTTP request latency by method and route."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: metrics: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] bound to the global meter
// provider at the time of the first call.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// OrDefault returns m, or [DefaultMetrics] when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return DefaultMetrics()
}

// RecordTokenRequest counts one token request with its outcome label.
func (m *Metrics) RecordTokenRequest(ctx context.Context, status string) {
	m.TokenRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTransition counts one session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
