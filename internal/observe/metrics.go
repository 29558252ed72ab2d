// Package observe provides application-wide observability primitives for
// dolmetra: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dolmetra metrics.
const meterName = "github.com/MrWong99/dolmetra"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks live-channel establishment latency, from dial to
	// the opened event. Use with attribute:
	//   attribute.String("provider", ...)
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts outbound microphone frames. Use with attribute:
	//   attribute.String("result", ...), one of "sent", "dropped"
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts inbound audio chunks. Use with attribute:
	//   attribute.String("result", ...), one of "scheduled", "dropped", "discarded"
	PlaybackChunks metric.Int64Counter

	// Interrupts counts barge-in interruptions signalled by the remote side.
	Interrupts metric.Int64Counter

	// Turns counts completed translation turns.
	Turns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts live-channel faults. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live translation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection-establishment latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("dolmetra.connect.duration",
		metric.WithDescription("Latency of establishing the live translation channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("dolmetra.capture.frames",
		metric.WithDescription("Total capture frames by result."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("dolmetra.playback.chunks",
		metric.WithDescription("Total inbound audio chunks by result."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("dolmetra.session.interrupts",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("dolmetra.session.turns",
		metric.WithDescription("Total completed translation turns."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("dolmetra.provider.errors",
		metric.WithDescription("Total live-channel faults by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("dolmetra.active_sessions",
		metric.WithDescription("Number of live translation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dolmetra.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect is a convenience method that records one channel-establishment
// duration for a provider.
func (m *Metrics) RecordConnect(ctx context.Context, provider string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordCaptureFrame is a convenience method that records one capture frame
// outcome.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, result string) {
	m.CaptureFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordPlaybackChunk is a convenience method that records one inbound chunk
// outcome.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, result string) {
	m.PlaybackChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordProviderError is a convenience method that records a live-channel
// fault counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
