// Package observe provides application-wide observability primitives for
// agrivoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all agrivoice metrics.
const meterName = "github.com/MrWong99/agrivoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Connect until the remote session
	// acknowledged its setup. Use with attribute:
	//   attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts network session open attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// FramesSent counts microphone frames forwarded to the remote model.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames discarded because the capture
	// queue was full or the session was not yet connected. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks placed on the playback
	// timeline.
	ChunksScheduled metric.Int64Counter

	// ChunksDropped counts inbound audio chunks that could not be decoded or
	// scheduled.
	ChunksDropped metric.Int64Counter

	// PlaybackDrained counts the times the playback queue ran empty after the
	// last scheduled chunk finished playing.
	PlaybackDrained metric.Int64Counter

	// Interruptions counts barge-in events reported by the remote model.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts session failures. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for network handshake latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("agrivoice.session.connect.duration",
		metric.WithDescription("Latency of opening a live voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("agrivoice.provider.requests",
		metric.WithDescription("Total network session open attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("agrivoice.capture.frames_sent",
		metric.WithDescription("Microphone frames forwarded to the remote model."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("agrivoice.capture.frames_dropped",
		metric.WithDescription("Microphone frames discarded before transmission by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("agrivoice.playout.chunks_scheduled",
		metric.WithDescription("Inbound audio chunks placed on the playback timeline."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("agrivoice.playout.chunks_dropped",
		metric.WithDescription("Inbound audio chunks that could not be played."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDrained, err = m.Int64Counter("agrivoice.playout.drained",
		metric.WithDescription("Times the playback queue finished all scheduled speech."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("agrivoice.session.interruptions",
		metric.WithDescription("Barge-in events reported by the remote model."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("agrivoice.session.errors",
		metric.WithDescription("Total session failures by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("agrivoice.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("agrivoice.http.request.duration",
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

// RecordProviderRequest records a session open attempt with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordConnect records how long a session open took.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordFramesDropped adds n dropped capture frames under reason.
func (m *Metrics) RecordFramesDropped(ctx context.Context, reason string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSessionError records a session failure of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
