// Package observe provides application-wide observability primitives for
// voicememo: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voicememo metrics.
const meterName = "github.com/MrWong99/voicememo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use because the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// SessionsStarted counts successfully started recordings. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("backend", ...)
	SessionsStarted metric.Int64Counter

	// ActiveSessions tracks the number of live recordings (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// SessionFailures counts recordings that ended in the failed state. Use
	// with attribute:
	//   attribute.String("reason", ...)
	SessionFailures metric.Int64Counter

	// RecordingDuration tracks the measured length of finalized recordings.
	RecordingDuration metric.Float64Histogram

	// --- Capture path ---

	// BackendFallbacks counts engine start failures recovered by the
	// direct-to-file backend.
	BackendFallbacks metric.Int64Counter

	// BuffersProcessed counts buffers written by the streaming backend.
	BuffersProcessed metric.Int64Counter

	// BuffersDropped counts buffers discarded on the real-time path. Use with
	// attribute:
	//   attribute.String("reason", ...)
	BuffersDropped metric.Int64Counter

	// BufferProcessingDuration tracks the time spent per buffer in the
	// signal graph and file append.
	BufferProcessingDuration metric.Float64Histogram

	// --- Interruption recovery ---

	// RecoveryAttempts counts resume attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	RecoveryAttempts metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// bufferBuckets defines histogram bucket boundaries (in seconds) sized around
// a 10 ms real-time budget.
var bufferBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

// recordingBuckets defines histogram bucket boundaries (in seconds) for
// finalized recording lengths.
var recordingBuckets = []float64{
	1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.SessionsStarted, err = m.Int64Counter("voicememo.sessions.started",
		metric.WithDescription("Total recordings started by mode and backend."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicememo.sessions.active",
		metric.WithDescription("Number of live recordings."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("voicememo.sessions.failures",
		metric.WithDescription("Total recordings that failed, by reason."),
	); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = m.Float64Histogram("voicememo.recording.duration",
		metric.WithDescription("Measured duration of finalized recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}

	// Capture path.
	if met.BackendFallbacks, err = m.Int64Counter("voicememo.capture.fallbacks",
		metric.WithDescription("Total streaming backend start failures recovered by fallback."),
	); err != nil {
		return nil, err
	}
	if met.BuffersProcessed, err = m.Int64Counter("voicememo.capture.buffers",
		metric.WithDescription("Total buffers processed and written by the streaming backend."),
	); err != nil {
		return nil, err
	}
	if met.BuffersDropped, err = m.Int64Counter("voicememo.capture.buffers_dropped",
		metric.WithDescription("Total buffers dropped on the real-time path, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BufferProcessingDuration, err = m.Float64Histogram("voicememo.capture.buffer.duration",
		metric.WithDescription("Time spent processing and writing one buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bufferBuckets...),
	); err != nil {
		return nil, err
	}

	// Recovery.
	if met.RecoveryAttempts, err = m.Int64Counter("voicememo.recovery.attempts",
		metric.WithDescription("Total interruption resume attempts by outcome."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicememo.http.request.duration",
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

// RecordSessionStarted records a started recording with its mode and the
// backend that ended up capturing it.
func (m *Metrics) RecordSessionStarted(ctx context.Context, mode, backend string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("backend", backend),
		),
	)
}

// RecordSessionFailure records a failed recording.
func (m *Metrics) RecordSessionFailure(ctx context.Context, reason string) {
	m.SessionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBufferDropped records a buffer discarded on the real-time path.
func (m *Metrics) RecordBufferDropped(ctx context.Context, reason string) {
	m.BuffersDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordRecoveryAttempt records one interruption resume attempt.
func (m *Metrics) RecordRecoveryAttempt(ctx context.Context, outcome string) {
	m.RecoveryAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
