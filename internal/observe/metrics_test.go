package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumValue returns the value of the data point of an int64 sum carrying
// key=value, or -1 when absent.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voicememo.recording.duration", m.RecordingDuration},
		{"voicememo.capture.buffer.duration", m.BufferProcessingDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.0004)
		tc.h.Record(ctx, 12)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordSessionStarted(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStarted(ctx, "balanced", "engine")
	m.RecordSessionStarted(ctx, "balanced", "engine")
	m.RecordSessionStarted(ctx, "meeting", "traditional")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicememo.sessions.started", "backend", "engine"); got != 2 {
		t.Errorf("engine sessions = %d, want 2", got)
	}
	if got := sumValue(t, rm, "voicememo.sessions.started", "mode", "meeting"); got != 1 {
		t.Errorf("meeting sessions = %d, want 1", got)
	}
}

func TestRecordSessionFailure(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordSessionFailure(context.Background(), "write_failure")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicememo.sessions.failures", "reason", "write_failure"); got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestRecordBufferDropped(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordBufferDropped(ctx, "stopped")
	m.RecordBufferDropped(ctx, "stopped")
	m.RecordBufferDropped(ctx, "paused")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicememo.capture.buffers_dropped", "reason", "stopped"); got != 2 {
		t.Errorf("stopped drops = %d, want 2", got)
	}
}

func TestRecordRecoveryAttempt(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordRecoveryAttempt(ctx, "failed")
	m.RecordRecoveryAttempt(ctx, "failed")
	m.RecordRecoveryAttempt(ctx, "resumed")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicememo.recovery.attempts", "outcome", "failed"); got != 2 {
		t.Errorf("failed attempts = %d, want 2", got)
	}
	if got := sumValue(t, rm, "voicememo.recovery.attempts", "outcome", "resumed"); got != 1 {
		t.Errorf("resumed attempts = %d, want 1", got)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.BackendFallbacks.Add(ctx, 1)
	m.BuffersProcessed.Add(ctx, 100)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"voicememo.sessions.active", 1},
		{"voicememo.capture.fallbacks", 1},
		{"voicememo.capture.buffers", 100},
	}

	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name, "", ""); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voicememo.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
