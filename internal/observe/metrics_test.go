package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
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

// sumFor returns the value of the int64 sum data point carrying attr, and
// whether one was found.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, not a sum", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v.AsString() == attr.Value.AsString() {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "committed", 1200*time.Millisecond)
	m.RecordTurn(ctx, "committed", 800*time.Millisecond)
	m.RecordTurn(ctx, "discarded", 100*time.Millisecond)
	m.RecordTurn(ctx, "failed", 0)

	rm := collect(t, reader)

	for _, tc := range []struct {
		outcome string
		want    int64
	}{
		{"committed", 2},
		{"discarded", 1},
		{"failed", 1},
	} {
		got, ok := sumFor(t, rm, "pushtalk.turns", Attr("outcome", tc.outcome))
		if !ok {
			t.Errorf("no data point for outcome=%s", tc.outcome)
			continue
		}
		if got != tc.want {
			t.Errorf("turns{outcome=%s} = %d, want %d", tc.outcome, got, tc.want)
		}
	}

	met := findMetric(rm, "pushtalk.turn.hold.duration")
	if met == nil {
		t.Fatal("hold histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("hold metric is not a histogram")
	}
	// The zero hold of the failed turn is not recorded.
	if got := hist.DataPoints[0].Count; got != 3 {
		t.Errorf("hold sample count = %d, want 3", got)
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResponseLatency(ctx, 2*time.Second)
	m.RecordBackend(ctx, "transcribe", 300*time.Millisecond, nil)
	m.RecordBackend(ctx, "transcribe", 5*time.Second, errors.New("boom"))

	rm := collect(t, reader)

	for _, tc := range []struct {
		name  string
		count uint64
	}{
		{"pushtalk.response.latency", 1},
		{"pushtalk.backend.duration", 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			var total uint64
			for _, dp := range hist.DataPoints {
				total += dp.Count
			}
			if total != tc.count {
				t.Errorf("sample count = %d, want %d", total, tc.count)
			}
		})
	}

	met := findMetric(rm, "pushtalk.backend.duration")
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 2 {
		t.Fatalf("backend data points = %d, want 2 (ok and error)", len(hist.DataPoints))
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInterruption(ctx, "barge_in")
	m.RecordInterruption(ctx, "barge_in")
	m.RecordEvent(ctx, "response.done")
	m.RecordProtocolError(ctx, "transport")
	m.RecordCapabilityCheck(ctx, "home", true)
	m.RecordCapabilityCheck(ctx, "home", false)
	m.RecordCapabilityCheck(ctx, "home", false)

	rm := collect(t, reader)

	tests := []struct {
		metric string
		attr   attribute.KeyValue
		want   int64
	}{
		{"pushtalk.playback.interruptions", Attr("reason", "barge_in"), 2},
		{"pushtalk.protocol.events", Attr("type", "response.done"), 1},
		{"pushtalk.protocol.errors", Attr("kind", "transport"), 1},
		{"pushtalk.capability.checks", Attr("status", "ok"), 1},
		{"pushtalk.capability.checks", Attr("status", "error"), 2},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.attr.Value.AsString(), func(t *testing.T) {
			got, ok := sumFor(t, rm, tc.metric, tc.attr)
			if !ok {
				t.Fatalf("no data point with %s=%s", tc.attr.Key, tc.attr.Value.AsString())
			}
			if got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRecordDropped_IgnoresZero(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDropped(ctx, 0)
	if met := findMetric(collect(t, reader), "pushtalk.capture.dropped"); met != nil {
		if sum := met.Data.(metricdata.Sum[int64]); len(sum.DataPoints) > 0 {
			t.Fatalf("zero drop produced a data point: %+v", sum.DataPoints)
		}
	}

	m.RecordDropped(ctx, 3)
	m.RecordDropped(ctx, 2)
	met := findMetric(collect(t, reader), "pushtalk.capture.dropped")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 5 {
		t.Errorf("dropped = %d, want 5", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionConnected.Add(ctx, 1)
	m.SessionConnected.Add(ctx, 1)
	m.SessionConnected.Add(ctx, -1)
	m.SetCapabilitiesAvailable(ctx, 3)
	m.SetCapabilitiesAvailable(ctx, 2)

	rm := collect(t, reader)

	met := findMetric(rm, "pushtalk.session.connected")
	if met == nil {
		t.Fatal("session metric not found")
	}
	if got := met.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 1 {
		t.Errorf("session.connected = %d, want 1", got)
	}

	met = findMetric(rm, "pushtalk.capability.available")
	if met == nil {
		t.Fatal("capability gauge not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("capability metric is %T, want gauge", met.Data)
	}
	if got := gauge.DataPoints[0].Value; got != 2 {
		t.Errorf("capability.available = %d, want 2", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
