package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics builds an instrument set against a private manual reader so
// tests can collect and inspect recorded data.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect drains the reader into a ResourceMetrics snapshot.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric returns the named metric from the snapshot, or nil.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i, met := range scope.Metrics {
			if met.Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue returns the int64 sum data point carrying key=value on the
// named metric; missing points count as zero.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		return 0
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

// histSampleCount returns the total sample count across the named
// histogram's data points.
func histSampleCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		return 0
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q: not a float64 histogram", name)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	return total
}

func TestRecordTelephonyFrames(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTelephonyFrame(ctx, "media")
	m.RecordTelephonyFrame(ctx, "media")
	m.RecordTelephonyFrame(ctx, "start")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "relay.telephony.frames", "event", "media"); got != 2 {
		t.Errorf("media frames = %d, want 2", got)
	}
	if got := counterValue(t, rm, "relay.telephony.frames", "event", "start"); got != 1 {
		t.Errorf("start frames = %d, want 1", got)
	}
}

func TestRecordModelEvents(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordModelEvent(ctx, "response.output_audio.delta")
	m.RecordModelEvent(ctx, "response.output_audio.delta")
	m.RecordModelEvent(ctx, "response.done")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "relay.model.events", "type", "response.output_audio.delta"); got != 2 {
		t.Errorf("delta events = %d, want 2", got)
	}
}

func TestRecordAudioBytesByDirection(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioBytes(ctx, "in", 960)
	m.RecordAudioBytes(ctx, "in", 640)
	m.RecordAudioBytes(ctx, "out", 320)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "relay.audio.bytes", "direction", "in"); got != 1600 {
		t.Errorf("inbound bytes = %d, want 1600", got)
	}
	if got := counterValue(t, rm, "relay.audio.bytes", "direction", "out"); got != 320 {
		t.Errorf("outbound bytes = %d, want 320", got)
	}
}

func TestRecordCommitOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCommit(ctx, "committed", 0.24)
	m.RecordCommit(ctx, "rearmed", 0)
	m.RecordCommit(ctx, "discarded", 0)

	rm := collect(t, reader)
	for _, outcome := range []string{"committed", "rearmed", "discarded"} {
		if got := counterValue(t, rm, "relay.audio.commits", "outcome", outcome); got != 1 {
			t.Errorf("%s count = %d, want 1", outcome, got)
		}
	}
	// Only the committed outcome feeds the duration histogram.
	if got := histSampleCount(t, rm, "relay.audio.commit.duration"); got != 1 {
		t.Errorf("commit duration samples = %d, want 1", got)
	}
}

func TestRecordFunctionCalls(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFunctionCall(ctx, "get_weather_from_coords", "ok", 0.31)
	m.RecordFunctionCall(ctx, "get_weather_from_coords", "error", 1.02)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "relay.function.calls", "status", "ok"); got != 1 {
		t.Errorf("ok calls = %d, want 1", got)
	}
	if got := counterValue(t, rm, "relay.function.calls", "status", "error"); got != 1 {
		t.Errorf("error calls = %d, want 1", got)
	}
	if got := histSampleCount(t, rm, "relay.function.duration"); got != 2 {
		t.Errorf("function duration samples = %d, want 2", got)
	}
}

func TestSessionAndObserverGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ObserversConnected.Add(ctx, 3)
	m.ObserversConnected.Add(ctx, -1)

	rm := collect(t, reader)
	checks := map[string]int64{
		"relay.active_sessions":     1,
		"relay.observers.connected": 2,
	}
	for name, want := range checks {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("gauge %q not found", name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Fatalf("gauge %q has no data", name)
		}
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("gauge %q = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics must return one shared instance")
	}
}
