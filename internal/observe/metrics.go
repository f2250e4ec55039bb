package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the relay's instrument set. Instruments are safe for concurrent
// use; components hold the whole set and record through the helper methods.
type Metrics struct {
	// TelephonyFrames counts inbound telephony frames by event kind.
	TelephonyFrames metric.Int64Counter

	// ModelEvents counts inbound model server events by type.
	ModelEvents metric.Int64Counter

	// AudioBytes counts decoded audio bytes by direction, "in" being
	// caller toward model.
	AudioBytes metric.Int64Counter

	// Commits counts commit-timer outcomes: committed, rearmed, discarded.
	Commits metric.Int64Counter

	// CommitAudioDuration measures the seconds of audio each commit carries.
	CommitAudioDuration metric.Float64Histogram

	// Truncations counts barge-in truncations sent to the model.
	Truncations metric.Int64Counter

	// ModelReconnects counts model-leg reconnect attempts.
	ModelReconnects metric.Int64Counter

	// FunctionCalls counts function invocations by name and status.
	FunctionCalls metric.Int64Counter

	// FunctionDuration measures function handler latency by name.
	FunctionDuration metric.Float64Histogram

	// ActiveSessions gauges live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ObserversConnected gauges connected observer sockets.
	ObserversConnected metric.Int64UpDownCounter

	// DroppedObserverFrames counts frames dropped toward slow observers.
	DroppedObserverFrames metric.Int64Counter

	// HTTPRequestDuration measures request latency by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// commitBuckets spans committed segment lengths in seconds; the debounce
// floor makes segments shorter than 120 ms rare.
var commitBuckets = []float64{0.12, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// functionBuckets spans tool-handler latencies, from local lookups to slow
// upstream HTTP APIs.
var functionBuckets = []float64{0.005, 0.02, 0.1, 0.25, 0.5, 1, 2.5, 5, 15}

// httpBuckets reaches into the minutes because the websocket endpoints hold
// their request open for the life of the call.
var httpBuckets = []float64{0.005, 0.05, 0.25, 1, 10, 60, 300, 1800}

// instrumentSet creates instruments on one meter and keeps the first error.
type instrumentSet struct {
	meter metric.Meter
	err   error
}

func (s *instrumentSet) fail(name string, err error) {
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("observe: instrument %s: %w", name, err)
	}
}

func (s *instrumentSet) counter(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := s.meter.Int64Counter(name, append([]metric.Int64CounterOption{metric.WithDescription(desc)}, opts...)...)
	s.fail(name, err)
	return c
}

func (s *instrumentSet) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := s.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	s.fail(name, err)
	return g
}

func (s *instrumentSet) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := s.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	s.fail(name, err)
	return h
}

// NewMetrics registers the relay's instruments on mp. Tests pass a private
// meter provider; production code normally goes through [DefaultMetrics].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	set := &instrumentSet{meter: mp.Meter(scopeName)}
	m := &Metrics{
		TelephonyFrames:       set.counter("relay.telephony.frames", "Inbound telephony frames by event kind."),
		ModelEvents:           set.counter("relay.model.events", "Inbound model server events by type."),
		AudioBytes:            set.counter("relay.audio.bytes", "Decoded audio bytes through the bridge by direction.", metric.WithUnit("By")),
		Commits:               set.counter("relay.audio.commits", "Commit-timer outcomes: committed, rearmed, or discarded."),
		Truncations:           set.counter("relay.truncations", "Barge-in truncations sent to the model."),
		ModelReconnects:       set.counter("relay.model.reconnects", "Model-leg reconnect attempts."),
		FunctionCalls:         set.counter("relay.function.calls", "Function invocations by name and status."),
		DroppedObserverFrames: set.counter("relay.observers.dropped_frames", "Frames dropped toward slow observers."),
		CommitAudioDuration:   set.seconds("relay.audio.commit.duration", "Seconds of audio carried by each commit.", commitBuckets),
		FunctionDuration:      set.seconds("relay.function.duration", "Function handler latency.", functionBuckets),
		HTTPRequestDuration:   set.seconds("relay.http.request.duration", "HTTP request latency by method and route.", httpBuckets),
		ActiveSessions:        set.gauge("relay.active_sessions", "Live call sessions."),
		ObserversConnected:    set.gauge("relay.observers.connected", "Connected observer sockets."),
	}
	if set.err != nil {
		return nil, set.err
	}
	return m, nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// DefaultMetrics returns the process-wide instrument set registered on the
// global meter provider, building it on first use. Registration on the
// global provider only fails on programmer error, so a failure panics.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordTelephonyFrame records one inbound telephony frame.
func (m *Metrics) RecordTelephonyFrame(ctx context.Context, event string) {
	m.TelephonyFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordModelEvent records one inbound model server event.
func (m *Metrics) RecordModelEvent(ctx context.Context, eventType string) {
	m.ModelEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordAudioBytes records decoded audio bytes moving through the bridge.
func (m *Metrics) RecordAudioBytes(ctx context.Context, direction string, n int) {
	m.AudioBytes.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordCommit records a commit-timer outcome; seconds is the audio length of
// the committed segment and is only recorded for the committed outcome.
func (m *Metrics) RecordCommit(ctx context.Context, outcome string, seconds float64) {
	m.Commits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	if outcome == "committed" {
		m.CommitAudioDuration.Record(ctx, seconds)
	}
}

// RecordFunctionCall records one function invocation with its latency.
func (m *Metrics) RecordFunctionCall(ctx context.Context, function, status string, seconds float64) {
	m.FunctionCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("function", function),
			attribute.String("status", status),
		),
	)
	m.FunctionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("function", function)),
	)
}
