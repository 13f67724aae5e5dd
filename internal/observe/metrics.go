// Package observe provides the observability primitives of pushtalk:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus scraping by [InitProvider]. [DefaultMetrics] returns a
// package-level instance bound to the global provider; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every pushtalk metric.
const meterName = "github.com/MrWong99/pushtalk"

// Metrics holds the metric instruments of the application. All fields are
// safe for concurrent use.
type Metrics struct {
	// TurnsTotal counts finished push-to-talk turns. Attribute: outcome.
	TurnsTotal metric.Int64Counter

	// HoldDuration tracks how long the talk button was held per turn.
	HoldDuration metric.Float64Histogram

	// ResponseLatency tracks the time from commit to the finished response.
	ResponseLatency metric.Float64Histogram

	// PlaybackInterruptions counts clips cut short. Attribute: reason.
	PlaybackInterruptions metric.Int64Counter

	// ProtocolEvents counts received server events. Attribute: type.
	ProtocolEvents metric.Int64Counter

	// ProtocolErrors counts error events and transport failures.
	// Attribute: kind.
	ProtocolErrors metric.Int64Counter

	// CaptureDropped counts microphone frames lost to a slow consumer.
	CaptureDropped metric.Int64Counter

	// BackendDuration tracks classic backend request latency.
	// Attributes: stage, status.
	BackendDuration metric.Float64Histogram

	// CapabilityChecks counts tool server probes. Attributes: server, status.
	CapabilityChecks metric.Int64Counter

	// CapabilitiesAvailable is the number of tool servers currently offered.
	CapabilitiesAvailable metric.Int64Gauge

	// SessionConnected is 1 while a conversation session is live.
	SessionConnected metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for network round
// trips of a voice assistant.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// holdBuckets are histogram boundaries in seconds for button hold times.
var holdBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnsTotal, err = m.Int64Counter("pushtalk.turns",
		metric.WithDescription("Finished push-to-talk turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.HoldDuration, err = m.Float64Histogram("pushtalk.turn.hold.duration",
		metric.WithDescription("How long the talk button was held."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(holdBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("pushtalk.response.latency",
		metric.WithDescription("Time from commit until the response finished."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("pushtalk.playback.interruptions",
		metric.WithDescription("Playback clips cut short by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolEvents, err = m.Int64Counter("pushtalk.protocol.events",
		metric.WithDescription("Received server events by type."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("pushtalk.protocol.errors",
		metric.WithDescription("Protocol errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("pushtalk.capture.dropped",
		metric.WithDescription("Microphone frames dropped because the consumer fell behind."),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("pushtalk.backend.duration",
		metric.WithDescription("Latency of backend requests by stage and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CapabilityChecks, err = m.Int64Counter("pushtalk.capability.checks",
		metric.WithDescription("Tool server health probes by server and status."),
	); err != nil {
		return nil, err
	}
	if met.CapabilitiesAvailable, err = m.Int64Gauge("pushtalk.capability.available",
		metric.WithDescription("Tool servers currently offered to the assistant."),
	); err != nil {
		return nil, err
	}
	if met.SessionConnected, err = m.Int64UpDownCounter("pushtalk.session.connected",
		metric.WithDescription("Live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pushtalk.http.request.duration",
		metric.WithDescription("Observability server latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. It panics if instrument creation
// fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// statusOf maps an error to the status attribute value.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordTurn records a finished turn and, for turns that were held, the hold
// duration.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, held time.Duration) {
	m.TurnsTotal.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
	if held > 0 {
		m.HoldDuration.Record(ctx, held.Seconds())
	}
}

// RecordResponseLatency records the time a committed turn waited for its
// response.
func (m *Metrics) RecordResponseLatency(ctx context.Context, d time.Duration) {
	m.ResponseLatency.Record(ctx, d.Seconds())
}

// RecordInterruption records a playback clip cut short.
func (m *Metrics) RecordInterruption(ctx context.Context, reason string) {
	m.PlaybackInterruptions.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordEvent records a received server event.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.ProtocolEvents.Add(ctx, 1, metric.WithAttributes(Attr("type", eventType)))
}

// RecordProtocolError records a protocol error of the given kind, such as a
// remote error code or "transport".
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordDropped adds n dropped capture frames.
func (m *Metrics) RecordDropped(ctx context.Context, n uint64) {
	if n == 0 {
		return
	}
	m.CaptureDropped.Add(ctx, int64(n))
}

// RecordBackend records the latency of one backend request.
func (m *Metrics) RecordBackend(ctx context.Context, stage string, d time.Duration, err error) {
	m.BackendDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			Attr("stage", stage),
			Attr("status", statusOf(err)),
		),
	)
}

// RecordCapabilityCheck records one tool server probe.
func (m *Metrics) RecordCapabilityCheck(ctx context.Context, server string, healthy bool) {
	status := "ok"
	if !healthy {
		status = "error"
	}
	m.CapabilityChecks.Add(ctx, 1,
		metric.WithAttributes(
			Attr("server", server),
			Attr("status", status),
		),
	)
}

// SetCapabilitiesAvailable records how many tool servers are offered.
func (m *Metrics) SetCapabilitiesAvailable(ctx context.Context, n int) {
	m.CapabilitiesAvailable.Record(ctx, int64(n))
}
