// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, tracing, trace-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Reasons a capture window is not sent, used with [Metrics.RecordFrameDropped].
const (
	DropNotOpen   = "not_open"
	DropSendError = "send_error"
	DropStale     = "stale"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionStartDuration tracks the time from Start to the endpoint's
	// setup acknowledgement.
	SessionStartDuration metric.Float64Histogram

	// ScheduleLead tracks how far ahead of the output clock each playback
	// chunk was scheduled.
	ScheduleLead metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture windows delivered to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture windows that were not sent. Use with
	// attribute: attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// FragmentsScheduled counts model audio fragments scheduled for playback.
	FragmentsScheduled metric.Int64Counter

	// DecodeErrors counts malformed model audio fragments.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in interruptions.
	Interruptions metric.Int64Counter

	// TurnsCompleted counts completed model turns.
	TurnsCompleted metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts sessions that ended in error. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connecting or open sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Admin HTTP ---

	// HTTPRequestDuration tracks admin request latency, labelled with the
	// matched route pattern and the response status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// leadBuckets covers playback lead times from "plays immediately" up to a
// long queued response.
var leadBuckets = []float64{
	0, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionStartDuration, err = m.Float64Histogram("livevoice.session.start.duration",
		metric.WithDescription("Time from session start to setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScheduleLead, err = m.Float64Histogram("livevoice.playback.schedule_lead",
		metric.WithDescription("Scheduled playback start minus output clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("livevoice.capture.frames_sent",
		metric.WithDescription("Capture windows sent to the endpoint."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livevoice.capture.frames_dropped",
		metric.WithDescription("Capture windows dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsScheduled, err = m.Int64Counter("livevoice.playback.fragments_scheduled",
		metric.WithDescription("Model audio fragments scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("livevoice.playback.decode_errors",
		metric.WithDescription("Model audio fragments dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livevoice.playback.interruptions",
		metric.WithDescription("Barge-in interruptions signalled by the endpoint."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("livevoice.turns_completed",
		metric.WithDescription("Completed model turns."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("livevoice.session.errors",
		metric.WithDescription("Sessions ended in error by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of connecting or open sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by route and status."),
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

// RecordFrameDropped records one dropped capture window.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionError records one session ending in error.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
