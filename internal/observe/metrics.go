// Package observe provides application-wide observability primitives for
// livecall: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the diagnostics /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livecall metrics.
const meterName = "github.com/MrWong99/livecall"

// Playback chunk outcomes recorded on [Metrics.PlaybackChunks].
const (
	ChunkScheduled  = "scheduled"
	ChunkDropped    = "dropped"
	ChunkSuperseded = "superseded"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts PCM envelopes sent to the remote session.
	CaptureFrames metric.Int64Counter

	// CaptureBytes counts PCM payload bytes sent to the remote session.
	CaptureBytes metric.Int64Counter

	// --- Playback ---

	// PlaybackChunks counts inbound audio chunks. Use with attribute:
	//   attribute.String("status", scheduled|dropped|superseded)
	PlaybackChunks metric.Int64Counter

	// PlaybackInterruptions counts barge-in interruptions.
	PlaybackInterruptions metric.Int64Counter

	// PlaybackLead tracks how far the playback cursor is ahead of the output
	// clock right after a chunk was scheduled.
	PlaybackLead metric.Float64Histogram

	// --- Session ---

	// ConnectDuration tracks how long opening the remote session took.
	ConnectDuration metric.Float64Histogram

	// SessionErrors counts fatal session errors. Use with attribute:
	//   attribute.String("kind", media|transport)
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of connected calls.
	ActiveSessions metric.Int64UpDownCounter

	// TranscriptEntries counts finished transcript entries. Use with attribute:
	//   attribute.String("speaker", user|model)
	TranscriptEntries metric.Int64Counter

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// leadBuckets covers playback lead from "starving" to several seconds of
// queued model speech.
var leadBuckets = []float64{
	0, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("livecall.capture.frames",
		metric.WithDescription("Total PCM frames sent to the remote session."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBytes, err = m.Int64Counter("livecall.capture.bytes",
		metric.WithDescription("Total PCM bytes sent to the remote session."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackChunks, err = m.Int64Counter("livecall.playback.chunks",
		metric.WithDescription("Inbound audio chunks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("livecall.playback.interruptions",
		metric.WithDescription("Total playback interruptions (barge-in)."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("livecall.playback.lead",
		metric.WithDescription("Seconds of audio queued ahead of the output clock after scheduling."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.ConnectDuration, err = m.Float64Histogram("livecall.session.connect.duration",
		metric.WithDescription("Latency of opening the remote session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("livecall.session.errors",
		metric.WithDescription("Fatal session errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livecall.active_sessions",
		metric.WithDescription("Number of connected calls."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("livecall.transcript.entries",
		metric.WithDescription("Finished transcript entries by speaker."),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("livecall.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livecall.http.request.duration",
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

// RecordFrame records one captured envelope of n bytes.
func (m *Metrics) RecordFrame(ctx context.Context, n int) {
	m.CaptureFrames.Add(ctx, 1)
	m.CaptureBytes.Add(ctx, int64(n))
}

// RecordChunk records the outcome of one inbound audio chunk. lead is only
// recorded for scheduled chunks.
func (m *Metrics) RecordChunk(ctx context.Context, status string, lead time.Duration) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == ChunkScheduled {
		m.PlaybackLead.Record(ctx, lead.Seconds())
	}
}

// RecordInterruption records one barge-in that stopped stopped units.
func (m *Metrics) RecordInterruption(ctx context.Context, stopped int) {
	m.PlaybackInterruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("had_pending", stopped > 0)),
	)
}

// RecordSessionError records a fatal session error of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTranscriptEntry records one finished transcript entry.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, speaker string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}
