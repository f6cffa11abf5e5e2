// Package observe provides application-wide observability primitives for
// Auralis: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Auralis metrics.
const meterName = "github.com/auralis-ai/auralis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ConnectDuration tracks live session connect latency, admission
	// included.
	ConnectDuration metric.Float64Histogram

	// TurnDuration tracks the time from a user turn to the model's
	// turn-complete signal.
	TurnDuration metric.Float64Histogram

	// ChunksSent counts media chunks transmitted. Use with attribute:
	//   attribute.String("kind", ...)
	ChunksSent metric.Int64Counter

	// ChunksDropped counts media chunks discarded before transmission.
	// Use with attributes:
	//   attribute.String("kind", ...), attribute.String("reason", ...)
	ChunksDropped metric.Int64Counter

	// AdmissionDenials counts denied session admissions by reason.
	AdmissionDenials metric.Int64Counter

	// FallbackRequests counts non-streaming fallback completions. Use with
	// attribute: attribute.String("status", ...)
	FallbackRequests metric.Int64Counter

	// UsageTokens counts tokens committed to the quota ledger. Use with
	// attribute: attribute.String("feature", ...)
	UsageTokens metric.Int64Counter

	// SessionFailures counts sessions that ended in the error state.
	SessionFailures metric.Int64Counter

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCaptures tracks the number of running capture pipelines.
	ActiveCaptures metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive streaming latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("auralis.session.connect.duration",
		metric.WithDescription("Latency of live session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("auralis.session.turn.duration",
		metric.WithDescription("Time from user turn to model turn-complete."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ChunksSent, err = m.Int64Counter("auralis.media.chunks.sent",
		metric.WithDescription("Total media chunks transmitted by capture kind."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("auralis.media.chunks.dropped",
		metric.WithDescription("Total media chunks discarded by kind and reason."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionDenials, err = m.Int64Counter("auralis.admission.denials",
		metric.WithDescription("Total denied session admissions by reason."),
	); err != nil {
		return nil, err
	}
	if met.FallbackRequests, err = m.Int64Counter("auralis.fallback.requests",
		metric.WithDescription("Total non-streaming fallback completions by status."),
	); err != nil {
		return nil, err
	}
	if met.UsageTokens, err = m.Int64Counter("auralis.usage.tokens",
		metric.WithDescription("Total tokens committed to the quota ledger by feature."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("auralis.session.failures",
		metric.WithDescription("Total sessions that ended in the error state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("auralis.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("auralis.active_captures",
		metric.WithDescription("Number of running capture pipelines."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("auralis.http.request.duration",
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

// RecordChunkSent increments the sent-chunk counter for one capture kind.
func (m *Metrics) RecordChunkSent(ctx context.Context, kind string) {
	m.ChunksSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordChunkDropped increments the dropped-chunk counter.
func (m *Metrics) RecordChunkDropped(ctx context.Context, kind, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
}

// RecordAdmissionDenial increments the admission-denial counter.
func (m *Metrics) RecordAdmissionDenial(ctx context.Context, reason string) {
	m.AdmissionDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFallback increments the fallback completion counter.
func (m *Metrics) RecordFallback(ctx context.Context, status string) {
	m.FallbackRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordUsageTokens adds committed tokens for one feature.
func (m *Metrics) RecordUsageTokens(ctx context.Context, feature string, tokens int64) {
	m.UsageTokens.Add(ctx, tokens, metric.WithAttributes(attribute.String("feature", feature)))
}
