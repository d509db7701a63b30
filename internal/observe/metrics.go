// Package observe provides application-wide observability primitives for
// vistalk: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all vistalk metrics.
const meterName = "github.com/MrWong99/vistalk"

// Exchange outcomes recorded by [Metrics.RecordExchange].
const (
	OutcomeOK        = "ok"
	OutcomeHTTPError = "http_error"
	OutcomeTransport = "transport_error"
	OutcomeMalformed = "malformed"
	OutcomeTimeout   = "timeout"
	OutcomeLate      = "late"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CaptureDuration tracks how long each recorded utterance lasted.
	CaptureDuration metric.Float64Histogram

	// ExchangeDuration tracks the round trip of an upload to the inference
	// endpoint. Use with attribute.String("outcome", ...).
	ExchangeDuration metric.Float64Histogram

	// PlaybackDuration tracks synthesis plus playout of a reply.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// Captures counts finished recordings. Use with attribute:
	//   attribute.String("outcome", "sent" | "empty" | "error")
	Captures metric.Int64Counter

	// Exchanges counts exchange results, including late and timed-out ones.
	// Use with attribute.String("outcome", ...).
	Exchanges metric.Int64Counter

	// SpeechEdges counts detector transitions. Use with attribute:
	//   attribute.String("edge", "start" | "end")
	SpeechEdges metric.Int64Counter

	// Playbacks counts spoken replies. Use with attribute:
	//   attribute.String("status", ...)
	Playbacks metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of acquired media streams (0 or 1).
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// short utterances up to the response timeout.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("vistalk.capture.duration",
		metric.WithDescription("Length of recorded utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExchangeDuration, err = m.Float64Histogram("vistalk.exchange.duration",
		metric.WithDescription("Round-trip latency of capture uploads by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("vistalk.playback.duration",
		metric.WithDescription("Latency of reply synthesis and playout."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Captures, err = m.Int64Counter("vistalk.captures",
		metric.WithDescription("Total finished recordings by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Exchanges, err = m.Int64Counter("vistalk.exchanges",
		metric.WithDescription("Total capture exchanges by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SpeechEdges, err = m.Int64Counter("vistalk.speech.edges",
		metric.WithDescription("Total speech start and end transitions."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("vistalk.playbacks",
		metric.WithDescription("Total spoken replies by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("vistalk.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("vistalk.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("vistalk.active_streams",
		metric.WithDescription("Number of currently acquired media streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vistalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route. Status feed sockets are excluded."),
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

// RecordCapture records a finished recording and, for sent captures, its
// length.
func (m *Metrics) RecordCapture(ctx context.Context, outcome string, d time.Duration) {
	m.Captures.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if d > 0 {
		m.CaptureDuration.Record(ctx, d.Seconds())
	}
}

// RecordExchange records an exchange outcome. A zero duration skips the
// latency histogram (used for timeouts, which have no response).
func (m *Metrics) RecordExchange(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Exchanges.Add(ctx, 1, attrs)
	if d > 0 {
		m.ExchangeDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordSpeechEdge records a detector transition.
func (m *Metrics) RecordSpeechEdge(ctx context.Context, speaking bool) {
	edge := "end"
	if speaking {
		edge = "start"
	}
	m.SpeechEdges.Add(ctx, 1, metric.WithAttributes(attribute.String("edge", edge)))
}

// RecordPlayback records a reply playback attempt.
func (m *Metrics) RecordPlayback(ctx context.Context, status string, d time.Duration) {
	m.Playbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if d > 0 {
		m.PlaybackDuration.Record(ctx, d.Seconds())
	}
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
