// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
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

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/sonatara/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the proxy.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveClients tracks connected client sockets. Use with attribute:
	//   attribute.String("endpoint", ...)
	ActiveClients metric.Int64UpDownCounter

	// BackendConnected tracks registered backend sockets (0 or 1 per
	// endpoint). Use with attribute: attribute.String("endpoint", ...)
	BackendConnected metric.Int64UpDownCounter

	// --- Histograms ---

	// UpstreamChunkBytes tracks the payload size of chunks emitted to the
	// backend. Use with attribute: attribute.String("endpoint", ...)
	UpstreamChunkBytes metric.Int64Histogram

	// --- Counters ---

	// DownstreamFrames counts frames routed from the backend to clients.
	// Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("kind", "text"|"binary"|"envelope")
	DownstreamFrames metric.Int64Counter

	// RoutingMisses counts downstream frames dropped because no client was
	// registered for the addressed session.
	RoutingMisses metric.Int64Counter

	// HandshakeRejects counts rejected handshakes. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("reason", ...)
	HandshakeRejects metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin-surface request processing time.
	// Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// chunkBuckets defines histogram bucket boundaries (in bytes) around the
// configured upstream chunk thresholds.
var chunkBuckets = []float64{
	512, 1024, 4096, 8192, 16384, 32768, 65536, 131072,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveClients, err = m.Int64UpDownCounter("voicebridge.active_clients",
		metric.WithDescription("Number of connected client sockets by endpoint."),
	); err != nil {
		return nil, err
	}
	if met.BackendConnected, err = m.Int64UpDownCounter("voicebridge.backend_connected",
		metric.WithDescription("Registered backend sockets by endpoint (0 or 1)."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamChunkBytes, err = m.Int64Histogram("voicebridge.upstream.chunk_bytes",
		metric.WithDescription("Payload size of audio chunks emitted to the backend."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DownstreamFrames, err = m.Int64Counter("voicebridge.downstream.frames",
		metric.WithDescription("Frames routed from the backend to clients by endpoint and kind."),
	); err != nil {
		return nil, err
	}
	if met.RoutingMisses, err = m.Int64Counter("voicebridge.downstream.routing_misses",
		metric.WithDescription("Downstream frames dropped because no client matched the addressed session."),
	); err != nil {
		return nil, err
	}
	if met.HandshakeRejects, err = m.Int64Counter("voicebridge.handshake.rejects",
		metric.WithDescription("Rejected handshakes by endpoint and reason."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordUpstreamChunk records one chunk emission with the standard
// attribute set.
func (m *Metrics) RecordUpstreamChunk(ctx context.Context, endpoint string, payloadBytes int) {
	m.UpstreamChunkBytes.Record(ctx, int64(payloadBytes),
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)
}

// RecordDownstreamFrame records one routed downstream frame with the
// standard attribute set.
func (m *Metrics) RecordDownstreamFrame(ctx context.Context, endpoint, kind string) {
	m.DownstreamFrames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("kind", kind),
		),
	)
}

// RecordRoutingMiss records one dropped downstream frame.
func (m *Metrics) RecordRoutingMiss(ctx context.Context, endpoint string) {
	m.RoutingMisses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)
}

// RecordHandshakeReject records one rejected handshake with the standard
// attribute set.
func (m *Metrics) RecordHandshakeReject(ctx context.Context, endpoint, reason string) {
	m.HandshakeRejects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("reason", reason),
		),
	)
}
