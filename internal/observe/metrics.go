// Package observe provides application-wide observability primitives for the
// voice relay: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/voicerelay"

// Turn outcomes recorded by [Metrics.RecordTurn].
const (
	TurnOK          = "ok"
	TurnFiltered    = "filtered"
	TurnRateLimited = "rate_limited"
	TurnError       = "error"
	TurnCancelled   = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// GatewayDuration tracks the time from chat.send to the final reply.
	GatewayDuration metric.Float64Histogram

	// TTSDuration tracks the time to synthesize and stream a full reply.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks a whole audio turn, from receipt to audio_end.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts audio turns. Use with attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// FilteredTranscripts counts transcripts dropped by the noise filter.
	// Use with attribute: attribute.String("reason", ...)
	FilteredTranscripts metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// AuthFailures counts rejected or timed-out client authentications.
	AuthFailures metric.Int64Counter

	// GatewayReconnects counts upstream connection attempts after a drop.
	GatewayReconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of open client WebSockets.
	ActiveConnections metric.Int64UpDownCounter

	// PendingTurns tracks chat turns awaiting a gateway reply.
	PendingTurns metric.Int64UpDownCounter

	// GatewayConnected is 1 while the upstream handshake is complete, else 0.
	GatewayConnected metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider calls and whole turns, which can take minutes on the gateway.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.STTDuration, err = histogram("voicerelay.stt.duration",
		"Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.GatewayDuration, err = histogram("voicerelay.gateway.duration",
		"Latency from chat.send to the final gateway reply."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("voicerelay.tts.duration",
		"Latency of synthesizing and streaming a reply."); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = histogram("voicerelay.turn.duration",
		"Latency of a full audio turn."); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voicerelay.turns",
		metric.WithDescription("Total audio turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FilteredTranscripts, err = m.Int64Counter("voicerelay.transcripts.filtered",
		metric.WithDescription("Transcripts dropped as noise or hallucination, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicerelay.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicerelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.AuthFailures, err = m.Int64Counter("voicerelay.auth.failures",
		metric.WithDescription("Client authentications rejected or timed out."),
	); err != nil {
		return nil, err
	}
	if met.GatewayReconnects, err = m.Int64Counter("voicerelay.gateway.reconnects",
		metric.WithDescription("Upstream gateway reconnect attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveConnections, err = m.Int64UpDownCounter("voicerelay.active_connections",
		metric.WithDescription("Number of open client WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.PendingTurns, err = m.Int64UpDownCounter("voicerelay.gateway.pending_turns",
		metric.WithDescription("Chat turns awaiting a gateway reply."),
	); err != nil {
		return nil, err
	}
	if met.GatewayConnected, err = m.Int64Gauge("voicerelay.gateway.connected",
		metric.WithDescription("1 while the upstream gateway handshake is complete."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicerelay.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set, plus an error increment when status is not "ok".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	if status != "ok" {
		m.RecordProviderError(ctx, provider, kind)
	}
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn counts a finished turn with its outcome (see the Turn* constants).
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFiltered counts a transcript dropped by the filter.
func (m *Metrics) RecordFiltered(ctx context.Context, reason string) {
	m.FilteredTranscripts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAuthFailure counts a rejected or timed out client authentication.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SetGatewayConnected records the upstream connection state.
func (m *Metrics) SetGatewayConnected(ctx context.Context, connected bool) {
	var v int64
	if connected {
		v = 1
	}
	m.GatewayConnected.Record(ctx, v)
}
