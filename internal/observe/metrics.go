// Package observe holds narrator's telemetry: OpenTelemetry instruments for
// the gateway, playback and batch paths, tracing helpers, trace-aware slog
// loggers and the HTTP middleware.
//
// [InitProvider] bridges the instruments to Prometheus. Components take a
// [*Metrics] option and fall back to [DefaultMetrics]; tests build their own
// with [NewMetrics] and a noop or SDK meter provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/narrator"

// Metrics holds every instrument narrator records to.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks provider synthesis latency. Use with
	// attribute.String("provider", ...).
	SynthesisDuration metric.Float64Histogram

	// TextGenDuration tracks text-generation latency for batch units.
	TextGenDuration metric.Float64Histogram

	// --- Gateway counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts classified provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Failovers counts one-hop failovers. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Failovers metric.Int64Counter

	// CacheLookups counts gateway lookups by the tier that answered. Use with
	// attribute.String("tier", ...) ("memory", "durable", "miss").
	CacheLookups metric.Int64Counter

	// CoalescedRequests counts callers that shared another caller's flight.
	CoalescedRequests metric.Int64Counter

	// --- Playback ---

	// Preemptions counts owners stopped because another owner registered.
	Preemptions metric.Int64Counter

	// UnitsPlayed counts narration units emitted to the output.
	UnitsPlayed metric.Int64Counter

	// ActiveSessions tracks the number of sessions currently driving a
	// playback loop (0 or 1 when the arbiter is doing its job).
	ActiveSessions metric.Int64UpDownCounter

	// --- Batch ---

	// BatchSubUnits counts finished sub-units. Use with
	// attribute.String("status", ...).
	BatchSubUnits metric.Int64Counter

	// BatchUnits counts finished units. Use with
	// attribute.String("status", ...).
	BatchUnits metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled with
	// method, route pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are in seconds. Remote synthesis of a long unit can take
// tens of seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45,
}

// NewMetrics creates every instrument on mp. Instrument names use the
// "narrator." prefix; the Prometheus exporter turns the dots into
// underscores.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets []float64
	}{
		{&met.SynthesisDuration, "narrator.synthesis.duration", "Latency of provider speech synthesis.", latencyBuckets},
		{&met.TextGenDuration, "narrator.textgen.duration", "Latency of text generation for batch units.", latencyBuckets},
		{&met.HTTPRequestDuration, "narrator.http.request.duration", "HTTP request latency by method, route and status.", nil},
	}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "narrator.provider.requests", "Provider API requests by provider and status."},
		{&met.ProviderErrors, "narrator.provider.errors", "Classified provider errors by provider and kind."},
		{&met.Failovers, "narrator.gateway.failovers", "One-hop failovers by source and target provider."},
		{&met.CacheLookups, "narrator.cache.lookups", "Cache lookups by answering tier."},
		{&met.CoalescedRequests, "narrator.gateway.coalesced", "Requests served by another caller's in-flight synthesis."},
		{&met.Preemptions, "narrator.playback.preemptions", "Playback owners stopped by a newer owner."},
		{&met.UnitsPlayed, "narrator.playback.units", "Narration units emitted to the audio output."},
		{&met.BatchSubUnits, "narrator.batch.subunits", "Batch sub-units finished by status."},
		{&met.BatchUnits, "narrator.batch.units", "Batch units finished by status."},
	}

	var errs []error
	for _, h := range histograms {
		opts := []metric.Float64HistogramOption{metric.WithDescription(h.desc), metric.WithUnit("s")}
		if h.buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(h.buckets...))
		}
		var err error
		if *h.dst, err = m.Float64Histogram(h.name, opts...); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	for _, c := range counters {
		var err error
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	var err error
	if met.ActiveSessions, err = m.Int64UpDownCounter("narrator.playback.active_sessions",
		metric.WithDescription("Sessions currently driving playback."),
	); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider. Install the provider with [InitProvider] before the first call.
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

// RecordProviderRequest records a provider request with its outcome status.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a classified provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFailover records a failover hop.
func (m *Metrics) RecordFailover(ctx context.Context, from, to string) {
	m.Failovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordCacheLookup records which tier answered a lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, tier string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordBatchSubUnit records a finished batch sub-unit.
func (m *Metrics) RecordBatchSubUnit(ctx context.Context, status string) {
	m.BatchSubUnits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBatchUnit records a finished batch unit.
func (m *Metrics) RecordBatchUnit(ctx context.Context, status string) {
	m.BatchUnits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
