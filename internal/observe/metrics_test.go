package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// recorded builds Metrics on an SDK provider, runs record and returns what a
// scrape would see, keyed by instrument name.
func recorded(t *testing.T, record func(ctx context.Context, m *Metrics)) map[string]metricdata.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	record(context.Background(), m)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			out[met.Name] = met
		}
	}
	return out
}

// point returns the int64 sum of the data point whose attributes include
// every attr, or -1.
func point(met metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
outer:
	for _, dp := range sum.DataPoints {
		for _, want := range attrs {
			if got, ok := dp.Attributes.Value(want.Key); !ok || got != want.Value {
				continue outer
			}
		}
		return dp.Value
	}
	return -1
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record func(ctx context.Context, m *Metrics)
		metric string
		attrs  []attribute.KeyValue
		want   int64
	}{
		{
			name: "provider requests by status",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordProviderRequest(ctx, "gemini", "ok")
				m.RecordProviderRequest(ctx, "gemini", "ok")
				m.RecordProviderRequest(ctx, "gemini", "error")
			},
			metric: "narrator.provider.requests",
			attrs:  []attribute.KeyValue{Attr("provider", "gemini"), Attr("status", "ok")},
			want:   2,
		},
		{
			name:   "provider errors by kind",
			record: func(ctx context.Context, m *Metrics) { m.RecordProviderError(ctx, "elevenlabs", "rate_limited") },
			metric: "narrator.provider.errors",
			attrs:  []attribute.KeyValue{Attr("kind", "rate_limited")},
			want:   1,
		},
		{
			name:   "failover hop",
			record: func(ctx context.Context, m *Metrics) { m.RecordFailover(ctx, "gemini", "cloudtts") },
			metric: "narrator.gateway.failovers",
			attrs:  []attribute.KeyValue{Attr("from", "gemini"), Attr("to", "cloudtts")},
			want:   1,
		},
		{
			name: "cache lookups by tier",
			record: func(ctx context.Context, m *Metrics) {
				for _, tier := range []string{"memory", "durable", "memory", "miss"} {
					m.RecordCacheLookup(ctx, tier)
				}
			},
			metric: "narrator.cache.lookups",
			attrs:  []attribute.KeyValue{Attr("tier", "memory")},
			want:   2,
		},
		{
			name:   "coalesced callers",
			record: func(ctx context.Context, m *Metrics) { m.CoalescedRequests.Add(ctx, 3) },
			metric: "narrator.gateway.coalesced",
			want:   3,
		},
		{
			name: "batch sub-units",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordBatchSubUnit(ctx, "success")
				m.RecordBatchSubUnit(ctx, "failed")
			},
			metric: "narrator.batch.subunits",
			attrs:  []attribute.KeyValue{Attr("status", "failed")},
			want:   1,
		},
		{
			name:   "batch units",
			record: func(ctx context.Context, m *Metrics) { m.RecordBatchUnit(ctx, "partial") },
			metric: "narrator.batch.units",
			attrs:  []attribute.KeyValue{Attr("status", "partial")},
			want:   1,
		},
		{
			name: "active sessions go up and down",
			record: func(ctx context.Context, m *Metrics) {
				m.ActiveSessions.Add(ctx, 1)
				m.ActiveSessions.Add(ctx, 1)
				m.ActiveSessions.Add(ctx, -1)
			},
			metric: "narrator.playback.active_sessions",
			want:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := recorded(t, tt.record)
			met, ok := got[tt.metric]
			if !ok {
				t.Fatalf("metric %q not collected", tt.metric)
			}
			if v := point(met, tt.attrs...); v != tt.want {
				t.Errorf("%s%v = %d, want %d", tt.metric, tt.attrs, v, tt.want)
			}
		})
	}
}

func TestMetrics_LatencyHistogramsUseSecondsBuckets(t *testing.T) {
	t.Parallel()
	got := recorded(t, func(ctx context.Context, m *Metrics) {
		m.SynthesisDuration.Record(ctx, 0.3)
		m.SynthesisDuration.Record(ctx, 12)
		m.TextGenDuration.Record(ctx, 1.5)
	})

	for name, wantCount := range map[string]uint64{"narrator.synthesis.duration": 2, "narrator.textgen.duration": 1} {
		hist, ok := got[name].Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 {
			t.Fatalf("%s: not a single-point histogram: %+v", name, got[name].Data)
		}
		dp := hist.DataPoints[0]
		if dp.Count != wantCount {
			t.Errorf("%s count = %d, want %d", name, dp.Count, wantCount)
		}
		if len(dp.Bounds) != len(latencyBuckets) {
			t.Errorf("%s bounds = %v", name, dp.Bounds)
		}
		if got[name].Unit != "s" {
			t.Errorf("%s unit = %q", name, got[name].Unit)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
