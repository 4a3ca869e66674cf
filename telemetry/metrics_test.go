package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs metrics backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordAPICall(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordAPICall(context.Background(), "playlistItems.list", "primary", "ok")
	RecordAPICall(context.Background(), "playlistItems.list", "primary", "ok")
	RecordAPICall(context.Background(), "playlistItems.list", "backup", "quota_exceeded")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "ytingest_api_calls_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "op", "playlistItems.list"))
		if hasAttr(dp.Attributes, "slot", "primary") {
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "ok"))
		} else {
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "quota_exceeded"))
		}
	}
}

func TestRecordSyncRun(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordSyncRun(context.Background(), "single_source", "partial", 2*time.Second)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "ytingest_sync_runs_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "sync_type", "single_source"))
	require.True(t, hasAttr(dps[0].Attributes, "status", "partial"))

	hist := findHistogram(rm, "ytingest_sync_run_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestRecordCacheAndItems(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheLookup(context.Background(), "channels.contentDetails", "hit")
	RecordSyncItem(context.Background(), "added")
	RecordSyncItem(context.Background(), "added")
	RecordQuotaExhausted(context.Background(), "backup")
	RecordUpstreamRequest(context.Background(), "youtube.googleapis.com", http.StatusForbidden, 40*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "ytingest_cache_lookups_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "result", "hit"))

	dps = findCounter(rm, "ytingest_sync_items_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 2, dps[0].Value)

	dps = findCounter(rm, "ytingest_quota_exhausted_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "slot", "backup"))

	dps = findCounter(rm, "ytingest_upstream_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordNilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	// Should not panic
	RecordAPICall(context.Background(), "videos.info", "primary", "ok")
	RecordCacheLookup(context.Background(), "videos.info", "miss")
	RecordSyncRun(context.Background(), "bulk_sync", "success", time.Second)
}

func TestPrometheusHandlerNotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{304, "3xx"},
		{403, "4xx"},
		{503, "5xx"},
		{0, "error"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status))
	}
}
