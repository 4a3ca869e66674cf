// Package telemetry exposes OpenTelemetry metrics for ingestion runs, the
// fallback client and the response cache. All Record functions are no-ops
// until InitMetrics has been called.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "ytingest"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is an OTLP gRPC collector address (e.g. "localhost:4317").
	// Empty disables OTLP export.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often periodic readers export (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	apiCallsTotal       metric.Int64Counter
	upstreamDuration    metric.Float64Histogram
	upstreamTotal       metric.Int64Counter
	cacheLookupsTotal   metric.Int64Counter
	quotaExhaustedTotal metric.Int64Counter
	syncItemsTotal      metric.Int64Counter
	syncRunsTotal       metric.Int64Counter
	syncRunDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ytingest"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	apiCallsTotal, err := meter.Int64Counter(
		"ytingest_api_calls_total",
		metric.WithDescription("Remote API operations attempted through the fallback client"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	upstreamDuration, err := meter.Float64Histogram(
		"ytingest_upstream_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests to the YouTube Data API"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	upstreamTotal, err := meter.Int64Counter(
		"ytingest_upstream_requests_total",
		metric.WithDescription("HTTP requests to the YouTube Data API"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"ytingest_cache_lookups_total",
		metric.WithDescription("Response cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	quotaExhaustedTotal, err := meter.Int64Counter(
		"ytingest_quota_exhausted_total",
		metric.WithDescription("Quota-exceeded responses by credential slot"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	syncItemsTotal, err := meter.Int64Counter(
		"ytingest_sync_items_total",
		metric.WithDescription("Items seen during channel sync by disposition"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	syncRunsTotal, err := meter.Int64Counter(
		"ytingest_sync_runs_total",
		metric.WithDescription("Completed sync runs by type and status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	syncRunDuration, err := meter.Float64Histogram(
		"ytingest_sync_run_duration_seconds",
		metric.WithDescription("Wall-clock duration of sync runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		apiCallsTotal:       apiCallsTotal,
		upstreamDuration:    upstreamDuration,
		upstreamTotal:       upstreamTotal,
		cacheLookupsTotal:   cacheLookupsTotal,
		quotaExhaustedTotal: quotaExhaustedTotal,
		syncItemsTotal:      syncItemsTotal,
		syncRunsTotal:       syncRunsTotal,
		syncRunDuration:     syncRunDuration,
	}, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordAPICall records one remote operation attempt.
// outcome is "ok", "quota_exceeded" or "error".
func RecordAPICall(ctx context.Context, op, slot, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("slot", slot),
		attribute.String("outcome", outcome),
	}
	globalMetrics.apiCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUpstreamRequest records an HTTP exchange with the Data API.
func RecordUpstreamRequest(ctx context.Context, host string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("host", host),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.upstreamTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.upstreamDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheLookup records a response cache lookup.
// result is "hit", "miss", "expired" or "stale".
func RecordCacheLookup(ctx context.Context, op, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("result", result),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaExhausted records a quota-exceeded response for slot.
func RecordQuotaExhausted(ctx context.Context, slot string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.quotaExhaustedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("slot", slot)))
}

// RecordSyncItem records the disposition of one item during a channel sync.
// disposition is "added", "exists" or "failed".
func RecordSyncItem(ctx context.Context, disposition string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncItemsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", disposition)))
}

// RecordSyncRun records a completed sync run.
func RecordSyncRun(ctx context.Context, syncType, status string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("sync_type", syncType),
		attribute.String("status", status),
	)
	globalMetrics.syncRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.syncRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "error"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
