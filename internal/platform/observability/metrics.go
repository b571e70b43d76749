package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all application metrics
type Metrics struct {
	meter metric.Meter

	// Loader metrics
	LoadRequests  metric.Int64Counter
	FetchDuration metric.Float64Histogram
	Invalidations metric.Int64Counter

	// Catalog shape at last successful fetch
	CatalogProducts   metric.Int64Gauge
	CatalogCategories metric.Int64Gauge

	// Outbound call metrics (product source, SNS)
	ExternalCalls    metric.Int64Counter
	ExternalDuration metric.Float64Histogram

	// Cache metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	// Error metrics
	Errors metric.Int64Counter

	enabled  bool
	provider *sdkmetric.MeterProvider
}

// MetricsConfig configures NewMetricsWithConfig.
type MetricsConfig struct {
	ServiceName string
	Enabled     bool

	// OTLPEndpoint, when set, also pushes metrics over OTLP/gRPC
	// (e.g. "localhost:4317").
	OTLPEndpoint   string
	ExportInterval time.Duration // default 15s
}

// NewMetrics creates a new Metrics instance exported for Prometheus scraping.
// When disabled every instrument is backed by the OTel noop meter, so
// callers never need nil checks.
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	return NewMetricsWithConfig(context.Background(), MetricsConfig{ServiceName: serviceName, Enabled: enabled})
}

// NewMetricsWithConfig creates Metrics with a Prometheus reader and, when
// configured, a periodic OTLP reader.
func NewMetricsWithConfig(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		m := &Metrics{meter: noop.NewMeterProvider().Meter(cfg.ServiceName)}
		if err := m.initMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize noop metrics: %w", err)
		}
		return m, nil
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(interval)),
		))
	}

	provider := sdkmetric.NewMeterProvider(opts...)

	m := &Metrics{
		meter:    provider.Meter(cfg.ServiceName),
		enabled:  true,
		provider: provider,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// Shutdown flushes pending exports. No-op when metrics are disabled.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// NewNoopMetrics returns metrics that record nothing. Used by tests.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics("noop", false)
	return m
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	m.LoadRequests, err = m.meter.Int64Counter(
		"catalog.load.requests",
		metric.WithDescription("Catalog load calls by outcome"),
	)
	if err != nil {
		return err
	}

	m.FetchDuration, err = m.meter.Float64Histogram(
		"catalog.fetch.duration",
		metric.WithDescription("Remote catalog fetch + reshape duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.Invalidations, err = m.meter.Int64Counter(
		"catalog.invalidations",
		metric.WithDescription("Catalog cache invalidations by source"),
	)
	if err != nil {
		return err
	}

	m.CatalogProducts, err = m.meter.Int64Gauge(
		"catalog.products",
		metric.WithDescription("Number of products in the last fetched catalog"),
	)
	if err != nil {
		return err
	}

	m.CatalogCategories, err = m.meter.Int64Gauge(
		"catalog.categories",
		metric.WithDescription("Number of category groups in the last fetched catalog"),
	)
	if err != nil {
		return err
	}

	m.ExternalCalls, err = m.meter.Int64Counter(
		"catalog.external.calls",
		metric.WithDescription("Total outbound calls by service"),
	)
	if err != nil {
		return err
	}

	m.ExternalDuration, err = m.meter.Float64Histogram(
		"catalog.external.duration",
		metric.WithDescription("Outbound call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.CacheHits, err = m.meter.Int64Counter(
		"catalog.cache.hits",
		metric.WithDescription("Catalog cache hits by tier"),
	)
	if err != nil {
		return err
	}

	m.CacheMisses, err = m.meter.Int64Counter(
		"catalog.cache.misses",
		metric.WithDescription("Catalog cache misses by tier"),
	)
	if err != nil {
		return err
	}

	m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"catalog.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return err
	}

	m.Errors, err = m.meter.Int64Counter(
		"catalog.errors",
		metric.WithDescription("Total errors encountered"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordLoad records the outcome of one Load call
func (m *Metrics) RecordLoad(ctx context.Context, outcome string) {
	m.LoadRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFetch records a completed fetch and the resulting catalog size
func (m *Metrics) RecordFetch(ctx context.Context, duration time.Duration, success bool, categories, products int) {
	m.FetchDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", success)))
	if success {
		m.CatalogCategories.Record(ctx, int64(categories))
		m.CatalogProducts.Record(ctx, int64(products))
	}
}

// RecordInvalidation records a cache invalidation
func (m *Metrics) RecordInvalidation(ctx context.Context, source string) {
	m.Invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordExternalCall records one outbound call
func (m *Metrics) RecordExternalCall(ctx context.Context, service, endpoint, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	}

	m.ExternalCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ExternalDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(ctx context.Context, layer string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(ctx context.Context, layer string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordError records an error
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// Handler returns the HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("metrics not available"))
		})
	}
	// The OTel Prometheus exporter registers with the default registry
	return promhttp.Handler()
}
