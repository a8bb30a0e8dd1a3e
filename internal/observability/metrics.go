package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"weaver/internal/logging"
)

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // scrape listen address, e.g. :9090
}

// MetricsCollector owns the otel meter pipeline and the scrape server.
// The exporter feeds the default Prometheus registry, so one /metrics
// endpoint serves both these instruments and the engine's native
// collectors.
type MetricsCollector struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	log      logging.Logger

	storeOps     metric.Int64Counter
	storeLatency metric.Float64Histogram

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig, log logging.Logger) (*MetricsCollector, error) {
	log = logging.OrNop(log)
	if !config.Enabled {
		return &MetricsCollector{log: log}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create meter provider
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Get meter
	meter := provider.Meter("weaver")

	// Create metrics
	storeOps, err := meter.Int64Counter(
		"weaver.store.operations.total",
		metric.WithDescription("Total store operations by backend, operation and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store_operations counter: %w", err)
	}

	storeLatency, err := meter.Float64Histogram(
		"weaver.store.latency",
		metric.WithDescription("Store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store_latency histogram: %w", err)
	}

	collector := &MetricsCollector{
		meter:        meter,
		provider:     provider,
		log:          log,
		storeOps:     storeOps,
		storeLatency: storeLatency,
	}

	// Start Prometheus HTTP server
	if config.Addr != "" {
		if err := collector.StartPrometheusServer(config.Addr); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m.prometheusServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		m.log.Info("prometheus metrics server listening on %s", addr)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("prometheus server: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	var first error
	if m.prometheusServer != nil {
		first = m.prometheusServer.Shutdown(ctx)
	}
	if m.provider != nil {
		if err := m.provider.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RecordStoreOp records one store call. Instrumented stores call this
// on every operation; a disabled collector drops the sample.
func (m *MetricsCollector) RecordStoreOp(ctx context.Context, backend, op string, start time.Time, err error) {
	if m == nil || m.storeOps == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("operation", op),
	}

	m.storeOps.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("status", status))...))
	m.storeLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}
