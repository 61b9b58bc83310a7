package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil or disabled
// Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Fetch pipeline
	batchesTotal        metric.Int64Counter
	batchesActive       metric.Int64UpDownCounter
	batchDuration       metric.Float64Histogram
	transfersTotal      metric.Int64Counter
	transfersActive     metric.Int64UpDownCounter
	transferDuration    metric.Float64Histogram
	transferBytes       metric.Int64Counter
	extractionsTotal    metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables an additional OTLP gRPC metric push when set.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := prometheus.New(prometheus.WithoutUnits())
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
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
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("dataset_fetcher")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

func (t *Telemetry) addInFlight(delta int64) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), delta)
	}
}

// RecordBatch records a finished batch.
func (t *Telemetry) RecordBatch(ctx context.Context, status string, files int, duration time.Duration) {
	if t == nil || t.batchesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.batchesTotal.Add(ctx, 1, attrs)
	t.batchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTransfer records a finished transfer. Mode is "fresh" or "resumed".
func (t *Telemetry) RecordTransfer(ctx context.Context, mode, status string, bytes int64, duration time.Duration) {
	if t == nil || t.transfersTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)

	t.transfersTotal.Add(ctx, 1, attrs)
	t.transferDuration.Record(ctx, duration.Seconds(), attrs)

	if bytes > 0 {
		t.transferBytes.Add(ctx, bytes, metric.WithAttributes(attribute.String("mode", mode)))
	}
}

// RecordExtraction records an archive extraction attempt.
func (t *Telemetry) RecordExtraction(ctx context.Context, status string) {
	if t == nil || t.extractionsTotal == nil {
		return
	}

	t.extractionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		),
	)
}

func (t *Telemetry) addGauge(ctx context.Context, c metric.Int64UpDownCounter, delta int64) {
	if t != nil && c != nil {
		c.Add(ctx, delta)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests")); err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter("http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed")); err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	if t.batchesTotal, err = t.meter.Int64Counter("fetch_batches_total",
		metric.WithDescription("Total number of fetch batches")); err != nil {
		return fmt.Errorf("failed to create fetch_batches_total counter: %w", err)
	}

	if t.batchesActive, err = t.meter.Int64UpDownCounter("fetch_batches_active",
		metric.WithDescription("Number of batches in flight")); err != nil {
		return fmt.Errorf("failed to create fetch_batches_active counter: %w", err)
	}

	if t.batchDuration, err = t.meter.Float64Histogram("fetch_batch_duration_seconds",
		metric.WithDescription("Batch duration in seconds"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create fetch_batch_duration histogram: %w", err)
	}

	if t.transfersTotal, err = t.meter.Int64Counter("transfers_total",
		metric.WithDescription("Total number of file transfers")); err != nil {
		return fmt.Errorf("failed to create transfers_total counter: %w", err)
	}

	if t.transfersActive, err = t.meter.Int64UpDownCounter("transfers_active",
		metric.WithDescription("Number of active transfers")); err != nil {
		return fmt.Errorf("failed to create transfers_active counter: %w", err)
	}

	if t.transferDuration, err = t.meter.Float64Histogram("transfer_duration_seconds",
		metric.WithDescription("Transfer duration in seconds"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create transfer_duration histogram: %w", err)
	}

	if t.transferBytes, err = t.meter.Int64Counter("transfer_bytes_total",
		metric.WithDescription("Bytes written by transfers"), metric.WithUnit("By")); err != nil {
		return fmt.Errorf("failed to create transfer_bytes_total counter: %w", err)
	}

	if t.extractionsTotal, err = t.meter.Int64Counter("extractions_total",
		metric.WithDescription("Total number of archive extractions")); err != nil {
		return fmt.Errorf("failed to create extractions_total counter: %w", err)
	}

	if t.dbOperationsTotal, err = t.meter.Int64Counter("db_operations_total",
		metric.WithDescription("Total number of database operations")); err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	if t.dbOperationDuration, err = t.meter.Float64Histogram("db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	if t.systemErrors, err = t.meter.Int64Counter("system_errors_total",
		metric.WithDescription("Total number of system errors")); err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	return nil
}
