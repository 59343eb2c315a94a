package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/attempts take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Slot and queue utilization
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Engine metrics (Latency, Traffic, Errors, Saturation)
	AttemptDuration metric.Float64Histogram
	JobsTotal       metric.Int64Counter
	JobsRejected    metric.Int64Counter
	RetriesTotal    metric.Int64Counter
	SlotsOccupied   metric.Int64UpDownCounter
	QueueDepth      metric.Int64Gauge

	// Record store metrics (Errors)
	RecordWriteRetries metric.Int64Counter

	// Notifier metrics (Latency, Traffic, Errors)
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyDuration  metric.Float64Histogram
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("vaspilot")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Engine metrics. Calculations run for hours, so attempt buckets
	// reach into the multi-day range.
	m.AttemptDuration, err = meter.Float64Histogram(
		"attempt_duration_seconds",
		metric.WithDescription("Calculation attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400, 172800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs admitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsRejected, err = meter.Int64Counter(
		"jobs_rejected_total",
		metric.WithDescription("Total submissions rejected because queue and slots were full"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter(
		"retries_total",
		metric.WithDescription("Total retry attempts, labeled by failure category"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SlotsOccupied, err = meter.Int64UpDownCounter(
		"slots_occupied",
		metric.WithDescription("Number of occupied execution slots (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Current number of jobs waiting for a slot (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RecordWriteRetries, err = meter.Int64Counter(
		"record_write_retries_total",
		metric.WithDescription("Total retried execution record writes"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total callbacks successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total callbacks failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total callbacks dropped (buffer full)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobAdmitted records a job entering the engine.
func (m *Metrics) RecordJobAdmitted(ctx context.Context, jobType string) {
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(typeAttr(jobType)))
}

// RecordJobRejected records a capacity rejection.
func (m *Metrics) RecordJobRejected(ctx context.Context, jobType string) {
	m.JobsRejected.Add(ctx, 1, metric.WithAttributes(typeAttr(jobType)))
}

// RecordSlotAcquired records a job occupying an execution slot.
func (m *Metrics) RecordSlotAcquired(ctx context.Context) {
	m.SlotsOccupied.Add(ctx, 1)
}

// RecordSlotReleased records a slot becoming free.
func (m *Metrics) RecordSlotReleased(ctx context.Context) {
	m.SlotsOccupied.Add(ctx, -1)
}

// RecordQueueDepth records the current wait queue length.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.QueueDepth.Record(ctx, depth)
}

// RecordAttemptCompleted records one finished attempt.
func (m *Metrics) RecordAttemptCompleted(ctx context.Context, jobType string, success bool, durationSeconds float64) {
	m.AttemptDuration.Record(ctx, durationSeconds, metric.WithAttributes(typeAttr(jobType), successAttr(success)))
}

// RecordRetry records a retry, labeled by the failure category that caused it.
func (m *Metrics) RecordRetry(ctx context.Context, jobType, category string) {
	m.RetriesTotal.Add(ctx, 1, metric.WithAttributes(typeAttr(jobType), categoryAttr(category)))
}

// RecordRecordWriteRetry records one retried record-store write.
func (m *Metrics) RecordRecordWriteRetry(ctx context.Context) {
	m.RecordWriteRetries.Add(ctx, 1)
}

// RecordNotifyDelivered records a successful callback delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed callback delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped callback.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}
