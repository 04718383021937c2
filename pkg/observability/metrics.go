package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments exposed on /metrics. The zero value is a
// no-op, so callers never need to nil-check individual instruments.
type Metrics struct {
	enabled bool

	toolDuration      metric.Float64Histogram
	toolCalls         metric.Int64Counter
	toolErrors        metric.Int64Counter
	jobsProcessed     metric.Int64Counter
	jobsFailed        metric.Int64Counter
	retrievalDuration metric.Float64Histogram
	llmRequests       metric.Int64Counter
	cardsCreated      metric.Int64Counter
	filesDiscovered   metric.Int64Counter
}

// InitMetrics wires an OpenTelemetry meter to the Prometheus default
// registry. The exporter registers itself; the /metrics handler is served
// by promhttp in the HTTP server.
func InitMetrics(ctx context.Context, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("echogarden")

	m := &Metrics{enabled: true}

	if m.toolDuration, err = meter.Float64Histogram(
		"echogarden_tool_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	if m.toolCalls, err = meter.Int64Counter(
		"echogarden_tool_calls_total",
		metric.WithDescription("Total tool dispatches"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	if m.toolErrors, err = meter.Int64Counter(
		"echogarden_tool_errors_total",
		metric.WithDescription("Total failed tool dispatches"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.jobsProcessed, err = meter.Int64Counter(
		"echogarden_jobs_processed_total",
		metric.WithDescription("Total capture jobs completed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}

	if m.jobsFailed, err = meter.Int64Counter(
		"echogarden_jobs_failed_total",
		metric.WithDescription("Total capture job failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jobs failed counter: %w", err)
	}

	if m.retrievalDuration, err = meter.Float64Histogram(
		"echogarden_retrieval_duration_seconds",
		metric.WithDescription("Hybrid retrieval duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create retrieval histogram: %w", err)
	}

	if m.llmRequests, err = meter.Int64Counter(
		"echogarden_llm_requests_total",
		metric.WithDescription("Total LLM requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm counter: %w", err)
	}

	if m.cardsCreated, err = meter.Int64Counter(
		"echogarden_memory_cards_created_total",
		metric.WithDescription("Total memory cards created"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cards counter: %w", err)
	}

	if m.filesDiscovered, err = meter.Int64Counter(
		"echogarden_watcher_files_discovered_total",
		metric.WithDescription("Total new or changed files enqueued by the watcher"),
	); err != nil {
		return nil, fmt.Errorf("failed to create files discovered counter: %w", err)
	}

	return m, nil
}

// RecordToolCall records a tool dispatch with its outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, elapsed.Seconds(), attrs)
	if status != "ok" {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

// RecordJob records a completed or failed capture job.
func (m *Metrics) RecordJob(ctx context.Context, jobType string, ok bool) {
	if m == nil || !m.enabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", jobType))
	if ok {
		m.jobsProcessed.Add(ctx, 1, attrs)
	} else {
		m.jobsFailed.Add(ctx, 1, attrs)
	}
}

// RecordRetrieval records a hybrid retrieval round-trip.
func (m *Metrics) RecordRetrieval(ctx context.Context, degraded bool, elapsed time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.retrievalDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.Bool("degraded", degraded)))
}

// RecordLLMRequest records an LLM call by operation.
func (m *Metrics) RecordLLMRequest(ctx context.Context, op string) {
	if m == nil || !m.enabled {
		return
	}
	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordFileDiscovered records a file the watcher enqueued for ingest.
func (m *Metrics) RecordFileDiscovered(ctx context.Context) {
	if m == nil || !m.enabled {
		return
	}
	m.filesDiscovered.Add(ctx, 1)
}

// RecordCardCreated records a committed memory card.
func (m *Metrics) RecordCardCreated(ctx context.Context, pipeline string) {
	if m == nil || !m.enabled {
		return
	}
	m.cardsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipeline)))
}
