package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics sets up the Prometheus-backed meter and the instruments the
// runtime records into. Disabled metrics return a recorder whose methods
// are no-ops.
func InitMetrics(_ context.Context, cfg MetricsConfig) (*PrometheusMetrics, http.Handler, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := meterProvider.Meter(cfg.Namespace)
	ns := cfg.Namespace

	chatDuration, err := meter.Float64Histogram(
		ns+"_chat_request_duration_seconds",
		metric.WithDescription("Chat request duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create chat duration histogram: %w", err)
	}

	chatRequests, err := meter.Int64Counter(
		ns+"_chat_requests_total",
		metric.WithDescription("Total chat requests"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create chat requests counter: %w", err)
	}

	chatErrors, err := meter.Int64Counter(
		ns+"_chat_errors_total",
		metric.WithDescription("Total failed chat requests"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create chat errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		ns+"_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		ns+"_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM providers"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		ns+"_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM providers"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		ns+"_llm_errors_total",
		metric.WithDescription("Total LLM request failures"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		ns+"_task_duration_seconds",
		metric.WithDescription("Node task duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	tasksDispatched, err := meter.Int64Counter(
		ns+"_tasks_dispatched_total",
		metric.WithDescription("Total tasks dispatched to nodes"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tasks counter: %w", err)
	}

	taskTimeouts, err := meter.Int64Counter(
		ns+"_task_timeouts_total",
		metric.WithDescription("Total task timeouts"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create task timeouts counter: %w", err)
	}

	quotaRejections, err := meter.Int64Counter(
		ns+"_quota_rejections_total",
		metric.WithDescription("Total requests rejected by quota limits"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create quota rejections counter: %w", err)
	}

	activeStreams, err := meter.Int64UpDownCounter(
		ns+"_active_streams",
		metric.WithDescription("Streams currently in flight"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create active streams gauge: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		ns+"_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	m := &PrometheusMetrics{
		chatDuration:    chatDuration,
		chatRequests:    chatRequests,
		chatErrors:      chatErrors,
		llmDuration:     llmDuration,
		llmInputTokens:  llmInputTokens,
		llmOutputTokens: llmOutputTokens,
		llmErrors:       llmErrors,
		taskDuration:    taskDuration,
		tasksDispatched: tasksDispatched,
		taskTimeouts:    taskTimeouts,
		quotaRejections: quotaRejections,
		activeStreams:   activeStreams,
		httpDuration:    httpDuration,
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, nil
}
