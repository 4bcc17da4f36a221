package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = &PrometheusMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics records runtime measurements. A zero PrometheusMetrics satisfies
// it with no-ops, so callers never need nil checks.
type Metrics interface {
	RecordChatRequest(ctx context.Context, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordTaskDispatch(ctx context.Context, tool string, duration time.Duration, timedOut, success bool)
	RecordQuotaRejection(ctx context.Context, reason string)
	AddActiveStreams(ctx context.Context, delta int64)
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

// PrometheusMetrics records into OpenTelemetry instruments backed by a
// Prometheus registry.
type PrometheusMetrics struct {
	chatDuration metric.Float64Histogram
	chatRequests metric.Int64Counter
	chatErrors   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	taskDuration    metric.Float64Histogram
	tasksDispatched metric.Int64Counter
	taskTimeouts    metric.Int64Counter

	quotaRejections metric.Int64Counter
	activeStreams   metric.Int64UpDownCounter

	httpDuration metric.Float64Histogram
}

func (m *PrometheusMetrics) RecordChatRequest(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.chatDuration == nil {
		return
	}
	m.chatDuration.Record(ctx, duration.Seconds())
	m.chatRequests.Add(ctx, 1)
	if err != nil {
		m.chatErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordTaskDispatch(ctx context.Context, tool string, duration time.Duration, timedOut, success bool) {
	if m == nil || m.taskDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
	m.tasksDispatched.Add(ctx, 1, attrs)
	if timedOut {
		m.taskTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

func (m *PrometheusMetrics) RecordQuotaRejection(ctx context.Context, reason string) {
	if m == nil || m.quotaRejections == nil {
		return
	}
	m.quotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *PrometheusMetrics) AddActiveStreams(ctx context.Context, delta int64) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, delta)
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil || m.httpDuration == nil {
		return
	}
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
