package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PrometheusRecorder implements Recorder on OpenTelemetry instruments backed
// by a Prometheus exporter. The zero value records nothing and serves 503 on
// its Handler, so a disabled pipeline needs no special casing.
type PrometheusRecorder struct {
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	runDuration metric.Float64Histogram
	runsTotal   metric.Int64Counter
	runCost     metric.Float64Counter

	cellDuration metric.Float64Histogram
	cellErrors   metric.Int64Counter

	turnDuration     metric.Float64Histogram
	turnInputTokens  metric.Int64Counter
	turnOutputTokens metric.Int64Counter
	turnErrors       metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	candidateFanOuts metric.Int64Counter
	checkpointEvents metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

// InitMetrics builds the Prometheus-backed recorder on a private registry.
// With metrics disabled it returns an inert recorder.
func InitMetrics(cfg MetricsConfig) (*PrometheusRecorder, error) {
	if !cfg.Enabled {
		return &PrometheusRecorder{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	meter := provider.Meter(DefaultServiceName)

	r := &PrometheusRecorder{provider: provider, registry: registry}

	r.runDuration, err = meter.Float64Histogram(
		"cascade_run_duration_seconds",
		metric.WithDescription("Cascade run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	r.runsTotal, err = meter.Int64Counter(
		"cascade_runs_total",
		metric.WithDescription("Total cascade runs by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	r.runCost, err = meter.Float64Counter(
		"cascade_run_cost_usd_total",
		metric.WithDescription("Total provider cost attributed to completed runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run cost counter: %w", err)
	}

	r.cellDuration, err = meter.Float64Histogram(
		"cascade_cell_duration_seconds",
		metric.WithDescription("Cell phase entry duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cell duration histogram: %w", err)
	}

	r.cellErrors, err = meter.Int64Counter(
		"cascade_cell_errors_total",
		metric.WithDescription("Total failed cell phase entries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cell errors counter: %w", err)
	}

	r.turnDuration, err = meter.Float64Histogram(
		"cascade_turn_duration_seconds",
		metric.WithDescription("Model invocation duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	r.turnInputTokens, err = meter.Int64Counter(
		"cascade_turn_tokens_input_total",
		metric.WithDescription("Total input tokens sent to models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tokens counter: %w", err)
	}

	r.turnOutputTokens, err = meter.Int64Counter(
		"cascade_turn_tokens_output_total",
		metric.WithDescription("Total output tokens produced by models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tokens counter: %w", err)
	}

	r.turnErrors, err = meter.Int64Counter(
		"cascade_turn_errors_total",
		metric.WithDescription("Total failed model invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn errors counter: %w", err)
	}

	r.toolDuration, err = meter.Float64Histogram(
		"cascade_tool_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	r.toolCalls, err = meter.Int64Counter(
		"cascade_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	r.toolErrors, err = meter.Int64Counter(
		"cascade_tool_errors_total",
		metric.WithDescription("Total failed tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	r.candidateFanOuts, err = meter.Int64Counter(
		"cascade_candidate_fanouts_total",
		metric.WithDescription("Total candidate expansions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidate fan-outs counter: %w", err)
	}

	r.checkpointEvents, err = meter.Int64Counter(
		"cascade_checkpoint_events_total",
		metric.WithDescription("Total checkpoint lifecycle events"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint events counter: %w", err)
	}

	r.httpDuration, err = meter.Float64Histogram(
		"cascade_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	r.httpRequests, err = meter.Int64Counter(
		"cascade_http_requests_total",
		metric.WithDescription("Total HTTP requests served"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return r, nil
}

func (r *PrometheusRecorder) RecordCascadeRun(ctx context.Context, cascadeID, status string, duration time.Duration, cost float64) {
	if r == nil || r.runDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(AttrCascadeID, cascadeID),
		attribute.String(AttrRunStatus, status),
	)
	r.runDuration.Record(ctx, duration.Seconds(), attrs)
	r.runsTotal.Add(ctx, 1, attrs)

	if cost > 0 {
		r.runCost.Add(ctx, cost, metric.WithAttributes(
			attribute.String(AttrCascadeID, cascadeID),
		))
	}
}

func (r *PrometheusRecorder) RecordCellEntry(ctx context.Context, cascadeID, cell string, duration time.Duration, err error) {
	if r == nil || r.cellDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(AttrCascadeID, cascadeID),
		attribute.String(AttrCellName, cell),
	)
	r.cellDuration.Record(ctx, duration.Seconds(), attrs)

	if err != nil {
		r.cellErrors.Add(ctx, 1, attrs)
	}
}

func (r *PrometheusRecorder) RecordTurn(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if r == nil || r.turnDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(AttrLLMModel, model),
	)
	r.turnDuration.Record(ctx, duration.Seconds(), attrs)
	r.turnInputTokens.Add(ctx, int64(inputTokens), attrs)
	r.turnOutputTokens.Add(ctx, int64(outputTokens), attrs)

	if err != nil {
		r.turnErrors.Add(ctx, 1, attrs)
	}
}

func (r *PrometheusRecorder) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if r == nil || r.toolDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(AttrToolName, tool),
	)
	r.toolDuration.Record(ctx, duration.Seconds(), attrs)
	r.toolCalls.Add(ctx, 1, attrs)

	if err != nil {
		r.toolErrors.Add(ctx, 1, attrs)
	}
}

func (r *PrometheusRecorder) RecordCandidateFanOut(ctx context.Context, cell, mode string, factor int) {
	if r == nil || r.candidateFanOuts == nil {
		return
	}

	r.candidateFanOuts.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCellName, cell),
		attribute.String(AttrCandidateMode, mode),
		attribute.Int(AttrCandidateFactor, factor),
	))
}

func (r *PrometheusRecorder) RecordCheckpointEvent(ctx context.Context, event string) {
	if r == nil || r.checkpointEvents == nil {
		return
	}

	r.checkpointEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCheckpointEvent, event),
	))
}

func (r *PrometheusRecorder) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if r == nil || r.httpDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPPath, path),
	)
	r.httpDuration.Record(ctx, duration.Seconds(), attrs)
	r.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPPath, path),
		attribute.Int(AttrStatusCode, statusCode),
	))
}

// Handler serves the scrape endpoint for the backing registry. On a disabled
// recorder it responds 503.
func (r *PrometheusRecorder) Handler() http.Handler {
	if r == nil || r.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the backing registry, mainly for tests and embedders that
// gather the scrape output themselves. Nil when metrics are disabled.
func (r *PrometheusRecorder) Registry() *promclient.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Shutdown flushes and stops the meter provider.
func (r *PrometheusRecorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

var _ Recorder = (*PrometheusRecorder)(nil)
