package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Manager owns the lifecycle of the configured telemetry pipeline: the global
// tracer provider and the Prometheus-backed recorder.
type Manager struct {
	tracerProvider trace.TracerProvider
	metrics        *PrometheusRecorder
	config         Config
	mu             sync.RWMutex
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// Initialize builds the configured exporters and installs the global tracer
// provider and recorder.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config.SetDefaults()
	if err := m.config.Validate(); err != nil {
		return err
	}

	tp, err := InitGlobalTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := InitMetrics(m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	SetGlobalRecorder(m.metrics)

	return nil
}

func (m *Manager) GetTracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.tracerProvider == nil {
		return GetTracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Recorder returns the recorder built by Initialize, a no-op before that.
func (m *Manager) Recorder() Recorder {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.metrics == nil {
		return NoopRecorder{}
	}
	return m.metrics
}

// MetricsHandler returns the scrape handler; it responds 503 when metrics are
// disabled. Mount it on the path from MetricsConfig.Endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics.Handler()
}

// MetricsEndpoint returns the configured scrape path.
func (m *Manager) MetricsEndpoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config.Metrics.Endpoint == "" {
		return DefaultMetricsPath
	}
	return m.config.Metrics.Endpoint
}

// Shutdown flushes both pipelines and restores the no-op recorder.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		errs = append(errs, spt.Shutdown(ctx))
	}
	if m.metrics != nil {
		errs = append(errs, m.metrics.Shutdown(ctx))
	}

	SetGlobalRecorder(nil)

	return errors.Join(errs...)
}
