package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorderSpy counts calls per measurement for assertions.
type recorderSpy struct {
	mu          sync.Mutex
	runs        int
	cells       int
	turns       int
	tools       int
	fanOuts     int
	checkpoints int
	requests    int
	lastStatus  int
}

func (s *recorderSpy) RecordCascadeRun(_ context.Context, _, _ string, _ time.Duration, _ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
}

func (s *recorderSpy) RecordCellEntry(_ context.Context, _, _ string, _ time.Duration, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells++
}

func (s *recorderSpy) RecordTurn(_ context.Context, _ string, _ time.Duration, _, _ int, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
}

func (s *recorderSpy) RecordToolCall(_ context.Context, _ string, _ time.Duration, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools++
}

func (s *recorderSpy) RecordCandidateFanOut(_ context.Context, _, _ string, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fanOuts++
}

func (s *recorderSpy) RecordCheckpointEvent(_ context.Context, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints++
}

func (s *recorderSpy) RecordHTTPRequest(_ context.Context, _, _ string, status int, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.lastStatus = status
}

func TestGlobalRecorderDefaultsToNoop(t *testing.T) {
	r := GetGlobalRecorder()
	require.NotNil(t, r)

	// Must be callable without panicking.
	r.RecordCascadeRun(context.Background(), "c", "success", time.Second, 0.5)
	r.RecordTurn(context.Background(), "gpt-4o", time.Second, 10, 5, nil)
}

func TestSetGlobalRecorder(t *testing.T) {
	spy := &recorderSpy{}
	SetGlobalRecorder(spy)
	defer SetGlobalRecorder(nil)

	GetGlobalRecorder().RecordToolCall(context.Background(), "search", time.Millisecond, nil)
	assert.Equal(t, 1, spy.tools)

	// nil restores the default no-op.
	SetGlobalRecorder(nil)
	require.NotNil(t, GetGlobalRecorder())
	GetGlobalRecorder().RecordToolCall(context.Background(), "search", time.Millisecond, nil)
	assert.Equal(t, 1, spy.tools)
}

func TestInitMetricsDisabled(t *testing.T) {
	rec, err := InitMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.Registry())

	// Recording on the inert recorder is a no-op, not a panic.
	rec.RecordCascadeRun(context.Background(), "c", "failed", time.Second, 0)
	rec.RecordCellEntry(context.Background(), "c", "draft", time.Second, nil)

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, rec.Shutdown(context.Background()))
}

func TestInitMetricsRecordsAndScrapes(t *testing.T) {
	rec, err := InitMetrics(MetricsConfig{Enabled: true})
	require.NoError(t, err)
	defer func() { _ = rec.Shutdown(context.Background()) }()

	ctx := context.Background()
	rec.RecordCascadeRun(ctx, "support", "success", 2*time.Second, 0.12)
	rec.RecordCellEntry(ctx, "support", "triage", 800*time.Millisecond, nil)
	rec.RecordTurn(ctx, "gpt-4o-mini", 500*time.Millisecond, 120, 80, nil)
	rec.RecordToolCall(ctx, "fetch_order", 30*time.Millisecond, nil)
	rec.RecordCandidateFanOut(ctx, "triage", "best_of", 3)
	rec.RecordCheckpointEvent(ctx, "created")
	rec.RecordHTTPRequest(ctx, http.MethodGet, "/checkpoints", http.StatusOK, time.Millisecond)

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "cascade_runs_total")
	assert.Contains(t, body, "cascade_run_cost_usd_total")
	assert.Contains(t, body, "cascade_turn_tokens_input_total")
	assert.Contains(t, body, "cascade_tool_calls_total")
	assert.Contains(t, body, "cascade_candidate_fanouts_total")
	assert.Contains(t, body, "cascade_checkpoint_events_total")
	assert.Contains(t, body, "cascade_http_requests_total")
}

func TestZeroValueRecorderIsSafe(t *testing.T) {
	var rec *PrometheusRecorder
	rec.RecordCascadeRun(context.Background(), "c", "success", time.Second, 0)
	require.NoError(t, rec.Shutdown(context.Background()))
	assert.Nil(t, rec.Registry())
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(Config{
		Metrics: MetricsConfig{Enabled: true},
	})
	require.NoError(t, m.Initialize(context.Background()))
	defer func() { _ = m.Shutdown(context.Background()) }()

	// Initialize swaps in the real recorder globally.
	GetGlobalRecorder().RecordCheckpointEvent(context.Background(), "responded")

	w := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cascade_checkpoint_events_total")
	assert.Equal(t, "/metrics", m.MetricsEndpoint())

	require.NoError(t, m.Shutdown(context.Background()))

	// Shutdown restores the no-op.
	_, isNoop := GetGlobalRecorder().(NoopRecorder)
	assert.True(t, isNoop)
}

func TestNoopManager(t *testing.T) {
	m := NoopManager()
	require.NotNil(t, m.GetTracer("test"))
	require.NotNil(t, m.Recorder())

	w := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestTracingDisabledReturnsNoopProvider(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	span.End()
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)
	assert.Equal(t, DefaultSamplingRate, cfg.Tracing.SamplingRate)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Endpoint)
	require.NoError(t, cfg.Validate())

	bad := Config{Tracing: TracingConfig{Enabled: true, SamplingRate: 1.5}}
	require.Error(t, bad.Validate())
}

func TestHTTPMiddleware(t *testing.T) {
	spy := &recorderSpy{}
	SetGlobalRecorder(spy)
	defer SetGlobalRecorder(nil)

	handler := HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/checkpoints/cp-1/respond", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())
	assert.Equal(t, 1, spy.requests)
	assert.Equal(t, http.StatusTeapot, spy.lastStatus)
}
