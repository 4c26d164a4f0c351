// Package observability wires OpenTelemetry tracing and Prometheus metrics
// around the engine. Core packages report through the process-wide Recorder,
// which defaults to a no-op; embedders that want telemetry initialize a
// Manager, which swaps the real recorder in.
package observability

import (
	"context"
	"sync"
	"time"
)

var (
	globalRecorder Recorder = NoopRecorder{}
	recorderMu     sync.RWMutex
)

// Recorder receives engine measurements. Implementations must be safe for
// concurrent use and must never block the caller.
type Recorder interface {
	// RecordCascadeRun records one finished run with its terminal status
	// ("success" or "failed") and accumulated provider cost.
	RecordCascadeRun(ctx context.Context, cascadeID, status string, duration time.Duration, cost float64)

	// RecordCellEntry records one finished phase entry of a cell.
	RecordCellEntry(ctx context.Context, cascadeID, cell string, duration time.Duration, err error)

	// RecordTurn records one model invocation with its token usage.
	RecordTurn(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)

	// RecordToolCall records one tool invocation.
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordCandidateFanOut records a candidate expansion of the given factor.
	RecordCandidateFanOut(ctx context.Context, cell, mode string, factor int)

	// RecordCheckpointEvent counts checkpoint lifecycle transitions
	// (created, responded, cancelled, expired).
	RecordCheckpointEvent(ctx context.Context, event string)

	// RecordHTTPRequest records one request served by an engine HTTP surface.
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration)
}

// SetGlobalRecorder installs the process-wide recorder. Passing nil restores
// the default no-op.
func SetGlobalRecorder(r Recorder) {
	if r == nil {
		r = NoopRecorder{}
	}
	recorderMu.Lock()
	defer recorderMu.Unlock()
	globalRecorder = r
}

// GetGlobalRecorder returns the process-wide recorder. It never returns nil,
// so call sites record unconditionally.
func GetGlobalRecorder() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	return globalRecorder
}
