package observability

import (
	"context"
	"time"
)

// NoopRecorder discards every measurement. It is the default global recorder
// so instrumented code never has to nil-check.
type NoopRecorder struct{}

func (NoopRecorder) RecordCascadeRun(context.Context, string, string, time.Duration, float64) {}

func (NoopRecorder) RecordCellEntry(context.Context, string, string, time.Duration, error) {}

func (NoopRecorder) RecordTurn(context.Context, string, time.Duration, int, int, error) {}

func (NoopRecorder) RecordToolCall(context.Context, string, time.Duration, error) {}

func (NoopRecorder) RecordCandidateFanOut(context.Context, string, string, int) {}

func (NoopRecorder) RecordCheckpointEvent(context.Context, string) {}

func (NoopRecorder) RecordHTTPRequest(context.Context, string, string, int, time.Duration) {}

// NoopManager returns a Manager with everything disabled. Use it when
// observability is configured off.
func NoopManager() *Manager {
	return &Manager{}
}

var _ Recorder = NoopRecorder{}
