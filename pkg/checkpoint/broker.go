// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/model"
	"github.com/kadirpekel/cascade/pkg/observability"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/tool/controltool"
)

// Config wires the broker.
type Config struct {
	// Store persists checkpoint records. Required.
	Store Store

	// Log receives checkpoint lifecycle rows. Optional; a nil logger skips
	// run log records but keeps persistence and signaling intact.
	Log *runlog.Logger

	// Logger is the structured logger; defaults to slog.Default.
	Logger *slog.Logger
}

// Broker is the checkpoint registry and wake-up channel between suspended
// cells and external reviewers. Persistence makes checkpoints durable;
// waiters are process-local.
type Broker struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan outcome
}

type outcome struct {
	response map[string]any
	err      error
}

// New builds a broker around a record store.
func New(cfg Config) (*Broker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "checkpoint"),
		waiters: make(map[string]chan outcome),
	}, nil
}

// Decide implements the request_decision contract: persist a pending
// checkpoint for the calling cell, then block until a reviewer responds,
// cancels, the optional timeout lapses, or the run's context ends. The
// returned map carries checkpoint_id and response.
func (b *Broker) Decide(ctx context.Context, request map[string]any) (map[string]any, error) {
	scope := runlog.ScopeFrom(ctx)

	rec := Record{
		ID:             uuid.NewString(),
		SessionID:      scope.SessionID,
		CascadeID:      scope.CascadeID,
		CellName:       scope.CellName,
		PhaseIndex:     scope.CellIndex,
		Status:         StatusPending,
		ExpectedShape:  request,
		TimeoutSeconds: int(timeoutFrom(request) / time.Second),
		CreatedAt:      time.Now().UTC(),
	}
	if ec, ok := echo.Current(ctx); ok {
		snap := ec.Snapshot()
		rec.Echo = &snap
		if rec.SessionID == "" {
			rec.SessionID = snap.SessionID
		}
	}

	if err := b.cfg.Store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("checkpoint: persist: %w", err)
	}
	b.logRow(ctx, rec.ID, StatusPending)
	observability.GetGlobalRecorder().RecordCheckpointEvent(ctx, "created")

	b.log.Info("Checkpoint pending",
		"checkpoint_id", rec.ID,
		"session_id", rec.SessionID,
		"cell", rec.CellName,
		"timeout_seconds", rec.TimeoutSeconds)

	response, err := b.Await(ctx, rec.ID, timeoutFrom(request))
	if err != nil {
		b.logRow(ctx, rec.ID, StatusCancelled)
		return nil, err
	}
	b.logRow(ctx, rec.ID, StatusCompleted)

	return map[string]any{
		"checkpoint_id": rec.ID,
		"response":      response,
	}, nil
}

// Await blocks until the checkpoint resolves. A zero timeout waits
// indefinitely. Responses that raced ahead of the wait are picked up from
// the store, so Respond-before-Await cannot deadlock.
func (b *Broker) Await(ctx context.Context, id string, timeout time.Duration) (map[string]any, error) {
	ch := b.register(id)
	defer b.unregister(id)

	if rec, err := b.cfg.Store.Get(ctx, id); err == nil {
		switch rec.Status {
		case StatusCompleted:
			return rec.Response, nil
		case StatusCancelled:
			return nil, b.cancelled(rec)
		}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case out := <-ch:
		return out.response, out.err

	case <-timer:
		rec, err := b.resolve(id, StatusCancelled, nil, fmt.Sprintf("timed out after %s", timeout))
		if err != nil {
			// Lost the race against a reviewer; take whatever won. The
			// winner's wake-up send may not have landed yet, so fall back
			// to the persisted record before giving up.
			select {
			case out := <-ch:
				return out.response, out.err
			default:
			}
			if rec, rerr := b.cfg.Store.Get(ctx, id); rerr == nil {
				switch rec.Status {
				case StatusCompleted:
					return rec.Response, nil
				case StatusCancelled:
					return nil, b.cancelled(rec)
				}
			}
			return nil, fmt.Errorf("checkpoint: timeout resolution: %w", err)
		}
		observability.GetGlobalRecorder().RecordCheckpointEvent(ctx, "timed_out")
		return nil, b.cancelled(rec)

	case <-ctx.Done():
		// Best-effort terminal mark so the record does not read pending
		// forever after the run is gone.
		_, _ = b.resolve(id, StatusCancelled, nil, "run context ended")
		return nil, ctx.Err()
	}
}

// Respond completes a pending checkpoint with the reviewer's payload and
// wakes the waiting cell. Responding to an already completed checkpoint is
// idempotent and returns the stored record; responding to a cancelled one
// fails with ErrNotPending.
func (b *Broker) Respond(ctx context.Context, id string, response map[string]any) (Record, error) {
	current, err := b.cfg.Store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	switch current.Status {
	case StatusCompleted:
		return current, nil
	case StatusCancelled:
		return Record{}, fmt.Errorf("%w: checkpoint %s is cancelled", ErrNotPending, id)
	}

	rec, err := b.resolve(id, StatusCompleted, response, "")
	if err != nil {
		return Record{}, err
	}
	observability.GetGlobalRecorder().RecordCheckpointEvent(ctx, "responded")
	b.log.Info("Checkpoint responded", "checkpoint_id", id, "session_id", rec.SessionID)
	return rec, nil
}

// Cancel marks a pending checkpoint cancelled and fails the waiting cell
// with an explicit cancellation error. Cancelling twice is idempotent;
// cancelling a completed checkpoint fails with ErrNotPending.
func (b *Broker) Cancel(ctx context.Context, id, reason string) (Record, error) {
	current, err := b.cfg.Store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	switch current.Status {
	case StatusCancelled:
		return current, nil
	case StatusCompleted:
		return Record{}, fmt.Errorf("%w: checkpoint %s is completed", ErrNotPending, id)
	}

	if reason == "" {
		reason = "cancelled by reviewer"
	}
	rec, err := b.resolve(id, StatusCancelled, nil, reason)
	if err != nil {
		return Record{}, err
	}
	observability.GetGlobalRecorder().RecordCheckpointEvent(ctx, "cancelled")
	b.log.Info("Checkpoint cancelled", "checkpoint_id", id, "reason", reason)
	return rec, nil
}

// Get returns one checkpoint record.
func (b *Broker) Get(ctx context.Context, id string) (Record, error) {
	return b.cfg.Store.Get(ctx, id)
}

// Pending lists pending checkpoints in creation order.
func (b *Broker) Pending(ctx context.Context) ([]Record, error) {
	return b.cfg.Store.Pending(ctx)
}

// BySession lists a session's checkpoints in creation order.
func (b *Broker) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	return b.cfg.Store.BySession(ctx, sessionID)
}

// resolve persists the terminal state and wakes the waiter, if any. The
// store write happens off the caller's context so a dying run still leaves
// a terminal record behind.
func (b *Broker) resolve(id, status string, response map[string]any, reason string) (Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := b.cfg.Store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending {
		return Record{}, fmt.Errorf("%w: checkpoint %s is %s", ErrNotPending, id, rec.Status)
	}

	now := time.Now().UTC()
	rec.Status = status
	rec.Response = response
	rec.Reason = reason
	rec.RespondedAt = &now
	if err := b.cfg.Store.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("checkpoint: persist resolution: %w", err)
	}

	b.mu.Lock()
	ch := b.waiters[id]
	b.mu.Unlock()
	if ch != nil {
		out := outcome{response: response}
		if status == StatusCancelled {
			out = outcome{err: b.cancelled(rec)}
		}
		select {
		case ch <- out:
		default:
		}
	}
	return rec, nil
}

func (b *Broker) cancelled(rec Record) error {
	return cascade.NewError(cascade.KindCheckpointCancelled, rec.CascadeID, rec.CellName,
		"checkpoint %s cancelled: %s", rec.ID, rec.Reason)
}

func (b *Broker) register(id string) chan outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan outcome, 1)
	b.waiters[id] = ch
	return ch
}

func (b *Broker) unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiters, id)
}

// logRow records a checkpoint lifecycle transition in the run log. Each
// transition gets its own trace id so the read-side dedup keeps all of them.
func (b *Broker) logRow(ctx context.Context, id, status string) {
	if b.cfg.Log == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"checkpoint_id": id, "status": status})
	b.cfg.Log.Log(ctx, runlog.Row{
		NodeType:    runlog.NodeCheckpoint,
		TraceID:     uuid.NewString(),
		Role:        model.RoleSystem,
		Content:     string(payload),
		ContentType: "checkpoint",
	})
}

// timeoutFrom reads the optional timeout_seconds argument. JSON numbers
// arrive as float64; zero or absent means wait indefinitely.
func timeoutFrom(request map[string]any) time.Duration {
	switch v := request["timeout_seconds"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	}
	return 0
}

var _ controltool.Decider = (*Broker)(nil)
