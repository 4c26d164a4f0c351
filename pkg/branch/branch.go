// Package branch forks a saved session at a human-decision checkpoint: it
// rebuilds the pre-checkpoint session state, injects a different response
// than the one originally given, and re-runs the cascade from the cell that
// followed the checkpoint. Branches are ordinary sessions whose
// parent_session_id points at the forked run, so the branch tree is a
// recursive walk over that field.
package branch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/checkpoint"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/identity"
	"github.com/kadirpekel/cascade/pkg/scheduler"
	"github.com/kadirpekel/cascade/pkg/tool/controltool"
)

// BranchPointKey is the Echo metadata key naming the checkpoint a branch
// forked from.
const BranchPointKey = "branch_point_checkpoint_id"

// ErrCheckpointNotFound is returned when the requested checkpoint does not
// exist on the parent session.
var ErrCheckpointNotFound = errors.New("branch: checkpoint not found")

// Config wires the manager.
type Config struct {
	// Checkpoints reads the parent session's checkpoint records. Required.
	Checkpoints checkpoint.Store

	// Sessions persists and loads session snapshots; branch tree queries
	// walk it. Required.
	Sessions echo.Store

	// Scheduler re-runs the cascade from the branch point. Required.
	Scheduler *scheduler.Scheduler

	// Library resolves the parent run's cascade id back to its definition.
	// Required.
	Library scheduler.Library

	// Logger is the structured logger; defaults to slog.Default.
	Logger *slog.Logger
}

// Manager creates and enumerates branches.
type Manager struct {
	cfg Config
	log *slog.Logger
}

// New validates the wiring and returns a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Checkpoints == nil {
		return nil, errors.New("branch: checkpoint store is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("branch: session store is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("branch: scheduler is required")
	}
	if cfg.Library == nil {
		return nil, errors.New("branch: cascade library is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, log: cfg.Logger.With("component", "branch")}, nil
}

// Request names the fork point and the replacement answer.
type Request struct {
	// ParentSessionID is the session to fork.
	ParentSessionID string

	// CheckpointID picks the fork point directly. When empty,
	// CheckpointIndex picks it by position among the parent session's
	// checkpoints in creation order.
	CheckpointID    string
	CheckpointIndex int

	// Response replaces the answer the parent run received at that
	// checkpoint.
	Response any

	// Env overlays the scheduler-level env for the branch run.
	Env map[string]string
}

// Branch is the created fork, returned alongside the run result.
type Branch struct {
	SessionID       string
	ParentSessionID string
	CheckpointID    string

	// ResumedAt is the cell the branch run started from: the one following
	// the checkpoint cell.
	ResumedAt string
}

// Create forks the parent session at a checkpoint and runs the cascade from
// the cell after it, with the replacement response staged as if the reviewer
// had answered it.
//
// The pre-checkpoint state comes from the snapshot the broker captured when
// the checkpoint was filed. Older records without one fall back to the
// parent's persisted snapshot with history truncated at the checkpoint's
// creation time.
func (m *Manager) Create(ctx context.Context, req Request) (*Branch, *cascade.Result, error) {
	if req.ParentSessionID == "" {
		return nil, nil, errors.New("branch: parent session id is required")
	}

	rec, err := m.findCheckpoint(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	snap, err := m.snapshotAt(ctx, rec)
	if err != nil {
		return nil, nil, err
	}

	casc, err := m.cfg.Library.Resolve(rec.CascadeID)
	if err != nil {
		return nil, nil, fmt.Errorf("branch: resolve cascade %q: %w", rec.CascadeID, err)
	}
	resumeAt, err := cellAfter(casc, rec.PhaseIndex)
	if err != nil {
		return nil, nil, err
	}

	// The branch is a fresh session carrying the parent's pre-checkpoint
	// state under its own identity.
	snap.SessionID = echo.NewSessionID()
	snap.ParentSessionID = req.ParentSessionID
	ec := echo.Restore(snap)
	ec.SetMetadata(BranchPointKey, rec.ID)
	ec.SetMetadata("last_checkpoint_id", rec.ID)
	ec.UpdateState(controltool.CheckpointStatePrefix+rec.ID, req.Response)

	// Persist before running so tree queries see the branch even while it
	// is in flight.
	if err := m.cfg.Sessions.Save(ctx, ec.Snapshot()); err != nil {
		return nil, nil, fmt.Errorf("branch: persist branch session: %w", err)
	}

	branch := &Branch{
		SessionID:       ec.SessionID(),
		ParentSessionID: req.ParentSessionID,
		CheckpointID:    rec.ID,
		ResumedAt:       resumeAt,
	}

	m.log.Info("branch created",
		"parent", identity.ShortID(req.ParentSessionID),
		"session", identity.ShortID(branch.SessionID),
		"checkpoint", rec.ID,
		"resume_at", resumeAt)

	inputs := inputsFrom(ec)
	res, err := m.cfg.Scheduler.Run(ctx, casc, inputs, scheduler.RunOptions{
		Echo:    ec,
		StartAt: resumeAt,
		Env:     req.Env,
	})
	if err != nil {
		return branch, nil, err
	}
	return branch, res, nil
}

// Descendants enumerates every session forked, directly or transitively,
// from the given one, in depth-first order.
func (m *Manager) Descendants(ctx context.Context, sessionID string) ([]string, error) {
	var out []string
	var walk func(id string) error
	walk = func(id string) error {
		children, err := m.cfg.Sessions.Children(ctx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			out = append(out, child)
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(sessionID); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) findCheckpoint(ctx context.Context, req Request) (checkpoint.Record, error) {
	if req.CheckpointID != "" {
		rec, err := m.cfg.Checkpoints.Get(ctx, req.CheckpointID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return checkpoint.Record{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, req.CheckpointID)
		}
		if err != nil {
			return checkpoint.Record{}, err
		}
		if rec.SessionID != req.ParentSessionID {
			return checkpoint.Record{}, fmt.Errorf("%w: %s belongs to session %s, not %s",
				ErrCheckpointNotFound, req.CheckpointID, rec.SessionID, req.ParentSessionID)
		}
		return rec, nil
	}

	recs, err := m.cfg.Checkpoints.BySession(ctx, req.ParentSessionID)
	if err != nil {
		return checkpoint.Record{}, err
	}
	if req.CheckpointIndex < 0 || req.CheckpointIndex >= len(recs) {
		return checkpoint.Record{}, fmt.Errorf("%w: session %s has %d checkpoints, index %d",
			ErrCheckpointNotFound, req.ParentSessionID, len(recs), req.CheckpointIndex)
	}
	return recs[req.CheckpointIndex], nil
}

// snapshotAt rebuilds the session as it stood when the checkpoint was
// filed.
func (m *Manager) snapshotAt(ctx context.Context, rec checkpoint.Record) (echo.Snapshot, error) {
	if rec.Echo != nil {
		return *rec.Echo, nil
	}

	snap, err := m.cfg.Sessions.Load(ctx, rec.SessionID)
	if err != nil {
		return echo.Snapshot{}, fmt.Errorf("branch: load parent session %s: %w", rec.SessionID, err)
	}

	// Keep history rows stamped at or before the checkpoint's creation;
	// everything later belongs to the timeline being replaced.
	kept := snap.History[:0:0]
	for _, msg := range snap.History {
		if !msg.Timestamp.After(rec.CreatedAt) {
			kept = append(kept, msg)
		}
	}
	snap.History = kept
	return snap, nil
}

// cellAfter names the cell following the checkpoint cell.
func cellAfter(casc *cascade.Cascade, phaseIndex int) (string, error) {
	next := phaseIndex + 1
	if next >= len(casc.Cells) {
		return "", fmt.Errorf("branch: checkpoint cell at index %d is the last cell of cascade %q; nothing to resume",
			phaseIndex, casc.ID)
	}
	return casc.Cells[next].Name, nil
}

// inputsFrom recovers the parent run's top-level inputs from the canonical
// JSON the scheduler stamped on the session.
func inputsFrom(ec *echo.Echo) map[string]any {
	raw, ok := ec.Metadata("inputs")
	if !ok || raw == "" {
		return map[string]any{}
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return map[string]any{}
	}
	return inputs
}
