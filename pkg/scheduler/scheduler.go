// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler drives a cascade run. It walks cells in declaration
// order, executes each phase entry through the candidate engine (LLM cells)
// or the deterministic executor (tool cells), applies handoff routing under
// the cascade-level re-entry budget, and finalizes the run: writing the
// completion row, flushing the log, persisting the session snapshot, and
// invoking post-run hooks.
//
// The scheduler owns everything BETWEEN phase entries. Everything inside one
// entry (turns, tool dispatch, wards, corrective retries) belongs to
// pkg/cell; fan-out and winner selection belong to pkg/candidate.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/cascade/pkg/candidate"
	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/deterministic"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/identity"
	"github.com/kadirpekel/cascade/pkg/model"
	"github.com/kadirpekel/cascade/pkg/observability"
	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/runlog"
)

const (
	// DefaultMaxDepth bounds sub-cascade nesting.
	DefaultMaxDepth = 8

	// persistTimeout bounds the post-run flush and snapshot save, which must
	// survive a cancelled run context.
	persistTimeout = 5 * time.Second

	// noNext ends the walk.
	noNext = -1
)

// Config wires the Scheduler's dependencies.
type Config struct {
	// Candidates runs LLM phase entries, fan-out included. Required.
	Candidates *candidate.Engine

	// Executor runs deterministic cells. Optional; cascades without tool
	// cells never touch it.
	Executor *deterministic.Executor

	// Engine renders loop_until conditions. Required.
	Engine *prompt.Engine

	// Log receives the run's rows. Required.
	Log *runlog.Logger

	// Library resolves launch_sub_cascade paths. Optional; without one the
	// launch tool reports itself unavailable.
	Library Library

	// Store persists the session snapshot after every run. Optional.
	Store echo.Store

	// OnCompletion runs after a finalized run, successful or failed. The
	// analytics worker enqueues here. It must not block.
	OnCompletion func(sessionID string)

	// Env is exposed to templates as {{ env.* }}.
	Env map[string]string

	// MaxDepth bounds sub-cascade nesting. Default 8.
	MaxDepth int

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.Candidates == nil {
		return errors.New("scheduler: candidate engine is required")
	}
	if c.Engine == nil {
		return errors.New("scheduler: prompt engine is required")
	}
	if c.Log == nil {
		return errors.New("scheduler: run logger is required")
	}
	return nil
}

// Scheduler runs cascades. Safe for concurrent use; each Run works on its
// own walk state.
type Scheduler struct {
	cfg Config
	log *slog.Logger
}

// New validates the wiring and returns a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger.With("component", "scheduler")}, nil
}

// RunOptions tune a single run.
type RunOptions struct {
	// Echo is the session container to run against. Nil starts a fresh
	// session.
	Echo *echo.Echo

	// StartAt names the cell to begin from instead of the first. Branch
	// resume starts at the checkpoint cell.
	StartAt string

	// CallerID stamps the fresh session created when Echo is nil.
	CallerID string

	// Env overlays the scheduler-level env for this run.
	Env map[string]string
}

// walk is one run's mutable cursor state.
type walk struct {
	casc         *cascade.Cascade
	ec           *echo.Echo
	inputs       map[string]any
	env          map[string]string
	entries      map[string]int
	reentries    int
	maxReentries int
	runTrace     string
	cost         model.Usage
}

// phaseResult is what one successful phase entry hands back to the walk.
type phaseResult struct {
	output  any
	routeTo string
	usage   model.Usage
	skipped bool
}

// Run executes the cascade against the given top-level inputs.
//
// Errors are split by when they happen: problems detected before any cell
// runs (nil cascade, validation, unknown start_at, bad inputs) return a nil
// Result and an error; once the walk has started, failures finalize into a
// Result with StatusFailed and a nil error, so the caller always gets the
// lineage and cost accumulated up to the failure point.
func (s *Scheduler) Run(ctx context.Context, casc *cascade.Cascade, inputs map[string]any, opts RunOptions) (*cascade.Result, error) {
	if casc == nil {
		return nil, cascade.NewError(cascade.KindValidation, "", "", "nil cascade")
	}
	casc.SetDefaults()
	if err := casc.Validate(); err != nil {
		return nil, cascade.WrapError(cascade.KindValidation, casc.ID, "", err)
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := casc.ValidateInputs(inputs); err != nil {
		return nil, cascade.WrapError(cascade.KindValidation, casc.ID, "", err)
	}

	ec := opts.Echo
	if ec == nil {
		ec = echo.New(echo.NewSessionID(), opts.CallerID, "")
	}

	startIdx := 0
	if opts.StartAt != "" {
		_, i, ok := casc.CellByName(opts.StartAt)
		if !ok {
			return nil, cascade.NewError(cascade.KindValidation, casc.ID, "", "start_at cell %q does not exist", opts.StartAt)
		}
		startIdx = i
	}

	canonInputs := identity.Canonical(inputs)
	ec.SetGenusHash(identity.Genus(casc.ID, cellRefs(casc), inputs))
	ec.SetMetadata("cascade_id", casc.ID)
	ec.SetMetadata("inputs", string(canonInputs))

	runCtx := runlog.WithScope(ctx, runlog.Scope{
		SessionID:       ec.SessionID(),
		ParentSessionID: ec.ParentSessionID(),
		CallerID:        ec.CallerID(),
		CascadeID:       casc.ID,
		GenusHash:       ec.GenusHash(),
	})
	runCtx, span := observability.StartSpan(runCtx, observability.SpanCascadeRun,
		attribute.String(observability.AttrCascadeID, casc.ID),
		attribute.String(observability.AttrSessionID, ec.SessionID()),
	)
	defer span.End()

	w := &walk{
		casc:         casc,
		ec:           ec,
		inputs:       inputs,
		env:          s.mergeEnv(opts.Env),
		entries:      make(map[string]int, len(casc.Cells)),
		maxReentries: *casc.Rules.MaxTurns,
		runTrace:     uuid.NewString(),
	}

	s.cfg.Log.Log(runCtx, runlog.Row{
		NodeType:     runlog.NodeCascadeStart,
		TraceID:      w.runTrace,
		Role:         model.RoleSystem,
		Content:      string(canonInputs),
		ContentType:  "inputs",
		DataFormat:   runlog.FormatJSON,
		DataSizeJSON: len(canonInputs),
	})

	started := time.Now()
	var fatal error
	idx := startIdx

	for idx != noNext && idx < len(casc.Cells) {
		c := casc.Cells[idx]

		if err := ctx.Err(); err != nil {
			fatal = cascade.WrapError(cascade.KindTimeout, casc.ID, c.Name, err)
			s.logFailure(runCtx, w, c.Name, idx, cascade.KindTimeout, fatal)
			break
		}

		res, err := s.phase(runCtx, w, c, idx, s.scope(w))
		if err != nil {
			kind := kindFor(err)
			var dErr *deterministic.Error
			if !errors.As(err, &dErr) {
				// The deterministic executor records its own error; every
				// other failure is recorded here.
				ec.AddError(c.Name, string(kind), err.Error())
			}
			s.logFailure(runCtx, w, c.Name, idx, kind, err)

			if c.Rules != nil && c.Rules.OnError != nil {
				recovered, rerr := s.recoverPhase(runCtx, w, c, idx, err)
				if rerr != nil {
					fatal = rerr
					break
				}
				w.cost.Add(recovered.usage)
				idx = s.successor(w, idx)
				continue
			}
			if !fatalKind(kind) {
				idx = s.successor(w, idx)
				continue
			}
			fatal = err
			break
		}

		w.cost.Add(res.usage)
		idx = s.next(runCtx, w, c, idx, res.routeTo)
	}

	result := s.finalize(runCtx, w, fatal, time.Since(started))
	span.SetAttributes(attribute.String(observability.AttrRunStatus, string(result.Status)))
	return result, nil
}

// phase executes one entry of one cell: species stamping, phase rows,
// dispatch to the deterministic executor or the candidate engine, lineage
// and record upkeep.
func (s *Scheduler) phase(ctx context.Context, w *walk, c *cascade.Cell, idx int, scope prompt.Scope) (res *phaseResult, err error) {
	w.entries[c.Name]++
	started := time.Now()

	phaseTrace := uuid.NewString()
	pctx := runlog.WithScope(ctx, runlog.Scope{
		CellName:    c.Name,
		CellIndex:   idx,
		SpeciesHash: identity.Species(speciesBasis(w.inputs, c)),
		TraceID:     phaseTrace,
		ParentID:    w.runTrace,
	})
	pctx, span := observability.StartSpan(pctx, observability.SpanPhase,
		attribute.String(observability.AttrCellName, c.Name),
	)
	defer span.End()
	defer func() {
		observability.GetGlobalRecorder().RecordCellEntry(pctx, w.casc.ID, c.Name, time.Since(started), err)
	}()

	w.ec.SetPointer(w.casc.ID, c.Name)

	s.cfg.Log.Log(pctx, runlog.Row{
		NodeType:    runlog.NodePhaseStart,
		Role:        model.RoleSystem,
		Content:     c.Name,
		ContentType: "phase",
	})

	if c.IsDeterministic() {
		if s.cfg.Executor == nil {
			return nil, cascade.NewError(cascade.KindValidation, w.casc.ID, c.Name,
				"deterministic cell %q has no executor wired", c.Name)
		}
		output, xerr := s.cfg.Executor.Execute(pctx, c, w.ec, scope)
		if xerr != nil {
			return nil, xerr
		}
		w.ec.AddLineage(c.Name, output, phaseTrace)
		w.ec.SetRecord(c.Name, echo.CellRecord{Output: output})
		s.endPhase(pctx, c, started, model.Usage{})
		return &phaseResult{output: output}, nil
	}

	sel, serr := s.cfg.Candidates.Run(pctx, c, w.ec, scope, w.casc.Model)
	if serr != nil {
		return nil, serr
	}
	if c.Candidates != nil {
		observability.GetGlobalRecorder().RecordCandidateFanOut(pctx, c.Name, c.Candidates.Mode, sel.Factor)
	}

	if sel.Skipped {
		w.ec.AddLineageSkipped(c.Name, phaseTrace)
		s.endPhase(pctx, c, started, sel.Usage)
		return &phaseResult{skipped: true, usage: sel.Usage}, nil
	}

	out := sel.Outcome
	w.ec.AddLineage(c.Name, out.Output, phaseTrace)
	w.ec.SetRecord(c.Name, echo.CellRecord{
		Output:    out.Output,
		ToolCalls: out.ToolCalls,
		Reasoning: out.Reasoning,
	})
	s.endPhase(pctx, c, started, sel.Usage)
	return &phaseResult{output: out.Output, routeTo: out.RouteTo, usage: sel.Usage}, nil
}

// endPhase writes the phase_end row. It shares the phase trace with
// phase_start; the node type keeps the pair dedup-safe. Failed entries get
// an error row instead, so phase_end marks success.
func (s *Scheduler) endPhase(ctx context.Context, c *cascade.Cell, started time.Time, usage model.Usage) {
	s.cfg.Log.Log(ctx, runlog.Row{
		NodeType:    runlog.NodePhaseEnd,
		Role:        model.RoleSystem,
		Content:     c.Name,
		ContentType: "phase",
		TokensIn:    usage.TokensIn,
		TokensOut:   usage.TokensOut,
		Cost:        usage.Cost,
		DurationMS:  time.Since(started).Milliseconds(),
	})
}

// recoverPhase runs the cell's on_error handler with the failure injected
// under input.error. The handler's own routing is ignored; control returns
// to declaration order. A failing handler escalates to a fatal error.
func (s *Scheduler) recoverPhase(ctx context.Context, w *walk, failed *cascade.Cell, idx int, cause error) (*phaseResult, error) {
	handler := *failed.Rules.OnError
	if handler.Name == "" {
		handler.Name = failed.Name + ":on_error"
	}

	res, err := s.phase(ctx, w, &handler, idx, s.errorScope(w, failed, cause))
	if err != nil {
		kind := kindFor(err)
		var dErr *deterministic.Error
		if !errors.As(err, &dErr) {
			w.ec.AddError(handler.Name, string(kind), err.Error())
		}
		s.logFailure(ctx, w, handler.Name, idx, kind, err)
		return nil, err
	}
	return res, nil
}

// errorScope builds the handler's scope: the run inputs plus the failure
// payload under input.error.
func (s *Scheduler) errorScope(w *walk, failed *cascade.Cell, cause error) prompt.Scope {
	info := map[string]any{
		"cell":    failed.Name,
		"message": cause.Error(),
		"kind":    string(kindFor(cause)),
	}
	var dErr *deterministic.Error
	if errors.As(cause, &dErr) {
		info = dErr.Scope()
		info["kind"] = string(cascade.KindDeterministic)
	}

	in := make(map[string]any, len(w.inputs)+1)
	for k, v := range w.inputs {
		in[k] = v
	}
	in["error"] = info
	return prompt.Scope{Input: in, Env: w.env}
}

// next picks the cell after a successful entry. Precedence: an explicit
// route_to, then the self-loop gate, then the first listed handoff, then
// declaration order.
func (s *Scheduler) next(ctx context.Context, w *walk, c *cascade.Cell, idx int, routeTo string) int {
	if routeTo != "" {
		_, tidx, ok := w.casc.CellByName(routeTo)
		if !ok {
			w.ec.AddError(c.Name, string(cascade.KindValidation), "route_to target "+routeTo+" does not exist")
			return s.successor(w, idx)
		}
		return s.admit(ctx, w, idx, tidx)
	}

	if c.SelfLoop() {
		done, err := s.loopDone(w, c)
		if err != nil {
			w.ec.AddError(c.Name, string(cascade.KindValidation), "loop_until: "+err.Error())
			return s.successor(w, idx)
		}
		if !done {
			if w.entries[c.Name] >= c.MaxTurns() {
				exhausted := cascade.NewError(cascade.KindValidation, w.casc.ID, c.Name,
					"loop_until not satisfied within max_turns (%d) entries", c.MaxTurns())
				w.ec.AddError(c.Name, string(cascade.KindValidation), exhausted.Error())
				s.logFailure(ctx, w, c.Name, idx, cascade.KindValidation, exhausted)
				return s.successor(w, idx)
			}
			return s.admit(ctx, w, idx, idx)
		}
		for _, h := range c.Handoffs {
			if h == c.Name {
				continue
			}
			_, tidx, ok := w.casc.CellByName(h)
			if ok {
				return s.admit(ctx, w, idx, tidx)
			}
		}
		return s.successor(w, idx)
	}

	if len(c.Handoffs) > 0 {
		// Without an explicit route_to the first listed handoff wins.
		_, tidx, ok := w.casc.CellByName(c.Handoffs[0])
		if ok {
			return s.admit(ctx, w, idx, tidx)
		}
	}

	return s.successor(w, idx)
}

// admit grants entry to a routing target. First entries are free; re-entries
// consume the cascade-level budget, and an exhausted budget degrades to
// declaration order instead of failing the run.
func (s *Scheduler) admit(ctx context.Context, w *walk, fromIdx, targetIdx int) int {
	target := w.casc.Cells[targetIdx].Name
	if w.entries[target] == 0 {
		return targetIdx
	}
	if w.reentries >= w.maxReentries {
		from := w.casc.Cells[fromIdx]
		exhausted := cascade.NewError(cascade.KindValidation, w.casc.ID, from.Name,
			"cascade max_turns (%d) exhausted; skipping re-entry of %q", w.maxReentries, target)
		w.ec.AddError(from.Name, string(cascade.KindValidation), exhausted.Error())
		s.logFailure(ctx, w, from.Name, fromIdx, cascade.KindValidation, exhausted)
		return s.successor(w, fromIdx)
	}
	w.reentries++
	return targetIdx
}

// successor returns the next never-entered cell in declaration order.
func (s *Scheduler) successor(w *walk, idx int) int {
	for j := idx + 1; j < len(w.casc.Cells); j++ {
		if w.entries[w.casc.Cells[j].Name] == 0 {
			return j
		}
	}
	return noNext
}

// loopDone evaluates the self-loop gate over the live session scope. A
// self-loop without loop_until never reports done; its entry cap is the only
// exit.
func (s *Scheduler) loopDone(w *walk, c *cascade.Cell) (bool, error) {
	if c.Rules == nil || c.Rules.LoopUntil == "" {
		return false, nil
	}
	return s.cfg.Engine.RenderBool(c.Rules.LoopUntil, prompt.Scope{
		Input:     w.inputs,
		State:     w.ec.StateSnapshot(),
		Outputs:   w.ec.Outputs(),
		Env:       w.env,
		SessionID: w.ec.SessionID(),
	})
}

// finalize builds the Result, writes the completion row, and runs the
// persistence tail on a context that survives run cancellation.
func (s *Scheduler) finalize(ctx context.Context, w *walk, fatal error, elapsed time.Duration) *cascade.Result {
	res := &cascade.Result{
		Status:     cascade.StatusSuccess,
		SessionID:  w.ec.SessionID(),
		CascadeID:  w.casc.ID,
		Lineage:    w.ec.Lineage(),
		Cost:       w.cost.Cost,
		DurationMS: elapsed.Milliseconds(),
	}

	if fatal != nil {
		res.Status = cascade.StatusFailed
		at := &cascade.FailurePoint{Cascade: w.casc.ID}
		var cerr *cascade.Error
		var dErr *deterministic.Error
		switch {
		case errors.As(fatal, &cerr):
			at.Cell = cerr.Cell
			if cerr.Cascade != "" {
				at.Cascade = cerr.Cascade
			}
		case errors.As(fatal, &dErr):
			at.Cell = dErr.Cell
		}
		res.At = at
		kind := kindFor(fatal)
		res.Error = &cascade.ErrorInfo{Kind: kind, Message: fatal.Error()}
	} else {
		res.FinalState = w.ec.StateSnapshot()
	}

	summary := map[string]any{
		"status": string(res.Status),
		"cells":  len(res.Lineage),
	}
	if res.Error != nil {
		summary["error"] = res.Error.Message
	}
	payload, _ := json.Marshal(summary)

	s.cfg.Log.Log(ctx, runlog.Row{
		NodeType:    runlog.NodeCascadeCompleted,
		TraceID:     w.runTrace,
		Role:        model.RoleSystem,
		Content:     string(payload),
		ContentType: "summary",
		TokensIn:    w.cost.TokensIn,
		TokensOut:   w.cost.TokensOut,
		Cost:        w.cost.Cost,
		DurationMS:  res.DurationMS,
	})

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := s.cfg.Log.Flush(persistCtx); err != nil {
		s.log.Warn("run log flush failed", "session", w.ec.SessionID(), "error", err)
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Save(persistCtx, w.ec.Snapshot()); err != nil {
			s.log.Warn("session snapshot save failed", "session", w.ec.SessionID(), "error", err)
		}
	}
	if s.cfg.OnCompletion != nil {
		s.cfg.OnCompletion(w.ec.SessionID())
	}

	observability.GetGlobalRecorder().RecordCascadeRun(ctx, w.casc.ID, string(res.Status), elapsed, res.Cost)

	s.log.Info("cascade run finished",
		"cascade", w.casc.ID,
		"session", identity.ShortID(w.ec.SessionID()),
		"status", res.Status,
		"cells", len(res.Lineage),
		"cost", res.Cost,
		"duration_ms", res.DurationMS)

	return res
}

// logFailure writes the error row for a failed entry. The scheduler is the
// only writer of error rows, so one failure yields exactly one row.
func (s *Scheduler) logFailure(ctx context.Context, w *walk, cellName string, idx int, kind cascade.Kind, err error) {
	s.cfg.Log.Log(ctx, runlog.Row{
		NodeType:    runlog.NodeError,
		CellName:    cellName,
		CellIndex:   idx,
		TraceID:     uuid.NewString(),
		ParentID:    w.runTrace,
		Role:        model.RoleSystem,
		Content:     err.Error(),
		ContentType: string(kind),
	})
}

// scope builds the template scope for an ordinary phase entry. State and
// Outputs are refreshed from the Echo by the executing component.
func (s *Scheduler) scope(w *walk) prompt.Scope {
	return prompt.Scope{Input: w.inputs, Env: w.env}
}

func (s *Scheduler) mergeEnv(over map[string]string) map[string]string {
	merged := make(map[string]string, len(s.cfg.Env)+len(over))
	for k, v := range s.cfg.Env {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged
}

// speciesBasis is the identity payload for one cell entry. The model is
// deliberately absent: species compare WHAT ran, not which provider ran it.
func speciesBasis(inputs map[string]any, c *cascade.Cell) map[string]any {
	if c.IsDeterministic() {
		return map[string]any{
			"tool":       c.Tool,
			"inputs":     c.Inputs,
			"input_data": inputs,
			"rules":      c.Rules,
		}
	}
	return map[string]any{
		"instructions":  c.Instructions,
		"input_data":    inputs,
		"candidates":    c.Candidates,
		"rules":         c.Rules,
		"output_schema": c.OutputSchema,
		"wards":         c.Wards,
	}
}

func cellRefs(casc *cascade.Cascade) []identity.CellRef {
	refs := make([]identity.CellRef, len(casc.Cells))
	for i, c := range casc.Cells {
		typ := "llm"
		if c.IsDeterministic() {
			typ = "deterministic"
		}
		refs[i] = identity.CellRef{Name: c.Name, Type: typ, Tool: c.Tool}
	}
	return refs
}

// kindFor maps any failure to its taxonomy kind. Cancellation surfaces as a
// timeout; unclassified errors count as deterministic failures.
func kindFor(err error) cascade.Kind {
	if k, ok := cascade.KindOf(err); ok {
		return k
	}
	var dErr *deterministic.Error
	if errors.As(err, &dErr) {
		return cascade.KindDeterministic
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return cascade.KindTimeout
	}
	return cascade.KindDeterministic
}

// fatalKind reports whether a failure ends the run. Validation failures
// degrade: the cell records its error and the walk advances.
func fatalKind(k cascade.Kind) bool {
	return k != cascade.KindValidation
}
