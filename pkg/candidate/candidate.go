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

// Package candidate fans a cell out into parallel variants and selects
// among their results. It is the only place the engine forks work inside a
// single cascade: every variant runs the ordinary turn machine against a
// forked Echo, gated by a process-wide pool, and only the winner's buffered
// writes are merged back.
//
// Three modes:
//
//   - first: the first variant to finish successfully wins; the rest are
//     cancelled.
//   - evaluate: all variants finish, an embedded evaluator scores them, and
//     the arg-max wins (ties: lower cost, then lower index). Without an
//     evaluator the mode degrades to the cost/index tie-break.
//   - aggregate: every successful output is passed onward as a list; no
//     single winner, no state merge.
//
// A sibling's failure never fails the fan-out while another sibling
// succeeds.
package candidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/cell"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/model"
	"github.com/kadirpekel/cascade/pkg/pool"
	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/runlog"
)

// evaluatorMaxTurns bounds the scoring call, leaving room for corrective
// retries when the score array comes back malformed.
const evaluatorMaxTurns = 3

// defaultEvaluatorInstructions is used when mode=evaluate declares an
// evaluator without its own prompt.
const defaultEvaluatorInstructions = "You are judging {{input.count}} candidate answers to the same task. " +
	"Score each candidate between 0 and 1, where 1 is best.\n\n" +
	"Candidates, as a JSON array in order:\n{{input.candidates | tojson}}\n\n" +
	"Respond with only a JSON array of {{input.count}} scores, one per candidate, in the same order."

// Config wires the fan-out engine.
type Config struct {
	// Loop runs each variant. Required.
	Loop *cell.Loop

	// Engine renders templated factors and evaluator prompts. Required.
	Engine *prompt.Engine

	// Pool bounds concurrent variants across all cascades in the process.
	// Nil builds a private pool of the default size.
	Pool *pool.Pool

	// Logger is the structured logger; defaults to slog.Default.
	Logger *slog.Logger
}

// Engine runs candidate fan-outs.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Loop == nil {
		return nil, fmt.Errorf("candidate: cell loop is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("candidate: prompt engine is required")
	}
	if cfg.Pool == nil {
		cfg.Pool = pool.New(pool.DefaultSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg, log: cfg.Logger.With("component", "candidate")}, nil
}

// Variant is one candidate's result. Exactly one of Outcome and Err is set.
type Variant struct {
	Index   int
	Outcome *cell.Outcome
	Err     error

	// Score is the evaluator's verdict for this variant; Scored reports
	// whether an evaluator actually ran.
	Score  float64
	Scored bool

	fork *echo.Echo
}

func (v *Variant) succeeded() bool { return v.Err == nil && v.Outcome != nil }

// Selection is a completed fan-out. Outcome is the effective result the
// scheduler records: the winner's for first/evaluate, a synthesized list
// outcome for aggregate, and the single run's when no fan-out happened.
type Selection struct {
	Outcome *cell.Outcome

	// Winner is the winning variant index; -1 for aggregate and skip.
	Winner int

	// Factor is the resolved variant count.
	Factor int

	// Skipped reports a factor that rendered to zero; the cell never ran.
	Skipped bool

	// Variants holds every candidate's result, index-ordered. Empty when
	// the cell ran without fan-out.
	Variants []Variant

	// Usage sums every variant and the evaluator call.
	Usage model.Usage

	// DurationMS is the fan-out's wall time.
	DurationMS int64
}

// Run executes the cell, fanning out when its candidates config asks for
// more than one variant. Cells without a candidates block run the loop once
// against the parent Echo directly.
func (e *Engine) Run(ctx context.Context, c *cascade.Cell, ec *echo.Echo, scope prompt.Scope, defaultModel string) (*Selection, error) {
	started := time.Now()

	factor := 1
	mode := cascade.ModeFirst
	if c.Candidates != nil {
		var err error
		factor, err = e.resolveFactor(c.Candidates.Factor, ec, scope)
		if err != nil {
			return nil, cascade.WrapError(cascade.KindValidation, "", c.Name, err)
		}
		if factor < 0 {
			return nil, cascade.NewError(cascade.KindValidation, "", c.Name, "candidates.factor resolved to %d", factor)
		}
		if c.Candidates.Mode != "" {
			mode = c.Candidates.Mode
		}
		switch mode {
		case cascade.ModeFirst, cascade.ModeEvaluate, cascade.ModeAggregate:
		default:
			return nil, cascade.NewError(cascade.KindValidation, "", c.Name, "unknown candidates.mode %q", mode)
		}
	}

	if factor == 0 {
		return &Selection{Winner: -1, Skipped: true}, nil
	}
	if factor == 1 {
		out, err := e.cfg.Loop.Run(ctx, c, ec, scope, defaultModel)
		if err != nil {
			return nil, err
		}
		return &Selection{
			Outcome:    out,
			Winner:     0,
			Factor:     1,
			Usage:      out.Usage,
			DurationMS: time.Since(started).Milliseconds(),
		}, nil
	}

	variants, first, err := e.fanOut(ctx, c, ec, scope, defaultModel, factor, mode)
	if err != nil {
		return nil, err
	}

	sel := &Selection{Winner: -1, Factor: factor, Variants: variants}
	for i := range variants {
		if variants[i].succeeded() {
			sel.Usage.Add(variants[i].Outcome.Usage)
		}
	}

	switch mode {
	case cascade.ModeAggregate:
		outputs := make([]any, 0, factor)
		for i := range variants {
			if variants[i].succeeded() {
				outputs = append(outputs, variants[i].Outcome.Output)
			}
		}
		sel.Outcome = &cell.Outcome{Cell: c.Name, Output: outputs, Usage: sel.Usage}

	case cascade.ModeFirst:
		ec.AbsorbFork(variants[first].fork)
		sel.Winner = first
		sel.Outcome = variants[first].Outcome

	case cascade.ModeEvaluate:
		winner, evalUsage := e.evaluate(ctx, c, ec, scope, defaultModel, variants)
		sel.Usage.Add(evalUsage)
		ec.AbsorbFork(variants[winner].fork)
		sel.Winner = winner
		sel.Outcome = variants[winner].Outcome
	}

	sel.Outcome.DurationMS = time.Since(started).Milliseconds()
	sel.DurationMS = sel.Outcome.DurationMS
	return sel, nil
}

// fanOut runs factor variants against forked Echoes. Variant 0 runs on the
// caller's goroutine without a pool slot so nested fan-outs cannot deadlock
// the pool; the rest acquire slots. first is the chronologically first
// success (first mode cancels the rest the moment it lands). The returned
// slice always has an entry per variant; an all-failure fan-out returns an
// error instead.
func (e *Engine) fanOut(ctx context.Context, c *cascade.Cell, ec *echo.Echo, scope prompt.Scope, defaultModel string, factor int, mode string) (variants []Variant, first int, err error) {
	variants = make([]Variant, factor)
	cellTrace := runlog.ScopeFrom(ctx).TraceID

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Index+1 of the first success, 0 for none.
	var firstWin atomic.Int32

	runVariant := func(i int) {
		fork := ec.Fork()
		vctx := runlog.WithScope(runCtx, runlog.Scope{TraceID: uuid.NewString(), ParentID: cellTrace})
		out, rerr := e.cfg.Loop.Run(vctx, c, fork, scope, defaultModel)
		variants[i] = Variant{Index: i, Outcome: out, Err: rerr, fork: fork}
		if rerr == nil && firstWin.CompareAndSwap(0, int32(i+1)) && mode == cascade.ModeFirst {
			cancel()
		}
	}

	var wg sync.WaitGroup
	wg.Add(factor - 1)
	for i := 1; i < factor; i++ {
		i := i
		go func() {
			defer wg.Done()
			if aerr := e.cfg.Pool.Acquire(runCtx); aerr != nil {
				variants[i] = Variant{Index: i, Err: aerr}
				return
			}
			defer e.cfg.Pool.Release()
			runVariant(i)
		}()
	}
	runVariant(0)
	wg.Wait()

	var anySuccess bool
	for i := range variants {
		if variants[i].succeeded() {
			anySuccess = true
		} else {
			e.log.Warn("candidate variant failed",
				"cell", c.Name, "variant", i, "error", variants[i].Err)
		}
	}
	if anySuccess {
		return variants, int(firstWin.Load()) - 1, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return nil, -1, cascade.WrapError(cascade.KindTimeout, "", c.Name, cerr)
		}
		return nil, -1, cerr
	}
	for i := range variants {
		if variants[i].Err != nil {
			return nil, -1, variants[i].Err
		}
	}
	return nil, -1, cascade.NewError(cascade.KindValidation, "", c.Name, "all %d candidates failed", factor)
}

// evaluate scores the successful variants and returns the winner's index.
// The evaluator is a synthetic cell run through the ordinary loop, so score
// arrays come back schema-validated with corrective retries for free. Any
// evaluator failure falls back to the cost/index tie-break and appends an
// error record instead of failing the cell.
func (e *Engine) evaluate(ctx context.Context, c *cascade.Cell, ec *echo.Echo, scope prompt.Scope, defaultModel string, variants []Variant) (int, model.Usage) {
	var successes []int
	for i := range variants {
		if variants[i].succeeded() {
			successes = append(successes, i)
		}
	}
	if len(successes) == 1 {
		return successes[0], model.Usage{}
	}

	ev := c.Candidates.Evaluator
	if ev == nil {
		return tieBreak(variants, successes), model.Usage{}
	}

	outputs := make([]any, len(successes))
	for k, i := range successes {
		outputs[k] = variants[i].Outcome.Output
	}

	instructions := ev.Instructions
	if instructions == "" {
		instructions = defaultEvaluatorInstructions
	}
	evalModel := ev.Model
	if evalModel == "" {
		evalModel = c.Model
	}
	maxTurns := evaluatorMaxTurns
	evalCell := &cascade.Cell{
		Name:         c.Name + ":evaluator",
		Instructions: instructions,
		Model:        evalModel,
		OutputSchema: scoresSchema(len(successes)),
		Rules:        &cascade.Rules{MaxTurns: &maxTurns},
	}
	evalScope := prompt.Scope{
		Input: map[string]any{
			"candidates": outputs,
			"count":      len(successes),
		},
		Env:       scope.Env,
		SessionID: scope.SessionID,
	}

	// Scratch fork: the scoring exchange is logged but never merged into
	// session history. Leaving CellName out of the scope keeps the rows
	// attributed to the cell being scored.
	evalCtx := runlog.WithScope(ctx, runlog.Scope{TraceID: uuid.NewString(), ParentID: runlog.ScopeFrom(ctx).TraceID})
	out, err := e.cfg.Loop.Run(evalCtx, evalCell, ec.Fork(), evalScope, defaultModel)
	if err != nil {
		e.log.Warn("evaluator failed, falling back to cost tie-break", "cell", c.Name, "error", err)
		ec.AddError(c.Name, string(cascade.KindValidation), fmt.Sprintf("evaluator failed: %v", err))
		return tieBreak(variants, successes), model.Usage{}
	}

	scores, ok := extractScores(out.Output, len(successes))
	if !ok {
		e.log.Warn("evaluator returned a malformed score array", "cell", c.Name)
		ec.AddError(c.Name, string(cascade.KindValidation), "evaluator returned a malformed score array")
		return tieBreak(variants, successes), out.Usage
	}
	for k, i := range successes {
		variants[i].Score = scores[k]
		variants[i].Scored = true
	}
	return tieBreak(variants, successes), out.Usage
}

// tieBreak orders candidates by score desc, cost asc, index asc. Unscored
// variants all carry score zero, which reduces the comparison to cost/index.
func tieBreak(variants []Variant, successes []int) int {
	best := successes[0]
	for _, i := range successes[1:] {
		v, b := &variants[i], &variants[best]
		switch {
		case v.Score != b.Score:
			if v.Score > b.Score {
				best = i
			}
		case v.Outcome.Usage.Cost != b.Outcome.Usage.Cost:
			if v.Outcome.Usage.Cost < b.Outcome.Usage.Cost {
				best = i
			}
		}
	}
	return best
}

// resolveFactor handles the int-or-template factor field. YAML hands ints,
// JSON hands float64s, and templates render over the session scope.
func (e *Engine) resolveFactor(factor any, ec *echo.Echo, scope prompt.Scope) (int, error) {
	switch v := factor.(type) {
	case nil:
		return 1, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("candidates.factor %v is not an integer", v)
		}
		return int(v), nil
	case string:
		scope.State = ec.StateSnapshot()
		scope.Outputs = ec.Outputs()
		n, err := e.cfg.Engine.RenderInt(v, scope)
		if err != nil {
			return 0, fmt.Errorf("candidates.factor: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("candidates.factor has unsupported type %T", factor)
	}
}

// scoresSchema constrains the evaluator's reply to exactly one score in
// [0,1] per candidate.
func scoresSchema(n int) map[string]any {
	return map[string]any{
		"type":     "array",
		"items":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"minItems": n,
		"maxItems": n,
	}
}

// extractScores pulls the float scores out of the evaluator's parsed output.
func extractScores(output any, n int) ([]float64, bool) {
	arr, ok := output.([]any)
	if !ok || len(arr) != n {
		return nil, false
	}
	scores := make([]float64, n)
	for i, v := range arr {
		f, ok := toFloat(v)
		if !ok || f < 0 || f > 1 {
			return nil, false
		}
		scores[i] = f
	}
	return scores, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
