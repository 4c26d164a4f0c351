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

// Package cell runs the turn machine for one LLM cell's phase entry:
// prompt assembly, provider calls, tool dispatch, output validation, and
// ward enforcement, bounded by the cell's turn budget.
//
// One phase entry is one Run call. The loop owns everything inside the
// entry: transient provider retries (which do not consume turns),
// corrective retry turns for schema and ward violations (which do), and
// the per-turn tool fan-out. Routing between cells, candidate fan-out, and
// re-entries belong to the scheduler.
package cell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/cascade/pkg/assembler"
	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/model"
	"github.com/kadirpekel/cascade/pkg/observability"
	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/tool"
	"github.com/kadirpekel/cascade/pkg/tool/controltool"
	"github.com/kadirpekel/cascade/pkg/ward"
)

const (
	// DefaultToolParallelism bounds the per-turn fan-out of parallel-safe
	// tool calls.
	DefaultToolParallelism = 4

	// userInputKey is the reserved top-level input carrying a raw user
	// message, appended to the prompt after the rendered instructions.
	userInputKey = "user_input"
)

// RetryConfig bounds transient provider retries within a single turn.
// Retries never consume the cell's turn budget.
type RetryConfig struct {
	// MaxAttempts is the total number of provider calls per turn,
	// the first one included. Default 3.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff. Default 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. A provider-requested retry-after longer
	// than the computed delay wins but is still capped. Default 5s.
	MaxDelay time.Duration
}

func (r *RetryConfig) setDefaults() {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = 200 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 5 * time.Second
	}
}

// Config wires the turn machine's collaborators.
type Config struct {
	// Models resolves model names to providers. Required.
	Models *model.Registry

	// Engine renders instructions, predicates, and templated inputs.
	// Required.
	Engine *prompt.Engine

	// Log receives turn, tool, and context attribution rows. Required.
	Log *runlog.Logger

	// Registry supplies the tool catalog. Optional; cells without traits
	// never touch it.
	Registry *tool.Registry

	// Selector filters the registry for manifest-mode cells. Nil exposes
	// the whole registry.
	Selector tool.Selector

	// Decider, when set, binds the request_decision tool for every cell.
	Decider controltool.Decider

	// Launcher, when set, binds the launch_sub_cascade tool for every cell.
	Launcher controltool.Launcher

	// Retry bounds transient provider retries.
	Retry RetryConfig

	// ToolParallelism bounds the per-turn concurrent dispatch of
	// parallel-safe tool calls. Default 4.
	ToolParallelism int

	// Logger is the structured logger; defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	c.Retry.setDefaults()
	if c.ToolParallelism <= 0 {
		c.ToolParallelism = DefaultToolParallelism
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.Models == nil {
		return fmt.Errorf("cell: model registry is required")
	}
	if c.Engine == nil {
		return fmt.Errorf("cell: prompt engine is required")
	}
	if c.Log == nil {
		return fmt.Errorf("cell: run logger is required")
	}
	return nil
}

// Loop is the turn machine. One Loop serves every cell in the process;
// per-entry state lives on the stack of Run.
type Loop struct {
	cfg Config
	log *slog.Logger
}

// New builds a Loop.
func New(cfg Config) (*Loop, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Loop{cfg: cfg, log: cfg.Logger.With("component", "cell")}, nil
}

// Outcome is one completed phase entry.
type Outcome struct {
	// Cell is the cell name.
	Cell string

	// Output is the cell's output: the parsed JSON value when the cell
	// declares output_schema, the raw content string otherwise.
	Output any

	// Content is the final assistant text.
	Content string

	// Reasoning is the provider's thinking text from the final turn that
	// exposed any.
	Reasoning string

	// ToolCalls are every call/result pair of the entry, in dispatch order.
	ToolCalls []tool.Record

	// Usage is the entry's accumulated token and cost accounting.
	Usage model.Usage

	// Turns is the number of provider turns consumed.
	Turns int

	// DurationMS is the entry's wall time.
	DurationMS int64

	// RouteTo is the handoff target requested via route_to, empty when the
	// model did not route explicitly.
	RouteTo string
}

// Run executes one phase entry for an LLM cell. The scope's Input and Env
// come from the scheduler; State and Outputs are refreshed from the Echo
// here and after every turn that ran tools. defaultModel is the
// cascade-level model, used when the cell names none.
//
// A nil error means the cell reached DONE. Errors carry a cascade.Kind:
// validation kinds (including turn exhaustion) are recoverable by cascade
// rules; ward fatals, permanent provider failures, timeouts, and checkpoint
// cancellations are not.
func (l *Loop) Run(ctx context.Context, c *cascade.Cell, ec *echo.Echo, scope prompt.Scope, defaultModel string) (*Outcome, error) {
	started := time.Now()

	if c.IsDeterministic() {
		return nil, cascade.NewError(cascade.KindValidation, "", c.Name, "deterministic cell %q routed to the turn machine", c.Name)
	}
	maxTurns := c.MaxTurns()
	if maxTurns <= 0 {
		return nil, cascade.NewError(cascade.KindValidation, "", c.Name, "max_turns is 0; the cell can never take a turn")
	}

	modelName := c.Model
	if modelName == "" {
		modelName = defaultModel
	}
	provider, err := l.cfg.Models.Resolve(modelName)
	if err != nil {
		return nil, cascade.WrapError(cascade.KindValidation, "", c.Name, err)
	}
	modelName = provider.Name()

	wards, err := ward.Compile(l.cfg.Engine, c.Wards)
	if err != nil {
		return nil, cascade.WrapError(cascade.KindValidation, "", c.Name, err)
	}
	var outputSchema *jsonschema.Schema
	if c.OutputSchema != nil {
		outputSchema, err = cascade.CompileSchema(c.OutputSchema)
		if err != nil {
			return nil, cascade.WrapError(cascade.KindValidation, "", c.Name, err)
		}
	}

	scope.State = ec.StateSnapshot()
	scope.Outputs = ec.Outputs()
	if scope.SessionID == "" {
		scope.SessionID = ec.SessionID()
	}
	if id, ok := ec.Metadata("last_checkpoint_id"); ok {
		scope.CheckpointID = id
	}

	// Unit tests may run the loop without a scheduler-established scope;
	// make sure rows still form a coherent trace subtree.
	cellTrace := runlog.ScopeFrom(ctx).TraceID
	if cellTrace == "" {
		cellTrace = uuid.NewString()
		ctx = runlog.WithScope(ctx, runlog.Scope{CellName: c.Name, TraceID: cellTrace})
	}
	ctx = runlog.WithScope(ctx, runlog.Scope{Model: modelName})
	// Tools that mutate session state must hit the same container this entry
	// does, which is a fork when the cell runs as a candidate variant.
	ctx = echo.WithCurrent(ctx, ec)

	ctxMsgs, err := assembler.Assemble(c.Context, ec, modelName)
	if err != nil {
		return nil, cascade.WrapError(cascade.KindValidation, "", c.Name, err)
	}
	for _, m := range ctxMsgs {
		row := m.Row()
		row.TraceID = uuid.NewString()
		row.ParentID = cellTrace
		l.cfg.Log.Log(ctx, row)
	}

	instructions, err := l.cfg.Engine.Render(c.Instructions, scope)
	if err != nil {
		return nil, cascade.WrapError(cascade.KindValidation, "", c.Name, err)
	}

	convo := make([]model.Message, 0, len(ctxMsgs)+2)
	convo = append(convo, assembler.ProviderMessages(ctxMsgs)...)
	convo = append(convo, model.Message{Role: model.RoleUser, Content: instructions})
	if userInput, ok := scope.Input[userInputKey].(string); ok && userInput != "" {
		convo = append(convo, model.Message{Role: model.RoleUser, Content: userInput})
	}

	catalog, err := l.catalog(ctx, c)
	if err != nil {
		return nil, cascade.WrapError(cascade.KindValidation, "", c.Name, err)
	}
	defs := tool.Definitions(catalog)
	byName := make(map[string]tool.Tool, len(catalog))
	for _, t := range catalog {
		byName[t.Name()] = t
	}

	options := model.Options{ResponseSchema: c.OutputSchema}
	selfLoop := c.SelfLoop()

	out := &Outcome{Cell: c.Name}
	var routeTo string

	for turn := 1; turn <= maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, l.interrupted(c, err)
		}
		out.Turns = turn
		turnID := uuid.NewString()
		turnCtx := runlog.WithScope(ctx, runlog.Scope{TraceID: turnID, ParentID: cellTrace})

		resp, callDur, err := l.chat(turnCtx, provider, &model.Request{
			Model:    modelName,
			Messages: convo,
			Tools:    defs,
			Options:  options,
		})
		if err != nil {
			observability.GetGlobalRecorder().RecordTurn(turnCtx, modelName, callDur, 0, 0, err)
			return nil, l.classifyProviderErr(turnCtx, c, err)
		}
		observability.GetGlobalRecorder().RecordTurn(turnCtx, modelName, callDur, resp.Usage.TokensIn, resp.Usage.TokensOut, nil)
		out.Usage.Add(resp.Usage)
		if resp.Reasoning != "" {
			out.Reasoning = resp.Reasoning
		}

		l.cfg.Log.Log(turnCtx, runlog.Row{
			NodeType:    runlog.NodeTurn,
			Role:        model.RoleAssistant,
			Content:     resp.Content,
			ContentType: "text",
			TokensIn:    resp.Usage.TokensIn,
			TokensOut:   resp.Usage.TokensOut,
			Cost:        resp.Usage.Cost,
			DurationMS:  callDur.Milliseconds(),
		})

		if resp.HasToolCalls() {
			calls := populateCallIDs(resp.ToolCalls)
			ec.AddHistory(echo.Message{Role: model.RoleAssistant, Content: resp.Content}, turnID, cellTrace, runlog.NodeAssistant)

			actions := &tool.Actions{}
			records, abortErr := l.dispatch(tool.WithActions(turnCtx, actions), byName, calls, turnID, ec)
			out.ToolCalls = append(out.ToolCalls, records...)
			if abortErr != nil {
				return nil, l.classifyAbort(c, abortErr)
			}

			if delta := actions.StateDelta(); delta != nil {
				l.applyStateDelta(ec, &scope, delta)
			}
			if r := actions.Route(); r != "" {
				routeTo = r
			}

			convo = append(convo, model.Message{Role: model.RoleAssistant, Content: resp.Content, ToolCalls: calls})
			for _, rec := range records {
				convo = append(convo, model.Message{
					Role:       model.RoleTool,
					Content:    rec.Result.Content(),
					ToolCallID: rec.Call.ID,
				})
			}

			scope.State = ec.StateSnapshot()
			scope.Outputs = ec.Outputs()
			continue
		}

		// VALIDATING: structured output first, wards second, loop gate last.
		content := resp.Content
		var structured any
		if outputSchema != nil {
			parsed, perr := parseStructured(content)
			if perr != nil {
				l.corrective(&convo, ec, turnID, cellTrace, content,
					fmt.Sprintf("Your output must be valid JSON matching the declared schema. Parse error: %v. Respond again with only the JSON document.", perr))
				continue
			}
			if verr := cascade.ValidateDocument(outputSchema, parsed); verr != nil {
				l.corrective(&convo, ec, turnID, cellTrace, content,
					fmt.Sprintf("Your output does not satisfy the declared schema: %v. Respond again with only the corrected JSON document.", verr))
				continue
			}
			structured = parsed
		}

		wscope := scope
		wscope.State = ec.StateSnapshot()
		wscope.Outputs = ec.Outputs()
		pending := any(content)
		if structured != nil {
			pending = structured
		}
		wscope.Outputs[c.Name] = pending

		if violations := wards.Evaluate(content, structured, wscope); len(violations) > 0 {
			if ward.Fatal(violations) {
				return nil, cascade.NewError(cascade.KindWardFatal, "", c.Name, "%s", ward.Describe(violations))
			}
			l.corrective(&convo, ec, turnID, cellTrace, content,
				fmt.Sprintf("Your output was rejected: %s. Revise it and respond again.", ward.Describe(violations)))
			continue
		}

		// Self-loop cells hand loop_until to the scheduler, which re-enters
		// the cell with a fresh turn budget instead of burning this one.
		if c.Rules != nil && c.Rules.LoopUntil != "" && !selfLoop {
			done, lerr := l.cfg.Engine.RenderBool(c.Rules.LoopUntil, wscope)
			if lerr != nil {
				return nil, cascade.WrapError(cascade.KindValidation, "", c.Name, fmt.Errorf("loop_until: %w", lerr))
			}
			if !done {
				l.corrective(&convo, ec, turnID, cellTrace, content,
					"The completion condition has not been met yet. Continue working and respond again.")
				continue
			}
		}

		ec.AddHistory(echo.Message{Role: model.RoleAssistant, Content: content}, turnID, cellTrace, runlog.NodeAssistant)
		out.Content = content
		out.Output = pending
		out.RouteTo = routeTo
		out.DurationMS = time.Since(started).Milliseconds()
		return out, nil
	}

	return nil, cascade.NewError(cascade.KindValidation, "", c.Name, "max_turns (%d) exhausted without a valid output", maxTurns)
}

// chat performs one provider call with transient retries. The returned
// duration covers the successful (or final failing) attempt only, so the
// turn row's duration reflects provider latency, not backoff sleep.
func (l *Loop) chat(ctx context.Context, provider model.Provider, req *model.Request) (*model.Response, time.Duration, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.Retry.MaxAttempts; attempt++ {
		attemptStart := time.Now()
		resp, err := provider.Chat(ctx, req)
		dur := time.Since(attemptStart)
		if err == nil {
			return resp, dur, nil
		}
		lastErr = err
		if !model.IsTransient(err) || attempt == l.cfg.Retry.MaxAttempts {
			return nil, dur, err
		}

		delay := l.cfg.Retry.BaseDelay << (attempt - 1)
		if ra := model.RetryAfter(err); ra > delay {
			delay = ra
		}
		if delay > l.cfg.Retry.MaxDelay {
			delay = l.cfg.Retry.MaxDelay
		}
		l.log.Warn("transient provider failure, retrying",
			"model", req.Model, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, 0, lastErr
}

// dispatch runs one turn's tool calls. Sequential by default; maximal runs
// of consecutive parallel-safe calls fan out under the bounded limit.
// Results land at their call's index so the transcript keeps request order.
// A non-nil error aborts the cell (cancellation or checkpoint cancel);
// ordinary tool failures ride inside their Record.
func (l *Loop) dispatch(ctx context.Context, byName map[string]tool.Tool, calls []tool.Call, turnID string, ec *echo.Echo) ([]tool.Record, error) {
	records := make([]tool.Record, len(calls))

	parallelSafe := func(i int) bool {
		t := byName[calls[i].Name]
		return t != nil && t.ParallelSafe()
	}

	i := 0
	for i < len(calls) {
		if !parallelSafe(i) {
			rec, err := l.invoke(ctx, byName[calls[i].Name], calls[i], turnID, ec)
			records[i] = rec
			if err != nil {
				return records[:i+1], err
			}
			i++
			continue
		}

		j := i + 1
		for j < len(calls) && parallelSafe(j) {
			j++
		}
		if j-i == 1 {
			rec, err := l.invoke(ctx, byName[calls[i].Name], calls[i], turnID, ec)
			records[i] = rec
			if err != nil {
				return records[:i+1], err
			}
			i = j
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.cfg.ToolParallelism)
		for k := i; k < j; k++ {
			k := k
			g.Go(func() error {
				rec, err := l.invoke(gctx, byName[calls[k].Name], calls[k], turnID, ec)
				records[k] = rec
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return compact(records), err
		}
		i = j
	}
	return records, nil
}

// compact drops the zero entries an aborted parallel batch leaves behind.
func compact(recs []tool.Record) []tool.Record {
	out := recs[:0]
	for _, r := range recs {
		if r.Call.Name != "" {
			out = append(out, r)
		}
	}
	return out
}

// invoke executes one tool call, logging its tool_call/tool_result row pair
// and appending both to session history. Tool failures become error results
// fed back to the model; only cancellation and checkpoint cancel abort.
func (l *Loop) invoke(ctx context.Context, t tool.Tool, call tool.Call, turnID string, ec *echo.Echo) (tool.Record, error) {
	callTrace := uuid.NewString()
	callJSON, _ := json.Marshal(map[string]any{"tool": call.Name, "inputs": call.Inputs})
	l.cfg.Log.Log(ctx, runlog.Row{
		NodeType:    runlog.NodeToolCall,
		TraceID:     callTrace,
		ParentID:    turnID,
		Role:        model.RoleAssistant,
		Content:     string(callJSON),
		ContentType: "tool",
	})
	ec.AddHistory(echo.Message{Role: model.RoleAssistant, Content: string(callJSON), ToolCallID: call.ID}, callTrace, turnID, runlog.NodeToolCall)

	rec := tool.Record{Call: call}
	var abortErr error
	invokeStart := time.Now()

	switch {
	case t == nil:
		rec.Result = tool.Result{CallID: call.ID, Name: call.Name,
			Error: fmt.Sprintf("tool %q is not in this cell's catalog", call.Name)}
	default:
		output, err := t.Invoke(ctx, call.Inputs)
		switch {
		case err == nil:
			rec.Result = tool.Result{CallID: call.ID, Name: call.Name, Output: output}
		case cascade.IsKind(err, cascade.KindCheckpointCancelled):
			rec.Result = tool.Result{CallID: call.ID, Name: call.Name, Error: err.Error()}
			abortErr = err
		case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			rec.Result = tool.Result{CallID: call.ID, Name: call.Name, Error: err.Error()}
			abortErr = ctx.Err()
		default:
			rec.Result = tool.Result{CallID: call.ID, Name: call.Name, Error: err.Error()}
		}
	}

	l.cfg.Log.Log(ctx, runlog.Row{
		NodeType:    runlog.NodeToolResult,
		TraceID:     callTrace,
		ParentID:    turnID,
		Role:        model.RoleTool,
		Content:     rec.Result.Content(),
		ContentType: "tool",
		DurationMS:  time.Since(invokeStart).Milliseconds(),
	})
	ec.AddHistory(echo.Message{Role: model.RoleTool, Content: rec.Result.Content(), ToolCallID: call.ID}, callTrace, turnID, runlog.NodeToolResult)

	var callErr error
	if rec.Result.Error != "" {
		callErr = errors.New(rec.Result.Error)
	}
	observability.GetGlobalRecorder().RecordToolCall(ctx, call.Name, time.Since(invokeStart), callErr)

	return rec, abortErr
}

// catalog resolves the cell's tool catalog: declared traits plus the
// control tools the configuration binds. route_to appears only on cells
// with handoffs.
func (l *Loop) catalog(ctx context.Context, c *cascade.Cell) ([]tool.Tool, error) {
	var tools []tool.Tool
	switch {
	case c.Traits == nil:
	case c.Traits.Manifest:
		if l.cfg.Registry == nil {
			return nil, fmt.Errorf("cell %q uses traits: manifest but no tool registry is configured", c.Name)
		}
		tools = l.cfg.Registry.Manifest(ctx, l.cfg.Selector)
	default:
		if len(c.Traits.Names) > 0 && l.cfg.Registry == nil {
			return nil, fmt.Errorf("cell %q declares traits but no tool registry is configured", c.Name)
		}
		if l.cfg.Registry != nil {
			named, err := l.cfg.Registry.Tools(c.Traits.Names)
			if err != nil {
				return nil, fmt.Errorf("cell %q: %w", c.Name, err)
			}
			tools = named
		}
	}

	if len(c.Handoffs) > 0 {
		tools = append(tools, controltool.RouteTo(c.Handoffs))
	}
	if l.cfg.Decider != nil {
		tools = append(tools, controltool.RequestDecision(l.cfg.Decider))
	}
	if l.cfg.Launcher != nil {
		tools = append(tools, controltool.LaunchSubCascade(l.cfg.Launcher))
	}
	return tools, nil
}

// applyStateDelta commits tool-staged state writes to the Echo. Checkpoint
// response keys also advance the session's checkpoint pointer so later
// turns and cells can reference it in templates.
func (l *Loop) applyStateDelta(ec *echo.Echo, scope *prompt.Scope, delta map[string]any) {
	for k, v := range delta {
		ec.UpdateState(k, v)
		if id := strings.TrimPrefix(k, controltool.CheckpointStatePrefix); id != k && id != "" {
			ec.SetMetadata("last_checkpoint_id", id)
			scope.CheckpointID = id
		}
	}
}

// corrective appends the rejected assistant output and a system note to the
// conversation and the session history, setting up the retry turn.
func (l *Loop) corrective(convo *[]model.Message, ec *echo.Echo, turnID, cellTrace, assistantContent, note string) {
	*convo = append(*convo,
		model.Message{Role: model.RoleAssistant, Content: assistantContent},
		model.Message{Role: model.RoleSystem, Content: note},
	)
	ec.AddHistory(echo.Message{Role: model.RoleAssistant, Content: assistantContent}, turnID, cellTrace, runlog.NodeAssistant)
	ec.AddHistory(echo.Message{Role: model.RoleSystem, Content: note}, uuid.NewString(), cellTrace, runlog.NodeSystem)
}

func (l *Loop) classifyProviderErr(ctx context.Context, c *cascade.Cell, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return cascade.WrapError(cascade.KindTimeout, "", c.Name, err)
	case errors.Is(err, context.Canceled):
		return err
	case model.IsTransient(err):
		return cascade.WrapError(cascade.KindProviderTransient, "", c.Name,
			fmt.Errorf("retries exhausted: %w", err))
	default:
		return cascade.WrapError(cascade.KindProviderPermanent, "", c.Name, err)
	}
}

func (l *Loop) classifyAbort(c *cascade.Cell, err error) error {
	switch {
	case cascade.IsKind(err, cascade.KindCheckpointCancelled):
		var engErr *cascade.Error
		if errors.As(err, &engErr) && engErr.Cell != "" {
			return err
		}
		return cascade.WrapError(cascade.KindCheckpointCancelled, "", c.Name, err)
	case errors.Is(err, context.DeadlineExceeded):
		return cascade.WrapError(cascade.KindTimeout, "", c.Name, err)
	default:
		return err
	}
}

func (l *Loop) interrupted(c *cascade.Cell, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return cascade.WrapError(cascade.KindTimeout, "", c.Name, err)
	}
	return err
}

// populateCallIDs copies the calls, filling empty ids so tool results can
// always be correlated back. Providers that omit ids get engine-minted ones.
func populateCallIDs(calls []tool.Call) []tool.Call {
	out := append([]tool.Call(nil), calls...)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	return out
}

// parseStructured extracts the JSON document from assistant content,
// tolerating a fenced code block wrapper.
func parseStructured(content string) (any, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}
