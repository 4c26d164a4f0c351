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

package cell

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/model"
	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/testutils"
	"github.com/kadirpekel/cascade/pkg/tool"
	"github.com/kadirpekel/cascade/pkg/tool/controltool"
)

type fixture struct {
	loop  *Loop
	store *runlog.MemoryStore
	log   *runlog.Logger
	ec    *echo.Echo
}

func newFixture(t *testing.T, p model.Provider, mutate func(*Config), tools ...tool.Tool) *fixture {
	t.Helper()

	store := runlog.NewMemoryStore()
	log := runlog.NewLogger(store, runlog.LoggerConfig{FlushInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = log.Close(context.Background()) })

	reg := tool.NewRegistry()
	for _, tl := range tools {
		reg.MustRegister(tl)
	}

	cfg := Config{
		Models:   testutils.Registry(t, p),
		Engine:   prompt.New(),
		Log:      log,
		Registry: reg,
		Retry:    RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	loop, err := New(cfg)
	require.NoError(t, err)

	return &fixture{loop: loop, store: store, log: log, ec: echo.New("sess-cell", "", "")}
}

func (f *fixture) ctx() context.Context {
	return runlog.WithScope(context.Background(), runlog.Scope{
		SessionID: f.ec.SessionID(),
		CascadeID: "demo",
	})
}

func (f *fixture) rows(t *testing.T) []runlog.Row {
	t.Helper()
	require.NoError(t, f.log.Flush(context.Background()))
	rows, err := f.store.SessionRows(context.Background(), f.ec.SessionID())
	require.NoError(t, err)
	return rows
}

func rowsOfType(rows []runlog.Row, nodeType string) []runlog.Row {
	var out []runlog.Row
	for _, r := range rows {
		if r.NodeType == nodeType {
			out = append(out, r)
		}
	}
	return out
}

func intp(n int) *int { return &n }

func TestRunHappyPath(t *testing.T) {
	p := testutils.NewProvider("fast-model", testutils.ReplyWithUsage("hi", 12, 3, 0.002))
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "greet", Instructions: "Say {{input.msg}}"}
	scope := prompt.Scope{Input: map[string]any{"msg": "hi"}}

	out, err := f.loop.Run(f.ctx(), c, f.ec, scope, "")
	require.NoError(t, err)

	assert.Equal(t, "greet", out.Cell)
	assert.Equal(t, "hi", out.Output)
	assert.Equal(t, "hi", out.Content)
	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, 0.002, out.Usage.Cost)
	assert.Empty(t, out.RouteTo)

	req := p.LastRequest()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, model.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "Say hi", req.Messages[0].Content)

	turns := rowsOfType(f.rows(t), runlog.NodeTurn)
	require.Len(t, turns, 1)
	assert.Equal(t, "fast-model", turns[0].Model)
	assert.Equal(t, 12, turns[0].TokensIn)
	assert.Equal(t, 0.002, turns[0].Cost)
	assert.NotEmpty(t, turns[0].ContentHash)
}

func TestRunMaxTurnsZeroFailsImmediately(t *testing.T) {
	p := testutils.NewProvider("m", testutils.Reply("never"))
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "noop", Instructions: "x", Rules: &cascade.Rules{MaxTurns: intp(0)}}
	_, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")

	require.Error(t, err)
	assert.True(t, cascade.IsKind(err, cascade.KindValidation))
	assert.Equal(t, 0, p.CallCount(), "provider must not be called")
}

func TestRunUserInputAppended(t *testing.T) {
	p := testutils.NewProvider("m", testutils.Reply("ack"))
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "chat", Instructions: "Answer the user."}
	scope := prompt.Scope{Input: map[string]any{"user_input": "what is a cascade?"}}

	_, err := f.loop.Run(f.ctx(), c, f.ec, scope, "")
	require.NoError(t, err)

	req := p.LastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "Answer the user.", req.Messages[0].Content)
	assert.Equal(t, model.RoleUser, req.Messages[1].Role)
	assert.Equal(t, "what is a cascade?", req.Messages[1].Content)
}

func TestRunToolRoundTrip(t *testing.T) {
	add := testutils.NewTool("add", "adds numbers", func(_ context.Context, in map[string]any) (any, error) {
		a, _ := in["a"].(float64)
		b, _ := in["b"].(float64)
		return map[string]any{"sum": a + b}, nil
	})
	p := testutils.NewProvider("m",
		testutils.CallTool("add", map[string]any{"a": float64(2), "b": float64(3)}),
		testutils.Reply("the sum is 5"),
	)
	f := newFixture(t, p, nil, add)

	c := &cascade.Cell{Name: "math", Instructions: "Add.", Traits: &cascade.Traits{Names: []string{"add"}}}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)

	assert.Equal(t, 2, out.Turns)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "add", out.ToolCalls[0].Call.Name)
	assert.NotEmpty(t, out.ToolCalls[0].Call.ID, "engine mints ids the provider omitted")
	assert.Equal(t, float64(5), out.ToolCalls[0].Result.Output["sum"])

	// Second request carries the assistant tool-call message and its result.
	second := p.Calls()[1]
	var sawTool bool
	for _, m := range second.Messages {
		if m.Role == model.RoleTool {
			sawTool = true
			assert.Equal(t, out.ToolCalls[0].Call.ID, m.ToolCallID)
			assert.Contains(t, m.Content, `"sum":5`)
		}
	}
	assert.True(t, sawTool, "tool result must be fed back to the model")

	rows := f.rows(t)
	require.Len(t, rowsOfType(rows, runlog.NodeToolCall), 1)
	results := rowsOfType(rows, runlog.NodeToolResult)
	require.Len(t, results, 1)
	calls := rowsOfType(rows, runlog.NodeToolCall)
	assert.Equal(t, calls[0].TraceID, results[0].TraceID, "call and result share one trace")
	assert.NotEmpty(t, calls[0].ParentID, "tool rows parent to their turn")
}

func TestRunToolErrorFedBack(t *testing.T) {
	boom := testutils.NewTool("boom", "always fails", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("disk on fire")
	})
	p := testutils.NewProvider("m",
		testutils.CallTool("boom", nil),
		testutils.Reply("recovered"),
	)
	f := newFixture(t, p, nil, boom)

	c := &cascade.Cell{Name: "risky", Instructions: "Try.", Traits: &cascade.Traits{Names: []string{"boom"}}}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err, "tool failure must not abort the cell")

	assert.Equal(t, "recovered", out.Content)
	require.Len(t, out.ToolCalls, 1)
	assert.True(t, out.ToolCalls[0].Result.Failed())

	second := p.Calls()[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, model.RoleTool, last.Role)
	assert.Contains(t, last.Content, "disk on fire")
}

func TestRunUnknownToolCallBecomesErrorResult(t *testing.T) {
	p := testutils.NewProvider("m",
		testutils.CallTool("ghost", nil),
		testutils.Reply("ok"),
	)
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "c", Instructions: "x"}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	assert.Contains(t, out.ToolCalls[0].Result.Error, "not in this cell's catalog")
}

func TestRunParallelSafeFanout(t *testing.T) {
	slow := func(_ context.Context, in map[string]any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"id": in["id"]}, nil
	}
	pa := testutils.NewParallelTool("pa", "parallel a", slow)
	pb := testutils.NewParallelTool("pb", "parallel b", slow)
	p := testutils.NewProvider("m",
		testutils.CallTools(
			tool.Call{Name: "pa", Inputs: map[string]any{"id": "1"}},
			tool.Call{Name: "pb", Inputs: map[string]any{"id": "2"}},
			tool.Call{Name: "pa", Inputs: map[string]any{"id": "3"}},
		),
		testutils.Reply("done"),
	)
	f := newFixture(t, p, nil, pa, pb)

	c := &cascade.Cell{Name: "fan", Instructions: "go", Traits: &cascade.Traits{Names: []string{"pa", "pb"}}}
	start := time.Now()
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 55*time.Millisecond, "parallel-safe batch must overlap")
	require.Len(t, out.ToolCalls, 3)
	// Order preserved despite concurrent execution.
	assert.Equal(t, "1", out.ToolCalls[0].Result.Output["id"])
	assert.Equal(t, "2", out.ToolCalls[1].Result.Output["id"])
	assert.Equal(t, "3", out.ToolCalls[2].Result.Output["id"])
}

func TestRunOutputSchemaCorrectiveRetry(t *testing.T) {
	p := testutils.NewProvider("m",
		testutils.Reply("not json at all"),
		testutils.Reply(`{"score": 0.9}`),
	)
	f := newFixture(t, p, nil)

	c := &cascade.Cell{
		Name:         "judge",
		Instructions: "Score it.",
		OutputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"score": map[string]any{"type": "number"}},
			"required":   []any{"score"},
		},
	}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)

	assert.Equal(t, 2, out.Turns)
	parsed, ok := out.Output.(map[string]any)
	require.True(t, ok, "schema cells yield parsed output")
	assert.Equal(t, 0.9, parsed["score"])

	second := p.Calls()[1]
	var sawCorrective bool
	for _, m := range second.Messages {
		if m.Role == model.RoleSystem {
			sawCorrective = true
			assert.Contains(t, m.Content, "valid JSON")
		}
	}
	assert.True(t, sawCorrective, "retry turn must carry the corrective system message")
}

func TestRunOutputSchemaAcceptsFencedJSON(t *testing.T) {
	p := testutils.NewProvider("m", testutils.Reply("```json\n{\"ok\": true}\n```"))
	f := newFixture(t, p, nil)

	c := &cascade.Cell{
		Name:         "fenced",
		Instructions: "emit",
		OutputSchema: map[string]any{"type": "object"},
	}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, map[string]any{"ok": true}, out.Output)
}

func TestRunWardRetryThenPass(t *testing.T) {
	p := testutils.NewProvider("m",
		testutils.Reply("maybe"),
		testutils.Reply("OK looks right"),
	)
	f := newFixture(t, p, nil)

	c := &cascade.Cell{
		Name:         "guarded",
		Instructions: "answer",
		Wards:        []cascade.Ward{{Kind: cascade.WardRegex, Spec: "^OK", OnFail: cascade.OnFailRetry}},
	}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Turns)
	assert.Equal(t, "OK looks right", out.Content)
}

func TestRunWardFatalAbortsCell(t *testing.T) {
	p := testutils.NewProvider("m", testutils.Reply("FORBIDDEN word"))
	f := newFixture(t, p, nil)

	c := &cascade.Cell{
		Name:         "strict",
		Instructions: "answer",
		Wards:        []cascade.Ward{{Kind: cascade.WardRegex, Spec: "^SAFE", OnFail: cascade.OnFailFail}},
	}
	_, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.Error(t, err)
	assert.True(t, cascade.IsKind(err, cascade.KindWardFatal))
	assert.Equal(t, 1, p.CallCount(), "fatal wards must not retry")
}

func TestRunMaxTurnsExhaustion(t *testing.T) {
	p := testutils.NewProvider("m",
		testutils.Reply("nope"),
		testutils.Reply("still nope"),
	)
	f := newFixture(t, p, nil)

	c := &cascade.Cell{
		Name:         "stubborn",
		Instructions: "answer",
		Rules:        &cascade.Rules{MaxTurns: intp(2)},
		Wards:        []cascade.Ward{{Kind: cascade.WardRegex, Spec: "^OK", OnFail: cascade.OnFailRetry}},
	}
	_, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.Error(t, err)
	assert.True(t, cascade.IsKind(err, cascade.KindValidation))
	assert.Contains(t, err.Error(), "max_turns (2) exhausted")
	assert.Equal(t, 2, p.CallCount())
}

func TestRunLoopUntilGatesCompletion(t *testing.T) {
	mark := testutils.NewTool("mark_done", "flips the flag", func(ctx context.Context, _ map[string]any) (any, error) {
		if actions := tool.ActionsFrom(ctx); actions != nil {
			actions.SetState("done", true)
		}
		return map[string]any{"status": "flagged"}, nil
	})
	p := testutils.NewProvider("m",
		testutils.Reply("working on it"),
		testutils.CallTool("mark_done", nil),
		testutils.Reply("finished"),
	)
	f := newFixture(t, p, nil, mark)

	c := &cascade.Cell{
		Name:         "worker",
		Instructions: "work",
		Traits:       &cascade.Traits{Names: []string{"mark_done"}},
		Rules:        &cascade.Rules{LoopUntil: "{{state.done}}"},
	}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)

	assert.Equal(t, 3, out.Turns)
	assert.Equal(t, "finished", out.Content)
	done, ok := f.ec.StateValue("done")
	require.True(t, ok, "tool state delta must land in the session")
	assert.Equal(t, true, done)
}

func TestRunSelfLoopSkipsLoopUntil(t *testing.T) {
	// Self-handoff cells complete each entry; the scheduler owns re-entry.
	p := testutils.NewProvider("m", testutils.Reply("one line"))
	f := newFixture(t, p, nil)

	c := &cascade.Cell{
		Name:         "looper",
		Instructions: "write",
		Handoffs:     []string{"looper"},
		Rules:        &cascade.Rules{LoopUntil: "{{state.done}}"},
	}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Turns)
}

func TestRunTransientRetriesDoNotConsumeTurns(t *testing.T) {
	p := testutils.NewProvider("m",
		testutils.Transient("overloaded"),
		testutils.Transient("still overloaded"),
		testutils.Reply("ok"),
	)
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "patient", Instructions: "x", Rules: &cascade.Rules{MaxTurns: intp(1)}}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)

	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, 3, p.CallCount(), "two retries plus the success")
}

func TestRunTransientExhaustion(t *testing.T) {
	p := testutils.NewProvider("m",
		testutils.Transient("a"),
		testutils.Transient("b"),
		testutils.Transient("c"),
	)
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "unlucky", Instructions: "x"}
	_, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.Error(t, err)
	assert.True(t, cascade.IsKind(err, cascade.KindProviderTransient))
	assert.Equal(t, 3, p.CallCount())
}

func TestRunPermanentProviderFailure(t *testing.T) {
	p := testutils.NewProvider("m", testutils.Fail(errors.New("invalid api key")))
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "denied", Instructions: "x"}
	_, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.Error(t, err)
	assert.True(t, cascade.IsKind(err, cascade.KindProviderPermanent))
	assert.Equal(t, 1, p.CallCount(), "permanent failures are not retried")
}

func TestRunRouteToRecorded(t *testing.T) {
	p := testutils.NewProvider("m",
		testutils.CallTool("route_to", map[string]any{"cell": "next"}),
		testutils.Reply("routed"),
	)
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "router", Instructions: "pick", Handoffs: []string{"next", "other"}}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)
	assert.Equal(t, "next", out.RouteTo)
}

func TestRunRouteToRejectsUndeclaredTarget(t *testing.T) {
	p := testutils.NewProvider("m",
		testutils.CallTool("route_to", map[string]any{"cell": "bogus"}),
		testutils.Reply("fine"),
	)
	f := newFixture(t, p, nil)

	c := &cascade.Cell{Name: "router", Instructions: "pick", Handoffs: []string{"next"}}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)
	assert.Empty(t, out.RouteTo)
	require.Len(t, out.ToolCalls, 1)
	assert.True(t, out.ToolCalls[0].Result.Failed())
}

func TestRunContextAttributionRows(t *testing.T) {
	f := newFixture(t, testutils.NewProvider("m", testutils.Reply("summary")), nil)
	f.ec.SetRecord("fetch", echo.CellRecord{Output: "raw document text"})
	f.ec.AddLineage("fetch", "raw document text", "t-fetch")

	c := &cascade.Cell{
		Name:         "summarize",
		Instructions: "Summarize the document.",
		Context:      []cascade.ContextSource{{Name: "fetch", Include: []string{cascade.IncludeOutput}, AsRole: "user", Format: cascade.FormatAuto}},
	}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)
	assert.Equal(t, "summary", out.Content)

	rows := f.rows(t)
	var attributed []runlog.Row
	for _, r := range rows {
		if r.ContentType == "context:fetch" {
			attributed = append(attributed, r)
		}
	}
	require.Len(t, attributed, 1)
	assert.Contains(t, attributed[0].Content, "[Output from fetch]:")
	assert.Contains(t, attributed[0].Content, "raw document text")
	assert.NotEmpty(t, attributed[0].TraceID)
	assert.NotEmpty(t, attributed[0].ParentID, "context rows parent to the cell trace")
}

func TestRunCheckpointCancelAborts(t *testing.T) {
	decider := controltool.DeciderFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, cascade.NewError(cascade.KindCheckpointCancelled, "", "", "reviewer cancelled: wrong direction")
	})
	p := testutils.NewProvider("m",
		testutils.CallTool("request_decision", map[string]any{"html": "<p>approve?</p>"}),
		testutils.Reply("never reached"),
	)
	f := newFixture(t, p, func(c *Config) { c.Decider = decider })

	c := &cascade.Cell{Name: "gated", Instructions: "ask first"}
	_, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.Error(t, err)
	assert.True(t, cascade.IsKind(err, cascade.KindCheckpointCancelled))
	assert.Equal(t, 1, p.CallCount(), "cancellation aborts before the next turn")
}

func TestRunCheckpointResponseLandsInState(t *testing.T) {
	decider := controltool.DeciderFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{
			"checkpoint_id": "cp-42",
			"response":      map[string]any{"approved": true},
		}, nil
	})
	p := testutils.NewProvider("m",
		testutils.CallTool("request_decision", map[string]any{"shape": map[string]any{"approved": "bool"}}),
		testutils.Reply("proceeding"),
	)
	f := newFixture(t, p, func(c *Config) { c.Decider = decider })

	c := &cascade.Cell{Name: "gated", Instructions: "ask first"}
	out, err := f.loop.Run(f.ctx(), c, f.ec, prompt.Scope{}, "")
	require.NoError(t, err)
	assert.Equal(t, "proceeding", out.Content)

	v, ok := f.ec.StateValue("_checkpoint:cp-42")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"approved": true}, v)
	id, _ := f.ec.Metadata("last_checkpoint_id")
	assert.Equal(t, "cp-42", id)
}

func TestRunCancellationPropagates(t *testing.T) {
	p := testutils.NewProvider("m", testutils.Step{
		Response: &model.Response{Content: "late"},
		Delay:    200 * time.Millisecond,
	})
	f := newFixture(t, p, nil)

	ctx, cancel := context.WithCancel(f.ctx())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := &cascade.Cell{Name: "slow", Instructions: "x"}
	_, err := f.loop.Run(ctx, c, f.ec, prompt.Scope{}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunDeadlineBecomesTimeout(t *testing.T) {
	p := testutils.NewProvider("m", testutils.Step{
		Response: &model.Response{Content: "late"},
		Delay:    200 * time.Millisecond,
	})
	f := newFixture(t, p, nil)

	ctx, cancel := context.WithTimeout(f.ctx(), 20*time.Millisecond)
	defer cancel()

	c := &cascade.Cell{Name: "slow", Instructions: "x"}
	_, err := f.loop.Run(ctx, c, f.ec, prompt.Scope{}, "")
	require.Error(t, err)
	assert.True(t, cascade.IsKind(err, cascade.KindTimeout))
}

func TestRunModelSelectionPrecedence(t *testing.T) {
	cellModel := testutils.NewProvider("cell-model", testutils.Reply("from cell"))
	cascadeModel := testutils.NewProvider("cascade-model", testutils.Reply("from cascade"), testutils.Reply("again"))

	reg := model.NewRegistry()
	require.NoError(t, reg.Register(cascadeModel))
	require.NoError(t, reg.Register(cellModel))

	store := runlog.NewMemoryStore()
	log := runlog.NewLogger(store, runlog.LoggerConfig{})
	t.Cleanup(func() { _ = log.Close(context.Background()) })
	loop, err := New(Config{Models: reg, Engine: prompt.New(), Log: log})
	require.NoError(t, err)
	ec := echo.New("sess-models", "", "")

	// Cell override wins.
	out, err := loop.Run(context.Background(), &cascade.Cell{Name: "a", Instructions: "x", Model: "cell-model"}, ec, prompt.Scope{}, "cascade-model")
	require.NoError(t, err)
	assert.Equal(t, "from cell", out.Content)

	// Cascade default when the cell names none.
	out, err = loop.Run(context.Background(), &cascade.Cell{Name: "b", Instructions: "x"}, ec, prompt.Scope{}, "cascade-model")
	require.NoError(t, err)
	assert.Equal(t, "from cascade", out.Content)

	// Registry default as the last resort.
	out, err = loop.Run(context.Background(), &cascade.Cell{Name: "c", Instructions: "x"}, ec, prompt.Scope{}, "")
	require.NoError(t, err)
	assert.Equal(t, "again", out.Content)
}
