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

// Package testutils provides scripted fakes for engine tests: a model
// provider that replays a fixed script of responses and a minimal tool
// built from a bare function. No network, no randomness beyond what the
// test scripts in.
package testutils

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/cascade/pkg/model"
	"github.com/kadirpekel/cascade/pkg/tool"
)

// Step is one scripted provider turn: either a response or an error.
type Step struct {
	Response *model.Response
	Err      error

	// Delay is waited before answering, honoring context cancellation.
	// Useful for first-wins candidate races and timeout tests.
	Delay time.Duration
}

// Reply scripts a plain text answer with small fixed usage.
func Reply(content string) Step {
	return ReplyWithUsage(content, 10, 5, 0.001)
}

// ReplyWithUsage scripts a text answer with explicit token and cost numbers.
func ReplyWithUsage(content string, tokensIn, tokensOut int, cost float64) Step {
	return Step{Response: &model.Response{
		Content: content,
		Usage:   model.Usage{TokensIn: tokensIn, TokensOut: tokensOut, Cost: cost},
	}}
}

// CallTool scripts a turn that requests one tool invocation. The call id is
// left empty; the cell loop assigns one.
func CallTool(name string, inputs map[string]any) Step {
	return CallTools(tool.Call{Name: name, Inputs: inputs})
}

// CallTools scripts a turn requesting several tool invocations at once.
func CallTools(calls ...tool.Call) Step {
	return Step{Response: &model.Response{
		ToolCalls: calls,
		Usage:     model.Usage{TokensIn: 10, TokensOut: 5, Cost: 0.001},
	}}
}

// Fail scripts a permanent provider failure.
func Fail(err error) Step { return Step{Err: err} }

// Transient scripts a retryable provider failure.
func Transient(msg string) Step { return Step{Err: model.Transientf("%s", msg)} }

// Provider replays a script of Steps, recording every request it saw.
// When the script runs out, Chat fails, which keeps tests honest about how
// many turns they expect.
type Provider struct {
	name string

	mu     sync.Mutex
	script []Step
	next   int
	calls  []*model.Request
}

var _ model.Provider = (*Provider)(nil)

// NewProvider builds a scripted provider answering as the named model.
func NewProvider(name string, steps ...Step) *Provider {
	return &Provider{name: name, script: steps}
}

// Append adds steps to the end of the script. Useful for loops where each
// iteration needs one more answer.
func (p *Provider) Append(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, steps...)
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Chat(ctx context.Context, req *model.Request) (*model.Response, error) {
	p.mu.Lock()
	reqCopy := *req
	reqCopy.Messages = append([]model.Message(nil), req.Messages...)
	reqCopy.Tools = append([]tool.Definition(nil), req.Tools...)
	p.calls = append(p.calls, &reqCopy)

	if p.next >= len(p.script) {
		p.mu.Unlock()
		return nil, fmt.Errorf("scripted provider %s: script exhausted after %d steps", p.name, len(p.script))
	}
	step := p.script[p.next]
	p.next++
	p.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

func (p *Provider) Close() error { return nil }

// Calls returns copies of every request Chat received, in order.
func (p *Provider) Calls() []*model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.Request(nil), p.calls...)
}

// CallCount returns how many Chat calls the provider served.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// LastRequest returns the most recent request, or nil when none happened.
func (p *Provider) LastRequest() *model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

// Registry wraps scripted providers in a model registry, the first one
// becoming the default.
func Registry(t *testing.T, providers ...model.Provider) *model.Registry {
	t.Helper()
	reg := model.NewRegistry()
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register provider %s: %v", p.Name(), err)
		}
	}
	return reg
}

// funcTool adapts a bare function into a tool.Tool for tests that do not
// need schema reflection.
type funcTool struct {
	name         string
	description  string
	parallelSafe bool
	fn           func(ctx context.Context, inputs map[string]any) (any, error)
}

var _ tool.Tool = (*funcTool)(nil)

// NewTool builds a sequential test tool from a function.
func NewTool(name, description string, fn func(ctx context.Context, inputs map[string]any) (any, error)) tool.Tool {
	return &funcTool{name: name, description: description, fn: fn}
}

// NewParallelTool builds a parallel-safe test tool from a function.
func NewParallelTool(name, description string, fn func(ctx context.Context, inputs map[string]any) (any, error)) tool.Tool {
	return &funcTool{name: name, description: description, parallelSafe: true, fn: fn}
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.description }
func (t *funcTool) Tags() []string      { return nil }
func (t *funcTool) ParallelSafe() bool  { return t.parallelSafe }

func (t *funcTool) Schema() map[string]any {
	return map[string]any{"type": "object", "additionalProperties": true}
}

func (t *funcTool) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	out, err := t.fn(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return tool.Normalize(out), nil
}

// WaitFor polls cond until it returns true or the timeout elapses, failing
// the test on timeout. Meant for asserting on asynchronous sinks such as
// the run log writer or the analytics worker.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
