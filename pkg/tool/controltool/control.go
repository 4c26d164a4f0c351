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

// Package controltool provides the control-flow tools cells use to steer
// the cascade:
//
//   - route_to: request the next cell among the declared handoffs
//   - request_decision: suspend the turn until a human responds
//   - launch_sub_cascade: run a child cascade and await its result
//
// route_to works by recording the target on the tool.Actions collector the
// cell loop placed in the context; the scheduler honors it after the cell
// completes. The other two are bound per cell to engine callbacks, so the
// tools themselves stay free of scheduler and broker imports.
package controltool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/cascade/pkg/tool"
)

// Tag is carried by every control tool for manifest selection.
const Tag = "control"

// CheckpointStatePrefix keys checkpoint responses in session state. The
// request_decision tool stages the reviewer's response under
// CheckpointStatePrefix + checkpoint id; the branch manager injects
// replacement responses under the same key when resuming.
const CheckpointStatePrefix = "_checkpoint:"

// Decider suspends the current turn until an external decision arrives.
// The cell loop binds this to the checkpoint broker with the cell's
// identity already attached.
type Decider interface {
	Decide(ctx context.Context, request map[string]any) (map[string]any, error)
}

// DeciderFunc adapts a function to a Decider.
type DeciderFunc func(ctx context.Context, request map[string]any) (map[string]any, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, request map[string]any) (map[string]any, error) {
	return f(ctx, request)
}

// Launcher runs a child cascade to completion and returns its final state.
// The scheduler binds this with the parent session already attached.
type Launcher interface {
	Launch(ctx context.Context, path string, inputs map[string]any) (map[string]any, error)
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, path string, inputs map[string]any) (map[string]any, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, path string, inputs map[string]any) (map[string]any, error) {
	return f(ctx, path, inputs)
}

// RouteTo builds the handoff-routing tool for a cell. The schema constrains
// the target to the cell's declared handoffs.
func RouteTo(handoffs []string) tool.Tool {
	allowed := make(map[string]bool, len(handoffs))
	for _, name := range handoffs {
		allowed[name] = true
	}
	return &routeTool{handoffs: handoffs, allowed: allowed}
}

type routeTool struct {
	handoffs []string
	allowed  map[string]bool
}

func (t *routeTool) Name() string {
	return "route_to"
}

func (t *routeTool) Description() string {
	return "Routes the cascade to one of this cell's declared handoff targets. Call this when you have decided which cell should run next."
}

func (t *routeTool) Schema() map[string]any {
	targets := make([]any, 0, len(t.handoffs))
	for _, name := range t.handoffs {
		targets = append(targets, name)
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cell": map[string]any{
				"type":        "string",
				"description": "Name of the cell to run next",
				"enum":        targets,
			},
		},
		"required": []string{"cell"},
	}
}

func (t *routeTool) Tags() []string { return []string{Tag} }

func (t *routeTool) ParallelSafe() bool { return false }

func (t *routeTool) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	target, _ := inputs["cell"].(string)
	if target == "" {
		return tool.Fail("route_to requires a cell name"), nil
	}
	if !t.allowed[target] {
		return tool.Fail("cell %q is not a declared handoff target", target), nil
	}

	actions := tool.ActionsFrom(ctx)
	if actions == nil {
		return nil, fmt.Errorf("route_to invoked outside a cell turn")
	}
	actions.RequestRoute(target)

	return map[string]any{
		"status":    "routed",
		"next_cell": target,
	}, nil
}

// RequestDecision builds the human-in-the-loop tool. Invocation suspends
// the turn on the bound Decider until a response or cancellation arrives.
func RequestDecision(d Decider) tool.Tool {
	return &decisionTool{decider: d}
}

type decisionTool struct {
	decider Decider
}

func (t *decisionTool) Name() string {
	return "request_decision"
}

func (t *decisionTool) Description() string {
	return "Pauses execution and asks a human reviewer for a decision. Provide html to present, or shape describing the structured response you expect. Returns the reviewer's response."
}

func (t *decisionTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"html": map[string]any{
				"type":        "string",
				"description": "HTML fragment presented to the reviewer",
			},
			"shape": map[string]any{
				"type":        "object",
				"description": "Expected shape of the structured response",
			},
			"timeout_seconds": map[string]any{
				"type":        "number",
				"description": "Seconds to wait for the reviewer; 0 waits indefinitely",
			},
		},
	}
}

func (t *decisionTool) Tags() []string { return []string{Tag} }

func (t *decisionTool) ParallelSafe() bool { return false }

func (t *decisionTool) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if t.decider == nil {
		return nil, fmt.Errorf("request_decision is not bound to a decision broker")
	}

	response, err := t.decider.Decide(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if id, _ := response["checkpoint_id"].(string); id != "" {
		if actions := tool.ActionsFrom(ctx); actions != nil {
			actions.SetState(CheckpointStatePrefix+id, response["response"])
		}
	}
	return tool.Normalize(response), nil
}

// LaunchSubCascade builds the sub-cascade tool. Invocation runs the child
// cascade on the bound Launcher and returns its merged output.
func LaunchSubCascade(l Launcher) tool.Tool {
	return &launchTool{launcher: l}
}

type launchTool struct {
	launcher Launcher
}

func (t *launchTool) Name() string {
	return "launch_sub_cascade"
}

func (t *launchTool) Description() string {
	return "Runs another cascade as a child of the current session and returns its final state. The child sees the given inputs; its lineage is merged back into this session."
}

func (t *launchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Cascade id or definition path to run",
			},
			"inputs": map[string]any{
				"type":        "object",
				"description": "Inputs passed to the child cascade",
			},
		},
		"required": []string{"path"},
	}
}

func (t *launchTool) Tags() []string { return []string{Tag} }

func (t *launchTool) ParallelSafe() bool { return false }

func (t *launchTool) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if t.launcher == nil {
		return nil, fmt.Errorf("launch_sub_cascade is not bound to a scheduler")
	}

	path, _ := inputs["path"].(string)
	if path == "" {
		return tool.Fail("launch_sub_cascade requires a path"), nil
	}
	childInputs, _ := inputs["inputs"].(map[string]any)

	output, err := t.launcher.Launch(ctx, path, childInputs)
	if err != nil {
		return nil, err
	}
	return tool.Normalize(output), nil
}

// Verify interface compliance
var (
	_ tool.Tool = (*routeTool)(nil)
	_ tool.Tool = (*decisionTool)(nil)
	_ tool.Tool = (*launchTool)(nil)
)
