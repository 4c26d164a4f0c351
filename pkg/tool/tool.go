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

// Package tool defines the capabilities cells can invoke during a cascade.
//
// A Tool is a named, schema-described function. LLM cells receive a catalog
// of tool definitions chosen by their traits configuration (an explicit list,
// or 'manifest' selection over the whole registry); deterministic cells
// invoke a single tool directly.
//
// Tool outputs are JSON-serializable maps. An output may carry a routing
// hint under RouteKey that tells the engine whether to treat the invocation
// as a success or an error:
//
//	{"_route": "success", "rows": [...]}
//	{"_route": "error", "error": "relation not found"}
//
// Outputs without a hint route as success. Non-map return values are
// wrapped under an "output" key by Normalize.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Route hints a tool output may carry under RouteKey.
const (
	RouteKey     = "_route"
	RouteSuccess = "success"
	RouteError   = "error"
)

// Tool is a capability exposed to cells.
type Tool interface {
	// Name returns the unique registry name of the tool.
	Name() string

	// Description returns a human-readable description of what the tool
	// does. Shown to the model so it can decide when to call the tool.
	Description() string

	// Schema returns the JSON schema for the tool's inputs.
	// Nil means the tool takes no inputs.
	Schema() map[string]any

	// Tags classify the tool for manifest selection.
	Tags() []string

	// ParallelSafe reports whether concurrent invocations are safe.
	// Within a single turn, parallel-safe tools may be fanned out under a
	// bounded pool; all other tools execute sequentially.
	ParallelSafe() bool

	// Invoke executes the tool with rendered inputs. The returned map is
	// JSON-serializable and may carry a RouteKey hint. A non-nil error
	// means the invocation itself failed; the engine feeds it back to the
	// model as an error result rather than aborting the turn.
	Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Call is a model's request to invoke a tool.
type Call struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Result is the outcome of one Call. It is fed back to the model as a tool
// message and recorded on the cell's lineage entry.
type Result struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Payload returns the map the model sees: the tool output on success, an
// error-routed map on failure.
func (r Result) Payload() map[string]any {
	if r.Error != "" {
		return map[string]any{RouteKey: RouteError, "error": r.Error}
	}
	if r.Output == nil {
		return map[string]any{}
	}
	return r.Output
}

// Content serializes the payload for the conversation transcript.
func (r Result) Content() string {
	b, err := json.Marshal(r.Payload())
	if err != nil {
		return fmt.Sprintf(`{"%s":"%s","error":"unserializable tool output"}`, RouteKey, RouteError)
	}
	return string(b)
}

// Failed reports whether the result routes as an error, either through an
// invocation failure or an error hint in the output itself.
func (r Result) Failed() bool {
	return r.Error != "" || RouteOf(r.Output) == RouteError
}

// Record pairs a call with its result. Cells store records on their lineage
// entry so later cells can re-inject tool activity as context.
type Record struct {
	Call   Call   `json:"call"`
	Result Result `json:"result"`
}

// Definition describes a tool for model function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// Definitions converts a tool catalog to definitions, preserving order.
func Definitions(tools []Tool) []Definition {
	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToDefinition(t))
	}
	return defs
}

// Normalize coerces a raw tool return value into the map shape the engine
// routes on. Maps pass through unchanged; any other value is wrapped under
// an "output" key.
func Normalize(v any) map[string]any {
	switch out := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return out
	default:
		return map[string]any{"output": v}
	}
}

// RouteOf returns the route hint carried by a normalized output.
// Outputs without a hint route as success.
func RouteOf(out map[string]any) string {
	if route, ok := out[RouteKey].(string); ok && route == RouteError {
		return RouteError
	}
	return RouteSuccess
}

// ErrorOf extracts the error message from an error-routed output.
func ErrorOf(out map[string]any) string {
	msg, _ := out["error"].(string)
	return msg
}

// Fail builds an error-routed output.
func Fail(format string, args ...any) map[string]any {
	return map[string]any{
		RouteKey: RouteError,
		"error":  fmt.Sprintf(format, args...),
	}
}
