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

package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name     string
	tags     []string
	parallel bool
	invoke   func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake " + f.name }
func (f *fakeTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (f *fakeTool) Tags() []string     { return f.tags }
func (f *fakeTool) ParallelSafe() bool { return f.parallel }
func (f *fakeTool) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if f.invoke != nil {
		return f.invoke(ctx, inputs)
	}
	return map[string]any{"ok": true}, nil
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, map[string]any{}, Normalize(nil))

	passthrough := map[string]any{"rows": []any{1, 2}}
	assert.Equal(t, passthrough, Normalize(passthrough))

	assert.Equal(t, map[string]any{"output": 42}, Normalize(42))
	assert.Equal(t, map[string]any{"output": "text"}, Normalize("text"))
	assert.Equal(t, map[string]any{"output": []any{"a", "b"}}, Normalize([]any{"a", "b"}))
}

func TestRouteOf(t *testing.T) {
	assert.Equal(t, RouteSuccess, RouteOf(nil))
	assert.Equal(t, RouteSuccess, RouteOf(map[string]any{"rows": 1}))
	assert.Equal(t, RouteSuccess, RouteOf(map[string]any{RouteKey: "success"}))
	assert.Equal(t, RouteError, RouteOf(map[string]any{RouteKey: "error"}))

	// A non-string hint does not route as an error.
	assert.Equal(t, RouteSuccess, RouteOf(map[string]any{RouteKey: 1}))
}

func TestFail(t *testing.T) {
	out := Fail("relation %q not found", "users")
	assert.Equal(t, RouteError, RouteOf(out))
	assert.Equal(t, `relation "users" not found`, ErrorOf(out))
}

func TestResult_Payload(t *testing.T) {
	success := Result{CallID: "c1", Name: "lookup", Output: map[string]any{"rows": 3}}
	assert.Equal(t, map[string]any{"rows": 3}, success.Payload())
	assert.False(t, success.Failed())

	failed := Result{CallID: "c2", Name: "lookup", Error: "connection refused"}
	payload := failed.Payload()
	assert.Equal(t, RouteError, RouteOf(payload))
	assert.Equal(t, "connection refused", ErrorOf(payload))
	assert.True(t, failed.Failed())

	// An error hint inside the output also counts as failed.
	hinted := Result{CallID: "c3", Name: "lookup", Output: Fail("boom")}
	assert.True(t, hinted.Failed())

	empty := Result{CallID: "c4", Name: "noop"}
	assert.Equal(t, map[string]any{}, empty.Payload())
	assert.False(t, empty.Failed())
}

func TestResult_Content(t *testing.T) {
	r := Result{CallID: "c1", Name: "lookup", Output: map[string]any{"count": 2}}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.Content()), &decoded))
	assert.Equal(t, float64(2), decoded["count"])

	failed := Result{CallID: "c2", Name: "lookup", Error: "boom"}
	require.NoError(t, json.Unmarshal([]byte(failed.Content()), &decoded))
	assert.Equal(t, "error", decoded[RouteKey])
	assert.Equal(t, "boom", decoded["error"])
}

func TestToDefinition(t *testing.T) {
	ft := &fakeTool{name: "lookup"}

	def := ToDefinition(ft)
	assert.Equal(t, "lookup", def.Name)
	assert.Equal(t, "fake lookup", def.Description)
	assert.Equal(t, "object", def.Parameters["type"])

	defs := Definitions([]Tool{ft, &fakeTool{name: "send"}})
	require.Len(t, defs, 2)
	assert.Equal(t, "lookup", defs[0].Name)
	assert.Equal(t, "send", defs[1].Name)
}

func TestActions(t *testing.T) {
	actions := &Actions{}
	assert.Empty(t, actions.Route())

	actions.RequestRoute("triage")
	assert.Equal(t, "triage", actions.Route())

	// Last request wins.
	actions.RequestRoute("respond")
	assert.Equal(t, "respond", actions.Route())
}

func TestActionsContext(t *testing.T) {
	assert.Nil(t, ActionsFrom(context.Background()))

	actions := &Actions{}
	ctx := WithActions(context.Background(), actions)
	require.Same(t, actions, ActionsFrom(ctx))

	ActionsFrom(ctx).RequestRoute("next")
	assert.Equal(t, "next", actions.Route())
}
