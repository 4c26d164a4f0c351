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

package controltool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cascade/pkg/tool"
)

func TestRouteTo_Schema(t *testing.T) {
	rt := RouteTo([]string{"triage", "respond"})

	assert.Equal(t, "route_to", rt.Name())
	assert.Contains(t, rt.Tags(), Tag)
	assert.False(t, rt.ParallelSafe())

	schema := rt.Schema()
	props := schema["properties"].(map[string]any)
	cell := props["cell"].(map[string]any)
	assert.Equal(t, []any{"triage", "respond"}, cell["enum"])
	assert.Equal(t, []string{"cell"}, schema["required"])
}

func TestRouteTo_Invoke(t *testing.T) {
	rt := RouteTo([]string{"triage", "respond"})

	actions := &tool.Actions{}
	ctx := tool.WithActions(context.Background(), actions)

	out, err := rt.Invoke(ctx, map[string]any{"cell": "respond"})
	require.NoError(t, err)
	assert.Equal(t, tool.RouteSuccess, tool.RouteOf(out))
	assert.Equal(t, "respond", out["next_cell"])
	assert.Equal(t, "respond", actions.Route())
}

func TestRouteTo_UndeclaredTarget(t *testing.T) {
	rt := RouteTo([]string{"triage"})

	actions := &tool.Actions{}
	ctx := tool.WithActions(context.Background(), actions)

	out, err := rt.Invoke(ctx, map[string]any{"cell": "archive"})
	require.NoError(t, err)
	assert.Equal(t, tool.RouteError, tool.RouteOf(out))
	assert.Empty(t, actions.Route())

	out, err = rt.Invoke(ctx, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, tool.RouteError, tool.RouteOf(out))
}

func TestRouteTo_OutsideTurn(t *testing.T) {
	rt := RouteTo([]string{"triage"})

	_, err := rt.Invoke(context.Background(), map[string]any{"cell": "triage"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside a cell turn")
}

func TestRequestDecision(t *testing.T) {
	var seen map[string]any
	decider := DeciderFunc(func(_ context.Context, request map[string]any) (map[string]any, error) {
		seen = request
		return map[string]any{"approved": true, "comment": "ship it"}, nil
	})

	rd := RequestDecision(decider)
	assert.Equal(t, "request_decision", rd.Name())
	assert.False(t, rd.ParallelSafe())

	out, err := rd.Invoke(context.Background(), map[string]any{
		"html": "<p>Approve?</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "<p>Approve?</p>", seen["html"])
	assert.Equal(t, true, out["approved"])
	assert.Equal(t, "ship it", out["comment"])
}

func TestRequestDecision_StagesCheckpointState(t *testing.T) {
	rd := RequestDecision(DeciderFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{
			"checkpoint_id": "cp-7",
			"response":      map[string]any{"approved": false},
		}, nil
	}))

	actions := &tool.Actions{}
	ctx := tool.WithActions(context.Background(), actions)

	out, err := rd.Invoke(ctx, map[string]any{"html": "<p>?</p>"})
	require.NoError(t, err)
	assert.Equal(t, "cp-7", out["checkpoint_id"])

	delta := actions.StateDelta()
	require.NotNil(t, delta)
	assert.Equal(t, map[string]any{"approved": false}, delta[CheckpointStatePrefix+"cp-7"])
}

func TestRequestDecision_Errors(t *testing.T) {
	cancelled := errors.New("checkpoint cancelled: superseded")
	rd := RequestDecision(DeciderFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, cancelled
	}))

	_, err := rd.Invoke(context.Background(), map[string]any{})
	require.ErrorIs(t, err, cancelled)

	unbound := RequestDecision(nil)
	_, err = unbound.Invoke(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not bound")
}

func TestLaunchSubCascade(t *testing.T) {
	var gotPath string
	var gotInputs map[string]any
	launcher := LauncherFunc(func(_ context.Context, path string, inputs map[string]any) (map[string]any, error) {
		gotPath = path
		gotInputs = inputs
		return map[string]any{"summary": "done"}, nil
	})

	ls := LaunchSubCascade(launcher)
	assert.Equal(t, "launch_sub_cascade", ls.Name())

	out, err := ls.Invoke(context.Background(), map[string]any{
		"path":   "pipelines/enrich.yaml",
		"inputs": map[string]any{"ticket": "T-42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pipelines/enrich.yaml", gotPath)
	assert.Equal(t, map[string]any{"ticket": "T-42"}, gotInputs)
	assert.Equal(t, "done", out["summary"])
}

func TestLaunchSubCascade_Errors(t *testing.T) {
	ls := LaunchSubCascade(LauncherFunc(func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, errors.New("child failed")
	}))

	out, err := ls.Invoke(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, tool.RouteError, tool.RouteOf(out))

	_, err = ls.Invoke(context.Background(), map[string]any{"path": "child.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "child failed")

	unbound := LaunchSubCascade(nil)
	_, err = unbound.Invoke(context.Background(), map[string]any{"path": "child.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not bound")
}
