package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/testutils"
)

func newRuntime(t *testing.T, steps ...testutils.Step) (*Runtime, *testutils.Provider) {
	t.Helper()
	provider := testutils.NewProvider("fake-1", steps...)
	rt, err := New(Config{
		Models:    testutils.Registry(t, provider),
		Analytics: AnalyticsConfig{Disabled: true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt, provider
}

func TestNew_RequiresModels(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model registry is required")
}

func TestRun_EndToEnd(t *testing.T) {
	rt, provider := newRuntime(t, testutils.Reply("summarized"))

	rt.Tools().MustRegister(testutils.NewTool("load", "loads rows",
		func(ctx context.Context, inputs map[string]any) (any, error) {
			return map[string]any{
				"rows":      []any{map[string]any{"n": float64(1)}},
				"columns":   []any{"n"},
				"row_count": float64(1),
				"_route":    "success",
			}, nil
		}))

	require.NoError(t, rt.Register(&cascade.Cascade{
		ID: "report",
		Cells: []*cascade.Cell{
			{Name: "load", Tool: "load", Inputs: map[string]any{"query": "SELECT 1 AS n"}},
			{
				Name:         "summarize",
				Instructions: "Summarize the loaded rows",
				Context:      []cascade.ContextSource{{Name: "load"}},
			},
		},
	}))

	res, err := rt.Run(context.Background(), "report", map[string]any{"topic": "n"}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, cascade.StatusSuccess, res.Status)
	require.Len(t, res.Lineage, 2)
	assert.Equal(t, "load", res.Lineage[0].Cell)
	assert.Equal(t, "summarize", res.Lineage[1].Cell)
	assert.Equal(t, "summarized", res.Lineage[1].Output)
	assert.Equal(t, 1, provider.CallCount())

	rows, err := rt.RunLog().SessionRows(context.Background(), res.SessionID)
	require.NoError(t, err)
	types := make(map[string]int)
	for _, row := range rows {
		types[row.NodeType]++
	}
	assert.Equal(t, 1, types[runlog.NodeCascadeStart])
	assert.Equal(t, 1, types[runlog.NodeCascadeCompleted])
	assert.Equal(t, 2, types[runlog.NodePhaseStart])
	assert.Equal(t, 1, types[runlog.NodeTurn])
}

func TestRun_UnknownCascade(t *testing.T) {
	rt, _ := newRuntime(t)
	_, err := rt.Run(context.Background(), "missing", nil, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegister_Invalid(t *testing.T) {
	rt, _ := newRuntime(t)

	err := rt.Register(&cascade.Cascade{
		ID: "bad",
		Cells: []*cascade.Cell{
			{Name: "a", Instructions: "x", Handoffs: []string{"ghost"}},
		},
	})
	require.Error(t, err)

	require.Error(t, rt.Register(nil))
}

func TestCascadeDirLoading(t *testing.T) {
	dir := t.TempDir()
	def := `
id: greet
cells:
  - name: reply
    instructions: "Say {{ input.msg }}"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(def), 0o644))

	provider := testutils.NewProvider("fake-1", testutils.Reply("hi"))
	rt, err := New(Config{
		Models:     testutils.Registry(t, provider),
		CascadeDir: dir,
		Analytics:  AnalyticsConfig{Disabled: true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	assert.Equal(t, []string{"greet"}, rt.Cascades())

	res, err := rt.Run(context.Background(), "greet", map[string]any{"msg": "hi"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, cascade.StatusSuccess, res.Status)
}

func TestRun_SessionEvictionRoundTrip(t *testing.T) {
	provider := testutils.NewProvider("fake-1",
		testutils.Reply("one"), testutils.Reply("two"), testutils.Reply("three"))
	rt, err := New(Config{
		Models:      testutils.Registry(t, provider),
		MaxSessions: 1,
		Analytics:   AnalyticsConfig{Disabled: true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	require.NoError(t, rt.Register(&cascade.Cascade{
		ID:    "echo",
		Cells: []*cascade.Cell{{Name: "reply", Instructions: "Reply"}},
	}))

	_, err = rt.Run(context.Background(), "echo", nil, RunOptions{SessionID: "s-a"})
	require.NoError(t, err)

	// A second named session pushes s-a out of the bounded cache.
	_, err = rt.Run(context.Background(), "echo", nil, RunOptions{SessionID: "s-b"})
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Sessions().Count())
	_, cached := rt.Sessions().Get("s-a")
	assert.False(t, cached, "evicted from the in-process cache")

	// Running s-a again restores it from the snapshot store with its
	// accumulated lineage intact.
	res, err := rt.Run(context.Background(), "echo", nil, RunOptions{SessionID: "s-a"})
	require.NoError(t, err)
	require.Equal(t, cascade.StatusSuccess, res.Status)

	ec, ok := rt.Sessions().Get("s-a")
	require.True(t, ok)
	assert.Len(t, ec.Snapshot().Lineage, 2)
}

func TestCheckpointHandler(t *testing.T) {
	rt, _ := newRuntime(t)
	srv := httptest.NewServer(rt.CheckpointHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/checkpoints")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAnalyticsEnqueuedOnCompletion(t *testing.T) {
	provider := testutils.NewProvider("fake-1", testutils.Reply("done"))
	rt, err := New(Config{Models: testutils.Registry(t, provider)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	require.NotNil(t, rt.Analytics())

	require.NoError(t, rt.Register(&cascade.Cascade{
		ID:    "quick",
		Cells: []*cascade.Cell{{Name: "reply", Instructions: "Reply"}},
	}))

	res, err := rt.Run(context.Background(), "quick", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, cascade.StatusSuccess, res.Status)
}

func TestClose_Idempotent(t *testing.T) {
	rt, _ := newRuntime(t)
	require.NoError(t, rt.Close(context.Background()))
	require.NoError(t, rt.Close(context.Background()))
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvCascadeDir, "/tmp/cascades")
	t.Setenv(EnvMaxWorkers, "16")
	t.Setenv(EnvToolParallelism, "2")
	t.Setenv(EnvMaxSessions, "64")
	t.Setenv(EnvAnalyticsOff, "true")
	t.Setenv(envTemplatePrefix+"REGION", "eu-1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cascades", cfg.CascadeDir)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.Equal(t, 2, cfg.ToolParallelism)
	assert.Equal(t, 64, cfg.MaxSessions)
	assert.True(t, cfg.Analytics.Disabled)
	assert.Equal(t, map[string]string{"REGION": "eu-1"}, cfg.Env)
}

func TestLocal(t *testing.T) {
	t.Setenv(EnvAnalyticsOff, "true")

	provider := testutils.NewProvider("fake-1", testutils.Reply("ok"))
	rt, err := Local(testutils.Registry(t, provider))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	assert.Nil(t, rt.Analytics())

	require.NoError(t, rt.Register(&cascade.Cascade{
		ID:    "echo",
		Cells: []*cascade.Cell{{Name: "reply", Instructions: "Reply"}},
	}))
	res, err := rt.Run(context.Background(), "echo", nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, cascade.StatusSuccess, res.Status)
}

func TestFromEnv_BadInt(t *testing.T) {
	t.Setenv(EnvMaxWorkers, "lots")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an integer")
}

func TestFromEnv_DriverWithoutDSN(t *testing.T) {
	t.Setenv(EnvDBDriver, "sqlite3")
	t.Setenv(EnvDBDSN, "")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvDBDSN)
}
