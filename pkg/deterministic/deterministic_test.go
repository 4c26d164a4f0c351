package deterministic

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/tool"
	"github.com/kadirpekel/cascade/pkg/tool/functiontool"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		spec string
		want Target
	}{
		{"sql_data", Target{Kind: TargetRegistered, Path: "sql_data"}},
		{"python:analysis.tools.summarize", Target{Kind: TargetPython, Path: "analysis.tools", Symbol: "summarize"}},
		{"python:fn", Target{Kind: TargetPython, Symbol: "fn"}},
		{"sql:queries/load.sql", Target{Kind: TargetSQL, Path: "queries/load.sql"}},
		{"shell:scripts/run.sh", Target{Kind: TargetShell, Path: "scripts/run.sh"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseTarget(tt.spec), tt.spec)
	}
}

type queryArgs struct {
	Query string `json:"query"`
}

func newExecutor(t *testing.T, mutate func(*Config)) (*Executor, *tool.Registry) {
	t.Helper()
	reg := tool.NewRegistry()
	cfg := Config{Registry: reg, Engine: prompt.New(), BaseDir: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	x, err := New(cfg)
	require.NoError(t, err)
	return x, reg
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Engine: prompt.New()})
	assert.ErrorContains(t, err, "registry is required")

	_, err = New(Config{Registry: tool.NewRegistry()})
	assert.ErrorContains(t, err, "prompt engine is required")
}

func TestExecute_Registered(t *testing.T) {
	x, reg := newExecutor(t, nil)

	var seen string
	sqlData, err := functiontool.New(functiontool.Config{
		Name:        "sql_data",
		Description: "Runs a query against the session warehouse",
	}, func(ctx context.Context, args queryArgs) (map[string]any, error) {
		seen = args.Query
		return map[string]any{
			"rows":        []map[string]any{{"n": 1}},
			"columns":     []string{"n"},
			"row_count":   1,
			tool.RouteKey: tool.RouteSuccess,
		}, nil
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(sqlData))

	ec := echo.New("sess-1", "", "")
	ec.UpdateState("q", "SELECT 1 AS n")

	cell := &cascade.Cell{Name: "load", Tool: "sql_data", Inputs: map[string]any{"query": "{{state.q}}"}}
	out, err := x.Execute(context.Background(), cell, ec, prompt.Scope{})
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1 AS n", seen)
	assert.Equal(t, 1, out["row_count"])

	rows, ok := ec.StateValue("_load")
	require.True(t, ok)
	assert.Equal(t, []map[string]any{{"n": 1}}, rows)
	assert.Empty(t, ec.Errors())
}

func TestExecute_RouteError(t *testing.T) {
	x, reg := newExecutor(t, nil)

	flaky, err := functiontool.New(functiontool.Config{
		Name:        "flaky",
		Description: "Always routes to error",
	}, func(ctx context.Context, args struct{}) (map[string]any, error) {
		return tool.Fail("upstream rejected the batch"), nil
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(flaky))

	ec := echo.New("sess-2", "", "")
	cell := &cascade.Cell{Name: "sync", Tool: "flaky"}

	_, err = x.Execute(context.Background(), cell, ec, prompt.Scope{})
	require.Error(t, err)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "sync", derr.Cell)
	assert.Equal(t, "flaky", derr.Tool)
	assert.Contains(t, derr.Err.Error(), "upstream rejected the batch")

	recs := ec.Errors()
	require.Len(t, recs, 1)
	assert.Equal(t, "sync", recs[0].Cell)
	assert.Equal(t, string(cascade.KindDeterministic), recs[0].Kind)

	_, ok := ec.StateValue("_sync")
	assert.False(t, ok)
}

func TestExecute_ToolError(t *testing.T) {
	x, reg := newExecutor(t, nil)

	boom := errors.New("connection refused")
	broken, err := functiontool.New(functiontool.Config{
		Name:        "broken",
		Description: "Always fails",
	}, func(ctx context.Context, args queryArgs) (map[string]any, error) {
		return nil, boom
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(broken))

	ec := echo.New("sess-3", "", "")
	cell := &cascade.Cell{Name: "fetch", Tool: "broken", Inputs: map[string]any{"query": "x"}}

	_, err = x.Execute(context.Background(), cell, ec, prompt.Scope{})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, derr, boom)
	assert.Equal(t, map[string]any{"query": "x"}, derr.Inputs)
}

func TestExecute_UnknownTool(t *testing.T) {
	x, _ := newExecutor(t, nil)
	ec := echo.New("sess-4", "", "")

	_, err := x.Execute(context.Background(), &cascade.Cell{Name: "a", Tool: "missing"}, ec, prompt.Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tool "missing" is not registered`)
}

func TestExecute_RenderError(t *testing.T) {
	x, _ := newExecutor(t, nil)
	ec := echo.New("sess-5", "", "")

	cell := &cascade.Cell{Name: "a", Tool: "anything", Inputs: map[string]any{"q": "{{state.x | nosuch}}"}}
	_, err := x.Execute(context.Background(), cell, ec, prompt.Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rendering inputs")
}

func TestExecute_RowsNotAList(t *testing.T) {
	x, reg := newExecutor(t, nil)

	scalarRows, err := functiontool.New(functiontool.Config{
		Name:        "scalar_rows",
		Description: "Returns a rows field that is not tabular",
	}, func(ctx context.Context, args struct{}) (map[string]any, error) {
		return map[string]any{"rows": "not tabular"}, nil
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(scalarRows))

	ec := echo.New("sess-6", "", "")
	_, err = x.Execute(context.Background(), &cascade.Cell{Name: "odd", Tool: "scalar_rows"}, ec, prompt.Scope{})
	require.NoError(t, err)

	_, ok := ec.StateValue("_odd")
	assert.False(t, ok)
}

func TestError_ScopeAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	derr := &Error{Cell: "load", Tool: "sql:q.sql", Inputs: map[string]any{"limit": 5}, Err: cause}

	assert.ErrorIs(t, derr, cause)
	assert.Contains(t, derr.Error(), `deterministic cell "load"`)

	scope := derr.Scope()
	assert.Equal(t, "load", scope["cell"])
	assert.Equal(t, "sql:q.sql", scope["tool"])
	assert.Equal(t, "boom", scope["message"])
	assert.Equal(t, map[string]any{"limit": 5}, scope["inputs"])
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExecute_SQLFile(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	dir := t.TempDir()
	writeFile(t, dir, "load.sql", "SELECT 1 AS n;\n")

	x, _ := newExecutor(t, func(c *Config) {
		c.DB = db
		c.BaseDir = dir
	})

	mock.ExpectQuery("SELECT 1 AS n").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))

	ec := echo.New("sess-7", "", "")
	out, err := x.Execute(context.Background(), &cascade.Cell{Name: "load", Tool: "sql:load.sql"}, ec, prompt.Scope{})
	require.NoError(t, err)

	assert.Equal(t, []string{"n"}, out["columns"])
	assert.Equal(t, 1, out["row_count"])
	assert.Equal(t, tool.RouteSuccess, out[tool.RouteKey])

	rows, ok := ec.StateValue("_load")
	require.True(t, ok)
	assert.Len(t, rows, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_SQLFileMultiStatement(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	dir := t.TempDir()
	writeFile(t, dir, "report.sql", "CREATE TEMP TABLE t (n INT);\nSELECT n FROM t;")

	x, _ := newExecutor(t, func(c *Config) {
		c.DB = db
		c.BaseDir = dir
	})

	mock.ExpectExec("CREATE TEMP TABLE t (n INT)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT n FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"n"}))

	ec := echo.New("sess-8", "", "")
	out, err := x.Execute(context.Background(), &cascade.Cell{Name: "report", Tool: "sql:report.sql"}, ec, prompt.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, out["row_count"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_SQLWithoutDB(t *testing.T) {
	x, _ := newExecutor(t, nil)
	ec := echo.New("sess-9", "", "")

	_, err := x.Execute(context.Background(), &cascade.Cell{Name: "load", Tool: "sql:load.sql"}, ec, prompt.Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database registered")
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single", "SELECT 1", []string{"SELECT 1"}},
		{"trailing semicolon", "SELECT 1;", []string{"SELECT 1"}},
		{"two statements", "DELETE FROM t; SELECT 1;", []string{"DELETE FROM t", "SELECT 1"}},
		{"semicolon in string", "SELECT 'a;b'; SELECT 2", []string{"SELECT 'a;b'", "SELECT 2"}},
		{"comment with semicolon", "-- drop; everything\nSELECT 1", []string{"-- drop; everything\nSELECT 1"}},
		{"blank fragments", ";;\nSELECT 1;;", []string{"SELECT 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStatements(tt.text))
		})
	}
}

func TestStatementArgs(t *testing.T) {
	inputs := map[string]any{"region": "eu", "limit": 10}

	args := statementArgs("SELECT * FROM sales WHERE region = :region", inputs)
	require.Len(t, args, 1)

	args = statementArgs("SELECT * FROM sales WHERE region = @region LIMIT $limit", inputs)
	assert.Len(t, args, 2)

	assert.Empty(t, statementArgs("SELECT 1", inputs))
}

func TestExecute_ShellScript(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	writeFile(t, dir, "status.sh", "#!/bin/sh\necho \"{\\\"status\\\":\\\"ok\\\",\\\"region\\\":\\\"$CASCADE_INPUT_REGION\\\"}\"\n")

	x, _ := newExecutor(t, func(c *Config) { c.BaseDir = dir })

	ec := echo.New("sess-10", "", "")
	cell := &cascade.Cell{Name: "check", Tool: "shell:status.sh", Inputs: map[string]any{"region": "eu-west"}}
	out, err := x.Execute(context.Background(), cell, ec, prompt.Scope{})
	require.NoError(t, err)

	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "eu-west", out["region"])
}

func TestExecute_ShellPlainText(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	writeFile(t, dir, "plain.sh", "#!/bin/sh\necho all good\n")

	x, _ := newExecutor(t, func(c *Config) { c.BaseDir = dir })

	ec := echo.New("sess-11", "", "")
	out, err := x.Execute(context.Background(), &cascade.Cell{Name: "plain", Tool: "shell:plain.sh"}, ec, prompt.Scope{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"output": "all good"}, out)
}

func TestExecute_ShellFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	writeFile(t, dir, "fail.sh", "#!/bin/sh\necho 'disk full' >&2\nexit 3\n")

	x, _ := newExecutor(t, func(c *Config) { c.BaseDir = dir })

	ec := echo.New("sess-12", "", "")
	_, err := x.Execute(context.Background(), &cascade.Cell{Name: "f", Tool: "shell:fail.sh"}, ec, prompt.Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 3")
	assert.Contains(t, err.Error(), "disk full")
}

func TestExecute_ShellMissingScript(t *testing.T) {
	x, _ := newExecutor(t, nil)
	ec := echo.New("sess-13", "", "")

	_, err := x.Execute(context.Background(), &cascade.Cell{Name: "m", Tool: "shell:nope.sh"}, ec, prompt.Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shell script")
}

func TestExecute_Python(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	x, _ := newExecutor(t, nil)
	ec := echo.New("sess-14", "", "")

	cell := &cascade.Cell{
		Name:   "parse",
		Tool:   "python:json.loads",
		Inputs: map[string]any{"s": `{"a": 1}`},
	}
	out, err := x.Execute(context.Background(), cell, ec, prompt.Scope{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["a"])
}

func TestRunPython_MissingModule(t *testing.T) {
	x, _ := newExecutor(t, nil)

	_, err := x.runPython(context.Background(), Target{Kind: TargetPython, Symbol: "fn"}, nil)
	assert.ErrorContains(t, err, "names no module")

	_, err = x.runPython(context.Background(), Target{Kind: TargetPython, Path: "mod"}, nil)
	assert.ErrorContains(t, err, "names no function")
}
