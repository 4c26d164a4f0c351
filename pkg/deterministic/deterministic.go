// Package deterministic executes tool cells: cells that name a tool target
// instead of model instructions. A target is a registered tool, a python
// function, a SQL file, or a shell script. All four run under the caller's
// context, take a rendered JSON inputs map, and answer with a JSON-shaped
// output map whose optional _route hint decides between a state update and
// an error record.
package deterministic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/tool"
)

// Target kinds.
const (
	TargetRegistered = "registered"
	TargetPython     = "python"
	TargetSQL        = "sql"
	TargetShell      = "shell"
)

// Target is a parsed tool spec: where a deterministic cell's work happens.
type Target struct {
	// Kind is registered, python, sql, or shell.
	Kind string

	// Path is the registered tool name, the python module, or the file path.
	Path string

	// Symbol is the python function name; empty for other kinds.
	Symbol string
}

// ParseTarget splits a cell's tool spec into its dispatch target. Bare names
// are registry lookups; "python:a.b.fn" names function fn in module a.b;
// "sql:" and "shell:" reference files relative to the executor's base dir.
func ParseTarget(spec string) Target {
	switch {
	case strings.HasPrefix(spec, "python:"):
		rest := strings.TrimPrefix(spec, "python:")
		if i := strings.LastIndex(rest, "."); i > 0 {
			return Target{Kind: TargetPython, Path: rest[:i], Symbol: rest[i+1:]}
		}
		return Target{Kind: TargetPython, Symbol: rest}
	case strings.HasPrefix(spec, "sql:"):
		return Target{Kind: TargetSQL, Path: strings.TrimPrefix(spec, "sql:")}
	case strings.HasPrefix(spec, "shell:"):
		return Target{Kind: TargetShell, Path: strings.TrimPrefix(spec, "shell:")}
	default:
		return Target{Kind: TargetRegistered, Path: spec}
	}
}

// Error is a deterministic cell failure. It carries the full invocation so
// on_error handlers can see what was attempted, not just that it failed.
type Error struct {
	Cell   string
	Tool   string
	Inputs map[string]any
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deterministic cell %q: tool %q: %v", e.Cell, e.Tool, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Scope returns the payload the scheduler injects under input.error before
// running an on_error handler.
func (e *Error) Scope() map[string]any {
	return map[string]any{
		"cell":    e.Cell,
		"tool":    e.Tool,
		"inputs":  e.Inputs,
		"message": e.Err.Error(),
	}
}

// Config wires the Executor's dependencies.
type Config struct {
	// Registry resolves bare tool names.
	Registry *tool.Registry

	// Engine renders templated inputs against the session scope.
	Engine *prompt.Engine

	// DB serves sql: targets. Nil disables them.
	DB *sql.DB

	// BaseDir anchors relative sql: and shell: paths. Defaults to ".".
	BaseDir string

	// Python is the interpreter for python: targets. Defaults to "python3".
	Python string

	// Log, when set, records a tool_call/tool_result row pair per invocation.
	Log *runlog.Logger
}

func (c *Config) setDefaults() {
	if c.BaseDir == "" {
		c.BaseDir = "."
	}
	if c.Python == "" {
		c.Python = "python3"
	}
}

func (c *Config) validate() error {
	if c.Registry == nil {
		return fmt.Errorf("deterministic: registry is required")
	}
	if c.Engine == nil {
		return fmt.Errorf("deterministic: prompt engine is required")
	}
	return nil
}

// Executor runs deterministic cells.
type Executor struct {
	cfg Config
}

// New validates the wiring and returns an Executor.
func New(cfg Config) (*Executor, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Executor{cfg: cfg}, nil
}

// Execute runs one deterministic cell and returns its output map. Inputs
// render against the scope with state and outputs refreshed from the Echo.
// On success, an output carrying a list-shaped rows field is additionally
// materialized as state._<cell> for later cells. Any failure, including an
// output routed to error by its _route hint, is recorded on the Echo and
// returned as *Error; the scheduler decides between on_error and failing
// the cascade.
func (x *Executor) Execute(ctx context.Context, cell *cascade.Cell, ec *echo.Echo, scope prompt.Scope) (map[string]any, error) {
	scope.State = ec.StateSnapshot()
	scope.Outputs = ec.Outputs()
	if scope.SessionID == "" {
		scope.SessionID = ec.SessionID()
	}

	inputs, err := x.cfg.Engine.RenderInputs(cell.Inputs, scope)
	if err != nil {
		return nil, x.fail(ec, cell, nil, fmt.Errorf("rendering inputs: %w", err))
	}

	started := time.Now()
	x.logCall(ctx, cell.Tool, inputs)

	output, err := x.dispatch(ctx, cell.Tool, inputs)
	if err != nil {
		x.logResult(ctx, started, nil, err)
		return nil, x.fail(ec, cell, inputs, err)
	}

	// A target can succeed at the transport level and still signal failure.
	if tool.RouteOf(output) == tool.RouteError {
		err := fmt.Errorf("%s", tool.ErrorOf(output))
		x.logResult(ctx, started, output, err)
		return nil, x.fail(ec, cell, inputs, err)
	}

	switch output["rows"].(type) {
	case []any, []map[string]any:
		ec.UpdateState("_"+cell.Name, output["rows"])
	}

	x.logResult(ctx, started, output, nil)
	return output, nil
}

func (x *Executor) dispatch(ctx context.Context, spec string, inputs map[string]any) (map[string]any, error) {
	target := ParseTarget(spec)
	switch target.Kind {
	case TargetRegistered:
		t, ok := x.cfg.Registry.Get(target.Path)
		if !ok {
			return nil, fmt.Errorf("tool %q is not registered", target.Path)
		}
		return t.Invoke(ctx, inputs)
	case TargetPython:
		return x.runPython(ctx, target, inputs)
	case TargetSQL:
		return x.runSQL(ctx, target.Path, inputs)
	case TargetShell:
		return x.runShell(ctx, target.Path, inputs)
	default:
		return nil, fmt.Errorf("unknown tool target kind %q", target.Kind)
	}
}

func (x *Executor) fail(ec *echo.Echo, cell *cascade.Cell, inputs map[string]any, err error) *Error {
	ec.AddError(cell.Name, string(cascade.KindDeterministic), err.Error())
	return &Error{Cell: cell.Name, Tool: cell.Tool, Inputs: inputs, Err: err}
}

func (x *Executor) logCall(ctx context.Context, spec string, inputs map[string]any) {
	if x.cfg.Log == nil {
		return
	}
	content, _ := json.Marshal(map[string]any{"tool": spec, "inputs": inputs})
	x.cfg.Log.Log(ctx, runlog.Row{
		NodeType:    runlog.NodeToolCall,
		Role:        "tool",
		Content:     string(content),
		ContentType: "deterministic",
	})
}

func (x *Executor) logResult(ctx context.Context, started time.Time, output map[string]any, err error) {
	if x.cfg.Log == nil {
		return
	}
	row := runlog.Row{
		NodeType:    runlog.NodeToolResult,
		Role:        "tool",
		ContentType: "deterministic",
		DurationMS:  time.Since(started).Milliseconds(),
	}
	if err != nil {
		row.Content = err.Error()
	} else {
		b, _ := json.Marshal(output)
		row.Content = string(b)
		row.DataFormat = runlog.FormatJSON
		row.DataSizeJSON = len(b)
	}
	x.cfg.Log.Log(ctx, row)
}
