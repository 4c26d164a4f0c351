package deterministic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/tool"
)

// pythonBootstrap imports the target module, calls the named function with
// the stdin inputs as keyword arguments, and writes the result as JSON. The
// inline script keeps the protocol self-contained: nothing has to be
// installed on the interpreter's path.
const pythonBootstrap = `
import importlib, json, sys
mod = importlib.import_module(sys.argv[1])
fn = getattr(mod, sys.argv[2])
out = fn(**json.load(sys.stdin))
json.dump({} if out is None else out, sys.stdout)
`

func (x *Executor) runPython(ctx context.Context, target Target, inputs map[string]any) (map[string]any, error) {
	if target.Path == "" {
		return nil, fmt.Errorf("python target %q names no module", target.Symbol)
	}
	if target.Symbol == "" {
		return nil, fmt.Errorf("python target %q names no function", target.Path)
	}

	cmd := exec.CommandContext(ctx, x.cfg.Python, "-c", pythonBootstrap, target.Path, target.Symbol)
	stdout, err := runSubprocess(cmd, inputs)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(stdout, &v); err != nil {
		return nil, fmt.Errorf("python output is not JSON: %w", err)
	}
	return tool.Normalize(v), nil
}

func (x *Executor) runShell(ctx context.Context, path string, inputs map[string]any) (map[string]any, error) {
	script := x.resolvePath(path)
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("shell script: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", script)
	cmd.Env = append(os.Environ(), inputEnv(inputs)...)

	stdout, err := runSubprocess(cmd, inputs)
	if err != nil {
		return nil, err
	}

	// Scripts that speak JSON get it through; plain text wraps as output.
	var v any
	if err := json.Unmarshal(stdout, &v); err == nil {
		return tool.Normalize(v), nil
	}
	return tool.Normalize(strings.TrimSpace(string(stdout))), nil
}

func (x *Executor) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(x.cfg.BaseDir, path)
}

// runSubprocess writes the inputs map to stdin as JSON and returns stdout.
// A non-zero exit surfaces the exit code and the stderr tail.
func runSubprocess(cmd *exec.Cmd, inputs map[string]any) ([]byte, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encoding inputs: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := tail(strings.TrimSpace(stderr.String()), 2000)
		if msg == "" {
			msg = err.Error()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("exit %d: %s", exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return stdout.Bytes(), nil
}

// tail keeps the last n bytes of s so long stderr streams stay bounded.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// inputEnv exposes inputs to shell scripts without forcing them to parse
// JSON: CASCADE_INPUTS carries the whole map, CASCADE_INPUT_<KEY> each value.
func inputEnv(inputs map[string]any) []string {
	if inputs == nil {
		inputs = map[string]any{}
	}
	all, _ := json.Marshal(inputs)
	env := []string{"CASCADE_INPUTS=" + string(all)}
	for k, v := range inputs {
		env = append(env, "CASCADE_INPUT_"+envKey(k)+"="+prompt.Stringify(v))
	}
	return env
}

func envKey(k string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(k) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
