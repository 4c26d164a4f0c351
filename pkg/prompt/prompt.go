// Package prompt renders templated cell instructions against the session
// scope. Templates hold plain text with embedded expressions:
//
//	"Summarize {{input.doc}} using {{outputs.research.findings | totoon}}"
//
// Expressions read the scope roots input, state, outputs, env, session_id,
// and checkpoint_id through dotted paths, and pass values through filters.
// Missing variables render as empty strings so that sparsely populated
// sessions degrade gracefully instead of failing. A template that consists
// of exactly one expression preserves the native value type, which is how
// deterministic cells receive lists and maps rather than their string forms.
package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kadirpekel/cascade/pkg/identity"
	"github.com/kadirpekel/cascade/pkg/toon"
)

// Filter transforms one value during rendering.
type Filter func(v any) (any, error)

// Scope is the evaluation environment a template renders against.
type Scope struct {
	Input        map[string]any
	State        map[string]any
	Outputs      map[string]any
	Env          map[string]string
	SessionID    string
	CheckpointID string
}

// exprRegex matches {{ expression }} spans, non-greedy.
var exprRegex = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Engine parses and renders templates. The zero value is not usable; New
// registers the builtin filters.
type Engine struct {
	filters map[string]Filter
}

// New creates an Engine with the builtin filters registered: tojson,
// to_json, from_json, totoon, structure_hash, length.
func New() *Engine {
	e := &Engine{filters: make(map[string]Filter)}
	e.filters["tojson"] = filterToJSON
	e.filters["to_json"] = filterToJSON
	e.filters["from_json"] = filterFromJSON
	e.filters["totoon"] = filterToTOON
	e.filters["structure_hash"] = filterStructureHash
	e.filters["length"] = filterLength
	return e
}

// RegisterFilter adds a custom filter. Registering a builtin name is an
// error; embedders extend the filter set, they do not change its meaning.
func (e *Engine) RegisterFilter(name string, fn Filter) error {
	if _, exists := e.filters[name]; exists {
		return fmt.Errorf("prompt: filter %q already registered", name)
	}
	if fn == nil {
		return fmt.Errorf("prompt: filter %q is nil", name)
	}
	e.filters[name] = fn
	return nil
}

// segment is either literal text or a parsed expression.
type segment struct {
	text string
	expr node
	raw  string
}

// Template is a parsed template, safe for concurrent rendering.
type Template struct {
	raw      string
	segments []segment
	engine   *Engine
}

// Parse compiles a template once for repeated rendering.
func (e *Engine) Parse(raw string) (*Template, error) {
	t := &Template{raw: raw, engine: e}
	lastIndex := 0
	for _, loc := range exprRegex.FindAllStringSubmatchIndex(raw, -1) {
		if loc[0] > lastIndex {
			t.segments = append(t.segments, segment{text: raw[lastIndex:loc[0]]})
		}
		src := raw[loc[2]:loc[3]]
		n, err := parseExpr(src)
		if err != nil {
			return nil, fmt.Errorf("prompt: parse %q: %w", strings.TrimSpace(src), err)
		}
		t.segments = append(t.segments, segment{expr: n, raw: src})
		lastIndex = loc[1]
	}
	if lastIndex < len(raw) {
		t.segments = append(t.segments, segment{text: raw[lastIndex:]})
	}
	return t, nil
}

// Raw returns the original template text.
func (t *Template) Raw() string { return t.raw }

// Render resolves the template to a string.
func (t *Template) Render(scope Scope) (string, error) {
	ev := &evaluator{scope: scope, filters: t.engine.filters}
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.expr == nil {
			sb.WriteString(seg.text)
			continue
		}
		v, err := seg.expr.eval(ev)
		if err != nil {
			return "", err
		}
		sb.WriteString(Stringify(v))
	}
	return sb.String(), nil
}

// RenderValue resolves the template preserving native types: when the whole
// template is a single expression, the evaluated value comes back as-is.
// Otherwise it behaves like Render.
func (t *Template) RenderValue(scope Scope) (any, error) {
	if expr, ok := t.wholeExpression(); ok {
		ev := &evaluator{scope: scope, filters: t.engine.filters}
		return expr.eval(ev)
	}
	return t.Render(scope)
}

// wholeExpression reports whether the template is exactly one expression,
// ignoring surrounding whitespace.
func (t *Template) wholeExpression() (node, bool) {
	var expr node
	for _, seg := range t.segments {
		if seg.expr != nil {
			if expr != nil {
				return nil, false
			}
			expr = seg.expr
			continue
		}
		if strings.TrimSpace(seg.text) != "" {
			return nil, false
		}
	}
	if expr == nil {
		return nil, false
	}
	return expr, true
}

// Render is the one-shot convenience for callers without a cached Template.
func (e *Engine) Render(raw string, scope Scope) (string, error) {
	t, err := e.Parse(raw)
	if err != nil {
		return "", err
	}
	return t.Render(scope)
}

// RenderValue is the one-shot native-preserving variant.
func (e *Engine) RenderValue(raw string, scope Scope) (any, error) {
	t, err := e.Parse(raw)
	if err != nil {
		return nil, err
	}
	return t.RenderValue(scope)
}

// RenderBool renders a template and folds the result to a truthiness check,
// the contract behind loop_until and predicate wards.
func (e *Engine) RenderBool(raw string, scope Scope) (bool, error) {
	v, err := e.RenderValue(raw, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// RenderInt renders a template expected to produce an integer, the contract
// behind templated candidate factors. Strings and floats are coerced when
// they carry an integral value.
func (e *Engine) RenderInt(raw string, scope Scope) (int, error) {
	v, err := e.RenderValue(raw, scope)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("prompt: %q is not a number", t.String())
		}
		return int(f), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("prompt: %q is not a number", s)
		}
		return int(f), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("prompt: cannot coerce %T to int", v)
	}
}

// RenderInputs renders every string leaf of a templated inputs map with
// native-type preservation, walking nested maps and lists.
func (e *Engine) RenderInputs(inputs map[string]any, scope Scope) (map[string]any, error) {
	if inputs == nil {
		return nil, nil
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		rendered, err := e.renderAny(v, scope)
		if err != nil {
			return nil, fmt.Errorf("prompt: input %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func (e *Engine) renderAny(v any, scope Scope) (any, error) {
	switch t := v.(type) {
	case string:
		if !exprRegex.MatchString(t) {
			return t, nil
		}
		return e.RenderValue(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			r, err := e.renderAny(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			r, err := e.renderAny(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Truthy folds a rendered value to a boolean: nil, false, zero, empty
// strings and collections, and the strings "false"/"0"/"null" are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s != "" && s != "false" && s != "0" && s != "null"
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Stringify renders a value for inclusion in prompt text: nil becomes the
// empty string, numbers use canonical decimals, composites become compact
// JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return identity.CanonicalNumber(strconv.FormatFloat(t, 'f', -1, 64))
	case json.Number:
		return identity.CanonicalNumber(t.String())
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

func filterToJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("prompt: tojson: %w", err)
	}
	return string(raw), nil
}

func filterFromJSON(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		// Already structured; from_json is a no-op then.
		return v, nil
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("prompt: from_json: %w", err)
	}
	return out, nil
}

func filterToTOON(v any) (any, error) {
	if m, ok := v.(map[string]any); ok {
		if text, err := toon.EncodeObject(m); err == nil {
			return text, nil
		}
	}
	if text, err := toon.EncodeTable(v); err == nil {
		return text, nil
	}
	// Not tabular; JSON keeps the payload intact.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("prompt: totoon: %w", err)
	}
	return string(raw), nil
}

func filterStructureHash(v any) (any, error) {
	return identity.Structure(v), nil
}

func filterLength(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		return len(t), nil
	case []any:
		return len(t), nil
	case map[string]any:
		return len(t), nil
	default:
		return 0, fmt.Errorf("prompt: length: unsupported type %T", v)
	}
}
