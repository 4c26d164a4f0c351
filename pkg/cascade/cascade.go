// Package cascade defines the declarative pipeline model: cascades, cells,
// candidate fan-out, rules, wards, and context wiring, plus validation,
// YAML loading, and the engine's error and result types.
//
// A cascade is immutable once validated. The scheduler walks its cells in
// declaration order unless handoffs redirect it.
package cascade

import (
	"fmt"
	"sort"
)

// Default bounds. Cell max_turns bounds turns inside one phase entry;
// cascade max_turns bounds handoff-driven re-entries; sub-cascade depth
// bounds recursion.
const (
	DefaultMaxTurns        = 10
	DefaultCascadeMaxTurns = 10
	DefaultSubCascadeDepth = 8
)

// Candidate selection modes.
const (
	ModeFirst     = "first"
	ModeEvaluate  = "evaluate"
	ModeAggregate = "aggregate"
)

// Ward kinds and failure policies.
const (
	WardRegex      = "regex"
	WardJSONSchema = "jsonschema"
	WardPredicate  = "predicate"

	OnFailRetry = "retry"
	OnFailFail  = "fail"
)

// Context formats and include aspects.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatTOON = "toon"
	FormatRepr = "repr"

	IncludeOutput    = "output"
	IncludeToolCalls = "tool_calls"
	IncludeReasoning = "reasoning"
)

// Cascade is one declarative pipeline.
type Cascade struct {
	// ID is the stable cascade identifier; part of every genus hash.
	ID string `yaml:"id" json:"id"`

	// Description is operator documentation; the engine ignores it.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Model is the cascade-default model, used when a cell names none.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Cells execute in declaration order unless handoffs redirect.
	Cells []*Cell `yaml:"cells" json:"cells"`

	// InputsSchema optionally validates the top-level inputs map
	// (JSON Schema, draft 2020-12 or earlier).
	InputsSchema map[string]any `yaml:"inputs_schema,omitempty" json:"inputs_schema,omitempty"`

	// Rules holds cascade-level bounds. MaxTurns here caps handoff-driven
	// cell re-entries, protecting cycles; it does not count first entries.
	Rules *Rules `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Cell is one execution unit: an LLM call or a deterministic tool
// invocation, distinguished by Tool being set.
type Cell struct {
	// Name is unique within the cascade.
	Name string `yaml:"name" json:"name"`

	// Instructions is the LLM cell prompt template. Mutually exclusive
	// with Tool.
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	// Model overrides the cascade default for this cell only.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// OutputSchema, when set, requires the assistant's final output to be
	// JSON satisfying this schema; violations retry with a corrective
	// system message.
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`

	// Traits selects the tool catalog: an explicit list of tool names, or
	// manifest mode exposing the registry through the trait selector.
	Traits *Traits `yaml:"traits,omitempty" json:"traits,omitempty"`

	// Candidates configures parallel variant fan-out for this cell.
	Candidates *Candidates `yaml:"candidates,omitempty" json:"candidates,omitempty"`

	// Context declares which prior cells feed this cell's prompt.
	Context []ContextSource `yaml:"context,omitempty" json:"context,omitempty"`

	// Rules bounds the cell: max turns, loop-until, error handler.
	Rules *Rules `yaml:"rules,omitempty" json:"rules,omitempty"`

	// Wards guard the cell's output after each turn.
	Wards []Ward `yaml:"wards,omitempty" json:"wards,omitempty"`

	// Handoffs names the cells this cell may route to on completion.
	Handoffs []string `yaml:"handoffs,omitempty" json:"handoffs,omitempty"`

	// Tool marks a deterministic cell: a registered tool name or a
	// prefixed target ("python:pkg.mod.fn", "sql:path.sql", "shell:run.sh").
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`

	// Inputs are the deterministic cell's templated arguments.
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// IsDeterministic reports whether the cell runs a tool instead of a model.
func (c *Cell) IsDeterministic() bool { return c.Tool != "" }

// MaxTurns returns the effective turn bound for the cell.
func (c *Cell) MaxTurns() int {
	if c.Rules == nil || c.Rules.MaxTurns == nil {
		return DefaultMaxTurns
	}
	return *c.Rules.MaxTurns
}

// SelfLoop reports whether the cell lists itself as a handoff target.
func (c *Cell) SelfLoop() bool {
	for _, h := range c.Handoffs {
		if h == c.Name {
			return true
		}
	}
	return false
}

// Traits is either an explicit tool list or the manifest marker. In YAML it
// is written as a sequence of names or the scalar "manifest".
type Traits struct {
	// Manifest exposes the whole registry filtered by the trait selector.
	Manifest bool `yaml:"-" json:"manifest,omitempty"`

	// Names lists the exact tools exposed to the cell.
	Names []string `yaml:"-" json:"names,omitempty"`
}

// UnmarshalYAML accepts `traits: manifest` or `traits: [a, b]`.
func (t *Traits) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var scalar string
	if err := unmarshal(&scalar); err == nil {
		if scalar != "manifest" {
			return fmt.Errorf("traits: unknown mode %q (want \"manifest\" or a list)", scalar)
		}
		t.Manifest = true
		return nil
	}
	var names []string
	if err := unmarshal(&names); err != nil {
		return fmt.Errorf("traits: expected \"manifest\" or a list of tool names")
	}
	t.Names = names
	return nil
}

// MarshalYAML renders the same two shapes back.
func (t Traits) MarshalYAML() (interface{}, error) {
	if t.Manifest {
		return "manifest", nil
	}
	return t.Names, nil
}

// Candidates configures parallel variant exploration for a cell.
type Candidates struct {
	// Factor is the variant count: an int, or a template rendering to an
	// int (e.g. "{{outputs.previous | length}}"). Zero skips the cell.
	Factor any `yaml:"factor" json:"factor"`

	// Mode selects the winner policy: first, evaluate, or aggregate.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Evaluator is the nested scoring call used by mode=evaluate. Without
	// one, evaluate degrades to the cost/index tie-break.
	Evaluator *Evaluator `yaml:"evaluator,omitempty" json:"evaluator,omitempty"`
}

// Evaluator is a nested LLM call that scores all candidate outputs at once.
// It must answer with a JSON array of scores in [0,1], one per candidate.
type Evaluator struct {
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Model        string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Rules bounds execution. At cell level all fields apply; at cascade level
// only MaxTurns and LoopUntil do.
type Rules struct {
	// MaxTurns caps provider turns within one phase entry (cell level) or
	// handoff re-entries (cascade level). Nil means the default of 10.
	// An explicit 0 fails the cell immediately.
	MaxTurns *int `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`

	// LoopUntil keeps a self-handoff cell looping until this template
	// renders truthy over the session scope.
	LoopUntil string `yaml:"loop_until,omitempty" json:"loop_until,omitempty"`

	// OnError names a recovery sub-cell run when the cell fails; the error
	// is injected into its scope.
	OnError *Cell `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// Ward guards a cell's output after each turn.
type Ward struct {
	// Kind is regex, jsonschema, or predicate.
	Kind string `yaml:"kind" json:"kind"`

	// Spec is the guard body: a pattern string (regex), a schema map
	// (jsonschema), or a boolean template (predicate).
	Spec any `yaml:"spec" json:"spec"`

	// OnFail is retry (default) or fail.
	OnFail string `yaml:"on_fail,omitempty" json:"on_fail,omitempty"`
}

// ContextSource declares one prior cell feeding the current cell's prompt.
type ContextSource struct {
	// Name references an earlier cell in the cascade.
	Name string `yaml:"name" json:"name"`

	// Include selects aspects: output, tool_calls, reasoning.
	// Defaults to [output].
	Include []string `yaml:"include,omitempty" json:"include,omitempty"`

	// AsRole is the message role the payload is injected under:
	// user (default), assistant, or system.
	AsRole string `yaml:"as_role,omitempty" json:"as_role,omitempty"`

	// Format is auto (default), json, toon, or repr.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// SetDefaults fills omitted optional fields in place.
func (c *Cascade) SetDefaults() {
	if c.Rules == nil {
		c.Rules = &Rules{}
	}
	if c.Rules.MaxTurns == nil {
		n := DefaultCascadeMaxTurns
		c.Rules.MaxTurns = &n
	}
	for _, cell := range c.Cells {
		cell.setDefaults()
	}
}

func (c *Cell) setDefaults() {
	if c.Candidates != nil && c.Candidates.Mode == "" {
		c.Candidates.Mode = ModeFirst
	}
	for i := range c.Wards {
		if c.Wards[i].OnFail == "" {
			c.Wards[i].OnFail = OnFailRetry
		}
	}
	for i := range c.Context {
		src := &c.Context[i]
		if len(src.Include) == 0 {
			src.Include = []string{IncludeOutput}
		}
		if src.AsRole == "" {
			src.AsRole = "user"
		}
		if src.Format == "" {
			src.Format = FormatAuto
		}
	}
	if c.Rules != nil && c.Rules.OnError != nil {
		c.Rules.OnError.setDefaults()
	}
}

// Validate checks structural invariants: unique cell names, exactly one of
// instructions/tool per cell, handoff targets existing, context sources
// referencing earlier cells, and enum fields holding known values.
func (c *Cascade) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("cascade: id is required")
	}
	if len(c.Cells) == 0 {
		return fmt.Errorf("cascade %q: at least one cell is required", c.ID)
	}
	if c.Rules != nil && c.Rules.OnError != nil {
		return fmt.Errorf("cascade %q: rules.on_error is a cell-level setting", c.ID)
	}

	names := make(map[string]int, len(c.Cells))
	for i, cell := range c.Cells {
		if cell.Name == "" {
			return fmt.Errorf("cascade %q: cell %d has no name", c.ID, i)
		}
		if _, dup := names[cell.Name]; dup {
			return fmt.Errorf("cascade %q: duplicate cell name %q", c.ID, cell.Name)
		}
		names[cell.Name] = i
	}

	for i, cell := range c.Cells {
		if err := cell.validate(); err != nil {
			return fmt.Errorf("cascade %q: cell %q: %w", c.ID, cell.Name, err)
		}
		for _, target := range cell.Handoffs {
			if _, ok := names[target]; !ok {
				return fmt.Errorf("cascade %q: cell %q: handoff target %q does not exist", c.ID, cell.Name, target)
			}
		}
		for _, src := range cell.Context {
			j, ok := names[src.Name]
			if !ok {
				return fmt.Errorf("cascade %q: cell %q: context source %q does not exist", c.ID, cell.Name, src.Name)
			}
			if j >= i {
				return fmt.Errorf("cascade %q: cell %q: context source %q is not an earlier cell", c.ID, cell.Name, src.Name)
			}
		}
	}
	return nil
}

func (c *Cell) validate() error {
	isLLM := c.Instructions != ""
	isTool := c.Tool != ""
	switch {
	case isLLM && isTool:
		return fmt.Errorf("instructions and tool are mutually exclusive")
	case !isLLM && !isTool:
		return fmt.Errorf("one of instructions or tool is required")
	}

	if isTool {
		switch {
		case c.OutputSchema != nil:
			return fmt.Errorf("output_schema applies to LLM cells only")
		case c.Traits != nil:
			return fmt.Errorf("traits apply to LLM cells only")
		case c.Candidates != nil:
			return fmt.Errorf("candidates apply to LLM cells only")
		case len(c.Wards) > 0:
			return fmt.Errorf("wards apply to LLM cells only")
		case len(c.Context) > 0:
			return fmt.Errorf("context applies to LLM cells only")
		}
	}

	if c.Candidates != nil {
		if err := c.Candidates.validate(); err != nil {
			return err
		}
	}

	for i, w := range c.Wards {
		if err := w.validate(); err != nil {
			return fmt.Errorf("ward %d: %w", i, err)
		}
	}

	for _, src := range c.Context {
		if err := src.validate(); err != nil {
			return fmt.Errorf("context source %q: %w", src.Name, err)
		}
	}

	if c.Traits != nil && !c.Traits.Manifest && len(c.Traits.Names) == 0 {
		return fmt.Errorf("traits: empty list (omit traits to expose no tools)")
	}

	if c.Rules != nil {
		if c.Rules.MaxTurns != nil && *c.Rules.MaxTurns < 0 {
			return fmt.Errorf("rules.max_turns must be >= 0")
		}
		if c.Rules.OnError != nil {
			if err := c.Rules.OnError.validate(); err != nil {
				return fmt.Errorf("rules.on_error: %w", err)
			}
			if c.Rules.OnError.Rules != nil && c.Rules.OnError.Rules.OnError != nil {
				return fmt.Errorf("rules.on_error: handlers do not nest")
			}
		}
	}
	return nil
}

func (cd *Candidates) validate() error {
	switch f := cd.Factor.(type) {
	case nil:
		return fmt.Errorf("candidates.factor is required")
	case int:
		if f < 0 {
			return fmt.Errorf("candidates.factor must be >= 0")
		}
	case string:
		if f == "" {
			return fmt.Errorf("candidates.factor template is empty")
		}
	default:
		return fmt.Errorf("candidates.factor must be an int or a template string, got %T", cd.Factor)
	}

	switch cd.Mode {
	case ModeFirst, ModeEvaluate, ModeAggregate:
	default:
		return fmt.Errorf("candidates.mode %q is not one of first, evaluate, aggregate", cd.Mode)
	}
	if cd.Evaluator != nil && cd.Evaluator.Instructions == "" {
		return fmt.Errorf("candidates.evaluator.instructions is required")
	}
	return nil
}

func (w Ward) validate() error {
	switch w.Kind {
	case WardRegex, WardPredicate:
		if _, ok := w.Spec.(string); !ok {
			return fmt.Errorf("%s ward spec must be a string", w.Kind)
		}
	case WardJSONSchema:
		if _, ok := w.Spec.(map[string]any); !ok {
			return fmt.Errorf("jsonschema ward spec must be a schema object")
		}
	default:
		return fmt.Errorf("kind %q is not one of regex, jsonschema, predicate", w.Kind)
	}
	switch w.OnFail {
	case OnFailRetry, OnFailFail:
	default:
		return fmt.Errorf("on_fail %q is not one of retry, fail", w.OnFail)
	}
	return nil
}

func (s ContextSource) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	for _, inc := range s.Include {
		switch inc {
		case IncludeOutput, IncludeToolCalls, IncludeReasoning:
		default:
			return fmt.Errorf("include %q is not one of output, tool_calls, reasoning", inc)
		}
	}
	switch s.AsRole {
	case "user", "assistant", "system":
	default:
		return fmt.Errorf("as_role %q is not one of user, assistant, system", s.AsRole)
	}
	switch s.Format {
	case FormatAuto, FormatJSON, FormatTOON, FormatRepr:
	default:
		return fmt.Errorf("format %q is not one of auto, json, toon, repr", s.Format)
	}
	return nil
}

// CellNames returns the declared cell names in order.
func (c *Cascade) CellNames() []string {
	names := make([]string, len(c.Cells))
	for i, cell := range c.Cells {
		names[i] = cell.Name
	}
	return names
}

// CellByName returns the named cell and its declaration index.
func (c *Cascade) CellByName(name string) (*Cell, int, bool) {
	for i, cell := range c.Cells {
		if cell.Name == name {
			return cell, i, true
		}
	}
	return nil, -1, false
}

// ToolNames returns the sorted tool names a cell exposes explicitly; nil for
// manifest mode or no traits.
func (c *Cell) ToolNames() []string {
	if c.Traits == nil || c.Traits.Manifest {
		return nil
	}
	names := append([]string(nil), c.Traits.Names...)
	sort.Strings(names)
	return names
}
