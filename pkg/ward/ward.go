// Package ward evaluates cell guardrails after each turn.
//
// A cell declares wards as {kind, spec, on_fail}. Kinds:
//
//   - regex: the assistant output must match the pattern
//   - jsonschema: the structured output must validate against the schema
//   - predicate: a template expression over {output, outputs, state} must
//     evaluate truthy
//
// Wards compile once per cell and evaluate once per turn. A violation with
// on_fail=retry sends the cell back to SENDING with a corrective system
// message; on_fail=fail aborts the cell.
package ward

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/prompt"
)

// Violation describes one failed ward.
type Violation struct {
	Index   int
	Kind    string
	OnFail  string
	Message string
}

// Fatal reports whether this violation aborts the cell rather than retrying.
func (v Violation) Fatal() bool { return v.OnFail == cascade.OnFailFail }

// Set is a cell's compiled ward list.
type Set struct {
	engine *prompt.Engine
	checks []check
}

type check struct {
	kind   string
	onFail string

	re     *regexp.Regexp
	schema *jsonschema.Schema
	expr   string
}

// Compile builds a Set from a cell's ward configs. The prompt engine
// evaluates predicate wards at turn time.
func Compile(engine *prompt.Engine, wards []cascade.Ward) (*Set, error) {
	s := &Set{engine: engine}
	for i, w := range wards {
		c := check{kind: w.Kind, onFail: w.OnFail}
		if c.onFail == "" {
			c.onFail = cascade.OnFailRetry
		}

		switch w.Kind {
		case cascade.WardRegex:
			pattern, ok := w.Spec.(string)
			if !ok {
				return nil, fmt.Errorf("ward %d: regex spec must be a string", i)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("ward %d: invalid regex: %w", i, err)
			}
			c.re = re

		case cascade.WardJSONSchema:
			spec, ok := w.Spec.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("ward %d: jsonschema spec must be a schema object", i)
			}
			schema, err := cascade.CompileSchema(spec)
			if err != nil {
				return nil, fmt.Errorf("ward %d: invalid schema: %w", i, err)
			}
			c.schema = schema

		case cascade.WardPredicate:
			expr, ok := w.Spec.(string)
			if !ok {
				return nil, fmt.Errorf("ward %d: predicate spec must be a string", i)
			}
			if _, err := engine.Parse(expr); err != nil {
				return nil, fmt.Errorf("ward %d: invalid predicate: %w", i, err)
			}
			c.expr = expr

		default:
			return nil, fmt.Errorf("ward %d: unknown kind %q", i, w.Kind)
		}

		s.checks = append(s.checks, c)
	}
	return s, nil
}

// Len returns the number of compiled wards.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.checks)
}

// Evaluate runs every ward against the turn's output. text is the assistant
// content; value is its parsed form when the cell declared structured output
// (nil otherwise); scope supplies outputs and state to predicates. Predicate
// and schema evaluation failures count as violations of that ward.
func (s *Set) Evaluate(text string, value any, scope prompt.Scope) []Violation {
	if s == nil {
		return nil
	}

	var violations []Violation
	for i, c := range s.checks {
		v := Violation{Index: i, Kind: c.kind, OnFail: c.onFail}

		switch c.kind {
		case cascade.WardRegex:
			if c.re.MatchString(text) {
				continue
			}
			v.Message = fmt.Sprintf("output does not match pattern %q", c.re.String())

		case cascade.WardJSONSchema:
			target := value
			if target == nil {
				if err := json.Unmarshal([]byte(text), &target); err != nil {
					v.Message = "output is not valid JSON"
					violations = append(violations, v)
					continue
				}
			}
			if err := cascade.ValidateDocument(c.schema, target); err != nil {
				v.Message = schemaMessage(err)
			} else {
				continue
			}

		case cascade.WardPredicate:
			ok, err := s.engine.RenderBool(c.expr, scope)
			if err != nil {
				v.Message = fmt.Sprintf("predicate evaluation failed: %v", err)
			} else if ok {
				continue
			} else {
				v.Message = fmt.Sprintf("predicate %q evaluated false", strings.TrimSpace(c.expr))
			}
		}

		violations = append(violations, v)
	}
	return violations
}

// Fatal reports whether any violation carries on_fail=fail.
func Fatal(violations []Violation) bool {
	for _, v := range violations {
		if v.Fatal() {
			return true
		}
	}
	return false
}

// Describe formats violations for the corrective system message injected
// before the retry turn.
func Describe(violations []Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("ward %d (%s): %s", v.Index, v.Kind, v.Message))
	}
	return strings.Join(parts, "; ")
}

// schemaMessage flattens a jsonschema validation error to one line.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return fmt.Sprintf("schema violation at %s: %s", loc, leaf.Message)
	}
	return err.Error()
}
