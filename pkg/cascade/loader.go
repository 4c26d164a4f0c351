package cascade

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Parse decodes, defaults, and validates a cascade definition.
func Parse(data []byte) (*Cascade, error) {
	var c Cascade
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cascade: parse: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.InputsSchema != nil {
		if _, err := CompileSchema(c.InputsSchema); err != nil {
			return nil, fmt.Errorf("cascade %q: inputs_schema: %w", c.ID, err)
		}
	}
	return &c, nil
}

// LoadFile reads one cascade definition from a YAML file.
func LoadFile(path string) (*Cascade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cascade: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("cascade: %s: %w", path, err)
	}
	return c, nil
}

// LoadDir loads every *.yaml / *.yml cascade in a directory, keyed by
// cascade id. Duplicate ids across files are an error.
func LoadDir(dir string) (map[string]*Cascade, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cascade: read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string]*Cascade, len(names))
	for _, name := range names {
		c, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := out[c.ID]; dup {
			return nil, fmt.Errorf("cascade: duplicate id %q (already loaded from another file: %s)", c.ID, prev.Description)
		}
		out[c.ID] = c
	}
	return out, nil
}

// CompileSchema compiles a JSON-schema map for validation. A nil schema
// compiles to the permissive empty object schema.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// ValidateDocument checks a Go value against a compiled schema. The value is
// normalized through JSON first so native ints and typed maps validate the
// same way wire payloads do.
func ValidateDocument(schema *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("normalize value: %w", err)
	}
	return schema.Validate(doc)
}

// ValidateInputs checks the top-level inputs map against the cascade's
// inputs_schema; cascades without one accept anything.
func (c *Cascade) ValidateInputs(inputs map[string]any) error {
	if c.InputsSchema == nil {
		return nil
	}
	schema, err := CompileSchema(c.InputsSchema)
	if err != nil {
		return NewError(KindValidation, c.ID, "", "inputs_schema: %v", err)
	}
	if err := ValidateDocument(schema, inputs); err != nil {
		return WrapError(KindValidation, c.ID, "", err)
	}
	return nil
}
