package cascade

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const triageYAML = `
id: support-triage
description: Classify and answer support tickets.
model: claude-sonnet-4-5
cells:
  - name: classify
    instructions: "Classify this ticket: {{input.ticket}}"
    output_schema:
      type: object
      properties:
        category: {type: string}
      required: [category]
  - name: lookup
    tool: sql:queries/recent_orders.sql
    inputs:
      customer_id: "{{input.customer_id}}"
  - name: respond
    instructions: "Write the reply."
    context:
      - name: classify
      - name: lookup
        format: toon
inputs_schema:
  type: object
  properties:
    ticket: {type: string}
    customer_id: {type: string}
  required: [ticket]
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(triageYAML))
	require.NoError(t, err)

	assert.Equal(t, "support-triage", c.ID)
	assert.Equal(t, "claude-sonnet-4-5", c.Model)
	require.Len(t, c.Cells, 3)
	assert.True(t, c.Cells[1].IsDeterministic())

	// Defaults applied during parse.
	assert.Equal(t, DefaultCascadeMaxTurns, *c.Rules.MaxTurns)
	assert.Equal(t, FormatAuto, c.Cells[2].Context[0].Format)
	assert.Equal(t, FormatTOON, c.Cells[2].Context[1].Format)
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("id: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestParse_InvalidDefinition(t *testing.T) {
	_, err := Parse([]byte("id: broken\ncells:\n  - name: only\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one of instructions or tool")
}

func TestParse_BadInputsSchema(t *testing.T) {
	_, err := Parse([]byte(`
id: bad-schema
cells:
  - name: a
    instructions: x
inputs_schema:
  type: 42
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inputs_schema")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triage.yaml"), []byte(triageYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yml"), []byte("id: other\ncells:\n  - name: a\n    instructions: x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Contains(t, defs, "support-triage")
	assert.Contains(t, defs, "other")
}

func TestLoadDir_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("id: dup\ncells:\n  - name: a\n    instructions: x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("id: dup\ncells:\n  - name: b\n    instructions: y\n"), 0o644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate id "dup"`)
}

func TestValidateInputs(t *testing.T) {
	c, err := Parse([]byte(triageYAML))
	require.NoError(t, err)

	require.NoError(t, c.ValidateInputs(map[string]any{"ticket": "my order is late", "customer_id": "c-42"}))

	err = c.ValidateInputs(map[string]any{"customer_id": "c-42"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))

	err = c.ValidateInputs(map[string]any{"ticket": 7})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestValidateInputs_NoSchema(t *testing.T) {
	c := &Cascade{ID: "open", Cells: []*Cell{{Name: "a", Instructions: "x"}}}
	c.SetDefaults()
	require.NoError(t, c.Validate())
	assert.NoError(t, c.ValidateInputs(map[string]any{"anything": []any{1, 2, 3}}))
}

func TestValidateDocument_NormalizesNativeValues(t *testing.T) {
	schema, err := CompileSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"count": map[string]any{"type": "integer"}},
		"required":   []any{"count"},
	})
	require.NoError(t, err)

	// A native Go int validates the same as a wire payload would.
	assert.NoError(t, ValidateDocument(schema, map[string]any{"count": 3}))
	assert.Error(t, ValidateDocument(schema, map[string]any{"count": "three"}))
}
