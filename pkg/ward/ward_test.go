package ward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/prompt"
)

func compileSet(t *testing.T, wards []cascade.Ward) *Set {
	t.Helper()
	s, err := Compile(prompt.New(), wards)
	require.NoError(t, err)
	return s
}

func TestCompile_Errors(t *testing.T) {
	engine := prompt.New()

	tests := []struct {
		name string
		ward cascade.Ward
		want string
	}{
		{"unknown kind", cascade.Ward{Kind: "banlist", Spec: "x"}, "unknown kind"},
		{"regex non-string", cascade.Ward{Kind: cascade.WardRegex, Spec: 7}, "must be a string"},
		{"bad regex", cascade.Ward{Kind: cascade.WardRegex, Spec: "(unclosed"}, "invalid regex"},
		{"schema non-map", cascade.Ward{Kind: cascade.WardJSONSchema, Spec: "x"}, "schema object"},
		{"predicate non-string", cascade.Ward{Kind: cascade.WardPredicate, Spec: 1}, "must be a string"},
		{"bad predicate", cascade.Ward{Kind: cascade.WardPredicate, Spec: "{{state.x |}}"}, "invalid predicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(engine, []cascade.Ward{tt.ward})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEvaluate_Regex(t *testing.T) {
	s := compileSet(t, []cascade.Ward{
		{Kind: cascade.WardRegex, Spec: `(?i)approved|rejected`, OnFail: cascade.OnFailRetry},
	})

	assert.Empty(t, s.Evaluate("Claim APPROVED after review", nil, prompt.Scope{}))

	violations := s.Evaluate("still thinking about it", nil, prompt.Scope{})
	require.Len(t, violations, 1)
	assert.Equal(t, cascade.WardRegex, violations[0].Kind)
	assert.Contains(t, violations[0].Message, "does not match")
	assert.False(t, violations[0].Fatal())
}

func TestEvaluate_JSONSchema(t *testing.T) {
	s := compileSet(t, []cascade.Ward{
		{
			Kind: cascade.WardJSONSchema,
			Spec: map[string]any{
				"type":     "object",
				"required": []any{"verdict"},
			},
			OnFail: cascade.OnFailFail,
		},
	})

	// Structured value provided by the cell loop.
	assert.Empty(t, s.Evaluate("", map[string]any{"verdict": "ok"}, prompt.Scope{}))

	violations := s.Evaluate("", map[string]any{"other": 1}, prompt.Scope{})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Message, "schema violation")
	assert.True(t, violations[0].Fatal())

	// Falls back to parsing the output text.
	assert.Empty(t, s.Evaluate(`{"verdict":"ok"}`, nil, prompt.Scope{}))

	violations = s.Evaluate("plain prose", nil, prompt.Scope{})
	require.Len(t, violations, 1)
	assert.Equal(t, "output is not valid JSON", violations[0].Message)
}

func TestEvaluate_Predicate(t *testing.T) {
	s := compileSet(t, []cascade.Ward{
		{Kind: cascade.WardPredicate, Spec: "{{state.confidence}}"},
	})

	pass := prompt.Scope{State: map[string]any{"confidence": 0.9}}
	assert.Empty(t, s.Evaluate("", nil, pass))

	fail := prompt.Scope{State: map[string]any{"confidence": 0}}
	violations := s.Evaluate("", nil, fail)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Message, "evaluated false")

	// Missing variables render empty, which is falsy.
	violations = s.Evaluate("", nil, prompt.Scope{})
	require.Len(t, violations, 1)
}

func TestEvaluate_DefaultOnFail(t *testing.T) {
	s := compileSet(t, []cascade.Ward{
		{Kind: cascade.WardRegex, Spec: "never-matches-\\d+"},
	})

	violations := s.Evaluate("text", nil, prompt.Scope{})
	require.Len(t, violations, 1)
	assert.Equal(t, cascade.OnFailRetry, violations[0].OnFail)
}

func TestEvaluate_MultipleWards(t *testing.T) {
	s := compileSet(t, []cascade.Ward{
		{Kind: cascade.WardRegex, Spec: "verdict"},
		{Kind: cascade.WardPredicate, Spec: "{{state.checked}}", OnFail: cascade.OnFailFail},
	})
	require.Equal(t, 2, s.Len())

	violations := s.Evaluate("no match here", nil, prompt.Scope{})
	require.Len(t, violations, 2)
	assert.Equal(t, 0, violations[0].Index)
	assert.Equal(t, 1, violations[1].Index)

	assert.True(t, Fatal(violations))
	assert.False(t, Fatal(violations[:1]))

	desc := Describe(violations)
	assert.Contains(t, desc, "ward 0 (regex)")
	assert.Contains(t, desc, "ward 1 (predicate)")
}

func TestEvaluate_NilSet(t *testing.T) {
	var s *Set
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Evaluate("anything", nil, prompt.Scope{}))
}
