package toon

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rows(n int) []any {
	out := make([]any, n)
	for i := 0; i < n; i++ {
		out[i] = map[string]any{
			"sku": fmt.Sprintf("A%d", i+1),
			"qty": i + 1,
		}
	}
	return out
}

func TestEncode_Table(t *testing.T) {
	text, format, err := Encode(rows(5))
	require.NoError(t, err)
	assert.Equal(t, "toon", format)
	assert.Equal(t,
		"[5]{qty,sku}:\n  1,A1\n  2,A2\n  3,A3\n  4,A4\n  5,A5",
		text)
}

func TestEncode_SmallArrayFallsBackToJSON(t *testing.T) {
	text, format, err := Encode(rows(4))
	require.NoError(t, err)
	assert.Equal(t, "json", format)
	assert.True(t, strings.HasPrefix(text, "["))
	var back []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &back))
	assert.Len(t, back, 4)
}

func TestEncode_NonUniformFallsBackToJSON(t *testing.T) {
	mixed := rows(5)
	mixed[2] = map[string]any{"sku": "A3", "price": 9.5}
	_, format, err := Encode(mixed)
	require.NoError(t, err)
	assert.Equal(t, "json", format)

	_, format, err = Encode([]any{"plain", "strings", "x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, "json", format)
}

func TestEncode_Escaping(t *testing.T) {
	in := make([]any, 5)
	for i := range in {
		in[i] = map[string]any{
			"note": "a,b",
			"memo": "line1\nline2",
			"q":    `"quoted`,
			"n":    nil,
			"ok":   true,
			"f":    1.50,
		}
	}
	text, format, err := Encode(in)
	require.NoError(t, err)
	require.Equal(t, "toon", format)

	lines := strings.Split(text, "\n")
	assert.Equal(t, "[5]{f,memo,n,note,ok,q}:", lines[0])
	assert.Equal(t, `  1.5,"line1\nline2",null,"a,b",true,"\"quoted"`, lines[1])
}

func TestEncodeTable_NoMinimum(t *testing.T) {
	text, err := EncodeTable([]any{map[string]any{"n": 1}})
	require.NoError(t, err)
	assert.Equal(t, "[1]{n}:\n  1", text)

	_, err = EncodeTable("not a table")
	assert.ErrorIs(t, err, ErrNotTabular)
}

func TestEncodeObject(t *testing.T) {
	text, err := EncodeObject(map[string]any{"status": "done", "count": 3})
	require.NoError(t, err)
	assert.Equal(t, "{count,status}:\n  3,done", text)

	_, err = EncodeObject(map[string]any{})
	assert.ErrorIs(t, err, ErrNotTabular)
}

func TestDecode_Array(t *testing.T) {
	v, ok := Decode("[2]{qty,sku}:\n  3,A1\n  7,B2")
	require.True(t, ok)
	list, isList := v.([]any)
	require.True(t, isList)
	require.Len(t, list, 2)

	first := list[0].(map[string]any)
	assert.Equal(t, json.Number("3"), first["qty"])
	assert.Equal(t, "A1", first["sku"])
}

func TestDecode_Object(t *testing.T) {
	v, ok := Decode("{count,status}:\n  3,done")
	require.True(t, ok)
	obj, isMap := v.(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, "done", obj["status"])
	assert.Equal(t, json.Number("3"), obj["count"])
}

func TestDecode_EscapedCells(t *testing.T) {
	v, ok := Decode("[1]{memo,note}:\n  \"line1\\nline2\",\"a,b\"")
	require.True(t, ok)
	row := v.([]any)[0].(map[string]any)
	assert.Equal(t, "line1\nline2", row["memo"])
	assert.Equal(t, "a,b", row["note"])
}

func TestDecode_RowCountMismatch(t *testing.T) {
	_, ok := Decode("[3]{a}:\n  1\n  2")
	// Falls through TOON parsing; not valid JSON either.
	assert.False(t, ok)
}

func TestDecode_JSONFallback(t *testing.T) {
	v, ok := Decode(`{"plain": "json"}`)
	require.True(t, ok)
	obj := v.(map[string]any)
	assert.Equal(t, "json", obj["plain"])
}

func TestDecode_RawFallback(t *testing.T) {
	v, ok := Decode("not toon, not json")
	assert.False(t, ok)
	assert.Equal(t, "not toon, not json", v)
}

func TestMeasure(t *testing.T) {
	jsonSize, toonSize, savings := Measure(rows(20))
	assert.Greater(t, jsonSize, toonSize)
	assert.Greater(t, savings, 0.0)

	// Non-tabular input measures as pure JSON with zero savings.
	jsonSize, toonSize, savings = Measure(map[string]any{"a": 1})
	assert.Equal(t, jsonSize, toonSize)
	assert.Zero(t, savings)
}

func TestEncodable(t *testing.T) {
	assert.True(t, Encodable(rows(5)))
	assert.False(t, Encodable(rows(4)))
	assert.False(t, Encodable("text"))
	assert.False(t, Encodable([]any{}))
}

func TestRoundTrip_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("uniform tables survive encode/decode", prop.ForAll(
		func(n int, label string, qty int, flag bool) bool {
			in := make([]any, n)
			for i := 0; i < n; i++ {
				in[i] = map[string]any{
					"label": fmt.Sprintf("%s,%d", label, i),
					"qty":   qty + i,
					"flag":  flag,
					"gap":   nil,
				}
			}
			text, format, err := Encode(in)
			if err != nil || format != "toon" {
				return false
			}
			back, ok := Decode(text)
			if !ok {
				return false
			}
			want, _ := json.Marshal(in)
			got, _ := json.Marshal(back)
			return string(want) == string(got)
		},
		gen.IntRange(MinRows, 12),
		gen.AlphaString(),
		gen.IntRange(-1000, 1000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
