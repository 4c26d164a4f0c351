// Package identity computes the deterministic fingerprints that name every
// piece of cascade work: species hashes (cell configuration + input), genus
// hashes (cascade structure + top-level input), content hashes for log rows,
// and structural input fingerprints.
//
// Species and genus hashes are SHA-256 over sort-keyed canonical JSON,
// truncated to 16 hex characters. The same inputs must produce the same hash
// across processes, so all numbers are coerced to canonical decimal strings
// and map keys are always sorted before encoding.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"
)

// HashLength is the number of hex characters kept from each digest.
const HashLength = 16

// CellRef is the per-cell slice of a genus hash basis: the facts about a
// cell that define cascade structure, nothing about runtime behavior.
type CellRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Tool string `json:"tool,omitempty"`
}

// Hash returns the 16-hex-char SHA-256 of v's canonical encoding.
func Hash(v any) string {
	sum := sha256.Sum256(Canonical(v))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// Species hashes a cell's identity basis. Callers build the basis map per
// cell type; the model name must never be part of it, which is what keeps
// species hashes comparable across models.
func Species(basis map[string]any) string {
	return Hash(basis)
}

// Genus hashes a cascade invocation: its id, the declared cell structure,
// the structural fingerprint of the top-level input, and the input itself.
func Genus(cascadeID string, cells []CellRef, inputs map[string]any) string {
	return Hash(map[string]any{
		"cascade_id":        cascadeID,
		"cells":             cells,
		"input_fingerprint": Fingerprint(inputs),
		"input_data":        inputs,
	})
}

// Content returns the 16-hex-char blake3 hash of normalized content.
// Log rows carry one per row; blake3 keeps this cheap on hot paths.
func Content(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// Structure hashes the shape of a value: key names, nesting, and leaf types,
// with all leaf values discarded. Two inputs with the same structure hash
// have interchangeable shapes.
func Structure(v any) string {
	return Hash(skeleton(normalize(v)))
}

// Fingerprint summarizes top-level inputs structurally: for each key, the
// value's type and a size bucket. Values themselves are discarded.
func Fingerprint(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for key, raw := range inputs {
		v := normalize(raw)
		out[key] = map[string]any{
			"type":        typeName(v),
			"size_bucket": bucketOf(v),
		}
	}
	return out
}

// SizeBucket classifies a character count.
func SizeBucket(chars int) string {
	switch {
	case chars < 500:
		return "tiny"
	case chars < 2000:
		return "small"
	case chars < 6000:
		return "medium"
	case chars < 20000:
		return "large"
	default:
		return "huge"
	}
}

// ListBucket classifies a list length.
func ListBucket(n int) string {
	switch {
	case n < 5:
		return "tiny"
	case n < 20:
		return "small"
	case n < 100:
		return "medium"
	case n < 500:
		return "large"
	default:
		return "huge"
	}
}

func bucketOf(v any) string {
	switch t := v.(type) {
	case []any:
		return ListBucket(len(t))
	case string:
		return SizeBucket(len(t))
	default:
		return SizeBucket(len(Canonical(v)))
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case json.Number, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	default:
		return "string"
	}
}

// skeleton replaces every leaf with its type name, preserving shape.
func skeleton(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = skeleton(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = skeleton(e)
		}
		return out
	default:
		return typeName(v)
	}
}

// Canonical encodes v as sort-keyed JSON with canonical decimal numbers.
// Arbitrary Go values are normalized through encoding/json first, so structs,
// typed maps, and numeric kinds all land on the same representation.
func Canonical(v any) []byte {
	var buf bytes.Buffer
	encodeCanonical(&buf, normalize(v))
	return buf.Bytes()
}

// normalize round-trips v through JSON, keeping numbers as json.Number so
// they can be re-rendered canonically.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		// Channels, funcs, and friends have a string form and nothing more.
		return fmt.Sprintf("%v", v)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return string(raw)
	}
	return out
}

func encodeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		raw, _ := json.Marshal(t)
		buf.Write(raw)
	case json.Number:
		buf.WriteString(CanonicalNumber(t.String()))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			raw, _ := json.Marshal(k)
			buf.Write(raw)
			buf.WriteByte(':')
			encodeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeCanonical(buf, e)
		}
		buf.WriteByte(']')
	default:
		raw, _ := json.Marshal(fmt.Sprintf("%v", t))
		buf.Write(raw)
	}
}

// CanonicalNumber renders a JSON number literal in canonical decimal form:
// no exponent, no trailing zeros, "1.0" and "1" both become "1".
func CanonicalNumber(lit string) string {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return lit
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	// FormatFloat keeps "-0"; fold it into "0".
	if s == "-0" {
		s = "0"
	}
	return s
}

// ShortID returns the first 8 chars of an id for log-friendly display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
