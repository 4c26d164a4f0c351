// Package toon implements TOON ("tabular object-oriented notation"), a
// compact tabular text format for arrays of uniform objects:
//
//	[2]{sku,qty}:
//	  A1,3
//	  B2,7
//
// TOON exists to cut token spend when large tabular payloads are injected
// into model context. Arrays that are small (< MinRows) or not uniform fall
// back to JSON, as does any input the decoder cannot parse as TOON.
package toon

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MinRows is the smallest array size worth encoding as TOON. Below it the
// header overhead eats the savings, so Encode falls back to JSON.
const MinRows = 5

// ErrNotTabular reports input that cannot be rendered as a TOON table.
var ErrNotTabular = fmt.Errorf("toon: value is not an array of uniform objects")

// Encodable reports whether v is an array of uniform objects long enough to
// benefit from TOON.
func Encodable(v any) bool {
	rows, ok := uniformRows(v)
	return ok && len(rows) >= MinRows
}

// Encode renders v as TOON when it is a uniform object array with at least
// MinRows rows, and as compact JSON otherwise. The returned format is
// "toon" or "json".
func Encode(v any) (text string, format string, err error) {
	rows, ok := uniformRows(v)
	if !ok || len(rows) < MinRows {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", "", fmt.Errorf("toon: json fallback: %w", err)
		}
		return string(raw), "json", nil
	}
	text, err = encodeRows(rows, true)
	if err != nil {
		return "", "", err
	}
	return text, "toon", nil
}

// EncodeTable renders v as TOON regardless of row count; explicit encoding
// requests (the totoon filter) take the caller at their word. Returns
// ErrNotTabular when v is not a uniform object array.
func EncodeTable(v any) (string, error) {
	rows, ok := uniformRows(v)
	if !ok {
		return "", ErrNotTabular
	}
	return encodeRows(rows, true)
}

// EncodeObject renders a single object in object-flavored TOON: the same
// header/row layout without the length prefix.
func EncodeObject(obj map[string]any) (string, error) {
	if len(obj) == 0 {
		return "", ErrNotTabular
	}
	return encodeRows([]map[string]any{obj}, false)
}

// Measure returns the JSON and TOON byte sizes of v plus the savings
// percentage, all zero-tolerant: when TOON does not apply, toonSize equals
// jsonSize and savings is 0.
func Measure(v any) (jsonSize, toonSize int, savingsPct float64) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, 0, 0
	}
	jsonSize = len(raw)
	text, format, err := Encode(v)
	if err != nil || format != "toon" {
		return jsonSize, jsonSize, 0
	}
	toonSize = len(text)
	if jsonSize > 0 {
		savingsPct = 100 * float64(jsonSize-toonSize) / float64(jsonSize)
	}
	return jsonSize, toonSize, savingsPct
}

// uniformRows converts v into []map[string]any when every element is an
// object over the same key set.
func uniformRows(v any) ([]map[string]any, bool) {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case []map[string]any:
		items = make([]any, len(t))
		for i, m := range t {
			items[i] = m
		}
	default:
		return nil, false
	}
	if len(items) == 0 {
		return nil, false
	}

	rows := make([]map[string]any, len(items))
	var keys []string
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		if i == 0 {
			keys = make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
		} else {
			if len(m) != len(keys) {
				return nil, false
			}
			for _, k := range keys {
				if _, ok := m[k]; !ok {
					return nil, false
				}
			}
		}
		rows[i] = m
	}
	return rows, true
}

func encodeRows(rows []map[string]any, withCount bool) (string, error) {
	keys := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	if withCount {
		sb.WriteString("[")
		sb.WriteString(strconv.Itoa(len(rows)))
		sb.WriteString("]")
	}
	sb.WriteString("{")
	sb.WriteString(strings.Join(keys, ","))
	sb.WriteString("}:")
	for _, row := range rows {
		sb.WriteString("\n  ")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(",")
			}
			cell, err := encodeValue(row[k])
			if err != nil {
				return "", err
			}
			sb.WriteString(cell)
		}
	}
	return sb.String(), nil
}

// encodeValue renders one scalar cell. Values that would break row parsing
// (embedded commas or newlines, a leading quote) are JSON-escaped; composite
// values are embedded as JSON strings.
func encodeValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case string:
		if needsEscape(t) {
			raw, _ := json.Marshal(t)
			return string(raw), nil
		}
		return t, nil
	case json.Number:
		return canonicalNumber(t.String()), nil
	case float64:
		return canonicalNumber(strconv.FormatFloat(t, 'f', -1, 64)), nil
	case float32:
		return canonicalNumber(strconv.FormatFloat(float64(t), 'f', -1, 32)), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("toon: encode cell: %w", err)
		}
		s := string(raw)
		if needsEscape(s) || strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
			escaped, _ := json.Marshal(s)
			return string(escaped), nil
		}
		return s, nil
	}
}

func needsEscape(s string) bool {
	return strings.ContainsAny(s, ",\n") || strings.HasPrefix(s, `"`)
}

func canonicalNumber(lit string) string {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return lit
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if s == "-0" {
		s = "0"
	}
	return s
}

// Decode parses TOON text back into native values: a []any of maps for
// array-flavored input, a map[string]any for object-flavored input. Input
// that does not look like TOON is parsed as JSON instead; if both fail, the
// raw string comes back unchanged with ok=false.
func Decode(text string) (v any, ok bool) {
	trimmed := strings.TrimSpace(text)
	if parsed, err := decodeTable(trimmed); err == nil {
		return parsed, true
	}
	var out any
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&out); err == nil {
		return out, true
	}
	return text, false
}

func decodeTable(text string) (any, error) {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 {
		return nil, ErrNotTabular
	}
	header := strings.TrimSpace(lines[0])

	declared := -1
	if strings.HasPrefix(header, "[") {
		end := strings.Index(header, "]")
		if end < 0 {
			return nil, ErrNotTabular
		}
		n, err := strconv.Atoi(header[1:end])
		if err != nil {
			return nil, fmt.Errorf("toon: bad length prefix: %w", err)
		}
		declared = n
		header = header[end+1:]
	}

	if !strings.HasPrefix(header, "{") || !strings.HasSuffix(header, "}:") {
		return nil, ErrNotTabular
	}
	keys := strings.Split(header[1:len(header)-2], ",")
	if len(keys) == 0 || keys[0] == "" {
		return nil, ErrNotTabular
	}

	rows := make([]any, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cells, err := splitRow(line, len(keys))
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(keys))
		for i, k := range keys {
			row[k] = decodeValue(cells[i])
		}
		rows = append(rows, row)
	}

	if declared >= 0 && declared != len(rows) {
		return nil, fmt.Errorf("toon: declared %d rows, found %d", declared, len(rows))
	}
	if declared < 0 {
		// Object-flavored: a single row decodes to the object itself.
		if len(rows) != 1 {
			return nil, ErrNotTabular
		}
		return rows[0], nil
	}
	return rows, nil
}

// splitRow splits a row on commas, honoring JSON-escaped cells that may
// contain commas themselves.
func splitRow(line string, want int) ([]string, error) {
	cells := make([]string, 0, want)
	for i := 0; i < len(line); {
		if line[i] == '"' {
			end, err := scanJSONString(line, i)
			if err != nil {
				return nil, err
			}
			cells = append(cells, line[i:end])
			i = end
			if i < len(line) {
				if line[i] != ',' {
					return nil, fmt.Errorf("toon: expected comma at %d", i)
				}
				i++
			}
			continue
		}
		next := strings.IndexByte(line[i:], ',')
		if next < 0 {
			cells = append(cells, line[i:])
			break
		}
		cells = append(cells, line[i:i+next])
		i += next + 1
	}
	// A trailing comma means an empty final cell.
	if strings.HasSuffix(line, ",") {
		cells = append(cells, "")
	}
	if len(cells) != want {
		return nil, fmt.Errorf("toon: row has %d cells, want %d", len(cells), want)
	}
	return cells, nil
}

// scanJSONString returns the index just past the closing quote of the JSON
// string starting at line[start].
func scanJSONString(line string, start int) (int, error) {
	for i := start + 1; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '"':
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("toon: unterminated escaped cell")
}

func decodeValue(cell string) any {
	switch cell {
	case "null", "":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if strings.HasPrefix(cell, `"`) {
		var s string
		if err := json.Unmarshal([]byte(cell), &s); err == nil {
			// Escaped cells may hold embedded JSON composites.
			if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
				var nested any
				dec := json.NewDecoder(strings.NewReader(s))
				dec.UseNumber()
				if err := dec.Decode(&nested); err == nil {
					return nested
				}
			}
			return s
		}
		return cell
	}
	if n, err := strconv.ParseFloat(cell, 64); err == nil {
		return json.Number(strconv.FormatFloat(n, 'f', -1, 64))
	}
	return cell
}
