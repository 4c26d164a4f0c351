// Package assembler builds the context messages an LLM cell receives from
// its declared context sources, and prices what that re-injected context
// costs at the downstream call. The analytics worker reads the attribution
// rows to split new-work cost from re-injected-context cost per cell.
package assembler

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/model"
	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/tokens"
	"github.com/kadirpekel/cascade/pkg/toon"
)

// Message is one assembled context message plus its attribution
// measurements.
type Message struct {
	Role    string
	Content string

	// Source is the cell whose record produced this message.
	Source string

	// DataFormat is json or toon for structured payloads, empty for prose.
	DataFormat string
	SizeJSON   int
	SizeTOON   int
	SavingsPct float64

	// Tokens and Cost estimate what injecting this message costs at the
	// downstream call's input price.
	Tokens int
	Cost   float64
}

// Row converts the message's attribution into its run-log record. The
// source cell travels in content_type so the analytics worker can build
// the per-cell context breakdown without re-parsing content.
func (m Message) Row() runlog.Row {
	return runlog.Row{
		NodeType:            nodeTypeFor(m.Role),
		Role:                m.Role,
		Content:             m.Content,
		ContentType:         "context:" + m.Source,
		DataFormat:          m.DataFormat,
		DataSizeJSON:        m.SizeJSON,
		DataSizeTOON:        m.SizeTOON,
		DataTokenSavingsPct: m.SavingsPct,
		TokensIn:            m.Tokens,
		Cost:                m.Cost,
	}
}

func nodeTypeFor(role string) string {
	switch role {
	case model.RoleAssistant:
		return runlog.NodeAssistant
	case model.RoleSystem:
		return runlog.NodeSystem
	default:
		return runlog.NodeUser
	}
}

// ProviderMessages converts assembled messages to provider form, in order.
func ProviderMessages(msgs []Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = model.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// Assemble builds the context messages for a cell from its sources against
// the Echo's records, in declared order. Sources whose cell left no record
// (skipped cells) contribute nothing. modelName prices the attribution;
// unknown models cost zero.
func Assemble(sources []cascade.ContextSource, ec *echo.Echo, modelName string) ([]Message, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	counter := tokens.ForModel(modelName)
	price, _ := model.LookupPricing(modelName)

	var msgs []Message
	for _, src := range sources {
		rec, ok := ec.Record(src.Name)
		if !ok {
			continue
		}
		for _, aspect := range src.Include {
			msg, ok, err := buildAspect(src, rec, aspect)
			if err != nil {
				return nil, fmt.Errorf("assembler: source %q: %w", src.Name, err)
			}
			if !ok {
				continue
			}
			msg.Tokens = counter.Count(msg.Content)
			msg.Cost = float64(msg.Tokens) * price.InputPer1M / 1_000_000
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func buildAspect(src cascade.ContextSource, rec echo.CellRecord, aspect string) (Message, bool, error) {
	msg := Message{Role: src.AsRole, Source: src.Name}

	switch aspect {
	case cascade.IncludeOutput:
		if rec.Output == nil {
			return Message{}, false, nil
		}
		payload, err := formatOutput(&msg, rec.Output, src.Format)
		if err != nil {
			return Message{}, false, err
		}
		msg.Content = fmt.Sprintf("[Output from %s]:\n%s", src.Name, payload)

	case cascade.IncludeToolCalls:
		if len(rec.ToolCalls) == 0 {
			return Message{}, false, nil
		}
		raw, err := json.Marshal(rec.ToolCalls)
		if err != nil {
			return Message{}, false, fmt.Errorf("encoding tool calls: %w", err)
		}
		msg.Content = fmt.Sprintf("[Tool calls from %s]:\n%s", src.Name, raw)
		msg.DataFormat = runlog.FormatJSON
		msg.SizeJSON = len(raw)

	case cascade.IncludeReasoning:
		if rec.Reasoning == "" {
			return Message{}, false, nil
		}
		msg.Content = fmt.Sprintf("[Reasoning from %s]:\n%s", src.Name, rec.Reasoning)

	default:
		return Message{}, false, nil
	}
	return msg, true, nil
}

// formatOutput renders the output aspect per the source's format and fills
// the message's measurement fields. Producers that pre-encoded their payload
// ({format: "toon", rows: "…"}) pass through untouched.
func formatOutput(msg *Message, v any, format string) (string, error) {
	if text, dataFormat, ok := preEncoded(v); ok {
		msg.DataFormat = dataFormat
		switch dataFormat {
		case runlog.FormatTOON:
			msg.SizeTOON = len(text)
		case runlog.FormatJSON:
			msg.SizeJSON = len(text)
		}
		return text, nil
	}

	switch format {
	case cascade.FormatTOON:
		text, err := toon.EncodeTable(v)
		if errors.Is(err, toon.ErrNotTabular) {
			return marshalJSON(msg, v)
		}
		if err != nil {
			return "", err
		}
		msg.DataFormat = runlog.FormatTOON
		msg.SizeJSON, msg.SizeTOON, msg.SavingsPct = toon.Measure(v)
		return text, nil

	case cascade.FormatJSON:
		return marshalJSON(msg, v)

	case cascade.FormatRepr:
		return prompt.Stringify(v), nil

	default: // auto
		text, dataFormat, err := toon.Encode(v)
		if err != nil {
			return "", err
		}
		msg.DataFormat = dataFormat
		if dataFormat == runlog.FormatTOON {
			msg.SizeJSON, msg.SizeTOON, msg.SavingsPct = toon.Measure(v)
		} else {
			msg.SizeJSON = len(text)
		}
		return text, nil
	}
}

func marshalJSON(msg *Message, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding output: %w", err)
	}
	msg.DataFormat = runlog.FormatJSON
	msg.SizeJSON = len(raw)
	return string(raw), nil
}

// preEncoded detects producer-encoded payloads: a map carrying a format tag
// and the encoded rows string.
func preEncoded(v any) (text, dataFormat string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return "", "", false
	}
	f, fok := m["format"].(string)
	rows, rok := m["rows"].(string)
	if !fok || !rok {
		return "", "", false
	}
	if f != runlog.FormatTOON && f != runlog.FormatJSON {
		return "", "", false
	}
	return rows, f, true
}
