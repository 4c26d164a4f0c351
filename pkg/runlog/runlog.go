// Package runlog provides the append-only columnar run log every engine
// component writes to. Rows carry full identity (session, cascade, cell,
// trace, genus and species hashes) so the analytics worker can aggregate
// without joins against live state.
//
// The Logger enqueues; a dedicated writer drains to a Store. Delivery is
// at-least-once and readers deduplicate on (trace_id, node_type).
package runlog

import (
	"context"
	"time"
)

// Node types, ordered here roughly by how expendable they are under
// backpressure. Progress chatter goes first, terminal records never.
const (
	NodeCascadeStart     = "cascade_start"
	NodeCascadeCompleted = "cascade_completed"
	NodePhaseStart       = "phase_start"
	NodePhaseEnd         = "phase_end"
	NodeTurn             = "turn"
	NodeToolCall         = "tool_call"
	NodeToolResult       = "tool_result"
	NodeAssistant        = "assistant"
	NodeUser             = "user"
	NodeSystem           = "system"
	NodeError            = "error"
	NodeCheckpoint       = "checkpoint"
	NodeMCPProgress      = "mcp_progress"
)

// Data formats recorded for payload size accounting.
const (
	FormatJSON = "json"
	FormatTOON = "toon"
)

// Row is one universal log record. Field layout matches the persisted
// columns; bit-exactness of hashes and sizes matters for analytics queries.
type Row struct {
	// Identity.
	SessionID       string `json:"session_id"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	CallerID        string `json:"caller_id,omitempty"`
	CascadeID       string `json:"cascade_id"`
	CellName        string `json:"cell_name,omitempty"`
	CellIndex       int    `json:"cell_index"`
	TraceID         string `json:"trace_id"`
	ParentID        string `json:"parent_id,omitempty"`
	GenusHash       string `json:"genus_hash,omitempty"`
	SpeciesHash     string `json:"species_hash,omitempty"`
	ContentHash     string `json:"content_hash,omitempty"`

	// Type.
	NodeType string `json:"node_type"`

	// Payload.
	Role                string  `json:"role,omitempty"`
	Content             string  `json:"content,omitempty"`
	ContentType         string  `json:"content_type,omitempty"`
	DataFormat          string  `json:"data_format,omitempty"`
	DataSizeJSON        int     `json:"data_size_json,omitempty"`
	DataSizeTOON        int     `json:"data_size_toon,omitempty"`
	DataTokenSavingsPct float64 `json:"data_token_savings_pct,omitempty"`

	// Cost.
	TokensIn   int     `json:"tokens_in,omitempty"`
	TokensOut  int     `json:"tokens_out,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Model      string  `json:"model,omitempty"`

	// Timing.
	Timestamp time.Time `json:"timestamp"`
}

// Severity buckets for the backpressure drop policy.
const (
	severityDroppable = iota // mcp_progress: first to go
	severityLow              // turn: dropped only after progress rows
	severityNormal           // everything else: kept while possible
	severityCritical         // error, cascade_completed: never dropped
)

func severity(nodeType string) int {
	switch nodeType {
	case NodeMCPProgress:
		return severityDroppable
	case NodeTurn:
		return severityLow
	case NodeError, NodeCascadeCompleted:
		return severityCritical
	default:
		return severityNormal
	}
}

// Store persists log rows. Append must tolerate being called twice with the
// same rows; readers deduplicate on (trace_id, node_type).
type Store interface {
	Append(ctx context.Context, rows []Row) error

	// SessionRows returns a session's rows in timestamp order, deduplicated.
	SessionRows(ctx context.Context, sessionID string) ([]Row, error)
}
