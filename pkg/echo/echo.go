// Package echo holds per-session execution state: the mutable state map,
// append-only history, lineage, and error records shared by every cell in a
// cascade run. One Echo exists per session within a process; sub-cascades get
// child Echoes that merge back into the parent on return.
package echo

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/tool"
)

// Message is one history entry. History is append-only; entries are stamped
// with trace metadata at append time and never mutated afterwards.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Data       map[string]any `json:"data,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	TraceID    string         `json:"trace_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	NodeType   string         `json:"node_type"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ErrorRecord is a non-fatal error note. Recording one never blocks other
// cells; fatal errors surface through the scheduler's Result instead.
type ErrorRecord struct {
	Cell    string    `json:"cell"`
	Kind    string    `json:"error_type"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CellRecord is a completed cell's context-facing record: the output plus
// the aspects a context source may include. Re-entries overwrite it, so a
// later cell always sees the latest run.
type CellRecord struct {
	Output    any           `json:"output"`
	ToolCalls []tool.Record `json:"tool_calls,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
}

// Echo is the session state container. All mutation goes through methods that
// serialize under the per-Echo lock; read methods return copies so callers
// never observe concurrent writes.
type Echo struct {
	mu sync.Mutex

	sessionID       string
	callerID        string
	parentSessionID string

	state    map[string]any
	history  []Message
	lineage  []cascade.LineageEntry
	errors   []ErrorRecord
	records  map[string]CellRecord
	metadata map[string]string

	genusHash        string
	currentCascadeID string
	currentCellName  string

	createdAt time.Time
	updatedAt time.Time
}

// New creates an empty Echo for a session. Most callers should go through
// Manager.GetOrCreate instead so the per-session singleton holds.
func New(sessionID, callerID, parentSessionID string) *Echo {
	now := time.Now().UTC()
	return &Echo{
		sessionID:       sessionID,
		callerID:        callerID,
		parentSessionID: parentSessionID,
		state:           make(map[string]any),
		records:         make(map[string]CellRecord),
		metadata:        make(map[string]string),
		createdAt:       now,
		updatedAt:       now,
	}
}

// SessionID returns the session identifier.
func (e *Echo) SessionID() string { return e.sessionID }

// CallerID returns the optional caller identifier.
func (e *Echo) CallerID() string { return e.callerID }

// ParentSessionID returns the parent session for sub-cascade or branch
// Echoes, empty for roots.
func (e *Echo) ParentSessionID() string { return e.parentSessionID }

// CreatedAt returns the creation time (UTC).
func (e *Echo) CreatedAt() time.Time { return e.createdAt }

// UpdatedAt returns the last mutation time (UTC).
func (e *Echo) UpdatedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updatedAt
}

// SetGenusHash records the run's genus hash. It is set once at cascade start;
// later calls for the same session are ignored.
func (e *Echo) SetGenusHash(hash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.genusHash == "" {
		e.genusHash = hash
		e.updatedAt = time.Now().UTC()
	}
}

// GenusHash returns the genus hash set at cascade start.
func (e *Echo) GenusHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.genusHash
}

// SetPointer updates the execution pointers to the cell about to run.
func (e *Echo) SetPointer(cascadeID, cellName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentCascadeID = cascadeID
	e.currentCellName = cellName
	e.updatedAt = time.Now().UTC()
}

// Pointer returns the current cascade id and cell name.
func (e *Echo) Pointer() (cascadeID, cellName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentCascadeID, e.currentCellName
}

// UpdateState sets a state key. Overwrites; no merge semantics.
func (e *Echo) UpdateState(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[key] = value
	e.updatedAt = time.Now().UTC()
}

// StateValue reads one state key.
func (e *Echo) StateValue(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.state[key]
	return v, ok
}

// StateSnapshot returns a copy of the state map. The copy is shallow: the
// engine only ever replaces whole top-level keys, so structural sharing below
// the top level is never observed as a mutation.
func (e *Echo) StateSnapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateSnapshotLocked()
}

func (e *Echo) stateSnapshotLocked() map[string]any {
	snap := make(map[string]any, len(e.state))
	for k, v := range e.state {
		snap[k] = v
	}
	return snap
}

// AddHistory copies the entry, stamps trace metadata and timestamp, appends.
func (e *Echo) AddHistory(entry Message, traceID, parentID, nodeType string) {
	entry.TraceID = traceID
	entry.ParentID = parentID
	entry.NodeType = nodeType
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, entry)
	e.updatedAt = time.Now().UTC()
}

// History returns a copy of the message history.
func (e *Echo) History() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.history...)
}

// HistoryLen returns the number of history entries.
func (e *Echo) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// AddLineage appends a completed cell's output record.
func (e *Echo) AddLineage(cell string, output any, traceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lineage = append(e.lineage, cascade.LineageEntry{Cell: cell, Output: output, TraceID: traceID})
	e.updatedAt = time.Now().UTC()
}

// AddLineageSkipped appends a record for a cell skipped by a zero candidate
// factor or a handoff jump.
func (e *Echo) AddLineageSkipped(cell, traceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lineage = append(e.lineage, cascade.LineageEntry{Cell: cell, TraceID: traceID, Skipped: true})
	e.updatedAt = time.Now().UTC()
}

// Lineage returns a copy of the lineage entries in completion order.
func (e *Echo) Lineage() []cascade.LineageEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]cascade.LineageEntry(nil), e.lineage...)
}

// Outputs returns the latest output per cell, keyed by cell name. Later
// entries for the same cell (self-loops, re-entries) win.
func (e *Echo) Outputs() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.lineage))
	for _, entry := range e.lineage {
		if !entry.Skipped {
			out[entry.Cell] = entry.Output
		}
	}
	return out
}

// SetRecord stores a completed cell's record for later context assembly.
func (e *Echo) SetRecord(cell string, rec CellRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[cell] = rec
	e.updatedAt = time.Now().UTC()
}

// Record returns the named cell's record.
func (e *Echo) Record(cell string) (CellRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[cell]
	return rec, ok
}

// AddError appends a non-fatal error record.
func (e *Echo) AddError(cell, kind, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, ErrorRecord{Cell: cell, Kind: kind, Message: message, At: time.Now().UTC()})
	e.updatedAt = time.Now().UTC()
}

// Errors returns a copy of the recorded errors.
func (e *Echo) Errors() []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ErrorRecord(nil), e.errors...)
}

// SetMetadata stores a small annotation, e.g. the branch point checkpoint id.
func (e *Echo) SetMetadata(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metadata[key] = value
	e.updatedAt = time.Now().UTC()
}

// Metadata reads one annotation.
func (e *Echo) Metadata(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.metadata[key]
	return v, ok
}

// Fork returns a scratch copy for candidate isolation: same identity, copied
// state, records and lineage, empty history and errors. Variants run against
// forks so their writes stay buffered; AbsorbFork merges the winner back and
// losing forks are dropped.
func (e *Echo) Fork() *Echo {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := New(e.sessionID, e.callerID, e.parentSessionID)
	f.genusHash = e.genusHash
	f.currentCascadeID = e.currentCascadeID
	f.currentCellName = e.currentCellName
	f.state = e.stateSnapshotLocked()
	f.records = copyRecords(e.records)
	f.lineage = append([]cascade.LineageEntry(nil), e.lineage...)
	f.metadata = copyStringMap(e.metadata)
	return f
}

// AbsorbFork merges a winning fork's buffered writes: fork state and
// metadata overwrite parent keys, and history and error entries accumulated
// on the fork append to the parent. A fork starts with empty history and
// errors, so everything on it is new.
func (e *Echo) AbsorbFork(f *Echo) {
	f.mu.Lock()
	state := f.stateSnapshotLocked()
	history := append([]Message(nil), f.history...)
	errs := append([]ErrorRecord(nil), f.errors...)
	meta := copyStringMap(f.metadata)
	f.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range state {
		e.state[k] = v
	}
	for k, v := range meta {
		e.metadata[k] = v
	}
	e.history = append(e.history, history...)
	e.errors = append(e.errors, errs...)
	e.updatedAt = time.Now().UTC()
}

// Merge absorbs a completed sub-cascade's Echo: child state overwrites parent
// keys, lineage and errors concatenate, and one lineage entry records the
// sub-cascade's final state under its name.
func (e *Echo) Merge(name string, child *Echo, traceID string) {
	child.mu.Lock()
	childState := child.stateSnapshotLocked()
	childLineage := append([]cascade.LineageEntry(nil), child.lineage...)
	childErrors := append([]ErrorRecord(nil), child.errors...)
	childRecords := copyRecords(child.records)
	child.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range childState {
		e.state[k] = v
	}
	for k, v := range childRecords {
		e.records[k] = v
	}
	e.lineage = append(e.lineage, childLineage...)
	e.errors = append(e.errors, childErrors...)
	e.lineage = append(e.lineage, cascade.LineageEntry{Cell: name, Output: childState, TraceID: traceID})
	e.records[name] = CellRecord{Output: childState}
	e.updatedAt = time.Now().UTC()
}

// Snapshot captures the full session for persistence or branching.
func (e *Echo) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		SessionID:       e.sessionID,
		CallerID:        e.callerID,
		ParentSessionID: e.parentSessionID,
		GenusHash:       e.genusHash,
		State:           e.stateSnapshotLocked(),
		History:         append([]Message(nil), e.history...),
		Lineage:         append([]cascade.LineageEntry(nil), e.lineage...),
		Errors:          append([]ErrorRecord(nil), e.errors...),
		Records:         copyRecords(e.records),
		Metadata:        copyStringMap(e.metadata),
		CreatedAt:       e.createdAt,
		UpdatedAt:       e.updatedAt,
	}
}

// Restore builds an Echo from a persisted snapshot.
func Restore(s Snapshot) *Echo {
	e := New(s.SessionID, s.CallerID, s.ParentSessionID)
	e.genusHash = s.GenusHash
	if s.State != nil {
		e.state = s.State
	}
	e.history = s.History
	e.lineage = s.Lineage
	e.errors = s.Errors
	if s.Records != nil {
		e.records = s.Records
	}
	if s.Metadata != nil {
		e.metadata = s.Metadata
	}
	if !s.CreatedAt.IsZero() {
		e.createdAt = s.CreatedAt
	}
	if !s.UpdatedAt.IsZero() {
		e.updatedAt = s.UpdatedAt
	}
	return e
}

// Snapshot is the persistable form of an Echo.
type Snapshot struct {
	SessionID       string                 `json:"session_id"`
	CallerID        string                 `json:"caller_id,omitempty"`
	ParentSessionID string                 `json:"parent_session_id,omitempty"`
	GenusHash       string                 `json:"genus_hash,omitempty"`
	State           map[string]any         `json:"state"`
	History         []Message              `json:"history"`
	Lineage         []cascade.LineageEntry `json:"lineage"`
	Errors          []ErrorRecord          `json:"errors"`
	Records         map[string]CellRecord  `json:"records,omitempty"`
	Metadata        map[string]string      `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyRecords(m map[string]CellRecord) map[string]CellRecord {
	out := make(map[string]CellRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewSessionID mints a sortable unique session identifier.
func NewSessionID() string {
	return ulid.Make().String()
}
