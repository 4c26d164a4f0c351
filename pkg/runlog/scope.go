package runlog

import "context"

// contextKey is a private type for context value keys to avoid collisions.
type contextKey struct{}

var scopeKey contextKey

// Scope carries the identity fields the Logger auto-injects into rows whose
// caller left them empty. The scheduler establishes the cascade-level scope;
// the cell loop narrows it per cell and per turn.
type Scope struct {
	SessionID       string
	ParentSessionID string
	CallerID        string
	CascadeID       string
	CellName        string
	CellIndex       int
	TraceID         string
	ParentID        string
	GenusHash       string
	SpeciesHash     string
	Model           string
}

// WithScope attaches a scope to the context. Empty fields inherit from any
// scope already present, so narrowing a scope only names what changed.
func WithScope(ctx context.Context, s Scope) context.Context {
	if prev, ok := ctx.Value(scopeKey).(Scope); ok {
		s = merged(prev, s)
	}
	return context.WithValue(ctx, scopeKey, s)
}

// WithFreshScope attaches a scope without inheriting from any scope already
// present. Sub-cascade launches use it so child rows don't carry the parent
// run's session or cell identity.
func WithFreshScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey, s)
}

// ScopeFrom returns the current scope, zero if none is attached.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey).(Scope)
	return s
}

func merged(base, over Scope) Scope {
	if over.SessionID == "" {
		over.SessionID = base.SessionID
	}
	if over.ParentSessionID == "" {
		over.ParentSessionID = base.ParentSessionID
	}
	if over.CallerID == "" {
		over.CallerID = base.CallerID
	}
	if over.CascadeID == "" {
		over.CascadeID = base.CascadeID
	}
	if over.CellName == "" {
		over.CellName = base.CellName
		if over.CellIndex == 0 {
			over.CellIndex = base.CellIndex
		}
	}
	if over.TraceID == "" {
		over.TraceID = base.TraceID
	}
	if over.ParentID == "" {
		over.ParentID = base.ParentID
	}
	if over.GenusHash == "" {
		over.GenusHash = base.GenusHash
	}
	if over.SpeciesHash == "" {
		over.SpeciesHash = base.SpeciesHash
	}
	if over.Model == "" {
		over.Model = base.Model
	}
	return over
}

// inject fills a row's empty identity fields from the scope.
func (s Scope) inject(row *Row) {
	if row.SessionID == "" {
		row.SessionID = s.SessionID
	}
	if row.ParentSessionID == "" {
		row.ParentSessionID = s.ParentSessionID
	}
	if row.CallerID == "" {
		row.CallerID = s.CallerID
	}
	if row.CascadeID == "" {
		row.CascadeID = s.CascadeID
	}
	if row.CellName == "" {
		row.CellName = s.CellName
		if row.CellIndex == 0 {
			row.CellIndex = s.CellIndex
		}
	}
	if row.TraceID == "" {
		row.TraceID = s.TraceID
	}
	if row.ParentID == "" {
		row.ParentID = s.ParentID
	}
	if row.GenusHash == "" {
		row.GenusHash = s.GenusHash
	}
	if row.SpeciesHash == "" {
		row.SpeciesHash = s.SpeciesHash
	}
	if row.Model == "" {
		row.Model = s.Model
	}
}
