package cascade

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Kinds decide recovery: retry inside the
// turn machine, fall through to on_error, or fail the cascade.
type Kind string

const (
	// KindValidation covers schema and ward violations; the cell loop
	// retries them with a corrective system message until turns run out.
	KindValidation Kind = "ValidationError"

	// KindProviderTransient covers 5xx-style and timeout provider failures,
	// retried inside a single turn with capped backoff.
	KindProviderTransient Kind = "ProviderTransient"

	// KindProviderPermanent covers auth and 4xx-style provider failures.
	// Not recovered; the cell fails and the cascade fails.
	KindProviderPermanent Kind = "ProviderPermanent"

	// KindTool marks a tool invocation failure, fed back to the model as a
	// tool_result rather than aborting the turn.
	KindTool Kind = "ToolError"

	// KindDeterministic marks a deterministic cell failure; falls through
	// unless rules.on_error is defined.
	KindDeterministic Kind = "DeterministicError"

	// KindWardFatal marks a ward with on_fail=fail. Not recovered.
	KindWardFatal Kind = "WardFatal"

	// KindTimeout marks cell or cascade deadline expiry; partial results
	// stay in the log.
	KindTimeout Kind = "Timeout"

	// KindCheckpointCancelled marks an externally cancelled checkpoint.
	KindCheckpointCancelled Kind = "CheckpointCancelled"

	// KindAnalytics marks post-run analytics failures, swallowed in the
	// worker and invisible to the cascade.
	KindAnalytics Kind = "AnalyticsError"
)

// Error is the engine's error type: a kind plus the cascade/cell it
// surfaced in, wrapping the cause.
type Error struct {
	Kind    Kind
	Cascade string
	Cell    string
	Err     error
}

func (e *Error) Error() string {
	where := e.Cascade
	if e.Cell != "" {
		where = e.Cascade + "/" + e.Cell
	}
	if e.Err == nil {
		return fmt.Sprintf("%s [%s]", e.Kind, where)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Kind, where, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error from a formatted message.
func NewError(kind Kind, cascadeID, cell, format string, args ...any) *Error {
	return &Error{Kind: kind, Cascade: cascadeID, Cell: cell, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches engine identity to an existing error. A nil err returns
// nil so call sites can wrap unconditionally.
func WrapError(kind Kind, cascadeID, cell string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cascade: cascadeID, Cell: cell, Err: err}
}

// Rewrap prefixes a child cascade's error with the parent path, preserving
// the original kind. Used when sub-cascade failures bubble to the parent.
func Rewrap(parentCascade, parentCell string, err error) error {
	if err == nil {
		return nil
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		return &Error{
			Kind:    engErr.Kind,
			Cascade: parentCascade,
			Cell:    parentCell,
			Err:     err,
		}
	}
	return WrapError(KindDeterministic, parentCascade, parentCell, err)
}

// KindOf extracts the Kind from anywhere in err's chain; unclassified
// errors report KindDeterministic for deterministic surfaces handled by the
// caller, so prefer checking ok.
func KindOf(err error) (Kind, bool) {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
