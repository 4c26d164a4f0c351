package model

import (
	"errors"
	"fmt"
	"time"
)

// TransientError marks a provider failure worth retrying: rate limits,
// overload, transport hiccups. The cell loop retries these with backoff
// without consuming a turn; any other provider error is permanent.
type TransientError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		if e.RetryAfter > 0 {
			return fmt.Sprintf("provider %d: %s (retry after %v)", e.StatusCode, msg, e.RetryAfter)
		}
		return fmt.Sprintf("provider %d: %s", e.StatusCode, msg)
	}
	return "provider: " + msg
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf builds a retryable error from a format string.
func Transientf(format string, args ...any) error {
	return &TransientError{Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether the error chain contains a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter extracts the provider's requested backoff, zero if none.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
