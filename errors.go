package fathom

import (
	"errors"
	"fmt"
	"time"
)

// InvariantError reports a programming error: a transcript or state
// operation that would break a structural guarantee (role alternation,
// tool-use/result matching, duplicate ids). It is never surfaced to the
// model as a tool result.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Reason
}

func invariantf(format string, args ...any) error {
	return &InvariantError{Reason: fmt.Sprintf(format, args...)}
}

// ModelError is a failed model request. Transient errors (rate limits,
// overload) are retried by the loop; everything else aborts the turn.
type ModelError struct {
	Provider   string
	Message    string
	Status     int           // HTTP status when known, 0 otherwise
	Transient  bool
	RetryAfter time.Duration // server-suggested delay, 0 when absent
}

func (e *ModelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// TurnTimeoutError reports that a whole turn exceeded its deadline.
type TurnTimeoutError struct {
	Elapsed time.Duration
}

func (e *TurnTimeoutError) Error() string {
	return fmt.Sprintf("turn timed out after %s", e.Elapsed)
}

// SessionLoadError reports a session record that exists but cannot be
// decoded (corrupt payload, missing required fields, unknown version).
type SessionLoadError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *SessionLoadError) Error() string {
	return fmt.Sprintf("session %q: %s", e.SessionID, e.Reason)
}

func (e *SessionLoadError) Unwrap() error { return e.Err }

// ErrSessionBusy is returned when a session is already held by another
// agent instance. Callers should fail fast rather than queue.
var ErrSessionBusy = errors.New("session busy")

// ErrSessionNotFound is returned by SessionStore.Load when no record
// exists for the id. Agent construction treats it as a fresh session.
var ErrSessionNotFound = errors.New("session not found")

// ErrUnknownSubAgent is wrapped into the task tool's error result when
// the requested sub-agent type was never configured.
var ErrUnknownSubAgent = errors.New("unknown sub-agent type")

// isTransient reports whether err is a model error worth retrying.
func isTransient(err error) bool {
	var e *ModelError
	return errors.As(err, &e) && e.Transient
}

// statusOf extracts the HTTP status from a ModelError, or 0.
func statusOf(err error) int {
	var e *ModelError
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the server-suggested retry delay, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ModelError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
