package kstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"
)

// ErrorKind classifies the failure taxonomy from spec.md §7. It names a
// kind, not a concrete Go type, matching how the rest of the store reports
// failures through the single Error wrapper below.
type ErrorKind uint8

const (
	// KindExpired: request dequeued past a Hard(d) deadline.
	KindExpired ErrorKind = iota
	// KindTooLong: a Break(d) deadline was exceeded during execution.
	KindTooLong
	// KindCallbackError: callback returned a value outside the interpretation table.
	KindCallbackError
	// KindDuplicateKeys: New saw duplicate keys in its initial set.
	KindDuplicateKeys
	// KindWorkerCrashed: a worker died mid multi-key transaction.
	KindWorkerCrashed
	// KindShutdown: the store was stopped; in-flight requests fail with this.
	KindShutdown
)

func (k ErrorKind) String() string {
	switch k {
	case KindExpired:
		return "expired"
	case KindTooLong:
		return "too_long"
	case KindCallbackError:
		return "callback_error"
	case KindDuplicateKeys:
		return "duplicate_keys"
	case KindWorkerCrashed:
		return "worker_crashed"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error provides rich context about a failed request: it wraps the
// underlying cause with where, when, and what was being processed.
type Error struct {
	Kind      ErrorKind
	Key       any
	Action    string
	Err       error
	Timestamp time.Time
	Duration  time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s[%v] %s: %v", e.Action, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%v] %s", e.Action, e.Key, e.Kind)
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether the failure was a Hard-deadline expiry or a
// Break-deadline overrun.
func (e *Error) IsTimeout() bool {
	return e != nil && (e.Kind == KindExpired || e.Kind == KindTooLong)
}

// IsShutdown reports whether the failure was caused by Stop.
func (e *Error) IsShutdown() bool {
	return e != nil && e.Kind == KindShutdown
}

// CallbackError carries positional context about a malformed callback
// return value, surfaced via Error.Err.
type CallbackError struct {
	Index    int
	Got      string
	Expected string
}

func (c *CallbackError) Error() string {
	if c.Index >= 0 {
		return fmt.Sprintf("callback returned malformed value at index %d: got %s, expected %s", c.Index, c.Got, c.Expected)
	}
	return fmt.Sprintf("callback returned malformed value: got %s, expected %s", c.Got, c.Expected)
}

// ErrDuplicateKeys is returned by New when initial contains a duplicate key.
var ErrDuplicateKeys = errors.New("kstore: duplicate keys in initial set")

// ErrStopped is returned by operations submitted after Stop has completed.
var ErrStopped = errors.New("kstore: store is stopped")

// newError builds an Error against clock, so timestamps and durations stay
// fake-clock-controllable in tests instead of reading the wall clock
// directly, consistent with the rest of the engine's clockz.Clock use.
func newError(clock clockz.Clock, kind ErrorKind, action string, key any, err error, since time.Time) *Error {
	now := clock.Now()
	return &Error{
		Kind:      kind,
		Key:       key,
		Action:    action,
		Err:       err,
		Timestamp: now,
		Duration:  now.Sub(since),
	}
}
