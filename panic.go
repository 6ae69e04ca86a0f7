package kstore

import (
	"fmt"
	mathrand "math/rand"
)

// callbackPanic wraps a recovered panic value from a user callback into a
// stable error, sanitised so raw panic payloads (which may embed arbitrary
// values, including pointers) never leak into logs or replies verbatim.
type callbackPanic struct {
	action    string
	sanitized string
}

func (p *callbackPanic) Error() string {
	return fmt.Sprintf("%s callback panicked: %s", p.action, p.sanitized)
}

func sanitizePanicMessage(r any) string {
	switch v := r.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// recoverCallback converts a recovered panic into an error, or returns nil
// if there was nothing to recover. Every inline callback evaluation and
// every read-parallel/coordinator goroutine in kstore defers this so one
// bad callback can never take down a worker loop or the server (spec.md §7:
// "the server itself never dies from a user callback").
func recoverCallback(action string, errp *error) {
	if r := recover(); r != nil {
		*errp = &callbackPanic{action: action, sanitized: sanitizePanicMessage(r)}
	}
}

// jitterIdle adds a small random jitter (0-20%) to an idle wait duration,
// per spec.md §4.2: "on Continue raise idle_wait by a small random jitter".
func jitterIdle(d int64) int64 {
	if d <= 0 {
		return d
	}
	extra := mathrand.Int63n(d/5 + 1) //nolint:gosec // jitter does not need crypto randomness
	return d + extra
}
