// Package testing provides test utilities for kstore-based code: generic
// concurrency helpers for exercising a Store under parallel load, polling
// assertions, and latency measurement.
//
// Example usage:
//
//	func TestCounter(t *testing.T) {
//		store, _ := kstore.New(map[string]int{"n": 0})
//		kstoretest.ParallelRun(t, 50, func(int) {
//			_, _ = kstore.GetAndUpdate(store, "n", func(b kstore.Box[int]) kstore.Result[int] {
//				return kstore.ResultGetSet(b.Get(0)+1, b.Get(0)+1)
//			})
//		})
//		kstoretest.AssertEventually(t, time.Second, func() bool {
//			v, _ := kstore.Get(store, "n", func(b kstore.Box[int]) int { return b.Get(0) })
//			return v == 50
//		})
//	}
package testing

import (
	"sync"
	"testing"
	"time"
)

// ParallelRun runs fn in n goroutines concurrently and waits for all to
// finish, useful for exercising a Store's per-key serialization
// guarantees under concurrent callers.
func ParallelRun(t *testing.T, n int, fn func(id int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer wg.Done()
			fn(id)
		}(i)
	}
	wg.Wait()
}

// AssertEventually polls cond until it reports true or timeout elapses,
// failing the test otherwise. Useful for asserting on state reached via
// Cast, whose completion a caller doesn't otherwise observe.
func AssertEventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// MeasureLatency measures the wall-clock duration of fn.
func MeasureLatency(fn func()) time.Duration {
	start := time.Now()
	fn()
	return time.Since(start)
}
