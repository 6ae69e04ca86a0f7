package kstore

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestPartitionMultiKeysDedupesAcrossSets(t *testing.T) {
	onlyGet, getUpd, onlyUpd := partitionMultiKeys(
		[]string{"a", "a", "b"},
		[]string{"b", "c", "c"},
		[]string{"a", "d"},
	)

	if len(getUpd) != 2 || getUpd[0] != "a" || getUpd[1] != "b" {
		t.Errorf("getUpd = %v, want [a b]", getUpd)
	}
	if len(onlyGet) != 1 || onlyGet[0] != "c" {
		t.Errorf("onlyGet = %v, want [c] (b already in getUpd)", onlyGet)
	}
	if len(onlyUpd) != 1 || onlyUpd[0] != "d" {
		t.Errorf("onlyUpd = %v, want [d] (a already in getUpd)", onlyUpd)
	}
}

func TestCollectSharesWaitsForAllKeys(t *testing.T) {
	clock := clockz.NewFakeClock()
	shareCh := make(chan shareResult[int], 2)
	shareCh <- shareResultFor[int]("a", PresentBox(1))
	shareCh <- shareResultFor[int]("b", PresentBox(2))

	known, ok := collectShares[int](clock, shareCh, 2, InfiniteTimeout(), clock.Now())
	if !ok {
		t.Fatal("expected collectShares to succeed")
	}
	if len(known) != 2 {
		t.Fatalf("collected %d keys, want 2", len(known))
	}
}

func TestCollectSharesZeroWantReturnsImmediately(t *testing.T) {
	clock := clockz.NewFakeClock()
	shareCh := make(chan shareResult[int])
	known, ok := collectShares[int](clock, shareCh, 0, InfiniteTimeout(), clock.Now())
	if !ok || len(known) != 0 {
		t.Errorf("got (%v, %v), want (empty map, true)", known, ok)
	}
}

func TestCollectSharesTimesOutWhenAKeyNeverReports(t *testing.T) {
	clock := clockz.NewFakeClock()
	shareCh := make(chan shareResult[int], 1)
	shareCh <- shareResultFor[int]("a", PresentBox(1))
	insertedAt := clock.Now()

	done := make(chan bool, 1)
	go func() {
		_, ok := collectShares[int](clock, shareCh, 2, HardTimeout(10*time.Millisecond), insertedAt)
		done <- ok
	}()

	// Give the goroutine a chance to register its deadline timer before
	// advancing the fake clock.
	time.Sleep(10 * time.Millisecond)
	clock.Advance(20 * time.Millisecond)

	select {
	case ok := <-done:
		if ok {
			t.Error("expected collectShares to time out with one key missing")
		}
	case <-time.After(time.Second):
		t.Fatal("collectShares did not return")
	}
}
