package kstore

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// multiRequest is the internal unit of work for GetAndUpdateMany, per
// spec.md §4.3. onlyGet, getUpd and onlyUpd are the three partitions of
// the key set (store.go computes them once, deduplicated, from the
// caller's keys plus MultiOption extras); Phase 3's argument map holds the
// onlyGet and getUpd keys, and getUpd ++ onlyUpd is upd_set's order for
// Phase 4's positional rows.
type multiRequest[K comparable, V any] struct {
	onlyGet []K
	getUpd  []K
	onlyUpd []K
	fn      func(map[K]Box[V]) MultiResult[V]

	priority   Priority
	timeout    Timeout
	insertedAt time.Time

	reply chan replyMsg[any]
}

// handleMultiPrepare is Phase 1 of the multi-key transaction: it runs on
// the server's single-threaded loop so worker promotion decisions see a
// consistent table, then hands off to an independent coordinator task for
// the (potentially slow) collect/apply/publish phases. spec.md §4.3:
// "non-blocking: the server does not wait for the transaction to settle".
func (s *Server[K, V]) handleMultiPrepare(c *multiPrepareCmd[K, V]) {
	mr := c.mr

	shareCh := make(chan shareResult[V], len(mr.onlyGet)+len(mr.getUpd))
	publishChs := make(map[K]chan publishMsg[V], len(mr.getUpd))

	for _, k := range mr.onlyGet {
		e, ok := s.peekEntry(k)
		if ok && e.worker != nil {
			e.worker.send(&shareItem[V]{priority: mr.priority, insertedAt: mr.insertedAt, key: k, replyTo: shareCh})
			continue
		}
		box := AbsentBox[V]()
		if ok {
			box = e.cell.box
		}
		shareCh <- shareResultFor[V](k, box)
	}

	for _, k := range mr.getUpd {
		w := s.ensureWorker(k)
		pubCh := make(chan publishMsg[V], 1)
		publishChs[k] = pubCh
		w.send(&shareWaitItem[V]{
			priority:   PriorityAvg(1),
			insertedAt: mr.insertedAt,
			key:        k,
			replyTo:    shareCh,
			publishCh:  pubCh,
		})
	}

	capitan.Info(context.Background(), SignalCoordinatorStart,
		FieldKeyCount.Field(len(mr.onlyGet)+len(mr.getUpd)+len(mr.onlyUpd)),
	)

	go runCoordinator(s, mr, shareCh, publishChs)
}

// runCoordinator implements Phases 2-4 of spec.md §4.3 off the server's
// goroutine, so a slow or stuck callback never blocks other keys'
// traffic.
func runCoordinator[K comparable, V any](
	s *Server[K, V],
	mr *multiRequest[K, V],
	shareCh chan shareResult[V],
	publishChs map[K]chan publishMsg[V],
) {
	start := s.clock.Now()
	ctx, span := s.tracer.StartSpan(context.Background(), SpanCoordinatorTxn)
	defer span.Finish()

	want := len(mr.onlyGet) + len(mr.getUpd)
	known, ok := collectShares(s.clock, shareCh, want, mr.timeout, mr.insertedAt)
	if !ok {
		failCoordinator(s, mr, publishChs, KindWorkerCrashed, fmt.Errorf("timed out waiting for %d key(s) to report", want))
		return
	}

	args := make(map[K]Box[V], len(known))
	for k, box := range known {
		args[k.(K)] = box
	}

	var result MultiResult[V]
	var cbErr error
	func() {
		defer recoverCallback("get_and_update_many", &cbErr)
		result = mr.fn(args)
	}()
	if cbErr != nil {
		failCoordinator(s, mr, publishChs, KindCallbackError, cbErr)
		return
	}

	ret, dispositions, err := interpretMultiResult(result, mr.getUpd, mr.onlyUpd)
	if err != nil {
		failCoordinator(s, mr, publishChs, KindCallbackError, err)
		return
	}

	for _, k := range mr.getUpd {
		upd := dispositions[k]
		var msg publishMsg[V]
		switch upd.kind {
		case updatePop:
			msg = publishMsg[V]{kind: updatePop}
		case updateSet:
			msg = publishMsg[V]{kind: updateSet, value: upd.value}
		default:
			msg = publishMsg[V]{kind: updateKeep}
		}
		publishChs[k] <- msg
	}
	for _, k := range mr.onlyUpd {
		upd := dispositions[k]
		if upd.kind == updateKeep {
			continue
		}
		s.internalCast(k, upd, PriorityAvg(1))
	}

	elapsed := s.clock.Now().Sub(start)
	s.metrics.Gauge(MetricCoordinatorDurationMs).Set(float64(elapsed.Milliseconds()))
	capitan.Info(ctx, SignalCoordinatorDone,
		FieldKeyCount.Field(len(mr.getUpd)+len(mr.onlyUpd)),
		FieldDurationMs.Field(float64(elapsed.Milliseconds())),
	)

	mr.reply <- replyMsg[any]{value: ret}
}

// collectShares waits for every expected key to report in, bounded by
// mr's timeout. Returns ok=false if the deadline passes first, which the
// caller treats as a crashed-worker failure per spec.md §7.
func collectShares[V any](clock clockz.Clock, shareCh chan shareResult[V], want int, timeout Timeout, insertedAt time.Time) (map[any]Box[V], bool) {
	known := make(map[any]Box[V], want)
	if want == 0 {
		return known, true
	}

	var deadline <-chan time.Time
	if !timeout.infinite() {
		remaining := timeout.d - clock.Now().Sub(insertedAt)
		if remaining < 0 {
			remaining = 0
		}
		deadline = clock.After(remaining)
	}

	for len(known) < want {
		select {
		case r := <-shareCh:
			known[r.key] = r.box
		case <-deadline:
			return known, false
		}
	}
	return known, true
}

// interpretMultiResult implements the seven-row table of spec.md §4.3,
// producing the top-level reply and a per-key Update disposition for
// every key in upd_set (getUpd ++ onlyUpd).
func interpretMultiResult[K comparable, V any](result MultiResult[V], getUpd, onlyUpd []K) (any, map[K]Update[V], error) {
	updSet := append(append([]K{}, getUpd...), onlyUpd...)
	dispositions := make(map[K]Update[V], len(updSet))

	switch result.kind {
	case multiGetOnly:
		for _, k := range updSet {
			dispositions[k] = Keep[V]()
		}
		return result.reply, dispositions, nil

	case multiIDAll:
		for _, k := range updSet {
			dispositions[k] = Keep[V]()
		}
		return result.reply, dispositions, nil

	case multiDropAll:
		for _, k := range updSet {
			dispositions[k] = PopUpdate[V]()
		}
		return result.reply, dispositions, nil

	case multiValues:
		if len(result.values) != len(updSet) {
			return nil, nil, &CallbackError{Index: -1, Got: fmt.Sprintf("%d values", len(result.values)), Expected: fmt.Sprintf("%d values (len(upd_set))", len(updSet))}
		}
		for i, k := range updSet {
			dispositions[k] = SetUpdate(result.values[i])
		}
		return result.reply, dispositions, nil

	case multiMap:
		for _, k := range updSet {
			if v, ok := result.byKey[k]; ok {
				dispositions[k] = SetUpdate(v)
			} else {
				dispositions[k] = PopUpdate[V]()
			}
		}
		return result.reply, dispositions, nil

	case multiBatch:
		if len(result.batch) != len(updSet) {
			return nil, nil, &CallbackError{Index: -1, Got: fmt.Sprintf("%d batch items", len(result.batch)), Expected: fmt.Sprintf("%d items (len(upd_set))", len(updSet))}
		}
		replies := make([]V, len(updSet))
		for i, k := range updSet {
			item := result.batch[i]
			switch item.kind {
			case updatePop:
				dispositions[k] = PopUpdate[V]()
			case updateSet:
				dispositions[k] = SetUpdate(item.value)
			default:
				dispositions[k] = Keep[V]()
			}
			if item.hasReply {
				replies[i] = item.reply
			}
		}
		return replies, dispositions, nil

	default:
		return nil, nil, &CallbackError{Index: -1, Got: "unrecognised MultiResult", Expected: "one of the six documented constructors"}
	}
}

// failCoordinator unblocks every key parked in share-and-wait with Keep so
// no worker is left stuck, then replies the failure to the caller.
func failCoordinator[K comparable, V any](s *Server[K, V], mr *multiRequest[K, V], publishChs map[K]chan publishMsg[V], kind ErrorKind, cause error) {
	for _, ch := range publishChs {
		select {
		case ch <- publishMsg[V]{kind: updateKeep}:
		default:
		}
	}
	s.metrics.Counter(MetricCoordinatorFailures).Inc()
	capitan.Error(context.Background(), SignalCoordinatorFailed,
		FieldError.Field(cause.Error()),
	)
	mr.reply <- replyMsg[any]{err: newError(s.clock, kind, "get_and_update_many", nil, cause, mr.insertedAt)}
}
