package kstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// queuedItem is anything the worker's priority queue can hold: a regular
// request, or one of the coordinator's share protocols.
type queuedItem[V any] interface {
	itemPriority() Priority
	itemInsertedAt() time.Time
}

func (r *request[V]) itemPriority() Priority      { return r.priority }
func (r *request[V]) itemInsertedAt() time.Time   { return r.insertedAt }

// shareResult is what a worker reports back to the coordinator for one key:
// either (key, Some(v)) or (key, None), per the Share protocol in spec.md §4.3.
type shareResult[V any] struct {
	key any
	box Box[V]
}

func shareResultFor[V any](key any, box Box[V]) shareResult[V] {
	return shareResult[V]{key: key, box: box}
}

// shareItem asks a worker to report its current value without mutating it.
type shareItem[V any] struct {
	priority   Priority
	insertedAt time.Time
	key        any
	replyTo    chan shareResult[V]
}

func (s *shareItem[V]) itemPriority() Priority    { return s.priority }
func (s *shareItem[V]) itemInsertedAt() time.Time { return s.insertedAt }

// publishMsg is the follow-up a coordinator sends to unblock a worker
// parked in share-and-wait.
type publishMsg[V any] struct {
	kind  updateKind
	value V
}

// shareWaitItem asks a worker to report its current value, then block
// (holding its execution slot) until the coordinator publishes a
// disposition for the key. spec.md §4.3: "no other request is processed
// between the share and the receipt of the publish message".
type shareWaitItem[V any] struct {
	priority   Priority
	insertedAt time.Time
	key        any
	replyTo    chan shareResult[V]
	publishCh  chan publishMsg[V]
}

func (s *shareWaitItem[V]) itemPriority() Priority    { return s.priority }
func (s *shareWaitItem[V]) itemInsertedAt() time.Time { return s.insertedAt }

// doneSignal notifies a worker that one of its read-parallel children
// finished, so it can decrement its processes counter. Handled inline,
// bypassing the priority queues, per spec.md §4.2 Placement.
type doneSignal struct{}

// dieVerdict carries the server's answer to a worker's MayIDie? handshake.
type dieVerdict struct {
	die bool
}

// Worker is the per-key serial executor described in spec.md §4.2. It owns
// the authoritative box while alive, drains a dual-priority mailbox, and
// negotiates its own death with the server once idle.
type Worker[K comparable, V any] struct {
	key    K
	server *Server[K, V]

	box          Box[V]
	processes    int
	maxProcesses int
	dontDie      bool

	idleWait time.Duration
	urgent   []queuedItem[V]
	normal   []queuedItem[V]

	mailbox chan any
	exited  chan struct{}

	snapMu sync.RWMutex

	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[WorkerEvent]
}

func newWorker[K comparable, V any](s *Server[K, V], key K, c cell[V]) *Worker[K, V] {
	w := &Worker[K, V]{
		key:          key,
		server:       s,
		box:          c.box,
		processes:    c.processes,
		maxProcesses: c.maxProcesses,
		idleWait:     s.idleWait,
		mailbox:      make(chan any, 64),
		exited:       make(chan struct{}),
		clock:        s.clock,
		metrics:      s.metrics,
		tracer:       s.tracer,
		hooks:        s.hooks,
	}
	capitan.Info(context.Background(), SignalWorkerSpawned,
		FieldKey.Field(fmt.Sprint(key)),
		FieldMaxProcesses.Field(w.maxProcesses),
	)
	go w.run()
	return w
}

// send enqueues an envelope for the worker's mailbox. Used by the server
// and coordinator; never blocks indefinitely thanks to the buffered
// channel sized for ordinary fan-in (an unbounded logical mailbox is
// approximated by a generously buffered channel plus internal deques,
// matching spec.md §5's "mailbox is unbounded").
func (w *Worker[K, V]) send(msg any) {
	w.mailbox <- msg
}

// readNow serves a Priority-Now Get request directly against a
// mutex-guarded snapshot of the box, bypassing the mailbox entirely. This
// is the literal "inline, bypass queue" semantics from the glossary.
func (w *Worker[K, V]) readNow(f func(Box[V]) V) V {
	w.snapMu.RLock()
	defer w.snapMu.RUnlock()
	return f(w.box)
}

func (w *Worker[K, V]) setSnapshot(b Box[V]) {
	w.snapMu.Lock()
	w.box = b
	w.snapMu.Unlock()
}

// run is the worker's main loop: the Idle/Draining/Executing/AwaitDie
// state machine from spec.md §4.2.
func (w *Worker[K, V]) run() {
	defer close(w.exited)

	for {
		if len(w.urgent) == 0 && len(w.normal) == 0 {
			select {
			case msg, ok := <-w.mailbox:
				if !ok {
					return
				}
				w.place(msg)
				continue
			case <-w.clock.After(w.idleWait):
				if w.dontDie {
					continue
				}
				if w.requestDie() {
					return
				}
				w.idleWait = time.Duration(jitterIdle(int64(w.idleWait)))
				continue
			}
		}

	drain:
		for {
			select {
			case msg, ok := <-w.mailbox:
				if !ok {
					return
				}
				w.place(msg)
			default:
				break drain
			}
		}

		w.dispatchOne()
	}
}

// place routes one mailbox envelope: control messages apply inline,
// everything else joins a priority queue. spec.md §4.2 Placement.
func (w *Worker[K, V]) place(msg any) {
	switch m := msg.(type) {
	case doneSignal:
		w.processes--
		w.metrics.Gauge(MetricWorkerReadsInFlight).Set(float64(w.processes))
		if w.processes == 0 {
			w.dontDie = false
		}
	case *request[V]:
		w.enqueue(m)
	case *shareItem[V]:
		w.enqueue(m)
	case *shareWaitItem[V]:
		w.enqueue(m)
	}
}

func (w *Worker[K, V]) enqueue(item queuedItem[V]) {
	p := item.itemPriority()
	switch {
	case p.urgent() || p.now():
		w.urgent = append(w.urgent, item)
	case p.avg():
		// Ahead of normal load already queued, behind urgent traffic and
		// behind avg items already queued (FIFO within the avg band).
		i := 0
		for i < len(w.normal) && w.normal[i].itemPriority().avg() {
			i++
		}
		w.normal = append(w.normal[:i], append([]queuedItem[V]{item}, w.normal[i:]...)...)
	default:
		w.normal = append(w.normal, item)
	}
	w.metrics.Gauge(MetricWorkerMailboxDepth).Set(float64(len(w.urgent) + len(w.normal)))
}

func (w *Worker[K, V]) popNext() queuedItem[V] {
	if len(w.urgent) > 0 {
		item := w.urgent[0]
		w.urgent = w.urgent[1:]
		return item
	}
	item := w.normal[0]
	w.normal = w.normal[1:]
	return item
}

// dispatchOne implements the Selection rule of spec.md §4.2.
func (w *Worker[K, V]) dispatchOne() {
	item := w.popNext()

	switch v := item.(type) {
	case *request[V]:
		w.dispatchRequest(v)
	case *shareItem[V]:
		w.dispatchShare(v)
	case *shareWaitItem[V]:
		w.dispatchShareWait(v)
	}
}

func (w *Worker[K, V]) dispatchShare(s *shareItem[V]) {
	s.replyTo <- shareResultFor(s.key, w.box)
}

// dispatchShareWait shares the current value then blocks holding the
// worker's execution slot until the coordinator publishes a disposition,
// guaranteeing the atomicity promised in spec.md §4.3.
func (w *Worker[K, V]) dispatchShareWait(s *shareWaitItem[V]) {
	s.replyTo <- shareResultFor(s.key, w.box)
	pub := <-s.publishCh

	switch pub.kind {
	case updatePop:
		w.setSnapshot(AbsentBox[V]())
	case updateSet:
		w.setSnapshot(PresentBox(pub.value))
	}
}

func (w *Worker[K, V]) dispatchRequest(r *request[V]) {
	now := w.clock.Now()
	if r.timeout.expired(r.insertedAt, now) {
		capitan.Warn(context.Background(), SignalWorkerExpired,
			FieldKey.Field(fmt.Sprint(w.key)),
			FieldAction.Field(r.action.String()),
		)
		r.replyError(newError(w.clock, KindExpired, r.action.String(), w.key, nil, r.insertedAt))
		return
	}

	switch r.action {
	case actionGet:
		if w.canSpawnRead() {
			w.spawnRead(r)
			return
		}
		w.execGet(r)
	case actionGetAndUpdate:
		w.execGetAndUpdate(r)
	case actionCast:
		w.execCast(r)
	case actionMaxProcesses:
		w.maxProcesses = r.newMax
		r.replyValue(zero[V]())
	}
}

func (w *Worker[K, V]) canSpawnRead() bool {
	return w.maxProcesses <= 0 || w.processes < w.maxProcesses
}

// spawnRead implements the read-parallel exception: a child task bound to
// the current box runs concurrently while the worker keeps selecting. It
// pins the worker alive (dont_die) until every in-flight read reports back
// via doneSignal, so the worker never closes its mailbox out from under a
// read goroutine still holding a send on it.
func (w *Worker[K, V]) spawnRead(r *request[V]) {
	w.processes++
	w.dontDie = true
	w.metrics.Gauge(MetricWorkerReadsInFlight).Set(float64(w.processes))
	box := w.box
	mailbox := w.mailbox

	go func() {
		var err error
		var reply V
		func() {
			defer recoverCallback("get", &err)
			reply = r.getFn(box)
		}()
		if err != nil {
			r.replyError(err)
		} else {
			r.replyValue(reply)
		}
		mailbox <- doneSignal{}
	}()
}

func (w *Worker[K, V]) execGet(r *request[V]) {
	ctx, span := w.tracer.StartSpan(context.Background(), SpanWorkerExecute)
	defer span.Finish()
	_ = ctx

	var err error
	var reply V
	func() {
		defer recoverCallback("get", &err)
		reply = r.getFn(w.box)
	}()
	if err != nil {
		r.replyError(err)
		return
	}
	r.replyValue(reply)
}

// execGetAndUpdate serialises the read-modify-write and enforces Break
// deadlines by racing the callback against a timer, per spec.md §4.2.
func (w *Worker[K, V]) execGetAndUpdate(r *request[V]) {
	box := w.box

	if !r.timeout.breaks() {
		var err error
		var result Result[V]
		func() {
			defer recoverCallback("get_and_update", &err)
			result = r.updateFn(box)
		}()
		if err != nil {
			r.replyError(err)
			return
		}
		reply, next := result.apply(box)
		w.setSnapshot(next)
		r.replyValue(reply)
		return
	}

	type outcome struct {
		result Result[V]
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		func() {
			defer recoverCallback("get_and_update", &o.err)
			o.result = r.updateFn(box)
		}()
		done <- o
	}()

	select {
	case o := <-done:
		if o.err != nil {
			r.replyError(o.err)
			return
		}
		reply, next := o.result.apply(box)
		w.setSnapshot(next)
		r.replyValue(reply)
	case <-w.clock.After(r.timeout.d):
		capitan.Error(context.Background(), SignalWorkerTooLong,
			FieldKey.Field(fmt.Sprint(w.key)),
			FieldAction.Field(r.action.String()),
		)
		r.replyError(newError(w.clock, KindTooLong, r.action.String(), w.key, nil, r.insertedAt))
	}
}

func (w *Worker[K, V]) execCast(r *request[V]) {
	box := w.box

	run := func() (Update[V], bool) {
		var err error
		var upd Update[V]
		func() {
			defer recoverCallback("cast", &err)
			upd = r.castFn(box)
		}()
		if err != nil {
			capitan.Error(context.Background(), SignalWorkerTooLong,
				FieldKey.Field(fmt.Sprint(w.key)),
				FieldError.Field(err.Error()),
			)
			return upd, false
		}
		return upd, true
	}

	if !r.timeout.breaks() {
		if upd, ok := run(); ok {
			w.setSnapshot(upd.apply(box))
		}
		return
	}

	type outcome struct {
		upd Update[V]
		ok  bool
	}
	done := make(chan outcome, 1)
	go func() { upd, ok := run(); done <- outcome{upd: upd, ok: ok} }()
	select {
	case o := <-done:
		if o.ok {
			w.setSnapshot(o.upd.apply(box))
		}
	case <-w.clock.After(r.timeout.d):
		capitan.Error(context.Background(), SignalWorkerTooLong,
			FieldKey.Field(fmt.Sprint(w.key)),
			FieldAction.Field("cast"),
		)
	}
}

// requestDie runs the MayIDie? handshake with the server. It returns true
// if the worker should terminate.
func (w *Worker[K, V]) requestDie() bool {
	verdict := make(chan dieVerdict, 1)
	w.server.mayIDie(w.key, w, verdict)
	v := <-verdict
	if v.die {
		capitan.Info(context.Background(), SignalWorkerIdleDeath,
			FieldKey.Field(fmt.Sprint(w.key)),
			FieldIdleWaitMs.Field(float64(w.idleWait.Milliseconds())),
		)
		_ = w.hooks.Emit(context.Background(), WorkerEventIdleDeath, WorkerEvent{Key: w.key, MaxProcesses: w.maxProcesses}) //nolint:errcheck
		return true
	}
	capitan.Info(context.Background(), SignalWorkerContinue,
		FieldKey.Field(fmt.Sprint(w.key)),
		FieldProcesses.Field(w.processes),
	)
	return false
}

// finalState returns the worker's final (box, maxProcesses), exported for
// the server to reinstate as a cell once the worker has agreed to die.
func (w *Worker[K, V]) finalState() (Box[V], int) {
	return w.box, w.maxProcesses
}
