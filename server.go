package kstore

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// entry is what the server's routing table holds per key: either a live
// worker (authoritative owner of state) or a cell (server-owned fast
// path), per spec.md §3's Worker-handle/Cell union.
type entry[K comparable, V any] struct {
	worker *Worker[K, V]
	cell   cell[V]
}

// dispatchCmd routes a single-key request through the server.
type dispatchCmd[K comparable, V any] struct {
	key K
	req *request[V]
}

// doneCellCmd reports a cell-level read task's completion.
type doneCellCmd[K comparable] struct {
	key K
}

// mayIDieCmd is a worker's request to surrender its state and terminate.
type mayIDieCmd[K comparable, V any] struct {
	key     K
	w       *Worker[K, V]
	verdict chan dieVerdict
}

// multiPrepareCmd starts Phase 1 of a multi-key transaction on the
// server's single-threaded loop.
type multiPrepareCmd[K comparable, V any] struct {
	mr *multiRequest[K, V]
}

// stopCmd drains the server and terminates its loop.
type stopCmd struct {
	done chan struct{}
}

// Server is the central registry described in spec.md §4.1: it owns the
// key→worker routing table, dispatches requests to the right worker
// (spawning one lazily), and garbage-collects idle workers. All map
// mutations happen on a single goroutine (run), so the table itself needs
// no lock.
type Server[K comparable, V any] struct {
	table map[K]*entry[K, V]

	maxProcesses int
	idleWait     time.Duration
	name         string

	commands chan any
	stopped  chan struct{}

	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[WorkerEvent]
}

func newServer[K comparable, V any](cfg config) *Server[K, V] {
	metrics := metricz.New()
	metrics.Counter(MetricServerDispatchTotal)
	metrics.Counter(MetricServerPromotionsTotal)
	metrics.Counter(MetricServerGCTotal)
	metrics.Gauge(MetricServerWorkersLive)
	metrics.Gauge(MetricWorkerMailboxDepth)
	metrics.Gauge(MetricWorkerReadsInFlight)
	metrics.Counter(MetricWorkerIdleDeathsTotal)
	metrics.Gauge(MetricCoordinatorDurationMs)
	metrics.Counter(MetricCoordinatorFailures)

	s := &Server[K, V]{
		table:        make(map[K]*entry[K, V]),
		maxProcesses: cfg.maxProcesses,
		idleWait:     cfg.idleWait,
		name:         cfg.name,
		commands:     make(chan any, 256),
		stopped:      make(chan struct{}),
		clock:        cfg.clock,
		metrics:      metrics,
		tracer:       tracez.New(),
		hooks:        hookz.New[WorkerEvent](),
	}
	return s
}

// seed populates the routing table directly, bypassing dispatch. Safe
// only before start: New calls it while the command loop isn't running
// yet, so there is no concurrent access to table to race with.
func (s *Server[K, V]) seed(initial map[K]V) {
	for k, v := range initial {
		s.table[k] = &entry[K, V]{cell: cell[V]{box: PresentBox(v), maxProcesses: s.maxProcesses}}
	}
}

func (s *Server[K, V]) start() {
	go s.run()
}

func (s *Server[K, V]) run() {
	for cmd := range s.commands {
		switch c := cmd.(type) {
		case *dispatchCmd[K, V]:
			s.handleDispatch(c)
		case *doneCellCmd[K]:
			s.handleDoneCell(c)
		case *mayIDieCmd[K, V]:
			s.handleMayIDie(c)
		case *multiPrepareCmd[K, V]:
			s.handleMultiPrepare(c)
		case *stopCmd:
			s.handleStop(c)
			return
		}
	}
}

func (s *Server[K, V]) submit(cmd any) {
	select {
	case <-s.stopped:
		s.rejectAfterStop(cmd)
		return
	default:
	}
	select {
	case s.commands <- cmd:
	case <-s.stopped:
		s.rejectAfterStop(cmd)
	}
}

// rejectAfterStop answers a command submitted after Stop with
// KindShutdown instead of leaving its caller blocked forever on a reply
// that will never arrive.
func (s *Server[K, V]) rejectAfterStop(cmd any) {
	switch c := cmd.(type) {
	case *dispatchCmd[K, V]:
		c.req.replyError(newError(s.clock, KindShutdown, c.req.action.String(), c.key, ErrStopped, c.req.insertedAt))
	case *multiPrepareCmd[K, V]:
		c.mr.reply <- replyMsg[any]{err: newError(s.clock, KindShutdown, "get_and_update_many", nil, ErrStopped, c.mr.insertedAt)}
	case *mayIDieCmd[K, V]:
		c.verdict <- dieVerdict{die: true}
	}
}

func (s *Server[K, V]) entryFor(key K) *entry[K, V] {
	e, ok := s.table[key]
	if !ok {
		e = &entry[K, V]{cell: cell[V]{box: AbsentBox[V](), maxProcesses: s.maxProcesses}}
		s.table[key] = e
	}
	return e
}

// peekEntry looks up key's existing entry without materializing one, so a
// read-only lookup of a key that has never been written (the only_get case
// of a multi-key transaction) never leaves a permanent (Absent, 0, default)
// entry behind for handleDoneCell/handleMayIDie to garbage collect later.
func (s *Server[K, V]) peekEntry(key K) (*entry[K, V], bool) {
	e, ok := s.table[key]
	return e, ok
}

// handleDispatch implements the dispatch rules of spec.md §4.1.
func (s *Server[K, V]) handleDispatch(c *dispatchCmd[K, V]) {
	s.metrics.Counter(MetricServerDispatchTotal).Inc()
	ctx, span := s.tracer.StartSpan(context.Background(), SpanServerDispatch)
	span.SetTag("action", c.req.action.String())
	defer span.Finish()
	_ = ctx

	req := c.req
	e := s.entryFor(c.key)

	if e.worker != nil {
		if req.action == actionGet && req.priority.now() {
			var err error
			var reply V
			func() {
				defer recoverCallback("get", &err)
				reply = e.worker.readNow(req.getFn)
			}()
			if err != nil {
				req.replyError(err)
				return
			}
			req.replyValue(reply)
			return
		}
		e.worker.send(req)
		return
	}

	switch {
	case req.action == actionGet && req.priority.now():
		s.spawnCellRead(e, c.key, req)
	case req.action == actionGet && (e.cell.maxProcesses <= 0 || e.cell.processes < e.cell.maxProcesses):
		s.spawnCellRead(e, c.key, req)
	default:
		s.promote(c.key, e, req)
	}
}

func (s *Server[K, V]) spawnCellRead(e *entry[K, V], key K, req *request[V]) {
	e.cell.processes++
	box := e.cell.box
	srv := s

	go func() {
		var err error
		var reply V
		func() {
			defer recoverCallback("get", &err)
			reply = req.getFn(box)
		}()
		if err != nil {
			req.replyError(err)
		} else {
			req.replyValue(reply)
		}
		srv.submit(&doneCellCmd[K]{key: key})
	}()
}

// handleDoneCell implements the Done-handling rule of spec.md §4.1.
func (s *Server[K, V]) handleDoneCell(c *doneCellCmd[K]) {
	e, ok := s.table[c.key]
	if !ok || e.worker != nil {
		return
	}
	e.cell.processes--
	if e.cell.idle(s.maxProcesses) {
		delete(s.table, c.key)
		s.metrics.Counter(MetricServerGCTotal).Inc()
		capitan.Info(context.Background(), SignalServerGC,
			FieldKey.Field(fmt.Sprint(c.key)),
			FieldStoreName.Field(s.name),
			FieldTimestamp.Field(float64(s.clock.Now().Unix())),
		)
	}
}

// promote spawns a worker seeded with the cell's contents and forwards
// req to it. spec.md §4.1 "Worker promotion".
func (s *Server[K, V]) promote(key K, e *entry[K, V], req *request[V]) {
	w := newWorker(s, key, e.cell)
	e.worker = w
	e.cell = cell[V]{}
	s.metrics.Counter(MetricServerPromotionsTotal).Inc()
	s.metrics.Gauge(MetricServerWorkersLive).Set(float64(s.liveWorkers()))
	capitan.Info(context.Background(), SignalServerPromoted, FieldKey.Field(fmt.Sprint(key)), FieldStoreName.Field(s.name))
	_ = s.hooks.Emit(context.Background(), WorkerEventPromoted, WorkerEvent{Key: key, MaxProcesses: s.maxProcesses}) //nolint:errcheck
	w.send(req)
}

// ensureWorker promotes key's cell to a worker if one isn't already live,
// used by the coordinator's Phase 1 prepare.
func (s *Server[K, V]) ensureWorker(key K) *Worker[K, V] {
	e := s.entryFor(key)
	if e.worker == nil {
		e.worker = newWorker(s, key, e.cell)
		e.cell = cell[V]{}
		s.metrics.Counter(MetricServerPromotionsTotal).Inc()
		s.metrics.Gauge(MetricServerWorkersLive).Set(float64(s.liveWorkers()))
		capitan.Info(context.Background(), SignalServerPromoted, FieldKey.Field(fmt.Sprint(key)), FieldStoreName.Field(s.name))
		_ = s.hooks.Emit(context.Background(), WorkerEventPromoted, WorkerEvent{Key: key, MaxProcesses: s.maxProcesses}) //nolint:errcheck
	}
	return e.worker
}

func (s *Server[K, V]) liveWorkers() int {
	n := 0
	for _, e := range s.table {
		if e.worker != nil {
			n++
		}
	}
	return n
}

// handleMayIDie implements the MayIDie? handshake of spec.md §4.1. Because
// every routing decision for a key funnels through this single command
// loop in arrival order, checking the worker's mailbox depth at this exact
// moment is sufficient to detect messages that arrived during the
// handshake window.
func (s *Server[K, V]) handleMayIDie(c *mayIDieCmd[K, V]) {
	if len(c.w.mailbox) > 0 {
		c.verdict <- dieVerdict{die: false}
		return
	}

	e, ok := s.table[c.key]
	if !ok || e.worker != c.w {
		c.verdict <- dieVerdict{die: true}
		return
	}

	box, maxP := c.w.finalState()
	e.worker = nil
	e.cell = cell[V]{box: box, maxProcesses: maxP}
	if e.cell.idle(s.maxProcesses) {
		delete(s.table, c.key)
	}
	s.metrics.Counter(MetricWorkerIdleDeathsTotal).Inc()
	s.metrics.Gauge(MetricServerWorkersLive).Set(float64(s.liveWorkers()))
	c.verdict <- dieVerdict{die: true}
}

func (s *Server[K, V]) mayIDie(key K, w *Worker[K, V], verdict chan dieVerdict) {
	s.submit(&mayIDieCmd[K, V]{key: key, w: w, verdict: verdict})
}

// dispatch is the entry point callers use to submit a single-key request.
func (s *Server[K, V]) dispatch(key K, req *request[V]) {
	s.submit(&dispatchCmd[K, V]{key: key, req: req})
}

// internalCast issues a fire-and-forget update through the normal
// dispatch path, used by the coordinator to apply only_upd keys
// (spec.md §4.3 Phase 4).
func (s *Server[K, V]) internalCast(key K, upd Update[V], priority Priority) {
	req := &request[V]{
		action:     actionCast,
		key:        key,
		castFn:     func(Box[V]) Update[V] { return upd },
		priority:   priority,
		timeout:    InfiniteTimeout(),
		insertedAt: s.clock.Now(),
	}
	s.dispatch(key, req)
}

// handleStop drains every live worker to its idle-death path and closes
// the command loop. Mirrors spec.md §6 "stop(): drains workers".
func (s *Server[K, V]) handleStop(c *stopCmd) {
	for key, e := range s.table {
		if e.worker == nil {
			continue
		}
		close(e.worker.mailbox)
		<-e.worker.exited
		delete(s.table, key)
	}
	close(s.stopped)
	close(c.done)
}

func (s *Server[K, V]) stop() {
	done := make(chan struct{})
	s.commands <- &stopCmd{done: done}
	<-done
}
