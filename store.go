package kstore

import (
	"context"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// Store is a process-local, in-memory, per-key-serialized concurrent
// state store (spec.md §1). It owns a Server that routes requests to
// per-key workers; callers never touch the routing table directly.
type Store[K comparable, V any] struct {
	server *Server[K, V]
	clock  clockz.Clock
}

// New creates a Store pre-populated with initial. Duplicate keys in a Go
// map literal are impossible by construction, so ErrDuplicateKeys is
// unreachable through this signature; it is kept because spec.md §6
// names it and a future slice-backed initializer would need it.
func New[K comparable, V any](initial map[K]V, opts ...Option) (*Store[K, V], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := newServer[K, V](cfg)
	s.seed(initial)
	s.start()

	return &Store[K, V]{server: s, clock: s.clock}, nil
}

func newReply[V any]() chan replyMsg[V] {
	return make(chan replyMsg[V], 1)
}

// Get evaluates f against key's current boxed value without mutating it.
// Under the default budget, reads for the same key may run concurrently
// with each other (spec.md §4.2's read-parallel exception) and with a
// GetAndUpdate or Cast dispatched after them; each read sees the box as it
// was when the read was dispatched, never an update still in progress.
func Get[K comparable, V any](s *Store[K, V], k K, f func(Box[V]) V, opts ...ReqOption[V]) (V, error) {
	cfg := defaultReqConfig[V]()
	for _, opt := range opts {
		opt(&cfg)
	}
	getFn := f
	if cfg.hasDefault {
		getFn = func(b Box[V]) V {
			if !b.Present() {
				b = PresentBox(cfg.def)
			}
			return f(b)
		}
	}

	reply := newReply[V]()
	req := &request[V]{
		action:     actionGet,
		key:        k,
		getFn:      getFn,
		reply:      reply,
		priority:   cfg.priority,
		timeout:    cfg.timeout,
		insertedAt: s.clock.Now(),
	}
	s.server.dispatch(k, req)
	msg := <-reply
	return msg.value, msg.err
}

// GetAndUpdate atomically reads and replaces key's value in one
// serialized step, returning the reply the callback chose.
func GetAndUpdate[K comparable, V any](s *Store[K, V], k K, f func(Box[V]) Result[V], opts ...ReqOption[V]) (V, error) {
	cfg := defaultReqConfig[V]()
	for _, opt := range opts {
		opt(&cfg)
	}

	reply := newReply[V]()
	req := &request[V]{
		action:     actionGetAndUpdate,
		key:        k,
		updateFn:   f,
		reply:      reply,
		priority:   cfg.priority,
		timeout:    cfg.timeout,
		insertedAt: s.clock.Now(),
	}
	s.server.dispatch(k, req)
	msg := <-reply
	return msg.value, msg.err
}

// Cast fires an update without waiting for a reply.
func Cast[K comparable, V any](s *Store[K, V], k K, f func(Box[V]) Update[V], opts ...ReqOption[V]) error {
	cfg := defaultReqConfig[V]()
	for _, opt := range opts {
		opt(&cfg)
	}

	req := &request[V]{
		action:     actionCast,
		key:        k,
		castFn:     f,
		priority:   cfg.priority,
		timeout:    cfg.timeout,
		insertedAt: s.clock.Now(),
	}
	s.server.dispatch(k, req)
	return nil
}

// Put sets key's value unconditionally, defined in terms of GetAndUpdate
// per spec.md §1.
func Put[K comparable, V any](s *Store[K, V], k K, v V) error {
	_, err := GetAndUpdate(s, k, func(Box[V]) Result[V] {
		return ResultGetSet(zero[V](), v)
	})
	return err
}

// Delete removes key, defined in terms of GetAndUpdate per spec.md §1.
func Delete[K comparable, V any](s *Store[K, V], k K) error {
	_, err := GetAndUpdate(s, k, func(Box[V]) Result[V] {
		return ResultPop[V]()
	})
	return err
}

// Pop removes key and returns its prior value, or def if it was absent.
func Pop[K comparable, V any](s *Store[K, V], k K, def V) (V, error) {
	return GetAndUpdate(s, k, func(b Box[V]) Result[V] {
		if !b.Present() {
			return ResultGet(def)
		}
		return ResultPop[V]()
	})
}

// Take reads a snapshot of several independent keys. Internally it is a
// GetAndUpdateMany whose upd_set is empty (pure Get mode), so it shares
// the multi-key coordinator's snapshot machinery instead of issuing one
// round-trip per key.
func Take[K comparable, V any](s *Store[K, V], keys []K, opts ...ReqOption[V]) (map[K]V, error) {
	cfg := defaultReqConfig[V]()
	for _, opt := range opts {
		opt(&cfg)
	}

	ret, err := GetAndUpdateMany(s, nil, func(known map[K]Box[V]) MultiResult[V] {
		out := make(map[K]V, len(known))
		for k, b := range known {
			out[k] = b.Get(cfg.def)
		}
		return MultiGet[V](out)
	}, WithExtraGetKeys[K, V](keys...), WithMultiPriority[K, V](cfg.priority), WithMultiTimeout[K, V](cfg.timeout))
	if err != nil {
		return nil, err
	}
	return ret.(map[K]V), nil
}

// GetAndUpdateMany runs a transactional read-modify-write across several
// keys, per spec.md §4.3. keys is get_upd by default; WithExtraGetKeys
// and WithBlindUpdateKeys widen get_set/upd_set independently.
func GetAndUpdateMany[K comparable, V any](s *Store[K, V], keys []K, f func(map[K]Box[V]) MultiResult[V], opts ...MultiOption[K, V]) (any, error) {
	cfg := defaultMultiConfig[K, V]()
	for _, opt := range opts {
		opt(&cfg)
	}

	onlyGet, getUpd, onlyUpd := partitionMultiKeys(keys, cfg.extraGet, cfg.blindUpdate)

	reply := make(chan replyMsg[any], 1)
	mr := &multiRequest[K, V]{
		onlyGet:    onlyGet,
		getUpd:     getUpd,
		onlyUpd:    onlyUpd,
		fn:         f,
		priority:   cfg.priority,
		timeout:    cfg.timeout,
		insertedAt: s.clock.Now(),
		reply:      reply,
	}
	s.server.submit(&multiPrepareCmd[K, V]{mr: mr})
	msg := <-reply
	return msg.value, msg.err
}

// partitionMultiKeys dedupes keys (get_upd), extraGet (only_get) and
// blindUpdate (only_upd) against each other, preserving each slice's own
// order, per spec.md §4.3's get_set/upd_set partition.
func partitionMultiKeys[K comparable](keys, extraGet, blindUpdate []K) (onlyGet, getUpd, onlyUpd []K) {
	seenUpd := make(map[K]bool, len(keys))
	for _, k := range keys {
		if seenUpd[k] {
			continue
		}
		seenUpd[k] = true
		getUpd = append(getUpd, k)
	}

	seenGet := make(map[K]bool, len(extraGet))
	for _, k := range extraGet {
		if seenUpd[k] || seenGet[k] {
			continue
		}
		seenGet[k] = true
		onlyGet = append(onlyGet, k)
	}

	seenOnlyUpd := make(map[K]bool, len(blindUpdate))
	for _, k := range blindUpdate {
		if seenUpd[k] || seenOnlyUpd[k] {
			continue
		}
		seenOnlyUpd[k] = true
		onlyUpd = append(onlyUpd, k)
	}
	return
}

// MaxProcesses overrides key's read-parallelism budget. n <= 0 means
// unlimited, per spec.md §3.
func MaxProcesses[K comparable, V any](s *Store[K, V], k K, n int) error {
	reply := newReply[V]()
	req := &request[V]{
		action:     actionMaxProcesses,
		key:        k,
		newMax:     n,
		reply:      reply,
		priority:   PriorityUrgent,
		timeout:    InfiniteTimeout(),
		insertedAt: s.clock.Now(),
	}
	s.server.dispatch(k, req)
	msg := <-reply
	return msg.err
}

// OnPromoted registers a handler called whenever a key is promoted from
// the server's cell fast path to a dedicated worker goroutine.
func (s *Store[K, V]) OnPromoted(handler func(context.Context, WorkerEvent) error) error {
	_, err := s.server.hooks.Hook(WorkerEventPromoted, handler)
	return err
}

// OnIdleDeath registers a handler called whenever a worker negotiates
// its own termination after sitting idle past the store's idle-wait.
func (s *Store[K, V]) OnIdleDeath(handler func(context.Context, WorkerEvent) error) error {
	_, err := s.server.hooks.Hook(WorkerEventIdleDeath, handler)
	return err
}

// Metrics exposes the store's metricz registry (dispatch/promotion/GC
// counters, live-worker and mailbox-depth gauges).
func (s *Store[K, V]) Metrics() *metricz.Registry {
	return s.server.metrics
}

// Stop drains every live worker to its idle-death path and shuts down
// the server's command loop. Requests submitted after Stop returns fail
// with KindShutdown.
func (s *Store[K, V]) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.server.stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
