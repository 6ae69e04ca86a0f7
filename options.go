package kstore

import (
	"time"

	"github.com/zoobzio/clockz"
)

// config holds the store-wide settings recognised by New, per spec.md §6.
type config struct {
	maxProcesses int
	name         string
	idleWait     time.Duration
	clock        clockz.Clock
}

func defaultConfig() config {
	return config{maxProcesses: 5, idleWait: 200 * time.Millisecond, clock: clockz.RealClock}
}

// Option configures a Store at construction time.
type Option func(*config)

// WithMaxProcesses sets the default per-key read-parallelism budget.
// n <= 0 means unlimited.
func WithMaxProcesses(n int) Option {
	return func(c *config) { c.maxProcesses = n }
}

// WithName attaches a diagnostic name to the store, surfaced in signals.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithIdleWait sets the duration a worker waits without traffic before
// initiating the MayIDie? handshake, per spec.md §4.2.
func WithIdleWait(d time.Duration) Option {
	return func(c *config) { c.idleWait = d }
}

// WithClock overrides the store's time source, primarily for tests that
// need to control idle-death and timeout behavior deterministically via
// a clockz.FakeClock.
func WithClock(clock clockz.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// reqConfig holds the per-request settings recognised by Get, GetAndUpdate,
// Cast and Take, per spec.md §6.
type reqConfig[V any] struct {
	priority   Priority
	timeout    Timeout
	hasDefault bool
	def        V
}

func defaultReqConfig[V any]() reqConfig[V] {
	return reqConfig[V]{priority: PriorityNormal, timeout: DefaultTimeout()}
}

// ReqOption configures a single request.
type ReqOption[V any] func(*reqConfig[V])

// WithPriority sets the request's queue placement.
func WithPriority[V any](p Priority) ReqOption[V] {
	return func(c *reqConfig[V]) { c.priority = p }
}

// WithTimeout sets the request's deadline.
func WithTimeout[V any](t Timeout) ReqOption[V] {
	return func(c *reqConfig[V]) { c.timeout = t }
}

// WithDefault sets the value a Get callback's Box reports present with
// when the key is absent. Without it, the callback receives an absent
// Box and Box.Get returns V's zero value.
func WithDefault[V any](v V) ReqOption[V] {
	return func(c *reqConfig[V]) { c.hasDefault = true; c.def = v }
}

// multiConfig holds the settings recognised by GetAndUpdateMany. keys is
// get_upd (read and eligible for update); extraGet widens get_set with
// only_get keys, blindUpdate widens upd_set with only_upd keys, per
// spec.md §4.3's partition.
type multiConfig[K comparable, V any] struct {
	extraGet    []K
	blindUpdate []K
	priority    Priority
	timeout     Timeout
}

func defaultMultiConfig[K comparable, V any]() multiConfig[K, V] {
	return multiConfig[K, V]{priority: PriorityNormal, timeout: DefaultTimeout()}
}

// MultiOption configures a GetAndUpdateMany transaction.
type MultiOption[K comparable, V any] func(*multiConfig[K, V])

// WithExtraGetKeys adds only_get keys: read into the callback's argument
// map but never eligible for update.
func WithExtraGetKeys[K comparable, V any](keys ...K) MultiOption[K, V] {
	return func(c *multiConfig[K, V]) { c.extraGet = append(c.extraGet, keys...) }
}

// WithBlindUpdateKeys adds only_upd keys: eligible for update but never
// read into the callback's argument map (absent keys fill with Box's
// zero value, same as any other miss).
func WithBlindUpdateKeys[K comparable, V any](keys ...K) MultiOption[K, V] {
	return func(c *multiConfig[K, V]) { c.blindUpdate = append(c.blindUpdate, keys...) }
}

// WithMultiPriority sets the transaction's share/share-and-wait priority.
func WithMultiPriority[K comparable, V any](p Priority) MultiOption[K, V] {
	return func(c *multiConfig[K, V]) { c.priority = p }
}

// WithMultiTimeout bounds how long the coordinator waits to collect every
// key's value before failing with KindWorkerCrashed.
func WithMultiTimeout[K comparable, V any](t Timeout) MultiOption[K, V] {
	return func(c *multiConfig[K, V]) { c.timeout = t }
}
