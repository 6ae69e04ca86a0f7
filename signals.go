package kstore

import (
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Signal constants for kstore lifecycle events, in the pattern
// <component>.<event>.
const (
	// Server signals.
	SignalServerPromoted    capitan.Signal = "server.promoted"
	SignalServerGC          capitan.Signal = "server.gc"
	SignalServerWorkerCrash capitan.Signal = "server.worker_crashed"

	// Worker signals.
	SignalWorkerSpawned   capitan.Signal = "worker.spawned"
	SignalWorkerIdleDeath capitan.Signal = "worker.idle_death"
	SignalWorkerContinue  capitan.Signal = "worker.continue"
	SignalWorkerTooLong   capitan.Signal = "worker.too_long"
	SignalWorkerExpired   capitan.Signal = "worker.expired"

	// Coordinator signals.
	SignalCoordinatorStart  capitan.Signal = "coordinator.started"
	SignalCoordinatorDone   capitan.Signal = "coordinator.completed"
	SignalCoordinatorFailed capitan.Signal = "coordinator.failed"
)

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	FieldKey          = capitan.NewStringKey("key")
	FieldAction       = capitan.NewStringKey("action")
	FieldError        = capitan.NewStringKey("error")
	FieldTimestamp    = capitan.NewFloat64Key("timestamp")
	FieldProcesses    = capitan.NewIntKey("processes")
	FieldMaxProcesses = capitan.NewIntKey("max_processes")
	FieldIdleWaitMs   = capitan.NewFloat64Key("idle_wait_ms")
	FieldKeyCount     = capitan.NewIntKey("key_count")
	FieldDurationMs   = capitan.NewFloat64Key("duration_ms")
	FieldStoreName    = capitan.NewStringKey("store")
)

// Metric keys, in metricz's dotted-key convention.
const (
	MetricServerDispatchTotal   = metricz.Key("server.dispatch.total")
	MetricServerPromotionsTotal = metricz.Key("server.promotions.total")
	MetricServerGCTotal         = metricz.Key("server.gc.total")
	MetricServerWorkersLive     = metricz.Key("server.workers.live")

	MetricWorkerMailboxDepth    = metricz.Key("worker.mailbox.depth")
	MetricWorkerReadsInFlight   = metricz.Key("worker.reads.inflight")
	MetricWorkerIdleDeathsTotal = metricz.Key("worker.idle_deaths.total")

	MetricCoordinatorDurationMs = metricz.Key("coordinator.duration.ms")
	MetricCoordinatorFailures   = metricz.Key("coordinator.failures.total")
)

// Trace span keys.
const (
	SpanServerDispatch  = tracez.Key("server.dispatch")
	SpanWorkerExecute   = tracez.Key("worker.execute")
	SpanWorkerReadSpawn = tracez.Key("worker.read.spawn")
	SpanCoordinatorTxn  = tracez.Key("coordinator.transaction")
)

// WorkerEvent is emitted via hooks when a worker is promoted or dies idle,
// letting external observers track the live-worker population without
// polling the server.
type WorkerEvent struct {
	Key          any
	MaxProcesses int
}

// Hook keys for WorkerEvent.
const (
	WorkerEventPromoted  = hookz.Key("worker.promoted")
	WorkerEventIdleDeath = hookz.Key("worker.idle_death")
)
