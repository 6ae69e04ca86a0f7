package kstore

// updateKind tags the three ways a callback can leave a box: unchanged,
// deleted, or replaced. It is the common currency shared by Update,
// Result and the multi-key BatchItem so the worker and coordinator
// interpret callback output through a single total function instead of
// matching on ad-hoc shapes.
type updateKind uint8

const (
	updateKeep updateKind = iota
	updatePop
	updateSet
)

// Update describes the box-mutation half of a Cast callback: keep the
// current value, delete it, or replace it. Cast has no reply channel, so
// Update never carries a reply.
type Update[V any] struct {
	kind  updateKind
	value V
}

// Keep leaves the box unchanged.
func Keep[V any]() Update[V] { return Update[V]{kind: updateKeep} }

// PopUpdate deletes the box, leaving it Absent.
func PopUpdate[V any]() Update[V] { return Update[V]{kind: updatePop} }

// SetUpdate replaces the box with v.
func SetUpdate[V any](v V) Update[V] { return Update[V]{kind: updateSet, value: v} }

func (u Update[V]) apply(box Box[V]) Box[V] {
	switch u.kind {
	case updatePop:
		return AbsentBox[V]()
	case updateSet:
		return PresentBox(u.value)
	default:
		return box
	}
}

// Result is the tagged variant a GetAndUpdate callback returns, per the
// interpretation table in spec.md §4.2. The reply type is unified with V
// (see DESIGN.md): Go forbids extra type parameters on methods, so a
// single-key reply that truly needs a different shape than V should use
// V = any.
type Result[V any] struct {
	kind  resultKind
	reply V
	value V
}

type resultKind uint8

const (
	resultKeep resultKind = iota
	resultPop
	resultGet
	resultGetSet
)

// ResultKeep is the `:id` row: box unchanged, reply is the current value.
func ResultKeep[V any]() Result[V] { return Result[V]{kind: resultKeep} }

// ResultPop is the `:pop` row: box becomes Absent, reply is the pre-pop value.
func ResultPop[V any]() Result[V] { return Result[V]{kind: resultPop} }

// ResultGet is the `get` / `{get}` row: box unchanged, reply is explicit.
func ResultGet[V any](reply V) Result[V] { return Result[V]{kind: resultGet, reply: reply} }

// ResultGetSet is the `{get, v'}` row: box set to next, reply is explicit.
func ResultGetSet[V any](reply, next V) Result[V] {
	return Result[V]{kind: resultGetSet, reply: reply, value: next}
}

// apply interprets the result against the current box, returning the
// reply to send and the box's new state.
func (r Result[V]) apply(box Box[V]) (V, Box[V]) {
	switch r.kind {
	case resultKeep:
		return box.Get(zero[V]()), box
	case resultPop:
		return box.Get(zero[V]()), AbsentBox[V]()
	case resultGet:
		return r.reply, box
	case resultGetSet:
		return r.reply, PresentBox(r.value)
	default:
		return zero[V](), box
	}
}

func zero[V any]() V {
	var z V
	return z
}

// multiResultKind tags the seven rows of the multi-key interpretation
// table in spec.md §4.3.
type multiResultKind uint8

const (
	multiGetOnly multiResultKind = iota
	multiIDAll
	multiDropAll
	multiValues
	multiMap
	multiBatch
)

// BatchItem is one element of the list-of-actions row
// (`[a1...an]` where each `ai ∈ {:id, :pop, {g}, {g, v'}}`).
type BatchItem[V any] struct {
	kind     updateKind
	hasReply bool
	reply    V
	value    V
}

// BatchKeep corresponds to `:id` for one key in a batch result.
func BatchKeep[V any]() BatchItem[V] { return BatchItem[V]{kind: updateKeep} }

// BatchPop corresponds to `:pop` for one key in a batch result.
func BatchPop[V any]() BatchItem[V] { return BatchItem[V]{kind: updatePop} }

// BatchGet corresponds to `{g}` for one key: box unchanged, reply g.
func BatchGet[V any](reply V) BatchItem[V] {
	return BatchItem[V]{kind: updateKeep, hasReply: true, reply: reply}
}

// BatchGetSet corresponds to `{g, v'}` for one key: box set, reply g.
func BatchGetSet[V any](reply, next V) BatchItem[V] {
	return BatchItem[V]{kind: updateSet, hasReply: true, reply: reply, value: next}
}

// MultiResult is the tagged variant a multi-key GetAndUpdate callback
// returns. Exactly one constructor should be used per callback invocation.
type MultiResult[V any] struct {
	kind   multiResultKind
	reply  any
	values []V
	byKey  map[any]V
	batch  []BatchItem[V]
}

// MultiGet is the `ret` row (Get mode): reply ret, nothing is published.
func MultiGet[V any](ret any) MultiResult[V] { return MultiResult[V]{kind: multiGetOnly, reply: ret} }

// MultiIDAll is the `{ret}` / `{ret, :id}` row: reply ret, every key in
// upd_set keeps its value.
func MultiIDAll[V any](ret any) MultiResult[V] { return MultiResult[V]{kind: multiIDAll, reply: ret} }

// MultiDropAll is the `{ret, :drop}` row: reply ret, every key in upd_set
// is deleted.
func MultiDropAll[V any](ret any) MultiResult[V] {
	return MultiResult[V]{kind: multiDropAll, reply: ret}
}

// MultiValues is the `{ret, [v1...vn]}` row: reply ret, values are
// published positionally in the transaction's upd_set order. The
// coordinator rejects a length mismatch with CallbackError.
func MultiValues[V any](ret any, values []V) MultiResult[V] {
	return MultiResult[V]{kind: multiValues, reply: ret, values: values}
}

// MultiMap is the `{ret, map}` row: reply ret, keys present in byKey are
// published with that value, keys absent from byKey are dropped.
func MultiMap[V any](ret any, byKey map[any]V) MultiResult[V] {
	return MultiResult[V]{kind: multiMap, reply: ret, byKey: byKey}
}

// MultiBatch is the `[a1...an]` row: no top-level ret, the aggregate
// reply is the ordered slice of per-item replies (zero value for items
// without one), and each item's action applies to the corresponding key
// in the transaction's upd_set order.
func MultiBatch[V any](items []BatchItem[V]) MultiResult[V] {
	return MultiResult[V]{kind: multiBatch, batch: items}
}
