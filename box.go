package kstore

// Box is a tagged value cell distinguishing "present with value v" from
// "absent". It is the shape every callback receives and every worker owns.
type Box[V any] struct {
	value   V
	present bool
}

// PresentBox wraps v as a present value.
func PresentBox[V any](v V) Box[V] {
	return Box[V]{value: v, present: true}
}

// AbsentBox returns an absent box for V.
func AbsentBox[V any]() Box[V] {
	return Box[V]{}
}

// Present reports whether the box holds a value.
func (b Box[V]) Present() bool {
	return b.present
}

// Value returns the boxed value and whether it was present. When absent
// the returned value is the zero value of V.
func (b Box[V]) Value() (V, bool) {
	return b.value, b.present
}

// Get returns the boxed value, or def if the box is absent.
func (b Box[V]) Get(def V) V {
	if b.present {
		return b.value
	}
	return def
}

// cell is the server-side record for a key with no live worker. It is
// replaced by a worker handle on promotion and reinstated on worker exit.
type cell[V any] struct {
	box          Box[V]
	processes    int
	maxProcesses int
}

// idle reports whether the cell is empty and holds no budget override,
// i.e. eligible for garbage collection per spec.md invariant in §3.
func (c cell[V]) idle(defaultMax int) bool {
	return c.processes == 0 && !c.box.present && c.maxProcesses == defaultMax
}
