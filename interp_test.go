package kstore

import (
	"reflect"
	"testing"
)

func TestUpdateApply(t *testing.T) {
	box := PresentBox(10)
	cases := []struct {
		name string
		u    Update[int]
		want Box[int]
	}{
		{"keep", Keep[int](), box},
		{"pop", PopUpdate[int](), AbsentBox[int]()},
		{"set", SetUpdate(99), PresentBox(99)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.u.apply(box); got != tc.want {
				t.Errorf("apply() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestResultApply(t *testing.T) {
	box := PresentBox(10)

	reply, next := ResultKeep[int]().apply(box)
	if reply != 10 || next != box {
		t.Errorf("ResultKeep: reply=%d next=%+v", reply, next)
	}

	reply, next = ResultPop[int]().apply(box)
	if reply != 10 || next.Present() {
		t.Errorf("ResultPop: reply=%d next=%+v", reply, next)
	}

	reply, next = ResultGet(7).apply(box)
	if reply != 7 || next != box {
		t.Errorf("ResultGet: reply=%d next=%+v", reply, next)
	}

	reply, next = ResultGetSet(7, 20).apply(box)
	if reply != 7 || next != PresentBox(20) {
		t.Errorf("ResultGetSet: reply=%d next=%+v", reply, next)
	}
}

func TestResultApplyOnAbsentBox(t *testing.T) {
	box := AbsentBox[int]()
	reply, next := ResultPop[int]().apply(box)
	if reply != 0 || next.Present() {
		t.Errorf("ResultPop on absent: reply=%d next=%+v", reply, next)
	}
}

func TestInterpretMultiResultGetOnly(t *testing.T) {
	result := MultiGet[int](map[string]int{"a": 1})
	ret, dispositions, err := interpretMultiResult(result, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ret, map[string]int{"a": 1}) {
		t.Errorf("ret = %+v", ret)
	}
	if dispositions["a"].kind != updateKeep {
		t.Errorf("expected keep disposition, got %+v", dispositions["a"])
	}
}

func TestInterpretMultiResultDropAll(t *testing.T) {
	_, dispositions, err := interpretMultiResult(MultiDropAll[int]("done"), []string{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if dispositions[k].kind != updatePop {
			t.Errorf("key %s: expected pop, got %+v", k, dispositions[k])
		}
	}
}

func TestInterpretMultiResultValuesLengthMismatch(t *testing.T) {
	_, _, err := interpretMultiResult(MultiValues[int]("ret", []int{1}), []string{"a", "b"}, nil)
	if err == nil {
		t.Fatal("expected error on length mismatch")
	}
	var cbErr *CallbackError
	if !asCallbackError(err, &cbErr) {
		t.Fatalf("expected *CallbackError, got %T", err)
	}
}

func TestInterpretMultiResultMapDropsMissingKeys(t *testing.T) {
	_, dispositions, err := interpretMultiResult(MultiMap[int]("ret", map[any]int{"a": 5}), []string{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dispositions["a"].kind != updateSet || dispositions["a"].value != 5 {
		t.Errorf("key a: got %+v", dispositions["a"])
	}
	if dispositions["b"].kind != updatePop {
		t.Errorf("key b: expected pop, got %+v", dispositions["b"])
	}
}

func TestInterpretMultiResultBatch(t *testing.T) {
	items := []BatchItem[int]{BatchGet(1), BatchGetSet(2, 99), BatchPop[int]()}
	ret, dispositions, err := interpretMultiResult(MultiBatch(items), []string{"a", "b"}, []string{"c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	replies, ok := ret.([]int)
	if !ok || len(replies) != 3 || replies[0] != 1 || replies[1] != 2 {
		t.Errorf("replies = %+v", ret)
	}
	if dispositions["a"].kind != updateKeep {
		t.Errorf("key a: got %+v", dispositions["a"])
	}
	if dispositions["b"].kind != updateSet || dispositions["b"].value != 99 {
		t.Errorf("key b: got %+v", dispositions["b"])
	}
	if dispositions["c"].kind != updatePop {
		t.Errorf("key c: got %+v", dispositions["c"])
	}
}

func asCallbackError(err error, target **CallbackError) bool {
	ce, ok := err.(*CallbackError)
	if ok {
		*target = ce
	}
	return ok
}
