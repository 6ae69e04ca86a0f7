package kstore

import "testing"

func TestBoxPresentAbsent(t *testing.T) {
	p := PresentBox(42)
	if !p.Present() {
		t.Fatalf("expected present box")
	}
	if v, ok := p.Value(); !ok || v != 42 {
		t.Fatalf("got (%v, %v), want (42, true)", v, ok)
	}

	a := AbsentBox[int]()
	if a.Present() {
		t.Fatalf("expected absent box")
	}
	if v, ok := a.Value(); ok || v != 0 {
		t.Fatalf("got (%v, %v), want (0, false)", v, ok)
	}
}

func TestBoxGet(t *testing.T) {
	if got := PresentBox("x").Get("def"); got != "x" {
		t.Errorf("Get on present box = %q, want %q", got, "x")
	}
	if got := AbsentBox[string]().Get("def"); got != "def" {
		t.Errorf("Get on absent box = %q, want %q", got, "def")
	}
}

func TestCellIdle(t *testing.T) {
	cases := []struct {
		name       string
		c          cell[int]
		defaultMax int
		want       bool
	}{
		{"empty default budget", cell[int]{maxProcesses: 5}, 5, true},
		{"has value", cell[int]{box: PresentBox(1), maxProcesses: 5}, 5, false},
		{"reads in flight", cell[int]{processes: 1, maxProcesses: 5}, 5, false},
		{"overridden budget", cell[int]{maxProcesses: 10}, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.c.idle(tc.defaultMax); got != tc.want {
				t.Errorf("idle() = %v, want %v", got, tc.want)
			}
		})
	}
}
