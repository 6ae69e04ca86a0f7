package kstore

import "testing"

func TestHandleDispatchPriorityNowBypassesBudget(t *testing.T) {
	cfg := defaultConfig()
	cfg.maxProcesses = 1
	s := newServer[string, int](cfg)
	s.table["k"] = &entry[string, int]{cell: cell[int]{box: PresentBox(1), processes: 1, maxProcesses: 1}}

	reply := newReply[int]()
	req := &request[int]{
		action:     actionGet,
		key:        "k",
		getFn:      func(b Box[int]) int { return b.Get(-1) },
		reply:      reply,
		priority:   PriorityNow,
		timeout:    InfiniteTimeout(),
		insertedAt: s.clock.Now(),
	}
	s.handleDispatch(&dispatchCmd[string, int]{key: "k", req: req})

	msg := <-reply
	if msg.err != nil || msg.value != 1 {
		t.Fatalf("got %+v, want value=1", msg)
	}
	if s.table["k"].worker != nil {
		t.Error("a Now-priority Get should never promote a worker")
	}
}

func TestHandleDispatchPromotesWhenReadBudgetExceeded(t *testing.T) {
	cfg := defaultConfig()
	cfg.maxProcesses = 1
	s := newServer[string, int](cfg)
	s.table["k"] = &entry[string, int]{cell: cell[int]{box: PresentBox(1), processes: 1, maxProcesses: 1}}

	reply := newReply[int]()
	req := &request[int]{
		action:     actionGet,
		key:        "k",
		getFn:      func(b Box[int]) int { return b.Get(-1) },
		reply:      reply,
		priority:   PriorityNormal,
		timeout:    InfiniteTimeout(),
		insertedAt: s.clock.Now(),
	}
	s.handleDispatch(&dispatchCmd[string, int]{key: "k", req: req})

	if s.table["k"].worker == nil {
		t.Fatal("a Get over the read budget should promote a worker")
	}
	msg := <-reply
	if msg.err != nil || msg.value != 1 {
		t.Errorf("got %+v, want value=1", msg)
	}
}

func TestHandleDispatchWriteAlwaysPromotes(t *testing.T) {
	s := newServer[string, int](defaultConfig())

	reply := newReply[int]()
	req := &request[int]{
		action:     actionGetAndUpdate,
		key:        "k",
		updateFn:   func(Box[int]) Result[int] { return ResultGetSet(0, 5) },
		reply:      reply,
		priority:   PriorityNormal,
		timeout:    InfiniteTimeout(),
		insertedAt: s.clock.Now(),
	}
	s.handleDispatch(&dispatchCmd[string, int]{key: "k", req: req})

	if s.table["k"].worker == nil {
		t.Error("a write should always promote a worker, never use the cell fast path")
	}
}

func TestHandleMayIDieContinuesWhenMailboxNonEmpty(t *testing.T) {
	s := newServer[string, int](defaultConfig())
	w := &Worker[string, int]{key: "k", mailbox: make(chan any, 4)}
	w.mailbox <- &request[int]{}
	s.table["k"] = &entry[string, int]{worker: w}

	verdict := make(chan dieVerdict, 1)
	s.handleMayIDie(&mayIDieCmd[string, int]{key: "k", w: w, verdict: verdict})

	if v := <-verdict; v.die {
		t.Error("expected Continue when the worker's mailbox is non-empty")
	}
	if s.table["k"].worker != w {
		t.Error("worker entry should be left untouched on Continue")
	}
}

func TestHandleMayIDieReinstatesCellOnDie(t *testing.T) {
	s := newServer[string, int](defaultConfig())
	w := &Worker[string, int]{key: "k", box: PresentBox(7), maxProcesses: 3, mailbox: make(chan any, 4)}
	s.table["k"] = &entry[string, int]{worker: w}

	verdict := make(chan dieVerdict, 1)
	s.handleMayIDie(&mayIDieCmd[string, int]{key: "k", w: w, verdict: verdict})

	if v := <-verdict; !v.die {
		t.Fatal("expected Die when the worker's mailbox is empty")
	}
	e, ok := s.table["k"]
	if !ok {
		t.Fatal("entry should survive (box is present)")
	}
	if e.worker != nil {
		t.Error("worker handle should be cleared")
	}
	if got := e.cell.box.Get(-1); got != 7 {
		t.Errorf("reinstated cell box = %d, want 7", got)
	}
	if e.cell.maxProcesses != 3 {
		t.Errorf("reinstated cell maxProcesses = %d, want 3", e.cell.maxProcesses)
	}
}

func TestHandleMayIDieGarbageCollectsEmptyCell(t *testing.T) {
	cfg := defaultConfig()
	s := newServer[string, int](cfg)
	w := &Worker[string, int]{key: "k", box: AbsentBox[int](), maxProcesses: cfg.maxProcesses, mailbox: make(chan any, 4)}
	s.table["k"] = &entry[string, int]{worker: w}

	verdict := make(chan dieVerdict, 1)
	s.handleMayIDie(&mayIDieCmd[string, int]{key: "k", w: w, verdict: verdict})
	<-verdict

	if _, ok := s.table["k"]; ok {
		t.Error("an idle worker with no value left behind should be garbage collected")
	}
}

func TestSeedPopulatesTableBeforeStart(t *testing.T) {
	s := newServer[string, int](defaultConfig())
	s.seed(map[string]int{"a": 1, "b": 2})

	if len(s.table) != 2 {
		t.Fatalf("table has %d entries, want 2", len(s.table))
	}
	if got := s.table["a"].cell.box.Get(-1); got != 1 {
		t.Errorf("a = %d, want 1", got)
	}
}

func TestPeekEntryDoesNotMaterializeTableEntry(t *testing.T) {
	s := newServer[string, int](defaultConfig())

	if _, ok := s.peekEntry("missing"); ok {
		t.Fatal("peekEntry should report false for a key with no entry")
	}
	if len(s.table) != 0 {
		t.Errorf("table has %d entries, want 0 (peekEntry must not insert)", len(s.table))
	}
}

func TestHandleMultiPrepareOnlyGetDoesNotLeakAbsentEntry(t *testing.T) {
	s := newServer[string, int](defaultConfig())
	s.seed(map[string]int{"present": 1})

	mr := &multiRequest[string, int]{
		onlyGet:    []string{"present", "missing"},
		fn:         func(known map[string]Box[int]) MultiResult[int] { return MultiGet[int](len(known)) },
		timeout:    InfiniteTimeout(),
		insertedAt: s.clock.Now(),
		reply:      make(chan replyMsg[any], 1),
	}
	s.handleMultiPrepare(&multiPrepareCmd[string, int]{mr: mr})

	msg := <-mr.reply
	if msg.err != nil {
		t.Fatalf("unexpected error: %v", msg.err)
	}
	if msg.value != 2 {
		t.Errorf("ret = %v, want 2", msg.value)
	}

	if _, ok := s.table["missing"]; ok {
		t.Error("an only_get key that was never written must not leave a permanent entry behind")
	}
	if _, ok := s.table["present"]; !ok {
		t.Error("an only_get key that already had an entry should be left alone")
	}
}

func TestRejectAfterStopAnswersWithShutdown(t *testing.T) {
	s := newServer[string, int](defaultConfig())
	close(s.stopped)

	reply := newReply[int]()
	req := &request[int]{action: actionGet, key: "k", reply: reply, insertedAt: s.clock.Now()}
	s.rejectAfterStop(&dispatchCmd[string, int]{key: "k", req: req})

	msg := <-reply
	kerr, ok := msg.err.(*Error)
	if !ok || !kerr.IsShutdown() {
		t.Errorf("got err %v, want a shutdown *Error", msg.err)
	}
}
