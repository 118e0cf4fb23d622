package proc

import "testing"

func pids(list []*Process) []uint32 {
	out := make([]uint32, len(list))
	for i, p := range list {
		out[i] = p.PID
	}
	return out
}

func equalPIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRoundRobinOrder(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()

	var procs []*Process
	for _, name := range []string{"a", "b", "c", "d"} {
		p := tk.spawn(t, name, PriorityNormal)
		if err := s.Add(p); err != nil {
			t.Fatal(err)
		}
		procs = append(procs, p)
	}

	for i, exp := range procs {
		if got := s.Next(); got != exp {
			t.Fatalf("[next %d] expected pid %d; got %v", i, exp.PID, got)
		}
	}
	if s.Next() != nil {
		t.Fatal("expected the queue to be empty")
	}
}

func TestYieldSwitchesToNextAndRequeuesAtTail(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()

	first := tk.spawn(t, "first", PriorityNormal)
	second := tk.spawn(t, "second", PriorityNormal)
	s.Add(first)
	s.Add(second)

	// Leave idle for the first process.
	s.Yield()
	if s.Current() != first {
		t.Fatal("expected the first process to be running")
	}

	switchesBefore := s.Switches()
	s.Yield()

	if s.Current() != second || second.State() != StateRunning {
		t.Fatal("expected the second process to be running")
	}
	if rec := tk.local.lastSwitch(); rec.from != &first.Context || rec.to != &second.Context {
		t.Fatal("expected a context switch from first to second")
	}
	if s.Switches() != switchesBefore+1 || first.ContextSwitches != 1 {
		t.Fatalf("unexpected switch counters: global %d first %d", s.Switches(), first.ContextSwitches)
	}
	if q := s.Queued(); len(q) != 1 || q[0] != first || first.State() != StateReady {
		t.Fatal("expected the first process to be re-appended at the tail")
	}
	if !tk.local.enabled {
		t.Fatal("expected interrupts to be restored after queue mutation")
	}
}

func TestYieldAlone(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()

	p := tk.spawn(t, "solo", PriorityNormal)
	s.Add(p)
	s.Yield()

	switches := len(tk.local.switches)
	s.Yield()
	if s.Current() != p || p.State() != StateRunning || len(tk.local.switches) != switches {
		t.Fatal("expected a lone process to keep running without a switch")
	}

	// Idle with nothing queued keeps running too.
	tk.mgr.Block(p)
	if s.Current() != tk.mgr.Idle() {
		t.Fatal("expected idle after the only process blocked")
	}
	s.Yield()
	if s.Current() != tk.mgr.Idle() || s.Len() != 0 {
		t.Fatal("expected idle to stay current and never be queued")
	}
}

func TestPriorityOrder(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()
	s.SetAlgorithm(PriorityOrder)

	low := tk.spawn(t, "low", PriorityLow)
	rt := tk.spawn(t, "rt", PriorityRealtime)
	normal := tk.spawn(t, "normal", PriorityNormal)
	high := tk.spawn(t, "high", PriorityHigh)
	for _, p := range []*Process{low, rt, normal, high} {
		s.Add(p)
	}

	for _, exp := range []*Process{rt, high, normal, low} {
		if got := s.Next(); got != exp {
			t.Fatalf("expected %s; got %v", exp.Name, got)
		}
	}
}

func TestFairOrder(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()
	s.SetAlgorithm(Fair)

	specs := []struct {
		name string
		cpu  uint64
	}{
		{"heavy", 90},
		{"light", 5},
		{"medium", 40},
		{"medium-2", 40},
		{"fresh", 0},
	}

	for _, spec := range specs {
		p := tk.spawn(t, spec.name, PriorityNormal)
		p.CPUTime = spec.cpu
		s.Add(p)
	}

	var got []string
	for p := s.Next(); p != nil; p = s.Next() {
		got = append(got, p.Name)
	}

	exp := []string{"fresh", "light", "medium", "medium-2", "heavy"}
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("expected order %v; got %v", exp, got)
		}
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()
	p := tk.spawn(t, "p", PriorityNormal)

	if err := s.Add(nil); err != errNilProcess {
		t.Errorf("expected errNilProcess; got %v", err)
	}
	s.Add(p)
	if err := s.Add(p); err != errAlreadyQueued {
		t.Errorf("expected errAlreadyQueued; got %v", err)
	}

	q := tk.spawn(t, "q", PriorityNormal)
	q.setState(StateBlocked)
	if err := s.Add(q); err != errNotReady {
		t.Errorf("expected errNotReady; got %v", err)
	}

	r := tk.spawn(t, "r", PriorityNormal)
	r.RunLink.Queued = true
	if err := s.Add(r); err != errAlreadyQueued {
		t.Errorf("expected a process on a per-core queue to be rejected; got %v", err)
	}

	if s.Remove(q) {
		t.Error("expected Remove of an unqueued process to report false")
	}
}

func TestSetAlgorithmMigratesQueuedWork(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()

	a := tk.spawn(t, "a", PriorityLow)
	b := tk.spawn(t, "b", PriorityHigh)
	c := tk.spawn(t, "c", PriorityHigh)
	for _, p := range []*Process{a, b, c} {
		s.Add(p)
	}

	if err := s.SetAlgorithm(PriorityOrder); err != nil {
		t.Fatal(err)
	}
	if got, exp := pids(s.Queued()), pids([]*Process{b, c, a}); !equalPIDs(got, exp) {
		t.Fatalf("expected pick order %v; got %v", exp, got)
	}

	if err := s.SetAlgorithm(RoundRobin); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 || s.Algorithm() != RoundRobin {
		t.Fatal("expected all work to survive the switch back")
	}

	if err := s.SetAlgorithm(Algorithm(9)); err != errInvalidAlgorithm {
		t.Fatalf("expected errInvalidAlgorithm; got %v", err)
	}
}

func TestPreemptAfterTimeSlice(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()

	a := tk.spawn(t, "a", PriorityNormal)
	b := tk.spawn(t, "b", PriorityNormal)
	s.Add(a)
	s.Add(b)

	tk.tick()
	if s.Current() != a {
		t.Fatal("expected idle to hand over to queued work on the first tick")
	}

	for i := 0; i < DefaultTimeSlice-1; i++ {
		tk.tick()
		if s.Current() != a {
			t.Fatalf("preempted early after %d ticks", i+1)
		}
	}

	tk.tick()
	if s.Current() != b {
		t.Fatal("expected preemption once the slice is used up")
	}
	if a.CPUTime != DefaultTimeSlice {
		t.Fatalf("expected a to be charged %d ticks; got %d", DefaultTimeSlice, a.CPUTime)
	}
	if tk.mgr.Stats().IdleTicks != 1 {
		t.Fatalf("expected 1 idle tick; got %d", tk.mgr.Stats().IdleTicks)
	}
}

func TestParseAlgorithm(t *testing.T) {
	for _, a := range []Algorithm{RoundRobin, PriorityOrder, Fair} {
		got, ok := ParseAlgorithm(a.String())
		if !ok || got != a {
			t.Errorf("expected %s to round trip", a)
		}
	}
	if _, ok := ParseAlgorithm("lottery"); ok {
		t.Error("expected unknown name to be rejected")
	}
}
