package proc

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"nexusos/kernel/cpu"
	"nexusos/kernel/mm"
)

func TestNewManagerBootsIdle(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())

	idle := tk.mgr.Idle()
	if idle.PID != 1 || idle.Priority != PriorityIdle {
		t.Fatalf("expected idle to be pid 1 at idle priority; got pid %d priority %s", idle.PID, idle.Priority)
	}
	if idle.State() != StateRunning || tk.mgr.Current() != idle {
		t.Fatal("expected idle to be the running process")
	}
	if rec := tk.local.lastSwitch(); rec.from != nil || rec.to != &idle.Context {
		t.Fatal("expected boot to load the idle context without saving")
	}
}

func TestCreate(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	tk.clock.ticks = 42

	p := tk.spawn(t, "shell", PriorityNormal)

	if p.State() != StateReady {
		t.Fatalf("expected READY; got %s", p.State())
	}
	if p.PPID != tk.mgr.Idle().PID || p.Parent != tk.mgr.Idle() {
		t.Fatal("expected the current process to become the parent")
	}
	if len(tk.mgr.Idle().Children) != 1 {
		t.Fatal("expected the child to be linked to its parent")
	}
	if p.CreatedAt != 42 || p.TimeSlice != DefaultTimeSlice {
		t.Fatalf("unexpected bookkeeping: created %d slice %d", p.CreatedAt, p.TimeSlice)
	}
	if p.Stack.Size != mm.ProcessStackSize || p.Heap.Size != mm.ProcessHeapSize {
		t.Fatalf("unexpected regions: stack %+v heap %+v", p.Stack, p.Heap)
	}

	ctx := p.Context
	if ctx.RIP != 0x400000 || ctx.RSP != uint64(p.Stack.Top()-cpu.StackAlignMargin) {
		t.Fatalf("unexpected initial context RIP 0x%x RSP 0x%x", ctx.RIP, ctx.RSP)
	}
	if ctx.RFlags != cpu.RFlagsDefault || ctx.CS != cpu.KernelCodeSelector || ctx.CR3 != uint64(p.AddressSpace) {
		t.Fatal("unexpected flags, selectors or CR3 in initial context")
	}

	if tk.mgr.Lookup(p.PID) != p {
		t.Fatal("expected the process to be registered in the table")
	}

	var buf bytes.Buffer
	p.DumpTo(&buf)
	if !strings.Contains(buf.String(), "pid 2 ppid 1 state READY priority normal") {
		t.Fatalf("unexpected dump:\n%s", buf.String())
	}
}

func TestCreateInvalidArgs(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())

	if _, err := tk.mgr.Create("bad", 0, PriorityNormal); err != errInvalidEntry {
		t.Errorf("expected errInvalidEntry; got %v", err)
	}
	if _, err := tk.mgr.Create("bad", 0x1000, PriorityRealtime+1); err != errInvalidPriority {
		t.Errorf("expected errInvalidPriority; got %v", err)
	}
}

func TestCreateRollback(t *testing.T) {
	specs := []struct {
		name        string
		failCreate  bool
		failAllocAt int
	}{
		{"address space", true, 0},
		{"stack", false, 1},
		{"heap", false, 2},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			tk := newTestKernel(t, DefaultConfig())
			freeBefore := tk.mem.FreeFrames()
			spacesBefore := tk.mem.AddressSpaces()
			countBefore := tk.mgr.Table().Count()

			tk.mem.failCreate = spec.failCreate
			tk.mem.allocCalls = 0
			tk.mem.failAllocAt = spec.failAllocAt

			p, err := tk.mgr.Create("doomed", 0x1000, PriorityNormal)
			if err != errInjected || p != nil {
				t.Fatalf("expected injected failure; got %v, %v", p, err)
			}

			if tk.mem.FreeFrames() != freeBefore || tk.mem.AddressSpaces() != spacesBefore {
				t.Fatalf("expected all memory to be released; free %d/%d spaces %d/%d",
					tk.mem.FreeFrames(), freeBefore, tk.mem.AddressSpaces(), spacesBefore)
			}
			if tk.mgr.Table().Count() != countBefore || tk.mgr.Lookup(2) != nil {
				t.Fatal("expected no partially constructed process in the table")
			}

			tk.mem.failCreate, tk.mem.failAllocAt = false, 0
			if p := tk.spawn(t, "retry", PriorityNormal); p.PID == 0 {
				t.Fatal("expected a valid pid after rollback")
			}
		})
	}
}

func TestProcessLimitAndPIDReuse(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())

	seen := map[uint32]bool{tk.mgr.Idle().PID: true}
	var victim *Process
	for i := 0; i < MaxProcesses-2; i++ {
		p := tk.spawn(t, "worker", PriorityLow)
		if seen[p.PID] || p.PID == 0 || p.PID >= MaxProcesses {
			t.Fatalf("unexpected pid %d", p.PID)
		}
		seen[p.PID] = true
		if i == 10 {
			victim = p
		}
	}

	free := tk.mem.FreeFrames()
	if _, err := tk.mgr.Create("overflow", 0x1000, PriorityLow); err != errProcessLimit {
		t.Fatalf("expected errProcessLimit; got %v", err)
	}
	if tk.mem.FreeFrames() != free || tk.mgr.Table().Count() != MaxProcesses-1 {
		t.Fatal("expected a full table to fail without side effects")
	}

	if err := tk.mgr.Destroy(victim); err != nil {
		t.Fatal(err)
	}
	p := tk.spawn(t, "reuse", PriorityLow)
	if p.PID != victim.PID {
		t.Fatalf("expected destroyed pid %d to be reused; got %d", victim.PID, p.PID)
	}
}

func TestTerminateDestroyReap(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()
	freeBefore := tk.mem.FreeFrames()

	parent := tk.spawn(t, "parent", PriorityNormal)
	child := tk.spawn(t, "child", PriorityNormal)
	child.Parent, child.PPID = parent, parent.PID
	parent.Children = append(parent.Children, child)

	if err := s.Add(child); err != nil {
		t.Fatal(err)
	}
	parent.setState(StateBlocked)

	if err := tk.mgr.Terminate(child); err != nil {
		t.Fatal(err)
	}
	if child.State() != StateZombie {
		t.Fatalf("expected ZOMBIE; got %s", child.State())
	}
	if s.Len() != 1 || s.Queued()[0] != parent {
		t.Fatal("expected the child to leave the queue and the blocked parent to be admitted")
	}
	if parent.State() != StateReady {
		t.Fatalf("expected parent to be READY; got %s", parent.State())
	}
	if err := tk.mgr.Terminate(child); err != errAlreadyTerminated {
		t.Fatalf("expected errAlreadyTerminated; got %v", err)
	}
	if tk.mgr.Stats().Zombies != 1 {
		t.Fatal("expected one pending zombie")
	}

	if n := tk.mgr.Reap(); n != 1 {
		t.Fatalf("expected 1 reaped process; got %d", n)
	}
	if child.State() != StateTerminated || tk.mgr.Lookup(child.PID) != nil {
		t.Fatal("expected the zombie to be destroyed")
	}
	if len(parent.Children) != 0 {
		t.Fatal("expected the child to be unlinked from its parent")
	}
	if err := tk.mgr.Destroy(child); err != ErrAlreadyDestroyed {
		t.Fatalf("expected ErrAlreadyDestroyed; got %v", err)
	}

	s.Remove(parent)
	if err := tk.mgr.Destroy(parent); err != nil {
		t.Fatal(err)
	}
	if tk.mem.FreeFrames() != freeBefore {
		t.Fatalf("expected all process memory to be released; free %d want %d", tk.mem.FreeFrames(), freeBefore)
	}
}

func TestReapSkipsRunningZombie(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()

	p := tk.spawn(t, "runner", PriorityNormal)
	s.Add(p)
	s.Yield()
	if s.Current() != p {
		t.Fatal("expected the process to be running")
	}

	tk.mgr.Terminate(p)
	if n := tk.mgr.Reap(); n != 0 {
		t.Fatalf("expected the running zombie to be kept; reaped %d", n)
	}

	s.Yield()
	if s.Current() != tk.mgr.Idle() {
		t.Fatal("expected idle to take over from the zombie")
	}
	if n := tk.mgr.Reap(); n != 1 {
		t.Fatalf("expected the zombie to be reaped after switching away; reaped %d", n)
	}
}

func TestIdleIsProtected(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	idle := tk.mgr.Idle()

	if err := tk.mgr.Terminate(idle); err != errIdleProcess {
		t.Errorf("expected errIdleProcess from Terminate; got %v", err)
	}
	if err := tk.mgr.Destroy(idle); err != errIdleProcess {
		t.Errorf("expected errIdleProcess from Destroy; got %v", err)
	}
	if err := tk.mgr.Terminate(nil); err != errNilProcess {
		t.Errorf("expected errNilProcess; got %v", err)
	}
}

func TestSleepAndWake(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()

	p := tk.spawn(t, "napper", PriorityNormal)
	s.Add(p)
	s.Yield()
	if s.Current() != p {
		t.Fatal("expected napper to be running")
	}

	start := tk.clock.ticks
	if err := tk.mgr.Sleep(50); err != nil {
		t.Fatal(err)
	}
	if p.State() != StateSleeping || p.SleepUntil != start+5 {
		t.Fatalf("expected SLEEPING until %d; got %s until %d", start+5, p.State(), p.SleepUntil)
	}
	if s.Current() != tk.mgr.Idle() {
		t.Fatal("expected the sleeper to yield to idle")
	}

	for i := 0; i < 4; i++ {
		tk.tick()
		if p.State() != StateSleeping {
			t.Fatalf("woke up early at tick %d", tk.clock.ticks)
		}
	}

	tk.tick()
	if p.State() == StateSleeping {
		t.Fatal("expected the sleeper to wake at its deadline")
	}
	if tk.mgr.Stats().Sleeping != 0 {
		t.Fatal("expected the sleep queue to drain")
	}
}

func TestSleepDeadlineSaturates(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	p := tk.spawn(t, "hibernate", PriorityNormal)

	tk.clock.ticks = math.MaxUint64 - 10
	if err := tk.mgr.SleepProcess(p, 5000); err != nil {
		t.Fatal(err)
	}
	if p.SleepUntil != math.MaxUint64 {
		t.Fatalf("expected the wake tick to saturate; got %d", p.SleepUntil)
	}

	for i := 0; i < 5; i++ {
		tk.tick()
		if p.State() != StateSleeping {
			t.Fatalf("woke up early at tick %d", tk.clock.ticks)
		}
	}
}

func TestWakeIsNoOpUnlessSleeping(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	p := tk.spawn(t, "awake", PriorityNormal)

	if tk.mgr.Wake(p) || p.State() != StateReady {
		t.Fatal("expected Wake on a READY process to do nothing")
	}

	if err := tk.mgr.SleepProcess(p, 0); err != nil {
		t.Fatal(err)
	}
	if p.SleepUntil <= tk.clock.ticks {
		t.Fatal("expected the wake tick to be in the future")
	}
	if !tk.mgr.Wake(p) || p.State() != StateReady || p.SleepUntil != 0 {
		t.Fatal("expected Wake to move the process to READY")
	}

	// The stale heap entry must not wake the process again.
	tk.tick()
	if tk.mgr.Scheduler().Len() != 0 {
		t.Fatal("expected stale sleep entries to be ignored")
	}
}

func TestBlockAndSetPriority(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	s := tk.mgr.Scheduler()
	s.SetAlgorithm(PriorityOrder)

	low := tk.spawn(t, "low", PriorityLow)
	high := tk.spawn(t, "high", PriorityHigh)
	s.Add(low)
	s.Add(high)

	if err := tk.mgr.SetPriority(low, PriorityRealtime); err != nil {
		t.Fatal(err)
	}
	if q := s.Queued(); q[0] != low {
		t.Fatal("expected the re-prioritised process to move to the front")
	}

	if err := tk.mgr.Block(high); err != nil {
		t.Fatal(err)
	}
	if high.State() != StateBlocked || s.Len() != 1 {
		t.Fatal("expected Block to dequeue the process")
	}
	if err := tk.mgr.Block(high); err != errInvalidState {
		t.Fatalf("expected errInvalidState; got %v", err)
	}
}
