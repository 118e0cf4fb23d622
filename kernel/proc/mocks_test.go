package proc

import (
	"testing"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/mm"
	"nexusos/kernel/mm/vmm"
)

var errInjected = &kernel.Error{Module: "test", Message: "injected failure"}

type fakeClock struct {
	ticks uint64
	hz    uint64
}

func (c *fakeClock) Ticks() uint64 { return c.ticks }
func (c *fakeClock) MillisToTicks(ms uint64) uint64 {
	return ms * c.hz / 1000
}

type switchRecord struct {
	from, to *cpu.Context
}

type fakeLocal struct {
	enabled  bool
	switches []switchRecord
}

func (l *fakeLocal) DisableInterrupts() bool {
	was := l.enabled
	l.enabled = false
	return was
}
func (l *fakeLocal) RestoreInterrupts(enabled bool) {
	if enabled {
		l.enabled = true
	}
}
func (l *fakeLocal) ID(uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 }
func (l *fakeLocal) ReadMSR(uint32) uint64                      { return 0 }
func (l *fakeLocal) WriteMSR(uint32, uint64)                    {}
func (l *fakeLocal) Halt()                                      {}
func (l *fakeLocal) SwitchContext(from, to *cpu.Context) {
	l.switches = append(l.switches, switchRecord{from, to})
}

func (l *fakeLocal) lastSwitch() switchRecord {
	if len(l.switches) == 0 {
		return switchRecord{}
	}
	return l.switches[len(l.switches)-1]
}

// faultyMemory wraps a vmm.Manager and fails selected calls.
type faultyMemory struct {
	*vmm.Manager

	failCreate bool

	// failAllocAt fails the n-th AllocRegion call (1-based); 0 disables.
	failAllocAt int
	allocCalls  int
}

func (f *faultyMemory) CreateAddressSpace() (mm.AddressSpace, *kernel.Error) {
	if f.failCreate {
		return 0, errInjected
	}
	return f.Manager.CreateAddressSpace()
}

func (f *faultyMemory) AllocRegion(as mm.AddressSpace, size uintptr, flags mm.PageTableEntryFlag) (mm.Region, *kernel.Error) {
	f.allocCalls++
	if f.failAllocAt != 0 && f.allocCalls == f.failAllocAt {
		return mm.Region{}, errInjected
	}
	return f.Manager.AllocRegion(as, size, flags)
}

type testKernel struct {
	mgr   *Manager
	mem   *faultyMemory
	clock *fakeClock
	local *fakeLocal
}

func newTestKernel(t *testing.T, cfg Config) *testKernel {
	t.Helper()

	tk := &testKernel{
		mem:   &faultyMemory{Manager: vmm.NewManager(32 << 20)},
		clock: &fakeClock{hz: 100},
		local: &fakeLocal{enabled: true},
	}

	mgr, err := NewManager(tk.mem, tk.clock, tk.local, cfg)
	if err != nil {
		t.Fatal(err)
	}
	tk.mgr = mgr
	return tk
}

func (tk *testKernel) spawn(t *testing.T, name string, prio Priority) *Process {
	t.Helper()

	p, err := tk.mgr.Create(name, 0x400000, prio)
	if err != nil {
		t.Fatalf("spawning %s: %v", name, err)
	}
	return p
}

// tick advances the clock by one tick and runs the classic scheduler tick.
func (tk *testKernel) tick() {
	tk.clock.ticks++
	tk.mgr.Scheduler().Tick()
}
