package hosted

import (
	"runtime"
	"sync/atomic"

	"nexusos/kernel/cpu"
	"nexusos/kernel/smp"
	"nexusos/kernel/sync"
)

// ipiQueueDepth is the number of undelivered IPIs a core buffers before
// further ones are dropped.
const ipiQueueDepth = 64

// vendor registers returned by CPUID leaf 0 ("GenuineIntel").
const (
	vendorEBX = 0x756e6547
	vendorEDX = 0x49656e69
	vendorECX = 0x6c65746e
)

// CPU is a simulated processor. Its register file is swapped by
// SwitchContext; execution itself is carried by the goroutine bound to the
// core.
type CPU struct {
	apicID uint32

	lock    sync.Spinlock
	ifFlag  uint32
	msr     map[uint32]uint64
	regs    cpu.Context
	started bool

	switches uint64
	halts    uint64
	dropped  uint64

	ipi chan uint8
}

var _ cpu.Local = (*CPU)(nil)

func newCPU(apicID uint32, bsp bool) *CPU {
	base := uint64(apicBase)
	if bsp {
		base |= smp.APICBaseBSP
	}

	return &CPU{
		apicID:  apicID,
		ifFlag:  1,
		msr:     map[uint32]uint64{smp.MSRAPICBase: base},
		started: bsp,
		ipi:     make(chan uint8, ipiQueueDepth),
	}
}

// APICID returns the local APIC id of the processor.
func (c *CPU) APICID() uint32 {
	return c.apicID
}

// DisableInterrupts implements cpu.Interrupts.
func (c *CPU) DisableInterrupts() bool {
	return atomic.SwapUint32(&c.ifFlag, 0) == 1
}

// RestoreInterrupts implements cpu.Interrupts.
func (c *CPU) RestoreInterrupts(enabled bool) {
	if enabled {
		atomic.StoreUint32(&c.ifFlag, 1)
	}
}

// InterruptsEnabled reports the state of the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return atomic.LoadUint32(&c.ifFlag) == 1
}

// ID emulates CPUID. Leaf 0 reports an Intel processor and leaf 1 reports
// the initial APIC id and the on-chip APIC feature bit.
func (c *CPU) ID(leaf uint32) (uint32, uint32, uint32, uint32) {
	switch leaf {
	case 0:
		return 1, vendorEBX, vendorECX, vendorEDX
	case 1:
		return 0, c.apicID << 24, 0, 1 << 9
	}
	return 0, 0, 0, 0
}

// ReadMSR implements cpu.Local.
func (c *CPU) ReadMSR(reg uint32) uint64 {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.msr[reg]
}

// WriteMSR implements cpu.Local.
func (c *CPU) WriteMSR(reg uint32, val uint64) {
	c.lock.Acquire()
	c.msr[reg] = val
	c.lock.Release()
}

// SwitchContext saves the live register file into from, unless from is
// nil, and loads to. The call returns to the bound goroutine, which then
// continues on behalf of the process whose registers are loaded.
func (c *CPU) SwitchContext(from, to *cpu.Context) {
	c.lock.Acquire()
	if from != nil {
		*from = c.regs
	}
	c.regs = *to
	c.switches++
	c.lock.Release()
}

// Halt stops the simulated core until the host schedules its goroutine
// again.
func (c *CPU) Halt() {
	atomic.AddUint64(&c.halts, 1)
	runtime.Gosched()
}

// Registers returns a copy of the live register file.
func (c *CPU) Registers() cpu.Context {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.regs
}

// Switches returns the number of context switches performed.
func (c *CPU) Switches() uint64 {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.switches
}

// Halts returns the number of Halt calls.
func (c *CPU) Halts() uint64 {
	return atomic.LoadUint64(&c.halts)
}

// Started reports whether the core has received a STARTUP IPI.
func (c *CPU) Started() bool {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.started
}

func (c *CPU) reset() {
	c.lock.Acquire()
	c.started = false
	c.regs = cpu.Context{}
	c.lock.Release()
}

// startup begins execution at the page-aligned address vector<<12.
func (c *CPU) startup(vector uint8) {
	c.lock.Acquire()
	c.started = true
	c.regs.RIP = uint64(vector) << 12
	c.lock.Release()
}

// raise queues vector for the core. It reports false if the queue is full.
func (c *CPU) raise(vector uint8) bool {
	select {
	case c.ipi <- vector:
		return true
	default:
		atomic.AddUint64(&c.dropped, 1)
		return false
	}
}
