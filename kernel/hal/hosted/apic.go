package hosted

import (
	"io"

	"nexusos/kernel"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/smp"
	"nexusos/kernel/sync"
)

const (
	// apicBase is the physical address of the local APIC window.
	apicBase = 0xFEE00000

	// apicVersion reports version 0x14 with six LVT entries.
	apicVersion = 0x00050014

	// deliveryReads is the number of ICR reads before the delivery status
	// bit clears.
	deliveryReads = 2

	icrModeMask   = 0x700
	icrVectorMask = 0xFF
)

// apic emulates the local APIC register window shared by all simulated
// cores. The ID register reports the APIC id of the reading core. IPIs to
// cores listed as stuck never complete delivery.
type apic struct {
	m *Machine

	lock     sync.Spinlock
	regs     map[uintptr]uint32
	pending  int
	stuck    bool
	eois     uint64
	commands uint64
}

func newAPIC(m *Machine) *apic {
	return &apic{m: m, regs: map[uintptr]uint32{}}
}

// Read32 implements mm.Window.
func (a *apic) Read32(off uintptr) uint32 {
	switch off {
	case smp.RegID:
		return a.m.currentAPICID() << 24
	case smp.RegVersion:
		return apicVersion
	}

	a.lock.Acquire()
	defer a.lock.Release()

	val := a.regs[off]
	if off == smp.RegICRLow && val&smp.ICRDelivs != 0 && !a.stuck {
		if a.pending--; a.pending <= 0 {
			a.regs[off] = val &^ smp.ICRDelivs
		}
	}
	return val
}

// Write32 implements mm.Window.
func (a *apic) Write32(off uintptr, val uint32) {
	a.lock.Acquire()
	switch off {
	case smp.RegEOI:
		a.eois++
		a.lock.Release()
		return
	case smp.RegICRLow:
		a.regs[off] = val | smp.ICRDelivs
		a.pending = deliveryReads
		a.commands++
		target := a.regs[smp.RegICRHigh] >> 24
		broadcast := val&smp.ICRBroadcast != 0
		a.stuck = !broadcast && !a.m.accepts(target)
		a.lock.Release()

		if !a.stuck {
			a.m.deliver(target, val, broadcast)
		}
		return
	}
	a.regs[off] = val
	a.lock.Release()
}

// DriverName implements hal.Driver.
func (a *apic) DriverName() string {
	return "lapic_emu"
}

// DriverVersion implements hal.Driver.
func (a *apic) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit maps the register window at the APIC base address.
func (a *apic) DriverInit(w io.Writer) *kernel.Error {
	a.m.mem.RegisterDevice(apicBase, a)
	kfmt.Fprintf(w, "window at 0x%x, %d cores wired\n", apicBase, len(a.m.cpus))
	return nil
}

// EOIs returns the number of end-of-interrupt writes.
func (a *apic) EOIs() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.eois
}
