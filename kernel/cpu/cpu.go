// Package cpu describes the per-core processor services the scheduler and
// SMP layers depend on. Concrete implementations live behind the hal.
package cpu

// Interrupts controls local interrupt delivery.
type Interrupts interface {
	// DisableInterrupts masks interrupts and reports whether they were
	// enabled before the call.
	DisableInterrupts() bool

	// RestoreInterrupts re-enables interrupts if enabled is true.
	RestoreInterrupts(enabled bool)
}

// Local is the set of privileged operations a single core exposes.
type Local interface {
	Interrupts

	// ID executes CPUID with EAX=leaf.
	ID(leaf uint32) (eax, ebx, ecx, edx uint32)

	// ReadMSR returns the value of a model-specific register.
	ReadMSR(reg uint32) uint64

	// WriteMSR stores val into a model-specific register.
	WriteMSR(reg uint32, val uint64)

	// SwitchContext saves the live register file into from (unless nil)
	// and resumes execution with the registers in to.
	SwitchContext(from, to *Context)

	// Halt stops instruction execution until the next interrupt.
	Halt()
}

// IRQGuard masks interrupts on i and returns a function that restores the
// previous state. Callers pair it with defer around spinlock sections that
// an interrupt handler may also enter.
func IRQGuard(i Interrupts) func() {
	enabled := i.DisableInterrupts()
	return func() {
		i.RestoreInterrupts(enabled)
	}
}

// Vendor returns the 12-byte CPUID vendor string of l.
func Vendor(l Local) string {
	_, ebx, ecx, edx := l.ID(0)

	var buf [12]byte
	for i, reg := range [3]uint32{ebx, edx, ecx} {
		buf[i*4] = byte(reg)
		buf[i*4+1] = byte(reg >> 8)
		buf[i*4+2] = byte(reg >> 16)
		buf[i*4+3] = byte(reg >> 24)
	}
	return string(buf[:])
}

// IsIntel returns true if l is an Intel processor.
func IsIntel(l Local) bool {
	return Vendor(l) == "GenuineIntel"
}
