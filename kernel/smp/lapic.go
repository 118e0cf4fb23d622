package smp

import (
	"nexusos/kernel"
	"nexusos/kernel/mm"
	"nexusos/kernel/sync"
)

// Local APIC model-specific register and its flags.
const (
	MSRAPICBase    = 0x1B
	APICBaseEnable = 1 << 11
	APICBaseBSP    = 1 << 8

	apicBaseMask = 0xFFFFFFFFFFFFF000
)

// Local APIC register offsets.
const (
	RegID       = 0x020
	RegVersion  = 0x030
	RegTPR      = 0x080
	RegEOI      = 0x0B0
	RegSpurious = 0x0F0
	RegICRLow   = 0x300
	RegICRHigh  = 0x310
)

// Interrupt command register values.
const (
	ICRFixed     = 0x00000000
	ICRInit      = 0x00000500
	ICRStartup   = 0x00000600
	ICRDelivs    = 0x00001000
	ICRAssert    = 0x00004000
	ICRDeassert  = 0x00000000
	ICRBroadcast = 0x00080000
)

// spuriousEnable sets the APIC software-enable bit and routes spurious
// interrupts to vector 0xFF.
const spuriousEnable = 0x100 | 0xFF

// deliverySpinLimit bounds the number of ICR reads while waiting for the
// delivery-status bit to clear.
var deliverySpinLimit = 1 << 16

var errDeliveryTimeout = &kernel.Error{Module: "smp", Message: "timed out waiting for IPI delivery"}

// LAPIC drives a local APIC through its memory-mapped register window.
type LAPIC struct {
	// icrLock serialises the two-register ICR writes.
	icrLock sync.Spinlock
	regs    mm.Window
}

// NewLAPIC wraps the register window of a local APIC.
func NewLAPIC(regs mm.Window) *LAPIC {
	return &LAPIC{regs: regs}
}

// ID returns the APIC id of the core performing the read.
func (l *LAPIC) ID() uint32 {
	return l.regs.Read32(RegID) >> 24
}

// Version returns the contents of the version register.
func (l *LAPIC) Version() uint32 {
	return l.regs.Read32(RegVersion)
}

// Enable soft-enables the APIC and accepts interrupts of every priority.
func (l *LAPIC) Enable() {
	l.regs.Write32(RegSpurious, spuriousEnable)
	l.regs.Write32(RegTPR, 0)
}

// EOI acknowledges the interrupt being serviced.
func (l *LAPIC) EOI() {
	l.regs.Write32(RegEOI, 0)
}

// SendICR issues an inter-processor interrupt command to apicID and waits
// for the APIC to report delivery.
func (l *LAPIC) SendICR(apicID, cmd uint32) *kernel.Error {
	l.icrLock.Acquire()
	defer l.icrLock.Release()

	l.regs.Write32(RegICRHigh, apicID<<24)
	l.regs.Write32(RegICRLow, cmd)
	return l.waitDelivery()
}

func (l *LAPIC) waitDelivery() *kernel.Error {
	for spins := 0; spins < deliverySpinLimit; spins++ {
		if l.regs.Read32(RegICRLow)&ICRDelivs == 0 {
			return nil
		}
	}
	return errDeliveryTimeout
}
