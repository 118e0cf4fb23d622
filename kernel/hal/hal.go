// Package hal describes the platform the kernel boots on and probes its
// devices.
package hal

import (
	"io"
	"strings"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/mm/vmm"
)

// Driver is an interface implemented by all platform device drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// Platform is the machine the kernel runs on.
type Platform interface {
	// Interrupts masks and restores interrupts on the calling core.
	cpu.Interrupts

	// BootInfo returns the multiboot information block describing the
	// machine and the kernel command line.
	BootInfo() []byte

	// Memory returns the physical memory manager of the machine.
	Memory() *vmm.Manager

	// BSP returns the bootstrap processor.
	BSP() cpu.Local

	// Local returns the processor executing the call.
	Local() cpu.Local

	// BindCore attaches the calling thread to the core with the given APIC
	// id. Core loops call it once before they start scheduling and call the
	// returned function when they exit.
	BindCore(apicID uint32) (func(), *kernel.Error)

	// IPIs returns the channel on which interrupts sent to apicID are
	// delivered.
	IPIs(apicID uint32) <-chan uint8

	// Drivers returns the devices of the platform in probe order.
	Drivers() []Driver
}

// DetectHardware initializes every driver of p and returns the drivers that
// came up. Failing drivers are logged and skipped.
func DetectHardware(p Platform) []Driver {
	var (
		active []Driver
		w      kfmt.PrefixWriter
	)

	for _, drv := range p.Drivers() {
		var prefix strings.Builder
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&prefix, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = prefix.String()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		active = append(active, drv)
	}
	return active
}
