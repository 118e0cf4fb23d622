// Package hosted implements a simulated multi-core machine on top of the
// host operating system. Each core is carried by a goroutine locked to its
// own OS thread; the emulated local APIC identifies the reading core from
// the thread id.
package hosted

import (
	"runtime"

	"github.com/sirupsen/logrus"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/hal"
	"nexusos/kernel/hal/multiboot"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/mm/vmm"
	"nexusos/kernel/smp"
	"nexusos/kernel/sync"
)

const (
	// lowMemoryTop is the end of conventional memory.
	lowMemoryTop = 0x9FC00

	// highMemoryBase is where extended memory starts.
	highMemoryBase = 0x100000

	bootLoaderName = "nexussim"
)

var (
	errUnknownCore  = &kernel.Error{Module: "hosted", Message: "no core with this APIC id"}
	errAlreadyBound = &kernel.Error{Module: "hosted", Message: "core is already bound to a thread"}
)

// Config describes the simulated machine.
type Config struct {
	// Cores is the number of processors.
	Cores int

	// MemorySize is the amount of physical memory in bytes.
	MemorySize uintptr

	// CmdLine is passed to the kernel in the boot information block.
	CmdLine string

	// Stuck lists APIC ids that never acknowledge an IPI.
	Stuck []uint32

	// Pin locks each bound core thread to one host processor.
	Pin bool

	// Logger receives the kernel console output.
	Logger *logrus.Logger
}

// Machine is a simulated PC implementing hal.Platform.
type Machine struct {
	cfg     Config
	mem     *vmm.Manager
	cpus    []*CPU
	apic    *apic
	console *Console
	stuck   map[uint32]bool
	host    []int

	bindLock sync.Spinlock
	threads  map[int]*CPU
	bound    map[uint32]bool
}

var _ hal.Platform = (*Machine)(nil)

// New builds a machine with cfg.Cores processors. Zero values select the
// host processor count and the default memory size.
func New(cfg Config) *Machine {
	if cfg.Cores <= 0 {
		cfg.Cores = HostCores()
	}
	if cfg.Cores > smp.MaxCores {
		cfg.Cores = smp.MaxCores
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = vmm.DefaultMemorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	m := &Machine{
		cfg:     cfg,
		mem:     vmm.NewManager(cfg.MemorySize),
		stuck:   make(map[uint32]bool, len(cfg.Stuck)),
		host:    hostCPUs(),
		threads: make(map[int]*CPU),
		bound:   make(map[uint32]bool),
	}
	for _, id := range cfg.Stuck {
		m.stuck[id] = true
	}
	for id := 0; id < cfg.Cores; id++ {
		m.cpus = append(m.cpus, newCPU(uint32(id), id == 0))
	}
	m.apic = newAPIC(m)
	m.console = NewConsole(cfg.Logger)
	return m
}

// HostCores returns the number of host processors available to the
// process, capped at the largest supported core count.
func HostCores() int {
	n := len(hostCPUs())
	switch {
	case n == 0:
		return smp.DefaultCores
	case n > smp.MaxCores:
		return smp.MaxCores
	}
	return n
}

// BootInfo implements hal.Platform.
func (m *Machine) BootInfo() []byte {
	memTop := uint64(m.cfg.MemorySize)
	return new(multiboot.Builder).
		CmdLine(m.cfg.CmdLine).
		BootLoaderName(bootLoaderName).
		BasicMemoryInfo(lowMemoryTop>>10, uint32((memTop-highMemoryBase)>>10)).
		MemoryMap(
			multiboot.MemoryMapEntry{PhysAddress: 0, Length: lowMemoryTop, Type: multiboot.MemAvailable},
			multiboot.MemoryMapEntry{PhysAddress: lowMemoryTop, Length: highMemoryBase - lowMemoryTop, Type: multiboot.MemReserved},
			multiboot.MemoryMapEntry{PhysAddress: highMemoryBase, Length: memTop - highMemoryBase, Type: multiboot.MemAvailable},
			multiboot.MemoryMapEntry{PhysAddress: apicBase, Length: 0x1000, Type: multiboot.MemReserved},
		).
		Bytes()
}

// Memory implements hal.Platform.
func (m *Machine) Memory() *vmm.Manager {
	return m.mem
}

// Console returns the logrus-backed console device.
func (m *Machine) Console() *Console {
	return m.console
}

// Drivers implements hal.Platform.
func (m *Machine) Drivers() []hal.Driver {
	return []hal.Driver{m.console, m.apic}
}

// CPU returns the processor with the given APIC id or nil.
func (m *Machine) CPU(apicID uint32) *CPU {
	if int(apicID) >= len(m.cpus) {
		return nil
	}
	return m.cpus[apicID]
}

// BSP implements hal.Platform.
func (m *Machine) BSP() cpu.Local {
	return m.cpus[0]
}

// Local implements hal.Platform. Threads that are not bound to a core act
// as the bootstrap processor.
func (m *Machine) Local() cpu.Local {
	return m.local()
}

func (m *Machine) local() *CPU {
	tid := threadID()
	if tid < 0 {
		return m.cpus[0]
	}

	m.bindLock.Acquire()
	c := m.threads[tid]
	m.bindLock.Release()

	if c == nil {
		return m.cpus[0]
	}
	return c
}

// DisableInterrupts masks interrupts on the calling core.
func (m *Machine) DisableInterrupts() bool {
	return m.local().DisableInterrupts()
}

// RestoreInterrupts restores the interrupt flag of the calling core.
func (m *Machine) RestoreInterrupts(enabled bool) {
	m.local().RestoreInterrupts(enabled)
}

func (m *Machine) currentAPICID() uint32 {
	return m.local().apicID
}

// BindCore locks the calling goroutine to its OS thread and makes that
// thread act as the core with the given APIC id. The returned function
// undoes the binding.
func (m *Machine) BindCore(apicID uint32) (func(), *kernel.Error) {
	c := m.CPU(apicID)
	if c == nil {
		return nil, errUnknownCore
	}

	m.bindLock.Acquire()
	if m.bound[apicID] {
		m.bindLock.Release()
		return nil, errAlreadyBound
	}
	m.bound[apicID] = true
	m.bindLock.Release()

	runtime.LockOSThread()
	tid := threadID()

	m.bindLock.Acquire()
	if tid >= 0 {
		m.threads[tid] = c
	}
	m.bindLock.Release()

	if m.cfg.Pin && len(m.host) != 0 {
		hostCPU := m.host[int(apicID)%len(m.host)]
		if err := pinThread(hostCPU); err != nil {
			kfmt.Printf("[hosted] could not pin apic %d to host cpu %d: %s\n", apicID, hostCPU, err.Error())
		}
	}

	return func() {
		m.bindLock.Acquire()
		if tid >= 0 {
			delete(m.threads, tid)
		}
		delete(m.bound, apicID)
		m.bindLock.Release()
		runtime.UnlockOSThread()
	}, nil
}

// IPIs implements hal.Platform.
func (m *Machine) IPIs(apicID uint32) <-chan uint8 {
	if c := m.CPU(apicID); c != nil {
		return c.ipi
	}
	return nil
}

// accepts reports whether an IPI addressed to apicID can be delivered.
func (m *Machine) accepts(apicID uint32) bool {
	return m.CPU(apicID) != nil && !m.stuck[apicID]
}

// deliver applies an interrupt command to its target cores.
func (m *Machine) deliver(target, cmd uint32, broadcast bool) {
	targets := m.cpus
	if !broadcast {
		targets = []*CPU{m.cpus[target]}
	}

	for _, c := range targets {
		switch cmd & icrModeMask {
		case smp.ICRInit:
			if cmd&smp.ICRAssert != 0 && c.apicID != 0 {
				c.reset()
			}
		case smp.ICRStartup:
			c.startup(uint8(cmd & icrVectorMask))
		default:
			if broadcast && !c.Started() {
				continue
			}
			if !c.raise(uint8(cmd & icrVectorMask)) {
				kfmt.Printf("[hosted] apic %d: IPI queue full, vector 0x%x dropped\n", c.apicID, cmd&icrVectorMask)
			}
		}
	}
}
