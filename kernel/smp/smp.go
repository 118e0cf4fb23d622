// Package smp brings up the application processors and tracks per-core
// status and statistics. Cores are synthesized rather than discovered from
// firmware tables.
package smp

import (
	"io"
	"sync/atomic"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/mm"
)

const (
	// MaxCores is the largest number of cores the manager tracks.
	MaxCores = 64

	// DefaultCores is the number of cores synthesized when none is
	// configured.
	DefaultCores = 4

	// DefaultFrequency is the nominal core frequency in Hz.
	DefaultFrequency = 2400000000

	// StartupVector is the physical address where application processors
	// begin execution after a STARTUP IPI.
	StartupVector = 0x8000
)

// IPI vectors.
const (
	VectorReschedule = 0xF0
	VectorTLBFlush   = 0xF1
	VectorHalt       = 0xF2
)

var (
	// delayFn burns the given number of iterations between bring-up
	// steps. Tests replace it with a no-op.
	delayFn = busyWait

	spinSink uint32

	errInvalidCore  = &kernel.Error{Module: "smp", Message: "core id out of range"}
	errCoreOffline  = &kernel.Error{Module: "smp", Message: "target core is not online"}
	errNotStartable = &kernel.Error{Module: "smp", Message: "core cannot be started"}
	errNoLAPIC      = &kernel.Error{Module: "smp", Message: "local APIC not mapped"}
)

// Delay lengths used during AP bring-up, in busy-wait iterations.
const (
	initDelay = 10000
	syncDelay = 50000
)

func busyWait(iterations int) {
	for i := 0; i < iterations; i++ {
		atomic.AddUint32(&spinSink, 1)
	}
}

// Config describes the cores to bring up.
type Config struct {
	// Cores is the total number of cores including the bootstrap core.
	Cores int

	// Frequency is the nominal frequency reported for every core.
	Frequency uint64
}

// Stats aggregates per-core statistics.
type Stats struct {
	TotalCores  int
	ActiveCores int
	TotalCycles uint64
}

// Manager owns the core descriptors and the bootstrap core's local APIC.
type Manager struct {
	local cpu.Local
	mem   mm.Service
	cfg   Config
	lapic *LAPIC

	cores       []*Core
	active      uint32
	initialized uint32
}

// NewManager returns a manager that will bring up cfg.Cores cores. The
// bootstrap core is registered immediately so that Current and ByID work
// before Init.
func NewManager(local cpu.Local, mem mm.Service, cfg Config) *Manager {
	if cfg.Cores <= 0 {
		cfg.Cores = DefaultCores
	}
	if cfg.Cores > MaxCores {
		cfg.Cores = MaxCores
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = DefaultFrequency
	}

	m := &Manager{local: local, mem: mem, cfg: cfg}
	m.cores = []*Core{m.newCore(0, 0)}
	return m
}

func (m *Manager) newCore(id int, apicID uint32) *Core {
	return &Core{
		APICID:      apicID,
		ID:          id,
		Frequency:   m.cfg.Frequency,
		Designation: Designation(id),
	}
}

// Init enables the bootstrap core's local APIC and starts every additional
// core with the INIT, INIT-deassert, STARTUP sequence. A core that fails to
// start is marked ERROR and skipped. The bootstrap core is always left
// ONLINE, even when the APIC cannot be mapped.
func (m *Manager) Init() *kernel.Error {
	if m.Initialized() {
		return nil
	}

	kfmt.Printf("[smp] bootstrap processor vendor %s\n", cpu.Vendor(m.local))

	bsp := m.cores[0]
	bsp.setStatus(StatusOnline)
	atomic.StoreUint32(&m.active, 1)

	base := m.local.ReadMSR(MSRAPICBase)
	m.local.WriteMSR(MSRAPICBase, base|APICBaseEnable)

	regs, err := m.mem.MapMMIO(uintptr(base&apicBaseMask), mm.PageSize)
	if err != nil {
		kfmt.Printf("[smp] cannot map local APIC at 0x%x: %s\n", base&apicBaseMask, err.Message)
		atomic.StoreUint32(&m.initialized, 1)
		return err
	}

	m.lapic = NewLAPIC(regs)
	m.lapic.Enable()
	bsp.APICID = m.lapic.ID()
	kfmt.Printf("[smp] local APIC at 0x%x, bsp apic id %d\n", base&apicBaseMask, bsp.APICID)

	for id := 1; id < m.cfg.Cores; id++ {
		m.cores = append(m.cores, m.newCore(id, uint32(id)))
	}

	for _, core := range m.cores[1:] {
		if err := m.startCore(core); err != nil {
			core.setStatus(StatusError)
			kfmt.Printf("[smp] %s (apic %d) failed to start: %s\n", core.Designation, core.APICID, err.Message)
			continue
		}
		kfmt.Printf("[smp] %s (apic %d) online\n", core.Designation, core.APICID)
	}

	atomic.StoreUint32(&m.initialized, 1)
	kfmt.Printf("[smp] %d/%d cores online\n", m.ActiveCount(), len(m.cores))
	return nil
}

// startCore runs the INIT-SIPI-SIPI style bring-up for one core.
func (m *Manager) startCore(core *Core) *kernel.Error {
	if core.ID == 0 || core.ID >= len(m.cores) {
		return errNotStartable
	}

	core.setStatus(StatusInitializing)

	if err := m.lapic.SendICR(core.APICID, ICRInit|ICRAssert); err != nil {
		return err
	}
	if err := m.lapic.SendICR(core.APICID, ICRInit|ICRDeassert); err != nil {
		return err
	}
	delayFn(initDelay)

	if err := m.lapic.SendICR(core.APICID, ICRStartup|(StartupVector>>12)); err != nil {
		return err
	}

	core.setStatus(StatusNeuralSync)
	delayFn(syncDelay)

	core.setStatus(StatusOnline)
	atomic.AddUint32(&m.active, 1)
	return nil
}

// Initialized reports whether Init has completed.
func (m *Manager) Initialized() bool {
	return atomic.LoadUint32(&m.initialized) == 1
}

// LAPIC returns the bootstrap core's local APIC driver, or nil before Init.
func (m *Manager) LAPIC() *LAPIC {
	return m.lapic
}

// Current returns the core executing the call. Before Init completes, or if
// the APIC id is unknown, it returns the bootstrap core.
func (m *Manager) Current() *Core {
	if !m.Initialized() || m.lapic == nil {
		return m.cores[0]
	}

	apicID := m.lapic.ID()
	for _, core := range m.cores {
		if core.APICID == apicID {
			return core
		}
	}
	return m.cores[0]
}

// ByID returns the core with the given logical id.
func (m *Manager) ByID(id int) (*Core, *kernel.Error) {
	if id < 0 || id >= len(m.cores) {
		return nil, errInvalidCore
	}
	return m.cores[id], nil
}

// Cores returns every known core descriptor.
func (m *Manager) Cores() []*Core {
	return m.cores
}

// Count returns the number of known cores.
func (m *Manager) Count() int {
	return len(m.cores)
}

// ActiveCount returns the number of ONLINE cores.
func (m *Manager) ActiveCount() int {
	return int(atomic.LoadUint32(&m.active))
}

// Available reports whether more than one core is known and bring-up has
// completed.
func (m *Manager) Available() bool {
	return len(m.cores) > 1 && m.Initialized()
}

// UpdateStats advances the cycle counter of core. The load counter grows
// while a process is assigned and decays toward zero otherwise.
func (m *Manager) UpdateStats(core *Core) {
	if core == nil {
		return
	}

	atomic.AddUint64(&core.cycles, 1)
	if core.Current() != nil {
		atomic.AddUint64(&core.load, 1)
		return
	}

	for {
		load := atomic.LoadUint64(&core.load)
		if load == 0 || atomic.CompareAndSwapUint64(&core.load, load, load-1) {
			return
		}
	}
}

// Statistics returns aggregate core statistics.
func (m *Manager) Statistics() Stats {
	stats := Stats{
		TotalCores:  len(m.cores),
		ActiveCores: m.ActiveCount(),
	}
	for _, core := range m.cores {
		stats.TotalCycles += core.Cycles()
	}
	return stats
}

// SendIPI delivers vector to an ONLINE core and waits for delivery.
func (m *Manager) SendIPI(coreID int, vector uint8) *kernel.Error {
	core, err := m.ByID(coreID)
	if err != nil {
		return err
	}
	if !core.Online() {
		return errCoreOffline
	}
	if m.lapic == nil {
		return errNoLAPIC
	}
	return m.lapic.SendICR(core.APICID, ICRFixed|uint32(vector))
}

// Broadcast delivers vector to every core and waits for delivery.
func (m *Manager) Broadcast(vector uint8) *kernel.Error {
	if m.lapic == nil {
		return errNoLAPIC
	}
	return m.lapic.SendICR(0, ICRFixed|ICRBroadcast|uint32(vector))
}

// AckIPI records that core serviced an IPI and signals end-of-interrupt.
func (m *Manager) AckIPI(core *Core) {
	if core == nil {
		return
	}
	atomic.AddUint64(&core.interrupts, 1)
	if m.lapic != nil {
		m.lapic.EOI()
	}
}

// DumpTo writes the status of every core to w.
func (m *Manager) DumpTo(w io.Writer) {
	stats := m.Statistics()
	kfmt.Fprintf(w, "cores %d active %d cycles %d\n", stats.TotalCores, stats.ActiveCores, stats.TotalCycles)

	pw := &kfmt.PrefixWriter{Sink: w, Prefix: "  "}
	for _, core := range m.cores {
		kfmt.Fprintf(pw, "%2d %20s apic %2d %12s load %d irqs %d", core.ID, core.Designation, core.APICID, core.Status(), core.Load(), core.InterruptsHandled())
		if p := core.Current(); p != nil {
			kfmt.Fprintf(pw, " running %s (pid %d)", p.Name, p.PID)
		}
		kfmt.Fprintf(pw, "\n")
	}
}
