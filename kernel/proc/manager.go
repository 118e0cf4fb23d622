package proc

import (
	"math"
	"sync/atomic"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/mm"
	"nexusos/kernel/sync"
)

const (
	// DefaultMailboxDepth is the number of undelivered messages a mailbox
	// accepts before Send reports ErrMailboxFull.
	DefaultMailboxDepth = 64

	// DefaultMaxMessageSize is the largest IPC payload in bytes.
	DefaultMaxMessageSize = 256

	// DefaultIdleEntry is the entry point given to the idle process.
	DefaultIdleEntry = 0x100000
)

var (
	// ErrAlreadyDestroyed is returned when Destroy is called twice for the
	// same process.
	ErrAlreadyDestroyed = &kernel.Error{Module: "proc", Message: "process already destroyed"}

	errNilProcess        = &kernel.Error{Module: "proc", Message: "nil process"}
	errIdleProcess       = &kernel.Error{Module: "proc", Message: "operation not permitted on the idle process"}
	errInvalidEntry      = &kernel.Error{Module: "proc", Message: "invalid entry point"}
	errInvalidPriority   = &kernel.Error{Module: "proc", Message: "invalid priority"}
	errInvalidState      = &kernel.Error{Module: "proc", Message: "process state does not allow this transition"}
	errAlreadyTerminated = &kernel.Error{Module: "proc", Message: "process already terminated"}
	errProcessRunning    = &kernel.Error{Module: "proc", Message: "process is running on a core"}
)

// Clock is the tick source consumed by the process manager.
type Clock interface {
	Ticks() uint64
	MillisToTicks(ms uint64) uint64
}

// Config tunes the process manager.
type Config struct {
	// MailboxDepth bounds each IPC mailbox. Zero means unbounded.
	MailboxDepth int

	// MaxMessageSize is the largest payload accepted by Send.
	MaxMessageSize int

	// IdleEntry is the entry point of the idle process.
	IdleEntry uintptr
}

// DefaultConfig returns the configuration used at boot when no overrides
// are given.
func DefaultConfig() Config {
	return Config{
		MailboxDepth:   DefaultMailboxDepth,
		MaxMessageSize: DefaultMaxMessageSize,
		IdleEntry:      DefaultIdleEntry,
	}
}

// Stats is a snapshot of process manager counters.
type Stats struct {
	TotalCreated    uint64
	Active          int
	ContextSwitches uint64
	IdleTicks       uint64
	Sleeping        int
	Zombies         int
}

// Manager owns the process table and drives process lifecycle transitions.
//
// Lock order: the table lock is always taken before any queue lock.
type Manager struct {
	table    Table
	mem      mm.Service
	clock    Clock
	cfg      Config
	sched    *Scheduler
	idle     *Process
	sleepers sleepQueue

	queueLock sync.Spinlock
	queues    []Queue

	reapLock sync.Spinlock
	zombies  []*Process

	nextTID      uint32
	nextFD       uint32
	totalCreated uint64
}

// NewManager builds the process manager, its classic scheduler and the idle
// process. The idle process becomes the current process on local.
func NewManager(mem mm.Service, clock Clock, local cpu.Local, cfg Config) (*Manager, *kernel.Error) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.IdleEntry == 0 {
		cfg.IdleEntry = DefaultIdleEntry
	}

	m := &Manager{
		mem:    mem,
		clock:  clock,
		cfg:    cfg,
		nextFD: 3,
	}
	m.sched = newScheduler(local, clock)
	m.sched.expire = m.expireSleepers
	m.RegisterQueue(m.sched)

	kfmt.Printf("[proc] initializing process table (%d slots)\n", MaxProcesses)

	idle, err := m.Create("idle", cfg.IdleEntry, PriorityIdle)
	if err != nil {
		kfmt.Printf("[proc] failed to create idle process: %s\n", err.Message)
		return nil, err
	}
	m.idle = idle
	m.sched.boot(idle)

	return m, nil
}

// Scheduler returns the classic scheduler.
func (m *Manager) Scheduler() *Scheduler {
	return m.sched
}

// Idle returns the idle process.
func (m *Manager) Idle() *Process {
	return m.idle
}

// Table returns the process table.
func (m *Manager) Table() *Table {
	return &m.table
}

// Lookup returns the live process with the given PID or nil.
func (m *Manager) Lookup(pid uint32) *Process {
	return m.table.Lookup(pid)
}

// Current returns the process running under the classic scheduler.
func (m *Manager) Current() *Process {
	return m.sched.Current()
}

// RegisterQueue adds q to the set of queues consulted before a process is
// reclaimed.
func (m *Manager) RegisterQueue(q Queue) {
	m.queueLock.Acquire()
	m.queues = append(m.queues, q)
	m.queueLock.Release()
}

// Create allocates a process running entry at the given priority and marks
// it READY. The caller decides which queue admits it. On failure every
// resource acquired so far is released in reverse order and the process
// never becomes visible in the table.
func (m *Manager) Create(name string, entry uintptr, prio Priority) (p *Process, err *kernel.Error) {
	if entry == 0 {
		return nil, errInvalidEntry
	}
	if prio > PriorityRealtime {
		return nil, errInvalidPriority
	}

	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		kfmt.Printf("[proc] failed to spawn %s: %s\n", name, err.Message)
	}()

	pid, err := m.table.reservePID()
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() { m.table.releasePID(pid) })

	p = &Process{
		PID:       pid,
		Name:      name,
		Priority:  prio,
		TimeSlice: DefaultTimeSlice,
		CreatedAt: m.clock.Ticks(),
	}
	if parent := m.Current(); parent != nil {
		p.Parent = parent
		p.PPID = parent.PID
	}

	as, err := m.mem.CreateAddressSpace()
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() { m.mem.DestroyAddressSpace(as) })

	stack, err := m.mem.AllocRegion(as, mm.ProcessStackSize, mm.FlagPresent|mm.FlagRW|mm.FlagUserAccessible)
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() { m.mem.FreeRegion(as, stack) })

	heap, err := m.mem.AllocRegion(as, mm.ProcessHeapSize, mm.FlagPresent|mm.FlagRW|mm.FlagUserAccessible)
	if err != nil {
		return nil, err
	}

	p.AddressSpace, p.Stack, p.Heap = as, stack, heap
	p.Context = cpu.NewContext(entry, stack.Top(), uintptr(as))

	m.table.insert(p)
	if p.Parent != nil {
		m.table.lock.Acquire()
		p.Parent.Children = append(p.Parent.Children, p)
		m.table.lock.Release()
	}
	p.setState(StateReady)
	atomic.AddUint64(&m.totalCreated, 1)

	kfmt.Printf("[proc] spawned %s pid %d priority %s\n", name, pid, prio)
	return p, nil
}

// Admit enqueues a READY process on the queue that owns it, or on the
// classic scheduler if it has never been queued.
func (m *Manager) Admit(p *Process) *kernel.Error {
	if p == nil {
		return errNilProcess
	}

	q := p.Home()
	if q == nil {
		q = m.sched
	}
	return q.Enqueue(p)
}

// Terminate turns p into a zombie. A BLOCKED parent is woken, p is detached
// from its queue and handed to the reaper. Resources are released later by
// Destroy.
func (m *Manager) Terminate(p *Process) *kernel.Error {
	if p == nil {
		return errNilProcess
	}
	if p == m.idle {
		return errIdleProcess
	}

	m.table.lock.Acquire()
	if p.zombie || p.destroyed {
		m.table.lock.Release()
		return errAlreadyTerminated
	}
	p.zombie = true
	parent := p.Parent
	m.table.lock.Release()

	kfmt.Printf("[proc] terminating %s pid %d\n", p.Name, p.PID)
	p.setState(StateZombie)

	if parent != nil && parent.transition(StateBlocked, StateReady) {
		if err := m.Admit(parent); err != nil {
			kfmt.Printf("[proc] could not requeue parent pid %d: %s\n", parent.PID, err.Message)
		}
	}

	if q := p.Home(); q != nil {
		q.Remove(p)
	}

	m.reapLock.Acquire()
	m.zombies = append(m.zombies, p)
	m.reapLock.Release()
	return nil
}

// Destroy releases every resource owned by p and clears its table slot. It
// fails with ErrAlreadyDestroyed on a second call and refuses to reclaim a
// process that a scheduler still has selected.
func (m *Manager) Destroy(p *Process) *kernel.Error {
	if p == nil {
		return errNilProcess
	}
	if p == m.idle {
		return errIdleProcess
	}
	if m.isCurrentAnywhere(p) {
		return errProcessRunning
	}

	m.table.lock.Acquire()
	if p.destroyed {
		m.table.lock.Release()
		return ErrAlreadyDestroyed
	}
	p.destroyed = true
	p.mailbox.Store(nil)

	if parent := p.Parent; parent != nil {
		for i, c := range parent.Children {
			if c == p {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}
	for _, c := range p.Children {
		c.Parent = nil
	}
	p.Parent, p.Children = nil, nil
	threads := p.Threads
	p.Threads = nil
	m.table.lock.Release()

	if q := p.Home(); q != nil {
		q.Remove(p)
	}

	kfmt.Printf("[proc] destroying pid %d\n", p.PID)
	for _, t := range threads {
		m.releaseThreadStack(t)
	}
	if err := m.mem.FreeRegion(p.AddressSpace, p.Heap); err != nil {
		kfmt.Printf("[proc] pid %d: heap release failed: %s\n", p.PID, err.Message)
	}
	if err := m.mem.FreeRegion(p.AddressSpace, p.Stack); err != nil {
		kfmt.Printf("[proc] pid %d: stack release failed: %s\n", p.PID, err.Message)
	}
	if err := m.mem.DestroyAddressSpace(p.AddressSpace); err != nil {
		kfmt.Printf("[proc] pid %d: address space release failed: %s\n", p.PID, err.Message)
	}

	m.table.remove(p)
	p.setState(StateTerminated)
	p.SetHome(nil)
	return nil
}

// Reap destroys every zombie that is no longer selected by any scheduler
// and returns the number of processes reclaimed.
func (m *Manager) Reap() int {
	m.reapLock.Acquire()
	pending := m.zombies
	m.zombies = nil
	m.reapLock.Release()

	var reaped int
	var keep []*Process
	for _, p := range pending {
		switch err := m.Destroy(p); err {
		case nil:
			reaped++
		case errProcessRunning:
			keep = append(keep, p)
		}
	}

	if len(keep) != 0 {
		m.reapLock.Acquire()
		m.zombies = append(m.zombies, keep...)
		m.reapLock.Release()
	}

	if reaped != 0 {
		kfmt.Printf("[proc] reaped %d zombie(s)\n", reaped)
	}
	return reaped
}

// Sleep suspends the current process for at least ms milliseconds and
// yields.
func (m *Manager) Sleep(ms uint64) *kernel.Error {
	return m.SleepProcess(m.Current(), ms)
}

// SleepProcess suspends p for at least ms milliseconds. The wake tick is
// always in the future, so a zero duration sleeps for one tick. If p is the
// current process the classic scheduler yields.
func (m *Manager) SleepProcess(p *Process, ms uint64) *kernel.Error {
	if p == nil {
		return errNilProcess
	}
	if p == m.idle {
		return errIdleProcess
	}
	if st := p.State(); st != StateReady && st != StateRunning {
		return errInvalidState
	}

	ticks := m.clock.MillisToTicks(ms)
	if ticks == 0 {
		ticks = 1
	}

	if q := p.Home(); q != nil {
		q.Remove(p)
	}

	now := m.clock.Ticks()
	if ticks > math.MaxUint64-now {
		ticks = math.MaxUint64 - now
	}
	p.SleepUntil = now + ticks
	p.setState(StateSleeping)
	m.sleepers.push(p, p.SleepUntil)

	if m.sched.IsCurrent(p) {
		m.sched.Yield()
	}
	return nil
}

// Wake moves p from SLEEPING to READY. It is a no-op for any other state and
// reports whether the transition happened. The caller is responsible for
// re-admitting the process.
func (m *Manager) Wake(p *Process) bool {
	if p == nil || !p.transition(StateSleeping, StateReady) {
		return false
	}

	p.SleepUntil = 0
	return true
}

// Block parks p until an IPC message or a child exit wakes it. If p is the
// current process the classic scheduler yields.
func (m *Manager) Block(p *Process) *kernel.Error {
	if p == nil {
		return errNilProcess
	}
	if p == m.idle {
		return errIdleProcess
	}
	if st := p.State(); st != StateReady && st != StateRunning {
		return errInvalidState
	}

	if q := p.Home(); q != nil {
		q.Remove(p)
	}
	p.setState(StateBlocked)

	if m.sched.IsCurrent(p) {
		m.sched.Yield()
	}
	return nil
}

// SetPriority changes the static priority of p, re-queueing it if it is
// waiting to run.
func (m *Manager) SetPriority(p *Process, prio Priority) *kernel.Error {
	if p == nil {
		return errNilProcess
	}
	if prio > PriorityRealtime {
		return errInvalidPriority
	}

	q := p.Home()
	requeue := q != nil && q.Remove(p)
	p.Priority = prio
	if requeue {
		return q.Enqueue(p)
	}
	return nil
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.reapLock.Acquire()
	zombies := len(m.zombies)
	m.reapLock.Release()

	return Stats{
		TotalCreated:    atomic.LoadUint64(&m.totalCreated),
		Active:          m.table.Count(),
		ContextSwitches: m.sched.Switches(),
		IdleTicks:       m.sched.IdleTicks(),
		Sleeping:        m.sleepers.len(),
		Zombies:         zombies,
	}
}

// expireSleepers wakes and re-admits every sleeper due at now.
func (m *Manager) expireSleepers(now uint64) {
	for _, p := range m.sleepers.expired(now) {
		if !m.Wake(p) {
			continue
		}
		if err := m.Admit(p); err != nil {
			kfmt.Printf("[proc] could not requeue pid %d: %s\n", p.PID, err.Message)
		}
	}
}

func (m *Manager) isCurrentAnywhere(p *Process) bool {
	m.queueLock.Acquire()
	defer m.queueLock.Release()

	for _, q := range m.queues {
		if q.IsCurrent(p) {
			return true
		}
	}
	return false
}
