// Package proc implements process lifecycle management: the process table,
// the classic single-queue scheduler, sleep and wake, threads and the IPC
// mailbox.
package proc

import (
	"io"
	"sync/atomic"

	"nexusos/kernel/cpu"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/mm"
)

const (
	// MaxProcesses is the size of the process table. PID 0 is reserved for
	// the kernel so at most MaxProcesses-1 processes can be alive.
	MaxProcesses = 256

	// DefaultTimeSlice is the number of ticks a process may run before the
	// classic scheduler preempts it.
	DefaultTimeSlice = 10
)

// State describes where a process is in its lifecycle.
type State uint32

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSleeping
	StateZombie
	StateTerminated
)

var stateNames = [...]string{"CREATED", "READY", "RUNNING", "BLOCKED", "SLEEPING", "ZOMBIE", "TERMINATED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Priority is the static priority class of a process.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

var priorityNames = [...]string{"idle", "low", "normal", "high", "realtime"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return "unknown"
}

// ParsePriority returns the priority with the given name.
func ParsePriority(name string) (Priority, bool) {
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), true
		}
	}
	return 0, false
}

// RunLink holds the fields used by the per-core run queues. It is
// independent from the classic queue links.
type RunLink struct {
	Next   *Process
	Core   int
	Bucket int
	Queued bool
}

// Process is the process control block. The process table owns every
// Process until it is destroyed; Parent and Children are weak references
// kept for traversal.
type Process struct {
	PID  uint32
	PPID uint32
	Name string

	state    uint32
	Priority Priority

	TimeSlice       uint32
	CPUTime         uint64
	CreatedAt       uint64
	LastScheduled   uint64
	SleepUntil      uint64
	ContextSwitches uint64

	// ExitStatus is the status passed to the exit system call.
	ExitStatus int32

	Context      cpu.Context
	AddressSpace mm.AddressSpace
	Stack        mm.Region
	Heap         mm.Region

	Parent   *Process
	Children []*Process
	Threads  []*Thread

	// SecurityContext is owned by the security subsystem and never
	// interpreted here.
	SecurityContext interface{}

	// Stats is allocated the first time the process joins a run queue.
	Stats *SchedStats

	// RunLink links the process into a per-core run queue.
	RunLink RunLink

	// classic queue links
	prev, next *Process
	queued     bool

	// home is the queue that re-admits the process when it wakes up.
	home atomic.Pointer[homeRef]

	mailbox   atomic.Pointer[mailbox]
	zombie    bool
	destroyed bool
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return State(atomic.LoadUint32(&p.state))
}

func (p *Process) setState(s State) {
	atomic.StoreUint32(&p.state, uint32(s))
}

// transition atomically moves the process from one state to another and
// reports whether it was in the expected state.
func (p *Process) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&p.state, uint32(from), uint32(to))
}

// SetRunning marks the process as executing on a core.
func (p *Process) SetRunning() {
	p.setState(StateRunning)
}

// Dispatch moves a READY process to RUNNING. It reports false if the
// process left the READY state after it was selected.
func (p *Process) Dispatch() bool {
	return p.transition(StateReady, StateRunning)
}

// MarkReady moves a RUNNING process back to READY. It reports false if the
// process was in any other state.
func (p *Process) MarkReady() bool {
	return p.transition(StateRunning, StateReady)
}

type homeRef struct {
	q Queue
}

// Home returns the queue that currently owns the process.
func (p *Process) Home() Queue {
	if ref := p.home.Load(); ref != nil {
		return ref.q
	}
	return nil
}

// SetHome records the queue that owns the process. Queues call it when they
// admit a process.
func (p *Process) SetHome(q Queue) {
	if q == nil {
		p.home.Store(nil)
		return
	}
	if ref := p.home.Load(); ref != nil && ref.q == q {
		return
	}
	p.home.Store(&homeRef{q: q})
}

// PendingMessages returns the number of undelivered IPC messages.
func (p *Process) PendingMessages() int {
	mb := p.mailbox.Load()
	if mb == nil {
		return 0
	}

	mb.lock.Acquire()
	defer mb.lock.Release()
	return mb.count
}

// DumpTo writes a human-readable description of the process to w.
func (p *Process) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "process %s\n", p.Name)
	kfmt.Fprintf(w, "  pid %d ppid %d state %s priority %s\n", p.PID, p.PPID, p.State(), p.Priority)
	kfmt.Fprintf(w, "  cpu time %d switches %d slice %d\n", p.CPUTime, p.ContextSwitches, p.TimeSlice)
	kfmt.Fprintf(w, "  address space 0x%x stack 0x%x+%x heap 0x%x+%x\n", uintptr(p.AddressSpace), p.Stack.Base, p.Stack.Size, p.Heap.Base, p.Heap.Size)
	kfmt.Fprintf(w, "  children %d threads %d messages %d\n", len(p.Children), len(p.Threads), p.PendingMessages())
}
