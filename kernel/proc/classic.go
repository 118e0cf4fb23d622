package proc

import (
	"sync/atomic"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/sync"
)

// Algorithm selects the discipline used by the classic scheduler.
type Algorithm uint8

const (
	// RoundRobin keeps a FIFO ready list.
	RoundRobin Algorithm = iota

	// PriorityOrder keeps one list per priority class and always picks the
	// highest non-empty class. Lower classes may starve.
	PriorityOrder

	// Fair keeps the ready list sorted by accumulated CPU time.
	Fair
)

var algorithmNames = [...]string{"round-robin", "priority", "fair"}

func (a Algorithm) String() string {
	if int(a) < len(algorithmNames) {
		return algorithmNames[a]
	}
	return "unknown"
}

// ParseAlgorithm returns the classic algorithm with the given name.
func ParseAlgorithm(name string) (Algorithm, bool) {
	for i, n := range algorithmNames {
		if n == name {
			return Algorithm(i), true
		}
	}
	return 0, false
}

var (
	errNotReady         = &kernel.Error{Module: "sched", Message: "only READY processes can be queued"}
	errAlreadyQueued    = &kernel.Error{Module: "sched", Message: "process is already queued"}
	errInvalidAlgorithm = &kernel.Error{Module: "sched", Message: "unknown scheduling algorithm"}
)

// Scheduler is the classic single-queue scheduler that runs on the
// bootstrap core. Queue mutations hold a spinlock with local interrupts
// masked.
type Scheduler struct {
	lock  sync.Spinlock
	local cpu.Local
	clock Clock

	algorithm  Algorithm
	head, tail *Process
	prio       [PriorityRealtime + 1]*Process
	count      int

	idle         *Process
	current      *Process
	sliceCounter uint32
	lastTick     uint64

	switches  uint64
	idleTicks uint64

	// expire wakes sleepers that are due at the given tick.
	expire func(now uint64)
}

var _ Queue = (*Scheduler)(nil)

func newScheduler(local cpu.Local, clock Clock) *Scheduler {
	return &Scheduler{
		local:    local,
		clock:    clock,
		lastTick: clock.Ticks(),
	}
}

// boot makes idle the running process without saving any previous context.
func (s *Scheduler) boot(idle *Process) {
	s.lock.Acquire()
	s.idle = idle
	s.current = idle
	s.lock.Release()

	idle.SetRunning()
	s.local.SwitchContext(nil, &idle.Context)
}

// Enqueue implements Queue.
func (s *Scheduler) Enqueue(p *Process) *kernel.Error {
	return s.Add(p)
}

// Add inserts a READY process according to the active algorithm.
func (s *Scheduler) Add(p *Process) *kernel.Error {
	if p == nil {
		return errNilProcess
	}
	if p.State() != StateReady {
		return errNotReady
	}

	restore := cpu.IRQGuard(s.local)
	defer restore()
	s.lock.Acquire()
	defer s.lock.Release()

	if p.queued || p.RunLink.Queued {
		return errAlreadyQueued
	}
	s.insert(p)
	p.SetHome(s)
	return nil
}

// insert links p into the structure of the active algorithm. The caller
// must hold s.lock.
func (s *Scheduler) insert(p *Process) {
	switch s.algorithm {
	case PriorityOrder:
		p.prev = nil
		p.next = s.prio[p.Priority]
		s.prio[p.Priority] = p
	case Fair:
		// Stable insert: p goes after every entry with the same CPU time.
		var after *Process
		for cur := s.head; cur != nil && cur.CPUTime <= p.CPUTime; cur = cur.next {
			after = cur
		}
		s.linkAfter(after, p)
	default:
		s.linkAfter(s.tail, p)
	}

	p.queued = true
	s.count++
}

// linkAfter inserts p into the doubly linked ready list after the given
// entry, or at the head if after is nil.
func (s *Scheduler) linkAfter(after, p *Process) {
	p.prev = after
	if after == nil {
		p.next = s.head
		s.head = p
	} else {
		p.next = after.next
		after.next = p
	}

	if p.next != nil {
		p.next.prev = p
	} else {
		s.tail = p
	}
}

// Remove implements Queue.
func (s *Scheduler) Remove(p *Process) bool {
	if p == nil {
		return false
	}

	restore := cpu.IRQGuard(s.local)
	defer restore()
	s.lock.Acquire()
	defer s.lock.Release()

	return s.unlink(p)
}

// unlink detaches p from the active structure. The caller must hold s.lock.
func (s *Scheduler) unlink(p *Process) bool {
	if !p.queued {
		return false
	}

	switch s.algorithm {
	case PriorityOrder:
		var prev *Process
		cur := s.prio[p.Priority]
		for cur != nil && cur != p {
			prev, cur = cur, cur.next
		}
		if cur == nil {
			return false
		}
		if prev != nil {
			prev.next = cur.next
		} else {
			s.prio[p.Priority] = cur.next
		}
	default:
		if p.prev != nil {
			p.prev.next = p.next
		} else {
			s.head = p.next
		}
		if p.next != nil {
			p.next.prev = p.prev
		} else {
			s.tail = p.prev
		}
	}

	p.prev, p.next = nil, nil
	p.queued = false
	s.count--
	return true
}

// Next removes and returns the process that should run next, or nil if no
// process is queued.
func (s *Scheduler) Next() *Process {
	restore := cpu.IRQGuard(s.local)
	defer restore()
	s.lock.Acquire()
	defer s.lock.Release()

	var next *Process
	switch s.algorithm {
	case PriorityOrder:
		for prio := int(PriorityRealtime); prio >= int(PriorityIdle); prio-- {
			if s.prio[prio] != nil {
				next = s.prio[prio]
				break
			}
		}
	default:
		next = s.head
	}

	if next != nil {
		s.unlink(next)
	}
	return next
}

// ContextSwitch hands the bootstrap core from one process to another. from
// may be nil, in which case its registers are not saved.
func (s *Scheduler) ContextSwitch(from, to *Process) {
	if to == nil {
		return
	}

	atomic.AddUint64(&s.switches, 1)
	if from != nil {
		from.ContextSwitches++
		from.MarkReady()
	}

	to.SetRunning()
	to.LastScheduled = s.clock.Ticks()

	s.lock.Acquire()
	s.current = to
	s.sliceCounter = 0
	s.lock.Release()

	var fromCtx *cpu.Context
	if from != nil {
		fromCtx = &from.Context
	}
	s.local.SwitchContext(fromCtx, &to.Context)
}

// Yield gives up the processor. A still-RUNNING caller is re-appended to the
// ready list before the next process is chosen. If nothing else is runnable
// and the caller can no longer run, the idle process takes over.
func (s *Scheduler) Yield() {
	cur := s.Current()
	if cur == nil {
		return
	}

	if cur != s.idle && cur.MarkReady() {
		if err := s.Add(cur); err != nil {
			kfmt.Printf("[sched] could not requeue pid %d: %s\n", cur.PID, err.Message)
		}
	}

	next := s.Next()
	switch {
	case next == cur:
		cur.SetRunning()
		return
	case next == nil && cur.State() == StateRunning:
		return
	case next == nil:
		next = s.idle
	}

	s.ContextSwitch(cur, next)
}

// Preempt charges one tick to the running process's time slice and yields
// once the slice is used up. The idle process yields as soon as work is
// queued.
func (s *Scheduler) Preempt() {
	s.lock.Acquire()
	cur := s.current
	if cur == nil {
		s.lock.Release()
		return
	}

	s.sliceCounter++
	expired := s.sliceCounter >= cur.TimeSlice || (cur == s.idle && s.count != 0)
	if expired {
		s.sliceCounter = 0
	}
	s.lock.Release()

	if expired {
		s.Yield()
	}
}

// Tick is bound to the timer interrupt. It charges elapsed ticks to the
// running process, wakes expired sleepers and drives preemption.
func (s *Scheduler) Tick() {
	now := s.clock.Ticks()

	s.lock.Acquire()
	elapsed := now - s.lastTick
	s.lastTick = now
	cur := s.current
	if cur != nil && cur.State() == StateRunning {
		cur.CPUTime += elapsed
	}
	if cur != nil && cur == s.idle {
		s.idleTicks++
	}
	s.lock.Release()

	if s.expire != nil {
		s.expire(now)
	}
	s.Preempt()
}

// SetAlgorithm switches the active discipline. Queued processes are
// migrated into the new discipline's lists in their current pick order.
func (s *Scheduler) SetAlgorithm(a Algorithm) *kernel.Error {
	if int(a) >= len(algorithmNames) {
		return errInvalidAlgorithm
	}

	restore := cpu.IRQGuard(s.local)
	defer restore()
	s.lock.Acquire()
	defer s.lock.Release()

	queued := s.snapshot()
	for _, p := range queued {
		s.unlink(p)
	}
	s.algorithm = a

	// Priority lists are filled at the head, so walk backwards to keep the
	// pick order.
	if a == PriorityOrder {
		for i := len(queued) - 1; i >= 0; i-- {
			s.insert(queued[i])
		}
	} else {
		for _, p := range queued {
			s.insert(p)
		}
	}

	kfmt.Printf("[sched] classic algorithm set to %s (%d queued)\n", a, len(queued))
	return nil
}

// Algorithm returns the active discipline.
func (s *Scheduler) Algorithm() Algorithm {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.algorithm
}

// Current returns the running process.
func (s *Scheduler) Current() *Process {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.current
}

// IsCurrent implements Queue.
func (s *Scheduler) IsCurrent(p *Process) bool {
	return p != nil && s.Current() == p
}

// Len returns the number of queued processes.
func (s *Scheduler) Len() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.count
}

// Queued returns the queued processes in pick order.
func (s *Scheduler) Queued() []*Process {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.snapshot()
}

// Switches returns the number of context switches performed.
func (s *Scheduler) Switches() uint64 {
	return atomic.LoadUint64(&s.switches)
}

// IdleTicks returns the number of ticks spent in the idle process.
func (s *Scheduler) IdleTicks() uint64 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.idleTicks
}

// snapshot lists queued processes in pick order. The caller must hold
// s.lock.
func (s *Scheduler) snapshot() []*Process {
	list := make([]*Process, 0, s.count)
	if s.algorithm == PriorityOrder {
		for prio := int(PriorityRealtime); prio >= int(PriorityIdle); prio-- {
			for p := s.prio[prio]; p != nil; p = p.next {
				list = append(list, p)
			}
		}
		return list
	}

	for p := s.head; p != nil; p = p.next {
		list = append(list, p)
	}
	return list
}
