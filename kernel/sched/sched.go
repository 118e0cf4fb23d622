// Package sched implements the per-core run queues used once SMP is up.
// Every core owns a RunQueue; a single global algorithm decides how each
// queue picks its next process. Work is never balanced across cores.
package sched

import (
	"io"
	"sync/atomic"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/proc"
)

const (
	// MaxCores is the number of run queues the scheduler can manage.
	MaxCores = 64

	// Frequency is the rate of the scheduler clock in Hz. One scheduler
	// clock unit is one millisecond.
	Frequency = 1000

	// DefaultTimeSlice is the number of scheduler clock units a process
	// may run before Tick requests a reschedule.
	DefaultTimeSlice = 10

	numBuckets = 6
)

// Algorithm selects how run queues pick the next process.
type Algorithm uint32

const (
	// RoundRobin returns the head of the most important non-empty
	// bucket. It behaves as strict priority.
	RoundRobin Algorithm = iota

	// CFS picks the process with the smallest virtual runtime.
	CFS

	// Realtime picks the earliest deadline among the two most important
	// buckets.
	Realtime

	// Neural picks the highest score computed from wait time, class
	// weight and consumed runtime.
	Neural

	// Cyberpunk favours processes with recognised names inside the most
	// important non-empty bucket.
	Cyberpunk
)

// DefaultAlgorithm is the algorithm selected at boot.
const DefaultAlgorithm = Neural

var algorithmNames = [...]string{
	"Neural Round Robin",
	"Cyberpunk Fair Scheduler",
	"Neural Real-Time",
	"Neural Adaptive",
	"Cyberpunk Priority",
}

var algorithmKeys = [...]string{"rr", "cfs", "edf", "neural", "cyberpunk"}

func (a Algorithm) String() string {
	if int(a) < len(algorithmNames) {
		return algorithmNames[a]
	}
	return "Unknown Algorithm"
}

// ParseAlgorithm accepts a short key (rr, cfs, edf, neural, cyberpunk) or
// a full algorithm name.
func ParseAlgorithm(name string) (Algorithm, bool) {
	for i := range algorithmKeys {
		if algorithmKeys[i] == name || algorithmNames[i] == name {
			return Algorithm(i), true
		}
	}
	return 0, false
}

var (
	errInvalidCore      = &kernel.Error{Module: "sched", Message: "core id out of range"}
	errNilProcess       = &kernel.Error{Module: "sched", Message: "nil process"}
	errNotReady         = &kernel.Error{Module: "sched", Message: "only READY processes can be queued"}
	errAlreadyQueued    = &kernel.Error{Module: "sched", Message: "process is already on a run queue"}
	errInvalidAlgorithm = &kernel.Error{Module: "sched", Message: "unknown scheduling algorithm"}
	errAffinity         = &kernel.Error{Module: "sched", Message: "process affinity excludes the core"}
)

// Clock is the time source of the scheduler clock.
type Clock interface {
	Ticks() uint64
	TicksToMillis(ticks uint64) uint64
}

// Config tunes the scheduler.
type Config struct {
	// Cores is the number of run queues.
	Cores int

	// Algorithm is the initial algorithm.
	Algorithm Algorithm

	// TimeSlice is the slice length in scheduler clock units.
	TimeSlice uint64
}

// Scheduler owns one run queue per core.
type Scheduler struct {
	clock     Clock
	irq       cpu.Interrupts
	algorithm uint32
	queues    []*RunQueue
}

// New returns a scheduler with cfg.Cores empty run queues. irq masks
// interrupts on whichever core performs a queue mutation.
func New(clock Clock, irq cpu.Interrupts, cfg Config) (*Scheduler, *kernel.Error) {
	if cfg.Cores <= 0 || cfg.Cores > MaxCores {
		return nil, errInvalidCore
	}
	if int(cfg.Algorithm) >= len(algorithmNames) {
		return nil, errInvalidAlgorithm
	}
	if cfg.TimeSlice == 0 {
		cfg.TimeSlice = DefaultTimeSlice
	}

	s := &Scheduler{
		clock:     clock,
		irq:       irq,
		algorithm: uint32(cfg.Algorithm),
	}

	now := s.now()
	s.queues = make([]*RunQueue, cfg.Cores)
	for i := range s.queues {
		s.queues[i] = &RunQueue{
			sched:     s,
			core:      i,
			clock:     now,
			lastTick:  now,
			timeSlice: cfg.TimeSlice,
		}
	}

	kfmt.Printf("[sched] %d run queues, algorithm %s, clock %d Hz\n", cfg.Cores, cfg.Algorithm, Frequency)
	return s, nil
}

// now returns the scheduler clock in milliseconds.
func (s *Scheduler) now() uint64 {
	return s.clock.TicksToMillis(s.clock.Ticks())
}

// Queue returns the run queue of core or nil if core is out of range.
func (s *Scheduler) Queue(core int) *RunQueue {
	if core < 0 || core >= len(s.queues) {
		return nil
	}
	return s.queues[core]
}

// Queues returns every run queue.
func (s *Scheduler) Queues() []*RunQueue {
	return s.queues
}

// Algorithm returns the active algorithm.
func (s *Scheduler) Algorithm() Algorithm {
	return Algorithm(atomic.LoadUint32(&s.algorithm))
}

// SetAlgorithm switches the algorithm used by every run queue. Queued
// processes stay in their buckets; only future picks change.
func (s *Scheduler) SetAlgorithm(a Algorithm) *kernel.Error {
	if int(a) >= len(algorithmNames) {
		return errInvalidAlgorithm
	}

	atomic.StoreUint32(&s.algorithm, uint32(a))
	kfmt.Printf("[sched] algorithm changed to %s\n", a)
	return nil
}

// Add queues a READY process on core. A process still held by a different
// queue is detached from it first.
func (s *Scheduler) Add(p *proc.Process, core int) *kernel.Error {
	rq := s.Queue(core)
	if rq == nil {
		return errInvalidCore
	}
	if p == nil {
		return errNilProcess
	}
	if p.State() != proc.StateReady {
		return errNotReady
	}
	if p.Stats != nil && p.Stats.Affinity&(1<<uint(core)) == 0 {
		return errAffinity
	}

	// The previous owner's lock must not be taken while holding rq.lock.
	if home := p.Home(); home != nil && home != proc.Queue(rq) {
		home.Remove(p)
	}

	return rq.add(p)
}

// Remove detaches p from the run queue of core and reports whether it was
// queued there.
func (s *Scheduler) Remove(p *proc.Process, core int) bool {
	rq := s.Queue(core)
	if rq == nil || p == nil {
		return false
	}
	return rq.Remove(p)
}

// ScheduleNext selects the process core should run next. The selection
// stays queued. If nothing is runnable the core's idle process is returned,
// which may be nil if none was set.
func (s *Scheduler) ScheduleNext(core int) *proc.Process {
	rq := s.Queue(core)
	if rq == nil {
		return nil
	}
	return rq.scheduleNext(s.Algorithm(), s.now())
}

// Tick charges the time elapsed since the previous tick on core to its
// current process and reports whether the core should reschedule.
func (s *Scheduler) Tick(core int) bool {
	rq := s.Queue(core)
	if rq == nil {
		return false
	}
	return rq.tick(s.now())
}

// SetIdle installs the idle process of core.
func (s *Scheduler) SetIdle(core int, idle *proc.Process) *kernel.Error {
	rq := s.Queue(core)
	if rq == nil {
		return errInvalidCore
	}
	if idle == nil {
		return errNilProcess
	}

	rq.lock.Acquire()
	initStats(idle, rq.clock)
	rq.idle = idle
	if rq.current == nil {
		rq.current = idle
	}
	rq.lock.Release()
	return nil
}

// withStats runs fn on the statistics block of p while holding the lock of
// the run queue that owns p, if any.
func (s *Scheduler) withStats(p *proc.Process, fn func(st *proc.SchedStats)) *kernel.Error {
	if p == nil {
		return errNilProcess
	}

	if rq, ok := p.Home().(*RunQueue); ok && rq.sched == s {
		restore := cpu.IRQGuard(s.irq)
		defer restore()
		rq.lock.Acquire()
		defer rq.lock.Release()
	}

	fn(initStats(p, s.now()))
	return nil
}

// UpdateRuntime charges runtime scheduler clock units to p and advances its
// virtual runtime by runtime scaled with its weight.
func (s *Scheduler) UpdateRuntime(p *proc.Process, runtime uint64) *kernel.Error {
	return s.withStats(p, func(st *proc.SchedStats) {
		chargeRuntime(st, runtime)
	})
}

// SetDeadline sets the absolute deadline used by the real-time algorithm.
// Zero clears it.
func (s *Scheduler) SetDeadline(p *proc.Process, deadline uint64) *kernel.Error {
	return s.withStats(p, func(st *proc.SchedStats) {
		st.Deadline = deadline
	})
}

// SetNeuralClass sets the class weight used by the neural algorithm.
func (s *Scheduler) SetNeuralClass(p *proc.Process, class proc.NeuralClass) *kernel.Error {
	return s.withStats(p, func(st *proc.SchedStats) {
		st.NeuralClass = class
	})
}

// SetNice overrides the nice value derived from the process priority.
func (s *Scheduler) SetNice(p *proc.Process, nice int8) *kernel.Error {
	return s.withStats(p, func(st *proc.SchedStats) {
		st.Nice = nice
	})
}

// SetAffinity restricts the cores Add accepts p on. It does not move a
// process that is already queued.
func (s *Scheduler) SetAffinity(p *proc.Process, mask uint64) *kernel.Error {
	return s.withStats(p, func(st *proc.SchedStats) {
		st.Affinity = mask
	})
}

// initStats allocates the statistics block of p on first use and seeds it
// from the process priority.
func initStats(p *proc.Process, now uint64) *proc.SchedStats {
	if p.Stats != nil {
		return p.Stats
	}

	st := p.EnsureStats()
	st.Nice = PriorityToNice(p.Priority)
	st.LastRun = now
	return st
}

func chargeRuntime(st *proc.SchedStats, runtime uint64) {
	st.Runtime += runtime
	st.VRuntime += runtime * nice0Weight / NiceToWeight(st.Nice)
}

// DumpTo writes the state of every run queue to w.
func (s *Scheduler) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "algorithm %s, clock %d Hz\n", s.Algorithm(), Frequency)

	pw := &kfmt.PrefixWriter{Sink: w, Prefix: "  "}
	for _, rq := range s.queues {
		st := rq.Stats()
		kfmt.Fprintf(pw, "cpu %d: processes %d weight %d switches %d preemptions %d idle %d current %s\n",
			rq.core, st.Queued, st.Weight, st.Switches, st.Preemptions, st.IdleTime, st.Current)
	}
}
