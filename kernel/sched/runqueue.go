package sched

import (
	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/proc"
	"nexusos/kernel/sync"
)

// RunQueue holds the READY processes of one core in priority buckets.
// Buckets are singly linked through proc.RunLink and new entries are pushed
// at the front.
type RunQueue struct {
	lock  sync.Spinlock
	sched *Scheduler
	core  int

	active [numBuckets]*proc.Process
	// expired mirrors active and is reserved for aging. No pick function
	// reads it.
	expired [numBuckets]*proc.Process
	bitmap  uint32
	count   int
	weight  uint64

	current *proc.Process
	idle    *proc.Process

	clock     uint64
	lastTick  uint64
	timeSlice uint64
	sliceUsed uint64

	switches    uint64
	preemptions uint64
	idleTime    uint64
}

var _ proc.Queue = (*RunQueue)(nil)

// QueueStats is a snapshot of a run queue.
type QueueStats struct {
	Core        int
	Queued      int
	Expired     int
	Weight      uint64
	Switches    uint64
	Preemptions uint64
	IdleTime    uint64
	Current     string
}

// Core returns the id of the core that owns the queue.
func (rq *RunQueue) Core() int {
	return rq.core
}

// Enqueue implements proc.Queue.
func (rq *RunQueue) Enqueue(p *proc.Process) *kernel.Error {
	return rq.sched.Add(p, rq.core)
}

func (rq *RunQueue) add(p *proc.Process) *kernel.Error {
	restore := cpu.IRQGuard(rq.sched.irq)
	defer restore()
	rq.lock.Acquire()
	defer rq.lock.Release()

	if p.RunLink.Queued {
		return errAlreadyQueued
	}

	st := initStats(p, rq.clock)
	b := bucketOf(p.Priority)
	p.RunLink = proc.RunLink{Next: rq.active[b], Core: rq.core, Bucket: b, Queued: true}
	rq.active[b] = p
	rq.bitmap |= 1 << uint(b)
	rq.count++
	rq.weight += NiceToWeight(st.Nice)
	p.SetHome(rq)
	return nil
}

// Remove implements proc.Queue.
func (rq *RunQueue) Remove(p *proc.Process) bool {
	if p == nil {
		return false
	}

	restore := cpu.IRQGuard(rq.sched.irq)
	defer restore()
	rq.lock.Acquire()
	defer rq.lock.Release()

	return rq.unlink(p)
}

// unlink detaches p from its bucket. The caller must hold rq.lock.
func (rq *RunQueue) unlink(p *proc.Process) bool {
	if !p.RunLink.Queued || p.RunLink.Core != rq.core {
		return false
	}

	b := p.RunLink.Bucket
	var prev *proc.Process
	cur := rq.active[b]
	for cur != nil && cur != p {
		prev, cur = cur, cur.RunLink.Next
	}
	if cur == nil {
		return false
	}

	if prev != nil {
		prev.RunLink.Next = p.RunLink.Next
	} else {
		rq.active[b] = p.RunLink.Next
	}
	if rq.active[b] == nil {
		rq.bitmap &^= 1 << uint(b)
	}

	p.RunLink.Next = nil
	p.RunLink.Queued = false
	rq.count--
	rq.weight -= NiceToWeight(p.Stats.Nice)
	return true
}

// IsCurrent implements proc.Queue.
func (rq *RunQueue) IsCurrent(p *proc.Process) bool {
	rq.lock.Acquire()
	defer rq.lock.Release()
	return p != nil && rq.current == p
}

// Current returns the process last selected by ScheduleNext.
func (rq *RunQueue) Current() *proc.Process {
	rq.lock.Acquire()
	defer rq.lock.Release()
	return rq.current
}

// Idle returns the idle process of the core.
func (rq *RunQueue) Idle() *proc.Process {
	rq.lock.Acquire()
	defer rq.lock.Release()
	return rq.idle
}

// Len returns the number of queued processes.
func (rq *RunQueue) Len() int {
	rq.lock.Acquire()
	defer rq.lock.Release()
	return rq.count
}

// Queued returns the queued processes in scan order.
func (rq *RunQueue) Queued() []*proc.Process {
	rq.lock.Acquire()
	defer rq.lock.Release()

	list := make([]*proc.Process, 0, rq.count)
	rq.each(func(p *proc.Process) {
		list = append(list, p)
	})
	return list
}

// Stats returns a snapshot of the queue counters.
func (rq *RunQueue) Stats() QueueStats {
	rq.lock.Acquire()
	defer rq.lock.Release()

	st := QueueStats{
		Core:        rq.core,
		Queued:      rq.count,
		Weight:      rq.weight,
		Switches:    rq.switches,
		Preemptions: rq.preemptions,
		IdleTime:    rq.idleTime,
		Current:     "none",
	}
	for b := 0; b < numBuckets; b++ {
		for p := rq.expired[b]; p != nil; p = p.RunLink.Next {
			st.Expired++
		}
	}
	if rq.current != nil {
		st.Current = rq.current.Name
	}
	return st
}

// each calls fn for every queued process, most important bucket first.
// The caller must hold rq.lock.
func (rq *RunQueue) each(fn func(p *proc.Process)) {
	for b := 0; b < numBuckets; b++ {
		for p := rq.active[b]; p != nil; p = p.RunLink.Next {
			fn(p)
		}
	}
}

func (rq *RunQueue) scheduleNext(a Algorithm, now uint64) *proc.Process {
	restore := cpu.IRQGuard(rq.sched.irq)
	defer restore()
	rq.lock.Acquire()
	defer rq.lock.Release()

	rq.clock = now
	next := pickers[a](rq, now)
	if next == nil {
		next = rq.idle
	} else {
		next.Stats.ContextSwitches++
		next.Stats.LastRun = now
	}

	if next != rq.current {
		rq.switches++
		rq.sliceUsed = 0
	}
	rq.current = next
	return next
}

// tick charges the elapsed scheduler time to the current process and to
// the wait time of every other queued process. It reports true once the
// current slice is used up, or while the idle process runs with work
// queued.
func (rq *RunQueue) tick(now uint64) bool {
	restore := cpu.IRQGuard(rq.sched.irq)
	defer restore()
	rq.lock.Acquire()
	defer rq.lock.Release()

	var elapsed uint64
	if now > rq.lastTick {
		elapsed = now - rq.lastTick
	}
	rq.lastTick = now
	rq.clock = now

	cur := rq.current
	if cur == nil || cur == rq.idle {
		rq.idleTime += elapsed
		return rq.count != 0
	}

	chargeRuntime(initStats(cur, now), elapsed)
	rq.each(func(p *proc.Process) {
		if p != cur {
			p.Stats.WaitTime += elapsed
		}
	})

	rq.sliceUsed += elapsed
	if rq.sliceUsed < rq.timeSlice {
		return false
	}

	rq.sliceUsed = 0
	rq.preemptions++
	cur.Stats.Preemptions++
	return true
}
