package kmain

import (
	"io"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/hal"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/proc"
	"nexusos/kernel/sched"
	"nexusos/kernel/smp"
	"nexusos/kernel/syscall"
	"nexusos/kernel/timer"
)

// userEntry is the entry point given to spawned processes.
const userEntry = 0x400000

var (
	errNoSuchProcess = &kernel.Error{Module: "kmain", Message: "no such process"}
	errIdleProcess   = &kernel.Error{Module: "kmain", Message: "idle processes cannot be changed"}
	errNoOnlineCore  = &kernel.Error{Module: "kmain", Message: "no online core can run the process"}
)

// Kernel is the kernel state built by Boot. Every subsystem is reached
// through it.
type Kernel struct {
	cfg      Config
	platform hal.Platform

	timer    *timer.Timer
	procs    *proc.Manager
	smp      *smp.Manager
	sched    *sched.Scheduler
	syscalls *syscall.Dispatcher

	// idle holds the idle process of each core, indexed by core id.
	idle []*proc.Process

	// multicore is set when more than one core came online. Processes
	// then go to the per-core run queues instead of the classic
	// scheduler.
	multicore bool
}

var _ syscall.Host = (*Kernel)(nil)

// Config returns the boot options.
func (k *Kernel) Config() Config { return k.cfg }

// Timer returns the tick source.
func (k *Kernel) Timer() *timer.Timer { return k.timer }

// Procs returns the process manager.
func (k *Kernel) Procs() *proc.Manager { return k.procs }

// SMP returns the core manager.
func (k *Kernel) SMP() *smp.Manager { return k.smp }

// Scheduler returns the per-core scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Syscalls returns the system-call dispatcher.
func (k *Kernel) Syscalls() *syscall.Dispatcher { return k.syscalls }

// Multicore reports whether processes are scheduled on per-core run queues.
func (k *Kernel) Multicore() bool { return k.multicore }

// Spawn creates a process and queues it. With more than one core online
// the process joins the run queue of core, or of the least loaded online
// core if core is negative. Otherwise it joins the classic scheduler.
func (k *Kernel) Spawn(name string, prio proc.Priority, core int) (*proc.Process, *kernel.Error) {
	p, err := k.procs.Create(name, userEntry, prio)
	if err != nil {
		return nil, err
	}

	if !k.multicore {
		err = k.procs.Admit(p)
	} else {
		if core < 0 {
			core = k.leastLoaded()
		}
		if core < 0 {
			err = errNoOnlineCore
		} else {
			err = k.sched.Add(p, core)
		}
	}

	if err != nil {
		kfmt.Printf("[kmain] could not queue %s: %s\n", name, err.Message)
		k.procs.Terminate(p)
		return nil, err
	}
	return p, nil
}

// leastLoaded returns the online core with the shortest run queue or -1.
func (k *Kernel) leastLoaded() int {
	best, bestLen := -1, 0
	for _, core := range k.smp.Cores() {
		if !core.Online() {
			continue
		}
		if n := k.sched.Queue(core.ID).Len(); best < 0 || n < bestLen {
			best, bestLen = core.ID, n
		}
	}
	return best
}

// Lookup returns the live process with the given PID.
func (k *Kernel) Lookup(pid uint32) (*proc.Process, *kernel.Error) {
	p := k.procs.Lookup(pid)
	if p == nil {
		return nil, errNoSuchProcess
	}
	return p, nil
}

// isIdle reports whether p is the idle process of some core.
func (k *Kernel) isIdle(p *proc.Process) bool {
	for _, idle := range k.idle {
		if p == idle {
			return true
		}
	}
	return p == k.procs.Idle()
}

// Kill terminates the process with the given PID. The reaper reclaims it
// once no core runs it any more.
func (k *Kernel) Kill(pid uint32) *kernel.Error {
	p, err := k.Lookup(pid)
	if err != nil {
		return err
	}
	if k.isIdle(p) {
		return errIdleProcess
	}

	core := k.coreRunning(p)
	if err := k.procs.Terminate(p); err != nil {
		return err
	}
	if core != nil {
		k.kick(core)
	} else if k.procs.Current() == p {
		k.procs.Scheduler().Yield()
	}
	return nil
}

// Sleep puts the process with the given PID to sleep for ms milliseconds.
func (k *Kernel) Sleep(pid uint32, ms uint64) *kernel.Error {
	p, err := k.Lookup(pid)
	if err != nil {
		return err
	}
	if k.isIdle(p) {
		return errIdleProcess
	}

	core := k.coreRunning(p)
	if err := k.procs.SleepProcess(p, ms); err != nil {
		return err
	}
	if core != nil {
		k.kick(core)
	}
	return nil
}

// Wake makes a sleeping process runnable again ahead of its deadline. It
// reports whether the process was asleep.
func (k *Kernel) Wake(pid uint32) (bool, *kernel.Error) {
	p, err := k.Lookup(pid)
	if err != nil {
		return false, err
	}
	if !k.procs.Wake(p) {
		return false, nil
	}
	return true, k.procs.Admit(p)
}

// Send delivers data from one process to another.
func (k *Kernel) Send(from, to uint32, data []byte) *kernel.Error {
	sender, err := k.Lookup(from)
	if err != nil {
		return err
	}
	return k.procs.Send(sender, to, data)
}

// Syscall issues system call num on behalf of the process with the given
// PID. The arguments are loaded into the argument registers of its saved
// context and buf stands in for the user buffer.
func (k *Kernel) Syscall(pid uint32, num syscall.Number, buf []byte, args ...uint64) (int64, *kernel.Error) {
	p, err := k.Lookup(pid)
	if err != nil {
		return 0, err
	}

	regs := p.Context
	regs.RAX = uint64(num)
	argRegs := []*uint64{&regs.RDI, &regs.RSI, &regs.RDX, &regs.R10, &regs.R8, &regs.R9}
	for i, arg := range args {
		if i < len(argRegs) {
			*argRegs[i] = arg
		}
	}

	return k.syscalls.Dispatch(&syscall.Call{Proc: p, Regs: &regs, Buf: buf}), nil
}

// Yield implements syscall.Host. A process on a per-core run queue asks its
// core to reschedule; a process under the classic scheduler yields
// directly.
func (k *Kernel) Yield(p *proc.Process) {
	if core := k.coreRunning(p); core != nil {
		k.kick(core)
		return
	}
	if k.procs.Current() == p {
		k.procs.Scheduler().Yield()
	}
}

// SetAlgorithm switches the per-core scheduler algorithm.
func (k *Kernel) SetAlgorithm(a sched.Algorithm) *kernel.Error {
	return k.sched.SetAlgorithm(a)
}

// Step advances the timer by n ticks and runs the tick handlers for each.
func (k *Kernel) Step(n int) uint64 {
	var tick uint64
	for i := 0; i < n; i++ {
		tick = k.timer.Advance()
	}
	return tick
}

// coreRunning returns the online core whose current process is p.
func (k *Kernel) coreRunning(p *proc.Process) *smp.Core {
	if !k.multicore || p == nil {
		return nil
	}
	for _, core := range k.smp.Cores() {
		if core.Online() && core.Current() == p {
			return core
		}
	}
	return nil
}

// kick asks core to pick a new process.
func (k *Kernel) kick(core *smp.Core) {
	if err := k.smp.SendIPI(core.ID, smp.VectorReschedule); err != nil {
		kfmt.Printf("[kmain] reschedule IPI to core %d failed: %s\n", core.ID, err.Message)
	}
}

// onTick is bound to the timer. The classic scheduler wakes sleepers and
// preempts on the bootstrap core, the reaper runs periodically and every
// online core has its run queue charged.
func (k *Kernel) onTick(tick uint64) {
	k.procs.Scheduler().Tick()

	if k.cfg.ReapPeriod != 0 && tick%k.cfg.ReapPeriod == 0 {
		k.procs.Reap()
	}

	for _, core := range k.smp.Cores() {
		if !core.Online() {
			continue
		}
		if !k.multicore {
			core.SetCurrent(k.procs.Current())
		}
		k.smp.UpdateStats(core)

		if k.multicore && k.sched.Tick(core.ID) {
			k.kick(core)
		}
	}
}

// dispatch switches core to the process picked by its run queue. local is
// the processor executing the core loop.
func (k *Kernel) dispatch(core *smp.Core, local cpu.Local) {
	next := k.sched.ScheduleNext(core.ID)
	prev := core.Current()
	if next == nil || next == prev {
		return
	}

	if k.isIdle(next) {
		next.SetRunning()
	} else if !next.Dispatch() {
		// Terminated or put to sleep after being picked.
		return
	}

	var from *cpu.Context
	if prev != nil {
		prev.MarkReady()
		prev.ContextSwitches++
		from = &prev.Context
	}
	next.LastScheduled = k.timer.Ticks()
	core.SetCurrent(next)
	local.SwitchContext(from, &next.Context)
}

// DumpTo writes the state of every subsystem to w.
func (k *Kernel) DumpTo(w io.Writer) {
	stats := k.procs.Stats()
	kfmt.Fprintf(w, "tick %d at %d Hz\n", k.timer.Ticks(), k.timer.Hz())
	kfmt.Fprintf(w, "processes: created %d active %d sleeping %d zombies %d switches %d idle ticks %d\n",
		stats.TotalCreated, stats.Active, stats.Sleeping, stats.Zombies, stats.ContextSwitches, stats.IdleTicks)

	sys := k.syscalls.Stats()
	kfmt.Fprintf(w, "syscalls: total %d errors %d\n", sys.Total, sys.Errors)

	k.smp.DumpTo(w)
	if k.multicore {
		k.sched.DumpTo(w)
	} else {
		kfmt.Fprintf(w, "classic scheduler: %s, %d queued\n", k.procs.Scheduler().Algorithm(), k.procs.Scheduler().Len())
	}
}

// ProcessList writes one line per live process to w.
func (k *Kernel) ProcessList(w io.Writer) {
	kfmt.Fprintf(w, "%5s %5s %10s %8s %8s  %s\n", "PID", "PPID", "STATE", "PRIO", "CPU", "NAME")
	for _, p := range k.procs.Table().Snapshot() {
		kfmt.Fprintf(w, "%5d %5d %10s %8s %8d  %s\n", p.PID, p.PPID, p.State(), p.Priority, p.CPUTime, p.Name)
	}
}
