// Package kmain boots the kernel on a hal.Platform and owns the kernel
// state: the process manager, the SMP manager, the per-core scheduler and
// the system-call dispatcher.
package kmain

import (
	"context"
	"strconv"

	"nexusos/kernel"
	"nexusos/kernel/hal"
	"nexusos/kernel/hal/multiboot"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/proc"
	"nexusos/kernel/sched"
	"nexusos/kernel/smp"
	"nexusos/kernel/syscall"
	"nexusos/kernel/timer"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain boots the kernel on p and runs it until ctx is cancelled. Boot
// failures and core loop failures are unrecoverable and end in
// kernel.Panic.
func Kmain(ctx context.Context, p hal.Platform) {
	k, err := Boot(p)
	if err != nil {
		kernel.Panic(err)
		return
	}

	if err := k.Run(ctx); err != nil {
		kernel.Panic(err)
		return
	}

	if ctx.Err() == nil {
		kernel.Panic(errKmainReturned)
	}
	kfmt.Printf("[kmain] shutdown complete\n")
}

// Boot brings up every subsystem in dependency order: platform drivers,
// boot command line, timer, process manager, SMP cores, per-core run queues
// and the system-call table.
func Boot(p hal.Platform) (*Kernel, *kernel.Error) {
	hal.DetectHardware(p)

	if err := multiboot.SetInfo(p.BootInfo()); err != nil {
		kfmt.Printf("[kmain] boot information rejected: %s\n", err.Message)
		return nil, err
	}
	cfg := ParseConfig(multiboot.GetBootCmdLine())
	kfmt.Printf("[kmain] booted by %s, %d KiB available, command line '%s'\n",
		multiboot.GetBootLoaderName(), multiboot.AvailableMemory()>>10, multiboot.GetBootCmdLineString())

	k := &Kernel{cfg: cfg, platform: p}

	var err *kernel.Error
	if k.timer, err = timer.New(cfg.Hz); err != nil {
		return nil, err
	}

	k.procs, err = proc.NewManager(p.Memory(), k.timer, p.BSP(), proc.Config{
		MailboxDepth:   cfg.MailboxDepth,
		MaxMessageSize: cfg.MaxMessageSize,
	})
	if err != nil {
		return nil, err
	}
	if err = k.procs.Scheduler().SetAlgorithm(cfg.Classic); err != nil {
		return nil, err
	}

	k.smp = smp.NewManager(p.BSP(), p.Memory(), smp.Config{Cores: cfg.Cores})
	if err = k.smp.Init(); err != nil {
		// The bootstrap core stays online; the classic scheduler runs on it.
		kfmt.Printf("[kmain] continuing on the bootstrap core only\n")
	}

	k.sched, err = sched.New(k.timer, p, sched.Config{
		Cores:     k.smp.Count(),
		Algorithm: cfg.Algorithm,
		TimeSlice: cfg.TimeSlice,
	})
	if err != nil {
		return nil, err
	}
	if err = k.installIdle(); err != nil {
		return nil, err
	}

	k.multicore = k.smp.ActiveCount() > 1
	k.syscalls = syscall.NewDispatcher(k.procs, k)
	k.timer.OnTick(k.onTick)

	if k.multicore {
		kfmt.Printf("[kmain] %d cores online, scheduling with %s\n", k.smp.ActiveCount(), k.sched.Algorithm())
	} else {
		kfmt.Printf("[kmain] single core, scheduling with classic %s\n", k.procs.Scheduler().Algorithm())
	}
	return k, nil
}

// installIdle registers every run queue with the process manager and gives
// each core an idle process. Core 0 shares the idle process of the classic
// scheduler.
func (k *Kernel) installIdle() *kernel.Error {
	for _, core := range k.smp.Cores() {
		rq := k.sched.Queue(core.ID)
		k.procs.RegisterQueue(rq)

		idle := k.procs.Idle()
		if core.ID != 0 {
			var err *kernel.Error
			if idle, err = k.procs.Create(idleName(core.ID), proc.DefaultIdleEntry, proc.PriorityIdle); err != nil {
				return err
			}
		}

		if err := k.sched.SetIdle(core.ID, idle); err != nil {
			return err
		}
		core.SetIdle(idle)
		k.idle = append(k.idle, idle)
	}
	return nil
}

func idleName(core int) string {
	return "idle/" + strconv.Itoa(core)
}
