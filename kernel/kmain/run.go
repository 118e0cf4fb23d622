package kmain

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"nexusos/kernel/kfmt"
	"nexusos/kernel/smp"
)

// Run drives the kernel until ctx is cancelled: one goroutine generates
// timer interrupts and, on a multicore boot, each online core runs its own
// scheduling loop. The first loop to fail stops the others.
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return k.pumpTimer(ctx)
	})

	if k.multicore {
		for _, core := range k.smp.Cores() {
			if !core.Online() {
				continue
			}
			core := core
			g.Go(func() error {
				return k.runCore(ctx, core)
			})
		}
	}

	return g.Wait()
}

// pumpTimer raises the timer interrupt at the configured frequency.
func (k *Kernel) pumpTimer(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(k.timer.Hz()))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.timer.Advance()
		}
	}
}

// runCore is the scheduling loop of one core. It binds the calling thread
// to the core and serves IPIs until ctx is cancelled or a halt IPI parks
// the core.
func (k *Kernel) runCore(ctx context.Context, core *smp.Core) error {
	release, err := k.platform.BindCore(core.APICID)
	if err != nil {
		return err
	}
	defer release()

	local := k.platform.Local()
	ipis := k.platform.IPIs(core.APICID)
	kfmt.Printf("[kmain] %s entering scheduling loop\n", core.Designation)

	k.dispatch(core, local)
	for {
		select {
		case <-ctx.Done():
			return nil
		case vector := <-ipis:
			k.smp.AckIPI(core)

			switch vector {
			case smp.VectorReschedule:
				k.dispatch(core, local)
			case smp.VectorTLBFlush:
				// Address spaces are never shared between cores.
			case smp.VectorHalt:
				kfmt.Printf("[kmain] %s halted\n", core.Designation)
				local.Halt()
				return nil
			}
		}
	}
}

// Shutdown parks every core with a halt IPI.
func (k *Kernel) Shutdown() {
	if err := k.smp.Broadcast(smp.VectorHalt); err != nil {
		kfmt.Printf("[kmain] halt broadcast failed: %s\n", err.Message)
	}
}
