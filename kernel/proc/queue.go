package proc

import "nexusos/kernel"

// Queue is implemented by the schedulers that hold runnable processes. The
// process manager uses it to re-admit woken processes and to detach
// processes that terminate.
type Queue interface {
	// Enqueue admits a READY process.
	Enqueue(p *Process) *kernel.Error

	// Remove detaches p and reports whether it was queued.
	Remove(p *Process) bool

	// IsCurrent reports whether p is the process currently selected to
	// run by this queue.
	IsCurrent(p *Process) bool
}
