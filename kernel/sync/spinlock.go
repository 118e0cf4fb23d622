// Package sync provides the spinlock used to serialise access to kernel
// structures shared between cores.
package sync

import (
	"runtime"
	"sync/atomic"
)

const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked after attemptsBeforeYielding failed acquisition
	// attempts. Each simulated core runs on its own goroutine so yielding
	// to the Go scheduler lets the lock holder make progress.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each core trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the caller. Any attempt to
// re-acquire a lock already held by the same core will cause a deadlock.
func (l *Spinlock) Acquire() {
	for {
		for i := 0; i < attemptsBeforeYielding; i++ {
			if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other cores to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held by some core.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
