// Package timer provides the monotonic tick source that drives preemption
// and sleep expiry.
package timer

import (
	"math"
	"sync/atomic"

	"nexusos/kernel"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/sync"
)

// DefaultHz is the tick frequency used when none is configured.
const DefaultHz = 100

var errInvalidFrequency = &kernel.Error{Module: "timer", Message: "tick frequency must be between 1 and 10000 Hz"}

// Handler is invoked once per tick with the new tick count.
type Handler func(tick uint64)

// Timer is a monotonic tick counter. Advance is called from the timer
// interrupt; everything else may be called from any core.
type Timer struct {
	hz    uint32
	ticks uint64

	lock     sync.Spinlock
	handlers []Handler
}

// New returns a timer ticking at hz.
func New(hz uint32) (*Timer, *kernel.Error) {
	if hz == 0 || hz > 10000 {
		return nil, errInvalidFrequency
	}

	kfmt.Printf("[timer] tick frequency %d Hz\n", hz)
	return &Timer{hz: hz}, nil
}

// Hz returns the tick frequency.
func (t *Timer) Hz() uint32 {
	return t.hz
}

// Ticks returns the number of ticks since boot.
func (t *Timer) Ticks() uint64 {
	return atomic.LoadUint64(&t.ticks)
}

// OnTick registers h to run on every tick. Handlers run in registration
// order.
func (t *Timer) OnTick(h Handler) {
	t.lock.Acquire()
	t.handlers = append(t.handlers, h)
	t.lock.Release()
}

// Advance records one timer interrupt and runs the registered handlers. It
// returns the new tick count.
func (t *Timer) Advance() uint64 {
	tick := atomic.AddUint64(&t.ticks, 1)

	t.lock.Acquire()
	handlers := t.handlers
	t.lock.Release()

	for _, h := range handlers {
		h(tick)
	}
	return tick
}

// MillisToTicks converts a duration in milliseconds to ticks, rounding
// down. A non-zero duration always maps to at least one tick and the
// result saturates at math.MaxUint64.
func (t *Timer) MillisToTicks(ms uint64) uint64 {
	ticks := scale(ms, uint64(t.hz), 1000)
	if ticks == 0 && ms != 0 {
		ticks = 1
	}
	return ticks
}

// TicksToMillis converts a tick count to milliseconds, saturating at
// math.MaxUint64.
func (t *Timer) TicksToMillis(ticks uint64) uint64 {
	return scale(ticks, 1000, uint64(t.hz))
}

// scale returns v*mul/div without overflowing the intermediate product.
func scale(v, mul, div uint64) uint64 {
	whole, rem := v/div, v%div
	if whole > math.MaxUint64/mul {
		return math.MaxUint64
	}
	res := whole * mul
	frac := rem * mul / div
	if res > math.MaxUint64-frac {
		return math.MaxUint64
	}
	return res + frac
}
