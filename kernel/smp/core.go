package smp

import (
	"sync/atomic"

	"nexusos/kernel/proc"
)

// Status describes the bring-up state of a core.
type Status uint32

const (
	StatusOffline Status = iota
	StatusInitializing
	StatusOnline
	StatusError
	StatusNeuralSync
)

var statusNames = [...]string{"OFFLINE", "INITIALIZING", "ONLINE", "ERROR", "NEURAL_SYNC"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

var designations = [...]string{
	"Neural Core Alpha",
	"Neural Core Beta",
	"Neural Core Gamma",
	"Neural Core Delta",
	"Neural Core Epsilon",
	"Neural Core Zeta",
	"Neural Core Eta",
	"Neural Core Theta",
	"Neural Core Iota",
	"Neural Core Kappa",
	"Neural Core Lambda",
	"Neural Core Mu",
	"Neural Core Nu",
	"Neural Core Xi",
	"Neural Core Omicron",
	"Neural Core Pi",
}

// Designation returns the display name of the core with the given logical
// id.
func Designation(id int) string {
	if id >= 0 && id < len(designations) {
		return designations[id]
	}
	return "Neural Core Unknown"
}

// Core describes one logical processor. Current and Idle are weak
// references; the process table owns the processes.
type Core struct {
	APICID      uint32
	ID          int
	Frequency   uint64
	Designation string

	status     uint32
	cycles     uint64
	load       uint64
	interrupts uint64

	current atomic.Pointer[proc.Process]
	idle    atomic.Pointer[proc.Process]
}

// Status returns the bring-up state of the core.
func (c *Core) Status() Status {
	return Status(atomic.LoadUint32(&c.status))
}

func (c *Core) setStatus(s Status) {
	atomic.StoreUint32(&c.status, uint32(s))
}

// Online reports whether the core finished bring-up.
func (c *Core) Online() bool {
	return c.Status() == StatusOnline
}

// Cycles returns the number of statistics updates recorded for the core.
func (c *Core) Cycles() uint64 {
	return atomic.LoadUint64(&c.cycles)
}

// Load returns the load-average counter.
func (c *Core) Load() uint64 {
	return atomic.LoadUint64(&c.load)
}

// InterruptsHandled returns the number of IPIs acknowledged by the core.
func (c *Core) InterruptsHandled() uint64 {
	return atomic.LoadUint64(&c.interrupts)
}

// Current returns the process running on the core.
func (c *Core) Current() *proc.Process {
	return c.current.Load()
}

// SetCurrent records the process running on the core.
func (c *Core) SetCurrent(p *proc.Process) {
	c.current.Store(p)
}

// Idle returns the idle process of the core.
func (c *Core) Idle() *proc.Process {
	return c.idle.Load()
}

// SetIdle records the idle process of the core.
func (c *Core) SetIdle(p *proc.Process) {
	c.idle.Store(p)
}
