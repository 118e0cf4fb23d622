package proc

import (
	"sync/atomic"

	"nexusos/kernel"
	"nexusos/kernel/cpu"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/mm"
)

var errUnknownThread = &kernel.Error{Module: "proc", Message: "thread does not belong to its owner"}

// Thread is a secondary execution context inside a process. It borrows the
// owner's address space and is tracked, not scheduled, by the kernel.
type Thread struct {
	TID          uint32
	Owner        *Process
	State        State
	Context      cpu.Context
	Stack        mm.Region
	AddressSpace mm.AddressSpace
}

// CreateThread allocates a thread stack inside p's address space and links
// the new thread to p.
func (m *Manager) CreateThread(p *Process, entry uintptr) (*Thread, *kernel.Error) {
	if p == nil {
		return nil, errNilProcess
	}
	if entry == 0 {
		return nil, errInvalidEntry
	}

	stack, err := m.mem.AllocRegion(p.AddressSpace, mm.ThreadStackSize, mm.FlagPresent|mm.FlagRW)
	if err != nil {
		kfmt.Printf("[proc] pid %d: thread stack allocation failed: %s\n", p.PID, err.Message)
		return nil, err
	}

	t := &Thread{
		TID:          atomic.AddUint32(&m.nextTID, 1),
		Owner:        p,
		State:        StateReady,
		Stack:        stack,
		AddressSpace: p.AddressSpace,
		Context:      cpu.NewContext(entry, stack.Top(), uintptr(p.AddressSpace)),
	}

	m.table.lock.Acquire()
	p.Threads = append(p.Threads, t)
	m.table.lock.Release()

	kfmt.Printf("[proc] pid %d: created thread %d\n", p.PID, t.TID)
	return t, nil
}

// DestroyThread unlinks t from its owner and releases its stack.
func (m *Manager) DestroyThread(t *Thread) *kernel.Error {
	if t == nil || t.Owner == nil {
		return errUnknownThread
	}

	owner := t.Owner
	found := false

	m.table.lock.Acquire()
	for i, other := range owner.Threads {
		if other == t {
			owner.Threads = append(owner.Threads[:i], owner.Threads[i+1:]...)
			found = true
			break
		}
	}
	m.table.lock.Release()

	if !found {
		return errUnknownThread
	}

	m.releaseThreadStack(t)
	return nil
}

// ThreadYield yields the processor on behalf of the running thread.
func (m *Manager) ThreadYield() {
	m.sched.Yield()
}

func (m *Manager) releaseThreadStack(t *Thread) {
	if err := m.mem.FreeRegion(t.AddressSpace, t.Stack); err != nil {
		kfmt.Printf("[proc] thread %d: stack release failed: %s\n", t.TID, err.Message)
	}
	t.State = StateTerminated
	t.Owner = nil
}
