package proc

import (
	"nexusos/kernel"
	"nexusos/kernel/sync"
)

var errProcessLimit = &kernel.Error{Module: "proc", Message: "process limit exceeded"}

// Table maps PIDs to live processes. A PID is reserved before the process
// is constructed and the process only becomes visible to Lookup once it is
// inserted.
type Table struct {
	lock sync.Spinlock

	slots    [MaxProcesses]*Process
	reserved [MaxProcesses]bool
	nextPID  uint32
	active   uint32
}

// reservePID probes the slot table for the next unused PID, wrapping around
// at MaxProcesses and skipping PID 0. A full table is reported without
// mutating any state.
func (t *Table) reservePID() (uint32, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	pid := t.nextPID
	for probes := 0; probes < MaxProcesses; probes++ {
		if pid == 0 || pid >= MaxProcesses {
			pid = 1
		}

		if !t.reserved[pid] {
			t.reserved[pid] = true
			t.nextPID = pid + 1
			return pid, nil
		}
		pid++
	}

	return 0, errProcessLimit
}

// releasePID returns a reserved PID that never made it into the table.
func (t *Table) releasePID(pid uint32) {
	t.lock.Acquire()
	t.reserved[pid] = false
	t.lock.Release()
}

func (t *Table) insert(p *Process) {
	t.lock.Acquire()
	t.slots[p.PID] = p
	t.active++
	t.lock.Release()
}

// remove clears the slot of p and makes its PID eligible for reuse.
func (t *Table) remove(p *Process) {
	t.lock.Acquire()
	if t.slots[p.PID] == p {
		t.slots[p.PID] = nil
		t.reserved[p.PID] = false
		t.active--
	}
	t.lock.Release()
}

// Lookup returns the live process with the given PID or nil.
func (t *Table) Lookup(pid uint32) *Process {
	if pid >= MaxProcesses {
		return nil
	}

	t.lock.Acquire()
	defer t.lock.Release()
	return t.slots[pid]
}

// Count returns the number of live processes.
func (t *Table) Count() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return int(t.active)
}

// Snapshot returns the live processes ordered by PID.
func (t *Table) Snapshot() []*Process {
	t.lock.Acquire()
	defer t.lock.Release()

	list := make([]*Process, 0, t.active)
	for _, p := range t.slots {
		if p != nil {
			list = append(list, p)
		}
	}
	return list
}
