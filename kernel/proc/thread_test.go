package proc

import (
	"testing"

	"nexusos/kernel/cpu"
	"nexusos/kernel/mm"
)

func TestThreadLifecycle(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	p := tk.spawn(t, "host", PriorityNormal)
	free := tk.mem.FreeFrames()

	t1, err := tk.mgr.CreateThread(p, 0x500000)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := tk.mgr.CreateThread(p, 0x600000)
	if err != nil {
		t.Fatal(err)
	}

	if t1.TID == t2.TID {
		t.Fatal("expected unique thread ids")
	}
	if t1.AddressSpace != p.AddressSpace || t1.Stack.Size != mm.ThreadStackSize {
		t.Fatal("expected the thread to share the address space with its own stack")
	}
	if t1.Context.RIP != 0x500000 || t1.Context.RSP != uint64(t1.Stack.Top()-cpu.StackAlignMargin) {
		t.Fatal("unexpected initial thread context")
	}
	if len(p.Threads) != 2 || len(p.Children) != 0 {
		t.Fatal("expected threads to be tracked separately from child processes")
	}

	if err := tk.mgr.DestroyThread(t1); err != nil {
		t.Fatal(err)
	}
	if len(p.Threads) != 1 || p.Threads[0] != t2 || t1.State != StateTerminated {
		t.Fatal("expected the destroyed thread to be unlinked")
	}
	if err := tk.mgr.DestroyThread(t1); err != errUnknownThread {
		t.Fatalf("expected errUnknownThread; got %v", err)
	}

	// Destroying the process reclaims the remaining thread stacks.
	if err := tk.mgr.Destroy(p); err != nil {
		t.Fatal(err)
	}
	if t2.State != StateTerminated {
		t.Fatal("expected remaining threads to be torn down with the process")
	}
	if tk.mem.FreeFrames() <= free {
		t.Fatal("expected the process memory to be released")
	}
}

func TestCreateThreadErrors(t *testing.T) {
	tk := newTestKernel(t, DefaultConfig())
	p := tk.spawn(t, "host", PriorityNormal)

	if _, err := tk.mgr.CreateThread(nil, 0x1000); err != errNilProcess {
		t.Errorf("expected errNilProcess; got %v", err)
	}
	if _, err := tk.mgr.CreateThread(p, 0); err != errInvalidEntry {
		t.Errorf("expected errInvalidEntry; got %v", err)
	}

	tk.mem.allocCalls = 0
	tk.mem.failAllocAt = 1
	if _, err := tk.mgr.CreateThread(p, 0x1000); err != errInjected {
		t.Errorf("expected errInjected; got %v", err)
	}
	if len(p.Threads) != 0 {
		t.Error("expected a failed thread to stay unlinked")
	}
}
