package vmm

import (
	"testing"

	"nexusos/kernel"
	"nexusos/kernel/mm"
)

type fakeWindow map[uintptr]uint32

func (w fakeWindow) Read32(off uintptr) uint32       { return w[off] }
func (w fakeWindow) Write32(off uintptr, val uint32) { w[off] = val }

func TestAddressSpaceLifecycle(t *testing.T) {
	m := NewManager(1 << 20)
	initialFree := m.FreeFrames()

	as, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	if !as.Valid() {
		t.Fatal("expected a valid address space")
	}

	stack, err := m.AllocRegion(as, mm.ProcessStackSize, mm.FlagPresent|mm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	if stack.Size != mm.ProcessStackSize || stack.Top() != regionTop {
		t.Fatalf("unexpected stack region %+v", stack)
	}

	heap, err := m.AllocRegion(as, 100, mm.FlagPresent|mm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	if heap.Size != mm.PageSize || heap.Top() != stack.Base {
		t.Fatalf("expected heap to be reserved right below the stack; got %+v", heap)
	}

	if exp := initialFree - 1 - 2 - 1; m.FreeFrames() != exp {
		t.Fatalf("expected %d free frames; got %d", exp, m.FreeFrames())
	}

	if err := m.FreeRegion(as, heap); err != nil {
		t.Fatal(err)
	}
	if err := m.FreeRegion(as, heap); err != errUnknownRegion {
		t.Fatalf("expected errUnknownRegion; got %v", err)
	}

	if err := m.DestroyAddressSpace(as); err != nil {
		t.Fatal(err)
	}
	if m.FreeFrames() != initialFree || m.AddressSpaces() != 0 {
		t.Fatalf("expected all frames to be released; free=%d spaces=%d", m.FreeFrames(), m.AddressSpaces())
	}
	if err := m.DestroyAddressSpace(as); err != errUnknownAddressSpace {
		t.Fatalf("expected errUnknownAddressSpace; got %v", err)
	}
}

func TestAllocRegionErrors(t *testing.T) {
	m := NewManager(8 * mm.PageSize)
	as, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	free := m.FreeFrames()

	specs := []struct {
		as     mm.AddressSpace
		size   uintptr
		expErr *kernel.Error
	}{
		{as, 0, errZeroSize},
		{mm.AddressSpace(0xdead000), mm.PageSize, errUnknownAddressSpace},
		{as, 16 * mm.PageSize, errOutOfMemory},
	}

	for specIndex, spec := range specs {
		if _, err := m.AllocRegion(spec.as, spec.size, mm.FlagPresent); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if m.FreeFrames() != free {
		t.Fatalf("expected failed reservations to release their frames; free %d, want %d", m.FreeFrames(), free)
	}
}

func TestMapMMIO(t *testing.T) {
	m := NewManager(0)

	if _, err := m.MapMMIO(0xfee00000, mm.PageSize); err != errNoDevice {
		t.Fatalf("expected errNoDevice; got %v", err)
	}

	dev := fakeWindow{}
	m.RegisterDevice(0xfee00000, dev)

	w, err := m.MapMMIO(0xfee00000, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	w.Write32(0x80, 0xff)
	if dev[0x80] != 0xff {
		t.Fatal("expected writes to reach the registered device")
	}
}
