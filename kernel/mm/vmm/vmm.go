// Package vmm implements mm.Service on top of a bitmap frame allocator. Each
// address space hands out regions from the top of its user range downwards
// and backs every page with a physical frame.
package vmm

import (
	"nexusos/kernel"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/mm"
	"nexusos/kernel/sync"
)

const (
	// regionTop is the first address above the range AllocRegion reserves
	// from.
	regionTop = uintptr(0x00007fff_ffff_f000)

	// DefaultMemorySize is the amount of physical memory managed when the
	// caller does not specify one.
	DefaultMemorySize = 64 << 20
)

var (
	errUnknownAddressSpace = &kernel.Error{Module: "vmm", Message: "unknown address space"}
	errUnknownRegion       = &kernel.Error{Module: "vmm", Message: "region is not owned by the address space"}
	errNoSpace             = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
	errZeroSize            = &kernel.Error{Module: "vmm", Message: "region size must be greater than zero"}
	errNoDevice            = &kernel.Error{Module: "vmm", Message: "no device registered at physical address"}
)

var _ mm.Service = (*Manager)(nil)

type allocation struct {
	size   uintptr
	frames []mm.Frame
}

type addressSpace struct {
	root mm.Frame

	// lastUsed tracks the lowest reserved address and is decreased after
	// each reservation.
	lastUsed uintptr
	regions  map[uintptr]*allocation
}

// Manager owns physical memory and every address space built on top of it.
// It is safe for concurrent use.
type Manager struct {
	lock sync.Spinlock

	frames  *bitmapAllocator
	spaces  map[mm.AddressSpace]*addressSpace
	devices map[uintptr]mm.Window
}

// NewManager returns a Manager handling memSize bytes of physical memory.
// Frame 0 is reserved so that no address space root ever lives at address 0.
func NewManager(memSize uintptr) *Manager {
	if memSize == 0 {
		memSize = DefaultMemorySize
	}

	m := &Manager{
		frames:  newBitmapAllocator(0, uint32(memSize>>mm.PageShift)),
		spaces:  make(map[mm.AddressSpace]*addressSpace),
		devices: make(map[uintptr]mm.Window),
	}
	m.frames.reserve(0)

	kfmt.Printf("[vmm] managing %d KiB of physical memory (%d frames)\n", uint64(memSize>>10), m.frames.frameCount)
	return m
}

// RegisterDevice makes a memory-mapped device window available to MapMMIO
// at physical address phys.
func (m *Manager) RegisterDevice(phys uintptr, w mm.Window) {
	m.lock.Acquire()
	m.devices[phys] = w
	m.lock.Release()
}

// FreeFrames returns the number of unreserved physical frames.
func (m *Manager) FreeFrames() uint32 {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.frames.freeCount
}

// AddressSpaces returns the number of live address spaces.
func (m *Manager) AddressSpaces() int {
	m.lock.Acquire()
	defer m.lock.Release()
	return len(m.spaces)
}

// CreateAddressSpace implements mm.Service.
func (m *Manager) CreateAddressSpace() (mm.AddressSpace, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	root, err := m.frames.AllocFrame()
	if err != nil {
		return 0, err
	}

	as := mm.AddressSpace(root.Address())
	m.spaces[as] = &addressSpace{
		root:     root,
		lastUsed: regionTop,
		regions:  make(map[uintptr]*allocation),
	}
	return as, nil
}

// DestroyAddressSpace implements mm.Service.
func (m *Manager) DestroyAddressSpace(as mm.AddressSpace) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	space, ok := m.spaces[as]
	if !ok {
		return errUnknownAddressSpace
	}

	for base, a := range space.regions {
		m.releaseFrames(a.frames)
		delete(space.regions, base)
	}
	_ = m.frames.FreeFrame(space.root)
	delete(m.spaces, as)
	return nil
}

// AllocRegion implements mm.Service. If size is not a multiple of
// mm.PageSize it is rounded up. Frames reserved before a failure are
// released again.
func (m *Manager) AllocRegion(as mm.AddressSpace, size uintptr, _ mm.PageTableEntryFlag) (mm.Region, *kernel.Error) {
	if size == 0 {
		return mm.Region{}, errZeroSize
	}
	size = mm.AlignUp(size)

	m.lock.Acquire()
	defer m.lock.Release()

	space, ok := m.spaces[as]
	if !ok {
		return mm.Region{}, errUnknownAddressSpace
	}

	// reserving a region of the requested size will cause an underflow
	if size > space.lastUsed {
		return mm.Region{}, errNoSpace
	}

	a := &allocation{
		size:   size,
		frames: make([]mm.Frame, 0, size>>mm.PageShift),
	}
	for i := uintptr(0); i < size>>mm.PageShift; i++ {
		frame, err := m.frames.AllocFrame()
		if err != nil {
			m.releaseFrames(a.frames)
			return mm.Region{}, err
		}
		a.frames = append(a.frames, frame)
	}

	space.lastUsed -= size
	space.regions[space.lastUsed] = a
	return mm.Region{Base: space.lastUsed, Size: size}, nil
}

// FreeRegion implements mm.Service.
func (m *Manager) FreeRegion(as mm.AddressSpace, r mm.Region) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	space, ok := m.spaces[as]
	if !ok {
		return errUnknownAddressSpace
	}

	a, ok := space.regions[r.Base]
	if !ok || a.size != mm.AlignUp(r.Size) {
		return errUnknownRegion
	}

	m.releaseFrames(a.frames)
	delete(space.regions, r.Base)

	// Give the range back if it was the most recent reservation.
	if r.Base == space.lastUsed {
		space.lastUsed += a.size
	}
	return nil
}

// MapMMIO implements mm.Service.
func (m *Manager) MapMMIO(phys, _ uintptr) (mm.Window, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	w, ok := m.devices[phys]
	if !ok {
		return nil, errNoDevice
	}
	return w, nil
}

func (m *Manager) releaseFrames(frames []mm.Frame) {
	for _, frame := range frames {
		_ = m.frames.FreeFrame(frame)
	}
}
