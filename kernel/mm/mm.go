// Package mm defines the memory management types shared by the process,
// scheduler and SMP layers.
package mm

import (
	"math"

	"nexusos/kernel"
)

const (
	// PageShift is equal to log2(PageSize).
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// ProcessStackSize is the kernel stack reserved for every process.
	ProcessStackSize = 8 * 1024

	// ProcessHeapSize is the initial heap reserved for every process.
	ProcessHeapSize = 64 * 1024

	// ThreadStackSize is the stack reserved for every additional thread.
	ThreadStackSize = 4 * 1024
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they fail to reserve a
// frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// AlignUp rounds size up to a multiple of PageSize.
func AlignUp(size uintptr) uintptr {
	return (size + (PageSize - 1)) & ^(PageSize - 1)
}

// PageTableEntryFlag describes a flag that can be applied to a mapping.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access the page.
	FlagUserAccessible

	// FlagWriteThroughCaching enables write-through caching for the page.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached. Used for MMIO.
	FlagDoNotCache
)

// AddressSpace identifies a page table hierarchy by the physical address of
// its root. The zero value is never a valid address space.
type AddressSpace uintptr

// Valid returns true if as refers to an address space.
func (as AddressSpace) Valid() bool {
	return as != 0
}

// Region describes a contiguous virtual range owned by an address space.
type Region struct {
	Base uintptr
	Size uintptr
}

// Top returns the first address past the end of the region.
func (r Region) Top() uintptr {
	return r.Base + r.Size
}

// Window provides 32-bit register access to a memory-mapped device.
type Window interface {
	Read32(offset uintptr) uint32
	Write32(offset uintptr, val uint32)
}

// Service is the memory management interface consumed by the process
// manager and the SMP layer.
type Service interface {
	// CreateAddressSpace allocates a new, empty address space.
	CreateAddressSpace() (AddressSpace, *kernel.Error)

	// DestroyAddressSpace releases as and every region it still owns.
	DestroyAddressSpace(as AddressSpace) *kernel.Error

	// AllocRegion reserves and backs a page-aligned region of at least
	// size bytes inside as.
	AllocRegion(as AddressSpace, size uintptr, flags PageTableEntryFlag) (Region, *kernel.Error)

	// FreeRegion releases a region returned by AllocRegion.
	FreeRegion(as AddressSpace, r Region) *kernel.Error

	// MapMMIO maps the device registers at phys into the kernel.
	MapMMIO(phys, size uintptr) (Window, *kernel.Error)
}
