package vmm

import (
	"nexusos/kernel"
	"nexusos/kernel/mm"
)

var (
	errOutOfMemory    = &kernel.Error{Module: "vmm", Message: "no free physical frames"}
	errFrameNotInPool = &kernel.Error{Module: "vmm", Message: "frame is not managed by the allocator"}
	errDoubleFree     = &kernel.Error{Module: "vmm", Message: "frame is already free"}
)

// bitmapAllocator tracks frame reservations for a single contiguous pool of
// physical memory using one bit per frame.
type bitmapAllocator struct {
	// startFrame is the frame number for the first page in the pool. Bit i
	// corresponds to frame (startFrame + i).
	startFrame mm.Frame
	frameCount uint32

	// freeCount lets AllocFrame bail out without scanning a full pool.
	freeCount uint32

	// hint is the bitmap word where the last allocation succeeded.
	hint int

	freeBitmap []uint64
}

func newBitmapAllocator(startFrame mm.Frame, frameCount uint32) *bitmapAllocator {
	alloc := &bitmapAllocator{
		startFrame: startFrame,
		frameCount: frameCount,
		freeCount:  frameCount,
		freeBitmap: make([]uint64, (frameCount+63)>>6),
	}

	// Mark the bits past the end of the pool as used so the scan never
	// returns them.
	if tail := frameCount & 63; tail != 0 {
		alloc.freeBitmap[len(alloc.freeBitmap)-1] = ^uint64(0) << tail
	}

	return alloc
}

// AllocFrame reserves the first free frame in the pool.
func (alloc *bitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	for scanned, words := 0, len(alloc.freeBitmap); scanned < words; scanned++ {
		wordIndex := (alloc.hint + scanned) % words
		word := alloc.freeBitmap[wordIndex]
		if word == ^uint64(0) {
			continue
		}

		for bit := uint32(0); bit < 64; bit++ {
			mask := uint64(1) << bit
			if word&mask != 0 {
				continue
			}

			alloc.freeBitmap[wordIndex] |= mask
			alloc.freeCount--
			alloc.hint = wordIndex
			return alloc.startFrame + mm.Frame(uint32(wordIndex)<<6+bit), nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame returns a frame obtained via AllocFrame back to the pool.
func (alloc *bitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if frame < alloc.startFrame || frame >= alloc.startFrame+mm.Frame(alloc.frameCount) {
		return errFrameNotInPool
	}

	rel := uint32(frame - alloc.startFrame)
	wordIndex, mask := rel>>6, uint64(1)<<(rel&63)
	if alloc.freeBitmap[wordIndex]&mask == 0 {
		return errDoubleFree
	}

	alloc.freeBitmap[wordIndex] &^= mask
	alloc.freeCount++
	return nil
}

// reserve marks frame as used without going through AllocFrame.
func (alloc *bitmapAllocator) reserve(frame mm.Frame) {
	rel := uint32(frame - alloc.startFrame)
	wordIndex, mask := rel>>6, uint64(1)<<(rel&63)
	if alloc.freeBitmap[wordIndex]&mask == 0 {
		alloc.freeBitmap[wordIndex] |= mask
		alloc.freeCount--
	}
}
