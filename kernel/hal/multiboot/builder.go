package multiboot

import "encoding/binary"

// Builder assembles a multiboot information block. Platforms without a
// real boot loader use it to describe the machine to the kernel.
type Builder struct {
	tags []byte
}

// CmdLine appends a command line tag.
func (b *Builder) CmdLine(cmdLine string) *Builder {
	return b.tag(tagBootCmdLine, append([]byte(cmdLine), 0))
}

// BootLoaderName appends a boot loader name tag.
func (b *Builder) BootLoaderName(name string) *Builder {
	return b.tag(tagBootLoaderName, append([]byte(name), 0))
}

// BasicMemoryInfo appends the lower and upper memory sizes in KiB.
func (b *Builder) BasicMemoryInfo(lowerKB, upperKB uint32) *Builder {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, lowerKB)
	binary.LittleEndian.PutUint32(payload[4:], upperKB)
	return b.tag(tagBasicMemoryInfo, payload)
}

// MemoryMap appends a memory map tag with the given entries.
func (b *Builder) MemoryMap(entries ...MemoryMapEntry) *Builder {
	payload := make([]byte, 8+len(entries)*mmapEntrySize)
	binary.LittleEndian.PutUint32(payload, mmapEntrySize)
	for i, e := range entries {
		off := 8 + i*mmapEntrySize
		binary.LittleEndian.PutUint64(payload[off:], e.PhysAddress)
		binary.LittleEndian.PutUint64(payload[off+8:], e.Length)
		binary.LittleEndian.PutUint32(payload[off+16:], uint32(e.Type))
	}
	return b.tag(tagMemoryMap, payload)
}

func (b *Builder) tag(typ tagType, payload []byte) *Builder {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(typ))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))

	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, payload...)
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
	return b
}

// Bytes returns the encoded information block terminated by an end tag.
func (b *Builder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	out = append(out, b.tags...)

	var end [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(end[4:], tagHeaderSize)
	out = append(out, end[:]...)

	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	return out
}
