// Package multiboot decodes the multiboot2 information block handed to the
// kernel by the boot loader. Only the tags the kernel consumes are
// understood: the command line, the boot loader name, basic memory info and
// the memory map.
package multiboot

import (
	"encoding/binary"
	"strings"

	"nexusos/kernel"
)

var (
	infoData  []byte
	cmdLineKV map[string]string

	errTruncated = &kernel.Error{Module: "multiboot", Message: "info block is truncated"}
	errBadTag    = &kernel.Error{Module: "multiboot", Message: "malformed tag"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize covers the total size and reserved dwords.
	infoHeaderSize = 8

	// tagHeaderSize covers the tag type and size dwords.
	tagHeaderSize = 8

	// mmapEntrySize is the size of one memory map entry: base, length,
	// type and a reserved dword.
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfo installs the multiboot information block and validates its tag
// list. It must be invoked before any other function exported by this
// package.
func SetInfo(data []byte) *kernel.Error {
	infoData, cmdLineKV = nil, nil

	if len(data) < infoHeaderSize {
		return errTruncated
	}
	totalSize := binary.LittleEndian.Uint32(data)
	if int(totalSize) > len(data) || totalSize < infoHeaderSize {
		return errTruncated
	}
	data = data[:totalSize]

	for off := infoHeaderSize; ; {
		if off+tagHeaderSize > len(data) {
			return errTruncated
		}
		typ, size := tagAt(data, off)
		if size < tagHeaderSize || off+int(size) > len(data) {
			return errBadTag
		}
		if typ == tagMbSectionEnd {
			break
		}
		off += alignTag(size)
	}

	infoData = data
	return nil
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. A bare token such as "nofoo" maps to itself.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)
	for _, pair := range strings.Fields(GetBootCmdLineString()) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// GetBootCmdLineString returns the raw kernel command line.
func GetBootCmdLineString() string {
	return cString(findTagByType(tagBootCmdLine))
}

// GetBootLoaderName returns the name reported by the boot loader.
func GetBootLoaderName() string {
	return cString(findTagByType(tagBootLoaderName))
}

// GetBasicMemoryInfo returns the amount of lower and upper memory in KiB.
func GetBasicMemoryInfo() (lowerKB, upperKB uint32, ok bool) {
	payload := findTagByType(tagBasicMemoryInfo)
	if len(payload) < 8 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(payload), binary.LittleEndian.Uint32(payload[4:]), true
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	payload := findTagByType(tagMemoryMap)
	if len(payload) < 8 {
		return
	}

	// The payload starts with the entry size and version dwords.
	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < mmapEntrySize-4 {
		return
	}

	var entry MemoryMapEntry
	for off := 8; off+entrySize <= len(payload); off += entrySize {
		entry.PhysAddress = binary.LittleEndian.Uint64(payload[off:])
		entry.Length = binary.LittleEndian.Uint64(payload[off+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(payload[off+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// AvailableMemory returns the total length of the available regions in the
// memory map.
func AvailableMemory() uint64 {
	var total uint64
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		if e.Type == MemAvailable {
			total += e.Length
		}
		return true
	})
	return total
}

// findTagByType scans the multiboot info data looking for a tag of the
// specified type and returns its payload, or nil if the tag is not present.
func findTagByType(want tagType) []byte {
	if infoData == nil {
		return nil
	}

	for off := infoHeaderSize; off+tagHeaderSize <= len(infoData); {
		typ, size := tagAt(infoData, off)
		if typ == tagMbSectionEnd {
			break
		}
		if typ == want {
			return infoData[off+tagHeaderSize : off+int(size)]
		}

		// Tags are aligned at 8-byte aligned addresses
		off += alignTag(size)
	}

	return nil
}

func tagAt(data []byte, off int) (tagType, uint32) {
	return tagType(binary.LittleEndian.Uint32(data[off:])), binary.LittleEndian.Uint32(data[off+4:])
}

func alignTag(size uint32) int {
	return int((size + 7) &^ 7)
}

// cString returns the NULL-terminated string at the start of b.
func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
