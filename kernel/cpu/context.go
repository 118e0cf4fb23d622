package cpu

import (
	"io"

	"nexusos/kernel/kfmt"
)

const (
	// RFlagsDefault has IF set plus the always-one reserved bit.
	RFlagsDefault = 0x202

	// KernelCodeSelector is the GDT selector for the kernel code segment.
	KernelCodeSelector = 0x08

	// KernelDataSelector is the GDT selector for the kernel data segment.
	KernelDataSelector = 0x10

	// StackAlignMargin is reserved below the top of a fresh stack so the
	// initial frame stays 16-byte aligned.
	StackAlignMargin = 16
)

// Context holds the register file saved for a suspended thread of execution.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP    uint64
	RFlags uint64
	CR3    uint64

	CS, DS, ES, FS, GS, SS uint16
}

// NewContext returns the initial register state for code starting at entry
// on a stack whose highest address is stackTop, running in the address space
// rooted at cr3.
func NewContext(entry, stackTop, cr3 uintptr) Context {
	return Context{
		RIP:    uint64(entry),
		RSP:    uint64(stackTop - StackAlignMargin),
		RFlags: RFlagsDefault,
		CR3:    uint64(cr3),
		CS:     KernelCodeSelector,
		DS:     KernelDataSelector,
		ES:     KernelDataSelector,
		FS:     KernelDataSelector,
		GS:     KernelDataSelector,
		SS:     KernelDataSelector,
	}
}

// DumpTo outputs the register contents to w.
func (c *Context) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", c.RAX, c.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", c.RCX, c.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", c.RSI, c.RDI)
	kfmt.Fprintf(w, "RBP = %16x RSP = %16x\n", c.RBP, c.RSP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", c.R8, c.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", c.R10, c.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", c.R12, c.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", c.R14, c.R15)
	kfmt.Fprintf(w, "RIP = %16x RFL = %16x\n", c.RIP, c.RFlags)
	kfmt.Fprintf(w, "CR3 = %16x\n", c.CR3)
	kfmt.Fprintf(w, "CS = %4x DS = %4x ES = %4x FS = %4x GS = %4x SS = %4x\n", c.CS, c.DS, c.ES, c.FS, c.GS, c.SS)
}
