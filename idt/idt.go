// Package idt builds the Interrupt Descriptor Table. Every gate is an
// interrupt gate (not a trap gate), so IF is cleared on entry — spec.md §5
// "IDT entries set IF=0 in their gate type" — meaning in-kernel exception
// and interrupt handlers run with interrupts disabled until they
// explicitly re-enable them (they do not, in this kernel: spec.md §5 says
// all in-kernel paths with interrupts disabled run to completion).
//
// Grounded on gopheros/kernel/gate's IDT-gate construction (the one
// retrieved repo that actually builds descriptor-table entries instead of
// delegating to the host Go runtime), adapted from gopheros's 32-bit gate
// layout to the 16-byte 64-bit gate this kernel needs.
package idt

import "limnos/arch"

// Vector numbers for the exceptions and interrupts this kernel installs
// handlers for (spec.md §4.4, §5, §7).
const (
	VecDivideError   = 0
	VecDebug         = 1
	VecBreakpoint    = 3
	VecDoubleFault   = 8
	VecPageFault     = 14
	VecPITTick       = 0x20 // PIC offset base (spec.md §6)
	VecKeyboard      = 0x21
	VecSyscall       = 0x80 // legacy int 0x80 path; syscall instruction uses LSTAR, not a gate
)

const gateCount = 256

// gate is one 16-byte 64-bit interrupt-gate descriptor.
type gate struct {
	offsetLow  uint16
	selector   uint16
	istIST     uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	typePresent      = 1 << 7
	typeInterrupt64  = 0xE // 64-bit interrupt gate: IF cleared on entry
)

// Table is the 256-entry IDT.
type Table struct {
	gates [gateCount]gate
}

// SetHandler installs handler at vector, using the kernel code selector and
// an interrupt gate (IF cleared on entry). ist selects a known-good
// Interrupt Stack Table index (0 = use the current stack, matching the
// TSS's single RSP0), used for #DF to guarantee a clean stack even if the
// fault happened on a corrupted kernel stack.
func (t *Table) SetHandler(vector int, handler uintptr, codeSelector uint16, ist uint8) {
	t.gates[vector] = gate{
		offsetLow:  uint16(handler),
		selector:   codeSelector,
		istIST:     ist & 0x7,
		typeAttr:   typePresent | typeInterrupt64,
		offsetMid:  uint16(handler >> 16),
		offsetHigh: uint32(handler >> 32),
	}
}

// Load installs the table via lidt. idtr must point at a
// {limit uint16; base uint64} structure the caller keeps alive for the
// kernel's lifetime.
func (t *Table) Load(idtr uintptr) {
	arch.Lidt(idtr)
}
