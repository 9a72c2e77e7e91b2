// Package tss builds and installs the Task State Segment (spec.md §3
// "TSS"): a process-wide 104-byte structure whose only job in long mode is
// to hand the CPU a ring-0 stack pointer on every ring transition.
//
// Grounded on the GDT/TSS pairing convention described in spec.md §6 and
// on gdt's descriptor-table style; the teacher pack carries no TSS
// analogue (biscuit never leaves ring 0 as a real CPU would), so the
// 104-byte field layout here follows the Intel SDM structure referenced
// by spec.md directly rather than any retrieved source file.
package tss

import (
	"limnos/arch"
	"limnos/gdt"
)

// TSS is the 104-byte 64-bit Task State Segment. The hardware layout puts
// every 64-bit stack pointer at a 4-byte-aligned offset (RSP0 lives at
// offset 4), which Go's natural struct alignment would silently pad, so
// each 64-bit field is stored as an explicit low/high uint32 pair. Only
// RSP0 and the IOPB offset are meaningful here: this kernel uses exactly
// one ring-0 stack per CPU core for all ring transitions (spec.md §3),
// and never uses the IOPB to grant ring-3 port access.
type TSS struct {
	reserved0      uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	reserved1      [2]uint32
	ist            [14]uint32
	reserved2      [2]uint32
	reserved3      uint16
	IOPBOffset     uint16
}

// Size is the TSS's size in bytes, used as the descriptor limit.
const Size = 104

// New returns a TSS with its ring-0 stack pointer set to rsp0. The IOPB
// offset is set past the structure's end (no IOPB present).
func New(rsp0 uint64) *TSS {
	t := &TSS{IOPBOffset: Size}
	t.SetRSP0(rsp0)
	return t
}

// Install writes t's system-segment descriptor into table at selector
// gdt.SelTSS and loads TR with that selector (spec.md §3 "written once at
// boot ... and loaded into TR").
func Install(table *gdt.Table, t *TSS, base uintptr) {
	table.SetTSSDescriptor(base, Size-1)
	arch.Ltr(gdt.SelTSS)
}

// RSP0 returns the ring-0 stack pointer handed to the CPU on the next
// ring transition.
func (t *TSS) RSP0() uint64 {
	return uint64(t.rsp0Lo) | uint64(t.rsp0Hi)<<32
}

// SetRSP0 updates the ring-0 stack pointer used on the next ring
// transition; unused by this single-core kernel beyond boot but kept as
// the named mutation point spec.md implies a TSS supports.
func (t *TSS) SetRSP0(rsp0 uint64) {
	t.rsp0Lo = uint32(rsp0)
	t.rsp0Hi = uint32(rsp0 >> 32)
}
