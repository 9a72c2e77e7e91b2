// Package pfa implements the physical frame allocator: an intrusive LIFO
// free-list over 4KiB-aligned physical frames, accessed through the
// higher-half direct map (spec.md §4.1).
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t free-list design, stripped
// of its per-CPU sharding and page refcounting — spec.md's Non-goals
// exclude SMP, so a single global free-list (protected the way spec.md §5
// describes: caller disables interrupts, no locking here) replaces the
// teacher's percpu[] shards. The memory-map walk in Initialize is grounded
// on other_examples' goos-e BootMemAllocator.AllocFrame, which performs the
// same "skip non-usable regions, round to page boundaries" pass over a
// bootloader-supplied memory map.
package pfa

import (
	"fmt"

	"limnos/mem"
)

// Frame is a 4KiB-aligned physical address.
type Frame mem.Pa_t

// RegionType enumerates a bootloader memory map entry's kind. Only Usable
// entries contribute frames to the allocator; everything else (kernel
// image, bootloader-reclaimable, framebuffer, ...) is left untouched here,
// per spec.md §6.
type RegionType int

const (
	Usable RegionType = iota
	KernelAndModules
	BootloaderReclaimable
	Framebuffer
	Reserved
)

// MemMapEntry is one entry of the bootloader-supplied memory map
// (spec.md §6).
type MemMapEntry struct {
	Base   mem.Pa_t
	Length uint64
	Type   RegionType
}

// Allocator is the process-wide frame free-list. The zero value is an
// empty allocator; call Initialize before any Allocate.
type Allocator struct {
	head Frame // 0 means empty; frames are never legitimately at address 0
}

// ErrOutOfMemory names free-list exhaustion. Allocate itself reports an
// empty free list through its boolean result and never returns this value.
var ErrOutOfMemory = fmt.Errorf("pfa: out of memory")

// Initialize pushes every 4KiB frame that fits entirely within a Usable
// memmap entry onto the free list (spec.md §4.1). Frames are pushed in
// ascending address order within each region, so the very first Allocate
// after Initialize returns the highest address pushed (LIFO), matching
// scenario S1 in spec.md §8.
func (a *Allocator) Initialize(memmap []MemMapEntry) {
	for _, e := range memmap {
		if e.Type != Usable {
			continue
		}
		base := mem.Roundup(int(e.Base), mem.PGSIZE)
		end := mem.Rounddown(int(e.Base)+int(e.Length), mem.PGSIZE)
		for p := base; p+mem.PGSIZE <= end; p += mem.PGSIZE {
			a.free(Frame(p))
		}
	}
}

// Allocate pops the head of the free list. It returns false if the list is
// empty (spec.md §4.1 "allocate() -> Option<Frame>").
func (a *Allocator) Allocate() (Frame, bool) {
	if a.head == 0 {
		return 0, false
	}
	f := a.head
	a.head = Frame(*nextPtr(f))
	return f, true
}

// Free pushes frame back onto the head of the free list, writing a next
// pointer into the frame's first word via the HHDM (spec.md §4.1). The
// caller guarantees frame is 4KiB-aligned and was not already free; this is
// the allocator's only safety contract, matching the teacher's comment
// that callers are responsible for valid, aligned frames.
func (a *Allocator) Free(frame Frame) {
	if uintptr(frame)&uintptr(mem.PGOFFSET) != 0 {
		panic("pfa: misaligned frame")
	}
	a.free(frame)
}

func (a *Allocator) free(frame Frame) {
	*nextPtr(frame) = uint64(a.head)
	a.head = frame
}

// nextPtr returns a pointer to the free-list link word stored in the first
// 8 bytes of frame, reached through the HHDM exactly as
// mem.Physmem_t.Dmap does for a live page table.
func nextPtr(f Frame) *uint64 {
	pg := mem.Dmap(mem.Pa_t(f))
	return &pg[0]
}
