// Package memtest backs the higher-half direct map with real Go-managed
// memory so packages built around mem.Dmap (pfa, vmm, kheap) can be
// exercised under a hosted `go test` binary without a live kernel address
// space.
//
// mem.Dmap always computes HHDMOffset + pa as plain uintptr arithmetic,
// which Go defines modulo 2^64. Choosing pa = uintptr(backing) -
// HHDMOffset (itself computed modulo 2^64) therefore makes Dmap recover
// the address of a real Go allocation: HHDMOffset + pa wraps back to
// uintptr(backing) exactly, regardless of how large HHDMOffset is. The
// teacher's own Physmem_t.Dmap (biscuit/src/mem/mem.go) uses the
// structurally identical Vdirect + rounddown(pa) pattern; that only works
// against a real direct map, which is what this package fakes.
package memtest

import (
	"unsafe"

	"limnos/mem"
)

// Region is a page-aligned block of real memory, paired with the
// synthetic physical base address that mem.Dmap will resolve back to it.
type Region struct {
	backing []byte
	// Phys is the synthetic physical address of the first page in the
	// region; every frame in [Phys, Phys+Size) round-trips through
	// mem.Dmap to the corresponding byte of backing.
	Phys mem.Pa_t
	Size int
}

// NewRegion allocates pages page-aligned real memory backing npages worth
// of frames and returns the Region describing it.
func NewRegion(npages int) *Region {
	size := npages * mem.PGSIZE
	// Over-allocate by one page so an aligned subslice of size bytes
	// always exists inside buf, regardless of where the Go allocator
	// happened to place it.
	buf := make([]byte, size+mem.PGSIZE)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(mem.PGSIZE) - 1) &^ uintptr(mem.PGSIZE-1)
	off := aligned - base

	phys := aligned - mem.HHDMOffset
	return &Region{backing: buf[off : off+uintptr(size)], Phys: mem.Pa_t(phys), Size: size}
}

// End returns the synthetic physical address one past the region's last
// frame.
func (r *Region) End() mem.Pa_t {
	return r.Phys + mem.Pa_t(r.Size)
}
