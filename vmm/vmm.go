// Package vmm implements the virtual memory manager: a 4-level x86_64
// page-table walker supporting 4KiB/2MiB/1GiB mappings, unmap with
// page-table garbage collection, and address translation (spec.md §4.2).
//
// Grounded on biscuit/src/mem/dmap.go's pgbits/mkpg index math and
// biscuit/src/mem.Pmap_t/PTE_* layout, adapted from biscuit's recursive
// (self-mapped) page-table access to an explicit HHDM walk — the teacher
// reaches tables via a recursive PML4 slot (VREC) set up once at boot,
// this repo instead walks pml4 -> p3 -> p2 -> p1 through mem.Dmap at every
// level, which is the scheme spec.md §4.2 describes ("reading each entry
// through the HHDM") and is also how gopheros/kernel/mem/vmm's teacher-pack
// sibling resolves page-table addresses.
package vmm

import (
	"errors"

	"limnos/mem"
	"limnos/pfa"
)

// PageSize identifies the leaf size requested for a mapping.
type PageSize int

const (
	Page4K PageSize = iota
	Page2M
	Page1G
)

// stopDepth returns how many levels of the walk terminate at a leaf entry
// for the given page size: 4 for 4KiB (PML4,P3,P2,P1), 3 for 2MiB, 2 for
// 1GiB (spec.md §4.2).
func (p PageSize) stopDepth() int {
	switch p {
	case Page4K:
		return 4
	case Page2M:
		return 3
	case Page1G:
		return 2
	default:
		panic("vmm: bad page size")
	}
}

// Errors returned by MapAddress, matching spec.md §4.2 one-for-one.
var (
	ErrNullPageTable       = errors.New("vmm: null page table")
	ErrOutOfMemory         = errors.New("vmm: out of memory")
	ErrInvalidHugePageFlag = errors.New("vmm: 4KiB frame with huge-page flag")
	ErrMissingHugePageFlag = errors.New("vmm: huge frame without huge-page flag")
	ErrEntryAlreadyUsed    = errors.New("vmm: entry already used")
)

// ErrEntryUnused is returned by VirtualToPhysical (and internally by
// UnmapAddress) when the walk reaches an unmapped entry.
var ErrEntryUnused = errors.New("vmm: entry unused")

// VMM ties the page-table walker to a frame allocator used to create and
// free intermediate tables.
type VMM struct {
	Frames *pfa.Allocator
}

// New returns a VMM backed by the given frame allocator.
func New(frames *pfa.Allocator) *VMM {
	return &VMM{Frames: frames}
}

// CreatePageTable allocates one frame and zeroes all 512 entries via the
// HHDM (spec.md §4.2 "create_page_table").
func (v *VMM) CreatePageTable() (mem.Pa_t, bool) {
	f, ok := v.Frames.Allocate()
	if !ok {
		return 0, false
	}
	pa := mem.Pa_t(f)
	pm := mem.DmapPmap(pa)
	for i := range pm {
		pm[i] = 0
	}
	return pa, true
}

// levelTable returns the Pmap_t view of the table at physical address pa.
func levelTable(pa mem.Pa_t) *mem.Pmap_t {
	return mem.DmapPmap(pa)
}

// MapAddress maps va to frame in the page table rooted at pml4, with the
// leaf entry receiving flags verbatim and intermediate entries created as
// PRESENT|WRITABLE|USER_ACCESSIBLE so a user-mode walk never faults on an
// intermediate level (spec.md §4.2).
func (v *VMM) MapAddress(pml4 mem.Pa_t, va mem.VA_t, frame mem.Pa_t, flags mem.Pa_t, size PageSize) error {
	if pml4 == 0 {
		return ErrNullPageTable
	}
	huge := flags&mem.PTE_PS != 0
	if size == Page4K && huge {
		return ErrInvalidHugePageFlag
	}
	if size != Page4K && !huge {
		return ErrMissingHugePageFlag
	}

	idx := indicesFor(va)
	depth := size.stopDepth()
	tablePA := pml4
	for level := 0; level < depth-1; level++ {
		table := levelTable(tablePA)
		entry := &table[idx[level]]
		if *entry&mem.PTE_P == 0 {
			childPA, ok := v.CreatePageTable()
			if !ok {
				return ErrOutOfMemory
			}
			*entry = childPA | mem.PTE_P | mem.PTE_W | mem.PTE_U
		}
		tablePA = *entry & mem.PTE_ADDR
	}

	table := levelTable(tablePA)
	leaf := &table[idx[depth-1]]
	if *leaf&mem.PTE_P != 0 {
		return ErrEntryAlreadyUsed
	}
	*leaf = (frame &^ mem.PGOFFSET) | flags
	return nil
}

// UnmapAddress walks to the leaf for va and clears it, then walks back up
// freeing any intermediate table that becomes entirely unused, stopping at
// the first still-used table. The PML4 itself is never freed (spec.md
// §4.2). The leaf may be found at any of the three lower levels (1GiB at
// P3, 2MiB at P2, 4KiB at P1); the upward GC pass runs regardless of which
// level the leaf was cleared at.
func (v *VMM) UnmapAddress(pml4 mem.Pa_t, va mem.VA_t) error {
	if pml4 == 0 {
		return ErrNullPageTable
	}
	idx := indicesFor(va)

	// Walk down, recording each level's table physical address, so we can
	// walk back up once the leaf is cleared.
	var tablePAs [4]mem.Pa_t
	tablePAs[0] = pml4
	leafLevel := -1
	for level := 0; level < 3; level++ {
		table := levelTable(tablePAs[level])
		entry := table[idx[level]]
		if entry&mem.PTE_P == 0 {
			return ErrEntryUnused
		}
		if entry&mem.PTE_PS != 0 {
			// huge page leaf at this level; clear it and stop descending.
			table[idx[level]] = 0
			leafLevel = level
			break
		}
		tablePAs[level+1] = entry & mem.PTE_ADDR
	}

	if leafLevel == -1 {
		leafTable := levelTable(tablePAs[3])
		if leafTable[idx[3]]&mem.PTE_P == 0 {
			return ErrEntryUnused
		}
		leafTable[idx[3]] = 0
		leafLevel = 3
	}

	// Walk back up freeing empty intermediate tables, starting one level
	// above wherever the leaf actually was.
	for level := leafLevel - 1; level >= 0; level-- {
		child := tablePAs[level+1]
		if !tableEmpty(levelTable(child)) {
			break
		}
		v.Frames.Free(pfa.Frame(child))
		parent := levelTable(tablePAs[level])
		parent[idx[level]] = 0
	}
	return nil
}

func tableEmpty(t *mem.Pmap_t) bool {
	for _, e := range t {
		if e&mem.PTE_P != 0 {
			return false
		}
	}
	return true
}

// VirtualToPhysical walks pml4 for va, honoring huge pages by terminating
// early, and returns the composed physical address (spec.md §4.2).
func (v *VMM) VirtualToPhysical(pml4 mem.Pa_t, va mem.VA_t) (mem.Pa_t, error) {
	if pml4 == 0 {
		return 0, ErrNullPageTable
	}
	idx := indicesFor(va)
	tablePA := pml4
	for level := 0; level < 4; level++ {
		table := levelTable(tablePA)
		entry := table[idx[level]]
		if entry&mem.PTE_P == 0 {
			return 0, ErrEntryUnused
		}
		if entry&mem.PTE_PS != 0 || level == 3 {
			base := entry & mem.PTE_ADDR
			return base | hugeOffset(va, level), nil
		}
		tablePA = entry & mem.PTE_ADDR
	}
	return 0, ErrEntryUnused
}

// hugeOffset returns the low-order offset bits preserved below a leaf at
// the given walk level (0=PML4, 1=P3, 2=P2, 3=P1): 30 bits for a 1GiB leaf
// found at P3 (level 1), 21 bits for a 2MiB leaf found at P2 (level 2), 12
// bits for an ordinary 4KiB leaf found at P1 (level 3).
func hugeOffset(va mem.VA_t, level int) mem.Pa_t {
	switch level {
	case 1:
		return mem.Pa_t(va) & ((1 << 30) - 1)
	case 2:
		return mem.Pa_t(va) & ((1 << 21) - 1)
	case 3:
		return mem.Pa_t(va) & mem.PGOFFSET
	default:
		panic("vmm: huge page at unexpected level")
	}
}

// Handler is invoked by PageTableWalker for every present, non-huge leaf
// mapping found (spec.md §4.2 "page_table_walker").
type Handler func(va mem.VA_t, pa mem.Pa_t)

// PageTableWalker iterates every present non-huge leaf entry reachable from
// pml4, invoking handler(va, pa). Used by process teardown to release every
// mapped frame (spec.md §4.2, §3 "Process" drop semantics).
func (v *VMM) PageTableWalker(pml4 mem.Pa_t, handler Handler) {
	v.walk(pml4, 0, 3, handler)
}

func (v *VMM) walk(tablePA mem.Pa_t, vaPrefix uintptr, level int, handler Handler) {
	table := levelTable(tablePA)
	shift := uint(12 + 9*level)
	for i, entry := range table {
		if entry&mem.PTE_P == 0 {
			continue
		}
		va := vaPrefix | (uintptr(i) << shift)
		if entry&mem.PTE_PS != 0 {
			continue // huge leaf: spec.md's walker only visits non-huge leaves
		}
		if level == 0 {
			handler(mem.VA_t(signExtend(va)), entry&mem.PTE_ADDR)
			continue
		}
		v.walk(entry&mem.PTE_ADDR, va, level-1, handler)
	}
}

// signExtend sign-extends bit 47 through bits 63, per spec.md §3 ("top 16
// bits are sign-extended").
func signExtend(va uintptr) uintptr {
	if va&(1<<47) != 0 {
		return va | ^uintptr((1<<48)-1)
	}
	return va
}

func indicesFor(va mem.VA_t) [4]uint {
	pml4, p3, p2, p1 := mem.PageIndices(va)
	return [4]uint{pml4, p3, p2, p1}
}
