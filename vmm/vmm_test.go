package vmm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"limnos/mem"
	"limnos/mem/memtest"
	"limnos/pfa"
	"limnos/vmm"
)

func newVMM(t *testing.T, npages int) (*vmm.VMM, *pfa.Allocator) {
	t.Helper()
	region := memtest.NewRegion(npages)
	frames := &pfa.Allocator{}
	frames.Initialize([]pfa.MemMapEntry{{Base: region.Phys, Length: uint64(region.Size), Type: pfa.Usable}})
	return vmm.New(frames), frames
}

func TestMapAndTranslate4K(t *testing.T) {
	v, frames := newVMM(t, 16)
	pml4, ok := v.CreatePageTable()
	require.True(t, ok)

	data, ok := frames.Allocate()
	require.True(t, ok)

	const va = mem.VA_t(0x0000_1234_5000)
	err := v.MapAddress(pml4, va, mem.Pa_t(data), mem.PTE_P|mem.PTE_W, vmm.Page4K)
	require.NoError(t, err)

	pa, err := v.VirtualToPhysical(pml4, va)
	require.NoError(t, err)
	require.Equal(t, mem.Pa_t(data), pa)

	// An offset within the page should carry through untouched.
	pa, err = v.VirtualToPhysical(pml4, va+0x42)
	require.NoError(t, err)
	require.Equal(t, mem.Pa_t(data)+0x42, pa)
}

func TestMapAddressRejectsDoubleUse(t *testing.T) {
	v, frames := newVMM(t, 16)
	pml4, ok := v.CreatePageTable()
	require.True(t, ok)
	data, ok := frames.Allocate()
	require.True(t, ok)

	const va = mem.VA_t(0x2000)
	require.NoError(t, v.MapAddress(pml4, va, mem.Pa_t(data), mem.PTE_P|mem.PTE_W, vmm.Page4K))
	err := v.MapAddress(pml4, va, mem.Pa_t(data), mem.PTE_P|mem.PTE_W, vmm.Page4K)
	require.ErrorIs(t, err, vmm.ErrEntryAlreadyUsed)
}

func TestMapAddressRejectsNullPageTable(t *testing.T) {
	v, _ := newVMM(t, 4)
	err := v.MapAddress(0, 0x1000, 0x1000, mem.PTE_P, vmm.Page4K)
	require.ErrorIs(t, err, vmm.ErrNullPageTable)
}

func TestMapAddressRejectsMismatchedHugeFlag(t *testing.T) {
	v, _ := newVMM(t, 8)
	pml4, ok := v.CreatePageTable()
	require.True(t, ok)

	err := v.MapAddress(pml4, 0x1000, 0x2000, mem.PTE_P|mem.PTE_PS, vmm.Page4K)
	require.ErrorIs(t, err, vmm.ErrInvalidHugePageFlag)

	err = v.MapAddress(pml4, 0x1000, 0x2000, mem.PTE_P, vmm.Page2M)
	require.ErrorIs(t, err, vmm.ErrMissingHugePageFlag)
}

func TestHugePage2MTranslation(t *testing.T) {
	v, frames := newVMM(t, 16)
	pml4, ok := v.CreatePageTable()
	require.True(t, ok)
	data, ok := frames.Allocate()
	require.True(t, ok)

	const va = mem.VA_t(0x40_0000) // 4MiB, 2MiB-aligned
	err := v.MapAddress(pml4, va, mem.Pa_t(data), mem.PTE_P|mem.PTE_W|mem.PTE_PS, vmm.Page2M)
	require.NoError(t, err)

	// The leaf's base is ORed with the low 21 bits of va. data is only
	// 4KiB-aligned, so its bit 12 may coincide with the offset's bit 12.
	pa, err := v.VirtualToPhysical(pml4, va+0x1234)
	require.NoError(t, err)
	require.Equal(t, mem.Pa_t(data)|0x1234, pa)
}

func TestUnmapAddressFreesIntermediateTables(t *testing.T) {
	v, frames := newVMM(t, 16)
	pml4, ok := v.CreatePageTable()
	require.True(t, ok)
	data, ok := frames.Allocate()
	require.True(t, ok)

	const va = mem.VA_t(0x0000_5678_9000)
	require.NoError(t, v.MapAddress(pml4, va, mem.Pa_t(data), mem.PTE_P|mem.PTE_W, vmm.Page4K))

	freeBefore := countFree(frames)
	require.NoError(t, v.UnmapAddress(pml4, va))
	freeAfter := countFree(frames)

	// The leaf data frame is the caller's to free, not UnmapAddress's; only
	// the P3/P2/P1 tables created to reach it come back (3 frames), and the
	// PML4 itself is never freed.
	require.Equal(t, freeBefore+3, freeAfter)

	_, err := v.VirtualToPhysical(pml4, va)
	require.ErrorIs(t, err, vmm.ErrEntryUnused)
}

func TestUnmapAddressUnmappedEntry(t *testing.T) {
	v, _ := newVMM(t, 8)
	pml4, ok := v.CreatePageTable()
	require.True(t, ok)

	err := v.UnmapAddress(pml4, 0x1000)
	require.ErrorIs(t, err, vmm.ErrEntryUnused)
}

func TestPageTableWalkerVisitsEveryLeaf(t *testing.T) {
	v, frames := newVMM(t, 32)
	pml4, ok := v.CreatePageTable()
	require.True(t, ok)

	vas := []mem.VA_t{0x1000, 0x2000, 0x0000_2000_0000}
	want := map[mem.VA_t]mem.Pa_t{}
	for _, va := range vas {
		data, ok := frames.Allocate()
		require.True(t, ok)
		require.NoError(t, v.MapAddress(pml4, va, mem.Pa_t(data), mem.PTE_P|mem.PTE_W, vmm.Page4K))
		want[va] = mem.Pa_t(data)
	}

	got := map[mem.VA_t]mem.Pa_t{}
	v.PageTableWalker(pml4, func(va mem.VA_t, pa mem.Pa_t) {
		got[va] = pa
	})
	require.Equal(t, want, got)
}

func countFree(a *pfa.Allocator) int {
	var taken []pfa.Frame
	for {
		f, ok := a.Allocate()
		if !ok {
			break
		}
		taken = append(taken, f)
	}
	for _, f := range taken {
		a.Free(f)
	}
	return len(taken)
}
