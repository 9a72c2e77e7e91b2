package sched_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"limnos/defs"
	"limnos/mem"
	"limnos/mem/memtest"
	"limnos/pfa"
	"limnos/proc"
	"limnos/sched"
	"limnos/vmm"
)

func newSchedulerVM(t *testing.T, npages int) (*vmm.VMM, *pfa.Allocator, mem.Pa_t) {
	t.Helper()
	region := memtest.NewRegion(npages)
	frames := &pfa.Allocator{}
	frames.Initialize([]pfa.MemMapEntry{{Base: region.Phys, Length: uint64(region.Size), Type: pfa.Usable}})
	v := vmm.New(frames)
	pml4, ok := v.CreatePageTable()
	require.True(t, ok)
	return v, frames, pml4
}

func kernelTask(tid defs.Tid_t) *proc.Proc_t {
	return proc.NewKernelTask(tid, 0, 0, 0, 0)
}

func userTask(tid defs.Tid_t) *proc.Proc_t {
	return proc.NewUserProcess(tid, 0, 0, 0, 0)
}

func TestQueueKernelTaskOutranksUser(t *testing.T) {
	var q sched.Queue
	q.Enqueue(userTask(1))
	q.Enqueue(kernelTask(2))

	p, ok := q.Dispatch()
	require.True(t, ok)
	require.Equal(t, defs.Tid_t(2), p.Tid, "a freshly enqueued kernel task outranks a freshly enqueued user task")
}

func TestQueueAgingEventuallyPromotesUserTask(t *testing.T) {
	var q sched.Queue
	q.Enqueue(userTask(1))
	for i := 0; i < 15; i++ {
		q.Enqueue(kernelTask(defs.Tid_t(100 + i)))
		q.Dispatch()
	}

	// Every Enqueue ages every waiting entry by one: the user task enters
	// at 0, is aged to 1, and each of the 15 rounds ages it once more, to
	// 16 (a sixteenth round would already dispatch it inside the loop).
	// That now exceeds a freshly-enqueued kernel task's base priority (15).
	q.Enqueue(kernelTask(999))
	p, ok := q.Dispatch()
	require.True(t, ok)
	require.Equal(t, defs.Tid_t(1), p.Tid, "aging must eventually promote a long-waiting task ahead of a fresh one")
}

func TestQueueLenAndEmptyDispatch(t *testing.T) {
	var q sched.Queue
	require.Equal(t, 0, q.Len())
	_, ok := q.Dispatch()
	require.False(t, ok)

	q.Enqueue(kernelTask(1))
	require.Equal(t, 1, q.Len())
}

func TestSchedulerDispatchAndSwitchCurrentProcess(t *testing.T) {
	s := &sched.Scheduler{}
	s.AddToTheQueue(kernelTask(1))
	s.AddToTheQueue(kernelTask(2))

	p, ok := s.Dispatch()
	require.True(t, ok)
	require.Equal(t, s.Current, p)

	s.SwitchCurrentProcess()
	require.Nil(t, s.Current)
	require.Equal(t, 2, s.Ready.Len(), "the preempted task must return to the ready queue")
}

func TestSchedulerExitAndDrainTerminated(t *testing.T) {
	s := &sched.Scheduler{}
	p := kernelTask(1)
	s.AddToTheQueue(p)
	s.Dispatch()

	s.Exit(p)
	require.Nil(t, s.Current)

	var dropped []defs.Tid_t
	err := s.DrainTerminated(func(p *proc.Proc_t) error {
		dropped = append(dropped, p.Tid)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []defs.Tid_t{1}, dropped)
}

func TestNextTidStartsAtOneAndIncrements(t *testing.T) {
	n := &sched.NextTid{}
	require.Equal(t, defs.Tid_t(1), n.Allocate())
	require.Equal(t, defs.Tid_t(2), n.Allocate())
}

func TestStackBitmapAllocateIsLowestFreeSlot(t *testing.T) {
	b := &sched.StackBitmap{}
	slot0, _, err := b.Allocate()
	require.NoError(t, err)
	require.Equal(t, 0, slot0)

	slot1, _, err := b.Allocate()
	require.NoError(t, err)
	require.Equal(t, 1, slot1)

	b.ReleaseStack(slot0)
	slot2, _, err := b.Allocate()
	require.NoError(t, err)
	require.Equal(t, 0, slot2, "a released slot must be reused before growing further")
}

func TestStackBitmapExhaustion(t *testing.T) {
	b := &sched.StackBitmap{}
	for i := 0; i < 64; i++ {
		_, _, err := b.Allocate()
		require.NoError(t, err)
	}
	_, _, err := b.Allocate()
	require.ErrorIs(t, err, sched.ErrNoFreeStack)
}

func TestSchedulerPageFaultMapsOneUnmappedPage(t *testing.T) {
	v, frames, pml4 := newSchedulerVM(t, 16)

	const stackTop = mem.VA_t(0x7000_0000_4000)
	existing, ok := frames.Allocate()
	require.True(t, ok)
	require.NoError(t, v.MapAddress(pml4, stackTop, mem.Pa_t(existing), mem.PTE_P|mem.PTE_U|mem.PTE_W, vmm.Page4K))

	s := &sched.Scheduler{Frames: frames, VM: v}
	s.Current = proc.NewUserProcess(1, pml4, 0, uint64(stackTop), 0)

	faultVA := stackTop - mem.VA_t(mem.PGSIZE)
	s.PageFault(uintptr(faultVA))

	pa, err := v.VirtualToPhysical(pml4, faultVA)
	require.NoError(t, err, "the faulting page must be mapped after PageFault returns")
	require.NotZero(t, pa)
}

func TestSchedulerPageFaultScansPastAlreadyMappedPages(t *testing.T) {
	v, frames, pml4 := newSchedulerVM(t, 16)

	const stackTop = mem.VA_t(0x7000_0000_4000)
	below := stackTop - mem.VA_t(mem.PGSIZE)
	for _, va := range []mem.VA_t{below, stackTop} {
		f, ok := frames.Allocate()
		require.True(t, ok)
		require.NoError(t, v.MapAddress(pml4, va, mem.Pa_t(f), mem.PTE_P|mem.PTE_U|mem.PTE_W, vmm.Page4K))
	}

	s := &sched.Scheduler{Frames: frames, VM: v}
	s.Current = proc.NewUserProcess(1, pml4, 0, uint64(stackTop), 0)

	// Faulting at the already-mapped `below` address must scan upward past
	// it and past the already-mapped stackTop, landing on the first truly
	// unmapped page above both (spec.md §4.4 "Page-fault handler").
	s.PageFault(uintptr(below))

	_, err := v.VirtualToPhysical(pml4, stackTop+mem.VA_t(mem.PGSIZE))
	require.NoError(t, err)
}

func TestSchedulerPageFaultGrowsStackOnePageAtATime(t *testing.T) {
	v, frames, pml4 := newSchedulerVM(t, 16)

	const stackTop = mem.VA_t(0x7000_0000_4000)
	existing, ok := frames.Allocate()
	require.True(t, ok)
	require.NoError(t, v.MapAddress(pml4, stackTop, mem.Pa_t(existing), mem.PTE_P|mem.PTE_U|mem.PTE_W, vmm.Page4K))

	s := &sched.Scheduler{Frames: frames, VM: v}
	s.Current = proc.NewUserProcess(1, pml4, 0, uint64(stackTop), 0)

	// Three successive faults at three distinct, still-unmapped addresses
	// must map exactly those three pages one at a time, rather than one
	// fault mapping all three (spec.md §8 property S6).
	faults := []mem.VA_t{
		stackTop - mem.VA_t(mem.PGSIZE),
		stackTop - mem.VA_t(2*mem.PGSIZE),
		stackTop - mem.VA_t(3*mem.PGSIZE),
	}
	for _, va := range faults {
		s.PageFault(uintptr(va))
	}
	for _, va := range faults {
		_, err := v.VirtualToPhysical(pml4, va)
		require.NoError(t, err, "every faulted page must end up mapped")
	}
}

func TestSchedulerPageFaultPanicsWhenFramesExhausted(t *testing.T) {
	v, frames, pml4 := newSchedulerVM(t, 2)
	// Drain the single available frame so Allocate fails inside PageFault.
	_, ok := frames.Allocate()
	require.True(t, ok)

	s := &sched.Scheduler{Frames: frames, VM: v}
	s.Current = proc.NewUserProcess(1, pml4, 0, 0x7000_0000_4000, 0)

	require.Panics(t, func() {
		s.PageFault(0x7000_0000_3000)
	})
}

func TestTraceSnapshotChronologicalWithoutWrap(t *testing.T) {
	tr := &sched.Trace{}
	tr.Record(sched.Event{Tid: 1, Kind: sched.EventDispatch, Ticks: 1})
	tr.Record(sched.Event{Tid: 2, Kind: sched.EventPreempt, Ticks: 2})

	snap := tr.Snapshot()
	require.Equal(t, []sched.Event{
		{Tid: 1, Kind: sched.EventDispatch, Ticks: 1},
		{Tid: 2, Kind: sched.EventPreempt, Ticks: 2},
	}, snap)
}

func TestTraceSnapshotAfterWraparound(t *testing.T) {
	tr := &sched.Trace{}
	const capacity = 4096
	for i := 0; i < capacity+3; i++ {
		tr.Record(sched.Event{Tid: i, Kind: sched.EventDispatch, Ticks: uint64(i)})
	}

	snap := tr.Snapshot()
	require.Len(t, snap, capacity)
	// The oldest 3 events were overwritten; the snapshot must start with
	// event index 3 and end with the most recently recorded event.
	require.Equal(t, 3, snap[0].Tid)
	require.Equal(t, capacity+2, snap[len(snap)-1].Tid)
}
