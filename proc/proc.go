// Package proc defines the process control block (spec.md §3 "Process
// (PCB)") and its drop semantics for both kernel tasks and user processes.
//
// Grounded on the address-space bookkeeping in biscuit/src/vm.Vm_t (the
// teacher's per-process page-table-owning struct) and the cwd/file-id
// tracking in biscuit/src/fd.Cwd_t, adapted from the teacher's refcounted,
// COW-capable address space down to the single-owner model spec.md's
// Non-goals call for (no SMP, no copy-on-write: a Proc_t here owns its
// page table outright and frees it exactly once, on drop).
package proc

import (
	"limnos/defs"
	"limnos/kheap"
	"limnos/mem"
	"limnos/pfa"
	"limnos/vmm"
)

// Registers is the general-purpose register snapshot saved/restored across
// every ring transition (spec.md §4.4 "load_context" / preemption).
// Grounded on gopheros/kernel/gate.Registers, the one struct in the pack
// that exists purely to describe this layout.
type Registers struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64
}

// Proc_t is the process control block (spec.md §3). Field names keep the
// teacher's lower_snake-flavored Go naming for kernel-internal structs
// (Vm_t, Cwd_t) where the spec gives no name of its own, and spec.md's own
// vocabulary (rsp, rip, rflags) where it does.
type Proc_t struct {
	Tid    defs.Tid_t
	Regs   Registers
	Rsp    uint64
	Rip    uint64
	Rflags uint64

	PageTable mem.Pa_t

	KernelTask bool

	// Kernel-task-only: the stack bitmap slot this task's 80KiB kernel
	// stack occupies, released on drop.
	StackSlot int

	// User-process-only fields.
	Cwd      int // file id of the current working directory; unused for kernel tasks
	HeapPA   mem.Pa_t   // reserved for symmetry with kernel heap bookkeeping
	Heap     *kheap.Heap // per-process allocator rooted at mem.UserHeapStart (spec.md §4.3 "one heap per user process")
	Priority int
}

// NewKernelTask returns a zeroed PCB for a kernel task: zero registers, the kernel
// page table, the stack top, rip = entry, flags = 0 (spec.md §4.4 "Spawn
// (kernel task)").
func NewKernelTask(tid defs.Tid_t, kernelPML4 mem.Pa_t, stackTop uint64, entry uint64, stackSlot int) *Proc_t {
	return &Proc_t{
		Tid:        tid,
		Rsp:        stackTop,
		Rip:        entry,
		Rflags:     0,
		PageTable:  kernelPML4,
		KernelTask: true,
		StackSlot:  stackSlot,
		Priority:   15,
	}
}

// NewUserProcess returns a PCB for a user process whose page table, entry
// point and user stack have already been built by the caller (spec.md
// §4.4 "Spawn (user)" — ELF loading and segment mapping are the exec
// syscall's job, not proc's).
func NewUserProcess(tid defs.Tid_t, pml4 mem.Pa_t, entry uint64, userStackTop uint64, cwd int) *Proc_t {
	return &Proc_t{
		Tid:        tid,
		Rsp:        userStackTop,
		Rip:        entry,
		Rflags:     0x202, // IF=1: user mode runs with interrupts enabled (spec.md §5)
		PageTable:  pml4,
		KernelTask: false,
		Cwd:        cwd,
		Priority:   0,
	}
}

// StackReleaser releases a kernel task's stack bitmap slot. Implemented by
// the scheduler's stack-bitmap allocator; proc only calls it on drop.
type StackReleaser interface {
	ReleaseStack(slot int)
}

// Drop releases every resource owned by p (spec.md §3 "Drop must"):
//   - kernel tasks: unmap and free the stack pages, then release the
//     bitmap bit;
//   - user processes: walk the page table freeing every lower-half
//     mapping, then free the PML4 frame itself.
//
// stackBase/stackPages describe the kernel task's stack region in virtual
// address terms; callers of NewKernelTask are expected to pass the same
// values back into Drop since the PCB itself only records the bitmap slot.
func (p *Proc_t) Drop(v *vmm.VMM, stacks StackReleaser, stackBase mem.VA_t, stackPages int) error {
	if p.KernelTask {
		return p.dropKernelTask(v, stacks, stackBase, stackPages)
	}
	return p.dropUserProcess(v)
}

func (p *Proc_t) dropKernelTask(v *vmm.VMM, stacks StackReleaser, stackBase mem.VA_t, stackPages int) error {
	for i := 0; i < stackPages; i++ {
		va := mem.VA_t(uintptr(stackBase) + uintptr(i*mem.PGSIZE))
		pa, err := v.VirtualToPhysical(p.PageTable, va)
		if err == vmm.ErrEntryUnused {
			continue // guard page, never mapped
		}
		if err != nil {
			return err
		}
		if err := v.UnmapAddress(p.PageTable, va); err != nil {
			return err
		}
		v.Frames.Free(pfa.Frame(pa))
	}
	if stacks != nil {
		stacks.ReleaseStack(p.StackSlot)
	}
	return nil
}

func (p *Proc_t) dropUserProcess(v *vmm.VMM) error {
	var frames []frameAddr
	v.PageTableWalker(p.PageTable, func(va mem.VA_t, pa mem.Pa_t) {
		if !isLowerHalf(va) {
			return
		}
		frames = append(frames, frameAddr{va: va, pa: pa})
	})
	for _, f := range frames {
		if err := v.UnmapAddress(p.PageTable, f.va); err != nil {
			return err
		}
		v.Frames.Free(pfa.Frame(f.pa))
	}
	v.Frames.Free(pfa.Frame(p.PageTable))
	p.PageTable = 0
	p.Heap = nil
	return nil
}

type frameAddr struct {
	va mem.VA_t
	pa mem.Pa_t
}

// isLowerHalf reports whether va belongs to the lower half of the address
// space (bit 47 clear), i.e. user-mappable space rather than the shared
// kernel upper half copied into every user PML4 at spawn (spec.md §4.4
// "Spawn (user)").
func isLowerHalf(va mem.VA_t) bool {
	return uintptr(va)&(1<<47) == 0
}
