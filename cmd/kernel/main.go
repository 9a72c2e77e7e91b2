// Command kernel is the kernel image's entry point. It is invoked by a
// small rt0 assembly stub (outside this repo's scope, per spec.md §1's
// "bootloader protocol itself" exclusion) after the Limine-compatible
// loader has set up an identity/higher-half CR3 sufficient to reach the
// kernel image and a minimal stack; main never returns.
//
// Grounded directly on gopher-os/kernel.Kmain's shape (Kmain is invoked by
// rt0 with the bootloader's info pointer, initializes the console first,
// then the memory subsystems, and loops forever); this repo wires the
// four core subsystems spec.md describes in the dependency order spec.md
// §2 draws: PFA -> VMM -> Heap -> Scheduler, with GDT/IDT/TSS brought up
// before the scheduler can dispatch anything and the syscall entry wired
// last.
package main

import (
	"limnos/arch"
	"limnos/fs"
	"limnos/gdt"
	"limnos/idt"
	"limnos/kheap"
	"limnos/kprint"
	"limnos/mem"
	"limnos/pfa"
	"limnos/proc"
	"limnos/sched"
	"limnos/stdin"
	syscallpkg "limnos/syscall"
	"limnos/tss"
	"limnos/vmm"
)

// BootInfo is the subset of the Limine boot protocol response this kernel
// consumes (spec.md §6 "Bootloader contract (consumed)"): a memory map and
// a framebuffer pointer. The initial CR3 the loader installs is not carried
// in this struct. The loader and its request/
// response tag format are out of scope; this struct is the seam between
// that external contract and this repo's own types.
type BootInfo struct {
	MemMap      []pfa.MemMapEntry
	Framebuffer uintptr
}

// console is a package-level console sink; nil until Kmain wires it to the
// boot-provided framebuffer/serial transport.
var console *kprint.Console

// main satisfies the Go toolchain's package-main linkage requirement; the
// real entry point the rt0 stub calls into is Kmain below.
func main() {
	Kmain(BootInfo{})
}

// Kmain is the sole symbol the rt0 stub calls into, matching the teacher
// pack's own Kmain naming and "never returns" contract.
//
//go:noinline
func Kmain(info BootInfo) {
	console = kprint.New(nullWriter{})
	console.Banner("limnos booting\n")

	frames := &pfa.Allocator{}
	frames.Initialize(info.MemMap)

	v := vmm.New(frames)
	kernelPML4, ok := v.CreatePageTable()
	if !ok {
		console.Panicf("out of memory creating kernel PML4")
	}

	heap := kheap.New(mem.VA_t(mem.KernelHeapStart), kernelPML4, frames, v)
	heap.FlushTLB = flushTLB

	gdtTable := gdt.Build()
	stacks := &sched.StackBitmap{}
	slot, stackTop, err := stacks.Allocate()
	if err != nil {
		console.Panicf("no kernel stack available for boot task: %v", err)
	}
	t := tss.New(uint64(stackTop))
	// gdtTable/t are installed into the live GDTR/IDTR by the rt0 stub's
	// descriptor-table pointers, which live outside Go-managed memory;
	// Install/Load calls are issued by that stub once the tables are
	// copied into their final fixed addresses.
	_ = gdtTable
	_ = t

	idtTable := &idt.Table{}
	installExceptionHandlers(idtTable, gdt.SelKernelCode)

	scheduler := &sched.Scheduler{KernelPML4: kernelPML4, Frames: frames, VM: v}
	tids := &sched.NextTid{}

	fsys := fs.NewMemory()
	stdinBuf := &stdin.Buffer{}
	dispatcher := &syscallpkg.Dispatcher{
		FS:         fsys,
		Stdin:      stdinBuf,
		Scheduler:  scheduler,
		Frames:     frames,
		VM:         v,
		KernelPML4: kernelPML4,
		Tids:       tids,
	}
	syscallpkg.Bind(dispatcher, func(p *proc.Proc_t) syscallpkg.Heap {
		if p.Heap != nil {
			// A user process allocates from its own heap. The flush hook
			// is wired here, at first syscall-time use, rather than at
			// LoadELF time: until the process has been dispatched its
			// page table was never live, so there was nothing to flush.
			p.Heap.FlushTLB = flushTLB
			return p.Heap
		}
		return heap // kernel tasks share the kernel heap
	})

	idleTid := tids.Allocate()
	idle := proc.NewKernelTask(idleTid, kernelPML4, uint64(stackTop), 0, slot)
	scheduler.AddToTheQueue(idle)

	console.Printf("limnos core online: %d frames free-listed\n", countFree(frames))

	for {
		arch.Pause()
	}
}

// countFree walks the allocator's free list depth by repeatedly
// allocating (diagnostic use only, never called on the live allocator
// after boot — it would hand out every frame).
func countFree(a *pfa.Allocator) int {
	n := 0
	var taken []pfa.Frame
	for {
		f, ok := a.Allocate()
		if !ok {
			break
		}
		taken = append(taken, f)
		n++
	}
	for _, f := range taken {
		a.Free(f)
	}
	return n
}

func installExceptionHandlers(t *idt.Table, codeSelector uint16) {
	// Handler addresses are filled in once the corresponding naked ISR
	// stubs (outside this file's scope) are linked; this call sequence
	// documents the full vector set spec.md names.
	for _, v := range []int{idt.VecDivideError, idt.VecDebug, idt.VecBreakpoint, idt.VecPageFault} {
		t.SetHandler(v, 0, codeSelector, 0)
	}
	t.SetHandler(idt.VecDoubleFault, 0, codeSelector, 1) // IST1: guaranteed-clean stack for #DF
	t.SetHandler(idt.VecPITTick, 0, codeSelector, 0)
	t.SetHandler(idt.VecKeyboard, 0, codeSelector, 0)
}

// flushTLB rewrites CR3 with its current value, discarding every
// non-global TLB entry; handed to each heap so freshly mapped pages
// become visible (spec.md §4.3 "TLB").
func flushTLB() {
	arch.LoadCR3(arch.ReadCR3())
}

// nullWriter discards console output until the boot stub wires in the
// real framebuffer/serial transport; keeps kprint.New callable this early.
type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
