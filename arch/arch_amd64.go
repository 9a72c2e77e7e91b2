// Package arch holds every primitive this kernel needs that cannot be
// expressed in portable Go: port I/O, control/MSR registers, the GDT/IDT
// load instructions, and the ring-3 return sequence.
//
// Grounded on gopheros/kernel/cpu/cpu_amd64.go's idiom: a _amd64.go file
// declares the Go function signature with no body and a doc comment, and
// a sibling _amd64.s Plan 9 assembly file supplies the implementation.
// This replaces the teacher's own approach of patching these primitives
// directly into a forked Go runtime (runtime.Cpuid, runtime.Vtop,
// runtime.Pml4freeze, runtime.Condflush, runtime.Get_phys in
// biscuit/src/mem) — forking the compiler/runtime is out of scope here
// (see DESIGN.md), so the same primitives are reimplemented as ordinary
// package-level assembly stubs instead.
package arch

// EFlags bits this kernel inspects or restores (spec.md §5, §6).
const EFlagsIF = 1 << 9

// Cpuid executes the CPUID instruction with the given leaf and subleaf and
// returns the EAX/EBX/ECX/EDX results.
func Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Rdmsr reads the 64-bit value of model-specific register msr.
func Rdmsr(msr uint32) uint64

// Wrmsr writes val to model-specific register msr.
func Wrmsr(msr uint32, val uint64)

// Outb writes a byte to I/O port.
func Outb(port uint16, val uint8)

// Inb reads a byte from I/O port.
func Inb(port uint16) uint8

// Outw writes a 16-bit word to I/O port.
func Outw(port uint16, val uint16)

// Inw reads a 16-bit word from I/O port.
func Inw(port uint16) uint16

// Lgdt loads the GDT register from the given GDT pointer (limit:base).
func Lgdt(gdtr uintptr)

// Lidt loads the IDT register from the given IDT pointer (limit:base).
func Lidt(idtr uintptr)

// Ltr loads the Task Register with the given TSS selector.
func Ltr(selector uint16)

// LoadCR3 writes the given physical address to CR3, switching the active
// page table and flushing the non-global TLB entries.
func LoadCR3(pml4 uintptr)

// ReadCR3 returns the current value of CR3.
func ReadCR3() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// DisableInterrupts clears IF via cli and returns the prior RFLAGS value
// so the caller can restore it later.
func DisableInterrupts() uintptr

// RestoreInterrupts restores RFLAGS to a value previously captured by
// DisableInterrupts, re-enabling interrupts if they were enabled before.
func RestoreInterrupts(flags uintptr)

// Pause executes the `pause` instruction, the standard spin-wait hint.
func Pause()

// Halt executes `hlt`, parking the CPU until the next interrupt.
func Halt()

// BitTestAndSet atomically sets bit in *word and returns whether it was
// already set (the `bts` instruction backing mutex.Spinlock).
func BitTestAndSet(word *uint32, bit uint) bool

// BitClear atomically clears bit in *word.
func BitClear(word *uint32, bit uint)

// Swapgs executes the `swapgs` instruction, exchanging GS_BASE and
// KERNEL_GS_BASE.
func Swapgs()

// WriteKernelGSBase sets the KERNEL_GS_BASE MSR, used by load_context to
// publish the current PCB address for the syscall/interrupt entry stubs
// (spec.md §4.4 "load_context").
func WriteKernelGSBase(addr uintptr)
