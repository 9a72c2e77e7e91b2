package syscall

import (
	"limnos/arch"
	"limnos/percpu"
	"limnos/proc"
)

// MSR numbers used to wire up the syscall instruction (spec.md §6 "MSRs
// used").
const (
	msrEFER    = 0xC000_0080
	msrSTAR    = 0xC000_0081
	msrLSTAR   = 0xC000_0082
	msrFMASK   = 0xC000_0084
	eferSCEBit = 1 << 0 // SYSCALL/SYSRET enable bit in EFER
)

// entryTrampolineAddr returns the address of the naked syscall entry point
// installed into LSTAR (implemented in entry_amd64.s). The entry point
// snapshots every GPR into the PCB addressed via the per-CPU gs base (set
// by sched.LoadContext), swaps RSP to the kernel stack held in that same
// per-CPU slot, and calls entryGo.
func entryTrampolineAddr() uintptr

// entryTrampoline is the naked syscall entry stub itself (entry_amd64.s).
// It has no Go-callable signature -- it is entered directly by the CPU's
// SYSCALL instruction via LSTAR, never called from Go -- this declaration
// exists only so the toolchain can associate the TEXT symbol with a Go
// function.
func entryTrampoline()

// activeDispatcher and activeHeapFor are the package-level bindings the
// naked entry stub's Go-ABI callback (entryGo) uses to reach the rest of
// the kernel; there is exactly one of each since this kernel is
// single-core (spec.md Non-goals exclude SMP).
var (
	activeDispatcher *Dispatcher
	activeHeapFor    func(*proc.Proc_t) Heap
)

// Bind installs the dispatcher and per-process heap lookup the naked
// syscall entry stub's callback uses. Must be called once during boot
// before Install.
func Bind(d *Dispatcher, heapFor func(*proc.Proc_t) Heap) {
	activeDispatcher = d
	activeHeapFor = heapFor
}

// entryGo is called on the kernel stack by the naked entry stub once every
// GPR and the RIP/RFLAGS pair have been snapshotted into the current PCB
// (spec.md §4.4 "Syscall entry"). It dispatches the syscall and writes the
// result into the PCB's rax, matching spec.md's "writes the return value
// to the PCB's rax" — resumption back to user mode is the caller's job
// (sysretq, in entry_amd64.s).
//
//go:nosplit
func entryGo() {
	pcb := percpu.Current.PCB
	ret := activeDispatcher.Handle(pcb, activeHeapFor(pcb))
	pcb.Regs.RAX = uint64(ret)
}

// Install enables the syscall/sysret instruction pair and points LSTAR at
// the entry trampoline (spec.md §4.4 "Syscall entry", §6 "MSRs used").
// star packs the kernel and user code-segment bases SYSCALL/SYSRET expect
// (gdt.SelKernelCode in bits 32-47, gdt.SelUserCode-16 in bits 48-63, per
// the AMD64 SYSRET convention); fmask is set to ^0 so all RFLAGS bits
// clear on entry, matching spec.md §6 ("FMASK is set to !0").
func Install(star uint64) {
	efer := arch.Rdmsr(msrEFER)
	arch.Wrmsr(msrEFER, efer|eferSCEBit)
	arch.Wrmsr(msrSTAR, star)
	arch.Wrmsr(msrLSTAR, uint64(entryTrampolineAddr()))
	arch.Wrmsr(msrFMASK, ^uint64(0))
}
