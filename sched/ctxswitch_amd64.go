package sched

import (
	"unsafe"

	"limnos/arch"
	"limnos/gdt"
	"limnos/percpu"
	"limnos/proc"
)

// iretFrame is the stack layout consumed by iretq: SS, RSP, RFLAGS, CS, RIP
// pushed in that order from high address to low (spec.md §4.4
// "load_context" step 4, GLOSSARY "IRET frame").
type iretFrame struct {
	RIP, CS, RFlags, RSP, SS uint64
}

// iretqTrampoline is implemented in ctxswitch_amd64.s: it pushes the five
// IRET frame words, loads every GPR from regs (RCX last, since it holds
// the regs pointer until then), and executes iretq. It never returns.
func iretqTrampoline(frame *iretFrame, regs *proc.Registers)

// LoadContext performs the ring transition described in spec.md §4.4: load
// the process's page table into CR3, publish the current-process/kernel-
// stack slot via KERNEL_GS_BASE for the syscall/interrupt entry points to
// find, swapgs, then build and consume an IRET frame that resumes p at
// RIP with RSP, RFLAGS and the correct ring's segment selectors.
// kernelRSP is the ring-0 stack the next trap out of p should run the
// naked entry stub on before calling into Go (spec.md §4.4 "the per-CPU
// slot pointed to by GS").
func LoadContext(p *proc.Proc_t, kernelRSP uint64) {
	arch.LoadCR3(uintptr(p.PageTable))
	percpu.Current.PCB = p
	percpu.Current.KernelRSP = kernelRSP
	arch.WriteKernelGSBase(uintptr(unsafe.Pointer(&percpu.Current)))
	arch.Swapgs()

	cs, ss := uint64(gdt.SelKernelCode), uint64(gdt.SelKernelData)
	if !p.KernelTask {
		cs = uint64(gdt.SelUserCode) | gdt.RPL3
		ss = uint64(gdt.SelUserData) | gdt.RPL3
	}
	frame := &iretFrame{
		RIP:    p.Rip,
		CS:     cs,
		RFlags: p.Rflags,
		RSP:    p.Rsp,
		SS:     ss,
	}
	iretqTrampoline(frame, &p.Regs)
}
