// Package percpu holds the single per-CPU slot this kernel uses to bridge
// the GS segment to the currently running process and its kernel stack
// (spec.md §4.4 "the per-CPU slot pointed to by GS", §5 "Shared
// resources"). There is exactly one instance because spec.md's Non-goals
// exclude SMP; a multi-core port would index this by APIC id instead of
// using a single package-level variable.
package percpu

import "limnos/proc"

// CPU is the structure GS_BASE points at while a task runs (sched.LoadContext
// writes its address into KERNEL_GS_BASE, then swapgs moves it into
// GS_BASE): the naked syscall/interrupt entry stubs read
// PCB to find the running task's register-save area and read KernelRSP to
// find the ring-0 stack to switch onto (spec.md §4.4 "Syscall entry",
// "Preemption (PIT tick)").
type CPU struct {
	PCB       *proc.Proc_t
	KernelRSP uint64
}

// Current is the single CPU slot. Its address is what sched.LoadContext
// writes into KERNEL_GS_BASE.
var Current CPU
