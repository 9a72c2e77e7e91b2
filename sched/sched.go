// Package sched implements the ready queue, dispatch, and the process
// lifecycle glue around proc.Proc_t (spec.md §3 "Ready Queue", §4.4
// "Scheduler and Process Lifecycle").
//
// The aging/priority design has no direct analogue in the teacher pack (the
// teacher repo schedules with the host Go runtime's own goroutine
// scheduler, since biscuit is a userspace-process simulation of a kernel);
// this package implements spec.md §3/§4.4's rule directly, in the style the
// rest of this repo already uses for small, single-purpose state-holding
// types (mirroring how mutex.Spinlock and pfa.Allocator each wrap one piece
// of global kernel state behind a small method set).
package sched

import (
	"sort"

	"limnos/arch"
	"limnos/defs"
	"limnos/mem"
	"limnos/pfa"
	"limnos/proc"
	"limnos/vmm"
)

// PIC command port and end-of-interrupt command, per spec.md §6 ("the 8259
// PIC, initialized with offsets 0x20 and 0x28") and §4.4 ("Preemption (PIT
// tick)" step 3, "sends EOI to the 8259 PIC").
const (
	picCommandPort1 uint16 = 0x20
	picEOI          uint8  = 0x20
)

// entry pairs a process with its current queue priority.
type entry struct {
	p        *proc.Proc_t
	priority int
}

// Queue is the ready queue: a slice of (process, priority) pairs kept
// sorted ascending by priority, so the highest-priority entry is always
// the tail (spec.md §3 "Ready Queue").
type Queue struct {
	entries []entry
}

// Enqueue pushes p with its base priority (15 for kernel tasks, 0 for user
// tasks, per spec.md §4.4), re-sorts ascending, then ages every entry by
// incrementing its priority by 1 (spec.md §3 "Enqueue/priority/aging").
func (q *Queue) Enqueue(p *proc.Proc_t) {
	base := 0
	if p.KernelTask {
		base = 15
	}
	q.entries = append(q.entries, entry{p: p, priority: base})
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].priority < q.entries[j].priority
	})
	for i := range q.entries {
		q.entries[i].priority++
	}
}

// Dispatch pops the tail (highest priority) entry and returns its process.
// The second return value is false if the queue is empty.
func (q *Queue) Dispatch() (*proc.Proc_t, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	last := len(q.entries) - 1
	p := q.entries[last].p
	q.entries = q.entries[:last]
	return p, true
}

// Len reports the number of ready processes.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Scheduler ties a ready queue to the single current-process slot and a
// terminator queue for deferred teardown (spec.md §4.4 "Termination").
// There is exactly one Scheduler per kernel image; it is not safe for use
// from more than one CPU, matching spec.md's Non-goals (no SMP).
type Scheduler struct {
	Ready       Queue
	Current     *proc.Proc_t
	terminating []*proc.Proc_t

	// Trace is nil unless the caller opts into debug scheduler tracing
	// (SPEC_FULL.md DOMAIN STACK, cmd/ksched-trace).
	Trace *Trace
	ticks uint64

	// KernelPML4/Frames/VM back the PIT and page-fault handlers (spec.md
	// §4.4 "Preemption (PIT tick)" step 1, "Page-fault handler" steps
	// 1-2): the kernel page table to reload on every tick, and the frame
	// allocator/VMM to grow a faulting user stack.
	KernelPML4 mem.Pa_t
	Frames     *pfa.Allocator
	VM         *vmm.VMM
}

// AddToTheQueue enqueues p, matching spec.md's named operation
// ("add_to_the_queue").
func (s *Scheduler) AddToTheQueue(p *proc.Proc_t) {
	s.Ready.Enqueue(p)
}

// Dispatch pops the highest-priority ready process into Current. Callers
// are responsible for invoking LoadContext (or the caller-supplied
// equivalent) to actually transfer control; Dispatch only updates
// bookkeeping (spec.md §4.4 "Dispatch").
func (s *Scheduler) Dispatch() (*proc.Proc_t, bool) {
	p, ok := s.Ready.Dispatch()
	if !ok {
		return nil, false
	}
	s.Current = p
	if s.Trace != nil {
		s.Trace.Record(Event{Tid: int(p.Tid), Kind: EventDispatch, Ticks: s.ticks})
	}
	return p, true
}

// LoadFromQueue pops the highest-priority ready task, re-enqueueing
// whichever task is still current (if any), and installs the popped task
// as Current. This is spec.md's `load_from_queue`: the tail step of every
// suspension point it names ("Syscall entry", "Preemption (PIT tick)"
// step 4, "Page-fault handler" step 3) — callers that already cleared
// Current themselves (the PIT path, via SwitchCurrentProcess) see no
// re-enqueue here, since there is nothing left to re-enqueue.
func (s *Scheduler) LoadFromQueue() (*proc.Proc_t, bool) {
	p, ok := s.Ready.Dispatch()
	if !ok {
		return nil, false
	}
	if s.Current != nil {
		s.Ready.Enqueue(s.Current)
	}
	s.Current = p
	if s.Trace != nil {
		s.Trace.Record(Event{Tid: int(p.Tid), Kind: EventDispatch, Ticks: s.ticks})
	}
	return p, true
}

// SwitchCurrentProcess re-enqueues the current task (if any) and clears
// Current, matching the PIT handler's named step (spec.md §4.4
// "Preemption (PIT tick)" step 4).
func (s *Scheduler) SwitchCurrentProcess() {
	s.ticks++
	if s.Current == nil {
		return
	}
	if s.Trace != nil {
		s.Trace.Record(Event{Tid: int(s.Current.Tid), Kind: EventPreempt, Ticks: s.ticks})
	}
	s.Ready.Enqueue(s.Current)
	s.Current = nil
}

// Exit pushes the named task onto the terminator queue and clears Current
// if it is the exiting task (spec.md §4.4 "Termination").
func (s *Scheduler) Exit(p *proc.Proc_t) {
	s.terminating = append(s.terminating, p)
	if s.Current == p {
		s.Current = nil
	}
}

// DrainTerminated pops every queued exited process and calls drop on each,
// matching the dedicated drainer kernel task spec.md §4.4 describes.
// Returns the first error encountered, after attempting to drop every
// queued process (a best-effort drain, since one stuck teardown must not
// prevent others from being reclaimed).
func (s *Scheduler) DrainTerminated(drop func(*proc.Proc_t) error) error {
	var firstErr error
	for _, p := range s.terminating {
		if err := drop(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.terminating = s.terminating[:0]
	return firstErr
}

// Tick is the PIT interrupt handler's orchestration (spec.md §4.4
// "Preemption (PIT tick)"), grounded on pit.rs's pit_handler: reload the
// kernel page table, snapshot the interrupted context's RIP/RSP/RFLAGS into
// Current, acknowledge the interrupt to the 8259 PIC, then hand off to the
// next ready task. frame is the interrupt stack frame the CPU pushed on
// entry (iretFrame mirrors x86_64::structures::idt::InterruptStackFrame).
//
// Not covered by a hosted test: LoadCR3 and Outb both execute privileged
// instructions (mov cr3, out) that fault outside ring 0 (see DESIGN.md's
// test coverage boundary).
func (s *Scheduler) Tick(frame *iretFrame) {
	// The frame lives on the interrupted task's stack, which the kernel
	// page table is not guaranteed to map; capture it before the CR3
	// switch tears that view down.
	rip, rsp, rflags := frame.RIP, frame.RSP, frame.RFlags

	arch.LoadCR3(uintptr(s.KernelPML4))

	if s.Current != nil {
		s.Current.Rip = rip
		s.Current.Rsp = rsp
		s.Current.Rflags = rflags
	}

	s.SwitchCurrentProcess()
	arch.Outb(picCommandPort1, picEOI)
	s.LoadFromQueue()
}

// PageFault is the on-demand stack-growth core of the page-fault handler
// (spec.md §4.4 "Page-fault handler", testable property S6), grounded on
// idt/mod.rs's page_fault_handler: starting from the faulting address,
// scan upward page by page until the first virtual address that is not
// yet mapped, allocate one frame, and map it PRESENT|USER_ACCESSIBLE|
// WRITABLE so the faulting instruction can be retried. It panics if no
// frame is available, matching spec.md's documented behavior for an
// out-of-memory stack-growth fault.
//
// PageFault takes the faulting address as a parameter rather than reading
// CR2 itself so it can run under a hosted test against mem/memtest-backed
// page tables; PageFaultFromCR2 below supplies the real CR2 value.
func (s *Scheduler) PageFault(faultAddr uintptr) {
	pml4 := s.Current.PageTable
	va := mem.VA_t(mem.Rounddown(int(faultAddr), mem.PGSIZE))
	for {
		if _, err := s.VM.VirtualToPhysical(pml4, va); err != nil {
			break
		}
		va += mem.VA_t(mem.PGSIZE)
	}

	frame, ok := s.Frames.Allocate()
	if !ok {
		panic("sched: PageFault: out of physical frames growing user stack")
	}
	if err := s.VM.MapAddress(pml4, va, mem.Pa_t(frame), mem.PTE_P|mem.PTE_U|mem.PTE_W, vmm.Page4K); err != nil {
		panic("sched: PageFault: " + err.Error())
	}

	s.LoadFromQueue()
}

// PageFaultFromCR2 reads the faulting address from CR2 and dispatches to
// PageFault, matching idt/mod.rs's page_fault_handler entry point.
//
// Not covered by a hosted test: ReadCR2 executes a privileged mov from a
// control register, which faults outside ring 0 (see DESIGN.md's test
// coverage boundary).
func (s *Scheduler) PageFaultFromCR2() {
	s.PageFault(arch.ReadCR2())
}

// NextTid hands out monotonically increasing task ids starting at 1 (0 is
// reserved as a sentinel meaning "no task").
type NextTid struct {
	next defs.Tid_t
}

// Allocate returns the next unused Tid_t.
func (n *NextTid) Allocate() defs.Tid_t {
	n.next++
	return n.next
}
