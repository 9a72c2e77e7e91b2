// Package mutex implements the single spinning lock type used across the
// kernel: a test-and-set lock built on the x86 `bts` instruction, sound
// only against interrupt-driven reentrancy the caller has already
// disabled by turning off interrupts (spec.md §5 "Locking"). It is NOT a
// general mutual-exclusion primitive for concurrent CPUs — spec.md's
// Non-goals exclude SMP — its only job here is to guard the STDIN buffer
// and the kernel-task stack bitmap against the same CPU re-entering the
// critical section from an interrupt handler.
//
// Grounded on the embedding style the teacher uses throughout
// (biscuit/src/vm.Vm_t and biscuit/src/fd.Cwd_t both embed sync.Mutex
// directly rather than wrapping it), adapted here to the test-and-set
// primitive spec.md §4 and §5 specify instead of a blocking OS mutex,
// since there is no OS to block on.
package mutex

import "limnos/arch"

// Spinlock is a single bts-based test-and-set lock.
type Spinlock struct {
	locked uint32
}

// Lock spins using the bts instruction until it acquires the lock. Callers
// in interrupt-sensitive paths must disable interrupts around the
// critical section themselves (spec.md §5); Lock does not do this for
// them.
func (s *Spinlock) Lock() {
	for !s.TryLock() {
		arch.Pause()
	}
}

// TryLock attempts to set the lock bit with a single bts and reports
// whether it succeeded. bts returns the bit's prior value, so acquiring
// succeeds exactly when the bit was previously clear.
func (s *Spinlock) TryLock() bool {
	return !arch.BitTestAndSet(&s.locked, 0)
}

// Unlock clears the lock bit. The caller must hold the lock.
func (s *Spinlock) Unlock() {
	arch.BitClear(&s.locked, 0)
}

// WithoutInterrupts disables interrupts, runs fn with the lock held, then
// restores the prior interrupt state and releases the lock — the pattern
// spec.md §5 calls out by name ("stdin's without_interrupts pattern")
// for code that must run atomically with respect to both the current
// CPU's interrupt handlers and the lock itself.
func (s *Spinlock) WithoutInterrupts(fn func()) {
	flags := arch.DisableInterrupts()
	s.Lock()
	defer func() {
		s.Unlock()
		arch.RestoreInterrupts(flags)
	}()
	fn()
}
