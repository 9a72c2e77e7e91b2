// Package stdin is the keyboard input ring buffer consumed by
// read(0, ...) (spec.md §1 "PS/2 keyboard driver ... only its consumed API
// is specified" via syscall.Stdin). The keyboard interrupt handler itself
// is out of spec.md's scope; this package is the buffer it feeds.
//
// Grounded directly on biscuit/src/circbuf.Circbuf_t's head/tail modular
// bookkeeping (Full/Empty/Left/Used, wraparound Copyin/Copyout), simplified
// from its page-allocator-backed, refcounted backing store (Cb_init_phys,
// Refup/Refdown) down to a single fixed byte slice — a keyboard buffer
// never needs to share or release its backing page the way an open file
// descriptor's circbuf does.
package stdin

import (
	"limnos/defs"
	"limnos/mutex"
)

// bufSize matches spec.md's implicit small keyboard scratch buffer; large
// enough for many keystrokes between reads without requiring dynamic
// growth.
const bufSize = 4096

// Buffer is a single-producer (keyboard ISR), single-consumer (read
// syscall) ring buffer guarded by the kernel's one spinlock type, used
// exactly the way spec.md §5 names it: "stdin's without_interrupts
// pattern used around the keyboard buffer".
type Buffer struct {
	lock mutex.Spinlock
	buf  [bufSize]byte
	head int // write position, monotonically increasing
	tail int // read position, monotonically increasing
}

// Full reports whether the buffer cannot accept more data.
func (b *Buffer) Full() bool {
	return b.head-b.tail == bufSize
}

// Empty reports whether the buffer currently holds no data.
func (b *Buffer) Empty() bool {
	return b.head == b.tail
}

// PushByte appends one byte from the keyboard ISR, dropping it silently if
// the buffer is full (spec.md does not specify keyboard-buffer overflow
// behavior; dropping the newest byte is the least surprising choice for an
// interrupt handler that cannot block or return an error). Called with
// interrupts already disabled (it is itself the ISR), so it takes the lock
// directly rather than through WithoutInterrupts.
func (b *Buffer) PushByte(c byte) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.Full() {
		return
	}
	b.buf[b.head%bufSize] = c
	b.head++
}

// Read copies up to len(p) available bytes into p, wrapping as needed, and
// reports how many bytes were copied (spec.md §8 scenario S5). It is the
// method consumed by syscall.Dispatcher.Handle's read(0, ...) path, and
// runs with interrupts disabled around the critical section per spec.md
// §5's without_interrupts pattern, since the keyboard ISR can run at any
// point.
func (b *Buffer) Read(p []byte) (int, defs.Err_t) {
	n := 0
	b.lock.WithoutInterrupts(func() {
		for n < len(p) && !b.Empty() {
			p[n] = b.buf[b.tail%bufSize]
			b.tail++
			n++
		}
	})
	return n, 0
}
