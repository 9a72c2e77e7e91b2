// Package kprint is the kernel's console writer: a single buffered sink
// for diagnostic and panic output, the ambient logging layer every
// from-scratch kernel in the retrieval pack reaches for instead of a
// leveled logging framework (SPEC_FULL.md "AMBIENT STACK").
//
// Grounded on gopheros/kernel/kfmt's Printf/Fprintf split (the one pack
// repo that factors console printing into its own package) and on the
// direct fmt.Printf calls biscuit/src/mem and biscuit/src/fs make inline;
// this package keeps that same "just fmt.Fprintf a writer" shape rather
// than inventing a level-filtered logger the kernel has no use for.
package kprint

import (
	"bufio"
	"fmt"
	"io"

	"golang.org/x/text/encoding/charmap"
)

// Console wraps a buffered writer over the boot-time console (serial port
// or framebuffer text region; the transport itself is out of spec.md's
// scope — only the printer that would use it is).
type Console struct {
	w *bufio.Writer
}

// New wraps w (typically a direct MMIO or port-I/O io.Writer supplied by
// the boot sequence) in a buffered console.
func New(w io.Writer) *Console {
	return &Console{w: bufio.NewWriter(w)}
}

// Printf formats and writes to the console, flushing immediately: kernel
// diagnostics must survive a crash a few instructions later, so nothing is
// left buffered across a call.
func (c *Console) Printf(format string, args ...any) {
	fmt.Fprintf(c.w, format, args...)
	c.w.Flush()
}

// Panicf prints a formatted diagnostic and then panics, matching spec.md
// §7's "Fatal CPU exceptions: print diagnostic, halt" convention for
// unrecoverable kernel errors.
func (c *Console) Panicf(format string, args ...any) {
	c.Printf(format, args...)
	panic(fmt.Sprintf(format, args...))
}

// Banner writes s run through the CodePage437 table used by VGA/serial
// text-mode consoles, so box-drawing and other high-bit glyphs in a boot
// banner render as the traditional PC character set rather than raw UTF-8.
func (c *Console) Banner(s string) {
	encoded, err := charmap.CodePage437.NewEncoder().String(s)
	if err != nil {
		// a glyph outside CodePage437's repertoire; fall back to the raw
		// string rather than dropping the banner entirely.
		c.w.WriteString(s)
		c.w.Flush()
		return
	}
	c.w.WriteString(encoded)
	c.w.Flush()
}
