// Command kdisasm disassembles a raw x86_64 code section, useful for
// inspecting a miscompiled iretq/sysretq trampoline or syscall entry stub
// without a full symbolic debugger (SPEC_FULL.md DOMAIN STACK: wires
// golang.org/x/arch/x86/x86asm, carried over from the teacher's own
// go.mod require of golang.org/x/arch).
//
// Usage mirrors kernel/chentry.go's small flag-free CLI style: a filename
// and a base address on the command line.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"golang.org/x/arch/x86/x86asm"
)

func usage(me string) {
	fmt.Printf("%s <filename> <base-addr-hex>\n\nDisassemble a raw amd64 code blob starting at base-addr.\n", me)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}
	base, err := strconv.ParseUint(os.Args[2], 0, 64)
	if err != nil {
		log.Fatal(err)
	}

	off := 0
	for off < len(data) {
		inst, err := x86asm.Decode(data[off:], 64)
		if err != nil {
			fmt.Printf("%#x: (bad) %v\n", base+uint64(off), err)
			off++
			continue
		}
		fmt.Printf("%#x: %s\n", base+uint64(off), x86asm.GNUSyntax(inst, base+uint64(off), nil))
		off += inst.Len
	}
}
