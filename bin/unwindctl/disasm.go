package main

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/corvidae/unwind/ptrace"
)

const maxX64InstructionLength = 15

// disassembleAt decodes n instructions starting at addr out of tracer's
// address space, in the style of the teacher's memory.Disassembler but
// reading directly through a live Tracer instead of a cached
// VirtualMemory snapshot (unwindctl never installs software breakpoints,
// so there are no stop-site bytes to patch back out before decoding).
func disassembleAt(tracer *ptrace.Tracer, addr uint64, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	data := make([]byte, n*maxX64InstructionLength)
	read, err := tracer.ReadMemory(uintptr(addr), data)
	if err != nil {
		return nil, fmt.Errorf("unwindctl: reading instructions at 0x%x: %w", addr, err)
	}
	data = data[:read]

	lines := make([]string, 0, n)
	cur := addr
	for len(data) > 0 && len(lines) < n {
		inst, err := x86asm.Decode(data, 64)
		if err != nil {
			break
		}
		lines = append(lines, fmt.Sprintf("0x%016x: %s", cur, x86asm.GNUSyntax(inst, cur, nil)))
		data = data[inst.Len:]
		cur += uint64(inst.Len)
	}
	return lines, nil
}
