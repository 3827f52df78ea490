// Package localaccess implements unwind.AddressSpace for unwinding the
// current process's own stack: memory reads are ordinary pointer
// dereferences (no syscall, no ptrace attach) and register values come
// from a snapshot the caller captured however its platform provides one
// (a signal handler's ucontext, a one-off assembly stub, and so on —
// capturing that snapshot is outside this module's scope, mirroring
// spec.md's treatment of the expression VM and target hooks as
// consumed contracts rather than things the core re-implements).
//
// There is no teacher file for self-unwinding specifically — the
// teacher is a ptrace debugger, always inspecting a different process —
// so this package's shape is grounded on unwind.AddressSpace itself (the
// interface ptraceaccess also implements) rather than adapted from a
// teacher source file.
package localaccess

import (
	"fmt"
	"unsafe"

	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/unwind"
)

// Space reads the current process's own memory and a caller-supplied
// register snapshot.
type Space struct {
	registers map[regstate.RegisterId]uint64
}

// New returns a Space reporting registers as given by snapshot, a map
// from DWARF register id to value (e.g. populated from a ucontext's
// general-purpose register array by caller-specific platform code).
func New(snapshot map[regstate.RegisterId]uint64) *Space {
	return &Space{registers: snapshot}
}

// ReadMemory implements unwind.AddressSpace by dereferencing addr
// directly: valid only for addresses genuinely mapped into this
// process, which the caller is responsible for (an unwinder walking its
// own stack should never produce anything else, short of stack
// corruption, which ReadMemory cannot distinguish from any other invalid
// address).
func (s *Space) ReadMemory(addr uint64, buf []byte) error {
	if addr == 0 {
		return fmt.Errorf("localaccess: read from nil address")
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	copy(buf, src)
	return nil
}

// ReadRegisterLocation implements unwind.AddressSpace, resolving id
// against the snapshot given to New. As with ptraceaccess, only the
// expression evaluator (DW_OP_breg*/bregx) calls this; Apply reads
// cursor.Locations instead.
func (s *Space) ReadRegisterLocation(cursor *unwind.Cursor, id regstate.RegisterId) (unwind.Location, bool) {
	v, ok := s.registers[id]
	if !ok {
		return unwind.Location{}, false
	}
	return unwind.Location{Kind: unwind.LocationValue, Value: v}, true
}
