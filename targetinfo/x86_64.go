// Package targetinfo supplies the architecture-specific hooks the CFI
// interpreter and step engine need but cannot derive from the DWARF byte
// stream alone: the DWARF register numbering, the stack-pointer column,
// and how (or whether) a target does pointer authentication or windowed
// register sets.
//
// Grounded on the teacher's debugger/registers/spec.go, which builds the
// same x86-64 DWARF register table (general-purpose registers 0-15 by
// calling convention order, rip at 16, eflags/segment registers above
// that) for its own register-access layer; X86_64 below reproduces just
// the numbering and column identities the unwinder core consumes.
package targetinfo

import (
	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/unwind"
)

// x86-64 DWARF register numbers, per the System V AMD64 psABI and as
// confirmed against the teacher's dwarfIds table: the 16 general-purpose
// registers occupy 0-15 in calling-convention order, rip is 16.
const (
	RAX = regstate.RegisterId(0)
	RDX = regstate.RegisterId(1)
	RCX = regstate.RegisterId(2)
	RBX = regstate.RegisterId(3)
	RSI = regstate.RegisterId(4)
	RDI = regstate.RegisterId(5)
	RBP = regstate.RegisterId(6)
	RSP = regstate.RegisterId(7)
	R8  = regstate.RegisterId(8)
	R9  = regstate.RegisterId(9)
	R10 = regstate.RegisterId(10)
	R11 = regstate.RegisterId(11)
	R12 = regstate.RegisterId(12)
	R13 = regstate.RegisterId(13)
	R14 = regstate.RegisterId(14)
	R15 = regstate.RegisterId(15)
	RIP = regstate.RegisterId(16)

	// NumRegisters is the preserved-register count (N) x86-64 CFI
	// programs and state records are sized for: 17 columns, 0-16 above.
	// Segment/eflags/floating-point registers the teacher's table also
	// numbers (49-55) are never CFA/frame-unwind targets in practice and
	// are out of range for this target's N, matching the CFI
	// interpreter's invariant that a decoded register number outside
	// [0, N) is ErrBadRegister rather than silently accepted.
	NumRegisters = 17
)

// X86_64 implements cfi.TargetHooks, cfi.StackPointerPolicy, and the rest
// of unwind.TargetHooks for the System V AMD64 ABI: no windowed register
// sets, no pointer authentication, 8-byte words.
type X86_64 struct{}

// New returns a ready-to-use X86_64 target. It carries no state; a single
// value may be shared across every Space/cursor unwinding x86-64 code.
func New() *X86_64 {
	return &X86_64{}
}

// WindowedRegisters implements cfi.TargetHooks. x86-64 has no SPARC-style
// register windows.
func (X86_64) WindowedRegisters() bool { return false }

// WordSize implements cfi.TargetHooks.
func (X86_64) WordSize() uint64 { return 8 }

// RASignStateRegister implements cfi.TargetHooks. x86-64 has no
// pointer-authentication return-address signing. Because WindowedRegisters
// also returns false, cfi's windowSave dispatch calls this method for a
// DW_CFA_GNU_window_save opcode and then fails with ErrBadInput.
func (X86_64) RASignStateRegister() (regstate.RegisterId, bool) {
	return 0, false
}

// StackPointerRegister implements cfi.StackPointerPolicy.
func (X86_64) StackPointerRegister() regstate.RegisterId { return RSP }

// StashFrame implements unwind.TargetHooks. x86-64 has no target-specific
// derived data to cache alongside a frame.
func (X86_64) StashFrame(*unwind.Cursor, *regstate.Record) {}

// ReuseFrame implements unwind.TargetHooks.
func (X86_64) ReuseFrame(*unwind.Cursor, bool) {}

// CacheFrame implements unwind.TargetHooks, reporting whether the frame
// just resolved for cursor is a signal frame, so the cache stores that
// flag alongside the entry and a later hit restores it via ReuseFrame.
func (X86_64) CacheFrame(cursor *unwind.Cursor) bool { return cursor.SignalFrame() }

// StripPtrAuth implements unwind.TargetHooks. A no-op: x86-64 return
// addresses carry no authentication signature to strip.
func (X86_64) StripPtrAuth(_ *unwind.Cursor, ip uint64) uint64 { return ip }

// PointerAuthActive implements unwind.TargetHooks. Always false: this
// target never signs return addresses.
func (X86_64) PointerAuthActive(*unwind.Cursor, *regstate.Record) bool { return false }
