package cfi

import "github.com/corvidae/unwind/regstate"

// CIEInfo is the subset of a CIE's parsed header the interpreter needs to
// execute a CFI program: alignment factors, the return-address column, and
// the pointer encoding/bases for DW_CFA_set_loc. The proc-info provider
// (outside this package) is responsible for locating and parsing the CIE
// itself; this package only consumes the result.
type CIEInfo struct {
	CodeAlignment uint64
	DataAlignment int64

	ReturnAddressColumn regstate.RegisterId

	// FDEEncoding is the pointer encoding DW_CFA_set_loc's operand uses,
	// taken from the 'R' entry of the CIE's augmentation.
	FDEEncoding PointerEncoding
	Bases       PointerBases

	// SignalFrame is true for an FDE whose CIE augmentation marks it as
	// describing a signal trampoline ('S' in the augmentation string).
	// The step engine consults this, not the interpreter itself.
	SignalFrame bool
}

// TargetHooks resolves the target-specific meaning of opcodes that are not
// self-describing from the CFI byte stream alone. A concrete target
// package (one per architecture) supplies one of these; this package never
// imports a specific target.
type TargetHooks interface {
	// WindowedRegisters reports whether DW_CFA_GNU_window_save means "set
	// all 16 windowed registers relative to the CFA" (SPARC) rather than
	// "toggle the return-address signing state" (aarch64 pointer auth).
	WindowedRegisters() bool

	// WordSize is the target's register width in bytes, used by
	// WindowedRegisters handling to compute each windowed register's CFA
	// offset.
	WordSize() uint64

	// RASignStateRegister names the register slot DW_CFA_GNU_window_save
	// toggles on a pointer-authentication target. ok is false if the
	// target has no such register; if WindowedRegisters is also false,
	// DW_CFA_GNU_window_save fails with ErrBadInput.
	RASignStateRegister() (regstate.RegisterId, bool)
}

// Machine is one interpreter invocation: the state record it mutates, the
// initial state DW_CFA_restore/restore_extended reset individual slots to,
// the remember/restore stack, and the running location counter. A Machine
// is used once per setup-or-parse-FDE call and discarded; interp-invariant-1
// requires Stack to be empty whenever a Machine returns control to its
// caller: Run/RunUntil clear it when they fail, and Setup, ParseFDE and
// Iterate clear it after a successful run.
type Machine struct {
	Current *regstate.Record
	Initial *regstate.Record
	Stack   *regstate.Stack

	CIE    CIEInfo
	Target TargetHooks

	// Location is the CFI program's notion of "current pc", advanced by
	// the advance_loc family and set directly by set_loc. It starts at
	// the FDE's initial_location, supplied by the caller.
	Location uint64
}

// NewMachine returns a Machine ready to execute a CFI program for n
// preserved registers, starting at initialLocation. Current and Initial
// both start as freshly zeroed (all-Undef) records sharing no storage.
func NewMachine(n int, cie CIEInfo, target TargetHooks, initialLocation uint64) *Machine {
	return &Machine{
		Current:  regstate.NewRecord(n),
		Initial:  regstate.NewRecord(n),
		Stack:    regstate.NewStack(),
		CIE:      cie,
		Target:   target,
		Location: initialLocation,
	}
}
