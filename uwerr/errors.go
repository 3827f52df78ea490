// Package uwerr defines the sentinel error kinds shared by every layer of
// the unwinder core, so callers can classify a failure with errors.Is
// instead of string matching.
package uwerr

import "errors"

var (
	// ErrBadInput covers a malformed CFI byte stream: an unknown opcode, a
	// corrupt length prefix, or a read past the end of the instruction
	// stream.
	ErrBadInput = errors.New("unwind: bad cfi input")

	// ErrBadRegister is returned when a decoded register number is not in
	// [0, N) for the target.
	ErrBadRegister = errors.New("unwind: bad register number")

	// ErrBadFrame is returned when an applied state record is unusable: a
	// return-address column out of range, a CFA expression that resolves to
	// a register location instead of an address, or stagnation (ip and cfa
	// both unchanged from the previous frame).
	ErrBadFrame = errors.New("unwind: bad frame")

	// ErrNoInfo is returned when the proc-info provider has no CFI coverage
	// for the queried instruction pointer.
	ErrNoInfo = errors.New("unwind: no unwind info")

	// ErrOutOfMemory is returned when the state-record stack or the
	// register-state cache cannot grow to satisfy a request.
	ErrOutOfMemory = errors.New("unwind: out of memory")

	// ErrInternal covers an unexpected proc-info format or an invariant
	// violation that should never happen given a well-formed caller.
	ErrInternal = errors.New("unwind: internal error")
)
