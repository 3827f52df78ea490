// Package unwind implements the step engine: the operation that resolves
// a register state for a cursor's current instruction pointer (from cache
// or by recomputing via the CFI interpreter) and applies it, advancing
// the cursor to the caller's frame.
//
// The proc-info provider, address-space accessor set, expression
// evaluator, and target hooks this package consumes are all external
// collaborators; this package only specifies the interface it needs from
// each; concrete implementations live in sibling packages (procinfo,
// access/localaccess, access/ptraceaccess, dwarfexpr, targetinfo).
package unwind

import (
	"github.com/corvidae/unwind/cfi"
	"github.com/corvidae/unwind/regstate"
)

// ProcInfoFormat names the kind of unwind info a proc-info lookup found.
type ProcInfoFormat int

const (
	// FormatTable is a conventional .eh_frame/.debug_frame FDE/CIE pair.
	FormatTable ProcInfoFormat = iota

	// FormatRemoteTable is the same, but the table lives in a different
	// address space than the one being unwound (e.g. a cached copy read
	// once and reused across many ptrace'd lookups).
	FormatRemoteTable

	// FormatDynamic names a JIT-registered unwind descriptor. Recognized
	// but not decoded by this core; a provider returning FormatDynamic
	// gets treated the same as a miss.
	FormatDynamic
)

// ProcInfo is what the proc-info provider hands back for one Find call:
// the PC range it covers and, for FormatTable/FormatRemoteTable, the raw
// CIE/FDE instruction streams and parsed CIE header the FDE/CIE driver
// needs to build a state record.
type ProcInfo struct {
	Format ProcInfoFormat

	StartIP uint64
	EndIP   uint64

	// HasLastIP and LastIP describe the last PC an iterate call can
	// usefully stop at, for targets that expose that information to the
	// proc-info provider; most do not.
	HasLastIP bool
	LastIP    uint64

	CIE             cfi.CIEInfo
	CIEInstructions []byte
	FDEInstructions []byte

	SignalFrame bool
}

// ProcInfoProvider locates the FDE/CIE covering a given instruction
// pointer. Find returns uwerr.ErrNoInfo (wrapped) when ip has no CFI
// coverage. Release is the matching teardown for whatever resource Find
// acquired (a mapped section, a remote-table cache entry, and so on).
type ProcInfoProvider interface {
	Find(ip uint64) (ProcInfo, error)
	Release(info ProcInfo)
}

// LocationKind selects how a Cursor's per-register Location should be
// interpreted.
type LocationKind int

const (
	// LocationNone: the register has no known location (SAME as a
	// callee we never captured, or UNDEF).
	LocationNone LocationKind = iota

	// LocationMemory: the register's value lives at Address in the
	// target's memory.
	LocationMemory

	// LocationValue: Value itself is the register's value; there is no
	// memory indirection (used for VALUE_EXPRESSION results and for the
	// CFA pseudo-register).
	LocationValue
)

// Location is where one of a cursor's registers currently lives.
type Location struct {
	Kind    LocationKind
	Address uint64
	Value   uint64
}

// IsNone reports whether the location carries no recoverable value.
func (l Location) IsNone() bool {
	return l.Kind == LocationNone
}

// AddressSpace reads a target's memory and a cursor's current register
// values. Implementations: access/localaccess (current process) and
// access/ptraceaccess (a traced process).
type AddressSpace interface {
	// ReadMemory reads len(buf) bytes at addr into buf.
	ReadMemory(addr uint64, buf []byte) error

	// ReadRegisterLocation returns the cursor's current Location for a
	// DWARF register id. The expression evaluator calls it to read a
	// register's value (DW_OP_breg*/bregx); Apply resolves CFA rules of
	// REGISTER and REGISTER-tagged slots from cursor.Locations instead.
	ReadRegisterLocation(cursor *Cursor, id regstate.RegisterId) (Location, bool)
}

// ExpressionEvaluator evaluates a DWARF location expression. initialStack
// is pushed before evaluation begins (apply uses 0 for a CFA expression,
// the freshly computed CFA for a register's EXPRESSION/VALUE_EXPRESSION).
// isRegister reports whether the result names a register rather than an
// address/value; Apply treats that as an error both for a CFA expression
// and for a register's EXPRESSION/VALUE_EXPRESSION.
type ExpressionEvaluator interface {
	Evaluate(cursor *Cursor, initialStack uint64, expr []byte, accessSpace AddressSpace) (result uint64, isRegister bool, err error)
}

// TargetHooks extends the CFI interpreter's target hooks with the parts
// of §6's "target hooks" contract the step engine itself needs: frame
// notification, pointer-authentication stripping, and the DWARF register
// numbering the apply step is keyed on.
type TargetHooks interface {
	cfi.TargetHooks
	cfi.StackPointerPolicy

	// StashFrame notifies the target layer of a freshly computed state,
	// for targets that want to cache target-specific derived data
	// alongside a cursor (e.g. unwound frame-pointer chains used as a
	// sanity check).
	StashFrame(cursor *Cursor, state *regstate.Record)

	// ReuseFrame notifies the target layer that step resolved this
	// frame's state from the cache rather than recomputing it.
	ReuseFrame(cursor *Cursor, signalFrame bool)

	// CacheFrame tells the cache whether to mark the entry being
	// inserted as a signal frame.
	CacheFrame(cursor *Cursor) bool

	// StripPtrAuth removes a pointer-authentication signature from ip,
	// a no-op on targets without pointer authentication.
	StripPtrAuth(cursor *Cursor, ip uint64) uint64

	// PointerAuthActive reports whether the RA_SIGN_STATE bit is
	// currently set for cursor, per the CFI program that produced its
	// state.
	PointerAuthActive(cursor *Cursor, state *regstate.Record) bool
}
