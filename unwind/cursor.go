package unwind

import (
	"github.com/corvidae/unwind/cache"
	"github.com/corvidae/unwind/regstate"
)

// Cursor is one frame of an in-progress stack walk: the frame's
// instruction pointer and canonical frame address, the Location each
// preserved register currently resolves to, and the bookkeeping the
// cache's hint mechanism and the stagnation guard need between steps.
//
// A Cursor is not safe for concurrent use; each goroutine walking a stack
// owns its own.
type Cursor struct {
	IP  uint64
	CFA uint64

	// Locations holds one entry per preserved register, indexed by
	// regstate.RegisterId. Populated by Step's apply phase; read by Apply
	// to resolve REGISTER-tagged slots and CFA rules.
	Locations []Location

	// UsePrevInstr carries the FDE/CIE driver's use_prev_instr
	// adjustment (0 for a signal frame, 1 otherwise) forward to the next
	// Step call, which subtracts it from IP before looking up proc-info
	// for the caller's frame.
	UsePrevInstr bool

	// Hint is the 1-based cache index Step should probe first, stashed
	// by the previous successful lookup or insertion for this cursor's
	// previous frame.
	Hint uint32

	// cacheIndex is this cursor's own most recent cache index (1-based,
	// 0 if none yet), threaded into the next Insert call as prevIndex so
	// the forward-hint chain links frame N's entry to frame N+1's.
	cacheIndex uint32

	// prevIP/prevCFA record the IP/CFA the cursor had before its most
	// recent successful Apply. The stagnation guard itself compares
	// against copies Apply takes on entry, not these fields.
	prevIP  uint64
	prevCFA uint64

	// signalFrame records whether the most recently applied state came
	// from a signal frame, consulted by target hooks that want to treat
	// pointer-authentication stripping or frame-pointer validation
	// differently across a signal boundary.
	signalFrame bool

	// ArgsSize is the current frame's DW_CFA_GNU_args_size accumulator, as
	// last set by apply from the state record Step resolved.
	ArgsSize uint64

	// ThreadCache is the per-thread cache Step consults/populates when the
	// owning Space was constructed with CachePerThread; nil otherwise.
	ThreadCache *cache.Cache
}

// NewCursor returns a cursor for a target with n preserved registers,
// starting at the given instruction pointer and stack pointer. The stack
// pointer seeds CFA so that the first step's "leaf function never saved
// SP" special case (see Apply) has a value to reuse.
func NewCursor(n int, ip, sp uint64) *Cursor {
	return &Cursor{
		IP:        ip,
		CFA:       sp,
		Locations: make([]Location, n),
	}
}

// Location returns register id's current location, or LocationNone if id
// is out of range.
func (c *Cursor) Location(id regstate.RegisterId) Location {
	if id < 0 || int(id) >= len(c.Locations) {
		return Location{}
	}
	return c.Locations[id]
}

// SetLocation overwrites register id's current location; a no-op if id is
// out of range.
func (c *Cursor) SetLocation(id regstate.RegisterId, loc Location) {
	if id < 0 || int(id) >= len(c.Locations) {
		return
	}
	c.Locations[id] = loc
}

// SignalFrame reports whether the state most recently applied to c came
// from a signal frame, the value target hooks consult when deciding
// whether a cache entry should be stored with its signal-frame flag set.
func (c *Cursor) SignalFrame() bool {
	return c.signalFrame
}
