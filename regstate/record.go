package regstate

// Record is the full per-PC recovery recipe for one frame: where every
// preserved register lives, which column holds the return address, and
// the caller-pop byte count from DW_CFA_GNU_args_size.
//
// The two "virtual" CFA columns the design calls for (the CFA register and
// CFA offset) are represented as CFARegister/CFAOffset rather than two
// more entries appended to Registers: both are write-only by the CFI
// interpreter and read-only by the apply step, so giving them their own
// fields instead of magic trailing indices reads the same and is harder to
// index out of bounds by accident.
type Record struct {
	// Registers holds one Slot per preserved register, indexed by
	// RegisterId. Length is fixed at construction (the target's N).
	Registers []Slot

	// CFARegister is set by DW_CFA_def_cfa/def_cfa_register/
	// def_cfa_expression. Tag is InRegister (RegisterId names the CFA base
	// register, CFAOffset holds the additive offset) or Expression (the CFA
	// is the address produced by evaluating Expression; CFAOffset is
	// unused).
	CFARegister Slot

	// CFAOffset is set by DW_CFA_def_cfa/def_cfa_sf/def_cfa_offset/
	// def_cfa_offset_sf (def_cfa_register leaves it unchanged) and is
	// meaningless when CFARegister.Tag is Expression.
	CFAOffset int64

	// RetAddrColumn names which register slot holds the return address,
	// copied from the CIE. A state record whose RetAddrColumn is out of
	// [0, N) must be rejected by the caller (spec invariant 5).
	RetAddrColumn RegisterId

	// ArgsSize is the caller-pop byte count from the most recent
	// DW_CFA_GNU_args_size.
	ArgsSize uint64
}

// NewRecord allocates a fresh record for a target with n preserved
// registers, all slots Undef and the CFA rule unset.
func NewRecord(n int) *Record {
	return &Record{
		Registers: make([]Slot, n),
	}
}

// N returns the number of preserved register slots (not counting the two
// reserved CFA columns).
func (r *Record) N() int {
	return len(r.Registers)
}

// Slot returns register id's slot, or false if id is out of range.
func (r *Record) Slot(id RegisterId) (Slot, bool) {
	if id < 0 || int(id) >= len(r.Registers) {
		return Slot{}, false
	}
	return r.Registers[id], true
}

// SetSlot overwrites register id's slot, returning false if id is out of
// range.
func (r *Record) SetSlot(id RegisterId, slot Slot) bool {
	if id < 0 || int(id) >= len(r.Registers) {
		return false
	}
	r.Registers[id] = slot
	return true
}

// Clone returns a deep-enough copy: the Registers array is copied so that
// mutating the clone never affects the original, while Expression byte
// slices are shared (CFI/FDE instruction bytes are never mutated in
// place).
func (r *Record) Clone() *Record {
	registers := make([]Slot, len(r.Registers))
	copy(registers, r.Registers)

	return &Record{
		Registers:     registers,
		CFARegister:   r.CFARegister,
		CFAOffset:     r.CFAOffset,
		RetAddrColumn: r.RetAddrColumn,
		ArgsSize:      r.ArgsSize,
	}
}

// Equal reports whether two records are identical slot-by-slot, used by
// the round-trip property between setup+parse-FDE and the iterate entry
// point.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}

	if len(r.Registers) != len(other.Registers) {
		return false
	}
	if r.CFAOffset != other.CFAOffset ||
		r.RetAddrColumn != other.RetAddrColumn ||
		r.ArgsSize != other.ArgsSize {
		return false
	}
	if !slotEqual(r.CFARegister, other.CFARegister) {
		return false
	}
	for i := range r.Registers {
		if !slotEqual(r.Registers[i], other.Registers[i]) {
			return false
		}
	}
	return true
}

func slotEqual(a, b Slot) bool {
	if a.Tag != b.Tag || a.RegisterId != b.RegisterId || a.Offset != b.Offset {
		return false
	}
	if len(a.Expression) != len(b.Expression) {
		return false
	}
	for i := range a.Expression {
		if a.Expression[i] != b.Expression[i] {
			return false
		}
	}
	return true
}
