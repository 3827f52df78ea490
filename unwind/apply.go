package unwind

import (
	"fmt"

	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/uwerr"
)

// readValue resolves loc to a concrete 64-bit value: the value itself for
// LocationValue, or a memory read for LocationMemory. isNull reports
// LocationNone, the "register never saved" case callers must special-case
// rather than treat as a read error.
func readValue(loc Location, accessSpace AddressSpace) (value uint64, isNull bool, err error) {
	switch loc.Kind {
	case LocationNone:
		return 0, true, nil
	case LocationValue:
		return loc.Value, false, nil
	case LocationMemory:
		var buf [8]byte
		if err := accessSpace.ReadMemory(loc.Address, buf[:]); err != nil {
			return 0, false, fmt.Errorf("unwind: reading register at 0x%x: %w", loc.Address, err)
		}
		v := uint64(0)
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
		return v, false, nil
	default:
		return 0, false, fmt.Errorf("unwind: unknown location kind %d: %w", loc.Kind, uwerr.ErrInternal)
	}
}

// computeCFA implements apply step (a). shadow is the cursor's locations
// as they were before this step's state record was applied.
func computeCFA(cursor *Cursor, shadow []Location, state *regstate.Record, target TargetHooks, accessSpace AddressSpace, evaluator ExpressionEvaluator) (uint64, error) {
	switch state.CFARegister.Tag {
	case regstate.InRegister:
		regnum := state.CFARegister.RegisterId
		loc := Location{}
		if int(regnum) < len(shadow) {
			loc = shadow[regnum]
		}

		if loc.IsNone() && regnum == target.StackPointerRegister() {
			return cursor.CFA, nil
		}

		value, isNull, err := readValue(loc, accessSpace)
		if err != nil {
			return 0, err
		}
		if isNull {
			return cursor.CFA, nil
		}
		return uint64(int64(value) + state.CFAOffset), nil

	case regstate.Expression:
		result, isRegister, err := evaluator.Evaluate(cursor, 0, state.CFARegister.Expression, accessSpace)
		if err != nil {
			return 0, err
		}
		if isRegister {
			return 0, fmt.Errorf("unwind: CFA expression resolved to a register: %w", uwerr.ErrBadFrame)
		}
		return result, nil

	default:
		return 0, fmt.Errorf("unwind: CFA rule has unexpected tag %s: %w", state.CFARegister.Tag, uwerr.ErrInternal)
	}
}

// computeRegisterLocation implements apply step (b) for one register
// slot, reading cross-register references out of shadow (the pre-step
// snapshot) rather than the cursor being mutated.
func computeRegisterLocation(id regstate.RegisterId, slot regstate.Slot, shadow []Location, cfa uint64, accessSpace AddressSpace, evaluator ExpressionEvaluator, cursor *Cursor) (Location, error) {
	switch slot.Tag {
	case regstate.Undef:
		return Location{Kind: LocationNone}, nil

	case regstate.Same:
		if int(id) < len(shadow) {
			return shadow[id], nil
		}
		return Location{Kind: LocationNone}, nil

	case regstate.CFA:
		return Location{Kind: LocationValue, Value: cfa}, nil

	case regstate.CFARelative:
		return Location{Kind: LocationMemory, Address: uint64(int64(cfa) + slot.Offset)}, nil

	case regstate.InRegister:
		if int(slot.RegisterId) < len(shadow) {
			return shadow[slot.RegisterId], nil
		}
		return Location{Kind: LocationNone}, nil

	case regstate.Expression:
		result, isRegister, err := evaluator.Evaluate(cursor, cfa, slot.Expression, accessSpace)
		if err != nil {
			return Location{}, err
		}
		if isRegister {
			return Location{}, fmt.Errorf("unwind: register expression resolved to a register: %w", uwerr.ErrBadFrame)
		}
		return Location{Kind: LocationMemory, Address: result}, nil

	case regstate.ValueExpression:
		result, isRegister, err := evaluator.Evaluate(cursor, cfa, slot.Expression, accessSpace)
		if err != nil {
			return Location{}, err
		}
		if isRegister {
			return Location{}, fmt.Errorf("unwind: register expression resolved to a register: %w", uwerr.ErrBadFrame)
		}
		return Location{Kind: LocationValue, Value: result}, nil

	default:
		return Location{}, fmt.Errorf("unwind: register slot has unexpected tag %s: %w", slot.Tag, uwerr.ErrInternal)
	}
}

// Apply computes the caller's frame from state and advances cursor to it:
// the new CFA, every preserved register's new location, and the caller's
// instruction pointer read through the return-address column. Returns
// true if the cursor advanced to a nonzero PC, false at end-of-stack.
func Apply(cursor *Cursor, state *regstate.Record, target TargetHooks, accessSpace AddressSpace, evaluator ExpressionEvaluator) (bool, error) {
	if int(state.RetAddrColumn) < 0 || int(state.RetAddrColumn) >= state.N() {
		return false, fmt.Errorf("unwind: return-address column %d out of range: %w", state.RetAddrColumn, uwerr.ErrBadFrame)
	}

	// Captured before any mutation below: the stagnation guard and
	// cursor.prevIP/prevCFA must compare against the frame Apply was
	// called with, not against values already overwritten by this call.
	origIP, origCFA := cursor.IP, cursor.CFA

	shadow := make([]Location, len(cursor.Locations))
	copy(shadow, cursor.Locations)

	cfa, err := computeCFA(cursor, shadow, state, target, accessSpace, evaluator)
	if err != nil {
		return false, err
	}

	next := make([]Location, len(cursor.Locations))
	for i := 0; i < state.N() && i < len(next); i++ {
		slot, _ := state.Slot(regstate.RegisterId(i))
		loc, err := computeRegisterLocation(regstate.RegisterId(i), slot, shadow, cfa, accessSpace, evaluator, cursor)
		if err != nil {
			return false, err
		}
		next[i] = loc
	}

	copy(cursor.Locations, next)
	cursor.CFA = cfa
	cursor.ArgsSize = state.ArgsSize

	raLoc := cursor.Location(state.RetAddrColumn)
	if raLoc.IsNone() {
		cursor.prevIP, cursor.prevCFA = origIP, origCFA
		cursor.IP = 0
		return false, nil
	}

	ra, isNull, err := readValue(raLoc, accessSpace)
	if err != nil {
		return false, err
	}
	if isNull {
		cursor.prevIP, cursor.prevCFA = origIP, origCFA
		cursor.IP = 0
		return false, nil
	}

	if target.PointerAuthActive(cursor, state) {
		ra = target.StripPtrAuth(cursor, ra)
	}

	cursor.IP = ra

	if ra == origIP && cfa == origCFA {
		return false, fmt.Errorf("unwind: no progress at ip 0x%x: %w", ra, uwerr.ErrBadFrame)
	}

	cursor.prevIP, cursor.prevCFA = origIP, origCFA
	return cursor.IP != 0, nil
}
