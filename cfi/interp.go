package cfi

import (
	"math"

	"github.com/corvidae/unwind/regstate"
)

// EndOfLocations is the "no upper bound" sentinel for Run's endLocation
// parameter, used by setup when running a CIE's initial instructions.
const EndOfLocations = uint64(math.MaxUint64)

// Run executes the CFI program in r against m's current state record until
// r is exhausted. Used by setup, whose CIE initial-instructions program has
// no pc upper bound (end_ip = infinity).
func (m *Machine) Run(r *ByteReader) error {
	return m.RunUntil(r, EndOfLocations)
}

// RunUntil executes the CFI program in r until either m.Location reaches
// endLocation or r is exhausted, whichever comes first — opcodes execute
// at Location == endLocation so state at the exact target pc is
// observable. r's buffer must already be bounded to the instruction
// stream's end_addr (its own length is the upper bound).
//
// On success RunUntil leaves Stack as the program left it. The drivers
// (Setup, ParseFDE, Iterate) clear Stack once their program has finished,
// per interp-invariant-1. Setup and ParseFDE each run on their own Machine
// and Stack, so a remember_state in a CIE's initial instructions is not
// visible to a restore_state in its FDE's instructions.
//
// On failure the stack is emptied immediately, since no further opcodes
// from this program will run to balance it.
func (m *Machine) RunUntil(r *ByteReader, endLocation uint64) error {
	for m.Location <= endLocation && !r.Done() {
		if err := m.step(r); err != nil {
			m.Stack.Clear()
			return err
		}
	}
	return nil
}

// step decodes and executes exactly one CFI instruction.
func (m *Machine) step(r *ByteReader) error {
	b, err := r.U8()
	if err != nil {
		return err
	}

	family, operand := decode(b)
	if family != 0 {
		return m.execPacked(family, operand, r)
	}
	return m.execExtended(Opcode(b), r)
}

func (m *Machine) execPacked(family Opcode, operand byte, r *ByteReader) error {
	switch family {
	case DW_CFA_advance_loc:
		m.Location += uint64(operand) * m.CIE.CodeAlignment
		return nil

	case DW_CFA_offset:
		regnum := regstate.RegisterId(operand)
		val, err := r.ULEB128()
		if err != nil {
			return err
		}
		return m.setCFARelative(regnum, int64(val)*m.CIE.DataAlignment)

	case DW_CFA_restore:
		return m.restore(regstate.RegisterId(operand))

	default:
		return badInput("unreachable packed family 0x%x", byte(family))
	}
}

func (m *Machine) execExtended(op Opcode, r *ByteReader) error {
	switch op {
	case DW_CFA_nop:
		return nil

	case DW_CFA_set_loc:
		loc, err := r.FramePointer(m.CIE.FDEEncoding, m.CIE.Bases)
		if err != nil {
			return err
		}
		m.Location = loc
		return nil

	case DW_CFA_advance_loc1:
		delta, err := r.U8()
		if err != nil {
			return err
		}
		m.Location += uint64(delta) * m.CIE.CodeAlignment
		return nil

	case DW_CFA_advance_loc2:
		delta, err := r.U16()
		if err != nil {
			return err
		}
		m.Location += uint64(delta) * m.CIE.CodeAlignment
		return nil

	case DW_CFA_advance_loc4:
		delta, err := r.U32()
		if err != nil {
			return err
		}
		m.Location += uint64(delta) * m.CIE.CodeAlignment
		return nil

	case DW_CFA_MIPS_advance_loc8:
		delta, err := r.U64()
		if err != nil {
			return err
		}
		m.Location += delta * m.CIE.CodeAlignment
		return nil

	case DW_CFA_offset_extended:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		val, err := r.ULEB128()
		if err != nil {
			return err
		}
		return m.setCFARelative(regstate.RegisterId(regnum), int64(val)*m.CIE.DataAlignment)

	case DW_CFA_offset_extended_sf:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		val, err := r.SLEB128()
		if err != nil {
			return err
		}
		return m.setCFARelative(regstate.RegisterId(regnum), val*m.CIE.DataAlignment)

	case DW_CFA_GNU_negative_offset_extended:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		val, err := r.ULEB128()
		if err != nil {
			return err
		}
		return m.setCFARelative(regstate.RegisterId(regnum), -(int64(val) * m.CIE.DataAlignment))

	case DW_CFA_restore_extended:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		return m.restore(regstate.RegisterId(regnum))

	case DW_CFA_undefined:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		return m.setSlot(regstate.RegisterId(regnum), regstate.Slot{Tag: regstate.Undef})

	case DW_CFA_same_value:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		return m.setSlot(regstate.RegisterId(regnum), regstate.Slot{Tag: regstate.Same})

	case DW_CFA_register:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		other, err := r.ULEB128()
		if err != nil {
			return err
		}
		return m.setSlot(regstate.RegisterId(regnum), regstate.Slot{
			Tag:        regstate.InRegister,
			RegisterId: regstate.RegisterId(other),
		})

	case DW_CFA_remember_state:
		if err := m.Stack.Push(m.Current); err != nil {
			return err
		}
		return nil

	case DW_CFA_restore_state:
		if m.Stack.Len() == 0 {
			return badInput("state-record stack underflow")
		}
		m.Current = m.Stack.Pop()
		return nil

	case DW_CFA_def_cfa:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		offset, err := r.ULEB128()
		if err != nil {
			return err
		}
		m.Current.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regstate.RegisterId(regnum)}
		m.Current.CFAOffset = int64(offset)
		return nil

	case DW_CFA_def_cfa_sf:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		offset, err := r.SLEB128()
		if err != nil {
			return err
		}
		m.Current.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regstate.RegisterId(regnum)}
		m.Current.CFAOffset = offset * m.CIE.DataAlignment
		return nil

	case DW_CFA_def_cfa_register:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		m.Current.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regstate.RegisterId(regnum)}
		return nil

	case DW_CFA_def_cfa_offset:
		offset, err := r.ULEB128()
		if err != nil {
			return err
		}
		m.Current.CFAOffset = int64(offset)
		return nil

	case DW_CFA_def_cfa_offset_sf:
		offset, err := r.SLEB128()
		if err != nil {
			return err
		}
		m.Current.CFAOffset = offset * m.CIE.DataAlignment
		return nil

	case DW_CFA_def_cfa_expression:
		length, expr, err := r.readBlock()
		if err != nil {
			return err
		}
		_ = length
		m.Current.CFARegister = regstate.Slot{Tag: regstate.Expression, Expression: expr}
		return nil

	case DW_CFA_expression:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		_, expr, err := r.readBlock()
		if err != nil {
			return err
		}
		return m.setSlot(regstate.RegisterId(regnum), regstate.Slot{Tag: regstate.Expression, Expression: expr})

	case DW_CFA_val_expression:
		regnum, err := r.ULEB128()
		if err != nil {
			return err
		}
		_, expr, err := r.readBlock()
		if err != nil {
			return err
		}
		return m.setSlot(regstate.RegisterId(regnum), regstate.Slot{Tag: regstate.ValueExpression, Expression: expr})

	case DW_CFA_GNU_args_size:
		val, err := r.ULEB128()
		if err != nil {
			return err
		}
		m.Current.ArgsSize = val
		return nil

	case DW_CFA_GNU_window_save:
		return m.windowSave()

	case DW_CFA_val_offset, DW_CFA_val_offset_sf:
		// Not part of the opcode set this interpreter implements (see
		// opcodes.go); original_source/src/dwarf/Gparser.c has no case for
		// either and falls through to its unrecognized-opcode error, so we
		// match that rather than guess at a VALUE_EXPRESSION encoding with
		// no expression bytes behind it.
		return badInput("unimplemented opcode 0x%x", byte(op))

	default:
		if op >= DW_CFA_lo_user && op <= DW_CFA_hi_user {
			return badInput("opcode 0x%x in user-extension range", byte(op))
		}
		return badInput("unrecognized opcode 0x%x", byte(op))
	}
}

// readBlock reads a ULEB128 length followed by that many raw bytes, the
// shape DW_CFA_def_cfa_expression/expression/val_expression use to embed a
// DWARF expression block. The returned slice aliases r's backing buffer.
func (r *ByteReader) readBlock() (uint64, []byte, error) {
	length, err := r.ULEB128()
	if err != nil {
		return 0, nil, err
	}
	block, err := r.Bytes(int(length))
	if err != nil {
		return 0, nil, err
	}
	return length, block, nil
}

func (m *Machine) setSlot(regnum regstate.RegisterId, slot regstate.Slot) error {
	if !m.Current.SetSlot(regnum, slot) {
		return badRegister(regnum)
	}
	return nil
}

func (m *Machine) setCFARelative(regnum regstate.RegisterId, offset int64) error {
	return m.setSlot(regnum, regstate.Slot{Tag: regstate.CFARelative, Offset: offset})
}

func (m *Machine) restore(regnum regstate.RegisterId) error {
	slot, ok := m.Initial.Slot(regnum)
	if !ok {
		return badRegister(regnum)
	}
	return m.setSlot(regnum, slot)
}

func (m *Machine) windowSave() error {
	if m.Target.WindowedRegisters() {
		wordSize := int64(m.Target.WordSize())
		for regnum := regstate.RegisterId(16); regnum < 32; regnum++ {
			err := m.setSlot(regnum, regstate.Slot{
				Tag:    regstate.CFARelative,
				Offset: int64(regnum-16) * wordSize,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}

	regnum, ok := m.Target.RASignStateRegister()
	if !ok {
		return badInput("GNU_window_save on a target with no windowed registers or RA sign-state")
	}
	slot, _ := m.Current.Slot(regnum)
	toggled := int64(1)
	if slot.Offset != 0 {
		toggled = 0
	}
	return m.setSlot(regnum, regstate.Slot{Tag: regstate.ValueExpression, Offset: toggled})
}
