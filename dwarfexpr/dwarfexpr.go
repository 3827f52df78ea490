// Package dwarfexpr implements the subset of the DWARF expression VM the
// CFI interpreter actually drives through DW_CFA_expression,
// DW_CFA_val_expression, and DW_CFA_def_cfa_expression: a stack machine
// supporting literal/constant pushes, register-relative pushes, pointer
// dereference, addition, and the "CFA of the current frame" pseudo-op.
//
// spec.md §6 declares the expression VM out of the unwinder core's scope
// and only specifies the contract the core consumes
// (unwind.ExpressionEvaluator); this package supplies one concrete
// implementation of that contract, trimmed to what a CFA/register location
// expression realistically contains, grounded on the teacher's
// dwarf/expression.go (operation dispatch, breg/bregx register-relative
// push, the stack-machine shape) and dwarf/operation_constants.go (opcode
// values).
package dwarfexpr

import (
	"fmt"

	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/unwind"
	"github.com/corvidae/unwind/uwerr"
)

// Operation is one DW_OP_* expression opcode.
type Operation byte

const (
	DW_OP_addr    Operation = 0x03
	DW_OP_deref   Operation = 0x06
	DW_OP_const1u Operation = 0x08
	DW_OP_const1s Operation = 0x09
	DW_OP_const2u Operation = 0x0a
	DW_OP_const2s Operation = 0x0b
	DW_OP_const4u Operation = 0x0c
	DW_OP_const4s Operation = 0x0d
	DW_OP_const8u Operation = 0x0e
	DW_OP_const8s Operation = 0x0f
	DW_OP_constu  Operation = 0x10
	DW_OP_consts  Operation = 0x11
	DW_OP_dup     Operation = 0x12
	DW_OP_drop    Operation = 0x13
	DW_OP_over    Operation = 0x14
	DW_OP_pick    Operation = 0x15
	DW_OP_swap    Operation = 0x16
	DW_OP_plus    Operation = 0x22

	DW_OP_plus_uconst Operation = 0x23
	DW_OP_lit0        Operation = 0x30
	DW_OP_lit31       Operation = 0x4f
	DW_OP_reg0        Operation = 0x50
	DW_OP_reg31       Operation = 0x6f
	DW_OP_breg0       Operation = 0x70
	DW_OP_breg31      Operation = 0x8f
	DW_OP_regx        Operation = 0x90
	DW_OP_bregx       Operation = 0x92

	DW_OP_call_frame_cfa Operation = 0x9c
)

// Evaluator is a concrete unwind.ExpressionEvaluator.
type Evaluator struct{}

// New returns a ready-to-use Evaluator. It carries no state of its own; a
// single Evaluator value may be shared across every cursor.
func New() *Evaluator {
	return &Evaluator{}
}

type machine struct {
	cursor       *unwind.Cursor
	accessSpace  unwind.AddressSpace
	expr         []byte
	pos          int
	stack        []uint64
	isRegister   bool
	registerSlot regstate.RegisterId
}

// Evaluate implements unwind.ExpressionEvaluator.
func (e *Evaluator) Evaluate(cursor *unwind.Cursor, initialStack uint64, expr []byte, accessSpace unwind.AddressSpace) (uint64, bool, error) {
	m := &machine{
		cursor:      cursor,
		accessSpace: accessSpace,
		expr:        expr,
	}
	m.push(initialStack)

	for m.pos < len(m.expr) {
		if err := m.step(); err != nil {
			return 0, false, err
		}
	}

	if m.isRegister {
		return uint64(m.registerSlot), true, nil
	}

	if len(m.stack) == 0 {
		return 0, false, fmt.Errorf("dwarfexpr: expression produced no result: %w", uwerr.ErrBadInput)
	}
	return m.top(), false, nil
}

func (m *machine) push(v uint64) { m.stack = append(m.stack, v) }

func (m *machine) pop() (uint64, error) {
	if len(m.stack) == 0 {
		return 0, fmt.Errorf("dwarfexpr: stack underflow: %w", uwerr.ErrBadInput)
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *machine) top() uint64 {
	return m.stack[len(m.stack)-1]
}

func (m *machine) u8() (byte, error) {
	if m.pos >= len(m.expr) {
		return 0, fmt.Errorf("dwarfexpr: read past end of expression: %w", uwerr.ErrBadInput)
	}
	b := m.expr[m.pos]
	m.pos++
	return b, nil
}

func (m *machine) u64() (uint64, error) {
	if m.pos+8 > len(m.expr) {
		return 0, fmt.Errorf("dwarfexpr: read past end of expression: %w", uwerr.ErrBadInput)
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(m.expr[m.pos+i])
	}
	m.pos += 8
	return v, nil
}

func (m *machine) uleb128() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := m.u8()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, fmt.Errorf("dwarfexpr: uleb128 overflow: %w", uwerr.ErrBadInput)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

func (m *machine) sleb128() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = m.u8()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, fmt.Errorf("dwarfexpr: sleb128 overflow: %w", uwerr.ErrBadInput)
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (m *machine) registerValue(id regstate.RegisterId) (uint64, error) {
	loc, ok := m.accessSpace.ReadRegisterLocation(m.cursor, id)
	if !ok || loc.IsNone() {
		return 0, fmt.Errorf("dwarfexpr: register %d has no value: %w", id, uwerr.ErrBadFrame)
	}
	if loc.Kind == unwind.LocationValue {
		return loc.Value, nil
	}
	var buf [8]byte
	if err := m.accessSpace.ReadMemory(loc.Address, buf[:]); err != nil {
		return 0, fmt.Errorf("dwarfexpr: reading register %d: %w", id, err)
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (m *machine) step() error {
	opByte, err := m.u8()
	if err != nil {
		return err
	}
	op := Operation(opByte)

	switch {
	case op == DW_OP_addr:
		v, err := m.u64()
		if err != nil {
			return err
		}
		m.push(v)
		return nil

	case DW_OP_lit0 <= op && op <= DW_OP_lit31:
		m.push(uint64(op - DW_OP_lit0))
		return nil

	case op >= DW_OP_const1u && op <= DW_OP_consts:
		return m.pushConst(op)

	case op == DW_OP_call_frame_cfa:
		// The initial stack value supplied by Apply already is the
		// frame's CFA for register/value-expression evaluation; for a
		// def_cfa_expression itself the caller passes 0 and this opcode
		// is not expected to appear (there is no CFA yet to reference).
		if len(m.stack) == 0 {
			return fmt.Errorf("dwarfexpr: DW_CFA_call_frame_cfa with no CFA available: %w", uwerr.ErrBadInput)
		}
		m.push(m.stack[0])
		return nil

	case DW_OP_breg0 <= op && op <= DW_OP_breg31 || op == DW_OP_bregx:
		return m.breg(op)

	case DW_OP_reg0 <= op && op <= DW_OP_reg31 || op == DW_OP_regx:
		return m.reg(op)

	case op == DW_OP_deref:
		addr, err := m.pop()
		if err != nil {
			return err
		}
		var buf [8]byte
		if err := m.accessSpace.ReadMemory(addr, buf[:]); err != nil {
			return fmt.Errorf("dwarfexpr: DW_OP_deref at 0x%x: %w", addr, err)
		}
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
		m.push(v)
		return nil

	case op == DW_OP_dup:
		if len(m.stack) == 0 {
			return fmt.Errorf("dwarfexpr: DW_OP_dup on empty stack: %w", uwerr.ErrBadInput)
		}
		m.push(m.top())
		return nil

	case op == DW_OP_drop:
		_, err := m.pop()
		return err

	case op == DW_OP_swap:
		b, err := m.pop()
		if err != nil {
			return err
		}
		a, err := m.pop()
		if err != nil {
			return err
		}
		m.push(b)
		m.push(a)
		return nil

	case op == DW_OP_plus:
		rhs, err := m.pop()
		if err != nil {
			return err
		}
		lhs, err := m.pop()
		if err != nil {
			return err
		}
		m.push(lhs + rhs)
		return nil

	case op == DW_OP_plus_uconst:
		n, err := m.uleb128()
		if err != nil {
			return err
		}
		v, err := m.pop()
		if err != nil {
			return err
		}
		m.push(v + n)
		return nil

	default:
		return fmt.Errorf("dwarfexpr: unsupported opcode 0x%x: %w", opByte, uwerr.ErrBadInput)
	}
}

func (m *machine) pushConst(op Operation) error {
	var value uint64
	switch op {
	case DW_OP_const1u:
		v, err := m.u8()
		if err != nil {
			return err
		}
		value = uint64(v)
	case DW_OP_const1s:
		v, err := m.u8()
		if err != nil {
			return err
		}
		value = uint64(int64(int8(v)))
	case DW_OP_const2u, DW_OP_const2s, DW_OP_const4u, DW_OP_const4s:
		return fmt.Errorf("dwarfexpr: opcode 0x%x not implemented in the trimmed subset: %w", byte(op), uwerr.ErrBadInput)
	case DW_OP_const8u, DW_OP_const8s:
		v, err := m.u64()
		if err != nil {
			return err
		}
		value = v
	case DW_OP_constu:
		v, err := m.uleb128()
		if err != nil {
			return err
		}
		value = v
	case DW_OP_consts:
		v, err := m.sleb128()
		if err != nil {
			return err
		}
		value = uint64(v)
	}
	m.push(value)
	return nil
}

func (m *machine) breg(op Operation) error {
	var regId regstate.RegisterId
	if op == DW_OP_bregx {
		id, err := m.uleb128()
		if err != nil {
			return err
		}
		regId = regstate.RegisterId(id)
	} else {
		regId = regstate.RegisterId(op - DW_OP_breg0)
	}

	value, err := m.registerValue(regId)
	if err != nil {
		return err
	}

	offset, err := m.sleb128()
	if err != nil {
		return err
	}

	m.push(uint64(int64(value) + offset))
	return nil
}

func (m *machine) reg(op Operation) error {
	var regId regstate.RegisterId
	if op == DW_OP_regx {
		id, err := m.uleb128()
		if err != nil {
			return err
		}
		regId = regstate.RegisterId(id)
	} else {
		regId = regstate.RegisterId(op - DW_OP_reg0)
	}

	m.isRegister = true
	m.registerSlot = regId
	return nil
}
