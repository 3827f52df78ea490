package dwarfexpr

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/unwind"
	"github.com/corvidae/unwind/uwerr"
)

type fakeSpace struct {
	mem  map[uint64][8]byte
	regs map[regstate.RegisterId]unwind.Location
}

func newFakeSpace() *fakeSpace {
	return &fakeSpace{
		mem:  map[uint64][8]byte{},
		regs: map[regstate.RegisterId]unwind.Location{},
	}
}

func (f *fakeSpace) putWord(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	f.mem[addr] = buf
}

func (f *fakeSpace) ReadMemory(addr uint64, buf []byte) error {
	word, ok := f.mem[addr]
	if !ok {
		return errors.New("no such address")
	}
	copy(buf, word[:])
	return nil
}

func (f *fakeSpace) ReadRegisterLocation(cursor *unwind.Cursor, id regstate.RegisterId) (unwind.Location, bool) {
	loc, ok := f.regs[id]
	return loc, ok
}

type ExpressionSuite struct{}

func TestExpression(t *testing.T) {
	suite.RunTests(t, &ExpressionSuite{})
}

func (ExpressionSuite) TestLiteralPlus(t *testing.T) {
	e := New()
	space := newFakeSpace()
	cursor := unwind.NewCursor(1, 0, 0)

	expr := []byte{byte(DW_OP_lit0 + 5), byte(DW_OP_lit0 + 3), byte(DW_OP_plus)}
	result, isReg, err := e.Evaluate(cursor, 0, expr, space)
	expect.Nil(t, err)
	expect.False(t, isReg)
	expect.Equal(t, uint64(8), result)
}

func (ExpressionSuite) TestConstuPlusUconst(t *testing.T) {
	e := New()
	space := newFakeSpace()
	cursor := unwind.NewCursor(1, 0, 0)

	expr := []byte{byte(DW_OP_constu), 0x10, byte(DW_OP_plus_uconst), 0x05}
	result, _, err := e.Evaluate(cursor, 0, expr, space)
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x15), result)
}

func (ExpressionSuite) TestBregAddsRegisterAndOffset(t *testing.T) {
	e := New()
	space := newFakeSpace()
	space.regs[6] = unwind.Location{Kind: unwind.LocationValue, Value: 0x1000}
	cursor := unwind.NewCursor(1, 0, 0)

	expr := []byte{byte(DW_OP_breg0 + 6), 0x7e} // sleb128(-2)
	result, isReg, err := e.Evaluate(cursor, 0, expr, space)
	expect.Nil(t, err)
	expect.False(t, isReg)
	expect.Equal(t, uint64(0x1000-2), result)
}

func (ExpressionSuite) TestRegYieldsRegisterResult(t *testing.T) {
	e := New()
	space := newFakeSpace()
	cursor := unwind.NewCursor(1, 0, 0)

	expr := []byte{byte(DW_OP_reg0 + 4)}
	result, isReg, err := e.Evaluate(cursor, 0, expr, space)
	expect.Nil(t, err)
	expect.True(t, isReg)
	expect.Equal(t, uint64(4), result)
}

func (ExpressionSuite) TestDerefReadsMemory(t *testing.T) {
	e := New()
	space := newFakeSpace()
	space.putWord(0x2000, 0xdeadbeef)
	cursor := unwind.NewCursor(1, 0, 0)

	expr := []byte{byte(DW_OP_const8u), 0x00, 0x20, 0, 0, 0, 0, 0, 0, byte(DW_OP_deref)}
	result, _, err := e.Evaluate(cursor, 0, expr, space)
	expect.Nil(t, err)
	expect.Equal(t, uint64(0xdeadbeef), result)
}

func (ExpressionSuite) TestCallFrameCFAPushesInitialStack(t *testing.T) {
	e := New()
	space := newFakeSpace()
	cursor := unwind.NewCursor(1, 0, 0)

	expr := []byte{byte(DW_OP_call_frame_cfa), byte(DW_OP_lit0 + 1), byte(DW_OP_plus)}
	result, _, err := e.Evaluate(cursor, 0x4000, expr, space)
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x4001), result)
}

func (ExpressionSuite) TestStackUnderflowIsBadInput(t *testing.T) {
	e := New()
	space := newFakeSpace()
	cursor := unwind.NewCursor(1, 0, 0)

	expr := []byte{byte(DW_OP_plus)}
	_, _, err := e.Evaluate(cursor, 0, expr, space)
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrBadInput))
}

func (ExpressionSuite) TestEmptyExpressionReturnsInitialStack(t *testing.T) {
	e := New()
	space := newFakeSpace()
	cursor := unwind.NewCursor(1, 0, 0)

	result, isReg, err := e.Evaluate(cursor, 0x99, nil, space)
	expect.Nil(t, err)
	expect.False(t, isReg)
	expect.Equal(t, uint64(0x99), result)
}

func (ExpressionSuite) TestUnsupportedOpcodeErrors(t *testing.T) {
	e := New()
	space := newFakeSpace()
	cursor := unwind.NewCursor(1, 0, 0)

	expr := []byte{0xff}
	_, _, err := e.Evaluate(cursor, 0, expr, space)
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrBadInput))
}
