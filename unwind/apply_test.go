package unwind_test

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/corvidae/unwind/dwarfexpr"
	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/unwind"
	"github.com/corvidae/unwind/uwerr"
)

// Register ids used throughout these tests; arbitrary, chosen to match
// spec.md's example scenarios (an SP column, a return-address column, and
// two ordinary callee-saved registers).
const (
	regSP  = regstate.RegisterId(0)
	regLR  = regstate.RegisterId(1)
	regR29 = regstate.RegisterId(2)
	regR30 = regstate.RegisterId(3)
)

// fakeTarget is a minimal unwind.TargetHooks for apply/step tests.
type fakeTarget struct {
	sp regstate.RegisterId
}

func (f fakeTarget) WindowedRegisters() bool                                  { return false }
func (f fakeTarget) WordSize() uint64                                         { return 8 }
func (f fakeTarget) RASignStateRegister() (regstate.RegisterId, bool)         { return 0, false }
func (f fakeTarget) StackPointerRegister() regstate.RegisterId                { return f.sp }
func (f fakeTarget) StashFrame(*unwind.Cursor, *regstate.Record)              {}
func (f fakeTarget) ReuseFrame(*unwind.Cursor, bool)                          {}
func (f fakeTarget) CacheFrame(*unwind.Cursor) bool                           { return true }
func (f fakeTarget) StripPtrAuth(_ *unwind.Cursor, ip uint64) uint64          { return ip }
func (f fakeTarget) PointerAuthActive(*unwind.Cursor, *regstate.Record) bool  { return false }

// fakeAddressSpace backs both ReadMemory (an address->value map) and
// ReadRegisterLocation (an id->Location map), letting tests fix exactly
// what the "target" looks like without a real process or ptrace.
type fakeAddressSpace struct {
	mem  map[uint64]uint64
	regs map[regstate.RegisterId]unwind.Location
}

func newFakeAddressSpace() *fakeAddressSpace {
	return &fakeAddressSpace{mem: map[uint64]uint64{}, regs: map[regstate.RegisterId]unwind.Location{}}
}

func (f *fakeAddressSpace) ReadMemory(addr uint64, buf []byte) error {
	v, ok := f.mem[addr]
	if !ok {
		return errors.New("fakeAddressSpace: no memory mapped at that address")
	}
	for i := 0; i < len(buf) && i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return nil
}

func (f *fakeAddressSpace) ReadRegisterLocation(cursor *unwind.Cursor, id regstate.RegisterId) (unwind.Location, bool) {
	loc, ok := f.regs[id]
	return loc, ok
}

type ApplySuite struct{}

func TestApply(t *testing.T) {
	suite.RunTests(t, &ApplySuite{})
}

// Scenario 1: simple leaf frame. CFA = SP+0, return address in LR, FDE
// empty (every register SAME).
func (ApplySuite) TestLeafFrame(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x7fff0000)
	cursor.SetLocation(regLR, unwind.Location{Kind: unwind.LocationValue, Value: 0x400500})

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regSP}
	state.CFAOffset = 0
	state.RetAddrColumn = regLR
	for i := regstate.RegisterId(0); i < 4; i++ {
		state.SetSlot(i, regstate.Slot{Tag: regstate.Same})
	}

	target := fakeTarget{sp: regSP}
	access := newFakeAddressSpace()

	ok, err := unwind.Apply(cursor, state, target, access, dwarfexpr.New())
	expect.Nil(t, err)
	expect.True(t, ok)
	expect.Equal(t, uint64(0x7fff0000), cursor.CFA)
	expect.Equal(t, uint64(0x400500), cursor.IP)
}

// Scenario 2: offset save. CIE CFA=SP+16, data_align=-8; r30 saved at
// CFA-8, r29 saved at CFA-16.
func (ApplySuite) TestOffsetSave(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401008, 0x1000)
	// SP's location must be known (not the "never saved" None case) for
	// the CFA rule to add CFAOffset rather than reusing cursor.CFA as-is.
	cursor.SetLocation(regSP, unwind.Location{Kind: unwind.LocationValue, Value: 0x1000})

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regSP}
	state.CFAOffset = 16
	state.RetAddrColumn = regR30
	state.SetSlot(regR30, regstate.Slot{Tag: regstate.CFARelative, Offset: -8})
	state.SetSlot(regR29, regstate.Slot{Tag: regstate.CFARelative, Offset: -16})

	target := fakeTarget{sp: regSP}
	access := newFakeAddressSpace()
	access.mem[0x1010-8] = 0x400abc

	ok, err := unwind.Apply(cursor, state, target, access, dwarfexpr.New())
	expect.Nil(t, err)
	expect.True(t, ok)
	expect.Equal(t, uint64(0x1010), cursor.CFA)

	loc := cursor.Location(regR30)
	expect.Equal(t, unwind.LocationMemory, loc.Kind)
	expect.Equal(t, uint64(0x1010-8), loc.Address)

	loc29 := cursor.Location(regR29)
	expect.Equal(t, unwind.LocationMemory, loc29.Kind)
	expect.Equal(t, uint64(0x1010-16), loc29.Address)

	expect.Equal(t, uint64(0x400abc), cursor.IP)
}

// Scenario 4: expression CFA. def_cfa_expression computes regN+32.
func (ApplySuite) TestExpressionCFA(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x1000)

	// DW_OP_breg2 32: push register 2's value plus 32.
	expr := []byte{0x72, 0x20}

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.Expression, Expression: expr}
	state.RetAddrColumn = regLR
	state.SetSlot(regLR, regstate.Slot{Tag: regstate.Same})

	target := fakeTarget{sp: regSP}
	access := newFakeAddressSpace()
	access.regs[regR29] = unwind.Location{Kind: unwind.LocationValue, Value: 0x2000}
	cursor.SetLocation(regLR, unwind.Location{Kind: unwind.LocationValue, Value: 0x400900})

	ok, err := unwind.Apply(cursor, state, target, access, dwarfexpr.New())
	expect.Nil(t, err)
	expect.True(t, ok)
	expect.Equal(t, uint64(0x2020), cursor.CFA)
}

// Scenario 4b: a def_cfa_expression block that resolves to a register
// location is rejected as BAD_FRAME.
func (ApplySuite) TestExpressionCFAResolvesToRegisterIsBadFrame(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x1000)

	// DW_OP_reg2: the result names register 2 rather than an address.
	expr := []byte{0x52}

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.Expression, Expression: expr}
	state.RetAddrColumn = regLR

	target := fakeTarget{sp: regSP}
	access := newFakeAddressSpace()

	_, err := unwind.Apply(cursor, state, target, access, dwarfexpr.New())
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrBadFrame))
}

// Scenario 5: end of stack. The return-address slot resolves to UNDEF
// (no location); Apply sets cursor.IP to 0 and reports false.
func (ApplySuite) TestEndOfStack(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x1000)

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regSP}
	state.RetAddrColumn = regLR
	state.SetSlot(regLR, regstate.Slot{Tag: regstate.Undef})

	target := fakeTarget{sp: regSP}
	access := newFakeAddressSpace()

	ok, err := unwind.Apply(cursor, state, target, access, dwarfexpr.New())
	expect.Nil(t, err)
	expect.False(t, ok)
	expect.Equal(t, uint64(0), cursor.IP)
}

// apply-invariant-1: a SAME-tagged register keeps its pre-apply location.
func (ApplySuite) TestSameKeepsLocation(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x1000)
	cursor.SetLocation(regR29, unwind.Location{Kind: unwind.LocationValue, Value: 0x55})

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regSP}
	state.RetAddrColumn = regLR
	state.SetSlot(regLR, regstate.Slot{Tag: regstate.Undef})
	state.SetSlot(regR29, regstate.Slot{Tag: regstate.Same})

	_, err := unwind.Apply(cursor, state, target0(), newFakeAddressSpace(), dwarfexpr.New())
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x55), cursor.Location(regR29).Value)
}

// apply-invariant-2: a REGISTER-tagged slot gets the PRE-apply location of
// the referenced register, even when both registers change in the same
// apply.
func (ApplySuite) TestRegisterReadsPreApplyShadow(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x1000)
	cursor.SetLocation(regR29, unwind.Location{Kind: unwind.LocationValue, Value: 0xaa})
	cursor.SetLocation(regR30, unwind.Location{Kind: unwind.LocationValue, Value: 0xbb})

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regSP}
	state.RetAddrColumn = regLR
	state.SetSlot(regLR, regstate.Slot{Tag: regstate.Undef})
	// r29 takes r30's old value, r30 takes r29's old value: a swap, only
	// correct if both reads come from the same pre-apply shadow copy.
	state.SetSlot(regR29, regstate.Slot{Tag: regstate.InRegister, RegisterId: regR30})
	state.SetSlot(regR30, regstate.Slot{Tag: regstate.InRegister, RegisterId: regR29})

	_, err := unwind.Apply(cursor, state, target0(), newFakeAddressSpace(), dwarfexpr.New())
	expect.Nil(t, err)
	expect.Equal(t, uint64(0xbb), cursor.Location(regR29).Value)
	expect.Equal(t, uint64(0xaa), cursor.Location(regR30).Value)
}

func (ApplySuite) TestBadReturnAddressColumnOutOfRange(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x1000)
	state := regstate.NewRecord(4)
	state.RetAddrColumn = 10

	_, err := unwind.Apply(cursor, state, target0(), newFakeAddressSpace(), dwarfexpr.New())
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrBadFrame))
}

func (ApplySuite) TestStagnationGuard(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x1000)
	cursor.SetLocation(regLR, unwind.Location{Kind: unwind.LocationValue, Value: 0x401000})

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regSP}
	state.RetAddrColumn = regLR
	state.SetSlot(regLR, regstate.Slot{Tag: regstate.Same})

	// CFA special-cases an unsaved SP to reuse cursor.CFA (0x1000,
	// unchanged), and LR resolves to the cursor's own current ip
	// (0x401000, unchanged): no progress.
	_, err := unwind.Apply(cursor, state, target0(), newFakeAddressSpace(), dwarfexpr.New())
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrBadFrame))
}

// The stagnation guard rejects a frame only when BOTH ip and cfa are
// unchanged from the frame Apply started with; a cfa that genuinely
// advances must not be rejected merely because the resolved return
// address happens to equal the starting ip (e.g. a self-recursive call
// site reusing the same instruction pointer).
func (ApplySuite) TestProgressViaCFAAloneIsNotStagnation(t *testing.T) {
	cursor := unwind.NewCursor(4, 0x401000, 0x1000)
	cursor.SetLocation(regSP, unwind.Location{Kind: unwind.LocationValue, Value: 0x1000})
	cursor.SetLocation(regLR, unwind.Location{Kind: unwind.LocationValue, Value: 0x401000})

	state := regstate.NewRecord(4)
	state.CFARegister = regstate.Slot{Tag: regstate.InRegister, RegisterId: regSP}
	state.CFAOffset = 16 // CFA advances to 0x1010, unlike the starting 0x1000.
	state.RetAddrColumn = regLR
	state.SetSlot(regLR, regstate.Slot{Tag: regstate.Same}) // resolves to 0x401000, same as starting ip.

	ok, err := unwind.Apply(cursor, state, target0(), newFakeAddressSpace(), dwarfexpr.New())
	expect.Nil(t, err)
	expect.True(t, ok)
	expect.Equal(t, uint64(0x1010), cursor.CFA)
	expect.Equal(t, uint64(0x401000), cursor.IP)
}

func target0() fakeTarget { return fakeTarget{sp: regSP} }
