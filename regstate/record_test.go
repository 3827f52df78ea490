package regstate

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type RecordSuite struct{}

func TestRecord(t *testing.T) {
	suite.RunTests(t, &RecordSuite{})
}

func (RecordSuite) TestNewRecordAllUndef(t *testing.T) {
	r := NewRecord(17)
	expect.Equal(t, 17, r.N())

	for i := 0; i < r.N(); i++ {
		slot, ok := r.Slot(RegisterId(i))
		expect.True(t, ok)
		expect.Equal(t, Undef, slot.Tag)
	}
}

func (RecordSuite) TestSlotOutOfRange(t *testing.T) {
	r := NewRecord(4)

	_, ok := r.Slot(RegisterId(-1))
	expect.False(t, ok)

	_, ok = r.Slot(RegisterId(4))
	expect.False(t, ok)

	ok = r.SetSlot(RegisterId(4), Slot{Tag: Same})
	expect.False(t, ok)
}

func (RecordSuite) TestSetSlot(t *testing.T) {
	r := NewRecord(4)
	ok := r.SetSlot(2, Slot{Tag: CFARelative, Offset: -8})
	expect.True(t, ok)

	slot, ok := r.Slot(2)
	expect.True(t, ok)
	expect.Equal(t, CFARelative, slot.Tag)
	expect.Equal(t, int64(-8), slot.Offset)
}

func (RecordSuite) TestCloneIsIndependent(t *testing.T) {
	r := NewRecord(2)
	r.SetSlot(0, Slot{Tag: Same})

	clone := r.Clone()
	clone.SetSlot(0, Slot{Tag: Undef})

	orig, _ := r.Slot(0)
	cloned, _ := clone.Slot(0)
	expect.Equal(t, Same, orig.Tag)
	expect.Equal(t, Undef, cloned.Tag)
}

func (RecordSuite) TestCloneSharesExpressionBytes(t *testing.T) {
	expr := []byte{0x03, 0x04}
	r := NewRecord(1)
	r.SetSlot(0, Slot{Tag: Expression, Expression: expr})

	clone := r.Clone()
	cloneSlot, _ := clone.Slot(0)

	expect.Equal(t, len(expr), len(cloneSlot.Expression))
	for i := range expr {
		expect.Equal(t, expr[i], cloneSlot.Expression[i])
	}
}

func (RecordSuite) TestEqual(t *testing.T) {
	a := NewRecord(3)
	a.SetSlot(1, Slot{Tag: CFARelative, Offset: -16})
	a.CFARegister = Slot{Tag: InRegister, RegisterId: 7}
	a.CFAOffset = 16
	a.RetAddrColumn = 16

	b := a.Clone()
	expect.True(t, a.Equal(b))

	b.SetSlot(1, Slot{Tag: Undef})
	expect.False(t, a.Equal(b))
}

func (RecordSuite) TestEqualNil(t *testing.T) {
	var a *Record
	var b *Record
	expect.True(t, a.Equal(b))

	c := NewRecord(1)
	expect.False(t, a.Equal(c))
	expect.False(t, c.Equal(a))
}
