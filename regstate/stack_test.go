package regstate

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/corvidae/unwind/uwerr"
)

type StackSuite struct{}

func TestStack(t *testing.T) {
	suite.RunTests(t, &StackSuite{})
}

func (StackSuite) TestPushPopRoundTrip(t *testing.T) {
	s := NewStack()
	expect.Equal(t, 0, s.Len())

	top := NewRecord(2)
	top.SetSlot(0, Slot{Tag: CFARelative, Offset: -8})

	err := s.Push(top)
	expect.Nil(t, err)
	expect.Equal(t, 1, s.Len())

	popped := s.Pop()
	expect.NotNil(t, popped)
	expect.True(t, top.Equal(popped))
	expect.Equal(t, 0, s.Len())
}

func (StackSuite) TestPushClonesInput(t *testing.T) {
	s := NewStack()
	top := NewRecord(1)
	top.SetSlot(0, Slot{Tag: Same})

	expect.Nil(t, s.Push(top))

	top.SetSlot(0, Slot{Tag: Undef})

	popped := s.Pop()
	slot, _ := popped.Slot(0)
	expect.Equal(t, Same, slot.Tag)
}

func (StackSuite) TestPopEmptyNeverFails(t *testing.T) {
	s := NewStack()
	expect.Nil(t, s.Pop())
	expect.Equal(t, 0, s.Len())
}

func (StackSuite) TestOverflow(t *testing.T) {
	s := NewStack()
	rec := NewRecord(1)

	for i := 0; i < MaxDepth; i++ {
		expect.Nil(t, s.Push(rec))
	}

	err := s.Push(rec)
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrOutOfMemory))
	expect.Equal(t, MaxDepth, s.Len())
}

func (StackSuite) TestClear(t *testing.T) {
	s := NewStack()
	rec := NewRecord(1)
	expect.Nil(t, s.Push(rec))
	expect.Nil(t, s.Push(rec))

	s.Clear()
	expect.Equal(t, 0, s.Len())
}
