package regstate

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type SlotSuite struct{}

func TestSlot(t *testing.T) {
	suite.RunTests(t, &SlotSuite{})
}

func (SlotSuite) TestTagString(t *testing.T) {
	expect.Equal(t, "undef", Undef.String())
	expect.Equal(t, "same", Same.String())
	expect.Equal(t, "cfa", CFA.String())
	expect.Equal(t, "cfa-relative", CFARelative.String())
	expect.Equal(t, "in-register", InRegister.String())
	expect.Equal(t, "expression", Expression.String())
	expect.Equal(t, "value-expression", ValueExpression.String())
}

func (SlotSuite) TestUnknownTagString(t *testing.T) {
	var tag Tag = 99
	expect.Equal(t, "unknown", tag.String())
}
