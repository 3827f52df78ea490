package targetinfo

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/corvidae/unwind/unwind"
)

type X86_64Suite struct{}

func TestX86_64(t *testing.T) {
	suite.RunTests(t, &X86_64Suite{})
}

func (X86_64Suite) TestRegisterNumbering(t *testing.T) {
	target := New()
	expect.Equal(t, RSP, target.StackPointerRegister())
	expect.False(t, target.WindowedRegisters())
	expect.Equal(t, uint64(8), target.WordSize())

	_, ok := target.RASignStateRegister()
	expect.False(t, ok)
}

func (X86_64Suite) TestNumRegistersCoversRAXThroughRIP(t *testing.T) {
	expect.Equal(t, 17, NumRegisters)
	expect.Equal(t, 0, int(RAX))
	expect.Equal(t, 16, int(RIP))
}

func (X86_64Suite) TestNoPointerAuthentication(t *testing.T) {
	target := New()
	expect.Equal(t, uint64(0x1234), target.StripPtrAuth(nil, 0x1234))
	expect.False(t, target.PointerAuthActive(nil, nil))
}

func (X86_64Suite) TestCacheFrameReflectsCursorSignalFrame(t *testing.T) {
	target := New()
	cursor := unwind.NewCursor(NumRegisters, 0, 0)

	// A cursor starts with no signal-frame state; CacheFrame must track
	// it rather than unconditionally report true.
	expect.Equal(t, cursor.SignalFrame(), target.CacheFrame(cursor))
	expect.False(t, target.CacheFrame(cursor))
}
