package procinfo

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/corvidae/unwind/cfi"
	"github.com/corvidae/unwind/uwerr"
)

// buildCIE encodes a minimal version-1 CIE entry with no augmentation
// string: code alignment 1, data alignment -8, return address column 16.
func buildCIE() []byte {
	body := []byte{
		0x01, // version
		0x00, // empty augmentation string
		0x01, // code_alignment_factor (uleb128)
		0x78, // data_alignment_factor (sleb128 -8)
		0x10, // return_address_register (u8, version 1)
	}
	return entryWithID(0, body)
}

// buildSignalCIE encodes a version-1 CIE with a "zS" augmentation string,
// marking every FDE that references it as a signal frame.
func buildSignalCIE() []byte {
	body := []byte{
		0x01,                   // version
		'z', 'S', 0x00,         // augmentation string
		0x01, // code_alignment_factor
		0x78, // data_alignment_factor (-8)
		0x10, // return_address_register
		0x00, // augmentation data length (uleb128): no bytes, 'S' carries none
	}
	return entryWithID(0, body)
}

func entryWithID(id uint32, body []byte) []byte {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, id)
	rest := append(header, body...)

	out := make([]byte, 4+len(rest))
	binary.LittleEndian.PutUint32(out, uint32(len(rest)))
	copy(out[4:], rest)
	return out
}

// buildFDE encodes a version-1 FDE referencing the CIE at cieStart, with an
// absptr-encoded start/range pair (8 bytes each, no base applied). When
// augmented is true, it carries a zero-length augmentation data block, as
// required whenever the referenced CIE's augmentation string starts with
// 'z'.
func buildFDE(cieStart, startIP, rangeLen uint64, fdeOffset int, augmented bool) []byte {
	idFieldStart := fdeOffset + 4
	ciePointer := uint32(idFieldStart) - uint32(cieStart)

	body := make([]byte, 0, 21)
	idBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBuf, ciePointer)
	body = append(body, idBuf...)

	startBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(startBuf, startIP)
	body = append(body, startBuf...)

	rangeBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(rangeBuf, rangeLen)
	body = append(body, rangeBuf...)

	if augmented {
		body = append(body, 0x00) // augmentation data length (uleb128): none
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func parseAll(t *testing.T, content []byte) *Provider {
	p := &Provider{byteOrder: binary.LittleEndian}
	cies := map[int]*cie{}

	r := cfi.NewByteReader(content, binary.LittleEndian)
	for !r.Done() {
		err := p.parseEntry(r, cies)
		expect.Nil(t, err)
	}
	return p
}

type ProviderSuite struct{}

func TestProvider(t *testing.T) {
	suite.RunTests(t, &ProviderSuite{})
}

func (ProviderSuite) TestFindLocatesCoveringFDE(t *testing.T) {
	cieBytes := buildCIE()
	fdeBytes := buildFDE(0, 0x1000, 0x50, len(cieBytes), false)

	p := parseAll(t, append(cieBytes, fdeBytes...))
	expect.Equal(t, 1, len(p.fdes))

	info, err := p.Find(0x1020)
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x1000), info.StartIP)
	expect.Equal(t, uint64(0x1050), info.EndIP)
	expect.Equal(t, uint64(1), info.CIE.CodeAlignment)
	expect.Equal(t, int64(-8), info.CIE.DataAlignment)
	expect.Equal(t, 16, int(info.CIE.ReturnAddressColumn))
	expect.False(t, info.SignalFrame)
}

func (ProviderSuite) TestFindOutsideRangeIsNoInfo(t *testing.T) {
	cieBytes := buildCIE()
	fdeBytes := buildFDE(0, 0x1000, 0x50, len(cieBytes), false)

	p := parseAll(t, append(cieBytes, fdeBytes...))

	_, err := p.Find(0x2000)
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrNoInfo))

	_, err = p.Find(0x0fff)
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrNoInfo))
}

func (ProviderSuite) TestEndIPIsExclusive(t *testing.T) {
	cieBytes := buildCIE()
	fdeBytes := buildFDE(0, 0x1000, 0x50, len(cieBytes), false)

	p := parseAll(t, append(cieBytes, fdeBytes...))

	_, err := p.Find(0x1050)
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrNoInfo))
}

func (ProviderSuite) TestSignalFrameAugmentationPropagates(t *testing.T) {
	cieBytes := buildSignalCIE()
	fdeBytes := buildFDE(0, 0x2000, 0x20, len(cieBytes), true)

	p := parseAll(t, append(cieBytes, fdeBytes...))

	info, err := p.Find(0x2010)
	expect.Nil(t, err)
	expect.True(t, info.SignalFrame)
	expect.True(t, info.CIE.SignalFrame)
}

func (ProviderSuite) TestUnknownCIEReferenceErrors(t *testing.T) {
	fdeBytes := buildFDE(0, 0x1000, 0x50, 0, false)

	p := &Provider{byteOrder: binary.LittleEndian}
	r := cfi.NewByteReader(fdeBytes, binary.LittleEndian)
	err := p.parseEntry(r, map[int]*cie{})
	expect.NotNil(t, err)
}

func (ProviderSuite) Test64BitDwarfFormatUnsupported(t *testing.T) {
	content := make([]byte, 4)
	binary.LittleEndian.PutUint32(content, 0xffffffff)

	p := &Provider{byteOrder: binary.LittleEndian}
	r := cfi.NewByteReader(content, binary.LittleEndian)
	err := p.parseEntry(r, map[int]*cie{})
	expect.NotNil(t, err)
}

func (ProviderSuite) TestZeroLengthTerminatorIsSkipped(t *testing.T) {
	content := make([]byte, 4)
	p := &Provider{byteOrder: binary.LittleEndian}
	r := cfi.NewByteReader(content, binary.LittleEndian)
	err := p.parseEntry(r, map[int]*cie{})
	expect.Nil(t, err)
	expect.True(t, r.Done())
}

func (ProviderSuite) TestFindOnEmptyTableIsNoInfo(t *testing.T) {
	p := &Provider{}
	_, err := p.Find(0x1234)
	expect.NotNil(t, err)
	expect.True(t, errors.Is(err, uwerr.ErrNoInfo))
}
