package cfi

import (
	"encoding/binary"
	"fmt"

	"github.com/corvidae/unwind/uwerr"
)

// PointerEncoding is a DWARF exception-header pointer encoding byte, as
// used by DW_CFA_set_loc and the FDE/CIE driver when resolving the
// augmentation's personality/LSDA/initial-location pointers. The low
// nibble selects the value's representation, the high nibble (application
// part) selects which base it is relative to.
type PointerEncoding byte

const (
	DW_EH_PE_omit PointerEncoding = 0xff

	DW_EH_PE_absptr  PointerEncoding = 0x00
	DW_EH_PE_uleb128 PointerEncoding = 0x01
	DW_EH_PE_udata2  PointerEncoding = 0x02
	DW_EH_PE_udata4  PointerEncoding = 0x03
	DW_EH_PE_udata8  PointerEncoding = 0x04
	DW_EH_PE_sleb128 PointerEncoding = 0x09
	DW_EH_PE_sdata2  PointerEncoding = 0x0a
	DW_EH_PE_sdata4  PointerEncoding = 0x0b
	DW_EH_PE_sdata8  PointerEncoding = 0x0c

	DW_EH_PE_formatMask PointerEncoding = 0x0f

	DW_EH_PE_pcrel   PointerEncoding = 0x10
	DW_EH_PE_textrel PointerEncoding = 0x20
	DW_EH_PE_datarel PointerEncoding = 0x30
	DW_EH_PE_funcrel PointerEncoding = 0x40
	DW_EH_PE_aligned PointerEncoding = 0x50

	DW_EH_PE_applicationMask PointerEncoding = 0x70

	DW_EH_PE_indirect PointerEncoding = 0x80
)

// PointerBases carries the base addresses an encoded pointer's application
// part may be relative to. The proc-info provider fills these in from the
// section and FDE it hands the interpreter; a base needed by an encoding
// actually used but left at zero reads as address zero, matching the
// reference unwinder's behavior for a misconfigured producer.
type PointerBases struct {
	// PCRel is the address of the reader buffer's first byte, used by
	// DW_EH_PE_pcrel; FramePointer adds the encoded pointer's offset in the
	// buffer to it.
	PCRel uint64

	// Text is the start of the .text section, used by DW_EH_PE_textrel.
	Text uint64

	// Data is the start of the data section the augmentation's base
	// applies to, used by DW_EH_PE_datarel.
	Data uint64

	// Func is the start of the function described by the FDE, used by
	// DW_EH_PE_funcrel.
	Func uint64
}

// ByteReader reads CFI instruction bytes out of a locally held []byte
// buffer. This is distinct from (and never delegates to) an address-space
// accessor set: CFI programs and FDE/CIE headers are decoded from bytes
// already resident in this process, never from the target's memory.
type ByteReader struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

// NewByteReader returns a reader positioned at the start of buf.
func NewByteReader(buf []byte, order binary.ByteOrder) *ByteReader {
	return &ByteReader{buf: buf, order: order}
}

// Pos returns the current read offset into buf.
func (r *ByteReader) Pos() int {
	return r.pos
}

// SeekTo repositions the reader, used by the FDE/CIE driver to jump
// between augmentation data and the main instruction stream.
func (r *ByteReader) SeekTo(pos int) {
	r.pos = pos
}

// Remaining reports how many bytes are left to read.
func (r *ByteReader) Remaining() int {
	return len(r.buf) - r.pos
}

// Done reports whether the reader has consumed the whole buffer.
func (r *ByteReader) Done() bool {
	return r.pos >= len(r.buf)
}

func (r *ByteReader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("cfi: read past end of instruction stream: %w", uwerr.ErrBadInput)
	}
	return nil
}

func (r *ByteReader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *ByteReader) S8() (int8, error) {
	v, err := r.U8()
	return int8(v), err
}

func (r *ByteReader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *ByteReader) S16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

func (r *ByteReader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *ByteReader) S32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *ByteReader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.order.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *ByteReader) S64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

// Bytes reads n raw bytes, returning a slice aliased into the reader's
// backing buffer (never mutated, so aliasing is safe).
func (r *ByteReader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ULEB128 reads an unsigned little-endian base-128 value.
func (r *ByteReader) ULEB128() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.U8()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, fmt.Errorf("cfi: uleb128 overflow: %w", uwerr.ErrBadInput)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

// SLEB128 reads a signed little-endian base-128 value.
func (r *ByteReader) SLEB128() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.U8()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, fmt.Errorf("cfi: sleb128 overflow: %w", uwerr.ErrBadInput)
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

// FramePointer decodes one encoded pointer per enc, applying whichever
// base from bases the encoding's application part selects. Used by
// DW_CFA_set_loc and by the FDE/CIE driver for augmentation pointers
// (personality routine, LSDA, initial location).
func (r *ByteReader) FramePointer(enc PointerEncoding, bases PointerBases) (uint64, error) {
	if enc == DW_EH_PE_omit {
		return 0, nil
	}

	start := r.pos
	var value uint64

	switch enc & DW_EH_PE_formatMask {
	case DW_EH_PE_absptr:
		v, err := r.U64()
		if err != nil {
			return 0, err
		}
		value = v
	case DW_EH_PE_uleb128:
		v, err := r.ULEB128()
		if err != nil {
			return 0, err
		}
		value = v
	case DW_EH_PE_udata2:
		v, err := r.U16()
		if err != nil {
			return 0, err
		}
		value = uint64(v)
	case DW_EH_PE_udata4:
		v, err := r.U32()
		if err != nil {
			return 0, err
		}
		value = uint64(v)
	case DW_EH_PE_udata8:
		v, err := r.U64()
		if err != nil {
			return 0, err
		}
		value = v
	case DW_EH_PE_sleb128:
		v, err := r.SLEB128()
		if err != nil {
			return 0, err
		}
		value = uint64(v)
	case DW_EH_PE_sdata2:
		v, err := r.S16()
		if err != nil {
			return 0, err
		}
		value = uint64(int64(v))
	case DW_EH_PE_sdata4:
		v, err := r.S32()
		if err != nil {
			return 0, err
		}
		value = uint64(int64(v))
	case DW_EH_PE_sdata8:
		v, err := r.S64()
		if err != nil {
			return 0, err
		}
		value = uint64(v)
	default:
		return 0, fmt.Errorf("cfi: unsupported pointer encoding format 0x%x: %w", enc&DW_EH_PE_formatMask, uwerr.ErrBadInput)
	}

	var base uint64
	switch enc & DW_EH_PE_applicationMask {
	case DW_EH_PE_absptr, DW_EH_PE_aligned:
		base = 0
	case DW_EH_PE_pcrel:
		base = bases.PCRel + uint64(start)
	case DW_EH_PE_textrel:
		base = bases.Text
	case DW_EH_PE_datarel:
		base = bases.Data
	case DW_EH_PE_funcrel:
		base = bases.Func
	default:
		return 0, fmt.Errorf("cfi: unsupported pointer encoding application 0x%x: %w", enc&DW_EH_PE_applicationMask, uwerr.ErrBadInput)
	}

	return base + value, nil
}
