// Package cfi implements the CFI bytecode interpreter: the virtual machine
// that walks a DWARF Call Frame Information instruction stream and mutates
// a register-state record accordingly.
package cfi

// Opcode is one DW_CFA_* instruction. A packed opcode carries its operand
// in the low six bits of the first byte (the high two bits select which of
// the three packed families it belongs to); an extended opcode is a single
// full byte followed by zero or more operands read from the stream.
type Opcode byte

// Packed opcode families. The operand (delta, register) lives in the low
// six bits of the instruction byte.
const (
	packedMask  = 0xc0
	operandMask = 0x3f

	DW_CFA_advance_loc Opcode = 0x40
	DW_CFA_offset      Opcode = 0x80
	DW_CFA_restore     Opcode = 0xc0
)

// Extended opcodes: the full byte is the opcode, operand bits are unused.
const (
	DW_CFA_nop                  Opcode = 0x00
	DW_CFA_set_loc              Opcode = 0x01
	DW_CFA_advance_loc1         Opcode = 0x02
	DW_CFA_advance_loc2         Opcode = 0x03
	DW_CFA_advance_loc4         Opcode = 0x04
	DW_CFA_offset_extended      Opcode = 0x05
	DW_CFA_restore_extended     Opcode = 0x06
	DW_CFA_undefined            Opcode = 0x07
	DW_CFA_same_value           Opcode = 0x08
	DW_CFA_register             Opcode = 0x09
	DW_CFA_remember_state       Opcode = 0x0a
	DW_CFA_restore_state        Opcode = 0x0b
	DW_CFA_def_cfa              Opcode = 0x0c
	DW_CFA_def_cfa_register     Opcode = 0x0d
	DW_CFA_def_cfa_offset       Opcode = 0x0e
	DW_CFA_def_cfa_expression   Opcode = 0x0f
	DW_CFA_expression           Opcode = 0x10
	DW_CFA_offset_extended_sf   Opcode = 0x11
	DW_CFA_def_cfa_sf           Opcode = 0x12
	DW_CFA_def_cfa_offset_sf    Opcode = 0x13
	DW_CFA_val_offset           Opcode = 0x14
	DW_CFA_val_offset_sf        Opcode = 0x15
	DW_CFA_val_expression       Opcode = 0x16
)

// Vendor/GNU extensions, all within the [lo_user, hi_user] range reserved
// for producer-specific opcodes.
const (
	DW_CFA_lo_user Opcode = 0x1c
	DW_CFA_hi_user Opcode = 0x3f

	DW_CFA_MIPS_advance_loc8             Opcode = 0x1d
	DW_CFA_GNU_window_save                Opcode = 0x2d
	DW_CFA_GNU_args_size                  Opcode = 0x2e
	DW_CFA_GNU_negative_offset_extended   Opcode = 0x2f
)

// decode splits an instruction's first byte into its packed family (if
// any) and operand. family is 0 if the byte is an extended opcode (operand
// bits all significant as part of the opcode itself).
func decode(b byte) (family Opcode, operand byte) {
	family = Opcode(b & packedMask)
	switch family {
	case DW_CFA_advance_loc, DW_CFA_offset, DW_CFA_restore:
		return family, b & operandMask
	default:
		return 0, 0
	}
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "DW_CFA_unknown"
}

var opcodeNames = map[Opcode]string{
	DW_CFA_advance_loc:                  "DW_CFA_advance_loc",
	DW_CFA_offset:                       "DW_CFA_offset",
	DW_CFA_restore:                      "DW_CFA_restore",
	DW_CFA_nop:                          "DW_CFA_nop",
	DW_CFA_set_loc:                      "DW_CFA_set_loc",
	DW_CFA_advance_loc1:                 "DW_CFA_advance_loc1",
	DW_CFA_advance_loc2:                 "DW_CFA_advance_loc2",
	DW_CFA_advance_loc4:                 "DW_CFA_advance_loc4",
	DW_CFA_offset_extended:              "DW_CFA_offset_extended",
	DW_CFA_restore_extended:             "DW_CFA_restore_extended",
	DW_CFA_undefined:                    "DW_CFA_undefined",
	DW_CFA_same_value:                   "DW_CFA_same_value",
	DW_CFA_register:                     "DW_CFA_register",
	DW_CFA_remember_state:               "DW_CFA_remember_state",
	DW_CFA_restore_state:                "DW_CFA_restore_state",
	DW_CFA_def_cfa:                      "DW_CFA_def_cfa",
	DW_CFA_def_cfa_register:             "DW_CFA_def_cfa_register",
	DW_CFA_def_cfa_offset:               "DW_CFA_def_cfa_offset",
	DW_CFA_def_cfa_expression:           "DW_CFA_def_cfa_expression",
	DW_CFA_expression:                   "DW_CFA_expression",
	DW_CFA_offset_extended_sf:           "DW_CFA_offset_extended_sf",
	DW_CFA_def_cfa_sf:                   "DW_CFA_def_cfa_sf",
	DW_CFA_def_cfa_offset_sf:            "DW_CFA_def_cfa_offset_sf",
	DW_CFA_val_offset:                   "DW_CFA_val_offset",
	DW_CFA_val_offset_sf:                "DW_CFA_val_offset_sf",
	DW_CFA_val_expression:               "DW_CFA_val_expression",
	DW_CFA_MIPS_advance_loc8:            "DW_CFA_MIPS_advance_loc8",
	DW_CFA_GNU_window_save:              "DW_CFA_GNU_window_save",
	DW_CFA_GNU_args_size:                "DW_CFA_GNU_args_size",
	DW_CFA_GNU_negative_offset_extended: "DW_CFA_GNU_negative_offset_extended",
}
