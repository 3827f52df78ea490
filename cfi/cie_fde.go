package cfi

import (
	"encoding/binary"

	"github.com/corvidae/unwind/regstate"
)

// StackPointerPolicy decides what a fresh state record's stack-pointer
// slot defaults to before any CFI program runs. Most targets default it
// to CFA; a target package supplies its own policy by implementing this
// alongside TargetHooks.
type StackPointerPolicy interface {
	// StackPointerRegister names the target's stack-pointer column.
	StackPointerRegister() regstate.RegisterId
}

// Setup initializes a fresh state record for a CIE: every slot SAME, the
// stack-pointer slot defaulting to CFA, then runs the CIE's initial
// instructions (ip starting at 0, no upper bound) against it. On success
// it returns the resulting record with Initial and Current identical, as
// the FDE/CIE contract requires ("copies current into initial").
func Setup(n int, cie CIEInfo, target TargetHooks, sp StackPointerPolicy, cieInstructions []byte, order binary.ByteOrder) (*regstate.Record, error) {
	m := NewMachine(n, cie, target, 0)
	for i := range m.Current.Registers {
		m.Current.Registers[i] = regstate.Slot{Tag: regstate.Same}
	}
	m.Current.SetSlot(sp.StackPointerRegister(), regstate.Slot{Tag: regstate.CFA})
	m.Current.RetAddrColumn = cie.ReturnAddressColumn

	r := NewByteReader(cieInstructions, order)
	if err := m.Run(r); err != nil {
		return nil, err
	}
	m.Stack.Clear()

	m.Initial = m.Current.Clone()
	return m.Current, nil
}

// ParseFDE runs an FDE's instructions starting from initial (the record
// Setup produced for its CIE), stopping at targetIP minus the
// use_prev_instr adjustment: 0 for a signal frame, 1 otherwise, so a
// normal call's target address is decremented into the body of the
// calling instruction before state at that point is computed.
func ParseFDE(initial *regstate.Record, cie CIEInfo, target TargetHooks, startIP, targetIP uint64, signalFrame bool, fdeInstructions []byte, order binary.ByteOrder) (*regstate.Record, error) {
	m := &Machine{
		Current:  initial.Clone(),
		Initial:  initial,
		Stack:    regstate.NewStack(),
		CIE:      cie,
		Target:   target,
		Location: startIP,
	}

	usePrevInstr := uint64(1)
	if signalFrame {
		usePrevInstr = 0
	}
	var endLocation uint64
	if targetIP >= usePrevInstr {
		endLocation = targetIP - usePrevInstr
	}

	r := NewByteReader(fdeInstructions, order)
	if err := m.RunUntil(r, endLocation); err != nil {
		return nil, err
	}
	m.Stack.Clear()
	return m.Current, nil
}

// LocSlice is one emission of the iterate entry point: the state record
// valid for PCs in [PrevIP, CurrIP).
type LocSlice struct {
	PrevIP uint64
	CurrIP uint64
	State  *regstate.Record
}

// Iterate walks an FDE's instructions from startIP to endIP, invoking
// emit with a LocSlice on every advance_loc-induced jump plus one trailing
// slice up to endIP. It shares its opcode execution with ParseFDE by
// running the same Machine and snapshotting state at each boundary,
// rather than re-running the program once per queried ip the way a naive
// per-pc parse-FDE loop would.
func Iterate(initial *regstate.Record, cie CIEInfo, target TargetHooks, startIP, endIP uint64, fdeInstructions []byte, order binary.ByteOrder, emit func(LocSlice)) error {
	m := &Machine{
		Current:  initial.Clone(),
		Initial:  initial,
		Stack:    regstate.NewStack(),
		CIE:      cie,
		Target:   target,
		Location: startIP,
	}

	r := NewByteReader(fdeInstructions, order)
	prevIP := startIP

	for !r.Done() {
		before := m.Location
		if err := m.step(r); err != nil {
			m.Stack.Clear()
			return err
		}
		if m.Location != before {
			emit(LocSlice{PrevIP: prevIP, CurrIP: m.Location, State: m.Current.Clone()})
			prevIP = m.Location
		}
	}
	emit(LocSlice{PrevIP: prevIP, CurrIP: endIP, State: m.Current.Clone()})
	m.Stack.Clear()
	return nil
}
