package cfi

import (
	"fmt"

	"github.com/corvidae/unwind/regstate"
	"github.com/corvidae/unwind/uwerr"
)

func badInput(format string, args ...any) error {
	return fmt.Errorf("cfi: "+format+": %w", append(args, uwerr.ErrBadInput)...)
}

func badRegister(regnum regstate.RegisterId) error {
	return fmt.Errorf("cfi: register %d out of range: %w", regnum, uwerr.ErrBadRegister)
}
