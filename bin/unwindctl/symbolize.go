package main

import (
	"fmt"

	"github.com/corvidae/unwind/elf"
)

// symbolizer resolves a link-time address to the function symbol that
// spans it, pulling from whichever of .symtab/.dynsym the binary carries
// (demangling already happened once, when elf.Parse bound each symbol
// table's string table).
type symbolizer struct {
	tables []*elf.SymbolTableSection
}

func newSymbolizer(file *elf.File) *symbolizer {
	s := &symbolizer{}
	for _, name := range []string{".symtab", ".dynsym"} {
		section, ok := file.GetSection(name)
		if !ok {
			continue
		}
		if table, ok := section.(*elf.SymbolTableSection); ok {
			s.tables = append(s.tables, table)
		}
	}
	return s
}

// describe renders addr as "name+offset" if a symbol spans it, or the bare
// hex address otherwise.
func (s *symbolizer) describe(addr uint64, demangle bool) string {
	for _, table := range s.tables {
		if sym := table.SymbolSpans(elf.FileAddress(addr)); sym != nil {
			name := sym.Name
			if demangle {
				name = sym.PrettyName()
			}
			offset := addr - sym.Value
			if offset == 0 {
				return name
			}
			return fmt.Sprintf("%s+0x%x", name, offset)
		}
	}
	return fmt.Sprintf("0x%x", addr)
}
