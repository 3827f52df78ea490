// Command unwindctl is a small ptrace-driven REPL for inspecting a
// process's call stack via the DWARF CFI unwinder core: attach to (or
// launch) a binary, then print backtraces, read registers, and
// disassemble a few instructions starting at the current pc, in the same
// read-eval-print shape as the teacher's bin/bad tool.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/corvidae/unwind/access/ptraceaccess"
	"github.com/corvidae/unwind/dwarfexpr"
	"github.com/corvidae/unwind/elf"
	"github.com/corvidae/unwind/procfs"
	"github.com/corvidae/unwind/procinfo"
	"github.com/corvidae/unwind/ptrace"
	"github.com/corvidae/unwind/targetinfo"
	"github.com/corvidae/unwind/unwind"
)

type session struct {
	cfg config

	tracer *ptrace.Tracer
	file   *elf.File
	sym    *symbolizer
	space  *unwind.Space
	access *ptraceaccess.Space
}

func lowestLoadVaddr(file *elf.File) uint64 {
	lowest := uint64(0)
	found := false
	for _, ph := range file.ProgramHeaders {
		if ph.ProgramType != elf.ProgramLoadable {
			continue
		}
		if !found || ph.VirtualAddress < lowest {
			lowest = ph.VirtualAddress
			found = true
		}
	}
	return lowest
}

func openELF(path string) (*elf.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unwindctl: opening %s: %w", path, err)
	}
	defer f.Close()
	return elf.Parse(f)
}

func newSession(cfg config, tracer *ptrace.Tracer, exePath string) (*session, error) {
	file, err := openELF(exePath)
	if err != nil {
		return nil, err
	}

	provider, err := procinfo.NewProvider(file)
	if err != nil {
		return nil, fmt.Errorf("unwindctl: building unwind table for %s: %w", exePath, err)
	}

	bias, err := ptraceaccess.LoadBias(tracer.Pid(), file.EntryPointAddress, lowestLoadVaddr(file))
	if err != nil {
		return nil, err
	}

	accessSpace := ptraceaccess.New(tracer, bias)
	target := targetinfo.New()
	space := unwind.NewSpace(provider, accessSpace, dwarfexpr.New(), target, targetinfo.NumRegisters, binary.LittleEndian, unwind.CacheGlobal)

	return &session{
		cfg:    cfg,
		tracer: tracer,
		file:   file,
		sym:    newSymbolizer(file),
		space:  space,
		access: accessSpace,
	}, nil
}

func (s *session) backtrace(args string) error {
	cursor, err := ptraceaccess.InitialCursor(s.tracer)
	if err != nil {
		return err
	}

	for i := 0; i < s.cfg.MaxFrames; i++ {
		fmt.Printf("#%-3d %s (cfa=0x%x)\n", i, s.sym.describe(cursor.IP, s.cfg.Demangle), cursor.CFA)

		ok, err := s.space.Step(cursor)
		if err != nil {
			fmt.Println("  <stopped:", err, ">")
			return nil
		}
		if !ok {
			break
		}
	}
	return nil
}

func (s *session) registers(args string) error {
	regs, err := s.tracer.GetGeneralRegisters()
	if err != nil {
		return err
	}
	fmt.Printf("rip=0x%016x rsp=0x%016x rbp=0x%016x\n", regs.Rip, regs.Rsp, regs.Rbp)
	fmt.Printf("rax=0x%016x rbx=0x%016x rcx=0x%016x rdx=0x%016x\n", regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx)
	return nil
}

func (s *session) disassemble(args string) error {
	n := 5
	args = strings.TrimSpace(args)
	if args != "" {
		v, err := strconv.Atoi(args)
		if err != nil {
			return fmt.Errorf("unwindctl: invalid instruction count %q: %w", args, err)
		}
		n = v
	}

	regs, err := s.tracer.GetGeneralRegisters()
	if err != nil {
		return err
	}

	lines, err := disassembleAt(s.tracer, regs.Rip, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func (s *session) cont(args string) error {
	if err := s.tracer.Resume(0); err != nil {
		return err
	}
	fmt.Println("process resumed")
	return nil
}

func (s *session) status(args string) error {
	st, err := procfs.GetProcessStatus(s.tracer.Pid())
	if err != nil {
		return err
	}
	fmt.Printf("pid=%d ppid=%d pgrp=%d comm=%s state=%s\n", st.Pid, st.Ppid, st.Pgrp, st.Comm, st.State)
	return nil
}

type commandFunc func(string) error

func (s *session) commands() map[string]commandFunc {
	return map[string]commandFunc{
		"backtrace":   s.backtrace,
		"bt":          s.backtrace,
		"registers":   s.registers,
		"regs":        s.registers,
		"disassemble": s.disassemble,
		"continue":    s.cont,
		"status":      s.status,
		"ps":          s.status,
	}
}

func defaultConfigPath() string {
	if u, err := user.Current(); err == nil {
		return filepath.Join(u.HomeDir, ".unwindctlrc")
	}
	return ""
}

func main() {
	pid := 0
	flag.IntVar(&pid, "p", 0, "attach to existing process pid")

	configPath := ""
	flag.StringVar(&configPath, "config", defaultConfigPath(), "path to a YAML config file")

	flag.Parse()
	args := flag.Args()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var tracer *ptrace.Tracer
	var exePath string

	if pid != 0 {
		if len(args) != 0 {
			fmt.Fprintln(os.Stderr, "unwindctl: unexpected arguments with -p")
			os.Exit(2)
		}
		exePath = procfs.GetExecutableSymlinkPath(pid)
		tracer, err = ptrace.AttachToProcess(pid)
	} else if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: unwindctl [-p pid | executable [args...]]")
		os.Exit(2)
	} else {
		exePath = args[0]
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		tracer, err = ptrace.StartAndAttachToProcess(cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "unwindctl:", err)
		os.Exit(1)
	}
	defer tracer.Detach()

	sess, err := newSession(cfg, tracer, exePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unwindctl:", err)
		os.Exit(1)
	}

	fmt.Printf("attached to process %d (%s)\n", tracer.Pid(), exePath)

	rl, err := readline.New(cfg.Prompt)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unwindctl:", err)
		os.Exit(1)
	}
	defer rl.Close()

	cmds := sess.commands()
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				break
			}
			fmt.Fprintln(os.Stderr, "unwindctl:", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		name, rest := line, ""
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			name, rest = line[:idx], strings.TrimSpace(line[idx+1:])
		}

		fn, ok := cmds[name]
		if !ok {
			fmt.Println("unknown command:", name)
			continue
		}
		if err := fn(rest); err != nil && !errors.Is(err, io.EOF) {
			fmt.Fprintln(os.Stderr, "unwindctl:", err)
		}
	}
}
