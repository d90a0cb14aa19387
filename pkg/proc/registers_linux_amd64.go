package proc

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// Registers is a snapshot of the CPU registers of the traced process.
type Registers struct {
	regs sys.PtraceRegs
}

// PC returns the value of the instruction pointer.
func (r *Registers) PC() uint64 {
	return r.regs.PC()
}

// SP returns the value of the stack pointer.
func (r *Registers) SP() uint64 {
	return r.regs.Rsp
}

// BP returns the value of the frame base pointer.
func (r *Registers) BP() uint64 {
	return r.regs.Rbp
}

// SetPC sets the instruction pointer in the snapshot. The change takes
// effect when the snapshot is written back with SetRegisters.
func (r *Registers) SetPC(pc uint64) {
	r.regs.SetPC(pc)
}

// Register is a named register value.
type Register struct {
	Name  string
	Value uint64
}

var registerNames = []string{
	"rax", "rbx", "rcx", "rdx", "rdi", "rsi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "eflags", "cs", "ss", "ds", "es", "fs", "gs",
	"fs_base", "gs_base", "orig_rax",
}

func (r *Registers) fieldPtr(name string) *uint64 {
	switch name {
	case "rax":
		return &r.regs.Rax
	case "rbx":
		return &r.regs.Rbx
	case "rcx":
		return &r.regs.Rcx
	case "rdx":
		return &r.regs.Rdx
	case "rdi":
		return &r.regs.Rdi
	case "rsi":
		return &r.regs.Rsi
	case "rbp":
		return &r.regs.Rbp
	case "rsp":
		return &r.regs.Rsp
	case "r8":
		return &r.regs.R8
	case "r9":
		return &r.regs.R9
	case "r10":
		return &r.regs.R10
	case "r11":
		return &r.regs.R11
	case "r12":
		return &r.regs.R12
	case "r13":
		return &r.regs.R13
	case "r14":
		return &r.regs.R14
	case "r15":
		return &r.regs.R15
	case "rip", "pc":
		return &r.regs.Rip
	case "eflags":
		return &r.regs.Eflags
	case "cs":
		return &r.regs.Cs
	case "ss":
		return &r.regs.Ss
	case "ds":
		return &r.regs.Ds
	case "es":
		return &r.regs.Es
	case "fs":
		return &r.regs.Fs
	case "gs":
		return &r.regs.Gs
	case "fs_base":
		return &r.regs.Fs_base
	case "gs_base":
		return &r.regs.Gs_base
	case "orig_rax":
		return &r.regs.Orig_rax
	}
	return nil
}

// Get returns the value of the named register.
func (r *Registers) Get(name string) (uint64, error) {
	p := r.fieldPtr(name)
	if p == nil {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return *p, nil
}

// Set sets the value of the named register in the snapshot.
func (r *Registers) Set(name string, value uint64) error {
	p := r.fieldPtr(name)
	if p == nil {
		return fmt.Errorf("unknown register %q", name)
	}
	*p = value
	return nil
}

// Slice returns all registers in a fixed display order.
func (r *Registers) Slice() []Register {
	out := make([]Register, 0, len(registerNames))
	for _, name := range registerNames {
		out = append(out, Register{Name: name, Value: *r.fieldPtr(name)})
	}
	return out
}

// Registers reads the current register snapshot of the traced process.
func (p *Process) Registers() (*Registers, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	r := &Registers{}
	var err error
	p.execPtraceFunc(func() { err = ptraceGetRegs(p.pid, &r.regs) })
	if err != nil {
		return nil, fmt.Errorf("could not read registers: %v", err)
	}
	return r, nil
}

// SetRegisters writes a register snapshot back to the traced process.
func (p *Process) SetRegisters(r *Registers) error {
	if p.exited {
		return ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceSetRegs(p.pid, &r.regs) })
	if err != nil {
		return fmt.Errorf("could not write registers: %v", err)
	}
	return nil
}

// PC returns the current instruction pointer of the traced process.
func (p *Process) PC() (uint64, error) {
	regs, err := p.Registers()
	if err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

func (p *Process) setPC(pc uint64) error {
	regs, err := p.Registers()
	if err != nil {
		return err
	}
	regs.SetPC(pc)
	return p.SetRegisters(regs)
}
