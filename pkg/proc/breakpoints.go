package proc

import (
	"fmt"
)

type patchState uint8

const (
	// unpatched: the original instruction byte is in place.
	unpatched patchState = iota
	// patched: the trap instruction is written at the address.
	patched
	// steppingOver: the original byte is temporarily restored while the
	// process single-steps across the breakpoint site.
	steppingOver
)

// Breakpoint represents a software breakpoint set in the target.
type Breakpoint struct {
	// ID is a monotonically increasing number assigned at creation.
	ID int
	// Addr is the static address of the breakpoint. Its runtime address
	// is Addr plus the process load bias.
	Addr uint64

	FunctionName string
	File         string
	Line         int

	// OriginalData is the instruction byte replaced by the trap.
	OriginalData []byte
	// Temp marks breakpoints created internally by stepping operations.
	Temp bool

	state patchState
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %d at %#x %s:%d", bp.ID, bp.Addr, bp.File, bp.Line)
}

// Enabled returns true if the trap instruction is currently active.
func (bp *Breakpoint) Enabled() bool {
	return bp.state != unpatched
}

// Breakpoints returns all current breakpoints keyed by static address.
func (p *Process) Breakpoints() map[uint64]*Breakpoint {
	return p.breakpoints
}

// FindBreakpoint returns the breakpoint at the given static address.
func (p *Process) FindBreakpoint(addr uint64) (*Breakpoint, bool) {
	bp, ok := p.breakpoints[addr]
	return bp, ok
}

// SetBreakpoint sets a breakpoint at addr, the static address of an
// instruction. Setting a breakpoint where one already exists returns the
// existing breakpoint.
func (p *Process) SetBreakpoint(addr uint64) (*Breakpoint, error) {
	return p.setBreakpoint(addr, false)
}

func (p *Process) setBreakpoint(addr uint64, temp bool) (*Breakpoint, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	if bp, ok := p.breakpoints[addr]; ok {
		return bp, nil
	}

	p.breakpointIDCounter++
	bp := &Breakpoint{
		ID:   p.breakpointIDCounter,
		Addr: addr,
		Temp: temp,
	}
	if fn := p.bin.PCToFunction(addr); fn != nil {
		bp.FunctionName = fn.Name
	}
	bp.File, bp.Line = p.bin.PCToLine(addr)

	if err := p.writeSoftwareBreakpoint(bp); err != nil {
		return nil, err
	}
	p.breakpoints[addr] = bp
	p.logger.Debugf("set %s", bp)
	return bp, nil
}

// ClearBreakpoint removes the breakpoint at the given static address,
// restoring the original instruction byte. Clearing an address with no
// breakpoint is a no-op.
func (p *Process) ClearBreakpoint(addr uint64) (*Breakpoint, error) {
	bp, ok := p.breakpoints[addr]
	if !ok {
		return nil, nil
	}
	if err := p.clearBreakpoint(bp); err != nil {
		return nil, err
	}
	delete(p.breakpoints, addr)
	return bp, nil
}

// EnableBreakpoint re-arms a disabled breakpoint.
func (p *Process) EnableBreakpoint(bp *Breakpoint) error {
	return p.writeSoftwareBreakpoint(bp)
}

// DisableBreakpoint restores the original instruction byte but keeps the
// breakpoint in the breakpoint table.
func (p *Process) DisableBreakpoint(bp *Breakpoint) error {
	return p.clearBreakpoint(bp)
}

// writeSoftwareBreakpoint saves the instruction byte at the breakpoint
// site and replaces it with the trap instruction.
func (p *Process) writeSoftwareBreakpoint(bp *Breakpoint) error {
	if bp.state == patched {
		return nil
	}
	runtimeAddr := p.staticToRuntime(bp.Addr)
	orig := make([]byte, len(breakInstruction))
	if _, err := p.mem.ReadMemory(orig, runtimeAddr); err != nil {
		return err
	}
	if _, err := p.mem.WriteMemory(runtimeAddr, breakInstruction); err != nil {
		return err
	}
	bp.OriginalData = orig
	bp.state = patched
	return nil
}

// clearBreakpoint restores the original instruction byte at the
// breakpoint site.
func (p *Process) clearBreakpoint(bp *Breakpoint) error {
	if bp.state != patched {
		return nil
	}
	if p.exited {
		bp.state = unpatched
		return nil
	}
	if _, err := p.mem.WriteMemory(p.staticToRuntime(bp.Addr), bp.OriginalData); err != nil {
		return err
	}
	bp.state = unpatched
	return nil
}

// tempBreakpoints tracks breakpoints armed for the duration of one
// stepping operation, so that pre-existing user breakpoints at the same
// addresses are left untouched when the operation finishes.
type tempBreakpoints struct {
	created []uint64
	// rearmed holds addresses of disabled user breakpoints that were
	// patched for this operation. They go back to disabled in clearAll.
	rearmed []uint64
}

// ensure guarantees a trap instruction is in place at addr. Sites with
// no breakpoint record get a temporary breakpoint, sites with a
// disabled user breakpoint are re-patched until clearAll.
func (t *tempBreakpoints) ensure(p *Process, addr uint64) error {
	if bp, ok := p.breakpoints[addr]; ok {
		if bp.state == patched {
			return nil
		}
		if err := p.writeSoftwareBreakpoint(bp); err != nil {
			return err
		}
		t.rearmed = append(t.rearmed, addr)
		return nil
	}
	if _, err := p.setBreakpoint(addr, true); err != nil {
		return err
	}
	t.created = append(t.created, addr)
	return nil
}

// owns reports whether a hit on bp belongs to this stepping operation
// rather than to the user.
func (t *tempBreakpoints) owns(bp *Breakpoint) bool {
	if bp == nil {
		return false
	}
	if bp.Temp {
		return true
	}
	for _, addr := range t.rearmed {
		if addr == bp.Addr {
			return true
		}
	}
	return false
}

// clearAll removes every breakpoint this operation created and disables
// the ones it re-armed.
func (t *tempBreakpoints) clearAll(p *Process) error {
	var first error
	for _, addr := range t.created {
		if _, err := p.ClearBreakpoint(addr); err != nil && first == nil {
			first = err
		}
	}
	for _, addr := range t.rearmed {
		bp, ok := p.breakpoints[addr]
		if !ok {
			continue
		}
		if err := p.clearBreakpoint(bp); err != nil && first == nil {
			first = err
		}
	}
	t.created = t.created[:0]
	t.rearmed = t.rearmed[:0]
	return first
}
