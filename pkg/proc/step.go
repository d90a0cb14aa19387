package proc

import (
	sys "golang.org/x/sys/unix"

	"github.com/probe-dbg/probe/pkg/bininfo"
)

// StopReason describes why the target stopped.
type StopReason int

const (
	StopUnknown StopReason = iota
	// StopBreakpoint: a breakpoint was hit.
	StopBreakpoint
	// StopStep: a stepping operation completed.
	StopStep
	// StopSignal: the target received a signal.
	StopSignal
	// StopManual: the target was suspended by RequestManualStop.
	StopManual
	// StopExited: the target exited.
	StopExited
)

// StopEvent describes a stop of the target process.
type StopEvent struct {
	Reason     StopReason
	Breakpoint *Breakpoint
	// Signal is the signal that stopped the target. For StopExited a
	// nonzero Signal means the target was terminated by that signal.
	Signal     sys.Signal
	ExitStatus int
	// PC is the runtime program counter at the stop.
	PC uint64
}

// ContinueOnce resumes the target once and waits for the next stop. It
// does not step over a breakpoint at the current pc, callers that may be
// stopped on one use Continue.
func (p *Process) ContinueOnce() (*StopEvent, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceCont(p.pid, 0) })
	if err != nil {
		return nil, err
	}
	return p.waitForStop()
}

// waitForStop waits for the target to stop and classifies the stop.
func (p *Process) waitForStop() (*StopEvent, error) {
	_, status, err := p.wait()
	if err != nil {
		return nil, err
	}
	if status.Exited() {
		ev := &StopEvent{Reason: StopExited, ExitStatus: status.ExitStatus()}
		p.postExit(status.ExitStatus())
		return ev, nil
	}
	if status.Signaled() {
		// The target was terminated by a signal rather than exiting.
		ev := &StopEvent{Reason: StopExited, Signal: status.Signal(), ExitStatus: 128 + int(status.Signal())}
		p.postExit(ev.ExitStatus)
		return ev, nil
	}

	sig := status.StopSignal()
	switch {
	case sig == sys.SIGTRAP:
		regs, err := p.Registers()
		if err != nil {
			return nil, err
		}
		pc := regs.PC()
		// After executing the trap instruction the pc points one byte
		// past the breakpoint site.
		if bp, ok := p.breakpoints[p.runtimeToStatic(pc-1)]; ok && bp.state == patched {
			if err := p.setPC(pc - 1); err != nil {
				return nil, err
			}
			p.logger.Debugf("hit %s", bp)
			return &StopEvent{Reason: StopBreakpoint, Breakpoint: bp, PC: pc - 1}, nil
		}
		return &StopEvent{Reason: StopStep, PC: pc}, nil

	case sig == sys.SIGSTOP && p.manualStopRequested:
		p.manualStopRequested = false
		pc, err := p.PC()
		if err != nil {
			return nil, err
		}
		return &StopEvent{Reason: StopManual, Signal: sig, PC: pc}, nil

	default:
		pc, err := p.PC()
		if err != nil {
			return nil, err
		}
		return &StopEvent{Reason: StopSignal, Signal: sig, PC: pc}, nil
	}
}

// Continue resumes the target until a breakpoint is hit, a signal is
// received or the target exits.
func (p *Process) Continue() (*StopEvent, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	// If we are stopped on a breakpoint its trap byte must be stepped
	// over first, otherwise resuming would trap at the same spot again.
	ev, stepped, err := p.stepOverBreakpointIfNeeded()
	if err != nil {
		return nil, err
	}
	if stepped && ev.Reason == StopExited {
		return ev, nil
	}
	return p.ContinueOnce()
}

// stepOverBreakpointIfNeeded single-steps across a patched breakpoint at
// the current pc. The second return value is true if a step happened.
func (p *Process) stepOverBreakpointIfNeeded() (*StopEvent, bool, error) {
	pc, err := p.PC()
	if err != nil {
		return nil, false, err
	}
	bp, ok := p.breakpoints[p.runtimeToStatic(pc)]
	if !ok || bp.state != patched {
		return nil, false, nil
	}

	if err := p.clearBreakpoint(bp); err != nil {
		return nil, false, err
	}
	bp.state = steppingOver
	ev, err := p.singleStepRaw()
	if err != nil {
		bp.state = unpatched
		return nil, false, err
	}
	if ev.Reason == StopExited {
		bp.state = unpatched
		return ev, true, nil
	}
	bp.state = unpatched
	if err := p.writeSoftwareBreakpoint(bp); err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

// singleStepRaw executes one instruction and waits for the resulting
// trap.
func (p *Process) singleStepRaw() (*StopEvent, error) {
	var err error
	p.execPtraceFunc(func() { err = ptraceSingleStep(p.pid) })
	if err != nil {
		return nil, err
	}
	return p.waitForStop()
}

// StepInstruction executes exactly one instruction. A breakpoint at the
// current pc is stepped over transparently.
func (p *Process) StepInstruction() (*StopEvent, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	ev, stepped, err := p.stepOverBreakpointIfNeeded()
	if err != nil {
		return nil, err
	}
	if stepped {
		return ev, nil
	}
	return p.singleStepRaw()
}

// Step continues execution to the next source line, entering any
// function called on the current line. Started from an address with no
// line table row it steps instructions until the first covered
// statement. Without any line information it degrades to
// StepInstruction.
func (p *Process) Step() (*StopEvent, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	if !p.bin.HasLineInfo() {
		return p.StepInstruction()
	}
	start, startOK, err := p.currentLineEntry()
	if err != nil {
		return nil, err
	}

	for {
		ev, err := p.StepInstruction()
		if err != nil {
			return nil, err
		}
		if ev.Reason != StopStep {
			return ev, nil
		}
		entry, ok, err := p.currentLineEntry()
		if err != nil {
			return nil, err
		}
		if reachedNewStatement(entry, ok, start, startOK) {
			return &StopEvent{Reason: StopStep, PC: ev.PC}, nil
		}
	}
}

func sameLine(a, b bininfo.LineEntry) bool {
	return a.File == b.File && a.Line == b.Line
}

// reachedNewStatement decides whether a stepping operation is done. It
// is true on any statement boundary row different from the starting
// line. A start outside the line table means stepping began on an
// uncovered pc, any covered statement row ends the operation then.
func reachedNewStatement(entry bininfo.LineEntry, ok bool, start bininfo.LineEntry, startOK bool) bool {
	if !ok || !entry.IsStmt {
		return false
	}
	return !startOK || !sameLine(entry, start)
}

func (p *Process) currentLineEntry() (bininfo.LineEntry, bool, error) {
	pc, err := p.PC()
	if err != nil {
		return bininfo.LineEntry{}, false, err
	}
	entry, ok := p.bin.LineEntryForPC(p.runtimeToStatic(pc))
	return entry, ok, nil
}

// Next continues execution to the next source line without entering
// functions called on the current line. Calls are skipped by placing a
// temporary breakpoint on their return site and continuing. A user
// breakpoint hit inside a skipped call stops the operation early.
func (p *Process) Next() (*StopEvent, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	if !p.bin.HasLineInfo() {
		return p.StepInstruction()
	}
	start, startOK, err := p.currentLineEntry()
	if err != nil {
		return nil, err
	}

	tmp := &tempBreakpoints{}
	defer tmp.clearAll(p)

	for {
		pc, err := p.PC()
		if err != nil {
			return nil, err
		}
		inst, instErr := p.currentInstruction(pc)
		if instErr == nil && isCallInstruction(inst) {
			retSite := pc + uint64(inst.Len)
			if err := tmp.ensure(p, p.runtimeToStatic(retSite)); err != nil {
				return nil, err
			}
			ev, err := p.Continue()
			if err != nil {
				return nil, err
			}
			switch {
			case ev.Reason == StopExited:
				return ev, nil
			case ev.Reason == StopBreakpoint && ev.PC == retSite && tmp.owns(ev.Breakpoint):
				// Back from the call, keep walking the line.
			default:
				return ev, nil
			}
		} else {
			ev, err := p.StepInstruction()
			if err != nil {
				return nil, err
			}
			if ev.Reason != StopStep {
				return ev, nil
			}
		}

		entry, ok, err := p.currentLineEntry()
		if err != nil {
			return nil, err
		}
		if reachedNewStatement(entry, ok, start, startOK) {
			pc, err := p.PC()
			if err != nil {
				return nil, err
			}
			return &StopEvent{Reason: StopStep, PC: pc}, nil
		}
	}
}

// StepOut continues execution until the current function returns,
// stopping at the return address in the caller.
func (p *Process) StepOut() (*StopEvent, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	frames, err := p.Stacktrace(2)
	if err != nil && err != ErrUnwindDepthExceeded {
		return nil, err
	}
	pc, err := p.PC()
	if err != nil {
		return nil, err
	}
	if len(frames) < 2 || frames[0].Ret == 0 {
		return nil, &NoCallerFrameError{PC: pc}
	}
	retSite := frames[0].Ret

	tmp := &tempBreakpoints{}
	defer tmp.clearAll(p)
	if err := tmp.ensure(p, p.runtimeToStatic(retSite)); err != nil {
		return nil, err
	}

	ev, err := p.Continue()
	if err != nil {
		return nil, err
	}
	if ev.Reason == StopBreakpoint && ev.PC == retSite && tmp.owns(ev.Breakpoint) {
		return &StopEvent{Reason: StopStep, PC: ev.PC}, nil
	}
	return ev, nil
}

// CurrentLocation returns the source position of the current pc.
func (p *Process) CurrentLocation() (Location, error) {
	pc, err := p.PC()
	if err != nil {
		return Location{}, err
	}
	static := p.runtimeToStatic(pc)
	loc := Location{PC: pc}
	loc.File, loc.Line = p.bin.PCToLine(static)
	loc.Function = p.bin.PCToFunction(static)
	return loc, nil
}
