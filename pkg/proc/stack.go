package proc

import (
	"errors"
	"fmt"

	"github.com/probe-dbg/probe/pkg/bininfo"
)

const maxStackDepth = 128

// ErrUnwindDepthExceeded is returned by Stacktrace when the walk reaches
// the requested depth with frames still remaining.
var ErrUnwindDepthExceeded = errors.New("stack unwind depth exceeded")

// NoCallerFrameError is returned when an operation needs the caller of
// the current frame and there is none.
type NoCallerFrameError struct {
	PC uint64
}

func (e *NoCallerFrameError) Error() string {
	return fmt.Sprintf("no caller frame for pc %#x", e.PC)
}

// Location represents a runtime address along with its source position.
type Location struct {
	PC       uint64
	File     string
	Line     int
	Function *bininfo.Function
}

// Stackframe is one frame of a stack trace.
type Stackframe struct {
	// Current is the location of execution in this frame.
	Current Location
	// FramePointer is the value of the frame base pointer register in
	// this frame.
	FramePointer uint64
	// Ret is the address execution resumes at when this frame returns.
	Ret uint64
}

// stackIterator walks the chain of saved frame pointers. Each frame's
// return address lives one word above the saved frame pointer.
type stackIterator struct {
	mem  memoryReadWriter
	bin  *bininfo.BinaryInfo
	bias uint64

	pc, fp uint64
	top    bool
	atend  bool
	frame  Stackframe
	err    error
}

func newStackIterator(mem memoryReadWriter, bin *bininfo.BinaryInfo, bias, pc, fp uint64) *stackIterator {
	return &stackIterator{mem: mem, bin: bin, bias: bias, pc: pc, fp: fp, top: true}
}

func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	it.frame = Stackframe{Current: it.location(it.pc), FramePointer: it.fp}
	if it.fp == 0 {
		it.atend = true
		return true
	}

	ret, err := readUintRaw(it.mem, it.fp+ptrSize)
	if err != nil {
		it.err = err
		return false
	}
	savedFP, err := readUintRaw(it.mem, it.fp)
	if err != nil {
		it.err = err
		return false
	}
	it.frame.Ret = ret

	if ret == 0 {
		it.atend = true
		return true
	}
	if it.bin.HasFunctions() && it.bin.PCToFunction(ret-it.bias) == nil {
		// The return address is outside any known function, the chain
		// has left the program text.
		it.atend = true
		return true
	}

	it.pc, it.fp = ret, savedFP
	it.top = false
	return true
}

func (it *stackIterator) Frame() Stackframe {
	return it.frame
}

func (it *stackIterator) Err() error {
	return it.err
}

// location resolves pc against the debug info. In caller frames the pc
// is a return address, the lookup uses the address of the call itself.
func (it *stackIterator) location(pc uint64) Location {
	lookupPC := pc
	if !it.top && pc > 0 {
		lookupPC = pc - 1
	}
	static := lookupPC - it.bias
	loc := Location{PC: pc}
	loc.File, loc.Line = it.bin.PCToLine(static)
	loc.Function = it.bin.PCToFunction(static)
	return loc
}

// Stacktrace returns up to depth frames of the current stack, innermost
// first. If frames remain past depth the partial trace is returned
// together with ErrUnwindDepthExceeded.
func (p *Process) Stacktrace(depth int) ([]Stackframe, error) {
	if p.exited {
		return nil, ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	if depth <= 0 || depth > maxStackDepth {
		depth = maxStackDepth
	}
	regs, err := p.Registers()
	if err != nil {
		return nil, err
	}
	return stacktrace(p.mem, p.bin, p.loadBias, regs.PC(), regs.BP(), depth)
}

func stacktrace(mem memoryReadWriter, bin *bininfo.BinaryInfo, bias, pc, fp uint64, depth int) ([]Stackframe, error) {
	frames := make([]Stackframe, 0, depth)
	it := newStackIterator(mem, bin, bias, pc, fp)
	for it.Next() {
		if len(frames) >= depth {
			return frames, ErrUnwindDepthExceeded
		}
		frames = append(frames, it.Frame())
	}
	if err := it.Err(); err != nil {
		return frames, err
	}
	return frames, nil
}
