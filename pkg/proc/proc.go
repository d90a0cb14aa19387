// Package proc implements low-level process control for the debugger.
// It launches or attaches to a target process, manages software
// breakpoints and implements the stepping algorithms on top of ptrace.
package proc

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/probe-dbg/probe/pkg/bininfo"
	"github.com/probe-dbg/probe/pkg/logflags"
)

// Process represents the traced process.
type Process struct {
	pid  int
	path string
	bin  *bininfo.BinaryInfo

	// breakpoints is keyed by static address, the address recorded in the
	// executable's debug info. The runtime address of a breakpoint is its
	// static address plus loadBias.
	breakpoints         map[uint64]*Breakpoint
	breakpointIDCounter int

	// loadBias is the difference between the runtime mapped base of the
	// executable and its lowest loadable segment address.
	loadBias uint64

	// attached is true if the trace began with Attach. Attached targets
	// do not lead a process group of their own.
	attached bool

	exited     bool
	exitStatus int

	// mem is the target memory accessor. Replaced with a fake in tests.
	mem memoryReadWriter

	// All ptrace calls must happen on the same OS thread that started the
	// trace. They are funneled through ptraceChan to a dedicated locked
	// goroutine.
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	manualStopRequested bool

	logger *logrus.Entry
}

// ProcessExitedError is returned for any operation on a process that has
// already exited.
type ProcessExitedError struct {
	Pid    int
	Status int
}

func (e ProcessExitedError) Error() string {
	return fmt.Sprintf("process %d has exited with status %d", e.Pid, e.Status)
}

// LaunchError is returned when the target process could not be started
// or attached to.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("could not launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func newProcess(pid int, path string) *Process {
	p := &Process{
		pid:            pid,
		path:           path,
		breakpoints:    make(map[uint64]*Breakpoint),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		logger:         logflags.DebuggerLogger(),
	}
	p.mem = ptraceMemory{p}
	go p.handlePtraceFuncs()
	return p
}

func (p *Process) handlePtraceFuncs() {
	// We must be on the same thread for all ptrace calls for the lifetime
	// of the trace, so lock this goroutine to its OS thread.
	runtime.LockOSThread()
	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

func (p *Process) postExit(status int) {
	if p.exited {
		return
	}
	p.exited = true
	p.exitStatus = status
	close(p.ptraceChan)
	close(p.ptraceDoneChan)
}

// Pid returns the process id of the traced process.
func (p *Process) Pid() int {
	return p.pid
}

// Path returns the path of the traced executable.
func (p *Process) Path() string {
	return p.path
}

// BinInfo returns the debug information of the traced executable.
func (p *Process) BinInfo() *bininfo.BinaryInfo {
	return p.bin
}

// LoadBias returns the difference between runtime and static addresses
// of the traced executable.
func (p *Process) LoadBias() uint64 {
	return p.loadBias
}

// Exited returns true if the traced process has exited.
func (p *Process) Exited() bool {
	return p.exited
}

// ExitStatus returns the exit status of the traced process. Only valid
// after Exited returns true.
func (p *Process) ExitStatus() int {
	return p.exitStatus
}

func (p *Process) staticToRuntime(addr uint64) uint64 {
	return addr + p.loadBias
}

func (p *Process) runtimeToStatic(addr uint64) uint64 {
	return addr - p.loadBias
}
