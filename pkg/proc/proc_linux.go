package proc

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/probe-dbg/probe/pkg/bininfo"
)

// Launch creates and begins debugging a new process. The first element
// of cmd is the path to the executable, the rest its arguments.
func Launch(cmd []string) (*Process, error) {
	if len(cmd) == 0 {
		return nil, &LaunchError{Err: fmt.Errorf("no command")}
	}
	path, err := filepath.Abs(cmd[0])
	if err != nil {
		return nil, &LaunchError{Path: cmd[0], Err: err}
	}

	p := newProcess(0, path)
	process := exec.Command(path)
	process.Args = cmd
	process.Stdout = os.Stdout
	process.Stderr = os.Stderr
	process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	// The fork/exec must happen on the thread that will issue all further
	// ptrace calls.
	p.execPtraceFunc(func() { err = process.Start() })
	if err != nil {
		return nil, &LaunchError{Path: path, Err: err}
	}
	p.pid = process.Process.Pid

	// Wait for the SIGTRAP the kernel delivers on exec.
	_, status, err := p.wait()
	if err != nil {
		return nil, &LaunchError{Path: path, Err: err}
	}
	if status.Exited() {
		return nil, &LaunchError{Path: path, Err: fmt.Errorf("process exited during launch with status %d", status.ExitStatus())}
	}

	return initializeDebugProcess(p)
}

// Attach begins debugging an already running process.
func Attach(pid int) (*Process, error) {
	p := newProcess(pid, "")
	p.attached = true

	var err error
	p.execPtraceFunc(func() { err = ptraceAttach(pid) })
	if err != nil {
		return nil, &LaunchError{Path: fmt.Sprintf("pid %d", pid), Err: err}
	}
	if _, _, err := p.wait(); err != nil {
		return nil, &LaunchError{Path: fmt.Sprintf("pid %d", pid), Err: err}
	}

	p.path, err = os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, &LaunchError{Path: fmt.Sprintf("pid %d", pid), Err: err}
	}
	return initializeDebugProcess(p)
}

// initializeDebugProcess loads debug info for a stopped process and
// computes its load bias. A failure to load debug info is not fatal, the
// session degrades to address-only operation.
func initializeDebugProcess(p *Process) (*Process, error) {
	bin, err := bininfo.Load(p.path)
	if err != nil {
		p.logger.Warnf("debug info unavailable: %v", err)
		bin = bininfo.NewEmpty(p.path)
	}
	p.bin = bin

	if err := p.computeLoadBias(); err != nil {
		p.logger.Warnf("could not determine load address: %v", err)
	}
	return p, nil
}

// computeLoadBias reads /proc/pid/maps to find the address the
// executable was mapped at. The bias is that address minus the lowest
// loadable segment address recorded in the file.
func (p *Process) computeLoadBias() error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 || fields[len(fields)-1] != p.path {
			continue
		}
		if offset, err := strconv.ParseUint(fields[2], 16, 64); err != nil || offset != 0 {
			continue
		}
		base, err := strconv.ParseUint(strings.SplitN(fields[0], "-", 2)[0], 16, 64)
		if err != nil {
			return err
		}
		if base < p.bin.LoadAddr {
			return fmt.Errorf("mapped base %#x below segment address %#x", base, p.bin.LoadAddr)
		}
		p.loadBias = base - p.bin.LoadAddr
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("executable mapping not found")
}

func (p *Process) wait() (int, *sys.WaitStatus, error) {
	var status sys.WaitStatus
	wpid, err := sys.Wait4(p.pid, &status, 0, nil)
	return wpid, &status, err
}

// RequestManualStop suspends a running target by sending it SIGSTOP.
func (p *Process) RequestManualStop() error {
	if p.exited {
		return ProcessExitedError{Pid: p.pid, Status: p.exitStatus}
	}
	p.manualStopRequested = true
	return sys.Kill(p.pid, sys.SIGSTOP)
}

// Detach ends the trace. All breakpoints are removed from the target
// first so it can run unmodified. If kill is true the target is killed
// instead of resumed.
func (p *Process) Detach(kill bool) error {
	if p.exited {
		return nil
	}
	for _, bp := range p.breakpoints {
		if err := p.clearBreakpoint(bp); err != nil {
			p.logger.Errorf("could not restore %s during detach: %v", bp, err)
		}
	}
	if kill {
		return p.Kill()
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceDetach(p.pid) })
	if err != nil {
		return err
	}
	p.postExit(0)
	return nil
}

// Kill terminates the target process.
func (p *Process) Kill() error {
	if p.exited {
		return nil
	}
	// Launched targets lead their own process group, attached ones keep
	// the group they were in.
	killPid := -p.pid
	if p.attached {
		killPid = p.pid
	}
	if err := sys.Kill(killPid, sys.SIGKILL); err != nil {
		return fmt.Errorf("could not deliver signal: %v", err)
	}
	_, status, err := p.wait()
	if err != nil {
		return err
	}
	if status.Signaled() {
		p.postExit(128 + int(status.Signal()))
	} else if status.Exited() {
		p.postExit(status.ExitStatus())
	}
	return nil
}
