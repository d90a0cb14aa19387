package proc

import (
	sys "golang.org/x/sys/unix"
)

func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

func ptraceDetach(pid int) error {
	return sys.PtraceDetach(pid)
}

func ptraceCont(pid, sig int) error {
	return sys.PtraceCont(pid, sig)
}

func ptraceSingleStep(pid int) error {
	return sys.PtraceSingleStep(pid)
}

func ptracePeekData(pid int, addr uintptr, data []byte) (int, error) {
	return sys.PtracePeekData(pid, addr, data)
}

func ptracePokeData(pid int, addr uintptr, data []byte) (int, error) {
	return sys.PtracePokeData(pid, addr, data)
}

func ptraceGetRegs(pid int, regs *sys.PtraceRegs) error {
	return sys.PtraceGetRegs(pid, regs)
}

func ptraceSetRegs(pid int, regs *sys.PtraceRegs) error {
	return sys.PtraceSetRegs(pid, regs)
}
