package proc

import (
	"encoding/binary"
	"fmt"
)

// memoryReadWriter is the interface through which the debugger reads and
// writes target process memory. The default implementation uses ptrace,
// tests substitute a fake.
type memoryReadWriter interface {
	ReadMemory(data []byte, addr uint64) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)
}

// MemoryAccessError is returned when a read or write of target memory
// fails.
type MemoryAccessError struct {
	Addr uint64
	Op   string
	Err  error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("could not %s memory at %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

type ptraceMemory struct {
	p *Process
}

func (m ptraceMemory) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if len(data) == 0 {
		return 0, nil
	}
	m.p.execPtraceFunc(func() { n, err = ptracePeekData(m.p.pid, uintptr(addr), data) })
	if err != nil {
		return n, &MemoryAccessError{Addr: addr, Op: "read", Err: err}
	}
	return n, nil
}

func (m ptraceMemory) WriteMemory(addr uint64, data []byte) (n int, err error) {
	if len(data) == 0 {
		return 0, nil
	}
	m.p.execPtraceFunc(func() { n, err = ptracePokeData(m.p.pid, uintptr(addr), data) })
	if err != nil {
		return n, &MemoryAccessError{Addr: addr, Op: "write", Err: err}
	}
	return n, nil
}

func readUintRaw(mem memoryReadWriter, addr uint64) (uint64, error) {
	buf := make([]byte, ptrSize)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}
