package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// currentInstruction decodes the instruction at the given runtime pc.
// Trap bytes written for breakpoints are replaced with the saved
// original bytes before decoding.
func (p *Process) currentInstruction(pc uint64) (x86asm.Inst, error) {
	buf := make([]byte, maxInstructionLength)
	if _, err := p.mem.ReadMemory(buf, pc); err != nil {
		return x86asm.Inst{}, err
	}
	for i := range buf {
		bp, ok := p.breakpoints[p.runtimeToStatic(pc+uint64(i))]
		if ok && bp.state == patched {
			buf[i] = bp.OriginalData[0]
		}
	}
	return x86asm.Decode(buf, 64)
}

func isCallInstruction(inst x86asm.Inst) bool {
	return inst.Op == x86asm.CALL || inst.Op == x86asm.LCALL
}
