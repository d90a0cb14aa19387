package proc

// Target architecture is linux/amd64 only.
const (
	ptrSize              = 8
	maxInstructionLength = 15
)

// breakInstruction is the int3 instruction used for software breakpoints.
var breakInstruction = []byte{0xCC}
