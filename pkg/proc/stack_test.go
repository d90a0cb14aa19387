package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-dbg/probe/pkg/bininfo"
)

// buildFrame lays out one stack frame: the saved caller frame pointer at
// fp and the return address one word above it.
func buildFrame(mem *fakeMemory, fp, savedFP, ret uint64) {
	mem.setUint(fp, savedFP)
	mem.setUint(fp+ptrSize, ret)
}

func TestStackUnwind(t *testing.T) {
	mem := newFakeMemory()
	// Three frames; the outermost has a zero return address.
	buildFrame(mem, 0x7000, 0x7100, 0x401010)
	buildFrame(mem, 0x7100, 0x7200, 0x402020)
	buildFrame(mem, 0x7200, 0x7300, 0)

	frames, err := stacktrace(mem, bininfo.NewEmpty("fake"), 0, 0x400500, 0x7000, 32)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, uint64(0x400500), frames[0].Current.PC)
	assert.Equal(t, uint64(0x7000), frames[0].FramePointer)
	assert.Equal(t, uint64(0x401010), frames[0].Ret)

	assert.Equal(t, uint64(0x401010), frames[1].Current.PC)
	assert.Equal(t, uint64(0x7100), frames[1].FramePointer)
	assert.Equal(t, uint64(0x402020), frames[1].Ret)

	assert.Equal(t, uint64(0x402020), frames[2].Current.PC)
	assert.Equal(t, uint64(0), frames[2].Ret)
}

func TestStackUnwindDepthExceeded(t *testing.T) {
	mem := newFakeMemory()
	// A frame whose saved frame pointer points back at itself never
	// terminates.
	buildFrame(mem, 0x7000, 0x7000, 0x401010)

	frames, err := stacktrace(mem, bininfo.NewEmpty("fake"), 0, 0x400500, 0x7000, 8)
	assert.Equal(t, ErrUnwindDepthExceeded, err)
	assert.Len(t, frames, 8)
}

func TestStackUnwindZeroFramePointer(t *testing.T) {
	mem := newFakeMemory()

	frames, err := stacktrace(mem, bininfo.NewEmpty("fake"), 0, 0x400500, 0, 32)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(0x400500), frames[0].Current.PC)
}

func TestStackUnwindBadMemory(t *testing.T) {
	mem := newFakeMemory()
	// The frame pointer points at unmapped memory.
	_, err := stacktrace(mem, bininfo.NewEmpty("fake"), 0, 0x400500, 0x7000, 32)
	require.Error(t, err)
	_, ok := err.(*MemoryAccessError)
	assert.True(t, ok)
}
