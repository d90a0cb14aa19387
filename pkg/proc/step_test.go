package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/probe-dbg/probe/pkg/bininfo"
)

// partialLineTable covers only part of an address range, the way a
// binary with debug info for some compilation units does.
type partialLineTable map[uint64]bininfo.LineEntry

func (tbl partialLineTable) lookup(pc uint64) (bininfo.LineEntry, bool) {
	entry, ok := tbl[pc]
	return entry, ok
}

func TestStepFromUncoveredPC(t *testing.T) {
	tbl := partialLineTable{
		0x2008: {Address: 0x2008, File: "/src/prog/main.go", Line: 20},
		0x2010: {Address: 0x2010, File: "/src/prog/main.go", Line: 21, IsStmt: true},
		0x2018: {Address: 0x2018, File: "/src/prog/main.go", Line: 22, IsStmt: true},
	}

	// Starting at 0x2000 there is no covering row.
	start, startOK := tbl.lookup(0x2000)
	assert.False(t, startOK)

	// Stepping must not finish on the uncovered addresses or on the
	// non-statement row, only on the first covered statement boundary.
	for _, pc := range []uint64{0x2001, 0x2004, 0x2008} {
		entry, ok := tbl.lookup(pc)
		assert.False(t, reachedNewStatement(entry, ok, start, startOK), "stopped at %#x", pc)
	}
	entry, ok := tbl.lookup(0x2010)
	assert.True(t, reachedNewStatement(entry, ok, start, startOK))
}

func TestStepStopsOnLineChange(t *testing.T) {
	start := bininfo.LineEntry{Address: 0x2010, File: "/src/prog/main.go", Line: 21, IsStmt: true}

	// Rows on the starting line do not finish the operation.
	same := bininfo.LineEntry{Address: 0x2014, File: "/src/prog/main.go", Line: 21, IsStmt: true}
	assert.False(t, reachedNewStatement(same, true, start, true))

	// Neither do uncovered addresses or non-statement rows.
	assert.False(t, reachedNewStatement(bininfo.LineEntry{}, false, start, true))
	nonStmt := bininfo.LineEntry{Address: 0x2016, File: "/src/prog/main.go", Line: 22}
	assert.False(t, reachedNewStatement(nonStmt, true, start, true))

	next := bininfo.LineEntry{Address: 0x2018, File: "/src/prog/main.go", Line: 22, IsStmt: true}
	assert.True(t, reachedNewStatement(next, true, start, true))
}
