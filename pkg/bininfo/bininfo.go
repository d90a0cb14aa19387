// Package bininfo loads debug information from an executable file and
// resolves between program counters, source lines and function names.
package bininfo

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/probe-dbg/probe/pkg/logflags"
)

const lineCacheSize = 256

// MalformedDebugInfoError is returned when the debug information of the
// target executable can not be loaded.
type MalformedDebugInfoError struct {
	Path string
	Err  error
}

func (e *MalformedDebugInfoError) Error() string {
	return fmt.Sprintf("could not load debug info for %s: %v", e.Path, e.Err)
}

// Function represents a function described by the debug information.
type Function struct {
	Name string
	// Entry is the address of the first instruction, End the address past
	// the last one. Both are static addresses as recorded in the file.
	Entry, End uint64

	prologueEnd uint64
}

// PrologueEndPC returns the address of the first instruction past the
// function prologue, the preferred address for a breakpoint on the
// function.
func (fn *Function) PrologueEndPC() uint64 {
	if fn.prologueEnd != 0 {
		return fn.prologueEnd
	}
	return fn.Entry
}

// ContainsPC returns true if pc is inside the function body.
func (fn *Function) ContainsPC(pc uint64) bool {
	return pc >= fn.Entry && pc < fn.End
}

// LineEntry is a row of the line table, mapping the static address
// Address to a source position.
type LineEntry struct {
	Address     uint64
	File        string
	Line        int
	IsStmt      bool
	PrologueEnd bool
	EndSequence bool
}

// BinaryInfo holds the debug information of one executable file.
type BinaryInfo struct {
	// Path is the path of the executable the debug info was read from.
	Path string
	// Entry is the entry point address recorded in the file header.
	Entry uint64
	// LoadAddr is the lowest virtual address of any loadable segment.
	// The runtime load bias of a process running this executable is the
	// mapped base address minus LoadAddr.
	LoadAddr uint64

	functions   []Function
	lineEntries []LineEntry

	funcNames *trie.Trie
	lineCache *lru.Cache
}

// NewEmpty returns a BinaryInfo with no debug information. Lookups on it
// fail but do not panic, allowing degraded operation on stripped
// executables.
func NewEmpty(path string) *BinaryInfo {
	cache, _ := lru.New(lineCacheSize)
	return &BinaryInfo{Path: path, funcNames: trie.New(), lineCache: cache}
}

// Load reads the debug information of the executable at path.
func Load(path string) (*BinaryInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &MalformedDebugInfoError{Path: path, Err: err}
	}
	defer f.Close()

	dw, err := f.DWARF()
	if err != nil {
		return nil, &MalformedDebugInfoError{Path: path, Err: err}
	}

	bi := NewEmpty(path)
	bi.Entry = f.Entry
	bi.LoadAddr = minLoadVaddr(f)

	if err := bi.loadDebugInfo(dw); err != nil {
		return nil, &MalformedDebugInfoError{Path: path, Err: err}
	}
	return bi, nil
}

func minLoadVaddr(f *elf.File) uint64 {
	min := uint64(0)
	found := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !found || prog.Vaddr < min {
			min = prog.Vaddr
			found = true
		}
	}
	return min
}

func (bi *BinaryInfo) loadDebugInfo(dw *dwarf.Data) error {
	logger := logflags.DebugLineLogger()

	rdr := dw.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit:
			lnrdr, err := dw.LineReader(entry)
			if err != nil {
				logger.Errorf("reading line table: %v", err)
				continue
			}
			if lnrdr == nil {
				continue
			}
			bi.loadLineTable(lnrdr)

		case dwarf.TagSubprogram:
			fn, ok := subprogram(entry)
			if !ok {
				continue
			}
			bi.functions = append(bi.functions, fn)
		}
	}

	bi.buildIndexes()
	return nil
}

func (bi *BinaryInfo) buildIndexes() {
	sort.Slice(bi.functions, func(i, j int) bool {
		return bi.functions[i].Entry < bi.functions[j].Entry
	})
	sort.SliceStable(bi.lineEntries, func(i, j int) bool {
		return bi.lineEntries[i].Address < bi.lineEntries[j].Address
	})

	for i := range bi.functions {
		fn := &bi.functions[i]
		fn.prologueEnd = bi.findPrologueEnd(fn)
		bi.funcNames.Add(fn.Name, fn)
	}
}

func subprogram(entry *dwarf.Entry) (Function, bool) {
	name, ok := entry.Val(dwarf.AttrName).(string)
	if !ok {
		return Function{}, false
	}
	lowpc, ok := entry.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return Function{}, false
	}
	fn := Function{Name: name, Entry: lowpc, End: lowpc}

	// DW_AT_high_pc is either an address or an offset from low pc,
	// depending on its class.
	for _, field := range entry.Field {
		if field.Attr != dwarf.AttrHighpc {
			continue
		}
		switch field.Class {
		case dwarf.ClassAddress:
			fn.End, _ = field.Val.(uint64)
		case dwarf.ClassConstant:
			if off, ok := field.Val.(int64); ok {
				fn.End = lowpc + uint64(off)
			}
		}
	}
	return fn, true
}

func (bi *BinaryInfo) loadLineTable(rdr *dwarf.LineReader) {
	var le dwarf.LineEntry
	for {
		err := rdr.Next(&le)
		if err == io.EOF {
			return
		}
		if err != nil {
			logflags.DebugLineLogger().Errorf("reading line table: %v", err)
			return
		}
		entry := LineEntry{
			Address:     le.Address,
			Line:        le.Line,
			IsStmt:      le.IsStmt,
			PrologueEnd: le.PrologueEnd,
			EndSequence: le.EndSequence,
		}
		if le.File != nil {
			entry.File = le.File.Name
		}
		bi.lineEntries = append(bi.lineEntries, entry)
	}
}

func (bi *BinaryInfo) findPrologueEnd(fn *Function) uint64 {
	first := -1
	for i := range bi.lineEntries {
		e := &bi.lineEntries[i]
		if e.Address < fn.Entry || e.Address >= fn.End || e.EndSequence {
			continue
		}
		if e.PrologueEnd {
			return e.Address
		}
		if first < 0 {
			first = i
			continue
		}
		// No prologue_end marker for this function, fall back to the
		// second row of its line table.
		return e.Address
	}
	return fn.Entry
}

// HasLineInfo returns true if a line table was loaded.
func (bi *BinaryInfo) HasLineInfo() bool {
	return len(bi.lineEntries) > 0
}

// HasFunctions returns true if function debug info was loaded.
func (bi *BinaryInfo) HasFunctions() bool {
	return len(bi.functions) > 0
}

// LineEntryForPC returns the line table row covering the static address
// pc. The second return value is false if pc is not covered by the line
// table.
func (bi *BinaryInfo) LineEntryForPC(pc uint64) (LineEntry, bool) {
	if cached, ok := bi.lineCache.Get(pc); ok {
		return cached.(LineEntry), true
	}
	// The row covering pc is the last one at or before it. Rows with the
	// same address are emitted in order, the later row wins.
	i := sort.Search(len(bi.lineEntries), func(i int) bool {
		return bi.lineEntries[i].Address > pc
	})
	if i == 0 {
		return LineEntry{}, false
	}
	entry := bi.lineEntries[i-1]
	if entry.EndSequence {
		return LineEntry{}, false
	}
	bi.lineCache.Add(pc, entry)
	return entry, true
}

// PCToLine returns the source file and line for the static address pc.
func (bi *BinaryInfo) PCToLine(pc uint64) (string, int) {
	entry, ok := bi.LineEntryForPC(pc)
	if !ok {
		return "", 0
	}
	return entry.File, entry.Line
}

// PCToFunction returns the function containing the static address pc, or
// nil if no function covers it.
func (bi *BinaryInfo) PCToFunction(pc uint64) *Function {
	i := sort.Search(len(bi.functions), func(i int) bool {
		return bi.functions[i].Entry > pc
	})
	if i == 0 {
		return nil
	}
	fn := &bi.functions[i-1]
	if !fn.ContainsPC(pc) {
		return nil
	}
	return fn
}

// FindFunction returns the function with the given name.
func (bi *BinaryInfo) FindFunction(name string) (*Function, error) {
	node, ok := bi.funcNames.Find(name)
	if !ok {
		return nil, &UnresolvedLocationError{Spec: name, Reason: "function not found"}
	}
	return node.Meta().(*Function), nil
}

// FunctionsWithPrefix returns the names of all functions starting with
// prefix, for command line completion.
func (bi *BinaryInfo) FunctionsWithPrefix(prefix string) []string {
	names := bi.funcNames.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

// LineToPC returns the static address of the first statement of the
// given source line. The file is matched by path suffix so that a bare
// file name works regardless of the compilation directory.
func (bi *BinaryInfo) LineToPC(file string, line int) (uint64, error) {
	found := false
	var pc uint64
	for i := range bi.lineEntries {
		e := &bi.lineEntries[i]
		if e.EndSequence || !e.IsStmt || e.Line != line {
			continue
		}
		if !pathSuffixMatch(e.File, file) {
			continue
		}
		if !found || e.Address < pc {
			pc = e.Address
			found = true
		}
	}
	if !found {
		return 0, &UnresolvedLocationError{
			Spec:   fmt.Sprintf("%s:%d", file, line),
			Reason: "could not find statement at line",
		}
	}
	return pc, nil
}

func pathSuffixMatch(full, suffix string) bool {
	if full == suffix {
		return true
	}
	return strings.HasSuffix(full, "/"+suffix)
}
