package bininfo

import (
	"fmt"
	"strconv"
	"strings"
)

// UnresolvedLocationError is returned when a location expression can not
// be resolved to an address in the target executable.
type UnresolvedLocationError struct {
	Spec   string
	Reason string
}

func (e *UnresolvedLocationError) Error() string {
	return fmt.Sprintf("could not resolve location %q: %s", e.Spec, e.Reason)
}

// Location is a resolved location expression.
type Location struct {
	// PC is the static address of the location.
	PC       uint64
	Function *Function
	File     string
	Line     int
}

// ResolveLocation resolves a location expression to an address.
// Accepted forms are a function name, file:line and *address.
// Breakpoints on a function are placed after its prologue.
func (bi *BinaryInfo) ResolveLocation(spec string) (*Location, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, &UnresolvedLocationError{Spec: spec, Reason: "empty location"}
	}

	if strings.HasPrefix(spec, "*") {
		addr, err := strconv.ParseUint(strings.TrimPrefix(spec, "*"), 0, 64)
		if err != nil {
			return nil, &UnresolvedLocationError{Spec: spec, Reason: "malformed address"}
		}
		return bi.locationForPC(addr), nil
	}

	if colon := strings.LastIndex(spec, ":"); colon >= 0 {
		file := spec[:colon]
		line, err := strconv.Atoi(spec[colon+1:])
		if err != nil || file == "" {
			return nil, &UnresolvedLocationError{Spec: spec, Reason: "malformed file:line"}
		}
		pc, err := bi.LineToPC(file, line)
		if err != nil {
			return nil, err
		}
		return bi.locationForPC(pc), nil
	}

	fn, err := bi.FindFunction(spec)
	if err != nil {
		return nil, err
	}
	return bi.locationForPC(fn.PrologueEndPC()), nil
}

func (bi *BinaryInfo) locationForPC(pc uint64) *Location {
	loc := &Location{PC: pc}
	loc.Function = bi.PCToFunction(pc)
	loc.File, loc.Line = bi.PCToLine(pc)
	return loc
}
