// Package terminal implements functions for responding to user
// input and dispatching to the appropriate process control commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/probe-dbg/probe/pkg/proc"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the debugger terminal.
type Commands struct {
	cmds []command
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <locspec>

A location can be a function name, a file:line pair or *address.`},
		{aliases: []string{"breakpoints", "bps"}, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"clear"}, cmdFn: clear, helpMsg: `Deletes breakpoint.

	clear <breakpoint id>`},
		{aliases: []string{"enable"}, cmdFn: enable, helpMsg: `Enables a disabled breakpoint.

	enable <breakpoint id>`},
		{aliases: []string{"disable"}, cmdFn: disable, helpMsg: `Disables a breakpoint, keeping it in the breakpoint list.

	disable <breakpoint id>`},
		{aliases: []string{"continue", "c"}, cmdFn: cont, helpMsg: "Run until breakpoint, signal or program termination."},
		{aliases: []string{"step", "s"}, cmdFn: step, helpMsg: "Single step through program source, entering function calls."},
		{aliases: []string{"next", "n"}, cmdFn: next, helpMsg: "Step over to next source line, without entering function calls."},
		{aliases: []string{"stepi", "si"}, cmdFn: stepInstruction, helpMsg: "Single step a single cpu instruction."},
		{aliases: []string{"finish", "fin"}, cmdFn: stepout, helpMsg: "Run until the current function returns."},
		{aliases: []string{"regs"}, cmdFn: regs, helpMsg: "Print contents of CPU registers."},
		{aliases: []string{"reg"}, cmdFn: reg, helpMsg: `Reads or writes a single register.

	reg <name> [value]

With no value prints the register, otherwise sets it.`},
		{aliases: []string{"backtrace", "bt"}, cmdFn: backtrace, helpMsg: "Print stack trace."},
		{aliases: []string{"list", "l"}, cmdFn: listCommand, helpMsg: `Show source around current point or provided location.

	list [<locspec>]`},
		{aliases: []string{"restart", "r"}, cmdFn: restart, helpMsg: `Restart process.

	restart [<args>...]

Restarts the target with the same arguments, or with new arguments if any are given. Breakpoints are preserved.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the debugger."},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Merge takes aliases defined in the config struct and merges them with the default
// aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var errNoCmd = errors.New("command not available")

// Find returns the function to run the command specified by cmdstr.
func (c *Commands) Find(cmdstr string) cmdfunc {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return func(t *Term, args string) error {
		return errNoCmd
	}
}

// Call runs the command in cmdstr.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '\t', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func breakpoint(t *Term, args string) error {
	if args == "" {
		return fmt.Errorf("argument required, specify a location")
	}
	loc, err := t.p.BinInfo().ResolveLocation(args)
	if err != nil {
		return err
	}
	bp, err := t.p.SetBreakpoint(loc.PC)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set at %#x for %s %s:%d\n", formatBreakpointName(bp), bp.Addr, bp.FunctionName, shortenFilePath(bp.File), bp.Line)
	return nil
}

func breakpoints(t *Term, args string) error {
	bps := make([]*proc.Breakpoint, 0, len(t.p.Breakpoints()))
	for _, bp := range t.p.Breakpoints() {
		if bp.Temp {
			continue
		}
		bps = append(bps, bp)
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })
	for _, bp := range bps {
		enabled := ""
		if !bp.Enabled() {
			enabled = " (disabled)"
		}
		fmt.Fprintf(t.stdout, "%s%s at %#x for %s %s:%d\n", formatBreakpointName(bp), enabled, bp.Addr, bp.FunctionName, shortenFilePath(bp.File), bp.Line)
	}
	return nil
}

func findBreakpointByID(t *Term, args string) (*proc.Breakpoint, error) {
	if args == "" {
		return nil, fmt.Errorf("argument required, specify a breakpoint id")
	}
	id, err := strconv.Atoi(args)
	if err != nil {
		return nil, fmt.Errorf("invalid breakpoint id %q", args)
	}
	for _, bp := range t.p.Breakpoints() {
		if bp.ID == id {
			return bp, nil
		}
	}
	return nil, fmt.Errorf("no breakpoint with id %d", id)
}

func clear(t *Term, args string) error {
	bp, err := findBreakpointByID(t, args)
	if err != nil {
		return err
	}
	if _, err := t.p.ClearBreakpoint(bp.Addr); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s cleared at %#x for %s %s:%d\n", formatBreakpointName(bp), bp.Addr, bp.FunctionName, shortenFilePath(bp.File), bp.Line)
	return nil
}

func enable(t *Term, args string) error {
	bp, err := findBreakpointByID(t, args)
	if err != nil {
		return err
	}
	return t.p.EnableBreakpoint(bp)
}

func disable(t *Term, args string) error {
	bp, err := findBreakpointByID(t, args)
	if err != nil {
		return err
	}
	return t.p.DisableBreakpoint(bp)
}

func cont(t *Term, args string) error {
	ev, err := t.p.Continue()
	if err != nil {
		return err
	}
	return t.printStopEvent(ev)
}

func step(t *Term, args string) error {
	ev, err := t.p.Step()
	if err != nil {
		return err
	}
	return t.printStopEvent(ev)
}

func next(t *Term, args string) error {
	ev, err := t.p.Next()
	if err != nil {
		return err
	}
	return t.printStopEvent(ev)
}

func stepInstruction(t *Term, args string) error {
	ev, err := t.p.StepInstruction()
	if err != nil {
		return err
	}
	return t.printStopEvent(ev)
}

func stepout(t *Term, args string) error {
	ev, err := t.p.StepOut()
	if err != nil {
		return err
	}
	return t.printStopEvent(ev)
}

func regs(t *Term, args string) error {
	regs, err := t.p.Registers()
	if err != nil {
		return err
	}
	for _, r := range regs.Slice() {
		fmt.Fprintf(t.stdout, "%10s = %#018x\n", r.Name, r.Value)
	}
	return nil
}

func reg(t *Term, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return fmt.Errorf("wrong number of arguments: reg <name> [value]")
	}
	regs, err := t.p.Registers()
	if err != nil {
		return err
	}
	if len(fields) == 1 {
		v, err := regs.Get(fields[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%s = %#018x\n", fields[0], v)
		return nil
	}
	v, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q", fields[1])
	}
	if err := regs.Set(fields[0], v); err != nil {
		return err
	}
	return t.p.SetRegisters(regs)
}

func backtrace(t *Term, args string) error {
	depth := t.maxBacktraceDepth()
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil {
			return fmt.Errorf("invalid depth %q", args)
		}
		depth = n
	}
	frames, err := t.p.Stacktrace(depth)
	if err != nil && err != proc.ErrUnwindDepthExceeded {
		return err
	}
	for i, frame := range frames {
		name := "???"
		if frame.Current.Function != nil {
			name = frame.Current.Function.Name
		}
		fmt.Fprintf(t.stdout, "%2d  %#016x in %s\n", i, frame.Current.PC, name)
		if frame.Current.File != "" {
			fmt.Fprintf(t.stdout, "        at %s:%d\n", shortenFilePath(frame.Current.File), frame.Current.Line)
		}
	}
	if err == proc.ErrUnwindDepthExceeded {
		fmt.Fprintf(t.stdout, "(truncated at depth %d)\n", depth)
	}
	return nil
}

func listCommand(t *Term, args string) error {
	if args == "" {
		loc, err := t.p.CurrentLocation()
		if err != nil {
			return err
		}
		if loc.File == "" {
			return fmt.Errorf("no source information for pc %#x", loc.PC)
		}
		return t.printSource(loc.File, loc.Line, true)
	}
	loc, err := t.p.BinInfo().ResolveLocation(args)
	if err != nil {
		return err
	}
	if loc.File == "" {
		return fmt.Errorf("no source information for location %q", args)
	}
	return t.printSource(loc.File, loc.Line, false)
}

func restart(t *Term, args string) error {
	if len(t.launchArgs) == 0 {
		return fmt.Errorf("cannot restart a process the debugger did not launch")
	}
	resetArgs := t.launchArgs
	if args != "" {
		vals, err := argv.Argv(args, func(s string) (string, error) { return s, nil }, nil)
		if err != nil {
			return err
		}
		if len(vals) != 1 {
			return fmt.Errorf("illegal commandline")
		}
		resetArgs = append([]string{t.launchArgs[0]}, vals[0]...)
	}
	if err := t.restartProcess(resetArgs); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process restarted with PID %d\n", t.p.Pid())
	return nil
}

// ExitRequestError is returned when the user exits the debugger.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func formatBreakpointName(bp *proc.Breakpoint) string {
	return fmt.Sprintf("Breakpoint %d", bp.ID)
}

// shortenFilePath take a full file path and attempts to shorten
// it by replacing the current directory to './'.
func shortenFilePath(fullPath string) string {
	workingDir, _ := os.Getwd()
	return strings.Replace(fullPath, workingDir, ".", 1)
}

// printStopEvent reports the reason the target stopped and, when source
// information is available, the source context of the stop.
func (t *Term) printStopEvent(ev *proc.StopEvent) error {
	switch ev.Reason {
	case proc.StopExited:
		if ev.Signal != 0 {
			fmt.Fprintf(t.stdout, "Process %d has been terminated by signal %d (%v)\n", t.p.Pid(), ev.Signal, ev.Signal)
			return nil
		}
		fmt.Fprintf(t.stdout, "Process %d has exited with status %d\n", t.p.Pid(), ev.ExitStatus)
		return nil
	case proc.StopBreakpoint:
		bp := ev.Breakpoint
		fmt.Fprintf(t.stdout, "> %s at %s %s:%d\n", formatBreakpointName(bp), bp.FunctionName, shortenFilePath(bp.File), bp.Line)
	case proc.StopSignal:
		fmt.Fprintf(t.stdout, "received signal %v, stopped at %#x\n", ev.Signal, ev.PC)
	case proc.StopManual:
		fmt.Fprintf(t.stdout, "stopped at %#x\n", ev.PC)
	}

	loc, err := t.p.CurrentLocation()
	if err != nil {
		return err
	}
	if loc.File == "" {
		fmt.Fprintf(t.stdout, "no source information for pc %#x\n", loc.PC)
		return nil
	}
	if ev.Reason != proc.StopBreakpoint {
		name := "???"
		if loc.Function != nil {
			name = loc.Function.Name
		}
		fmt.Fprintf(t.stdout, "> %s %s:%d\n", name, shortenFilePath(loc.File), loc.Line)
	}
	return t.printSource(loc.File, loc.Line, true)
}

// printSource prints the lines surrounding line of file. If arrow is
// true the line itself is marked.
func (t *Term) printSource(file string, line int, arrow bool) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	context := t.sourceListLineCount()
	first := line - context
	if first < 1 {
		first = 1
	}
	last := line + context

	buf := bufio.NewScanner(f)
	for cur := 1; buf.Scan(); cur++ {
		if cur < first {
			continue
		}
		if cur > last {
			break
		}
		marker := "  "
		if arrow && cur == line {
			marker = "=>"
		}
		if t.colorEnabled() {
			fmt.Fprintf(t.stdout, "%s\033[%dm%4d:\033[0m\t%s\n", marker, t.sourceListLineColor(), cur, buf.Text())
		} else {
			fmt.Fprintf(t.stdout, "%s%4d:\t%s\n", marker, cur, buf.Text())
		}
	}
	return buf.Err()
}
