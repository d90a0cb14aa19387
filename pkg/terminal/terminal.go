package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"path"
	"strings"

	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"

	"github.com/probe-dbg/probe/pkg/config"
	"github.com/probe-dbg/probe/pkg/proc"
)

const (
	historyFile = ".probe_history"

	defaultSourceListLineCount = 5
	defaultBacktraceDepth      = 64
	defaultSourceListLineColor = 34
)

// Term represents the terminal running the debugger.
type Term struct {
	p      *proc.Process
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	stdout io.Writer

	// launchArgs is the command line the target was started with, used by
	// the restart command.
	launchArgs []string
	// attached is true if the target was attached to rather than
	// launched, quitting then asks before killing it.
	attached bool

	quitting bool
}

// New returns a new Term. launchArgs is empty when the target was
// attached to instead of launched.
func New(p *proc.Process, conf *config.Config, launchArgs []string) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	return &Term{
		p:          p,
		conf:       conf,
		prompt:     "(probe) ",
		line:       liner.NewLiner(),
		cmds:       cmds,
		stdout:     os.Stdout,
		launchArgs: launchArgs,
		attached:   len(launchArgs) == 0,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Run begins the debugger command loop.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Send the debugger a halt command on SIGINT.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT)
	defer signal.Stop(ch)
	go func() {
		for range ch {
			if t.p.Exited() || t.quitting {
				continue
			}
			if err := t.p.RequestManualStop(); err != nil {
				fmt.Fprintf(os.Stderr, "could not halt: %v\n", err)
			}
		}
	}()

	t.line.SetCompleter(t.complete)

	historyPath, err := historyFilePath()
	if err == nil {
		if f, err := os.Open(historyPath); err == nil {
			t.line.ReadHistory(f)
			f.Close()
		}
	}

	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	var lastCmd string
	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		// An empty command repeats the last one.
		if cmdstr == "" {
			cmdstr = lastCmd
		}
		if cmdstr == "" {
			continue
		}
		lastCmd = cmdstr

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// complete offers completions for command names and, for commands that
// take a location, function names.
func (t *Term) complete(line string) []string {
	fields := strings.Fields(line)

	if len(fields) >= 1 {
		switch fields[0] {
		case "break", "b", "list", "l":
			prefix := ""
			if len(fields) > 1 {
				prefix = fields[len(fields)-1]
			}
			matches := t.p.BinInfo().FunctionsWithPrefix(prefix)
			out := make([]string, 0, len(matches))
			for _, m := range matches {
				out = append(out, fields[0]+" "+m)
			}
			return out
		}
	}

	var out []string
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			if strings.HasPrefix(alias, line) {
				out = append(out, alias)
			}
		}
	}
	return out
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	t.quitting = true

	if historyPath, err := historyFilePath(); err == nil {
		if f, err := os.Create(historyPath); err == nil {
			if _, err := t.line.WriteHistory(f); err != nil {
				fmt.Fprintln(t.stdout, "readline history error:", err)
			}
			f.Close()
		}
	}

	if t.p.Exited() {
		return 0, nil
	}

	kill := true
	if t.attached {
		answer, err := t.line.Prompt("Would you like to kill the process? [Y/n] ")
		if err != nil {
			return 2, io.EOF
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		kill = (answer != "n" && answer != "no")
	}
	if err := t.p.Detach(kill); err != nil {
		return 1, err
	}
	return 0, nil
}

// restartProcess kills the current target, launches it again and
// re-applies all user breakpoints. Breakpoint addresses are static so
// they remain valid across the restart.
func (t *Term) restartProcess(resetArgs []string) error {
	if len(t.launchArgs) == 0 {
		return fmt.Errorf("cannot restart a process the debugger did not launch")
	}
	old := t.p.Breakpoints()
	if err := t.p.Detach(true); err != nil {
		return err
	}

	p, err := proc.Launch(resetArgs)
	if err != nil {
		return err
	}
	t.p = p
	t.launchArgs = resetArgs

	for addr, bp := range old {
		if bp.Temp {
			continue
		}
		if _, err := p.SetBreakpoint(addr); err != nil {
			fmt.Fprintf(os.Stderr, "could not restore %s: %v\n", formatBreakpointName(bp), err)
		}
	}
	return nil
}

func (t *Term) sourceListLineCount() int {
	if t.conf.SourceListLineCount != nil && *t.conf.SourceListLineCount >= 0 {
		return *t.conf.SourceListLineCount
	}
	return defaultSourceListLineCount
}

func (t *Term) maxBacktraceDepth() int {
	if t.conf.MaxBacktraceDepth != nil && *t.conf.MaxBacktraceDepth > 0 {
		return *t.conf.MaxBacktraceDepth
	}
	return defaultBacktraceDepth
}

func (t *Term) sourceListLineColor() int {
	if t.conf.SourceListLineColor != 0 {
		return t.conf.SourceListLineColor
	}
	return defaultSourceListLineColor
}

func (t *Term) colorEnabled() bool {
	f, ok := t.stdout.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func historyFilePath() (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, historyFile), nil
}
