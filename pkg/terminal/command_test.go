package terminal

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/probe-dbg/probe/pkg/config"
	"github.com/probe-dbg/probe/pkg/proc"
	protest "github.com/probe-dbg/probe/pkg/proc/test"
)

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithFixtures(m))
}

type testTerm struct {
	*Term
	out *bytes.Buffer
}

func withTestTerminal(name string, t *testing.T, fn func(term *testTerm)) {
	fixture := protest.BuildFixture(name)
	p, err := proc.Launch([]string{fixture.Path})
	if err != nil {
		t.Fatal("Launch():", err)
	}
	defer p.Detach(true)

	out := new(bytes.Buffer)
	term := &testTerm{
		Term: &Term{
			p:          p,
			conf:       &config.Config{},
			cmds:       DebugCommands(),
			stdout:     out,
			launchArgs: []string{fixture.Path},
		},
		out: out,
	}
	fn(term)
}

func (term *testTerm) mustExec(t *testing.T, cmdstr string) string {
	term.out.Reset()
	if err := term.cmds.Call(cmdstr, term.Term); err != nil {
		t.Fatalf("command %q failed: %v", cmdstr, err)
	}
	return term.out.String()
}

func TestUnknownCommand(t *testing.T) {
	withTestTerminal("continuetestprog", t, func(term *testTerm) {
		err := term.cmds.Call("definitelynotacommand", term.Term)
		if err != errNoCmd {
			t.Fatalf("expected errNoCmd, got %v", err)
		}
	})
}

func TestHelpCommand(t *testing.T) {
	withTestTerminal("continuetestprog", t, func(term *testTerm) {
		out := term.mustExec(t, "help")
		for _, want := range []string{"break", "continue", "backtrace"} {
			if !strings.Contains(out, want) {
				t.Errorf("help output missing %q", want)
			}
		}
		if err := term.cmds.Call("help nonexistent", term.Term); err != errNoCmd {
			t.Errorf("expected errNoCmd for unknown help topic, got %v", err)
		}
	})
}

func TestBreakpointCommands(t *testing.T) {
	withTestTerminal("continuetestprog", t, func(term *testTerm) {
		out := term.mustExec(t, "break main.sayhi")
		if !strings.Contains(out, "Breakpoint 1 set at") {
			t.Fatalf("unexpected break output: %q", out)
		}

		out = term.mustExec(t, "breakpoints")
		if !strings.Contains(out, "main.sayhi") {
			t.Fatalf("breakpoint listing missing function name: %q", out)
		}

		out = term.mustExec(t, "clear 1")
		if !strings.Contains(out, "Breakpoint 1 cleared") {
			t.Fatalf("unexpected clear output: %q", out)
		}

		if err := term.cmds.Call("clear 1", term.Term); err == nil {
			t.Fatal("expected error clearing unknown breakpoint id")
		}
	})
}

func TestContinueHitsBreakpoint(t *testing.T) {
	withTestTerminal("continuetestprog", t, func(term *testTerm) {
		term.mustExec(t, "break main.sayhi")
		out := term.mustExec(t, "continue")
		if !strings.Contains(out, "Breakpoint 1") || !strings.Contains(out, "main.sayhi") {
			t.Fatalf("unexpected continue output: %q", out)
		}

		out = term.mustExec(t, "continue")
		if !strings.Contains(out, "has exited with status 0") {
			t.Fatalf("unexpected exit output: %q", out)
		}
	})
}

func TestDisableEnableCommands(t *testing.T) {
	withTestTerminal("continuetestprog", t, func(term *testTerm) {
		term.mustExec(t, "break main.sayhi")
		term.mustExec(t, "disable 1")

		out := term.mustExec(t, "breakpoints")
		if !strings.Contains(out, "(disabled)") {
			t.Fatalf("expected disabled marker in listing: %q", out)
		}

		term.mustExec(t, "enable 1")
		out = term.mustExec(t, "breakpoints")
		if strings.Contains(out, "(disabled)") {
			t.Fatalf("expected no disabled marker in listing: %q", out)
		}
	})
}

func TestRegsCommand(t *testing.T) {
	withTestTerminal("continuetestprog", t, func(term *testTerm) {
		out := term.mustExec(t, "regs")
		for _, want := range []string{"rip", "rsp", "rbp"} {
			if !strings.Contains(out, want) {
				t.Errorf("regs output missing %q", want)
			}
		}

		out = term.mustExec(t, "reg rip")
		if !strings.Contains(out, "rip = 0x") {
			t.Errorf("unexpected reg output: %q", out)
		}

		if err := term.cmds.Call("reg nosuchreg", term.Term); err == nil {
			t.Error("expected error reading unknown register")
		}
	})
}

func TestBacktraceCommand(t *testing.T) {
	withTestTerminal("nestedprog", t, func(term *testTerm) {
		term.mustExec(t, "break main.nest3")
		term.mustExec(t, "continue")

		out := term.mustExec(t, "backtrace")
		for _, want := range []string{"main.nest3", "main.nest2", "main.nest1", "main.main"} {
			if !strings.Contains(out, want) {
				t.Errorf("backtrace output missing %q: %q", want, out)
			}
		}
	})
}

func TestListCommand(t *testing.T) {
	withTestTerminal("continuetestprog", t, func(term *testTerm) {
		out := term.mustExec(t, "list main.sayhi")
		if !strings.Contains(out, "fmt.Println(\"hi\")") {
			t.Fatalf("list output missing source text: %q", out)
		}
	})
}

func TestRestartPreservesBreakpoints(t *testing.T) {
	withTestTerminal("continuetestprog", t, func(term *testTerm) {
		term.mustExec(t, "break main.sayhi")
		term.mustExec(t, "continue")

		out := term.mustExec(t, "restart")
		if !strings.Contains(out, "Process restarted") {
			t.Fatalf("unexpected restart output: %q", out)
		}

		out = term.mustExec(t, "continue")
		if !strings.Contains(out, "main.sayhi") {
			t.Fatalf("breakpoint not hit after restart: %q", out)
		}
	})
}

func TestMergeAliases(t *testing.T) {
	cmds := DebugCommands()
	cmds.Merge(map[string][]string{"continue": {"go"}})

	found := false
	for _, cmd := range cmds.cmds {
		if cmd.match("go") && cmd.match("continue") {
			found = true
		}
	}
	if !found {
		t.Fatal("merged alias not found on continue command")
	}
}
