package proc_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/probe-dbg/probe/pkg/proc"
	protest "github.com/probe-dbg/probe/pkg/proc/test"
)

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithFixtures(m))
}

func withTestProcess(name string, t *testing.T, fn func(p *proc.Process, fixture protest.Fixture)) {
	fixture := protest.BuildFixture(name)
	p, err := proc.Launch([]string{fixture.Path})
	if err != nil {
		t.Fatal("Launch():", err)
	}
	defer p.Detach(true)
	fn(p, fixture)
}

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func setFunctionBreakpoint(p *proc.Process, t *testing.T, fname string) *proc.Breakpoint {
	loc, err := p.BinInfo().ResolveLocation(fname)
	assertNoError(err, t, "ResolveLocation("+fname+")")
	bp, err := p.SetBreakpoint(loc.PC)
	assertNoError(err, t, "SetBreakpoint("+fname+")")
	return bp
}

func TestExit(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		ev, err := p.Continue()
		assertNoError(err, t, "Continue()")
		if ev.Reason != proc.StopExited {
			t.Fatalf("expected target to exit, stopped with reason %v", ev.Reason)
		}
		if ev.ExitStatus != 0 {
			t.Fatalf("expected exit status 0, got %d", ev.ExitStatus)
		}
		if !p.Exited() {
			t.Fatal("expected Exited() to be true")
		}
		_, err = p.Continue()
		if _, ok := err.(proc.ProcessExitedError); !ok {
			t.Fatalf("expected ProcessExitedError, got %v", err)
		}
	})
}

func TestBreakpoint(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		bp := setFunctionBreakpoint(p, t, "main.sayhi")

		ev, err := p.Continue()
		assertNoError(err, t, "Continue()")
		if ev.Reason != proc.StopBreakpoint {
			t.Fatalf("expected breakpoint stop, got reason %v", ev.Reason)
		}
		if ev.Breakpoint.ID != bp.ID {
			t.Fatalf("hit wrong breakpoint: %d, expected %d", ev.Breakpoint.ID, bp.ID)
		}

		pc, err := p.PC()
		assertNoError(err, t, "PC()")
		want := bp.Addr + p.LoadBias()
		if pc != want {
			t.Fatalf("stopped at %#x, expected breakpoint address %#x", pc, want)
		}
	})
}

func TestBreakpointSetTwice(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		bp1 := setFunctionBreakpoint(p, t, "main.sayhi")
		bp2 := setFunctionBreakpoint(p, t, "main.sayhi")
		if bp1.ID != bp2.ID {
			t.Fatalf("setting the same breakpoint twice created two: %d, %d", bp1.ID, bp2.ID)
		}
		if len(p.Breakpoints()) != 1 {
			t.Fatalf("expected 1 breakpoint, have %d", len(p.Breakpoints()))
		}
	})
}

func TestClearBreakpoint(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		bp := setFunctionBreakpoint(p, t, "main.sayhi")

		cleared, err := p.ClearBreakpoint(bp.Addr)
		assertNoError(err, t, "ClearBreakpoint()")
		if cleared == nil || cleared.ID != bp.ID {
			t.Fatalf("expected to clear breakpoint %d, got %v", bp.ID, cleared)
		}

		// Clearing again is a no-op.
		cleared, err = p.ClearBreakpoint(bp.Addr)
		assertNoError(err, t, "ClearBreakpoint() second time")
		if cleared != nil {
			t.Fatalf("expected nil clearing a cleared breakpoint, got %v", cleared)
		}

		// The original byte is back in place so the target runs to exit.
		ev, err := p.Continue()
		assertNoError(err, t, "Continue()")
		if ev.Reason != proc.StopExited {
			t.Fatalf("expected target to exit, stopped with reason %v at %#x", ev.Reason, ev.PC)
		}
	})
}

func TestDisabledBreakpointNotHit(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		bp := setFunctionBreakpoint(p, t, "main.sayhi")
		assertNoError(p.DisableBreakpoint(bp), t, "DisableBreakpoint()")

		ev, err := p.Continue()
		assertNoError(err, t, "Continue()")
		if ev.Reason != proc.StopExited {
			t.Fatalf("disabled breakpoint was hit, stop reason %v", ev.Reason)
		}
	})
}

func TestStep(t *testing.T) {
	withTestProcess("declprog", t, func(p *proc.Process, fixture protest.Fixture) {
		setFunctionBreakpoint(p, t, "main.main")
		_, err := p.Continue()
		assertNoError(err, t, "Continue()")

		loc, err := p.CurrentLocation()
		assertNoError(err, t, "CurrentLocation()")
		startLine := loc.Line

		ev, err := p.Step()
		assertNoError(err, t, "Step()")
		if ev.Reason != proc.StopStep {
			t.Fatalf("expected step stop, got reason %v", ev.Reason)
		}

		loc, err = p.CurrentLocation()
		assertNoError(err, t, "CurrentLocation()")
		if loc.Line != startLine+1 {
			t.Fatalf("expected line %d after step, at line %d", startLine+1, loc.Line)
		}
	})
}

func TestNextSkipsCall(t *testing.T) {
	withTestProcess("testnextprog", t, func(p *proc.Process, fixture protest.Fixture) {
		setFunctionBreakpoint(p, t, "main.main")
		_, err := p.Continue()
		assertNoError(err, t, "Continue()")

		loc, err := p.CurrentLocation()
		assertNoError(err, t, "CurrentLocation()")
		startLine := loc.Line

		_, err = p.Next()
		assertNoError(err, t, "Next()")

		loc, err = p.CurrentLocation()
		assertNoError(err, t, "CurrentLocation()")
		if loc.Function == nil || loc.Function.Name != "main.main" {
			t.Fatalf("next left the current function, at %v", loc.Function)
		}
		if loc.Line != startLine+1 {
			t.Fatalf("expected line %d after next, at line %d", startLine+1, loc.Line)
		}
	})
}

func TestStepOut(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		setFunctionBreakpoint(p, t, "main.sayhi")
		_, err := p.Continue()
		assertNoError(err, t, "Continue()")

		ev, err := p.StepOut()
		assertNoError(err, t, "StepOut()")
		if ev.Reason != proc.StopStep {
			t.Fatalf("expected step stop, got reason %v", ev.Reason)
		}

		loc, err := p.CurrentLocation()
		assertNoError(err, t, "CurrentLocation()")
		if loc.Function == nil || loc.Function.Name != "main.main" {
			t.Fatalf("expected to stop in main.main, at %v", loc.Function)
		}
	})
}

func TestStepOutOverDisabledBreakpoint(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		setFunctionBreakpoint(p, t, "main.sayhi")
		_, err := p.Continue()
		assertNoError(err, t, "Continue()")

		// Place a user breakpoint exactly on the return site and disable
		// it. Stepping out must still stop there.
		frames, err := p.Stacktrace(2)
		assertNoError(err, t, "Stacktrace()")
		if len(frames) < 2 || frames[0].Ret == 0 {
			t.Fatal("no return address for the current frame")
		}
		bp, err := p.SetBreakpoint(frames[0].Ret - p.LoadBias())
		assertNoError(err, t, "SetBreakpoint(return site)")
		assertNoError(p.DisableBreakpoint(bp), t, "DisableBreakpoint()")

		ev, err := p.StepOut()
		assertNoError(err, t, "StepOut()")
		if ev.Reason != proc.StopStep || p.Exited() {
			t.Fatalf("target did not stop at the return site, reason %v", ev.Reason)
		}
		if bp.Enabled() {
			t.Fatal("expected the user breakpoint to stay disabled")
		}

		loc, err := p.CurrentLocation()
		assertNoError(err, t, "CurrentLocation()")
		if loc.Function == nil || loc.Function.Name != "main.main" {
			t.Fatalf("expected to stop in main.main, at %v", loc.Function)
		}
	})
}

func TestStepInstruction(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		setFunctionBreakpoint(p, t, "main.sayhi")
		_, err := p.Continue()
		assertNoError(err, t, "Continue()")

		pc, err := p.PC()
		assertNoError(err, t, "PC()")

		ev, err := p.StepInstruction()
		assertNoError(err, t, "StepInstruction()")
		if ev.Reason == proc.StopExited {
			t.Fatal("target exited during single step")
		}

		npc, err := p.PC()
		assertNoError(err, t, "PC()")
		if npc == pc {
			t.Fatalf("pc did not advance from %#x", pc)
		}
	})
}

func TestStacktrace(t *testing.T) {
	withTestProcess("nestedprog", t, func(p *proc.Process, fixture protest.Fixture) {
		setFunctionBreakpoint(p, t, "main.nest3")
		_, err := p.Continue()
		assertNoError(err, t, "Continue()")

		frames, err := p.Stacktrace(40)
		assertNoError(err, t, "Stacktrace()")

		want := []string{"main.nest3", "main.nest2", "main.nest1", "main.main"}
		if len(frames) < len(want) {
			t.Fatalf("expected at least %d frames, got %d", len(want), len(frames))
		}
		for i, name := range want {
			fn := frames[i].Current.Function
			if fn == nil || fn.Name != name {
				t.Fatalf("frame %d: expected %s, got %v", i, name, fn)
			}
		}
	})
}

func TestRegisters(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		regs, err := p.Registers()
		assertNoError(err, t, "Registers()")

		rip, err := regs.Get("rip")
		assertNoError(err, t, "Get(rip)")
		if rip != regs.PC() {
			t.Fatalf("rip %#x does not match PC %#x", rip, regs.PC())
		}

		assertNoError(regs.Set("r15", 0xdeadbeef), t, "Set(r15)")
		assertNoError(p.SetRegisters(regs), t, "SetRegisters()")

		regs, err = p.Registers()
		assertNoError(err, t, "Registers() after write")
		r15, err := regs.Get("r15")
		assertNoError(err, t, "Get(r15)")
		if r15 != 0xdeadbeef {
			t.Fatalf("register write did not stick, r15 = %#x", r15)
		}

		if _, err := regs.Get("nosuchreg"); err == nil {
			t.Fatal("expected error reading unknown register")
		}
	})
}

func TestBreakpointOnUnknownFunction(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		_, err := p.BinInfo().ResolveLocation("main.nosuchfunction")
		if err == nil {
			t.Fatal("expected error resolving unknown function")
		}
	})
}

func TestBreakpointByFileLine(t *testing.T) {
	withTestProcess("continuetestprog", t, func(p *proc.Process, fixture protest.Fixture) {
		loc, err := p.BinInfo().ResolveLocation(fixture.Source + ":6")
		assertNoError(err, t, "ResolveLocation(file:line)")
		_, err = p.SetBreakpoint(loc.PC)
		assertNoError(err, t, "SetBreakpoint()")

		ev, err := p.Continue()
		assertNoError(err, t, "Continue()")
		if ev.Reason != proc.StopBreakpoint {
			t.Fatalf("expected breakpoint stop, got reason %v", ev.Reason)
		}
		loc2, err := p.CurrentLocation()
		assertNoError(err, t, "CurrentLocation()")
		if loc2.Line != 6 {
			t.Fatalf("expected to stop at line 6, at line %d", loc2.Line)
		}
	})
}

func TestTerminatedBySignal(t *testing.T) {
	withTestProcess("signalprog", t, func(p *proc.Process, fixture protest.Fixture) {
		ev, err := p.Continue()
		assertNoError(err, t, "Continue()")
		if ev.Reason != proc.StopExited {
			t.Fatalf("expected target to terminate, stopped with reason %v", ev.Reason)
		}
		if ev.Signal != sys.SIGKILL {
			t.Fatalf("expected termination by SIGKILL, got signal %v", ev.Signal)
		}
		if !p.Exited() {
			t.Fatal("expected Exited() to be true")
		}
	})
}

func TestAttachKill(t *testing.T) {
	fixture := protest.BuildFixture("loopprog")
	cmd := exec.Command(fixture.Path)
	if err := cmd.Start(); err != nil {
		t.Fatal("could not start fixture:", err)
	}

	p, err := proc.Attach(cmd.Process.Pid)
	assertNoError(err, t, "Attach()")
	// The attached target is in our process group, not one of its own.
	assertNoError(p.Kill(), t, "Kill()")
	if !p.Exited() {
		t.Fatal("expected Exited() to be true after Kill")
	}
}
