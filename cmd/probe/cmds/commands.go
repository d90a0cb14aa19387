// Package cmds implements the command line interface of probe.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/probe-dbg/probe/pkg/config"
	"github.com/probe-dbg/probe/pkg/logflags"
	"github.com/probe-dbg/probe/pkg/proc"
	"github.com/probe-dbg/probe/pkg/terminal"
	"github.com/probe-dbg/probe/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const probeCommandLongDesc = `Probe is a source level debugger for Linux programs.

Probe lets you control the execution of a process with breakpoints and
source-level stepping, and inspect its call stack and CPU registers.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "probe",
		Short: "Probe is a debugger for Linux programs.",
		Long:  probeCommandLongDesc,
	}
	registerLogFlags(rootCommand.PersistentFlags())

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [args...]",
		Short: "Execute a precompiled binary, and begin a debug session.",
		Long: `Execute a precompiled binary and begin a debug session.

The binary should be compiled with optimizations and inlining disabled
(-gcflags=all='-N -l' for Go programs), otherwise source stepping will
not match the program text.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: execCmd,
	}
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

When exiting the debug session you will have the option to let the
process continue or kill it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Probe Debugger\n%s\n%s\n", version.ProbeVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func registerLogFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (debugger, debuglineerr).")
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
}

func execCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(args))
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(attach(pid))
}

func execute(args []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logflags.Close()

	p, err := proc.Launch(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return runTerminal(p, args)
}

func attach(pid int) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logflags.Close()

	p, err := proc.Attach(pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return runTerminal(p, nil)
}

func runTerminal(p *proc.Process, launchArgs []string) int {
	term := terminal.New(p, conf, launchArgs)
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}
