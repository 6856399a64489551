package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/hwwatch/pkg/config"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/terminal"
	"github.com/go-delve/hwwatch/pkg/version"
	"github.com/go-delve/hwwatch/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// newPTY runs the program on a pseudo terminal owned by hwwatch.
	newPTY bool

	watches      watchFlag
	nanWatches   []string
	functions    []string
	scriptBreaks []string

	// halt prompts for commands on every hit.
	halt bool
	// persist keeps breakpoints armed after they fire.
	persist bool
	// showStack prints the call stack of every hit.
	showStack bool

	conf *config.Config
)

const hwwatchCommandLongDesc = `hwwatch watches a process with the CPU debug registers.

Up to four hardware breakpoints can be armed at once. A breakpoint fires when
a memory location is written, when a native function is called or when an
interpreted function starts running. Every hit is printed together with the
value written and, optionally, the call stack of the thread that hit it.

Pass flags to the program you are watching using ` + "`--`" + `, for example:

` + "`hwwatch exec ./game --watch 'main.health if new < 0' -- --level 3`"

const watchHelp = `Watch expressions have the form:

	path[:size][ if condition]

path is a global variable name, name+offset or a hexadecimal address. The
optional condition is a Starlark expression over the integers old and new,
the value before and after the write:

	--watch 'main.health if new < 0'
	--watch '0xc000012345:8 if old != new'
`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()
	watches = nil

	rootCommand := &cobra.Command{
		Use:          "hwwatch",
		Short:        "hwwatch sets hardware watchpoints in running programs.",
		Long:         hwwatchCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output: debugger, driver, dispatch, hwbp, stack, native`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args]",
		Short: "Execute a binary and watch it.",
		Long: `Execute a binary and watch it.

The binary is started stopped, the breakpoints are armed before its first
instruction runs.

` + watchHelp,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args))
		},
	}
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().StringVar(&tty, "tty", "", "TTY to use for the target program.")
	execCommand.Flags().BoolVar(&newPTY, "pty", false, "Run the target program on a new pseudo terminal.")
	addBreakpointFlags(execCommand.Flags())
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and watch it.",
		Long: `Attach to an already running process and watch it.

When hwwatch exits the breakpoints are removed and the process keeps running.

` + watchHelp,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	addBreakpointFlags(attachCommand.Flags())
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hwwatch\n%s\n", version.HwwatchVersion)
			if log {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func addBreakpointFlags(flags *pflag.FlagSet) {
	flags.Var(&watches, "watch", "Break when a location is written, may be repeated (see 'hwwatch help exec').")
	flags.StringArrayVar(&nanWatches, "nan", nil, "Break when a float variable becomes NaN, may be repeated.")
	flags.StringArrayVar(&functions, "break", nil, "Break when a native function is called, may be repeated.")
	flags.StringArrayVar(&scriptBreaks, "script-break", nil, "Break when the bytecode at the given address starts running, may be repeated.")
	flags.BoolVar(&halt, "halt", false, "Stop and prompt for commands on every hit.")
	flags.BoolVar(&persist, "persist", false, "Keep breakpoints armed after they fire.")
	flags.BoolVar(&showStack, "stack", false, "Print the call stack of every hit.")
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil))
}

// watchFlag is a repeatable --watch flag.
type watchFlag []debugger.Watch

var _ pflag.Value = (*watchFlag)(nil)

func (w *watchFlag) String() string {
	s := make([]string, len(*w))
	for i := range *w {
		s[i] = (*w)[i].String()
	}
	return "[" + strings.Join(s, ", ") + "]"
}

func (w *watchFlag) Set(s string) error {
	v, err := debugger.ParseWatch(s)
	if err != nil {
		return err
	}
	*w = append(*w, v)
	return nil
}

func (w *watchFlag) Type() string {
	return "watch"
}

func parseAddresses(in []string) ([]uint64, error) {
	r := make([]uint64, 0, len(in))
	for _, s := range in {
		addr, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %v", s, err)
		}
		if addr == 0 {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		r = append(r, addr)
	}
	return r, nil
}

func execute(attachPid int, processArgs []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	scriptFunctions, err := parseAddresses(scriptBreaks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	out, color := terminal.Stdout()
	pres := terminal.NewPresenter(out, color)
	prompt := terminal.NewPrompter(out)
	defer prompt.Close()

	cfg := &debugger.Config{
		WorkingDir:      workingDir,
		AttachPid:       attachPid,
		TTY:             tty,
		NewPTY:          newPTY,
		Watches:         watches,
		NaNWatches:      nanWatches,
		Functions:       functions,
		ScriptFunctions: scriptFunctions,
		Persist:         persist,
		Stack:           showStack,
		Settings:        conf,
		Presenter:       pres,
		Prompter:        prompt,
	}
	if halt {
		cfg.WrapClearHook = terminal.NewHalter(prompt, pres).Hook
	}

	d, err := debugger.New(cfg, processArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = d.Run(ctx)
	var exited proc.ErrProcessExited
	switch {
	case errors.As(err, &exited):
		fmt.Fprintln(out, exited.Error())
		if err := d.Detach(false); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return 0
	case errors.Is(err, context.Canceled):
		if err := d.Detach(d.Launched()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	default:
		fmt.Fprintln(os.Stderr, err)
		if err := d.Detach(d.Launched()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return 1
	}
}
