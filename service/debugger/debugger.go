package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/go-delve/hwwatch/pkg/config"
	"github.com/go-delve/hwwatch/pkg/debugdetect"
	"github.com/go-delve/hwwatch/pkg/dwarf/frame"
	"github.com/go-delve/hwwatch/pkg/driver"
	"github.com/go-delve/hwwatch/pkg/hwbp"
	"github.com/go-delve/hwwatch/pkg/interp"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
	"github.com/go-delve/hwwatch/pkg/proc/native"
	"github.com/go-delve/hwwatch/pkg/stack"
	"github.com/go-delve/hwwatch/pkg/symbols"
)

// ErrNoBreakpoints is returned by New when none of the requested
// breakpoints could be set.
var ErrNoBreakpoints = errors.New("no breakpoint could be set")

const symbolsPrompt = "Need to load debug symbols to display callstack, but this will freeze the application for a while. Do you want symbols to be loaded?"

// Debugger service.
//
// Debugger owns a traced process and the watchpoint engine attached to it:
// the debug register driver, the breakpoint registry and the dispatcher
// that handles the traps of the process.
type Debugger struct {
	config *Config
	// arguments to launch a new process.
	processArgs []string
	target      proc.Process
	log         logflags.Logger

	childProcess bool
	exited       bool
	ptmx         *os.File

	loadSymbols func(pid int) (*symbols.Table, error)
	symsMu      sync.Mutex
	syms        *symbols.Table
	symsErr     error

	drv     *driver.Driver
	reg     *hwbp.Registry
	mgr     *hwbp.Manager
	disp    *hwbp.Dispatcher
	handles []hwbp.Handle

	// last is the trap returned by the last call to Continue.
	last *proc.Trap
}

// Config provides the configuration to start a Debugger.
//
// If AttachPid is set the debugger attaches to that process, otherwise a
// new process is launched.
type Config struct {
	// WorkingDir is working directory of the new process. This field is used
	// only when launching a new process.
	WorkingDir string

	// AttachPid is the PID of an existing process to which the debugger should
	// attach.
	AttachPid int

	// TTY is the terminal the launched process is attached to.
	TTY string
	// NewPTY launches the process on a new pseudo terminal whose output is
	// copied to Output.
	NewPTY bool
	Output io.Writer

	Watches         []Watch
	NaNWatches      []string
	Functions       []string
	ScriptFunctions []uint64

	// Persist keeps breakpoints armed after they fire.
	Persist bool
	// Stack captures the call stack of every hit.
	Stack bool

	Settings  *config.Config
	Presenter hwbp.Presenter
	Prompter  hwbp.Prompter
	// WrapClearHook, if set, wraps the hook that runs after every hit.
	WrapClearHook func(hwbp.ClearHook) hwbp.ClearHook
}

// manualStopper is implemented by backends that can be stopped
// asynchronously.
type manualStopper interface {
	RequestManualStop() error
}

func newDebugger(config *Config, processArgs []string) *Debugger {
	return &Debugger{
		config:      config,
		processArgs: processArgs,
		log:         logflags.DebuggerLogger(),
		loadSymbols: symbols.LoadProcess,
	}
}

// New creates a new Debugger. ProcessArgs specify the commandline arguments for the
// new process.
func New(config *Config, processArgs []string) (*Debugger, error) {
	d := newDebugger(config, processArgs)

	// Create the process by either attaching or launching.
	switch {
	case config.AttachPid > 0:
		d.log.Infof("attaching to pid %d", config.AttachPid)
		p, err := native.Attach(config.AttachPid)
		if err != nil {
			return nil, attachErrorMessage(config.AttachPid, err)
		}
		d.target = p

	default:
		if len(processArgs) == 0 {
			return nil, errors.New("no program to launch")
		}
		d.log.Infof("launching process with args: %v", processArgs)
		tty := config.TTY
		if config.NewPTY {
			ptmx, pts, err := pty.Open()
			if err != nil {
				return nil, fmt.Errorf("could not allocate a terminal: %v", err)
			}
			defer pts.Close()
			d.ptmx = ptmx
			tty = pts.Name()
		}
		p, err := native.Launch(processArgs, config.WorkingDir, tty)
		if err != nil {
			if d.ptmx != nil {
				d.ptmx.Close()
			}
			return nil, fmt.Errorf("could not launch process: %s", err)
		}
		d.target = p
		d.childProcess = true
		if d.ptmx != nil {
			go d.copyOutput()
		}
	}

	if err := d.setup(); err != nil {
		d.drv.Close()
		if derr := d.target.Detach(d.childProcess); derr != nil {
			d.log.Errorf("detaching after failed setup: %v", derr)
		}
		return nil, err
	}
	return d, nil
}

func (d *Debugger) copyOutput() {
	out := d.config.Output
	if out == nil {
		out = os.Stdout
	}
	// Reading the master side fails with EIO once the target closes the
	// terminal.
	_, err := io.Copy(out, d.ptmx)
	d.log.Debugf("target terminal closed: %v", err)
}

// setup creates the watchpoint engine and arms the breakpoints in the
// configuration.
func (d *Debugger) setup() error {
	cfg := d.config
	d.drv = driver.New(d.target)
	d.reg = hwbp.NewRegistry(d.drv, d.target)
	d.mgr = hwbp.NewManager(d.reg, resolver{d}, cfg.Prompter)

	hook := hwbp.BreakOnce
	if cfg.Persist {
		hook = hwbp.KeepArmed
	}
	if cfg.WrapClearHook != nil {
		hook = cfg.WrapClearHook(hook)
	}

	frames, err := d.scriptFrames()
	if err != nil {
		return err
	}
	dcfg := hwbp.DispatcherConfig{
		Presenter:        cfg.Presenter,
		ClearHook:        hook,
		DebuggerAttached: debugdetect.Attached,
		DebugBreak:       runtime.Breakpoint,
		Symbolize:        d.symbolize,
	}
	if frames != nil {
		dcfg.Frames = frames
	}
	if cfg.Settings != nil {
		dcfg.Settings = cfg.Settings
	}
	if cfg.Stack || (cfg.Settings != nil && cfg.Settings.ShowStack) {
		var replace, drop []string
		if cfg.Settings != nil {
			replace, drop = cfg.Settings.Trampolines.Replace, cfg.Settings.Trampolines.Drop
		}
		w := &stack.Walker{
			Symbols:     &stackSymbols{d: d},
			Trampolines: stack.NewTrampolines(replace, drop),
			MaxDepth:    cfg.Settings.StackDepth(),
		}
		if frames != nil {
			w.Frames = frames
		}
		dcfg.Stack = w
	}
	d.disp = hwbp.NewDispatcher(d.reg, dcfg)

	return d.arm()
}

// scriptFrames returns the tracker of the interpreted frames of the
// target, if one is configured.
func (d *Debugger) scriptFrames() (*interp.Tracker, error) {
	name := ""
	if d.config.Settings != nil {
		name = d.config.Settings.ScriptFramesSymbol
	}
	if name == "" {
		if len(d.config.ScriptFunctions) > 0 {
			return nil, errors.New("script function breakpoints need script-frames-symbol to be configured")
		}
		return nil, nil
	}
	tbl, err := d.symbols()
	if err != nil {
		return nil, err
	}
	loc, err := tbl.ResolveAddress("", name)
	if err != nil {
		return nil, fmt.Errorf("could not find script frames list %s: %w", name, err)
	}
	return &interp.Tracker{Head: loc.Addr}, nil
}

func (d *Debugger) arm() error {
	add := func(h hwbp.Handle, ok bool) {
		if ok {
			d.handles = append(d.handles, h)
		}
	}
	for _, w := range d.config.Watches {
		if w.Cond != "" {
			add(d.mgr.WatchPathExpr("", w.Path, w.Cond, nil))
		} else {
			add(d.mgr.WatchPath("", w.Path, nil))
		}
	}
	for _, path := range d.config.NaNWatches {
		add(d.mgr.WatchPathNaN("", path, nil))
	}
	for _, fn := range d.config.Functions {
		add(d.mgr.BreakOnFunction(fn))
	}
	for _, codeBase := range d.config.ScriptFunctions {
		add(d.mgr.BreakOnScriptFunction(codeBase))
	}
	if len(d.handles) == 0 {
		return ErrNoBreakpoints
	}
	d.log.Infof("%d breakpoints set", len(d.handles))
	return nil
}

// symbols returns the symbol table of the target, loading it on first use.
func (d *Debugger) symbols() (*symbols.Table, error) {
	d.symsMu.Lock()
	defer d.symsMu.Unlock()
	if d.syms == nil && d.symsErr == nil {
		d.log.Infof("loading symbols of pid %d", d.target.Pid())
		d.syms, d.symsErr = d.loadSymbols(d.target.Pid())
		if d.symsErr != nil {
			d.symsErr = fmt.Errorf("could not load symbols: %w", d.symsErr)
		} else {
			d.syms.SetMemory(d.target)
		}
	}
	return d.syms, d.symsErr
}

// symbolize annotates disassembly, it never loads symbols.
func (d *Debugger) symbolize(pc uint64) (string, uint64) {
	d.symsMu.Lock()
	tbl := d.syms
	d.symsMu.Unlock()
	if tbl == nil {
		return "", 0
	}
	return tbl.Symbolize(pc)
}

type resolver struct {
	d *Debugger
}

func (r resolver) ResolveAddress(root, path string) (symbols.Location, error) {
	if root == "" && isAddress(path) {
		// raw addresses need no symbols
		return symbols.NewTable(nil, nil).ResolveAddress(root, path)
	}
	tbl, err := r.d.symbols()
	if err != nil {
		return symbols.Location{}, err
	}
	return tbl.ResolveAddress(root, path)
}

func isAddress(path string) bool {
	path = strings.TrimSpace(path)
	return strings.HasPrefix(path, "0x") || strings.HasPrefix(path, "0X")
}

// stackSymbols loads symbols for the stack walker, asking the user first
// if nothing loaded them yet.
type stackSymbols struct {
	d        *Debugger
	asked    bool
	declined bool
}

func (s *stackSymbols) Lookup(pc uint64) (symbols.Symbol, bool) {
	tbl := s.table()
	if tbl == nil {
		return symbols.Symbol{}, false
	}
	return tbl.Lookup(pc)
}

func (s *stackSymbols) PCToLine(pc uint64) (string, int, bool) {
	tbl := s.table()
	if tbl == nil {
		return "", 0, false
	}
	return tbl.PCToLine(pc)
}

func (s *stackSymbols) Module(pc uint64) (string, bool) {
	tbl := s.table()
	if tbl == nil {
		return "", false
	}
	return tbl.Module(pc)
}

func (s *stackSymbols) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	tbl := s.table()
	if tbl == nil {
		return nil, &frame.ErrNoFDEForPC{PC: pc}
	}
	return tbl.FDEForPC(pc)
}

func (s *stackSymbols) table() *symbols.Table {
	d := s.d
	d.symsMu.Lock()
	tbl := d.syms
	d.symsMu.Unlock()
	if tbl != nil || s.declined {
		return tbl
	}
	if !s.asked {
		s.asked = true
		if d.config.Prompter != nil && d.config.Prompter.Confirm(hwbp.DialogYesNo, "Symbols", symbolsPrompt) != hwbp.AnswerYes {
			s.declined = true
			return nil
		}
	}
	tbl, err := d.symbols()
	if err != nil {
		d.log.Warnf("call stacks will not be symbolized: %v", err)
		s.declined = true
		return nil
	}
	return tbl
}

// Registry returns the breakpoints of the session.
func (d *Debugger) Registry() *hwbp.Registry {
	return d.reg
}

// Handles returns the breakpoints armed by New.
func (d *Debugger) Handles() []hwbp.Handle {
	return d.handles
}

// Launched reports whether the target was started by the debugger.
func (d *Debugger) Launched() bool {
	return d.childProcess
}

// Run resumes the target and handles its traps until it exits or ctx is
// done. Debug traps explained by a breakpoint are consumed, stray debug
// traps are swallowed and every other signal is delivered to the target.
// The exit of the target is reported as a proc.ErrProcessExited error.
func (d *Debugger) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s, ok := d.target.(manualStopper)
		if !ok {
			return
		}
		if err := s.RequestManualStop(); err != nil {
			d.log.Errorf("could not stop the target: %v", err)
		}
	})
	defer stop()

	for {
		trap, err := d.target.Continue()
		d.last = trap
		if err != nil {
			var exited proc.ErrProcessExited
			if errors.As(err, &exited) {
				d.exited = true
				d.log.Infof("process %d exited with status %d", exited.Pid, exited.Status)
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case d.disp.HandleTrap(trap) == hwbp.Continue:
			trap.Deliver = false
		case trap.Kind == proc.TrapSingleStep:
			d.log.Debugf("thread %d: stray debug trap at %#x", trap.Thread.ThreadID(), trap.Regs.PC())
			trap.Deliver = false
		default:
			d.log.Debugf("thread %d: signal %v", trap.Thread.ThreadID(), trap.Signal)
		}
	}
}

// Detach removes every breakpoint and detaches from the target,
// optionally killing it.
func (d *Debugger) Detach(kill bool) error {
	if !d.exited {
		d.cancelSingleSteps()
		if _, err := d.reg.RemoveAll(); err != nil {
			d.log.Warnf("could not remove breakpoints: %v", err)
		}
	}
	d.drv.Close()
	err := d.target.Detach(kill)
	if d.ptmx != nil {
		d.ptmx.Close()
	}
	return err
}

// cancelSingleSteps clears the trap flag of the threads the dispatcher is
// single stepping: they would be killed by the trap once detached.
func (d *Debugger) cancelSingleSteps() {
	for _, th := range d.target.ThreadList() {
		tid := th.ThreadID()
		if !d.disp.AwaitingSingleStep(tid) {
			continue
		}
		if d.last != nil && d.last.Thread.ThreadID() == tid {
			d.last.Regs.SetTrapFlag(false)
			continue
		}
		regs, err := th.Registers()
		if err == nil {
			regs.SetTrapFlag(false)
			err = th.SetRegisters(regs)
		}
		if err != nil {
			d.log.Warnf("could not cancel single step of thread %d: %v", tid, err)
		}
	}
	if d.last != nil {
		d.last.Debug = amd64util.Bank{}
	}
}
