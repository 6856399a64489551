package hwbp

import (
	"bytes"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/go-delve/hwwatch/pkg/interp"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
	"github.com/go-delve/hwwatch/pkg/stack"
)

// Disposition tells the caller of HandleTrap what to do with the trap.
type Disposition uint8

const (
	// Continue means the trap was consumed, the thread must be resumed
	// without delivering it.
	Continue Disposition = iota
	// PassThrough means the trap is not ours.
	PassThrough
)

func (d Disposition) String() string {
	switch d {
	case Continue:
		return "continue"
	case PassThrough:
		return "pass-through"
	}
	return fmt.Sprintf("Disposition(%d)", uint8(d))
}

// HitKind is the kind of breakpoint that fired.
type HitKind uint8

const (
	DataHit HitKind = iota
	NativeCallHit
	ScriptCallHit
)

func (k HitKind) String() string {
	switch k {
	case DataHit:
		return "write"
	case NativeCallHit:
		return "call"
	case ScriptCallHit:
		return "script call"
	}
	return fmt.Sprintf("HitKind(%d)", uint8(k))
}

// Hit describes a breakpoint that fired.
type Hit struct {
	ID       string
	Kind     HitKind
	Index    int
	Address  uint64
	Size     int
	Old, New []byte // data hits only

	Script *interp.Frame // script call hits only

	ThreadID    int
	PC          uint64
	Instruction string

	Frames   []stack.Frame
	StackErr error
}

// Presenter shows a hit to the user.
type Presenter interface {
	PresentHit(*Hit)
}

// Settings are read every time a breakpoint fires.
type Settings interface {
	// SuppressStackWhenDebugged disables presenting hits while a debugger
	// is attached to this process.
	SuppressStackWhenDebugged() bool
	// SuppressBreakWhenDebugged disables the debug break executed on
	// every hit while a debugger is attached to this process.
	SuppressBreakWhenDebugged() bool
}

// StackCapturer returns the merged call stack of a stopped thread.
type StackCapturer interface {
	Capture(mem proc.MemoryReader, regs *proc.Registers) ([]stack.Frame, error)
}

// ClearHook is called after a breakpoint fires and decides whether it
// stays armed.
type ClearHook func(r *Registry, h *Hit)

// BreakOnce removes every breakpoint after it fires.
func BreakOnce(r *Registry, h *Hit) {
	if _, err := r.RemoveBreakpoint(h.Index); err != nil {
		logflags.DispatchLogger().Errorf("removing breakpoint %d: %v", h.Index, err)
	}
}

// KeepArmed leaves every breakpoint armed after it fires.
func KeepArmed(r *Registry, h *Hit) {}

// DispatcherConfig holds the collaborators of a Dispatcher. All fields are
// optional.
type DispatcherConfig struct {
	Frames    interp.FrameSource
	Stack     StackCapturer
	Presenter Presenter
	Settings  Settings
	// ClearHook defaults to BreakOnce.
	ClearHook ClearHook
	// DebuggerAttached reports whether a debugger is attached to this
	// process and DebugBreak stops it.
	DebuggerAttached func() bool
	DebugBreak       func()
	// Symbolize is used to annotate disassembled instructions.
	Symbolize func(pc uint64) (string, uint64)
}

// Dispatcher classifies the debug traps of a target and reports the
// breakpoints that fired.
//
// A breakpoint that fires and stays armed would fire again as soon as the
// thread is resumed, before the instruction that triggered it retires. The
// dispatcher moves it out of the way for one step: its registers are saved,
// it is disarmed or shifted, and the saved registers are restored on the
// next trap of the same thread.
type Dispatcher struct {
	reg *Registry
	cfg DispatcherConfig
	log logflags.Logger

	mu sync.Mutex
	// pending maps the threads that are awaiting a single step to their
	// saved debug registers.
	pending map[int]amd64util.Bank
}

// NewDispatcher returns a dispatcher for the breakpoints in reg.
func NewDispatcher(reg *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.ClearHook == nil {
		cfg.ClearHook = BreakOnce
	}
	return &Dispatcher{
		reg:     reg,
		cfg:     cfg,
		log:     logflags.DispatchLogger(),
		pending: make(map[int]amd64util.Bank),
	}
}

// AwaitingSingleStep reports whether thread tid has a breakpoint moved out
// of the way.
func (d *Dispatcher) AwaitingSingleStep(tid int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[tid]
	return ok
}

// HandleTrap handles a trap reported by the target. Traps that are not
// debug exceptions, and debug exceptions that no breakpoint explains, are
// passed through untouched. HandleTrap never panics, internal errors pass
// the trap through.
func (d *Dispatcher) HandleTrap(t *proc.Trap) (disp Disposition) {
	if t == nil || t.Kind != proc.TrapSingleStep {
		return PassThrough
	}
	defer func() {
		if ierr := recover(); ierr != nil {
			d.log.Errorf("internal error handling trap on thread %d: %v\n%s", t.Thread.ThreadID(), ierr, debug.Stack())
			disp = PassThrough
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	tid := t.Thread.ThreadID()
	if saved, ok := d.pending[tid]; ok {
		delete(d.pending, tid)
		restore(t, saved)
		// breakpoints may have been set or removed while the thread was
		// stepping
		d.reg.reconcile(t.DebugRegisters())
		d.log.Debugf("thread %d: single step done, debug registers restored", tid)
		return Continue
	}

	d.reg.beginTrap(t)
	defer d.reg.endTrap()

	if d.scriptCall(t) || d.nativeCall(t) || d.dataWrite(t) {
		t.DebugRegisters().ClearStatus()
		return Continue
	}
	d.log.Debugf("thread %d: unrecognized debug trap at %#x", tid, t.Regs.PC())
	return PassThrough
}

func restore(t *proc.Trap, saved amd64util.Bank) {
	for i := 0; i < amd64util.NumDebugRegisters; i++ {
		t.Debug[i] = saved[i]
	}
	t.Debug[7] = saved[7]
	t.DebugRegisters().ClearStatus()
	t.Regs.SetTrapFlag(false)
}

// match returns the register of the given kind that is armed on addr in the
// trap context.
func match(t *proc.Trap, kind amd64util.WatchKind, addr uint64) (int, bool) {
	drs := t.DebugRegisters()
	for i := uint8(0); i < amd64util.NumDebugRegisters; i++ {
		a, k, _, ok := drs.Breakpoint(i)
		if ok && k == kind && a == addr {
			return int(i), true
		}
	}
	return -1, false
}

func (d *Dispatcher) scriptCall(t *proc.Trap) bool {
	if d.cfg.Frames == nil {
		return false
	}
	frames, err := d.cfg.Frames.Frames(t.Thread)
	if err != nil || len(frames) == 0 {
		return false
	}
	top := frames[0]
	idx, ok := scriptRegister(t, top)
	if !ok {
		return false
	}
	codeBase := t.DebugRegisters().Address(uint8(idx))
	d.fire(t, &Hit{Kind: ScriptCallHit, Index: idx, Address: codeBase, Size: 1, Script: &top})

	if _, ok := match(t, amd64util.WatchReadWrite, codeBase); ok {
		// the interpreter reads the next byte right away, shift the
		// breakpoint past the one that fired until then.
		d.pending[t.Thread.ThreadID()] = t.Debug
		t.DebugRegisters().SetAddress(uint8(idx), codeBase+1)
	}
	return true
}

// scriptRegister returns the read-write register tripped by the
// interpreter fetching the bytecode under the cursor of top. Depending on
// when the interpreter advances it the cursor is on the byte that was read
// or just past it. When DR6 names the registers that fired the register
// must be one of them.
func scriptRegister(t *proc.Trap, top interp.Frame) (int, bool) {
	active := t.DebugRegisters().ActiveBreakpoints()
	for _, pc := range []uint64{top.Cursor, top.Cursor - 1} {
		idx, ok := match(t, amd64util.WatchReadWrite, pc)
		if !ok {
			continue
		}
		if len(active) > 0 && !containsIndex(active, idx) {
			continue
		}
		return idx, true
	}
	return -1, false
}

func containsIndex(s []uint8, idx int) bool {
	for _, i := range s {
		if int(i) == idx {
			return true
		}
	}
	return false
}

func (d *Dispatcher) nativeCall(t *proc.Trap) bool {
	pc := t.Regs.PC()
	idx, ok := match(t, amd64util.WatchExecute, pc)
	if !ok {
		return false
	}
	d.fire(t, &Hit{Kind: NativeCallHit, Index: idx, Address: pc, Size: 1})

	if _, ok := match(t, amd64util.WatchExecute, pc); ok {
		// execute breakpoints fire before the instruction runs, disable
		// it and step over the instruction.
		d.pending[t.Thread.ThreadID()] = t.Debug
		t.DebugRegisters().ClearBreakpoint(uint8(idx))
		t.Regs.SetTrapFlag(true)
	}
	return true
}

func (d *Dispatcher) dataWrite(t *proc.Trap) bool {
	hit, recognized := d.scanData(t)
	if hit != nil {
		d.fire(t, hit)
	}
	return recognized
}

// scanData looks for a watched location that was written. A location is
// considered written if its contents changed or if one of the integer
// registers holds its address.
func (d *Dispatcher) scanData(t *proc.Trap) (*Hit, bool) {
	r := d.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	recognized := false
	for _, i := range scanOrder(t, r.slots.armed()) {
		s := r.slots.Get(i)
		if s.Kind != amd64util.WatchWrite {
			continue
		}
		var cur [maxValueSize]byte
		if err := proc.ReadFull(t.Thread, cur[:s.Size], uintptr(s.Address)); err != nil {
			d.log.Debugf("reading watched location %#x: %v", s.Address, err)
			continue
		}
		if bytes.Equal(cur[:s.Size], s.Value()) && !t.Regs.Contains(s.Address) {
			continue
		}
		recognized = true

		if s.Owner != nil && !s.Owner.Alive() {
			d.log.Debugf("owner of breakpoint %d on %#x is gone, removing it", i, s.Address)
			if _, err := r.removeLocked(i); err != nil {
				d.log.Errorf("removing breakpoint %d: %v", i, err)
			}
			continue
		}

		old := s.LastValue
		s.LastValue = cur
		if s.Condition != nil && !s.Condition.Evaluate(old[:s.Size], cur[:s.Size]) {
			continue
		}
		return &Hit{
			Kind:    DataHit,
			Index:   i,
			Address: s.Address,
			Size:    s.Size,
			Old:     append([]byte(nil), old[:s.Size]...),
			New:     append([]byte(nil), cur[:s.Size]...),
		}, true
	}
	return nil, recognized
}

// scanOrder moves the registers DR6 reports as fired to the front of
// armed, the first of them to fire wins.
func scanOrder(t *proc.Trap, armed []int) []int {
	active := t.DebugRegisters().ActiveBreakpoints()
	if len(active) == 0 {
		return armed
	}
	r := make([]int, 0, len(armed))
	for _, i := range armed {
		if containsIndex(active, i) {
			r = append(r, i)
		}
	}
	for _, i := range armed {
		if !containsIndex(active, i) {
			r = append(r, i)
		}
	}
	return r
}

// fire reports a hit and runs the clear hook. It must be called without
// holding the registry lock.
func (d *Dispatcher) fire(t *proc.Trap, hit *Hit) {
	hit.ID = uuid.New().String()
	hit.ThreadID = t.Thread.ThreadID()
	hit.PC = t.Regs.PC()
	if inst, err := proc.Disassemble(t.Thread, hit.PC, proc.IntelFlavour, d.cfg.Symbolize); err == nil {
		hit.Instruction = inst.Text
	}
	if d.cfg.Stack != nil {
		hit.Frames, hit.StackErr = d.cfg.Stack.Capture(t.Thread, &t.Regs)
	}

	d.log.WithFields(logflags.Fields{
		"id":     hit.ID,
		"index":  hit.Index,
		"thread": hit.ThreadID,
	}).Infof("%v breakpoint hit on %#x at pc %#x", hit.Kind, hit.Address, hit.PC)

	attached := d.cfg.DebuggerAttached != nil && d.cfg.DebuggerAttached()
	if d.cfg.Presenter != nil && !(attached && d.suppressStack()) {
		d.cfg.Presenter.PresentHit(hit)
	}
	if attached && !d.suppressBreak() && d.cfg.DebugBreak != nil {
		d.cfg.DebugBreak()
	}
	d.cfg.ClearHook(d.reg, hit)
}

func (d *Dispatcher) suppressStack() bool {
	return d.cfg.Settings != nil && d.cfg.Settings.SuppressStackWhenDebugged()
}

func (d *Dispatcher) suppressBreak() bool {
	return d.cfg.Settings != nil && d.cfg.Settings.SuppressBreakWhenDebugged()
}
