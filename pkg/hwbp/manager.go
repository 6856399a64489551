package hwbp

import (
	"errors"
	"fmt"

	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/symbols"
)

// Resolver maps a dotted path, relative to a root object, to the location
// it names in the target's memory. An empty root resolves global symbols.
type Resolver interface {
	ResolveAddress(root, path string) (symbols.Location, error)
}

// DialogKind is the set of buttons shown by a Prompter.
type DialogKind uint8

const (
	DialogOK DialogKind = iota
	DialogYesNo
)

// Answer is the button picked by the user.
type Answer uint8

const (
	AnswerOK Answer = iota
	AnswerYes
	AnswerNo
)

// Prompter shows a blocking message to the user and returns their answer.
type Prompter interface {
	Confirm(kind DialogKind, title, message string) Answer
}

const dialogTitle = "Hardware breakpoint"

// Manager sets breakpoints on named locations. Failures never return an
// error: they are shown to the user through the Prompter and reported as
// false.
type Manager struct {
	reg     *Registry
	resolve Resolver
	prompt  Prompter
	log     logflags.Logger
}

// NewManager returns a Manager that sets breakpoints in reg. The prompter
// may be nil, in which case failures are only logged.
func NewManager(reg *Registry, resolve Resolver, prompt Prompter) *Manager {
	return &Manager{reg: reg, resolve: resolve, prompt: prompt, log: logflags.HwbpLogger()}
}

// Registry returns the registry the manager sets breakpoints in.
func (m *Manager) Registry() *Registry {
	return m.reg
}

func (m *Manager) fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	m.log.Warnf("%s", msg)
	if m.prompt != nil {
		m.prompt.Confirm(DialogOK, dialogTitle, msg)
	}
}

func qualify(root, path string) string {
	if root == "" {
		return path
	}
	return root + "." + path
}

func (m *Manager) locate(root, path string) (symbols.Location, bool) {
	if m.resolve == nil {
		m.fail("Cannot resolve %s: no symbols loaded", qualify(root, path))
		return symbols.Location{}, false
	}
	loc, err := m.resolve.ResolveAddress(root, path)
	if err != nil {
		m.fail("Cannot resolve %s: %v", qualify(root, path), err)
		return symbols.Location{}, false
	}
	if loc.Addr == 0 {
		m.fail("Cannot watch %s: address is nil", qualify(root, path))
		return symbols.Location{}, false
	}
	return loc, true
}

// handle converts the result of a registry call into a Handle, reporting
// failures.
func (m *Manager) handle(what string, idx int, err error) (Handle, bool) {
	var h Handle
	switch {
	case err == nil:
		h.SetIndex(m.reg, idx)
		m.log.Infof("breakpoint %d set on %s", idx, what)
		return h, true
	case errors.Is(err, ErrNoFreeRegister):
		m.fail("Cannot set breakpoint on %s: all %d hardware breakpoints are in use, clear one first", what, NumSlots)
	default:
		m.fail("Cannot set breakpoint on %s: %v", what, err)
	}
	return h, false
}

// WatchPath breaks when the location named by path is written.
func (m *Manager) WatchPath(root, path string, owner Owner) (Handle, bool) {
	loc, ok := m.locate(root, path)
	if !ok {
		return Handle{}, false
	}
	idx, err := m.reg.SetDataBreakpoint(loc.Addr, loc.Size, owner)
	return m.handle(qualify(root, path), idx, err)
}

// WatchPathWhen breaks when the location named by path is written and cond
// holds for its old and new value. The condition must decode values of the
// location's size and kind.
func (m *Manager) WatchPathWhen(root, path string, cond Condition, owner Owner) (Handle, bool) {
	loc, ok := m.locate(root, path)
	if !ok {
		return Handle{}, false
	}
	what := qualify(root, path)
	if err := checkCondition(loc, cond); err != nil {
		m.fail("Cannot set breakpoint on %s: %v", what, err)
		return Handle{}, false
	}
	idx, err := m.reg.SetDataBreakpointWithCondition(loc.Addr, cond, owner)
	return m.handle(what, idx, err)
}

// WatchPathNaN breaks when the floating point value named by path becomes
// NaN.
func (m *Manager) WatchPathNaN(root, path string, owner Owner) (Handle, bool) {
	loc, ok := m.locate(root, path)
	if !ok {
		return Handle{}, false
	}
	what := qualify(root, path)
	var cond Condition
	if loc.Kind == symbols.KindFloat {
		switch loc.Size {
		case 4:
			cond = BecomesNaN[float32]()
		case 8:
			cond = BecomesNaN[float64]()
		}
	}
	if cond == nil {
		m.fail("Cannot set NaN breakpoint on %s: %v, it is a %d byte %v", what, ErrTypeMismatch, loc.Size, loc.Kind)
		return Handle{}, false
	}
	idx, err := m.reg.SetDataBreakpointWithCondition(loc.Addr, cond, owner)
	return m.handle(what, idx, err)
}

// WatchPathExpr breaks when the location named by path is written and the
// Starlark expression src holds. See Expr.
func (m *Manager) WatchPathExpr(root, path, src string, owner Owner) (Handle, bool) {
	loc, ok := m.locate(root, path)
	if !ok {
		return Handle{}, false
	}
	what := qualify(root, path)
	cond, err := Expr(src, loc.Size, loc.Kind)
	if err != nil {
		m.fail("Invalid condition for %s: %v", what, err)
		return Handle{}, false
	}
	idx, err := m.reg.SetDataBreakpointWithCondition(loc.Addr, cond, owner)
	return m.handle(what, idx, err)
}

// BreakOnFunction breaks when the native function name is called.
func (m *Manager) BreakOnFunction(name string) (Handle, bool) {
	loc, ok := m.locate("", name)
	if !ok {
		return Handle{}, false
	}
	idx, err := m.reg.SetFunctionBreakpoint(NativeFunction{Entry: loc.Addr})
	return m.handle(name, idx, err)
}

// BreakOnScriptFunction breaks when the script function whose bytecode
// starts at codeBase is called.
func (m *Manager) BreakOnScriptFunction(codeBase uint64) (Handle, bool) {
	if codeBase == 0 {
		m.fail("Cannot break on script function: %v", ErrNilAddress)
		return Handle{}, false
	}
	idx, err := m.reg.SetFunctionBreakpoint(ScriptFunction{CodeBase: codeBase})
	return m.handle(fmt.Sprintf("script function at %#x", codeBase), idx, err)
}

// Clear removes the breakpoint h refers to, if it still exists.
func (m *Manager) Clear(h *Handle) {
	if err := h.Clear(m.reg); err != nil {
		m.log.Errorf("clearing breakpoint: %v", err)
	}
}

// ConfirmClearAll asks the user whether every breakpoint should be
// removed and removes them if so.
func (m *Manager) ConfirmClearAll() bool {
	if m.prompt != nil && m.prompt.Confirm(DialogYesNo, dialogTitle, "Clear all hardware breakpoints?") != AnswerYes {
		return false
	}
	if _, err := m.reg.RemoveAll(); err != nil {
		m.fail("Could not clear breakpoints: %v", err)
		return false
	}
	return true
}

func checkCondition(loc symbols.Location, cond Condition) error {
	if cond == nil {
		return errors.New("nil condition")
	}
	if cond.Size() != loc.Size {
		return fmt.Errorf("%w: condition reads %d bytes, location is %d bytes", ErrTypeMismatch, cond.Size(), loc.Size)
	}
	k, ok := cond.(kinded)
	if !ok || loc.Kind == symbols.KindUnknown {
		return nil
	}
	if (k.Kind() == symbols.KindFloat) != (loc.Kind == symbols.KindFloat) {
		return fmt.Errorf("%w: %v condition on a %v location", ErrTypeMismatch, k.Kind(), loc.Kind)
	}
	return nil
}
