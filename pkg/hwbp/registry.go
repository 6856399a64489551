package hwbp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-delve/hwwatch/pkg/driver"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// Registry owns the hardware breakpoints of a target: the slot table, the
// handle salts and the driver that arms the registers. It is shared by the
// arming API and the Dispatcher and is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	drv   *driver.Driver
	mem   proc.MemoryReader
	slots SlotTable
	salts salts

	// trap is the trap being handled by the Dispatcher, if any. While it is
	// set the trapped thread is stopped and its debug registers are edited
	// in the trap's context instead of through the driver.
	trap *proc.Trap

	log logflags.Logger
}

// NewRegistry returns an empty registry that arms registers with drv and
// reads watched locations from mem.
func NewRegistry(drv *driver.Driver, mem proc.MemoryReader) *Registry {
	return &Registry{drv: drv, mem: mem, log: logflags.HwbpLogger()}
}

// NativeFunction is a compiled function, identified by its entry address.
type NativeFunction struct {
	Entry uint64
}

// ScriptFunction is an interpreted function, identified by the address of
// its bytecode buffer.
type ScriptFunction struct {
	CodeBase uint64
}

// Function is either a NativeFunction or a ScriptFunction.
type Function interface {
	address() uint64
}

func (f NativeFunction) address() uint64 { return f.Entry }
func (f ScriptFunction) address() uint64 { return f.CodeBase }

// watchSize clamps n to the widest supported size and rounds it down to a
// size the hardware can watch.
func watchSize(n int) int {
	switch {
	case n >= 8:
		return 8
	case n >= 4:
		return 4
	case n >= 2:
		return 2
	}
	return 1
}

// SetDataBreakpoint arms a write breakpoint on size bytes at addr and
// returns the register it uses. The current contents of the location are
// recorded so that later writes can be detected.
func (r *Registry) SetDataBreakpoint(addr uint64, size int, owner Owner) (int, error) {
	if addr == 0 {
		return -1, ErrNilAddress
	}
	if size < 1 {
		return -1, fmt.Errorf("invalid watch size %d", size)
	}
	return r.setData(addr, watchSize(size), owner, nil)
}

// SetDataBreakpointWithCondition is like SetDataBreakpoint but writes are
// only reported when cond holds. The size of the watched location is the
// size of the values cond decodes.
func (r *Registry) SetDataBreakpointWithCondition(addr uint64, cond Condition, owner Owner) (int, error) {
	if addr == 0 {
		return -1, ErrNilAddress
	}
	if cond == nil {
		return -1, errors.New("nil condition")
	}
	size := cond.Size()
	if watchSize(size) != size {
		return -1, fmt.Errorf("%w: %d byte values cannot be watched", ErrTypeMismatch, size)
	}
	return r.setData(addr, size, owner, cond)
}

func (r *Registry) setData(addr uint64, size int, owner Owner, cond Condition) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.armLocked(amd64util.WatchWrite, size, addr)
	if err != nil {
		return -1, err
	}
	s := r.slots.Get(idx)
	s.Owner = owner
	s.Condition = cond
	if err := r.slots.RecordValue(idx, r.mem); err != nil {
		r.log.Warnf("could not read watched location %#x: %v", addr, err)
	}
	r.log.Debugf("data breakpoint %d: %#x size %d", idx, addr, size)
	return idx, nil
}

// SetFunctionBreakpoint arms a breakpoint that fires when fn is called.
// Native functions get an execute breakpoint on their entry point. Script
// functions have no native entry point so a read-write breakpoint is set on
// the first byte of their bytecode, which also fires on plain reads of it.
func (r *Registry) SetFunctionBreakpoint(fn Function) (int, error) {
	if fn == nil || fn.address() == 0 {
		return -1, ErrNilAddress
	}
	kind := amd64util.WatchExecute
	if _, ok := fn.(ScriptFunction); ok {
		kind = amd64util.WatchReadWrite
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx, err := r.armLocked(kind, 1, fn.address())
	if err != nil {
		return -1, err
	}
	r.log.Debugf("function breakpoint %d: %v at %#x", idx, kind, fn.address())
	return idx, nil
}

// armLocked reserves a slot and arms the matching register on every
// thread. The slot index always equals the register index.
func (r *Registry) armLocked(kind amd64util.WatchKind, size int, addr uint64) (int, error) {
	idx, ok := r.slots.Reserve()
	if !ok {
		return -1, ErrNoFreeRegister
	}
	hw, err := r.armHardware(kind, size, addr)
	r.slots.cancel(idx)
	if err != nil {
		return -1, err
	}
	s := r.slots.Get(hw)
	if !s.Free() {
		// the slot table and the registers disagree, someone else armed
		// registers behind our back.
		r.disarmHardware(hw)
		return -1, fmt.Errorf("debug register %d is armed but its slot is in use", hw)
	}
	*s = Slot{Address: addr, Size: size, Kind: kind}
	return hw, nil
}

func (r *Registry) armHardware(kind amd64util.WatchKind, size int, addr uint64) (int, error) {
	if r.trap == nil {
		return r.drv.Arm(kind, size, addr)
	}
	drs := r.trap.DebugRegisters()
	for i := 0; i < NumSlots; i++ {
		if drs.Enabled(uint8(i)) || r.slots.Get(i).Address != 0 {
			continue
		}
		if err := drs.SetBreakpoint(uint8(i), addr, kind, size); err != nil {
			return -1, err
		}
		if err := r.drv.Except(r.trap.Thread.ThreadID()).ArmAt(i, kind, size, addr); err != nil {
			drs.ClearBreakpoint(uint8(i))
			return -1, err
		}
		return i, nil
	}
	return -1, ErrNoFreeRegister
}

func (r *Registry) disarmHardware(idx int) (bool, error) {
	if r.trap == nil {
		return r.drv.Disarm(idx)
	}
	changed := r.trap.DebugRegisters().ClearBreakpoint(uint8(idx))
	changed2, err := r.drv.Except(r.trap.Thread.ThreadID()).Disarm(idx)
	return changed || changed2, err
}

// RemoveBreakpoint disarms register idx and frees its slot. Reports
// whether a register was actually armed.
func (r *Registry) RemoveBreakpoint(idx int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(idx)
}

func (r *Registry) removeLocked(idx int) (bool, error) {
	if idx < 0 || idx >= NumSlots {
		return false, ErrInvalidIndex
	}
	changed, err := r.disarmHardware(idx)
	if r.slots.Release(idx) {
		r.salts.releaseSlot(idx)
	}
	r.log.Debugf("removed breakpoint %d: changed=%v err=%v", idx, changed, err)
	return changed, err
}

// RemoveAll disarms every register and invalidates every handle.
func (r *Registry) RemoveAll() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed bool
	var err error
	if r.trap == nil {
		changed, err = r.drv.DisarmAll()
	} else {
		for i := 0; i < NumSlots; i++ {
			if r.trap.DebugRegisters().ClearBreakpoint(uint8(i)) {
				changed = true
			}
		}
		var changed2 bool
		changed2, err = r.drv.Except(r.trap.Thread.ThreadID()).DisarmAll()
		changed = changed || changed2
	}
	r.slots.ReleaseAll()
	r.salts.releaseAll()
	r.log.Debugf("removed all breakpoints: changed=%v err=%v", changed, err)
	return changed, err
}

// IsSet reports whether register idx is armed.
func (r *Registry) IsSet(idx int) (bool, error) {
	if idx < 0 || idx >= NumSlots {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trap != nil {
		return r.trap.DebugRegisters().Enabled(uint8(idx)), nil
	}
	return r.drv.IsArmed(idx)
}

// AnySet reports whether any register is armed.
func (r *Registry) AnySet() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trap != nil {
		return r.trap.DebugRegisters().AnyEnabled(), nil
	}
	return r.drv.AnyArmed()
}

// Slot returns a copy of the bookkeeping state of register idx.
func (r *Registry) Slot(idx int) (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots.Get(idx)
	if s == nil || s.Free() {
		return Slot{}, false
	}
	return *s, true
}

// Breakpoints returns the indexes of the registers in use.
func (r *Registry) Breakpoints() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots.armed()
}

func (r *Registry) beginTrap(t *proc.Trap) {
	r.mu.Lock()
	r.trap = t
	r.mu.Unlock()
}

func (r *Registry) endTrap() {
	r.mu.Lock()
	r.trap = nil
	r.mu.Unlock()
}

// reconcile makes drs agree with the slot table. A thread that restores
// registers saved before a single step would otherwise bring back
// breakpoints that were removed, or drop ones that were set, while it was
// stepping.
func (r *Registry) reconcile(drs *amd64util.DebugRegisters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < NumSlots; i++ {
		s := r.slots.Get(i)
		if s.Free() {
			if drs.ClearBreakpoint(uint8(i)) {
				r.log.Debugf("register %d was armed for a removed breakpoint, disarmed", i)
			}
			continue
		}
		addr, kind, sz, ok := drs.Breakpoint(uint8(i))
		if ok && addr == s.Address && kind == s.Kind && sz == s.Size {
			continue
		}
		drs.ClearBreakpoint(uint8(i))
		if err := drs.SetBreakpoint(uint8(i), s.Address, s.Kind, s.Size); err != nil {
			r.log.Errorf("re-arming register %d on %#x: %v", i, s.Address, err)
		}
	}
}
