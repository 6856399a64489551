package amd64util

import (
	"errors"
	"fmt"
)

// NumDebugRegisters is the number of address breakpoint registers (DR0
// through DR3) available on x86-64.
const NumDebugRegisters = 4

// WatchKind is the value of the two bit R/W field of a breakpoint slot in
// DR7.
type WatchKind uint8

const (
	WatchExecute   WatchKind = 0x0 // break on instruction execution
	WatchWrite     WatchKind = 0x1 // break on data writes
	WatchReadWrite WatchKind = 0x3 // break on data reads or writes
)

func (k WatchKind) String() string {
	switch k {
	case WatchExecute:
		return "execute"
	case WatchWrite:
		return "write"
	case WatchReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("WatchKind(%d)", uint8(k))
}

const (
	dr6BreakpointHit = 0xf     // B0-B3
	dr6SingleStep    = 1 << 14 // BS
)

// Bank is the raw contents of DR0 through DR7, in the order in which they
// appear in the user area of a traced thread. DR4 and DR5 are aliases of
// DR6 and DR7 and are never read or written.
type Bank [8]uint64

// Registers returns a DebugRegisters view that reads and writes b in place.
func (b *Bank) Registers() *DebugRegisters {
	return NewDebugRegisters(&b[0], &b[1], &b[2], &b[3], &b[6], &b[7])
}

// DebugRegisters represents x86 debug registers described in the Intel 64
// and IA-32 Architectures Software Developer's Manual, Vol. 3B, section
// 17.2
type DebugRegisters struct {
	pAddrs     [NumDebugRegisters]*uint64
	pDR6, pDR7 *uint64
	Dirty      bool
}

func NewDebugRegisters(pDR0, pDR1, pDR2, pDR3, pDR6, pDR7 *uint64) *DebugRegisters {
	return &DebugRegisters{
		pAddrs: [NumDebugRegisters]*uint64{pDR0, pDR1, pDR2, pDR3},
		pDR6:   pDR6,
		pDR7:   pDR7,
		Dirty:  false,
	}
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// Enabled reports whether the local enable bit of slot idx is set.
func (drs *DebugRegisters) Enabled(idx uint8) bool {
	if int(idx) >= NumDebugRegisters {
		return false
	}
	return *(drs.pDR7)&(1<<enableBitOffset(idx)) != 0
}

// AnyEnabled reports whether at least one slot is enabled.
func (drs *DebugRegisters) AnyEnabled() bool {
	for idx := uint8(0); idx < NumDebugRegisters; idx++ {
		if drs.Enabled(idx) {
			return true
		}
	}
	return false
}

// FreeIndex returns the lowest slot whose enable bit is clear.
func (drs *DebugRegisters) FreeIndex() (uint8, bool) {
	for idx := uint8(0); idx < NumDebugRegisters; idx++ {
		if !drs.Enabled(idx) {
			return idx, true
		}
	}
	return 0, false
}

// Control returns the raw contents of DR7.
func (drs *DebugRegisters) Control() uint64 {
	return *(drs.pDR7)
}

// Breakpoint returns the parameters of slot idx. If the slot is disabled
// ok is false and the other return values are zero.
func (drs *DebugRegisters) Breakpoint(idx uint8) (addr uint64, kind WatchKind, sz int, ok bool) {
	if !drs.Enabled(idx) {
		return 0, 0, 0, false
	}

	addr = *(drs.pAddrs[idx])
	lenrw := (*(drs.pDR7) >> lenrwBitsOffset(idx)) & 0xf
	kind = WatchKind(lenrw & 0x3)
	switch lenrw >> 2 {
	case 0x0:
		sz = 1
	case 0x1:
		sz = 2
	case 0x2:
		sz = 8 // sic
	case 0x3:
		sz = 4
	}
	return addr, kind, sz, true
}

// Address returns the raw contents of DRidx, whether or not the slot is
// enabled.
func (drs *DebugRegisters) Address(idx uint8) uint64 {
	return *(drs.pAddrs[idx])
}

// SetAddress overwrites DRidx without touching DR7.
func (drs *DebugRegisters) SetAddress(idx uint8, addr uint64) {
	*(drs.pAddrs[idx]) = addr
	drs.Dirty = true
}

// SetBreakpoint sets hardware breakpoint at index 'idx' to the specified
// address, kind and size.
// If the breakpoint is already in use but the parameters match it does
// nothing.
func (drs *DebugRegisters) SetBreakpoint(idx uint8, addr uint64, kind WatchKind, sz int) error {
	if int(idx) >= NumDebugRegisters {
		return fmt.Errorf("hardware breakpoints exhausted")
	}
	curaddr, curkind, cursz, enabled := drs.Breakpoint(idx)
	if enabled {
		if (curaddr != addr) || (curkind != kind) || (cursz != sz) {
			return fmt.Errorf("hardware breakpoint %d already in use (address %#x)", idx, curaddr)
		}
		// hardware breakpoint already set
		return nil
	}

	var lenrw uint64
	switch kind {
	case WatchExecute:
		// instruction breakpoints must use a length of 1
		if sz != 1 {
			return errors.New("execute breakpoints must have size 1")
		}
	case WatchWrite, WatchReadWrite:
		lenrw = uint64(kind)
	default:
		return fmt.Errorf("unsupported breakpoint kind %v", kind)
	}
	switch sz {
	case 1:
		// already ok
	case 2:
		lenrw |= 0x1 << 2
	case 4:
		lenrw |= 0x3 << 2
	case 8:
		lenrw |= 0x2 << 2
	default:
		return fmt.Errorf("data breakpoint of size %d not supported", sz)
	}

	*(drs.pAddrs[idx]) = addr
	*(drs.pDR7) &^= (0xf << lenrwBitsOffset(idx)) // clear old settings
	*(drs.pDR7) |= lenrw << lenrwBitsOffset(idx)
	*(drs.pDR7) |= 1 << enableBitOffset(idx) // enable
	drs.Dirty = true
	return nil
}

// ClearBreakpoint disables the hardware breakpoint at index 'idx' and zeroes
// its address register. Returns false if there was nothing to clear.
func (drs *DebugRegisters) ClearBreakpoint(idx uint8) bool {
	if int(idx) >= NumDebugRegisters {
		return false
	}
	if !drs.Enabled(idx) && *(drs.pAddrs[idx]) == 0 {
		return false
	}
	*(drs.pAddrs[idx]) = 0
	*(drs.pDR7) &^= (1 << enableBitOffset(idx))
	*(drs.pDR7) &^= (0xf << lenrwBitsOffset(idx))
	drs.Dirty = true
	return true
}

// ActiveBreakpoints returns the enabled slots whose breakpoint condition
// is recorded in DR6, lowest first. DR6 is left untouched.
func (drs *DebugRegisters) ActiveBreakpoints() []uint8 {
	var r []uint8
	for idx := uint8(0); idx < NumDebugRegisters; idx++ {
		if !drs.Enabled(idx) {
			continue
		}
		if *(drs.pDR6)&(1<<idx) != 0 {
			r = append(r, idx)
		}
	}
	return r
}

// DebugException reports whether DR6 records a debug exception, either a
// breakpoint condition (B0-B3) or a single step (BS).
func (drs *DebugRegisters) DebugException() bool {
	return *(drs.pDR6)&(dr6BreakpointHit|dr6SingleStep) != 0
}

// ClearStatus clears the condition bits of DR6, it is our responsibility
// to do so after every debug exception.
func (drs *DebugRegisters) ClearStatus() {
	if *(drs.pDR6)&(dr6BreakpointHit|dr6SingleStep) == 0 {
		return
	}
	*(drs.pDR6) &^= dr6BreakpointHit | dr6SingleStep
	drs.Dirty = true
}
