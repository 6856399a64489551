// Package stack captures the call stack of a stopped thread, merging the
// native frames with the frames of the interpreter that runs inside the
// target.
package stack

import (
	"errors"
	"fmt"

	"github.com/go-delve/hwwatch/pkg/dwarf/frame"
	"github.com/go-delve/hwwatch/pkg/interp"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/symbols"
)

// DefaultMaxDepth is the default maximum number of native frames captured.
const DefaultMaxDepth = 100

// FrameKind is the kind of code a frame runs.
type FrameKind uint8

const (
	NativeFrame FrameKind = iota
	ScriptFrame
)

// Transition marks the boundaries of runs of script frames. Frames are
// ordered innermost first, so the first script frame of a run is where the
// script code ends and the first native frame after a run is where it
// started.
type Transition uint8

const (
	ScriptEnd Transition = 1 << iota
	ScriptStart
)

// Frame is one entry of a merged call stack.
type Frame struct {
	Kind FrameKind
	// PC is the current instruction of a native frame. For every frame but
	// the innermost one it is a return address.
	PC     uint64
	Symbol symbols.Symbol
	Known  bool // Symbol is valid
	Script interp.Frame

	// Module, File and Line locate the current instruction of a native
	// frame, they are empty when unknown.
	Module string
	File   string
	Line   int

	Transition Transition
}

func (f Frame) String() string {
	if f.Kind == ScriptFrame {
		return f.Script.String()
	}
	if !f.Known {
		return fmt.Sprintf("%#x ?", f.PC)
	}
	return fmt.Sprintf("%#x %s+%#x", f.PC, f.Symbol.Name, f.PC-f.Symbol.Entry)
}

// Symbolizer maps addresses to functions, source lines and modules, and
// knows the call frame information of the target.
type Symbolizer interface {
	Lookup(pc uint64) (symbols.Symbol, bool)
	PCToLine(pc uint64) (file string, line int, ok bool)
	Module(pc uint64) (string, bool)
	FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error)
}

// amd64 DWARF register numbers
const (
	dwarfRegBP = 6
	dwarfRegSP = 7
)

// ErrNullAddr is returned when a frame pointer chain reaches address 0
// where a frame was expected.
var ErrNullAddr = errors.New("NULL address")

// nativeIterator unwinds the native stack of a stopped thread. Frames
// covered by call frame information are unwound with it, the others by
// following the frame pointer chain.
type nativeIterator struct {
	pc, sp, bp uint64
	top        bool
	atend      bool
	frame      Frame
	syms       Symbolizer
	mem        proc.MemoryReader
	err        error
}

func newNativeIterator(syms Symbolizer, mem proc.MemoryReader, regs *proc.Registers) *nativeIterator {
	return &nativeIterator{pc: regs.PC(), sp: regs.SP(), bp: regs.BP(), top: true, syms: syms, mem: mem}
}

func (it *nativeIterator) lookup(pc uint64) (symbols.Symbol, bool) {
	if it.syms == nil {
		return symbols.Symbol{}, false
	}
	return it.syms.Lookup(pc)
}

// Next points the iterator to the next stack frame.
func (it *nativeIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}
	if it.pc == 0 {
		it.atend = true
		return false
	}

	lookupPC := it.pc
	if !it.top {
		// return addresses point after the call instruction, which may be
		// the first instruction of the next function.
		lookupPC--
	}
	sym, known := it.lookup(lookupPC)
	it.frame = it.newFrame(lookupPC, sym, known)

	if it.unwindCFA(lookupPC) {
		it.top = false
		return true
	}

	if it.top && known && it.pc == sym.Entry {
		// stopped on the first instruction of a function: the frame
		// pointer still belongs to the caller and the return address is
		// on top of the stack.
		ret, err := proc.ReadUintRaw(it.mem, uintptr(it.sp), proc.PtrSize)
		if err != nil {
			it.err = err
			return true
		}
		it.top = false
		it.pc = ret
		return true
	}

	it.top = false
	if it.bp == 0 {
		it.atend = true
		return true
	}
	ret, err := proc.ReadUintRaw(it.mem, uintptr(it.bp+proc.PtrSize), proc.PtrSize)
	if err != nil {
		it.err = err
		return true
	}
	nextbp, err := proc.ReadUintRaw(it.mem, uintptr(it.bp), proc.PtrSize)
	if err != nil {
		it.err = err
		return true
	}
	if ret == 0 || (nextbp != 0 && nextbp <= it.bp) {
		it.atend = true
		return true
	}
	it.pc = ret
	it.sp = it.bp + 2*proc.PtrSize
	it.bp = nextbp
	return true
}

func (it *nativeIterator) newFrame(lookupPC uint64, sym symbols.Symbol, known bool) Frame {
	f := Frame{Kind: NativeFrame, PC: it.pc, Symbol: sym, Known: known}
	if it.syms != nil {
		f.Module, _ = it.syms.Module(lookupPC)
		f.File, f.Line, _ = it.syms.PCToLine(lookupPC)
	}
	return f
}

// unwindCFA moves the iterator to the caller with the call frame
// information covering pc. It returns false, leaving the iterator alone,
// when there is none or it uses rules other than register plus offset.
func (it *nativeIterator) unwindCFA(pc uint64) bool {
	if it.syms == nil {
		return false
	}
	fde, err := it.syms.FDEForPC(pc)
	if err != nil {
		return false
	}
	fctxt, err := fde.EstablishFrame(pc)
	if err != nil {
		logflags.StackLogger().Debugf("unwinding %#x: %v", pc, err)
		return false
	}
	if fctxt.CFA.Rule != frame.RuleCFA {
		return false
	}
	var cfa uint64
	switch fctxt.CFA.Reg {
	case dwarfRegSP:
		cfa = it.sp
	case dwarfRegBP:
		cfa = it.bp
	default:
		return false
	}
	cfa = uint64(int64(cfa) + fctxt.CFA.Offset)

	retRule := fctxt.Regs[fctxt.RetAddrReg]
	if retRule.Rule != frame.RuleOffset {
		return false
	}
	bpRule := fctxt.Regs[dwarfRegBP]
	switch bpRule.Rule {
	case frame.RuleUndefined, frame.RuleSameVal, frame.RuleOffset, frame.RuleValOffset:
	default:
		return false
	}

	ret, err := proc.ReadUintRaw(it.mem, uintptr(int64(cfa)+retRule.Offset), proc.PtrSize)
	if err != nil {
		it.err = err
		return true
	}
	bp := it.bp
	switch bpRule.Rule {
	case frame.RuleOffset:
		bp, err = proc.ReadUintRaw(it.mem, uintptr(int64(cfa)+bpRule.Offset), proc.PtrSize)
		if err != nil {
			it.err = err
			return true
		}
	case frame.RuleValOffset:
		bp = uint64(int64(cfa) + bpRule.Offset)
	}

	if ret == 0 || cfa <= it.sp {
		it.atend = true
		return true
	}
	it.pc = ret
	it.sp = cfa
	it.bp = bp
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *nativeIterator) Frame() Frame {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *nativeIterator) Err() error {
	return it.err
}

// NativeFrames returns up to depth native frames of a thread stopped with
// the given registers, innermost first. The walk uses the call frame
// information of the target where it has some and the frame pointer chain
// elsewhere. If it fails midway the frames collected so far are returned
// along with the error.
func NativeFrames(syms Symbolizer, mem proc.MemoryReader, regs *proc.Registers, depth int) ([]Frame, error) {
	if depth <= 0 {
		return nil, errors.New("non-positive maximum stack depth")
	}
	it := newNativeIterator(syms, mem, regs)
	frames := make([]Frame, 0, depth)
	for len(frames) < depth && it.Next() {
		frames = append(frames, it.Frame())
	}
	return frames, it.Err()
}
