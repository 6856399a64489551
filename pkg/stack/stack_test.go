package stack

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/dwarf/frame"
	"github.com/go-delve/hwwatch/pkg/interp"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/proctest"
	"github.com/go-delve/hwwatch/pkg/symbols"
)

func native(name string, pc uint64) Frame {
	return Frame{Kind: NativeFrame, PC: pc, Symbol: symbols.Symbol{Name: name, Entry: pc &^ 0xff}, Known: true}
}

func names(frames []Frame) []string {
	r := make([]string, len(frames))
	for i, f := range frames {
		if f.Kind == ScriptFrame {
			r[i] = "script:" + f.Script.Function
		} else {
			r[i] = f.Symbol.Name
		}
	}
	return r
}

func TestMergeReplacesTrampoline(t *testing.T) {
	tr := NewTrampolines([]string{"UObject::ProcessInternal()"}, nil)
	frames := []Frame{
		native("OnDamage", 0x1010),
		native("UObject::ProcessInternal()", 0x2010),
		native("main", 0x3010),
	}
	script := []interp.Frame{{Scope: "Game", Function: "Tick"}}

	out := Merge(frames, script, tr)
	assert.Equal(t, []string{"OnDamage", "script:Tick", "main"}, names(out))
	assert.Equal(t, Transition(0), out[0].Transition)
	assert.Equal(t, ScriptEnd, out[1].Transition)
	assert.Equal(t, ScriptStart, out[2].Transition)
}

func TestMergeDropsInternals(t *testing.T) {
	tr := NewTrampolines(
		[]string{"UObject::ProcessInternal()"},
		[]string{"UFunction::Invoke()", "FFrame::Step*", "*::exec*"})
	frames := []Frame{
		native("Actor::execFire", 0x1010),
		native("UObject::ProcessInternal()", 0x2010),
		native("FFrame::Step()", 0x3010),
		native("UObject::ProcessInternal()", 0x4010),
		native("UFunction::Invoke()", 0x5010),
		native("UObject::ProcessInternal()", 0x6010),
		native("main", 0x7010),
	}
	script := []interp.Frame{{Function: "Fire"}, {Function: "Tick"}}

	out := Merge(frames, script, tr)
	// the third trampoline has no interpreted frame left and stays.
	assert.Equal(t, []string{"script:Fire", "script:Tick", "UObject::ProcessInternal()", "main"}, names(out))
	assert.Equal(t, ScriptEnd, out[0].Transition)
	assert.Equal(t, Transition(0), out[1].Transition)
	assert.Equal(t, ScriptStart, out[2].Transition)
}

func TestMergeWithoutTrampolines(t *testing.T) {
	frames := []Frame{native("a", 0x1010), {Kind: NativeFrame, PC: 0x9999}}
	out := Merge(frames, []interp.Frame{{Function: "x"}}, nil)
	assert.Equal(t, []string{"a", ""}, names(out))
}

func TestClassify(t *testing.T) {
	tr := NewTrampolines([]string{"luaV_execute", "PyEval_*"}, []string{"*::exec*"})
	assert.Equal(t, Replace, tr.Classify("luaV_execute"))
	assert.Equal(t, Keep, tr.Classify("luaV_execute2"))
	assert.Equal(t, Replace, tr.Classify("PyEval_EvalFrameDefault"))
	assert.Equal(t, Drop, tr.Classify("Foo::execBar"))
	assert.Equal(t, Keep, tr.Classify("main"))
	assert.Equal(t, Keep, tr.Classify(""))
}

// stackMemory lays out three frames linked by frame pointers:
//
//	leaf (pc 0x400110) -> mid (ret 0x400220) -> outer (ret 0x400330)
func stackMemory() (*proctest.Memory, *proc.Registers) {
	mem := new(proctest.Memory)
	mem.Map(0x7000, 0x1000)
	// leaf frame
	mem.PutUint64(0x7100, 0x7200)   // saved bp
	mem.PutUint64(0x7108, 0x400220) // return into mid
	// mid frame
	mem.PutUint64(0x7200, 0x7300)
	mem.PutUint64(0x7208, 0x400330) // return into outer
	// outer frame
	mem.PutUint64(0x7300, 0)
	mem.PutUint64(0x7308, 0)
	return mem, &proc.Registers{Rip: 0x400110, Rsp: 0x70f0, Rbp: 0x7100}
}

func stackSymbols() *symbols.Table {
	return symbols.NewTable([]symbols.Symbol{
		{Name: "leaf", Entry: 0x400100, Size: 0x100},
		{Name: "mid", Entry: 0x400200, Size: 0x100},
		{Name: "outer", Entry: 0x400300, Size: 0x100},
	}, nil)
}

func TestNativeFrames(t *testing.T) {
	mem, regs := stackMemory()
	frames, err := NativeFrames(stackSymbols(), mem, regs, DefaultMaxDepth)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "outer"}, names(frames))
	assert.Equal(t, uint64(0x400220), frames[1].PC)
}

func TestNativeFramesAtEntry(t *testing.T) {
	mem, regs := stackMemory()
	// stopped on the first instruction of leaf, before it pushed rbp:
	// the return address is on top of the stack and rbp is mid's.
	mem.PutUint64(0x70f0, 0x400220)
	regs.Rip = 0x400100
	regs.Rbp = 0x7200

	frames, err := NativeFrames(stackSymbols(), mem, regs, DefaultMaxDepth)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "outer"}, names(frames))
}

func TestNativeFramesDepth(t *testing.T) {
	mem, regs := stackMemory()
	frames, err := NativeFrames(stackSymbols(), mem, regs, 2)
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestWalkerCapture(t *testing.T) {
	mem, regs := stackMemory()
	w := &Walker{
		Symbols:     stackSymbols(),
		Frames:      interp.Static{{Scope: "Game", Function: "Tick"}},
		Trampolines: NewTrampolines([]string{"mid"}, nil),
	}
	frames, err := w.Capture(mem, regs)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "script:Tick", "outer"}, names(frames))
	assert.Equal(t, "Game.Tick +0x0", frames[1].String())
}

// debugFrame assembles a .debug_frame section with one FDE per function.
// The CIE puts the CFA at rsp+8 with the return address just below it.
func debugFrame(t *testing.T, fdes map[uint64][]byte) frame.FrameDescriptionEntries {
	entry := func(b *bytes.Buffer, body []byte) {
		binary.Write(b, binary.LittleEndian, uint32(len(body)))
		b.Write(body)
	}
	var sec, cie bytes.Buffer
	binary.Write(&cie, binary.LittleEndian, uint32(0xffffffff))
	cie.Write([]byte{1, 0, 1, 0x78, 16})
	cie.Write([]byte{frame.DW_CFA_def_cfa, 7, 8, frame.DW_CFA_offset | 16, 1})
	entry(&sec, cie.Bytes())
	for begin, insns := range fdes {
		var fde bytes.Buffer
		binary.Write(&fde, binary.LittleEndian, uint32(0))
		binary.Write(&fde, binary.LittleEndian, begin)
		binary.Write(&fde, binary.LittleEndian, uint64(0x100))
		fde.Write(insns)
		entry(&sec, fde.Bytes())
	}
	r, err := frame.Parse(sec.Bytes(), binary.LittleEndian, 0, 8, 0)
	require.NoError(t, err)
	return r
}

// push rbp; mov rbp, rsp
var prologue = []byte{
	frame.DW_CFA_advance_loc | 1,
	frame.DW_CFA_def_cfa_offset, 16,
	frame.DW_CFA_offset | 6, 2,
	frame.DW_CFA_advance_loc | 3,
	frame.DW_CFA_def_cfa_register, 6,
}

func TestNativeFramesWithoutFramePointer(t *testing.T) {
	mem, regs := stackMemory()
	// leaf keeps rbp as mid left it and reserves 24 bytes of stack
	regs.Rsp = 0x70e0
	regs.Rbp = 0x7200
	mem.PutUint64(0x70f8, 0x400220)

	syms := stackSymbols()
	syms.SetFrameEntries(debugFrame(t, map[uint64][]byte{
		0x400100: {frame.DW_CFA_advance_loc | 4, frame.DW_CFA_def_cfa_offset, 32},
	}))

	frames, err := NativeFrames(syms, mem, regs, DefaultMaxDepth)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "outer"}, names(frames))
	assert.Equal(t, uint64(0x400220), frames[1].PC)
	assert.Equal(t, uint64(0x400330), frames[2].PC)

	// following rbp alone skips mid
	frames, err = NativeFrames(stackSymbols(), mem, regs, DefaultMaxDepth)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "outer"}, names(frames))
}

func TestNativeFramesCallFrameInformation(t *testing.T) {
	syms := stackSymbols()
	syms.SetFrameEntries(debugFrame(t, map[uint64][]byte{
		0x400100: prologue,
		0x400200: prologue,
		0x400300: prologue,
	}))

	mem, regs := stackMemory()
	frames, err := NativeFrames(syms, mem, regs, DefaultMaxDepth)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "outer"}, names(frames))

	// on the first instruction of leaf
	mem.PutUint64(0x70f0, 0x400220)
	regs.Rip = 0x400100
	regs.Rbp = 0x7200
	frames, err = NativeFrames(syms, mem, regs, DefaultMaxDepth)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "outer"}, names(frames))
}

func TestNativeFramesUnreadableStack(t *testing.T) {
	syms := stackSymbols()
	syms.SetFrameEntries(debugFrame(t, map[uint64][]byte{0x400100: prologue}))

	mem, regs := stackMemory()
	regs.Rbp = 0x9000
	frames, err := NativeFrames(syms, mem, regs, DefaultMaxDepth)
	assert.Error(t, err)
	assert.Equal(t, []string{"leaf"}, names(frames))
}

type lineSymbols struct {
	*symbols.Table
	lines map[uint64]int
}

func (s lineSymbols) PCToLine(pc uint64) (string, int, bool) {
	l, ok := s.lines[pc]
	if !ok {
		return "", 0, false
	}
	return "game.c", l, true
}

func TestNativeFramesSourceLocation(t *testing.T) {
	tbl := stackSymbols()
	tbl.SetMappings([]symbols.Mapping{{Start: 0x400000, End: 0x401000, Path: "/usr/bin/game"}})
	// return addresses are looked up one byte back, inside the call
	syms := lineSymbols{tbl, map[uint64]int{0x400110: 12, 0x40021f: 40}}

	mem, regs := stackMemory()
	frames, err := NativeFrames(syms, mem, regs, DefaultMaxDepth)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, "/usr/bin/game", f.Module)
	}
	assert.Equal(t, "game.c", frames[0].File)
	assert.Equal(t, 12, frames[0].Line)
	assert.Equal(t, 40, frames[1].Line)
	assert.Equal(t, "", frames[2].File)
}
