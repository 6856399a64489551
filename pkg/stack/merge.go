package stack

import (
	"errors"

	"github.com/go-delve/hwwatch/pkg/interp"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
)

// Merge combines native frames and interpreted frames, both innermost
// first. Every native frame that tr classifies as Replace is substituted by
// the next unused interpreted frame, frames classified as Drop are removed
// and the others are kept in order. When the interpreted frames run out
// the remaining trampolines are kept as native frames.
func Merge(native []Frame, script []interp.Frame, tr *Trampolines) []Frame {
	out := make([]Frame, 0, len(native))
	next := 0
	for _, f := range native {
		name := ""
		if f.Known {
			name = f.Symbol.Name
		}
		switch tr.Classify(name) {
		case Replace:
			if next < len(script) {
				out = append(out, Frame{Kind: ScriptFrame, PC: f.PC, Script: script[next]})
				next++
				continue
			}
		case Drop:
			continue
		}
		f.Transition = 0
		out = append(out, f)
	}

	prevScript := false
	for i := range out {
		isScript := out[i].Kind == ScriptFrame
		switch {
		case isScript && !prevScript:
			out[i].Transition |= ScriptEnd
		case !isScript && prevScript:
			out[i].Transition |= ScriptStart
		}
		prevScript = isScript
	}
	return out
}

// Walker captures merged call stacks. A fresh capture is taken on every
// call.
type Walker struct {
	Symbols     Symbolizer
	Frames      interp.FrameSource
	Trampolines *Trampolines
	MaxDepth    int
}

// Capture returns the merged call stack of a thread stopped with regs.
// Errors reading either stack are returned along with whatever could be
// captured.
func (w *Walker) Capture(mem proc.MemoryReader, regs *proc.Registers) ([]Frame, error) {
	depth := w.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	native, err := NativeFrames(w.Symbols, mem, regs, depth)
	if err != nil {
		logflags.StackLogger().Debugf("native stack of pc %#x truncated after %d frames: %v", regs.PC(), len(native), err)
	}
	var script []interp.Frame
	if w.Frames != nil {
		var serr error
		script, serr = w.Frames.Frames(mem)
		if serr != nil {
			logflags.StackLogger().Debugf("reading interpreted frames: %v", serr)
			err = errors.Join(err, serr)
		}
	}
	return Merge(native, script, w.Trampolines), err
}
