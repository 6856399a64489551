package terminal

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-delve/hwwatch/pkg/hwbp"
	"github.com/go-delve/hwwatch/pkg/stack"
)

// Presenter prints hits to a writer.
type Presenter struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

// NewPresenter returns a presenter writing to out. Escape sequences are
// only used if color is set.
func NewPresenter(out io.Writer, color bool) *Presenter {
	return &Presenter{out: out, color: color}
}

func (p *Presenter) highlight(code int, s string) string {
	if !p.color {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, code) + s + terminalResetEscapeCode
}

// PresentHit implements hwbp.Presenter.
func (p *Presenter) PresentHit(h *hwbp.Hit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, p.formatHit(h))
}

func (p *Presenter) formatHit(h *hwbp.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s ", p.highlight(ansiRed, fmt.Sprintf("> [DR%d] %s", h.Index, h.Kind)))
	switch h.Kind {
	case hwbp.DataHit:
		fmt.Fprintf(&b, "%#x (%d bytes): % x => % x", h.Address, h.Size, h.Old, h.New)
	case hwbp.ScriptCallHit:
		if h.Script != nil {
			fmt.Fprintf(&b, "%s", h.Script.String())
		} else {
			fmt.Fprintf(&b, "%#x", h.Address)
		}
	default:
		fmt.Fprintf(&b, "%#x", h.Address)
	}
	fmt.Fprintf(&b, "\n\tthread %d at %#x", h.ThreadID, h.PC)
	if h.Instruction != "" {
		fmt.Fprintf(&b, "\t%s", h.Instruction)
	}
	fmt.Fprintf(&b, "\n\thit %s\n", h.ID)
	if len(h.Frames) > 0 {
		b.WriteString(p.FormatFrames(h.Frames))
	}
	if h.StackErr != nil {
		fmt.Fprintf(&b, "\t(stack incomplete: %v)\n", h.StackErr)
	}
	return b.String()
}

// FormatFrames formats a merged stack, innermost frame first, marking the
// boundaries of script code.
func (p *Presenter) FormatFrames(frames []stack.Frame) string {
	var b strings.Builder
	for i, f := range frames {
		if f.Transition&stack.ScriptEnd != 0 {
			fmt.Fprintf(&b, "\t%s\n", p.highlight(ansiMagenta, "==== script end ===="))
		}
		if f.Transition&stack.ScriptStart != 0 {
			fmt.Fprintf(&b, "\t%s\n", p.highlight(ansiMagenta, "==== script start ===="))
		}
		if f.Kind == stack.ScriptFrame {
			fmt.Fprintf(&b, "%4d  %s\n", i, p.highlight(ansiCyan, f.String()))
			continue
		}
		fmt.Fprintf(&b, "%4d  %s", i, f.String())
		if f.Module != "" {
			fmt.Fprintf(&b, " in %s", filepath.Base(f.Module))
		}
		b.WriteByte('\n')
		if f.File != "" {
			fmt.Fprintf(&b, "        at %s:%d\n", p.highlight(ansiBlue, f.File), f.Line)
		}
	}
	return b.String()
}
