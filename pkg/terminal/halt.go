package terminal

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cosiner/argv"

	"github.com/go-delve/hwwatch/pkg/hwbp"
)

const haltPrompt = "(hwwatch) "

const haltHelp = `Target is stopped on a hardware breakpoint.
	continue (c)      resume the target
	stack (bt)        print the call stack of the hit
	clear [DRn]       clear the breakpoint that fired, or register n
	clearall          clear every breakpoint
	keep              resume, leaving the breakpoint armed
	breakpoints (bp)  list armed registers
	help (h)          print this help
`

// errResume is returned by halt commands that resume the target.
var errResume = errors.New("resume")

// Halter stops on every hit and reads commands from the user until the
// target is resumed.
type Halter struct {
	line lineReader
	out  io.Writer
	pres *Presenter
}

// NewHalter returns a Halter reading commands through the prompter's line
// reader and printing stacks with pres.
func NewHalter(p *Prompter, pres *Presenter) *Halter {
	return &Halter{line: p.line, out: p.out, pres: pres}
}

type haltState struct {
	reg  *hwbp.Registry
	hit  *hwbp.Hit
	keep bool
	// cleared is set when the user removed the breakpoint that fired.
	cleared bool
}

// Hook returns a clear hook that prompts the user before handing over to
// next. The prompt decides whether the fired breakpoint stays armed:
// "keep" skips next and "clear" removes the breakpoint right away.
func (h *Halter) Hook(next hwbp.ClearHook) hwbp.ClearHook {
	return func(r *hwbp.Registry, hit *hwbp.Hit) {
		st := &haltState{reg: r, hit: hit}
		h.run(st)
		if st.keep || st.cleared {
			return
		}
		next(r, hit)
	}
}

func (h *Halter) run(st *haltState) {
	fmt.Fprintf(h.out, "Stopped on DR%d, type help for the list of commands.\n", st.hit.Index)
	for {
		line, err := h.line.Prompt(haltPrompt)
		if err != nil {
			// EOF or ^C resume the target
			fmt.Fprintln(h.out)
			return
		}
		err = h.exec(st, line)
		if err == errResume {
			return
		}
		if err != nil {
			fmt.Fprintf(h.out, "Command failed: %v\n", err)
		}
	}
}

func (h *Halter) exec(st *haltState, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	words, err := parseCommand(line)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	switch cmd, args := words[0], words[1:]; cmd {
	case "c", "continue":
		return errResume
	case "keep":
		st.keep = true
		return errResume
	case "bt", "stack":
		if len(st.hit.Frames) == 0 {
			fmt.Fprintln(h.out, "No stack captured, run with --stack.")
			return nil
		}
		fmt.Fprint(h.out, h.pres.FormatFrames(st.hit.Frames))
	case "clear":
		idx := st.hit.Index
		if len(args) > 0 {
			idx, err = parseRegister(args[0])
			if err != nil {
				return err
			}
		}
		changed, err := st.reg.RemoveBreakpoint(idx)
		if err != nil {
			return err
		}
		if idx == st.hit.Index {
			st.cleared = true
		}
		if changed {
			fmt.Fprintf(h.out, "Cleared DR%d\n", idx)
		}
	case "clearall":
		if _, err := st.reg.RemoveAll(); err != nil {
			return err
		}
		st.cleared = true
		fmt.Fprintln(h.out, "Cleared all breakpoints")
	case "bp", "breakpoints":
		for _, idx := range st.reg.Breakpoints() {
			s, ok := st.reg.Slot(idx)
			if !ok {
				continue
			}
			fmt.Fprintf(h.out, "DR%d\t%v\t%#x\t%d bytes\n", idx, s.Kind, s.Address, s.Size)
		}
	case "h", "help":
		fmt.Fprint(h.out, haltHelp)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func parseCommand(line string) ([]string, error) {
	v, err := argv.Argv(line,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", line)
	}
	return v[0], nil
}

func parseRegister(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(s), "DR"))
	if err != nil || n < 0 || n >= hwbp.NumSlots {
		return -1, fmt.Errorf("invalid register %q", s)
	}
	return n, nil
}
