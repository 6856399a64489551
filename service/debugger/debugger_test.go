package debugger

import (
	"context"
	"debug/dwarf"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/hwbp"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/proctest"
	"github.com/go-delve/hwwatch/pkg/symbols"
)

const (
	cell   = 0x1100
	update = 0x400100
)

type recorder struct {
	hits []*hwbp.Hit
}

func (r *recorder) PresentHit(h *hwbp.Hit) {
	r.hits = append(r.hits, h)
}

type fakePrompter struct {
	answer   hwbp.Answer
	messages []string
}

func (p *fakePrompter) Confirm(kind hwbp.DialogKind, title, message string) hwbp.Answer {
	p.messages = append(p.messages, message)
	if kind == hwbp.DialogOK {
		return hwbp.AnswerOK
	}
	return p.answer
}

func testTable() *symbols.Table {
	int32Type := &dwarf.IntType{BasicType: dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: 4, Name: "int32"}}}
	return symbols.NewTable(
		[]symbols.Symbol{{Name: "main.update", Entry: update, Size: 0x40}},
		[]symbols.Variable{{Name: "main.health", Addr: cell, Size: 4, Type: int32Type}},
	)
}

// newTestDebugger returns a debugger for a simulated process with two
// threads. loads counts the times symbols were loaded.
func newTestDebugger(t *testing.T, cfg *Config) (d *Debugger, p *proctest.Process, loads *int) {
	p = proctest.NewProcess(100, 2)
	p.Mem.Map(0x1000, 0x1000)
	loads = new(int)
	d = newDebugger(cfg, nil)
	d.target = p
	d.loadSymbols = func(pid int) (*symbols.Table, error) {
		assert.Equal(t, 100, pid)
		*loads++
		return testTable(), nil
	}
	err := d.setup()
	t.Cleanup(d.drv.Close)
	require.NoError(t, err)
	return d, p, loads
}

func write(v uint32, th int) proctest.Step {
	return func(p *proctest.Process) (*proctest.Thread, syscall.Signal) {
		p.Mem.PutUint32(cell, v)
		p.Threads[th].UpdateRegisters(func(r *proc.Registers) { r.Rip = update + 8 })
		p.Threads[th].SignalBreakpoint(0)
		return p.Threads[th], syscall.SIGTRAP
	}
}

func requireExited(t *testing.T, err error) {
	var exited proc.ErrProcessExited
	require.True(t, errors.As(err, &exited), "unexpected error %v", err)
	assert.Equal(t, 100, exited.Pid)
}

func TestParseWatch(t *testing.T) {
	tests := []struct {
		in   string
		want Watch
		err  bool
	}{
		{"main.health", Watch{Path: "main.health"}, false},
		{" main.health:4 ", Watch{Path: "main.health:4"}, false},
		{"main.health if new < 0", Watch{Path: "main.health", Cond: "new < 0"}, false},
		{"0x1100:8 if old != new", Watch{Path: "0x1100:8", Cond: "old != new"}, false},
		{"", Watch{}, true},
		{"main.health if ", Watch{}, true},
		{" if new == 1", Watch{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			w, err := ParseWatch(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, w)
		})
	}
	assert.Equal(t, "main.health if new < 0", Watch{Path: "main.health", Cond: "new < 0"}.String())
}

func TestRunDataHit(t *testing.T) {
	rec := &recorder{}
	d, p, loads := newTestDebugger(t, &Config{
		Watches:   []Watch{{Path: "main.health"}},
		Presenter: rec,
	})
	require.Len(t, d.Handles(), 1)
	assert.Equal(t, 1, *loads)

	p.Steps = []proctest.Step{
		write(7, 1),
		func(p *proctest.Process) (*proctest.Thread, syscall.Signal) {
			return p.Threads[0], syscall.SIGUSR1
		},
		func(p *proctest.Process) (*proctest.Thread, syscall.Signal) {
			// a debug trap nothing explains
			p.Threads[0].SignalSingleStep()
			return p.Threads[0], syscall.SIGTRAP
		},
	}
	requireExited(t, d.Run(context.Background()))

	require.Len(t, rec.hits, 1)
	h := rec.hits[0]
	assert.Equal(t, hwbp.DataHit, h.Kind)
	assert.Equal(t, uint64(cell), h.Address)
	assert.Equal(t, []byte{0, 0, 0, 0}, h.Old)
	assert.Equal(t, []byte{7, 0, 0, 0}, h.New)
	assert.Equal(t, 101, h.ThreadID)
	assert.Empty(t, d.Registry().Breakpoints(), "breakpoint not removed after firing")
	assert.Equal(t, []syscall.Signal{syscall.SIGUSR1}, p.Delivered)

	require.NoError(t, d.Detach(false))
	assert.True(t, p.Detached)
}

func TestRunCondition(t *testing.T) {
	rec := &recorder{}
	d, p, _ := newTestDebugger(t, &Config{
		Watches:   []Watch{{Path: "main.health", Cond: "new > 10"}},
		Presenter: rec,
	})
	p.Steps = []proctest.Step{write(5, 0), write(11, 0)}
	requireExited(t, d.Run(context.Background()))

	require.Len(t, rec.hits, 1)
	assert.Equal(t, []byte{5, 0, 0, 0}, rec.hits[0].Old)
	assert.Equal(t, []byte{11, 0, 0, 0}, rec.hits[0].New)
	assert.Empty(t, p.Delivered)
}

func TestRunFunctionPersist(t *testing.T) {
	rec := &recorder{}
	d, p, _ := newTestDebugger(t, &Config{
		Functions: []string{"main.update"},
		Persist:   true,
		Presenter: rec,
	})
	p.Steps = []proctest.Step{
		func(p *proctest.Process) (*proctest.Thread, syscall.Signal) {
			th := p.Threads[0]
			th.UpdateRegisters(func(r *proc.Registers) { r.Rip = update })
			th.SignalBreakpoint(0)
			return th, syscall.SIGTRAP
		},
		func(p *proctest.Process) (*proctest.Thread, syscall.Signal) {
			th := p.Threads[0]
			th.UpdateRegisters(func(r *proc.Registers) { r.Rip = update + 4 })
			th.SignalSingleStep()
			return th, syscall.SIGTRAP
		},
	}
	requireExited(t, d.Run(context.Background()))

	require.Len(t, rec.hits, 1)
	assert.Equal(t, hwbp.NativeCallHit, rec.hits[0].Kind)
	assert.Equal(t, uint64(update), rec.hits[0].Address)
	assert.Len(t, d.Registry().Breakpoints(), 1)
	for _, th := range p.Threads {
		bank, err := th.DebugRegisters()
		require.NoError(t, err)
		assert.True(t, bank.Registers().Enabled(0), "thread %d not armed", th.ID)
	}
}

func TestDetachCancelsSingleStep(t *testing.T) {
	d, p, _ := newTestDebugger(t, &Config{
		Functions: []string{"main.update"},
		Persist:   true,
	})
	p.Steps = []proctest.Step{
		func(p *proctest.Process) (*proctest.Thread, syscall.Signal) {
			th := p.Threads[1]
			th.UpdateRegisters(func(r *proc.Registers) { r.Rip = update })
			th.SignalBreakpoint(0)
			return th, syscall.SIGTRAP
		},
	}
	tr, err := p.Continue()
	require.NoError(t, err)
	d.last = tr
	require.Equal(t, hwbp.Continue, d.disp.HandleTrap(tr))
	require.True(t, tr.Regs.TrapFlag())

	require.NoError(t, d.Detach(false))
	assert.False(t, tr.Regs.TrapFlag())
	assert.False(t, tr.DebugRegisters().AnyEnabled())
	assert.Empty(t, d.Registry().Breakpoints())
	assert.True(t, p.Detached)
}

func TestRunCanceled(t *testing.T) {
	d, p, _ := newTestDebugger(t, &Config{Watches: []Watch{{Path: "main.health"}}})
	p.Steps = []proctest.Step{write(1, 0)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
	assert.Len(t, d.Registry().Breakpoints(), 1)
}

func TestNoBreakpoints(t *testing.T) {
	prompt := &fakePrompter{}
	p := proctest.NewProcess(100, 1)
	d := newDebugger(&Config{
		Watches:  []Watch{{Path: "main.missing"}},
		Prompter: prompt,
	}, nil)
	d.target = p
	d.loadSymbols = func(int) (*symbols.Table, error) { return testTable(), nil }
	err := d.setup()
	t.Cleanup(d.drv.Close)

	assert.ErrorIs(t, err, ErrNoBreakpoints)
	require.Len(t, prompt.messages, 1)
	assert.Contains(t, prompt.messages[0], "main.missing")
}

func TestScriptFunctionsNeedFrames(t *testing.T) {
	d := newDebugger(&Config{ScriptFunctions: []uint64{0x2000}}, nil)
	d.target = proctest.NewProcess(100, 1)
	err := d.setup()
	t.Cleanup(d.drv.Close)
	assert.Error(t, err)
}

func TestStackSymbolsPrompt(t *testing.T) {
	for _, answer := range []hwbp.Answer{hwbp.AnswerNo, hwbp.AnswerYes} {
		prompt := &fakePrompter{answer: answer}
		rec := &recorder{}
		d, p, loads := newTestDebugger(t, &Config{
			Watches:   []Watch{{Path: "0x1100:4"}},
			Persist:   true,
			Stack:     true,
			Presenter: rec,
			Prompter:  prompt,
		})
		assert.Equal(t, 0, *loads, "raw addresses need no symbols")

		p.Steps = []proctest.Step{write(1, 0), write(2, 0)}
		requireExited(t, d.Run(context.Background()))

		require.Len(t, rec.hits, 2)
		require.Len(t, prompt.messages, 1, "asked more than once")
		assert.Equal(t, symbolsPrompt, prompt.messages[0])
		if answer == hwbp.AnswerYes {
			assert.Equal(t, 1, *loads)
		} else {
			assert.Equal(t, 0, *loads)
		}
	}
}
