package proc

import (
	"fmt"
	"syscall"

	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// Thread represents a thread of the target. Methods that access registers
// require the thread to be stopped.
type Thread interface {
	MemoryReader
	// ThreadID returns the OS thread id.
	ThreadID() int
	// Suspend stops the thread if it is running. The returned value is true
	// if this call stopped it, in which case Resume must be called to undo
	// it.
	Suspend() (suspended bool, err error)
	// Resume undoes a Suspend.
	Resume() error
	Registers() (*Registers, error)
	SetRegisters(*Registers) error
	DebugRegisters() (amd64util.Bank, error)
	SetDebugRegisters(amd64util.Bank) error
}

// Target is a set of threads sharing one address space.
type Target interface {
	MemoryReader
	Pid() int
	ThreadList() []Thread
}

// Process is a Target whose execution can be driven.
type Process interface {
	Target
	// Continue resumes every stopped thread, committing and delivering the
	// previous trap if there is one, and waits for the next stop.
	Continue() (*Trap, error)
	// Detach detaches from the process, optionally killing it.
	Detach(kill bool) error
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ProcessDetachedError indicates that we detached from the target process.
type ProcessDetachedError struct {
}

func (pe ProcessDetachedError) Error() string {
	return "detached from the process"
}

// TrapKind classifies a thread stop.
type TrapKind uint8

const (
	// TrapSingleStep is a debug exception: a hardware breakpoint condition
	// or the completion of a single step.
	TrapSingleStep TrapKind = iota
	// TrapSignal is any other stop.
	TrapSignal
)

func (k TrapKind) String() string {
	switch k {
	case TrapSingleStep:
		return "single-step"
	case TrapSignal:
		return "signal"
	}
	return fmt.Sprintf("TrapKind(%d)", uint8(k))
}

// Trap is a stopped thread together with a copy of its register context.
// Handlers modify Regs and Debug in place; Commit writes back whatever
// changed before the thread is resumed.
type Trap struct {
	Kind   TrapKind
	Thread Thread
	Signal syscall.Signal
	Regs   Registers
	Debug  amd64util.Bank
	// Deliver is set if Signal must be delivered to the thread when it is
	// resumed.
	Deliver bool

	origRegs  Registers
	origDebug amd64util.Bank
}

// NewTrap captures the context of th, which stopped because of sig.
func NewTrap(th Thread, sig syscall.Signal) (*Trap, error) {
	regs, err := th.Registers()
	if err != nil {
		return nil, err
	}
	debug, err := th.DebugRegisters()
	if err != nil {
		return nil, err
	}
	t := &Trap{
		Kind:      TrapSignal,
		Thread:    th,
		Signal:    sig,
		Regs:      *regs,
		Debug:     debug,
		Deliver:   sig != syscall.SIGTRAP,
		origRegs:  *regs,
		origDebug: debug,
	}
	if sig == syscall.SIGTRAP && t.Debug.Registers().DebugException() {
		t.Kind = TrapSingleStep
	}
	return t, nil
}

// DebugRegisters returns a view over the trap's debug registers.
func (t *Trap) DebugRegisters() *amd64util.DebugRegisters {
	return t.Debug.Registers()
}

// Dirty reports whether the context was modified since it was captured.
func (t *Trap) Dirty() bool {
	return t.Regs != t.origRegs || t.Debug != t.origDebug
}

// Commit writes the modified parts of the context back to the thread.
func (t *Trap) Commit() error {
	if t.Regs != t.origRegs {
		regs := t.Regs
		if err := t.Thread.SetRegisters(&regs); err != nil {
			return err
		}
		t.origRegs = t.Regs
	}
	if t.Debug != t.origDebug {
		if err := t.Thread.SetDebugRegisters(t.Debug); err != nil {
			return err
		}
		t.origDebug = t.Debug
	}
	return nil
}
