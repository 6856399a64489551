//go:build linux && amd64

package native

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// errThreadRunning is returned by Suspend: threads of a native process are
// only stopped and resumed as a group by Continue.
var errThreadRunning = errors.New("thread is running")

// Thread represents a single thread in the traced process
// ID represents the thread id or port, Process holds a reference to the
// Process struct that contains info on the process as
// a whole, and Status represents the last result of a `wait` call
// on this thread.
type Thread struct {
	ID     int
	Status *sys.WaitStatus

	dbp     *Process
	running bool
	// expectStop is set when we sent the thread a SIGSTOP that has not been
	// observed yet.
	expectStop bool
	// delayedSignal is delivered to the thread the next time it is
	// resumed.
	delayedSignal int
}

var _ proc.Thread = (*Thread)(nil)

// ThreadID returns the ID of this thread.
func (t *Thread) ThreadID() int {
	return t.ID
}

func (t *Thread) setRunning(running bool) {
	t.dbp.threadsMu.Lock()
	t.running = running
	t.dbp.threadsMu.Unlock()
}

// Suspend reports whether it stopped the thread. Threads of a native
// process are stopped together, by Continue, so Suspend never stops a
// thread: it succeeds without doing anything if the thread is already
// stopped and fails otherwise.
func (t *Thread) Suspend() (bool, error) {
	if t.dbp.exited {
		return false, proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	t.dbp.threadsMu.Lock()
	defer t.dbp.threadsMu.Unlock()
	if t.running {
		return false, errThreadRunning
	}
	return false, nil
}

// Resume undoes a Suspend, which never stops a native thread.
func (t *Thread) Resume() error {
	return fmt.Errorf("thread %d was not suspended by Suspend", t.ID)
}

func (t *Thread) halt() (err error) {
	err = sys.Tgkill(t.dbp.pid, t.ID, sys.SIGSTOP)
	if err != nil {
		err = fmt.Errorf("halt err %w on thread %d", err, t.ID)
		return
	}
	t.expectStop = true
	return
}

func (t *Thread) resume() error {
	sig := t.delayedSignal
	t.delayedSignal = 0
	return t.resumeWithSig(sig)
}

func (t *Thread) resumeWithSig(sig int) (err error) {
	t.setRunning(true)
	t.dbp.execPtraceFunc(func() { err = ptraceCont(t.ID, sig) })
	return
}

// ReadMemory reads the memory of the thread's address space.
func (t *Thread) ReadMemory(data []byte, addr uintptr) (n int, err error) {
	if t.dbp.exited {
		return 0, proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	if len(data) == 0 {
		return
	}
	n, err = processVmRead(t.ID, addr, data)
	if err == nil && n == len(data) {
		return n, nil
	}
	t.dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(t.ID, addr, data) })
	return
}

// Registers returns the general purpose registers of the stopped thread.
func (t *Thread) Registers() (*proc.Registers, error) {
	if t.dbp.exited {
		return nil, proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	var regs sys.PtraceRegs
	var err error
	t.dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(t.ID, &regs) })
	if err != nil {
		return nil, fmt.Errorf("could not read registers of thread %d: %v", t.ID, err)
	}
	return fromPtraceRegs(&regs), nil
}

// SetRegisters writes the general purpose registers of the stopped
// thread. Segment and base registers are left alone.
func (t *Thread) SetRegisters(r *proc.Registers) error {
	if t.dbp.exited {
		return proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	var err error
	t.dbp.execPtraceFunc(func() {
		var regs sys.PtraceRegs
		err = sys.PtraceGetRegs(t.ID, &regs)
		if err != nil {
			return
		}
		toPtraceRegs(r, &regs)
		err = sys.PtraceSetRegs(t.ID, &regs)
	})
	return err
}

// DebugRegisters returns DR0 through DR7 of the stopped thread.
func (t *Thread) DebugRegisters() (amd64util.Bank, error) {
	var bank amd64util.Bank
	if t.dbp.exited {
		return bank, proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	var err error
	t.dbp.execPtraceFunc(func() {
		debugregs := [8]uint64(bank)
		err = peekDebugRegisters(t.ID, &debugregs)
		bank = amd64util.Bank(debugregs)
	})
	return bank, err
}

// SetDebugRegisters writes DR0 through DR7 of the stopped thread.
func (t *Thread) SetDebugRegisters(bank amd64util.Bank) error {
	if t.dbp.exited {
		return proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	var err error
	t.dbp.execPtraceFunc(func() {
		debugregs := [8]uint64(bank)
		err = pokeDebugRegisters(t.ID, &debugregs)
	})
	return err
}
