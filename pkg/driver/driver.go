// Package driver reads and writes the debug registers of target threads.
//
// Every operation is executed by a single worker goroutine: the caller
// sends a request and blocks until the worker has suspended each affected
// thread, rewritten its debug register context and resumed it. Requests
// are therefore fully serialized and a thread's context is never modified
// while the thread is running.
package driver

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// ErrNoFreeRegister is returned by Arm when every debug register is in use.
var ErrNoFreeRegister = errors.New("no free hardware debug register")

// ErrClosed is returned by operations on a closed driver.
var ErrClosed = errors.New("debug register driver closed")

// ErrNoThreads is returned when the target has no thread to operate on.
var ErrNoThreads = errors.New("target has no threads")

// UnavailableError is returned when a thread could not be suspended,
// resumed, or have its debug registers accessed. It usually means the
// thread or the whole target is gone.
type UnavailableError struct {
	ThreadID int
	Op       string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("could not %s thread %d: %v", e.Op, e.ThreadID, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

type request struct {
	fn   func() error
	done chan error
}

type worker struct {
	reqs   chan *request
	closed chan struct{}
}

func (w *worker) serve() {
	// backends that use ptrace require every call for a thread to come
	// from the same OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case req := <-w.reqs:
			req.done <- req.fn()
		case <-w.closed:
			return
		}
	}
}

// Driver performs debug register operations on the threads of a target.
type Driver struct {
	target proc.Target
	w      *worker
	skip   int
	log    logflags.Logger
}

// New returns a driver for target and starts its worker. Close must be
// called to stop the worker.
func New(target proc.Target) *Driver {
	w := &worker{
		reqs:   make(chan *request),
		closed: make(chan struct{}),
	}
	go w.serve()
	return &Driver{target: target, w: w, skip: -1, log: logflags.DriverLogger()}
}

// Close stops the worker. Pending and later operations return ErrClosed.
func (d *Driver) Close() {
	select {
	case <-d.w.closed:
	default:
		close(d.w.closed)
	}
}

// Except returns a driver that shares d's worker but leaves the thread
// with the given id untouched. It is used while that thread is stopped on
// a trap and its context is being edited directly.
func (d *Driver) Except(tid int) *Driver {
	d2 := *d
	d2.skip = tid
	return &d2
}

func (d *Driver) exec(fn func() error) error {
	select {
	case <-d.w.closed:
		return ErrClosed
	default:
	}
	req := &request{fn: fn, done: make(chan error, 1)}
	select {
	case d.w.reqs <- req:
	case <-d.w.closed:
		return ErrClosed
	}
	return <-req.done
}

func (d *Driver) threads() []proc.Thread {
	all := d.target.ThreadList()
	r := make([]proc.Thread, 0, len(all))
	for _, th := range all {
		if th.ThreadID() == d.skip {
			continue
		}
		r = append(r, th)
	}
	return r
}

// withDebugRegisters suspends th, calls f with a view of its debug
// registers, writes them back if f changed them and resumes th.
func withDebugRegisters(th proc.Thread, f func(*amd64util.DebugRegisters) error) (err error) {
	suspended, err := th.Suspend()
	if err != nil {
		return &UnavailableError{ThreadID: th.ThreadID(), Op: "suspend", Err: err}
	}
	if suspended {
		defer func() {
			if rerr := th.Resume(); rerr != nil && err == nil {
				err = &UnavailableError{ThreadID: th.ThreadID(), Op: "resume", Err: rerr}
			}
		}()
	}

	bank, err := th.DebugRegisters()
	if err != nil {
		return &UnavailableError{ThreadID: th.ThreadID(), Op: "read debug registers of", Err: err}
	}
	drs := bank.Registers()
	if err := f(drs); err != nil {
		return err
	}
	if drs.Dirty {
		if err := th.SetDebugRegisters(bank); err != nil {
			return &UnavailableError{ThreadID: th.ThreadID(), Op: "write debug registers of", Err: err}
		}
	}
	return nil
}

// Arm sets a hardware breakpoint of the given kind and size on addr, on
// every thread, using the lowest register that is free on all of them.
// Returns -1 and ErrNoFreeRegister if there is none.
func (d *Driver) Arm(kind amd64util.WatchKind, size int, addr uint64) (int, error) {
	idx := -1
	err := d.exec(func() error {
		threads := d.threads()
		if len(threads) == 0 {
			return ErrNoThreads
		}

		// union has the enable bits of every thread
		var union amd64util.Bank
		for _, th := range threads {
			err := withDebugRegisters(th, func(drs *amd64util.DebugRegisters) error {
				union[7] |= drs.Control()
				return nil
			})
			if err != nil {
				return err
			}
		}
		free, ok := union.Registers().FreeIndex()
		if !ok {
			return ErrNoFreeRegister
		}

		if err := armAt(threads, int(free), kind, size, addr); err != nil {
			return err
		}
		idx = int(free)
		return nil
	})
	if err != nil {
		d.log.Debugf("arm %v size %d at %#x: %v", kind, size, addr, err)
		return -1, err
	}
	d.log.Debugf("armed DR%d: %v size %d at %#x", idx, kind, size, addr)
	return idx, nil
}

// ArmAt sets a hardware breakpoint in register idx on every thread. It
// fails if the register is in use with different parameters on any of
// them.
func (d *Driver) ArmAt(idx int, kind amd64util.WatchKind, size int, addr uint64) error {
	if idx < 0 || idx >= amd64util.NumDebugRegisters {
		return fmt.Errorf("invalid debug register %d", idx)
	}
	err := d.exec(func() error {
		return armAt(d.threads(), idx, kind, size, addr)
	})
	d.log.Debugf("arm DR%d: %v size %d at %#x: err=%v", idx, kind, size, addr, err)
	return err
}

func armAt(threads []proc.Thread, idx int, kind amd64util.WatchKind, size int, addr uint64) error {
	for i, th := range threads {
		err := withDebugRegisters(th, func(drs *amd64util.DebugRegisters) error {
			return drs.SetBreakpoint(uint8(idx), addr, kind, size)
		})
		if err != nil {
			for _, done := range threads[:i] {
				_ = withDebugRegisters(done, func(drs *amd64util.DebugRegisters) error {
					drs.ClearBreakpoint(uint8(idx))
					return nil
				})
			}
			return err
		}
	}
	return nil
}

// Disarm zeroes register idx and clears its enable bit on every thread.
// Reports whether anything changed.
func (d *Driver) Disarm(idx int) (bool, error) {
	if idx < 0 || idx >= amd64util.NumDebugRegisters {
		return false, nil
	}
	changed := false
	err := d.exec(func() error {
		for _, th := range d.threads() {
			err := withDebugRegisters(th, func(drs *amd64util.DebugRegisters) error {
				if drs.ClearBreakpoint(uint8(idx)) {
					changed = true
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	d.log.Debugf("disarm DR%d: changed=%v err=%v", idx, changed, err)
	return changed, err
}

// DisarmAll disarms every register on every thread. Reports whether
// anything changed.
func (d *Driver) DisarmAll() (bool, error) {
	changed := false
	err := d.exec(func() error {
		for _, th := range d.threads() {
			err := withDebugRegisters(th, func(drs *amd64util.DebugRegisters) error {
				for i := uint8(0); i < amd64util.NumDebugRegisters; i++ {
					if drs.ClearBreakpoint(i) {
						changed = true
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	d.log.Debugf("disarm all: changed=%v err=%v", changed, err)
	return changed, err
}

// read runs f on the debug registers of the first thread.
func (d *Driver) read(f func(*amd64util.DebugRegisters)) error {
	return d.exec(func() error {
		threads := d.threads()
		if len(threads) == 0 {
			return ErrNoThreads
		}
		return withDebugRegisters(threads[0], func(drs *amd64util.DebugRegisters) error {
			f(drs)
			return nil
		})
	})
}

// IsArmed reports whether register idx is enabled.
func (d *Driver) IsArmed(idx int) (bool, error) {
	if idx < 0 || idx >= amd64util.NumDebugRegisters {
		return false, nil
	}
	armed := false
	err := d.read(func(drs *amd64util.DebugRegisters) {
		armed = drs.Enabled(uint8(idx))
	})
	return armed, err
}

// AnyArmed reports whether any register is enabled.
func (d *Driver) AnyArmed() (bool, error) {
	armed := false
	err := d.read(func(drs *amd64util.DebugRegisters) {
		armed = drs.AnyEnabled()
	})
	return armed, err
}
