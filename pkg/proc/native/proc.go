//go:build linux && amd64

package native

import (
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/proc"
)

// Process represents all of the information the debugger
// is holding onto regarding the process we are debugging.
type Process struct {
	pid  int // Process Pid
	comm string

	// threadsMu guards threads and the running state of each thread, they
	// are read by the debug register driver from its own goroutine.
	threadsMu sync.Mutex
	// List of threads mapped as such: pid -> *Thread
	threads   map[int]*Thread
	memthread *Thread

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	childProcess bool // this process was launched, not attached to
	ctty         *os.File

	stopMu              sync.Mutex
	manualStopRequested bool

	// pending holds threads that reported a SIGTRAP while the process was
	// being stopped for another one. They are reported by the next calls
	// to Continue, before anything is resumed.
	pending []*Thread
	// last is the trap returned by the previous call to Continue.
	last *proc.Trap

	exited, detached bool

	log logflags.Logger
}

var _ proc.Process = (*Process)(nil)

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		threads:        make(map[int]*Thread),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.NativeLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// ThreadList returns a list of threads in the process, ordered by thread
// id.
func (dbp *Process) ThreadList() []proc.Thread {
	dbp.threadsMu.Lock()
	defer dbp.threadsMu.Unlock()
	r := make([]proc.Thread, 0, len(dbp.threads))
	for _, v := range dbp.threads {
		r = append(r, v)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ThreadID() < r[j].ThreadID() })
	return r
}

// FindThread attempts to find the thread with the specified ID.
func (dbp *Process) FindThread(threadID int) (*Thread, bool) {
	dbp.threadsMu.Lock()
	defer dbp.threadsMu.Unlock()
	th, ok := dbp.threads[threadID]
	return th, ok
}

func (dbp *Process) deleteThread(tid int) {
	dbp.threadsMu.Lock()
	defer dbp.threadsMu.Unlock()
	delete(dbp.threads, tid)
	if dbp.memthread != nil && dbp.memthread.ID == tid {
		dbp.memthread = nil
		for _, th := range dbp.threads {
			dbp.memthread = th
			break
		}
	}
}

// ReadMemory reads the memory of the target.
func (dbp *Process) ReadMemory(buf []byte, addr uintptr) (int, error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid}
	}
	dbp.threadsMu.Lock()
	th := dbp.memthread
	dbp.threadsMu.Unlock()
	if th == nil {
		return 0, proc.ErrProcessExited{Pid: dbp.pid}
	}
	return th.ReadMemory(buf, addr)
}

// Valid returns whether the process is still attached to and
// has not exited.
func (dbp *Process) Valid() (bool, error) {
	if dbp.detached {
		return false, proc.ProcessDetachedError{}
	}
	if dbp.exited {
		return false, proc.ErrProcessExited{Pid: dbp.Pid()}
	}
	return true, nil
}

// Detach from the process being debugged, optionally killing it.
func (dbp *Process) Detach(kill bool) (err error) {
	if dbp.exited {
		return nil
	}
	if err := dbp.commitLast(); err != nil {
		dbp.log.Warnf("could not restore thread context before detaching: %v", err)
	}
	if kill && dbp.childProcess {
		err := dbp.kill()
		if err != nil {
			return err
		}
		return nil
	}
	dbp.execPtraceFunc(func() {
		err = dbp.detach(kill)
		if err != nil {
			return
		}
		if kill {
			err = killProcess(dbp.pid)
		}
	})
	dbp.detached = true
	dbp.postExit()
	return
}

// RequestManualStop stops the target, the next call to Continue returns
// once it is stopped. It can be called from any goroutine.
func (dbp *Process) RequestManualStop() error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.Pid()}
	}
	dbp.stopMu.Lock()
	defer dbp.stopMu.Unlock()
	dbp.manualStopRequested = true
	return dbp.requestManualStop()
}

// CheckAndClearManualStopRequest checks if a manual stop has
// been requested, and then clears that state.
func (dbp *Process) CheckAndClearManualStopRequest() bool {
	dbp.stopMu.Lock()
	defer dbp.stopMu.Unlock()
	msr := dbp.manualStopRequested
	dbp.manualStopRequested = false
	return msr
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
	runtime.UnlockOSThread()
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) postExit() {
	dbp.exited = true
	close(dbp.ptraceChan)
	close(dbp.ptraceDoneChan)
	if dbp.ctty != nil {
		dbp.ctty.Close()
	}
}
