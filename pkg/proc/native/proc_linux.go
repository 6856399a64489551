//go:build linux && amd64

package native

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// Process statuses
const (
	statusZombie = 'Z'
	// job control stop
	statusStopped = 'T'
)

const ptraceOptions = syscall.PTRACE_O_TRACECLONE

// Launch creates and begins debugging a new process. First entry in
// `cmd` is the program to run, and then rest are the arguments
// to be supplied to that process. `wd` is working directory of the program.
// If tty is not empty the process is attached to it as its controlling
// terminal.
func Launch(cmd []string, wd string, tty string) (*Process, error) {
	if len(cmd) == 0 {
		return nil, errors.New("no command to launch")
	}
	var (
		process *exec.Cmd
		err     error
	)

	dbp := newProcess(0)
	defer func() {
		if err == nil {
			return
		}
		if dbp.pid != 0 {
			_ = dbp.Detach(true)
		} else {
			dbp.postExit()
		}
	}()
	dbp.execPtraceFunc(func() {
		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if tty != "" {
			dbp.ctty, err = attachProcessToTTY(process, tty)
			if err != nil {
				return
			}
		}
		if wd != "" {
			process.Dir = wd
		}
		err = process.Start()
	})
	if err != nil {
		return nil, err
	}
	dbp.pid = process.Process.Pid
	dbp.childProcess = true
	_, _, err = dbp.wait(process.Process.Pid, 0)
	if err != nil {
		err = fmt.Errorf("waiting for target execve failed: %s", err)
		return nil, err
	}
	if err = dbp.initialize(); err != nil {
		return nil, err
	}
	return dbp, nil
}

// Attach to an existing process with the given PID.
func Attach(pid int) (*Process, error) {
	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	_, _, err = dbp.wait(dbp.pid, 0)
	if err != nil {
		dbp.postExit()
		return nil, err
	}

	if err := dbp.initialize(); err != nil {
		_ = dbp.Detach(false)
		return nil, err
	}
	return dbp, nil
}

func (dbp *Process) initialize() error {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", dbp.pid))
	if err != nil {
		return fmt.Errorf("could not read process name: %v", err)
	}
	dbp.comm = strings.ReplaceAll(strings.TrimSuffix(string(comm), "\n"), "%", "%%")
	return dbp.updateThreadList()
}

// Attach to a newly created thread, and store that thread in our list of
// known threads.
func (dbp *Process) addThread(tid int, attach bool) (*Thread, error) {
	if thread, ok := dbp.FindThread(tid); ok {
		return thread, nil
	}

	var err error
	if attach {
		dbp.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
		if err != nil && err != sys.EPERM {
			// Do not return err if err == EPERM,
			// we may already be tracing this thread due to
			// PTRACE_O_TRACECLONE. We will surely blow up later
			// if we truly don't have permissions.
			return nil, fmt.Errorf("could not attach to new thread %d %s", tid, err)
		}
		pid, status, err := dbp.waitFast(tid)
		if err != nil {
			return nil, err
		}
		if status.Exited() {
			return nil, fmt.Errorf("thread already exited %d", pid)
		}
	}

	dbp.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, ptraceOptions) })
	if err == syscall.ESRCH {
		if _, _, err = dbp.waitFast(tid); err != nil {
			return nil, fmt.Errorf("error while waiting after adding thread: %d %s", tid, err)
		}
		dbp.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, ptraceOptions) })
		if err == syscall.ESRCH {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("could not set options for new traced thread %d %s", tid, err)
		}
	}

	th := &Thread{ID: tid, dbp: dbp}
	dbp.threadsMu.Lock()
	dbp.threads[tid] = th
	if dbp.memthread == nil {
		dbp.memthread = th
	}
	dbp.threadsMu.Unlock()
	dbp.log.Debugf("new thread %d", tid)
	return th, nil
}

func (dbp *Process) updateThreadList() error {
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", dbp.pid))
	for _, tidpath := range tids {
		tidstr := filepath.Base(tidpath)
		tid, err := strconv.Atoi(tidstr)
		if err != nil {
			return err
		}
		if _, err := dbp.addThread(tid, tid != dbp.pid); err != nil {
			return err
		}
	}
	return nil
}

// inheritDebugRegisters copies the breakpoints of parent to a thread it
// just cloned: the kernel does not carry them over.
func (dbp *Process) inheritDebugRegisters(parent, th *Thread) error {
	bank, err := parent.DebugRegisters()
	if err != nil {
		return err
	}
	bank[6] = 0
	if bank == (amd64util.Bank{}) {
		return nil
	}
	return th.SetDebugRegisters(bank)
}

func (dbp *Process) threadSnapshot() []*Thread {
	dbp.threadsMu.Lock()
	defer dbp.threadsMu.Unlock()
	r := make([]*Thread, 0, len(dbp.threads))
	for _, th := range dbp.threads {
		r = append(r, th)
	}
	return r
}

func (dbp *Process) anyRunning() bool {
	dbp.threadsMu.Lock()
	defer dbp.threadsMu.Unlock()
	for _, th := range dbp.threads {
		if th.running {
			return true
		}
	}
	return false
}

// Continue commits the context of the previous trap, resumes the process
// and waits for the next thread to stop. When it returns every thread of
// the process is stopped.
func (dbp *Process) Continue() (*proc.Trap, error) {
	if _, err := dbp.Valid(); err != nil {
		return nil, err
	}
	if err := dbp.commitLast(); err != nil {
		return nil, err
	}

	for len(dbp.pending) > 0 {
		th := dbp.pending[0]
		dbp.pending = dbp.pending[1:]
		if _, ok := dbp.FindThread(th.ID); ok {
			return dbp.newTrap(th)
		}
	}

	if err := dbp.resume(); err != nil {
		return nil, err
	}
	trapthread, err := dbp.trapWait(-1, false)
	if err != nil {
		return nil, err
	}
	if err := dbp.stop(trapthread); err != nil {
		return nil, err
	}
	return dbp.newTrap(trapthread)
}

// commitLast writes back the context of the trap returned by the last
// call to Continue and schedules its signal for delivery.
func (dbp *Process) commitLast() error {
	last := dbp.last
	dbp.last = nil
	if last == nil {
		return nil
	}
	th := last.Thread.(*Thread)
	if _, ok := dbp.FindThread(th.ID); !ok {
		return nil
	}
	if last.Deliver {
		th.delayedSignal = int(last.Signal)
	}
	return last.Commit()
}

func (dbp *Process) newTrap(th *Thread) (*proc.Trap, error) {
	sig := sys.SIGTRAP
	if th.Status != nil && th.Status.Stopped() {
		sig = th.Status.StopSignal()
	}
	trap, err := proc.NewTrap(th, sig)
	if err != nil {
		return nil, err
	}
	if sig == sys.SIGSTOP && dbp.CheckAndClearManualStopRequest() {
		trap.Deliver = false
	}
	dbp.last = trap
	dbp.log.Debugf("thread %d stopped: %v %v", th.ID, trap.Kind, sig)
	return trap, nil
}

func (dbp *Process) resume() error {
	for _, th := range dbp.threadSnapshot() {
		if err := th.resume(); err != nil && err != sys.ESRCH {
			return err
		}
	}
	return nil
}

// stop stops all running threads. Threads that hit a debug exception
// while being stopped are queued in dbp.pending.
func (dbp *Process) stop(trapthread *Thread) error {
	for _, th := range dbp.threadSnapshot() {
		dbp.threadsMu.Lock()
		running := th.running
		dbp.threadsMu.Unlock()
		if !running {
			continue
		}
		if err := th.halt(); err != nil {
			if errors.Is(err, sys.ESRCH) {
				// thread exited
				dbp.deleteThread(th.ID)
				continue
			}
			return err
		}
	}

	for dbp.anyRunning() {
		th, err := dbp.trapWait(-1, true)
		if err != nil {
			return err
		}
		if th != nil && th != trapthread && th.Status.StopSignal() == sys.SIGTRAP {
			dbp.pending = append(dbp.pending, th)
		}
	}
	return nil
}

// trapWait waits for a thread to stop. If halt is set the process is being
// stopped: the SIGSTOP sent by stop is consumed and other signals are
// queued for delivery on the next resume.
func (dbp *Process) trapWait(pid int, halt bool) (*Thread, error) {
	for {
		wpid, status, err := dbp.wait(pid, 0)
		if err != nil {
			return nil, fmt.Errorf("wait err %s %d", err, pid)
		}
		if wpid == 0 {
			continue
		}
		th, ok := dbp.FindThread(wpid)
		if ok {
			th.Status = status
		}
		if status == nil || status.Exited() || status.Signaled() {
			if wpid == dbp.pid {
				dbp.postExit()
				exitStatus := 0
				if status != nil {
					exitStatus = status.ExitStatus()
					if status.Signaled() {
						exitStatus = -int(status.Signal())
					}
				}
				return nil, proc.ErrProcessExited{Pid: wpid, Status: exitStatus}
			}
			dbp.deleteThread(wpid)
			continue
		}
		if status.StopSignal() == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE {
			// A traced thread has cloned a new thread, grab the pid and
			// add it to our list of traced threads.
			var cloned uint
			dbp.execPtraceFunc(func() { cloned, err = sys.PtraceGetEventMsg(wpid) })
			if err != nil {
				if err == sys.ESRCH {
					// thread died while we were adding it
					continue
				}
				return nil, fmt.Errorf("could not get event message: %s", err)
			}
			newth, err := dbp.addThread(int(cloned), false)
			if err != nil {
				if err == sys.ESRCH {
					dbp.deleteThread(int(cloned))
					continue
				}
				return nil, err
			}
			if th != nil {
				if err := dbp.inheritDebugRegisters(th, newth); err != nil {
					dbp.log.Warnf("could not copy debug registers to thread %d: %v", newth.ID, err)
				}
			}
			if halt {
				newth.setRunning(false)
				if th != nil {
					th.setRunning(false)
				}
				return nil, nil
			}
			if err = newth.resume(); err != nil {
				if err == sys.ESRCH {
					dbp.deleteThread(newth.ID)
					continue
				}
				return nil, fmt.Errorf("could not continue new thread %d %s", cloned, err)
			}
			if th != nil {
				if err = th.resume(); err != nil && err != sys.ESRCH {
					return nil, fmt.Errorf("could not continue existing thread %d %s", wpid, err)
				}
			}
			continue
		}
		if th == nil {
			// Sometimes we get an unknown thread, ignore it?
			continue
		}
		sig := status.StopSignal()
		if sig == sys.SIGSTOP && th.expectStop {
			th.expectStop = false
			if halt {
				th.setRunning(false)
				return th, nil
			}
			// a stale stop from an earlier halt
			if err := th.resume(); err != nil && err != sys.ESRCH {
				return nil, err
			}
			continue
		}
		th.setRunning(false)
		if halt && sig != sys.SIGTRAP {
			// We are trying to stop the process, queue this signal to be
			// delivered to the thread when we resume.
			th.delayedSignal = int(sig)
		}
		return th, nil
	}
}

func status(pid int, comm string) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	rd := bufio.NewReader(f)

	var (
		p     int
		state rune
	)

	// The second field of /proc/pid/stat is the name of the task in parentheses.
	// The name of the task is the base name of the executable for this process limited to TASK_COMM_LEN characters
	// Since both parenthesis and spaces can appear inside the name of the task and no escaping happens we need to read the name of the executable first
	_, _ = fmt.Fscanf(rd, "%d ("+comm+")  %c", &p, &state)
	return state
}

// waitFast is like wait but does not handle process-exit correctly
func (dbp *Process) waitFast(pid int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(pid, &s, sys.WALL, nil)
	return wpid, &s, err
}

func (dbp *Process) wait(pid, options int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	if pid != dbp.pid || options != 0 {
		wpid, err := sys.Wait4(pid, &s, sys.WALL|options, nil)
		return wpid, &s, err
	}
	// If we call wait4/waitpid on a thread that is the leader of its group,
	// with options == 0, while ptracing and the thread leader has exited leaving
	// zombies of its own then waitpid hangs forever this is apparently intended
	// behaviour in the linux kernel because it's just so convenient.
	// Therefore we call wait4 in a loop with WNOHANG, sleeping a while between
	// calls and exiting when either wait4 succeeds or we find out that the thread
	// has become a zombie.
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WNOHANG|sys.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, err
		}
		if status(pid, dbp.comm) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// kill kills the target process.
func (dbp *Process) kill() error {
	if dbp.exited {
		return nil
	}
	if err := sys.Kill(-dbp.pid, sys.SIGKILL); err != nil {
		return errors.New("could not deliver signal " + err.Error())
	}
	// wait for other threads first or the thread group leader (dbp.pid) will never exit.
	for _, th := range dbp.threadSnapshot() {
		if th.ID != dbp.pid {
			dbp.wait(th.ID, 0)
		}
	}
	for {
		wpid, status, err := dbp.wait(dbp.pid, 0)
		if err != nil {
			return err
		}
		if status == nil || (wpid == dbp.pid && status.Signaled() && status.Signal() == sys.SIGKILL) {
			dbp.postExit()
			return nil
		}
	}
}

func (dbp *Process) requestManualStop() error {
	return sys.Tgkill(dbp.pid, dbp.pid, sys.SIGSTOP)
}

func (dbp *Process) detach(kill bool) error {
	for _, th := range dbp.threadSnapshot() {
		err := ptraceDetach(th.ID, th.delayedSignal)
		if err != nil {
			return err
		}
	}
	if kill {
		return nil
	}
	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	// We have to wait a bit here, then check if the main thread is stopped and
	// SIGCONT it if it is.
	time.Sleep(50 * time.Millisecond)
	if s := status(dbp.pid, dbp.comm); s == statusStopped {
		_ = sys.Kill(dbp.pid, sys.SIGCONT)
	}
	return nil
}

func killProcess(pid int) error {
	return sys.Kill(pid, sys.SIGINT)
}
