// Package proctest implements an in-memory process for testing code that
// runs against the proc interfaces.
package proctest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"

	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// Memory is a sparse address space made of mapped regions.
type Memory struct {
	mu      sync.Mutex
	regions []region
}

type region struct {
	addr uint64
	data []byte
}

// Map maps a zeroed region of size bytes at addr.
func (m *Memory) Map(addr uint64, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, region{addr: addr, data: make([]byte, size)})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].addr < m.regions[j].addr })
}

func (m *Memory) find(addr uint64, size int) ([]byte, bool) {
	for _, r := range m.regions {
		if addr >= r.addr && addr+uint64(size) <= r.addr+uint64(len(r.data)) {
			off := addr - r.addr
			return r.data[off : off+uint64(size)], true
		}
	}
	return nil, false
}

// ReadMemory implements proc.MemoryReader.
func (m *Memory) ReadMemory(buf []byte, addr uintptr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// reads may run off the end of a region, return what is mapped
	for n := len(buf); n > 0; n-- {
		if b, ok := m.find(uint64(addr), n); ok {
			return copy(buf, b), nil
		}
	}
	return 0, fmt.Errorf("unmapped address %#x", addr)
}

// Write stores data at addr, which must be mapped.
func (m *Memory) Write(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.find(addr, len(data))
	if !ok {
		panic(fmt.Sprintf("write to unmapped address %#x", addr))
	}
	copy(b, data)
}

// PutUint32 stores v at addr in little endian order.
func (m *Memory) PutUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.Write(addr, buf[:])
}

// PutUint64 stores v at addr in little endian order.
func (m *Memory) PutUint64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.Write(addr, buf[:])
}

// PutCString stores s followed by a NUL byte at addr.
func (m *Memory) PutCString(addr uint64, s string) {
	m.Write(addr, append([]byte(s), 0))
}

// Thread is a simulated thread. A thread is running unless Running is
// false; register access works in both states.
type Thread struct {
	ID  int
	Mem *Memory

	mu      sync.Mutex
	regs    proc.Registers
	debug   amd64util.Bank
	running bool

	// SuspendErr, if set, is returned by Suspend.
	SuspendErr error
	// Suspends and Resumes count the calls that changed the thread state.
	Suspends, Resumes int
}

// NewThread returns a running thread sharing mem.
func NewThread(id int, mem *Memory) *Thread {
	return &Thread{ID: id, Mem: mem, running: true}
}

func (t *Thread) ThreadID() int { return t.ID }

func (t *Thread) ReadMemory(buf []byte, addr uintptr) (int, error) {
	return t.Mem.ReadMemory(buf, addr)
}

func (t *Thread) Suspend() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SuspendErr != nil {
		return false, t.SuspendErr
	}
	if !t.running {
		return false, nil
	}
	t.running = false
	t.Suspends++
	return true, nil
}

func (t *Thread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("thread is not suspended")
	}
	t.running = true
	t.Resumes++
	return nil
}

// Running reports whether the thread is running.
func (t *Thread) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Stop marks the thread as stopped, as if it had reported a trap.
func (t *Thread) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

func (t *Thread) Registers() (*proc.Registers, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	regs := t.regs
	return &regs, nil
}

func (t *Thread) SetRegisters(regs *proc.Registers) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs = *regs
	return nil
}

func (t *Thread) DebugRegisters() (amd64util.Bank, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.debug, nil
}

func (t *Thread) SetDebugRegisters(bank amd64util.Bank) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debug = bank
	return nil
}

// UpdateRegisters calls fn with the thread's registers.
func (t *Thread) UpdateRegisters(fn func(*proc.Registers)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.regs)
}

// SignalBreakpoint sets the DR6 condition bit of register idx.
func (t *Thread) SignalBreakpoint(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debug[6] |= 1 << uint(idx)
}

// SignalSingleStep sets the DR6 single step bit.
func (t *Thread) SignalSingleStep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debug[6] |= 1 << 14
}

// Step is one scripted stop of a Process. It may modify memory and
// registers and returns the thread that stops and the signal it reports.
type Step func(p *Process) (*Thread, syscall.Signal)

// Process is a simulated process that replays a script of stops.
type Process struct {
	PID     int
	Mem     *Memory
	Threads []*Thread
	Steps   []Step

	// Delivered records the signals delivered to the target on resume.
	Delivered []syscall.Signal
	// Detached is set by Detach.
	Detached bool

	last *proc.Trap
}

// NewProcess returns a process with n running threads numbered from pid.
func NewProcess(pid, n int) *Process {
	p := &Process{PID: pid, Mem: new(Memory)}
	for i := 0; i < n; i++ {
		p.Threads = append(p.Threads, NewThread(pid+i, p.Mem))
	}
	return p
}

func (p *Process) Pid() int { return p.PID }

func (p *Process) ReadMemory(buf []byte, addr uintptr) (int, error) {
	return p.Mem.ReadMemory(buf, addr)
}

func (p *Process) ThreadList() []proc.Thread {
	r := make([]proc.Thread, 0, len(p.Threads))
	for _, th := range p.Threads {
		r = append(r, th)
	}
	return r
}

// Continue commits the previous trap and replays the next step. When the
// script is exhausted it reports that the process exited.
func (p *Process) Continue() (*proc.Trap, error) {
	if p.Detached {
		return nil, proc.ProcessDetachedError{}
	}
	if p.last != nil {
		if err := p.last.Commit(); err != nil {
			return nil, err
		}
		if p.last.Deliver {
			p.Delivered = append(p.Delivered, p.last.Signal)
		}
		p.last.Thread.(*Thread).mu.Lock()
		p.last.Thread.(*Thread).running = true
		p.last.Thread.(*Thread).mu.Unlock()
		p.last = nil
	}
	if len(p.Steps) == 0 {
		return nil, proc.ErrProcessExited{Pid: p.PID}
	}
	step := p.Steps[0]
	p.Steps = p.Steps[1:]
	th, sig := step(p)
	th.Stop()
	tr, err := proc.NewTrap(th, sig)
	if err != nil {
		return nil, err
	}
	p.last = tr
	return tr, nil
}

func (p *Process) Detach(kill bool) error {
	p.Detached = true
	return nil
}
