package hwbp

import (
	"sort"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/driver"
	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
	"github.com/go-delve/hwwatch/pkg/proc/proctest"
)

const cell = 0x1100

func newTestRegistry(t *testing.T) (*Registry, *proctest.Process) {
	p := proctest.NewProcess(100, 2)
	p.Mem.Map(0x1000, 0x1000)
	drv := driver.New(p)
	t.Cleanup(drv.Close)
	return NewRegistry(drv, p), p
}

// stop stops th on a debug exception. idx is the register that fired, or
// -1 for a single step.
func stop(t *testing.T, th *proctest.Thread, idx int) *proc.Trap {
	th.Stop()
	if idx >= 0 {
		th.SignalBreakpoint(idx)
	} else {
		th.SignalSingleStep()
	}
	tr, err := proc.NewTrap(th, syscall.SIGTRAP)
	require.NoError(t, err)
	require.Equal(t, proc.TrapSingleStep, tr.Kind)
	return tr
}

func resume(t *testing.T, tr *proc.Trap) {
	require.NoError(t, tr.Commit())
	require.NoError(t, tr.Thread.(*proctest.Thread).Resume())
}

func TestCapacity(t *testing.T) {
	reg, p := newTestRegistry(t)

	for i := 0; i < NumSlots; i++ {
		idx, err := reg.SetDataBreakpoint(uint64(cell+i*8), 8, nil)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	anySet, err := reg.AnySet()
	require.NoError(t, err)
	assert.True(t, anySet)
	for i := 0; i < NumSlots; i++ {
		set, err := reg.IsSet(i)
		require.NoError(t, err)
		assert.True(t, set, "register %d", i)
	}

	idx, err := reg.SetDataBreakpoint(0x1800, 8, nil)
	assert.Equal(t, -1, idx)
	assert.ErrorIs(t, err, ErrNoFreeRegister)

	for i := 0; i < NumSlots; i++ {
		s, ok := reg.Slot(i)
		require.True(t, ok)
		assert.Equal(t, uint64(cell+i*8), s.Address)
		for _, th := range p.Threads {
			bank, _ := th.DebugRegisters()
			addr, kind, sz, ok := bank.Registers().Breakpoint(uint8(i))
			assert.True(t, ok)
			assert.Equal(t, uint64(cell+i*8), addr)
			assert.Equal(t, amd64util.WatchWrite, kind)
			assert.Equal(t, 8, sz)
		}
	}
}

func TestWatchSize(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for _, tc := range []struct{ in, want int }{{1, 1}, {2, 2}, {3, 2}, {4, 4}, {7, 4}, {8, 8}, {16, 8}} {
		idx, err := reg.SetDataBreakpoint(cell, tc.in, nil)
		require.NoError(t, err)
		s, _ := reg.Slot(idx)
		assert.Equal(t, tc.want, s.Size, "size %d", tc.in)
		_, err = reg.RemoveBreakpoint(idx)
		require.NoError(t, err)
	}

	_, err := reg.SetDataBreakpoint(cell, 0, nil)
	assert.Error(t, err)
}

func TestNilAddress(t *testing.T) {
	reg, _ := newTestRegistry(t)

	idx, err := reg.SetDataBreakpoint(0, 4, nil)
	assert.Equal(t, -1, idx)
	assert.ErrorIs(t, err, ErrNilAddress)

	idx, err = reg.SetDataBreakpointWithCondition(0, Typed(func(old, new int32) bool { return true }), nil)
	assert.Equal(t, -1, idx)
	assert.ErrorIs(t, err, ErrNilAddress)

	_, err = reg.SetFunctionBreakpoint(NativeFunction{})
	assert.ErrorIs(t, err, ErrNilAddress)

	anySet, err := reg.AnySet()
	require.NoError(t, err)
	assert.False(t, anySet)
	assert.Empty(t, reg.Breakpoints())
}

func TestRecordsInitialValue(t *testing.T) {
	reg, p := newTestRegistry(t)
	p.Mem.PutUint32(cell, 42)

	idx, err := reg.SetDataBreakpoint(cell, 4, nil)
	require.NoError(t, err)
	s, _ := reg.Slot(idx)
	assert.Equal(t, []byte{42, 0, 0, 0}, s.Value())
}

func TestFunctionBreakpointKinds(t *testing.T) {
	reg, p := newTestRegistry(t)

	native, err := reg.SetFunctionBreakpoint(NativeFunction{Entry: 0x400100})
	require.NoError(t, err)
	script, err := reg.SetFunctionBreakpoint(ScriptFunction{CodeBase: 0x5000})
	require.NoError(t, err)

	bank, _ := p.Threads[1].DebugRegisters()
	addr, kind, sz, ok := bank.Registers().Breakpoint(uint8(native))
	require.True(t, ok)
	assert.Equal(t, uint64(0x400100), addr)
	assert.Equal(t, amd64util.WatchExecute, kind)
	assert.Equal(t, 1, sz)

	addr, kind, _, ok = bank.Registers().Breakpoint(uint8(script))
	require.True(t, ok)
	assert.Equal(t, uint64(0x5000), addr)
	assert.Equal(t, amd64util.WatchReadWrite, kind)
}

func TestRemoveIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	idx, err := reg.SetDataBreakpoint(cell, 4, nil)
	require.NoError(t, err)

	changed, err := reg.RemoveBreakpoint(idx)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = reg.RemoveBreakpoint(idx)
	require.NoError(t, err)
	assert.False(t, changed)

	set, err := reg.IsSet(idx)
	require.NoError(t, err)
	assert.False(t, set)

	_, err = reg.RemoveBreakpoint(NumSlots)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestHandleReuse(t *testing.T) {
	reg, _ := newTestRegistry(t)

	idx, err := reg.SetDataBreakpoint(cell, 4, nil)
	require.NoError(t, err)
	var old Handle
	old.SetIndex(reg, idx)
	assert.True(t, old.IsCurrent(reg))

	_, err = reg.RemoveBreakpoint(idx)
	require.NoError(t, err)
	assert.False(t, old.IsCurrent(reg))

	idx2, err := reg.SetDataBreakpoint(cell+8, 4, nil)
	require.NoError(t, err)
	require.Equal(t, idx, idx2)
	var cur Handle
	cur.SetIndex(reg, idx2)

	assert.Equal(t, old.Index(), cur.Index())
	assert.False(t, old.IsCurrent(reg))
	assert.True(t, cur.IsCurrent(reg))

	// clearing the stale handle leaves the new breakpoint alone
	require.NoError(t, old.Clear(reg))
	assert.True(t, old.Empty())
	set, err := reg.IsSet(idx2)
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, cur.Clear(reg))
	set, err = reg.IsSet(idx2)
	require.NoError(t, err)
	assert.False(t, set)
	require.NoError(t, cur.Clear(reg))
}

func TestRemoveAllInvalidatesHandles(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var handles []Handle
	for i := 0; i < 3; i++ {
		idx, err := reg.SetDataBreakpoint(uint64(cell+i*8), 4, nil)
		require.NoError(t, err)
		var h Handle
		h.SetIndex(reg, idx)
		handles = append(handles, h)
	}

	changed, err := reg.RemoveAll()
	require.NoError(t, err)
	assert.True(t, changed)

	for _, h := range handles {
		assert.False(t, h.IsCurrent(reg))
	}
	anySet, err := reg.AnySet()
	require.NoError(t, err)
	assert.False(t, anySet)

	// registers freed by RemoveAll get reused, old handles stay stale
	idx, err := reg.SetDataBreakpoint(cell, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.False(t, handles[0].IsCurrent(reg))
}

func TestEmptyHandle(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var h Handle
	assert.True(t, h.Empty())
	assert.Equal(t, -1, h.Index())
	assert.False(t, h.IsCurrent(reg))
	assert.NoError(t, h.Clear(reg))

	h.SetIndex(reg, -1)
	assert.True(t, h.Empty())
}

func TestConcurrentSetDataBreakpoint(t *testing.T) {
	reg, p := newTestRegistry(t)

	const callers = NumSlots + 1
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		indexes []int
		full    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := reg.SetDataBreakpoint(uint64(cell+i*8), 8, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrNoFreeRegister)
				full++
				return
			}
			indexes = append(indexes, idx)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, full)
	sort.Ints(indexes)
	assert.Equal(t, []int{0, 1, 2, 3}, indexes)

	// every slot and its debug register describe the same location
	for _, idx := range indexes {
		s, ok := reg.Slot(idx)
		require.True(t, ok)
		for _, th := range p.Threads {
			bank, _ := th.DebugRegisters()
			addr, _, _, ok := bank.Registers().Breakpoint(uint8(idx))
			assert.True(t, ok)
			assert.Equal(t, s.Address, addr, "register %d", idx)
		}
	}
}
