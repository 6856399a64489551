package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/proc/proctest"
)

const head = 0x1000

func putRecord(mem *proctest.Memory, addr, prev, scope, fn, codeBase, cursor, object uint64) {
	for i, w := range []uint64{prev, scope, fn, codeBase, cursor, object} {
		mem.PutUint64(addr+uint64(i*8), w)
	}
}

func TestTrackerFrames(t *testing.T) {
	mem := new(proctest.Memory)
	mem.Map(0x1000, 0x1000)
	mem.PutCString(0x1800, "Game")
	mem.PutCString(0x1810, "Tick")
	mem.PutCString(0x1820, "OnHit")

	putRecord(mem, 0x1100, 0, 0x1800, 0x1810, 0x5000, 0x5010, 0x9000)
	putRecord(mem, 0x1200, 0x1100, 0x1800, 0x1820, 0x6000, 0x6004, 0x9000)
	mem.PutUint64(head, 0x1200)

	tr := &Tracker{Head: head}
	frames, err := tr.Frames(mem)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, Frame{Scope: "Game", Function: "OnHit", CodeBase: 0x6000, Cursor: 0x6004, Object: 0x9000}, frames[0])
	assert.Equal(t, "Tick", frames[1].Function)
	assert.Equal(t, uint64(0x10), frames[1].Offset())
	assert.Equal(t, "Game.OnHit +0x4", frames[0].String())
}

func TestTrackerEmpty(t *testing.T) {
	mem := new(proctest.Memory)
	mem.Map(0x1000, 0x100)

	frames, err := (&Tracker{Head: head}).Frames(mem)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestTrackerCycle(t *testing.T) {
	mem := new(proctest.Memory)
	mem.Map(0x1000, 0x1000)
	putRecord(mem, 0x1100, 0x1100, 0, 0, 0x5000, 0x5000, 0)
	mem.PutUint64(head, 0x1100)

	frames, err := (&Tracker{Head: head, MaxDepth: 10}).Frames(mem)
	assert.ErrorIs(t, err, ErrCorruptFrames)
	assert.Len(t, frames, 10)
}

func TestTrackerUnmapped(t *testing.T) {
	mem := new(proctest.Memory)
	mem.Map(0x1000, 0x100)
	mem.PutUint64(head, 0x8000)

	_, err := (&Tracker{Head: head}).Frames(mem)
	assert.Error(t, err)
}
