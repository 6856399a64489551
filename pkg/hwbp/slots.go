package hwbp

import (
	"sync/atomic"

	"github.com/go-delve/hwwatch/pkg/proc"
	"github.com/go-delve/hwwatch/pkg/proc/amd64util"
)

// NumSlots is the number of hardware breakpoints that can be active at the
// same time.
const NumSlots = amd64util.NumDebugRegisters

// maxValueSize is the widest location a data breakpoint can watch.
const maxValueSize = 8

// Owner is a non-owning reference to the object a breakpoint was set for.
// Once the owner is dead its breakpoints stop firing and are removed the
// next time they trap.
type Owner interface {
	Alive() bool
}

// OwnerFunc adapts a function to the Owner interface.
type OwnerFunc func() bool

func (f OwnerFunc) Alive() bool { return f() }

// Lifetime is an Owner that stays alive until End is called.
type Lifetime struct {
	ended int32
}

// NewLifetime returns a live Lifetime.
func NewLifetime() *Lifetime {
	return &Lifetime{}
}

// End marks the lifetime as over.
func (l *Lifetime) End() {
	atomic.StoreInt32(&l.ended, 1)
}

func (l *Lifetime) Alive() bool {
	return atomic.LoadInt32(&l.ended) == 0
}

// Slot is the bookkeeping state of one hardware register.
type Slot struct {
	Address   uint64 // watched location, 0 when the slot is free
	Size      int
	Kind      amd64util.WatchKind
	LastValue [maxValueSize]byte
	Owner     Owner
	Condition Condition

	reserved bool
}

// Free reports whether the slot is unused.
func (s *Slot) Free() bool {
	return s.Address == 0 && !s.reserved
}

// Value returns the meaningful part of LastValue.
func (s *Slot) Value() []byte {
	return s.LastValue[:s.Size]
}

// SlotTable holds one Slot per hardware register, indexed by register
// number. It is not safe for concurrent use, Registry serializes access.
type SlotTable struct {
	slots [NumSlots]Slot
}

// Reserve marks the lowest free slot as in use and returns its index.
// Returns false if all slots are occupied.
func (t *SlotTable) Reserve() (int, bool) {
	for i := range t.slots {
		if t.slots[i].Free() {
			t.slots[i].reserved = true
			return i, true
		}
	}
	return -1, false
}

// cancel undoes a Reserve that was not followed by an assignment.
func (t *SlotTable) cancel(i int) {
	t.slots[i].reserved = false
}

// Get returns slot i, or nil if i is out of range.
func (t *SlotTable) Get(i int) *Slot {
	if i < 0 || i >= NumSlots {
		return nil
	}
	return &t.slots[i]
}

// Release frees slot i. Returns false if the slot was already free.
func (t *SlotTable) Release(i int) bool {
	s := t.Get(i)
	if s == nil || s.Free() {
		return false
	}
	*s = Slot{}
	return true
}

// ReleaseAll frees every slot.
func (t *SlotTable) ReleaseAll() {
	for i := range t.slots {
		t.slots[i] = Slot{}
	}
}

// RecordValue copies the current contents of the watched location of slot
// i into its LastValue.
func (t *SlotTable) RecordValue(i int, mem proc.MemoryReader) error {
	s := t.Get(i)
	if s == nil || s.Address == 0 {
		return ErrInvalidIndex
	}
	var buf [maxValueSize]byte
	if err := proc.ReadFull(mem, buf[:s.Size], uintptr(s.Address)); err != nil {
		return err
	}
	s.LastValue = buf
	return nil
}

// armed returns the indexes of the slots that are in use.
func (t *SlotTable) armed() []int {
	r := make([]int, 0, NumSlots)
	for i := range t.slots {
		if t.slots[i].Address != 0 {
			r = append(r, i)
		}
	}
	return r
}
