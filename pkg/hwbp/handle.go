package hwbp

// salts detects stale breakpoint handles. The salt of a slot changes every
// time the slot is released and the global salt changes on RemoveAll, a
// handle is current only if both still match the values it recorded.
type salts struct {
	global uint32
	slot   [NumSlots]uint32
}

func (s *salts) releaseSlot(i int) {
	s.slot[i]++
}

func (s *salts) releaseAll() {
	s.global++
}

// Handle refers to a breakpoint set through a Registry. A Handle becomes
// stale once the breakpoint it refers to is removed, even if the register
// is later reused by a different breakpoint.
//
// The zero value is a cleared handle.
type Handle struct {
	index      int // register index plus one, 0 when cleared
	globalSalt uint32
	slotSalt   uint32
}

// Index returns the register index recorded by the handle, or -1.
func (h Handle) Index() int {
	return h.index - 1
}

// Empty reports whether the handle does not refer to any breakpoint.
func (h Handle) Empty() bool {
	return h.index == 0
}

// SetIndex makes h refer to the breakpoint currently in register idx of r.
// A negative index clears the handle.
func (h *Handle) SetIndex(r *Registry, idx int) {
	if idx < 0 || idx >= NumSlots {
		*h = Handle{}
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h.index = idx + 1
	h.globalSalt = r.salts.global
	h.slotSalt = r.salts.slot[idx]
}

// IsCurrent reports whether the breakpoint h refers to is still set.
func (h Handle) IsCurrent(r *Registry) bool {
	if h.index == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.currentLocked(r)
}

func (h Handle) currentLocked(r *Registry) bool {
	i := h.index - 1
	return r.salts.global == h.globalSalt && r.salts.slot[i] == h.slotSalt
}

// Clear removes the breakpoint h refers to, if it is still current, and
// empties the handle. Clearing an empty or stale handle does nothing.
func (h *Handle) Clear(r *Registry) error {
	if h.index == 0 {
		return nil
	}
	defer func() { *h = Handle{} }()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !h.currentLocked(r) {
		return nil
	}
	_, err := r.removeLocked(h.index - 1)
	return err
}
