// Package interp reads the call stack of an interpreter running inside the
// target.
package interp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/hwwatch/pkg/proc"
)

// Frame is a frame of interpreted code.
type Frame struct {
	Scope    string // class or module the function belongs to
	Function string
	CodeBase uint64 // start of the function's bytecode
	Cursor   uint64 // next bytecode to execute
	Object   uint64 // object the function runs on, used for source lookup
}

// Offset returns the position of the cursor in the bytecode.
func (f Frame) Offset() uint64 {
	if f.Cursor < f.CodeBase {
		return 0
	}
	return f.Cursor - f.CodeBase
}

func (f Frame) String() string {
	name := f.Function
	if f.Scope != "" {
		name = f.Scope + "." + f.Function
	}
	return fmt.Sprintf("%s +%#x", name, f.Offset())
}

// FrameSource returns the interpreted frames of the target, innermost
// first.
type FrameSource interface {
	Frames(mem proc.MemoryReader) ([]Frame, error)
}

// Static is a FrameSource that always returns the same frames.
type Static []Frame

func (s Static) Frames(proc.MemoryReader) ([]Frame, error) {
	return append([]Frame(nil), s...), nil
}

// DefaultMaxFrames is the default depth limit of a Tracker.
const DefaultMaxFrames = 256

// maxNameLen is the longest scope or function name read from the target.
const maxNameLen = 256

// Tracker reads the frame list an interpreter keeps in memory. The list is
// linked from the innermost frame outwards, every record is made of six
// little endian words:
//
//	prev      address of the caller's record, 0 for the outermost frame
//	scope     NUL terminated scope name
//	function  NUL terminated function name
//	codeBase
//	cursor
//	object
//
// Head is the address of the variable holding the address of the innermost
// record.
type Tracker struct {
	Head     uint64
	MaxDepth int
}

const recordSize = 6 * proc.PtrSize

// ErrCorruptFrames is returned when the frame list cannot be followed.
var ErrCorruptFrames = errors.New("interpreted frame list is corrupt")

func (tr *Tracker) Frames(mem proc.MemoryReader) ([]Frame, error) {
	maxDepth := tr.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxFrames
	}
	p, err := proc.ReadUintRaw(mem, uintptr(tr.Head), proc.PtrSize)
	if err != nil {
		return nil, err
	}

	var frames []Frame
	var rec [recordSize]byte
	for p != 0 {
		if len(frames) >= maxDepth {
			return frames, fmt.Errorf("%w: more than %d frames", ErrCorruptFrames, maxDepth)
		}
		if err := proc.ReadFull(mem, rec[:], uintptr(p)); err != nil {
			return frames, fmt.Errorf("reading frame record at %#x: %v", p, err)
		}
		word := func(i int) uint64 {
			return binary.LittleEndian.Uint64(rec[i*proc.PtrSize:])
		}
		f := Frame{CodeBase: word(3), Cursor: word(4), Object: word(5)}
		if f.Scope, err = proc.ReadCString(mem, uintptr(word(1)), maxNameLen); err != nil {
			return frames, err
		}
		if f.Function, err = proc.ReadCString(mem, uintptr(word(2)), maxNameLen); err != nil {
			return frames, err
		}
		frames = append(frames, f)
		p = word(0)
	}
	return frames, nil
}
