package proc

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// PtrSize is the size of a pointer on the only supported architecture.
const PtrSize = 8

// MemoryReader is like io.ReaderAt, but the offset is a uintptr so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uintptr) (n int, err error)
}

// ErrShortRead is returned when the target returned fewer bytes than
// requested.
var ErrShortRead = errors.New("short read from target memory")

// ReadFull reads exactly len(buf) bytes at addr.
func ReadFull(mem MemoryReader, buf []byte, addr uintptr) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrShortRead
	}
	return nil
}

// ReadUintRaw reads an unsigned little endian integer of the given size.
func ReadUintRaw(mem MemoryReader, addr uintptr, size int64) (uint64, error) {
	var n uint64

	val := make([]byte, int(size))
	if err := ReadFull(mem, val, addr); err != nil {
		return 0, err
	}

	switch size {
	case 1:
		n = uint64(val[0])
	case 2:
		n = uint64(binary.LittleEndian.Uint16(val))
	case 4:
		n = uint64(binary.LittleEndian.Uint32(val))
	case 8:
		n = binary.LittleEndian.Uint64(val)
	}

	return n, nil
}

// ReadCString reads a NUL terminated string of at most maxlen bytes.
// Strings that are not terminated within maxlen are truncated.
func ReadCString(mem MemoryReader, addr uintptr, maxlen int) (string, error) {
	if addr == 0 {
		return "", nil
	}
	buf := make([]byte, maxlen)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil && n == 0 {
		return "", err
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}
