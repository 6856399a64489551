// Package frame parses the call frame information of the .debug_frame
// and .eh_frame sections and computes, for any covered address, how to
// recover the canonical frame address and the registers of the caller.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-delve/hwwatch/pkg/dwarf/leb128"
)

type parsefunc func(*parseContext) parsefunc

type parseContext struct {
	staticBase uint64

	buf      *bytes.Buffer
	totalLen int
	entries  FrameDescriptionEntries
	ciemap   map[int]*CommonInformationEntry
	common   *CommonInformationEntry
	frame    *FrameDescriptionEntry
	length   uint32
	ptrSize  int

	// ehFrameAddr is the address of the .eh_frame section, zero when
	// parsing .debug_frame.
	ehFrameAddr uint64

	err error
}

// Parse takes in data (a byte slice) and returns FrameDescriptionEntries
// sorted by address. Each FrameDescriptionEntry has a pointer to its
// CommonInformationEntry. ehFrameAddr is the address of the section when
// data is an .eh_frame section and zero for .debug_frame.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{
			buf:         buf,
			totalLen:    len(data),
			ciemap:      make(map[int]*CommonInformationEntry),
			staticBase:  staticBase,
			ptrSize:     ptrSize,
			ehFrameAddr: ehFrameAddr,
		}
	)

	for fn := parselength; buf.Len() != 0; {
		fn = fn(pctx)
		if pctx.err != nil {
			return nil, pctx.err
		}
	}

	for i := range pctx.entries {
		pctx.entries[i].order = order
	}
	sort.SliceStable(pctx.entries, func(i, j int) bool {
		return pctx.entries[i].Begin() < pctx.entries[j].Begin()
	})
	return pctx.entries, nil
}

func (ctx *parseContext) offset() int {
	return ctx.totalLen - ctx.buf.Len()
}

func (ctx *parseContext) parsingEHFrame() bool {
	return ctx.ehFrameAddr > 0
}

func (ctx *parseContext) cieEntry(id uint32) bool {
	if ctx.parsingEHFrame() {
		return id == 0
	}
	return id == 0xffffffff
}

func parselength(ctx *parseContext) parsefunc {
	start := ctx.offset()
	if ctx.buf.Len() < 4 {
		// padding at the end of the section
		ctx.buf.Next(ctx.buf.Len())
		return parselength
	}
	ctx.length = binary.LittleEndian.Uint32(ctx.buf.Next(4))

	switch {
	case ctx.length == 0:
		// ZERO terminator
		return parselength
	case ctx.length == 0xffffffff:
		ctx.err = errors.New("64-bit DWARF call frame information is not supported")
		return nil
	case ctx.length < 4 || int(ctx.length) > ctx.buf.Len():
		ctx.err = fmt.Errorf("call frame entry at %#x overflows the section", start)
		return nil
	}

	idOff := ctx.offset()
	id := binary.LittleEndian.Uint32(ctx.buf.Next(4))
	ctx.length -= 4 // take off the length of the CIE id / CIE pointer.

	if ctx.cieEntry(id) {
		ctx.common = &CommonInformationEntry{Length: ctx.length, staticBase: ctx.staticBase, ptrEncAddr: ptrEncAbs}
		ctx.ciemap[start] = ctx.common
		return parseCIE
	}

	cieOff := int(id)
	if ctx.parsingEHFrame() {
		// relative to the CIE pointer itself
		cieOff = idOff - int(id)
	}
	cie, ok := ctx.ciemap[cieOff]
	if !ok {
		ctx.err = fmt.Errorf("FDE at %#x refers to unknown CIE at %#x", start, cieOff)
		return nil
	}
	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: cie}
	return parseFDE
}

func parseFDE(ctx *parseContext) parsefunc {
	fieldAddr := ctx.ehFrameAddr + uint64(ctx.offset())
	r := ctx.buf.Next(int(ctx.length))
	reader := bytes.NewReader(r)

	enc := ctx.frame.CIE.ptrEncAddr
	ctx.frame.begin = ctx.readEncodedPtr(fieldAddr, reader, enc) + ctx.staticBase
	// the size of the range is never relative to anything
	ctx.frame.size = ctx.readEncodedPtr(0, reader, enc&0x0f)

	if strings.HasPrefix(ctx.frame.CIE.Augmentation, "z") {
		n, _ := leb128.DecodeUnsigned(reader)
		if _, err := reader.Seek(int64(n), io.SeekCurrent); err != nil {
			ctx.err = err
			return nil
		}
	}

	// the rest of the entry is the unwind program
	ctx.frame.Instructions = r[len(r)-reader.Len():]
	ctx.entries = append(ctx.entries, ctx.frame)
	ctx.length = 0

	return parselength
}

func parseCIE(ctx *parseContext) parsefunc {
	data := ctx.buf.Next(int(ctx.length))
	buf := bytes.NewBuffer(data)
	common := ctx.common

	common.Version, _ = buf.ReadByte()
	common.Augmentation = parseString(buf)
	if common.Version >= 4 {
		// address_size and segment_selector_size
		buf.Next(2)
	}
	common.CodeAlignmentFactor, _ = leb128.DecodeUnsigned(buf)
	common.DataAlignmentFactor, _ = leb128.DecodeSigned(buf)
	if common.Version == 1 {
		b, _ := buf.ReadByte()
		common.ReturnAddressRegister = uint64(b)
	} else {
		common.ReturnAddressRegister, _ = leb128.DecodeUnsigned(buf)
	}

	if strings.HasPrefix(common.Augmentation, "z") {
		n, _ := leb128.DecodeUnsigned(buf)
		aug := bytes.NewBuffer(buf.Next(int(n)))
	augLoop:
		for _, c := range common.Augmentation[1:] {
			switch c {
			case 'R':
				b, _ := aug.ReadByte()
				common.ptrEncAddr = ptrEnc(b)
				if !common.ptrEncAddr.Supported() {
					ctx.err = fmt.Errorf("pointer encoding %#x is not supported", b)
					return nil
				}
			case 'P':
				// personality routine, not needed to unwind
				b, _ := aug.ReadByte()
				ctx.readEncodedPtr(0, aug, ptrEnc(b)&^ptrEncIndirect)
			case 'L':
				aug.ReadByte()
			case 'S':
			default:
				// the augmentation data was skipped as a whole
				break augLoop
			}
		}
	}

	common.InitialInstructions = buf.Bytes()
	ctx.length = 0

	return parselength
}

// readEncodedPtr reads a pointer from buf encoded as ptrEnc says. addr is
// the address the pointer was read from.
func (ctx *parseContext) readEncodedPtr(addr uint64, buf leb128.Reader, ptrEnc ptrEnc) uint64 {
	if ptrEnc == ptrEncOmit {
		return 0
	}

	var ptr uint64
	switch ptrEnc & 0xf {
	case ptrEncAbs, ptrEncSigned:
		ptr = readUint(buf, ctx.ptrSize)
	case ptrEncUleb:
		ptr, _ = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		ptr = readUint(buf, 2)
	case ptrEncSdata2:
		ptr = uint64(int16(readUint(buf, 2)))
	case ptrEncUdata4:
		ptr = readUint(buf, 4)
	case ptrEncSdata4:
		ptr = uint64(int32(readUint(buf, 4)))
	case ptrEncUdata8, ptrEncSdata8:
		ptr = readUint(buf, 8)
	case ptrEncSleb:
		n, _ := leb128.DecodeSigned(buf)
		ptr = uint64(n)
	}

	if ptrEnc&ptrEncFlagsMask == ptrEncPCRel {
		ptr += addr
	}
	return ptr
}

func readUint(r io.Reader, size int) uint64 {
	var buf [8]byte
	if size > len(buf) {
		size = len(buf)
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func parseString(buf *bytes.Buffer) string {
	s, err := buf.ReadString(0x0)
	if err != nil {
		return s
	}
	return s[:len(s)-1]
}
