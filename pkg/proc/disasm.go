package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// AssemblyFlavour is the assembly syntax to display.
type AssemblyFlavour int

const (
	// GNUFlavour will display GNU assembly syntax.
	GNUFlavour = AssemblyFlavour(iota)
	// IntelFlavour will display Intel assembly syntax.
	IntelFlavour
	// GoFlavour will display Go assembly syntax.
	GoFlavour
)

// maximum length of an x86-64 instruction
const maxInstructionLength = 15

// AsmInstruction represents one assembly instruction.
type AsmInstruction struct {
	PC    uint64
	Bytes []byte
	Text  string
}

// Disassemble decodes the instruction at pc.
func Disassemble(mem MemoryReader, pc uint64, flavour AssemblyFlavour, symLookup func(uint64) (string, uint64)) (AsmInstruction, error) {
	buf := make([]byte, maxInstructionLength)
	n, err := mem.ReadMemory(buf, uintptr(pc))
	if n == 0 && err != nil {
		return AsmInstruction{PC: pc}, err
	}
	buf = buf[:n]

	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return AsmInstruction{PC: pc, Bytes: buf[:1], Text: "?"}, err
	}
	patchPCRelX86(pc, &inst)

	var text string
	switch flavour {
	case GNUFlavour:
		text = x86asm.GNUSyntax(inst, pc, symLookup)
	case GoFlavour:
		text = x86asm.GoSyntax(inst, pc, symLookup)
	case IntelFlavour:
		fallthrough
	default:
		text = x86asm.IntelSyntax(inst, pc, symLookup)
	}
	return AsmInstruction{PC: pc, Bytes: buf[:inst.Len], Text: text}, nil
}

// converts PC relative arguments to absolute addresses
func patchPCRelX86(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}
