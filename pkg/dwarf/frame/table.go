package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/hwwatch/pkg/dwarf/leb128"
)

// DWRule is how a register of the caller, or the CFA, is recovered.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// Rule is the kind of a DWRule.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA // Value is rule.Reg + rule.Offset
)

// FrameContext is the row of the unwind table in effect at one address.
type FrameContext struct {
	loc           uint64
	order         binary.ByteOrder
	address       uint64
	CFA           DWRule
	Regs          map[uint64]DWRule
	initialRegs   map[uint64]DWRule
	buf           *bytes.Buffer
	cie           *CommonInformationEntry
	RetAddrReg    uint64
	codeAlignment uint64
	dataAlignment int64

	// rememberedState is pushed by DW_CFA_remember_state and popped by
	// DW_CFA_restore_state.
	rememberedState []rowState
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// Instructions used to recreate the table from the call frame
// information.
const (
	DW_CFA_nop                = 0x0        // No ops
	DW_CFA_set_loc            = 0x01       // op1: address
	DW_CFA_advance_loc1       = iota       // op1: 1-bytes delta
	DW_CFA_advance_loc2                    // op1: 2-byte delta
	DW_CFA_advance_loc4                    // op1: 4-byte delta
	DW_CFA_offset_extended                 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended                // op1: ULEB128 register
	DW_CFA_undefined                       // op1: ULEB128 register
	DW_CFA_same_value                      // op1: ULEB128 register
	DW_CFA_register                        // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state                  // No ops
	DW_CFA_restore_state                   // No ops
	DW_CFA_def_cfa                         // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register                // op1: ULEB128 register
	DW_CFA_def_cfa_offset                  // op1: ULEB128 offset
	DW_CFA_def_cfa_expression              // op1: BLOCK
	DW_CFA_expression                      // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf              // op1: ULEB128 register, op2: SLEB128 BLOCK
	DW_CFA_def_cfa_sf                      // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf               // op1: SLEB128 offset
	DW_CFA_val_offset                      // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                   // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression                  // op1: ULEB128, op2: BLOCK
	DW_CFA_GNU_args_size      = 0x2e       // op1: ULEB128 size
	DW_CFA_advance_loc        = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset             = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore            = (0x3 << 6) // High 2 bits: 0x3, low 6: register
)

const low_6_offset = 0x3f

func executeCIEInstructions(cie *CommonInformationEntry, order binary.ByteOrder) *FrameContext {
	frame := &FrameContext{
		cie:           cie,
		order:         order,
		Regs:          make(map[uint64]DWRule),
		RetAddrReg:    cie.ReturnAddressRegister,
		codeAlignment: cie.CodeAlignmentFactor,
		dataAlignment: cie.DataAlignmentFactor,
		buf:           bytes.NewBuffer(append([]byte(nil), cie.InitialInstructions...)),
	}
	for frame.buf.Len() > 0 {
		frame.step()
	}
	frame.initialRegs = make(map[uint64]DWRule, len(frame.Regs))
	for k, v := range frame.Regs {
		frame.initialRegs[k] = v
	}
	return frame
}

func executeDwarfProgramUntilPC(fde *FrameDescriptionEntry, pc uint64) *FrameContext {
	order := fde.order
	if order == nil {
		order = binary.LittleEndian
	}
	frame := executeCIEInstructions(fde.CIE, order)
	frame.loc = fde.Begin()
	frame.address = pc
	frame.ExecuteUntilPC(fde.Instructions)
	return frame
}

// ExecuteUntilPC runs instructions until the row for the address of the
// frame is complete.
func (frame *FrameContext) ExecuteUntilPC(instructions []byte) {
	frame.buf.Reset()
	frame.buf.Write(instructions)

	// rows after the address we stopped at do not matter
	for frame.address >= frame.loc && frame.buf.Len() > 0 {
		frame.step()
	}
}

func (frame *FrameContext) uleb() uint64 {
	n, _ := leb128.DecodeUnsigned(frame.buf)
	return n
}

func (frame *FrameContext) sleb() int64 {
	n, _ := leb128.DecodeSigned(frame.buf)
	return n
}

func (frame *FrameContext) block() []byte {
	return frame.buf.Next(int(frame.uleb()))
}

func (frame *FrameContext) restoreRule(reg uint64) {
	if oldrule, ok := frame.initialRegs[reg]; ok {
		frame.Regs[reg] = oldrule
	} else {
		delete(frame.Regs, reg)
	}
}

// step executes one instruction. It panics on malformed programs,
// EstablishFrame recovers.
func (frame *FrameContext) step() {
	op, err := frame.buf.ReadByte()
	if err != nil {
		panic("could not read from instruction buffer")
	}

	// the three opcodes with their argument in the low 6 bits
	switch op &^ low_6_offset {
	case DW_CFA_advance_loc:
		frame.loc += uint64(op&low_6_offset) * frame.codeAlignment
		return
	case DW_CFA_offset:
		frame.Regs[uint64(op&low_6_offset)] = DWRule{Rule: RuleOffset, Offset: int64(frame.uleb()) * frame.dataAlignment}
		return
	case DW_CFA_restore:
		frame.restoreRule(uint64(op & low_6_offset))
		return
	}

	switch op {
	case DW_CFA_nop:
	case DW_CFA_set_loc:
		var loc uint64
		binary.Read(frame.buf, frame.order, &loc)
		frame.loc = loc + frame.cie.staticBase
	case DW_CFA_advance_loc1:
		delta, _ := frame.buf.ReadByte()
		frame.loc += uint64(delta) * frame.codeAlignment
	case DW_CFA_advance_loc2:
		var delta uint16
		binary.Read(frame.buf, frame.order, &delta)
		frame.loc += uint64(delta) * frame.codeAlignment
	case DW_CFA_advance_loc4:
		var delta uint32
		binary.Read(frame.buf, frame.order, &delta)
		frame.loc += uint64(delta) * frame.codeAlignment
	case DW_CFA_offset_extended:
		reg := frame.uleb()
		frame.Regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(frame.uleb()) * frame.dataAlignment}
	case DW_CFA_restore_extended:
		frame.restoreRule(frame.uleb())
	case DW_CFA_undefined:
		frame.Regs[frame.uleb()] = DWRule{Rule: RuleUndefined}
	case DW_CFA_same_value:
		frame.Regs[frame.uleb()] = DWRule{Rule: RuleSameVal}
	case DW_CFA_register:
		reg1 := frame.uleb()
		frame.Regs[reg1] = DWRule{Rule: RuleRegister, Reg: frame.uleb()}
	case DW_CFA_remember_state:
		regs := make(map[uint64]DWRule, len(frame.Regs))
		for k, v := range frame.Regs {
			regs[k] = v
		}
		frame.rememberedState = append(frame.rememberedState, rowState{cfa: frame.CFA, regs: regs})
	case DW_CFA_restore_state:
		n := len(frame.rememberedState)
		if n == 0 {
			panic("DW_CFA_restore_state without DW_CFA_remember_state")
		}
		frame.CFA = frame.rememberedState[n-1].cfa
		frame.Regs = frame.rememberedState[n-1].regs
		frame.rememberedState = frame.rememberedState[:n-1]
	case DW_CFA_def_cfa:
		frame.CFA.Rule = RuleCFA
		frame.CFA.Reg = frame.uleb()
		frame.CFA.Offset = int64(frame.uleb())
	case DW_CFA_def_cfa_register:
		frame.CFA.Reg = frame.uleb()
	case DW_CFA_def_cfa_offset:
		frame.CFA.Offset = int64(frame.uleb())
	case DW_CFA_def_cfa_sf:
		frame.CFA.Rule = RuleCFA
		frame.CFA.Reg = frame.uleb()
		frame.CFA.Offset = frame.sleb() * frame.dataAlignment
	case DW_CFA_def_cfa_offset_sf:
		frame.CFA.Offset = frame.sleb() * frame.dataAlignment
	case DW_CFA_def_cfa_expression:
		frame.CFA = DWRule{Rule: RuleExpression, Expression: frame.block()}
	case DW_CFA_expression:
		reg := frame.uleb()
		frame.Regs[reg] = DWRule{Rule: RuleExpression, Expression: frame.block()}
	case DW_CFA_offset_extended_sf:
		reg := frame.uleb()
		frame.Regs[reg] = DWRule{Rule: RuleOffset, Offset: frame.sleb() * frame.dataAlignment}
	case DW_CFA_val_offset:
		reg := frame.uleb()
		frame.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: int64(frame.uleb()) * frame.dataAlignment}
	case DW_CFA_val_offset_sf:
		reg := frame.uleb()
		frame.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: frame.sleb() * frame.dataAlignment}
	case DW_CFA_val_expression:
		reg := frame.uleb()
		frame.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: frame.block()}
	case DW_CFA_GNU_args_size:
		frame.uleb()
	default:
		panic(fmt.Sprintf("unexpected DWARF CFA opcode %#x", op))
	}
}
