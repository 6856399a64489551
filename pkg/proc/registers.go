package proc

import "fmt"

// trapFlag is the TF bit of RFLAGS.
const trapFlag = 0x100

// Registers holds the general purpose registers of a stopped thread.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Eflags        uint64
}

// PC returns the instruction pointer.
func (r *Registers) PC() uint64 { return r.Rip }

// SP returns the stack pointer.
func (r *Registers) SP() uint64 { return r.Rsp }

// BP returns the frame pointer.
func (r *Registers) BP() uint64 { return r.Rbp }

// TrapFlag reports whether the single step trap flag is set.
func (r *Registers) TrapFlag() bool { return r.Eflags&trapFlag != 0 }

// SetTrapFlag sets or clears the single step trap flag, the thread will
// stop again after executing one instruction when it is set.
func (r *Registers) SetTrapFlag(on bool) {
	if on {
		r.Eflags |= trapFlag
	} else {
		r.Eflags &^= trapFlag
	}
}

// IntegerRegisters returns the values of every integer register that an
// instruction can use as a memory operand. RSP and RIP are not included.
func (r *Registers) IntegerRegisters() []uint64 {
	return []uint64{
		r.Rax, r.Rbx, r.Rcx, r.Rdx,
		r.Rsi, r.Rdi, r.Rbp,
		r.R8, r.R9, r.R10, r.R11,
		r.R12, r.R13, r.R14, r.R15,
	}
}

// Contains reports whether any integer register holds val.
func (r *Registers) Contains(val uint64) bool {
	for _, v := range r.IntegerRegisters() {
		if v == val {
			return true
		}
	}
	return false
}

func (r *Registers) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rbp=%#x rflags=%#x", r.Rip, r.Rsp, r.Rbp, r.Eflags)
}
