//go:build linux && amd64

package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/hwwatch/pkg/proc"
)

func fromPtraceRegs(regs *sys.PtraceRegs) *proc.Registers {
	return &proc.Registers{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rbp: regs.Rbp, Rsp: regs.Rsp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip: regs.Rip, Eflags: regs.Eflags,
	}
}

func toPtraceRegs(r *proc.Registers, regs *sys.PtraceRegs) {
	regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx = r.Rax, r.Rbx, r.Rcx, r.Rdx
	regs.Rsi, regs.Rdi, regs.Rbp, regs.Rsp = r.Rsi, r.Rdi, r.Rbp, r.Rsp
	regs.R8, regs.R9, regs.R10, regs.R11 = r.R8, r.R9, r.R10, r.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = r.R12, r.R13, r.R14, r.R15
	regs.Rip, regs.Eflags = r.Rip, r.Eflags
}
