package virt

import "golang.org/x/arch/x86/x86asm"

// Reg is a tracked register slot: the sixteen 64-bit general-purpose
// registers plus the sixteen SIMD registers, each a single slot. Sub-register
// names canonicalize to their full-width slot.
type Reg uint8

const (
	RegNone Reg = iota
	RAX
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	X0
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15

	numRegs
)

var regNames = [...]string{
	RegNone: "none",
	RAX:     "rax", RCX: "rcx", RDX: "rdx", RBX: "rbx",
	RSP: "rsp", RBP: "rbp", RSI: "rsi", RDI: "rdi",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
	X0: "xmm0", X1: "xmm1", X2: "xmm2", X3: "xmm3",
	X4: "xmm4", X5: "xmm5", X6: "xmm6", X7: "xmm7",
	X8: "xmm8", X9: "xmm9", X10: "xmm10", X11: "xmm11",
	X12: "xmm12", X13: "xmm13", X14: "xmm14", X15: "xmm15",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "reg?"
}

// VolatileRegs is the callee-clobbered set of the x64 Windows ABI.
var VolatileRegs = []Reg{RAX, RCX, RDX, R8, R9, R10, R11, X0, X1, X2, X3, X4, X5}

// ArgumentRegs are the first four integer argument registers, in order.
var ArgumentRegs = []Reg{RCX, RDX, R8, R9}

// TrackedRegs lists every slot in the register file.
func TrackedRegs() []Reg {
	regs := make([]Reg, 0, numRegs-1)
	for r := RAX; r < numRegs; r++ {
		regs = append(regs, r)
	}
	return regs
}

// gp maps a 0-based GP index (rax..r15 in x86asm order) to its slot.
func gp(i int) Reg { return RAX + Reg(i) }

// Canonical maps an x86asm register to its tracked slot and the width in
// bytes of the named sub-register. Untracked registers (segment, control,
// x87, RIP, ...) return ok=false.
func Canonical(r x86asm.Reg) (slot Reg, size int, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BH:
		// AL CL DL BL AH CH DH BH: low/high bytes of rax..rbx.
		return gp(int(r-x86asm.AL) % 4), 1, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return gp(4 + int(r-x86asm.SPB)), 1, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return gp(8 + int(r-x86asm.R8B)), 1, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return gp(int(r - x86asm.AX)), 2, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return gp(int(r - x86asm.EAX)), 4, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return gp(int(r - x86asm.RAX)), 8, true
	case r >= x86asm.X0 && r <= x86asm.X15:
		return X0 + Reg(r-x86asm.X0), 8, true
	default:
		return RegNone, 0, false
	}
}
