package recontex

import (
	"golang.org/x/arch/x86/x86asm"

	"restruc/internal/reflo"
	"restruc/internal/virt"
)

// operand is one resolved instruction operand: its value, and where a write
// would land (a register slot, or a memory key).
type operand struct {
	reg     virt.Reg
	addr    uint64
	hasAddr bool
	value   virt.Value
}

// arithmetic actions for the ADD-class emulation.
var arithActions = map[x86asm.Op]func(dst, src uint64) uint64{
	x86asm.ADD:  func(a, b uint64) uint64 { return a + b },
	x86asm.SUB:  func(a, b uint64) uint64 { return a - b },
	x86asm.OR:   func(a, b uint64) uint64 { return a | b },
	x86asm.AND:  func(a, b uint64) uint64 { return a & b },
	x86asm.XOR:  func(a, b uint64) uint64 { return a ^ b },
	x86asm.IMUL: func(a, b uint64) uint64 { return uint64(int64(a) * int64(b)) },
}

// readOnlyOps never write their explicit operands; the default emulation
// leaves state untouched for them.
var readOnlyOps = map[x86asm.Op]bool{
	x86asm.CMP: true, x86asm.TEST: true, x86asm.NOP: true,
	x86asm.JMP: true, x86asm.CALL: true, x86asm.RET: true,
}

// emulate applies one instruction to a child context.
func (rc *Recontex) emulate(addr uint64, in *reflo.Inst, ctx *virt.Context) {
	op := in.Inst.Op
	switch {
	case op == x86asm.MOV || op == x86asm.MOVZX || op == x86asm.MOVSX || op == x86asm.MOVSXD:
		rc.emulateBinary(in, ctx, addr, func(dst, src virt.Value) virt.Value {
			mask := ^uint64(0)
			if dst.Size() < 8 {
				mask = 1<<(uint(dst.Size())*8) - 1
			}
			switch {
			case !dst.IsSymbolic() && !src.IsSymbolic() && dst.Size() < 4:
				// Narrow writes preserve the high bits of the destination.
				return virt.MakeConcrete(src.Source(), dst.Concrete()&^mask|src.Concrete()&mask, dst.Size())
			case !src.IsSymbolic():
				return virt.MakeConcrete(src.Source(), src.Concrete()&mask, dst.Size())
			default:
				return src
			}
		})
	case arithActions[op] != nil:
		action := arithActions[op]
		rc.emulateBinary(in, ctx, addr, func(dst, src virt.Value) virt.Value {
			return rc.arith(dst, src, action)
		})
	case op == x86asm.LEA:
		rc.emulateLEA(in, ctx, addr)
	case op == x86asm.PUSH:
		rc.emulatePush(in, ctx, addr)
	case op == x86asm.POP:
		rc.emulatePop(in, ctx, addr)
	case op == x86asm.CALL:
		// Calls are assumed to return with RSP unchanged; only the
		// volatile set is clobbered.
		for _, r := range virt.VolatileRegs {
			ctx.SetRegister(r, rc.gen.Fresh(addr, 8))
		}
	case op == x86asm.RET:
		if rsp, ok := ctx.GetRegister(virt.RSP); ok && !rsp.IsSymbolic() {
			ctx.SetRegister(virt.RSP, virt.MakeConcrete(addr, rsp.Concrete()+8, 8))
		}
	case op == x86asm.INC:
		rc.emulateInc(in, ctx, addr, 1)
	case op == x86asm.DEC:
		rc.emulateInc(in, ctx, addr, -1)
	default:
		rc.emulateUnknown(in, ctx, addr)
	}
}

// emulateBinary resolves dst/src/imm operands, applies the callback, and
// writes the result back. XOR of a register with itself produces concrete 0.
func (rc *Recontex) emulateBinary(in *reflo.Inst, ctx *virt.Context, addr uint64, callback func(dst, src virt.Value) virt.Value) {
	if in.Inst.Args[0] == nil {
		return
	}
	dst := rc.getOperand(in, in.Inst.Args[0], ctx, addr)
	var src operand
	hasSrc := false
	if in.Inst.Args[1] != nil {
		src = rc.getOperand(in, in.Inst.Args[1], ctx, addr)
		hasSrc = true
	}

	if in.Inst.Op == x86asm.XOR && dst.reg != virt.RegNone && dst.reg == src.reg {
		dst.value = virt.MakeConcrete(addr, 0, src.value.Size())
	} else if in.Inst.Args[2] != nil {
		// Three-operand form: dst = src op imm.
		if imm, ok := in.Inst.Args[2].(x86asm.Imm); ok {
			iv := virt.MakeConcrete(addr, uint64(imm), dst.value.Size())
			dst.value = callback(src.value, iv)
		} else {
			dst.value = rc.gen.Fresh(addr, dst.value.Size())
		}
	} else if hasSrc {
		dst.value = callback(dst.value, src.value)
	} else {
		dst.value = rc.gen.Fresh(addr, dst.value.Size())
	}

	dst.value.SetSource(addr)
	rc.writeOperand(ctx, dst)
}

// arith mirrors the concrete/symbolic discipline of the ADD-class ops:
// concrete operands compute with the narrow-write masking rules, a symbolic
// destination shifted by a concrete source keeps its symbol, anything else
// degrades to a fresh symbol.
func (rc *Recontex) arith(dst, src virt.Value, action func(a, b uint64) uint64) virt.Value {
	switch {
	case !dst.IsSymbolic() && !src.IsSymbolic():
		mask := ^uint64(0)
		if dst.Size() < 8 {
			mask = 1<<(uint(dst.Size())*8) - 1
		}
		if dst.Size() < 4 {
			return virt.MakeConcrete(src.Source(), dst.Concrete()&^mask|action(dst.Concrete(), src.Concrete())&mask, dst.Size())
		}
		return virt.MakeConcrete(src.Source(), action(dst.Concrete(), src.Concrete())&mask, dst.Size())
	case dst.IsSymbolic() && !src.IsSymbolic():
		return virt.MakeSymbolic(src.Source(), dst.Size(),
			int64(action(uint64(dst.Symbol().Offset), src.Concrete())), dst.Symbol().ID)
	default:
		return rc.gen.Fresh(src.Source(), dst.Size())
	}
}

func (rc *Recontex) emulateLEA(in *reflo.Inst, ctx *virt.Context, addr uint64) {
	mem, ok := in.Inst.Args[1].(x86asm.Mem)
	if !ok {
		return
	}
	dst := rc.getOperand(in, in.Inst.Args[0], ctx, addr)
	if dst.reg == virt.RegNone {
		return
	}
	av := MemoryAddress(in, mem, ctx)
	if av.IsSymbolic() {
		ctx.SetRegister(dst.reg, virt.MakeSymbolic(addr, 8, 0, av.Symbol().ID))
	} else {
		ctx.SetRegister(dst.reg, virt.MakeConcrete(addr, av.Concrete(), 8))
	}
}

func (rc *Recontex) emulatePush(in *reflo.Inst, ctx *virt.Context, addr uint64) {
	rsp, ok := ctx.GetRegister(virt.RSP)
	if !ok || rsp.IsSymbolic() {
		return
	}
	newRSP := rsp.Concrete() - 8
	op := rc.getOperand(in, in.Inst.Args[0], ctx, addr)
	op.value.SetSource(addr)
	ctx.SetRegister(virt.RSP, virt.MakeConcrete(addr, newRSP, 8))
	ctx.SetMemory(newRSP, op.value)
}

func (rc *Recontex) emulatePop(in *reflo.Inst, ctx *virt.Context, addr uint64) {
	rsp, ok := ctx.GetRegister(virt.RSP)
	if !ok || rsp.IsSymbolic() {
		return
	}
	value := ctx.ReadMemory(rsp.Concrete(), 8, addr)
	value.SetSource(addr)
	ctx.SetRegister(virt.RSP, virt.MakeConcrete(addr, rsp.Concrete()+8, 8))
	op := rc.getOperand(in, in.Inst.Args[0], ctx, addr)
	op.value = value
	rc.writeOperand(ctx, op)
}

func (rc *Recontex) emulateInc(in *reflo.Inst, ctx *virt.Context, addr uint64, delta int64) {
	dst := rc.getOperand(in, in.Inst.Args[0], ctx, addr)
	var result virt.Value
	if !dst.value.IsSymbolic() {
		result = virt.MakeConcrete(addr, dst.value.Concrete()+uint64(delta), 8)
	} else {
		result = virt.MakeSymbolic(addr, 8, dst.value.Symbol().Offset+delta, dst.value.Symbol().ID)
	}
	dst.value = result
	rc.writeOperand(ctx, dst)
}

// emulateUnknown handles every other mnemonic: written operands become fresh
// symbolic values of the operand's element size.
func (rc *Recontex) emulateUnknown(in *reflo.Inst, ctx *virt.Context, addr uint64) {
	op := in.Inst.Op
	if readOnlyOps[op] || reflo.IsConditionalJump(op) {
		return
	}
	switch arg := in.Inst.Args[0].(type) {
	case x86asm.Reg:
		slot, size, ok := virt.Canonical(arg)
		if !ok {
			return
		}
		ctx.SetRegister(slot, rc.gen.Fresh(addr, size))
	case x86asm.Mem:
		av := MemoryAddress(in, arg, ctx)
		size := in.Inst.MemBytes
		if size == 0 || size > 8 {
			size = 8
		}
		ctx.SetMemory(av.MemKey(), rc.gen.Fresh(addr, size))
	}
}

// getOperand resolves an argument against the context.
func (rc *Recontex) getOperand(in *reflo.Inst, arg x86asm.Arg, ctx *virt.Context, source uint64) operand {
	var op operand
	switch a := arg.(type) {
	case x86asm.Imm:
		size := in.Inst.DataSize / 8
		if size == 0 {
			size = 8
		}
		op.value = virt.MakeConcrete(source, uint64(a), size)
	case x86asm.Reg:
		slot, size, ok := virt.Canonical(a)
		if !ok {
			op.value = rc.gen.Fresh(source, 8)
			break
		}
		op.reg = slot
		if v, has := ctx.GetRegister(slot); has {
			op.value = v
			op.value.SetSize(size)
		} else {
			op.value = rc.gen.Fresh(source, size)
		}
	case x86asm.Mem:
		av := MemoryAddress(in, a, ctx)
		size := in.Inst.MemBytes
		if size > 0 && size <= 8 {
			op.addr = av.MemKey()
			op.hasAddr = true
			op.value = ctx.ReadMemory(op.addr, size, source)
		} else {
			op.value = rc.gen.Fresh(source, 8)
		}
	default:
		op.value = rc.gen.Fresh(source, 8)
	}
	return op
}

func (rc *Recontex) writeOperand(ctx *virt.Context, op operand) {
	if op.reg != virt.RegNone {
		ctx.SetRegister(op.reg, op.value)
	} else if op.hasAddr {
		ctx.SetMemory(op.addr, op.value)
	}
}

// MemoryAddress computes the effective address of a memory operand as a
// value: concrete when base, index and displacement all resolve, otherwise a
// symbolic value whose id folds every unresolved ingredient. RSP-based
// addresses carry the stack tag in the id's upper half.
func MemoryAddress(in *reflo.Inst, mem x86asm.Mem, ctx *virt.Context) virt.Value {
	symbolic := false
	var value, symbol uint64

	if mem.Base != 0 && mem.Base != x86asm.RIP {
		if slot, _, ok := virt.Canonical(mem.Base); ok {
			base, has := ctx.GetRegister(slot)
			if has && !base.IsSymbolic() {
				value += base.Concrete()
			} else {
				symbolic = true
			}
			if has && base.IsSymbolic() {
				symbol = virt.HashCombine(symbol, uint64(slot))
				symbol = virt.HashCombine(symbol, base.Symbol().ID)
				symbol = virt.HashCombine(symbol, uint64(base.Symbol().Offset))
			}
		} else {
			symbolic = true
		}
	}
	if mem.Index != 0 {
		if slot, _, ok := virt.Canonical(mem.Index); ok {
			index, has := ctx.GetRegister(slot)
			if has && !index.IsSymbolic() {
				value += index.Concrete() * uint64(mem.Scale)
			} else {
				symbolic = true
			}
			if has && index.IsSymbolic() {
				symbol = virt.HashCombine(symbol, uint64(slot))
				symbol = virt.HashCombine(symbol, index.Symbol().ID)
				symbol = virt.HashCombine(symbol, uint64(index.Symbol().Offset))
			}
			symbol = virt.HashCombine(symbol, uint64(mem.Scale))
		} else {
			symbolic = true
		}
	}
	if mem.Disp != 0 {
		value += uint64(mem.Disp)
		symbol = virt.HashCombine(symbol, uint64(mem.Disp))
	}
	if in.Inst.MemBytes == 0 {
		symbol = virt.HashCombine(symbol, 1)
	}
	if symbolic {
		if mem.Base == x86asm.RSP {
			symbol = virt.MagicStackMask | (symbol & 0xFFFFFFFF)
		}
		return virt.MakeSymbolic(0, 8, 0, symbol)
	}
	return virt.MakeConcrete(0, value, 8)
}

// MemOperand returns an instruction's explicit memory operand, if any.
func MemOperand(in *reflo.Inst) (x86asm.Mem, bool) {
	for _, arg := range in.Inst.Args {
		if arg == nil {
			break
		}
		if mem, ok := arg.(x86asm.Mem); ok {
			return mem, true
		}
	}
	return x86asm.Mem{}, false
}

// NonStackMemOperand returns the explicit memory operand when neither its
// base nor index is the stack pointer.
func NonStackMemOperand(in *reflo.Inst) (x86asm.Mem, bool) {
	mem, ok := MemOperand(in)
	if !ok || mem.Base == x86asm.RSP || mem.Index == x86asm.RSP {
		return x86asm.Mem{}, false
	}
	return mem, true
}

// PointsToStack reports whether reg holds a tagged stack address in any of
// the given contexts. RSP itself always does.
func PointsToStack(reg virt.Reg, ctxs []*virt.Context) bool {
	if reg == virt.RSP {
		return true
	}
	for _, ctx := range ctxs {
		if v, ok := ctx.GetRegister(reg); ok && !v.IsSymbolic() && virt.PointsToStack(v.Concrete()) {
			return true
		}
	}
	return false
}
