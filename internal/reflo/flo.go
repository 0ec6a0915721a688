// Package reflo reconstructs function boundaries and per-function control
// flow from a PE image by recursive disassembly from the entry point.
package reflo

import (
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// Inst is one decoded instruction at its raw offset.
type Inst struct {
	Addr uint64
	Len  int
	Inst x86asm.Inst
}

// Next returns the fallthrough address.
func (in *Inst) Next() uint64 { return in.Addr + uint64(in.Len) }

// JumpType classifies a jump destination relative to the current flo.
type JumpType int

const (
	// JumpUnknown destinations are promoted to Inner or Outer later.
	JumpUnknown JumpType = iota
	// JumpInner destinations lie inside the flo's disassembled range.
	JumpInner
	// JumpOuter destinations are tail calls or sibling functions.
	JumpOuter
)

// Jump records one classified jump edge.
type Jump struct {
	Type JumpType
	Dst  uint64
	Src  uint64
}

// Call records one direct call site.
type Call struct {
	Dst uint64
	Src uint64
	Ret uint64
}

// Cycle is a back edge found during path analysis.
type Cycle struct {
	Src uint64
	Dst uint64
}

// Flo is one recovered function: its disassembly in address order and its
// classified jumps and calls. Immutable once reconstruction finishes, except
// for cycles recorded by the later coverage analysis.
type Flo struct {
	EntryPoint uint64

	insts      map[uint64]*Inst
	order      []uint64
	innerJumps map[uint64][]Jump
	outerJumps map[uint64][]Jump
	calls      []Call
	cycles     []Cycle

	HasRet bool
}

// InstAt returns the instruction decoded at addr, or nil.
func (f *Flo) InstAt(addr uint64) *Inst { return f.insts[addr] }

// Order returns instruction addresses in ascending order.
func (f *Flo) Order() []uint64 { return f.order }

// End returns the address one past the last decoded instruction.
func (f *Flo) End() uint64 {
	if len(f.order) == 0 {
		return f.EntryPoint
	}
	last := f.insts[f.order[len(f.order)-1]]
	return last.Next()
}

// IsInside reports whether addr is a decoded instruction or a known inner
// jump destination.
func (f *Flo) IsInside(addr uint64) bool {
	if _, ok := f.insts[addr]; ok {
		return true
	}
	_, ok := f.innerJumps[addr]
	return ok
}

// InnerJumps returns inner jump edges keyed by destination.
func (f *Flo) InnerJumps() map[uint64][]Jump { return f.innerJumps }

// OuterJumps returns outer jump edges keyed by destination.
func (f *Flo) OuterJumps() map[uint64][]Jump { return f.outerJumps }

// Calls returns call sites in source order.
func (f *Flo) Calls() []Call { return f.calls }

// AddCycle records a back edge discovered by coverage analysis.
func (f *Flo) AddCycle(src, dst uint64) {
	f.cycles = append(f.cycles, Cycle{Src: src, Dst: dst})
}

// Cycles returns recorded back edges.
func (f *Flo) Cycles() []Cycle { return f.cycles }

// IsConditionalJump reports whether op is a conditional jump (including the
// LOOP family), excluding plain JMP.
func IsConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ,
		x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL,
		x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS,
		x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// IsAnyJump reports whether op transfers control other than CALL/RET.
func IsAnyJump(op x86asm.Op) bool {
	return op == x86asm.JMP || IsConditionalJump(op)
}

// JumpDestination resolves the destination of a direct jump or call.
// Indirect transfers (register or memory operands) have no static
// destination and return ok=false.
func JumpDestination(in *Inst) (uint64, bool) {
	if len(in.Inst.Args) == 0 {
		return 0, false
	}
	switch arg := in.Inst.Args[0].(type) {
	case x86asm.Rel:
		return uint64(int64(in.Next()) + int64(arg)), true
	case x86asm.Imm:
		return uint64(arg), true
	default:
		return 0, false
	}
}

// finalize freezes the flo: sorts the address order.
func (f *Flo) finalize() {
	f.order = make([]uint64, 0, len(f.insts))
	for a := range f.insts {
		f.order = append(f.order, a)
	}
	sort.Slice(f.order, func(i, j int) bool { return f.order[i] < f.order[j] })
}
