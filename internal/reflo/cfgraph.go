package reflo

import (
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// cfgraph is the working state of one function under reconstruction. Unknown
// jumps are promoted to inner as their destinations are visited; leftovers
// are resolved speculatively and merged or promoted to outer.
type cfgraph struct {
	entryPoint uint64
	outer      *cfgraph

	insts   map[uint64]*Inst
	maxAddr uint64

	innerJumps   map[uint64][]Jump
	outerJumps   map[uint64][]Jump
	unknownJumps map[uint64][]Jump
	calls        map[uint64]Call

	hasRet    bool
	endsOuter bool
}

func newCFGraph(entry uint64, outer *cfgraph) *cfgraph {
	return &cfgraph{
		entryPoint:   entry,
		outer:        outer,
		insts:        make(map[uint64]*Inst),
		innerJumps:   make(map[uint64][]Jump),
		outerJumps:   make(map[uint64][]Jump),
		unknownJumps: make(map[uint64][]Jump),
		calls:        make(map[uint64]Call),
	}
}

// isComplete follows the completion rule: nothing left unknown, and the walk
// ended in a RET or left the function through an outer jump.
func (g *cfgraph) isComplete() bool {
	return len(g.insts) > 0 && len(g.unknownJumps) == 0 && (g.hasRet || g.endsOuter)
}

func (g *cfgraph) addInstruction(in *Inst) {
	g.insts[in.Addr] = in
	if in.Addr > g.maxAddr {
		g.maxAddr = in.Addr
	}
}

func (g *cfgraph) addJump(typ JumpType, dst, src uint64) {
	var m map[uint64][]Jump
	switch typ {
	case JumpInner:
		m = g.innerJumps
	case JumpOuter:
		m = g.outerJumps
	default:
		m = g.unknownJumps
	}
	for _, j := range m[dst] {
		if j.Src == src {
			return
		}
	}
	m[dst] = append(m[dst], Jump{Type: typ, Dst: dst, Src: src})
}

func (g *cfgraph) addCall(dst, src, ret uint64) {
	if _, ok := g.calls[src]; !ok {
		g.calls[src] = Call{Dst: dst, Src: src, Ret: ret}
	}
}

// promoteUnknown reclassifies all unknown jumps targeting dst.
func (g *cfgraph) promoteUnknown(dst uint64, typ JumpType) bool {
	jumps, ok := g.unknownJumps[dst]
	if !ok {
		return false
	}
	delete(g.unknownJumps, dst)
	for _, j := range jumps {
		g.addJump(typ, j.Dst, j.Src)
	}
	return true
}

// visit promotes unknown jumps that targeted the newly reached address, both
// here and in the enclosing graph of a speculative sub-analysis.
func (g *cfgraph) visit(addr uint64) {
	g.promoteUnknown(addr, JumpInner)
	if g.outer != nil {
		g.outer.promoteUnknown(addr, JumpInner)
	}
}

func (g *cfgraph) isInside(addr uint64) bool {
	if _, ok := g.insts[addr]; ok {
		return true
	}
	_, ok := g.innerJumps[addr]
	return ok
}

// jumpType classifies a destination at record time.
func (g *cfgraph) jumpType(dst, next uint64) JumpType {
	switch {
	case dst == next:
		return JumpInner
	case len(g.insts) == 1:
		// A jump as the very first instruction is a thunk to elsewhere.
		return JumpOuter
	case g.insts[dst] != nil:
		return JumpInner
	case dst < g.entryPoint:
		return JumpOuter
	default:
		return JumpUnknown
	}
}

// analyze steps over the already decoded instruction at addr and returns the
// next address to decode, or 0 to stop this walk.
func (g *cfgraph) analyze(addr uint64) uint64 {
	in := g.insts[addr]
	next := in.Next()
	g.visit(addr)

	op := in.Inst.Op
	switch {
	case op == x86asm.CALL:
		// Assume calls always return.
		if dst, ok := JumpDestination(in); ok {
			g.addCall(dst, addr, next)
		}
	case op == x86asm.RET:
		g.hasRet = true
		if !g.isInside(next) {
			return 0
		}
	case IsAnyJump(op):
		dst, ok := JumpDestination(in)
		if !ok {
			// Indirect jump: no static destination to follow.
			if op == x86asm.JMP {
				g.endsOuter = true
				return 0
			}
			return next
		}
		typ := g.jumpType(dst, next)
		g.addJump(typ, dst, addr)
		if op == x86asm.JMP {
			switch typ {
			case JumpUnknown:
				// Continue past the jump only if something else is known
				// to land on the fallthrough.
				if g.promoteUnknown(next, JumpInner) {
					return next
				}
				return 0
			case JumpInner:
				if dst >= next {
					return next
				}
				// Backward jump: looping inside the graph.
				return 0
			case JumpOuter:
				g.endsOuter = true
				return 0
			}
		}
	}
	return next
}

// canMergeWithOuter reports whether a speculative sub-graph belongs to its
// enclosing graph: either it completed on its own, or its first instruction
// is contiguous with the outer graph's last.
func (g *cfgraph) canMergeWithOuter() bool {
	if g.outer == nil {
		return false
	}
	if g.isComplete() {
		return true
	}
	if len(g.insts) == 0 {
		return false
	}
	outerLast := g.outer.insts[g.outer.maxAddr]
	return g.minAddr() == outerLast.Next()
}

func (g *cfgraph) minAddr() uint64 {
	var min uint64
	first := true
	for a := range g.insts {
		if first || a < min {
			min = a
			first = false
		}
	}
	return min
}

// merge folds a speculative sub-graph back into its outer graph.
func (g *cfgraph) merge(sub *cfgraph) {
	for _, in := range sub.insts {
		g.addInstruction(in)
	}
	for _, jumps := range sub.innerJumps {
		for _, j := range jumps {
			g.addJump(JumpInner, j.Dst, j.Src)
		}
	}
	for _, jumps := range sub.outerJumps {
		for _, j := range jumps {
			g.addJump(JumpOuter, j.Dst, j.Src)
		}
	}
	for _, jumps := range sub.unknownJumps {
		for _, j := range jumps {
			g.addJump(JumpUnknown, j.Dst, j.Src)
		}
	}
	for _, c := range sub.calls {
		g.addCall(c.Dst, c.Src, c.Ret)
	}
	g.hasRet = g.hasRet || sub.hasRet
	g.endsOuter = g.endsOuter || sub.endsOuter
}

// toFlo freezes the finished cfgraph into an immutable Flo.
func (g *cfgraph) toFlo() *Flo {
	flo := &Flo{
		EntryPoint: g.entryPoint,
		insts:      g.insts,
		innerJumps: g.innerJumps,
		outerJumps: g.outerJumps,
		HasRet:     g.hasRet,
	}
	srcs := make([]uint64, 0, len(g.calls))
	for s := range g.calls {
		srcs = append(srcs, s)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
	for _, s := range srcs {
		flo.calls = append(flo.calls, g.calls[s])
	}
	flo.finalize()
	return flo
}
