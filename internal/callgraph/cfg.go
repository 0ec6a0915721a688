package callgraph

import (
	"sort"

	"github.com/zboralski/lattice"
	"golang.org/x/arch/x86/x86asm"

	"restruc/internal/reflo"
)

// BuildFloCFG converts one flo into a lattice.FuncCFG. The algorithm:
//  1. Find block leaders: the entry, inner jump targets, instructions after
//     terminators.
//  2. Partition the disassembly into blocks by leaders.
//  3. Compute successor edges from each block's last instruction.
//
// Returns the FuncCFG and the block count (for filtering trivial flos).
func BuildFloCFG(r *reflo.Reflo, bin Binary, flo *reflo.Flo) (*lattice.FuncCFG, int) {
	name := FloName(bin, flo.EntryPoint)
	order := flo.Order()
	lcfg := &lattice.FuncCFG{Name: name}
	if len(order) == 0 {
		return lcfg, 0
	}

	idxByAddr := make(map[uint64]int, len(order))
	for i, addr := range order {
		idxByAddr[addr] = i
	}

	// Pass 1: leaders.
	leaders := map[int]bool{0: true}
	for i, addr := range order {
		in := flo.InstAt(addr)
		op := in.Inst.Op
		if !reflo.IsAnyJump(op) && op != x86asm.RET {
			continue
		}
		if i+1 < len(order) {
			leaders[i+1] = true
		}
		if dst, ok := reflo.JumpDestination(in); ok {
			if idx, ok := idxByAddr[dst]; ok {
				leaders[idx] = true
			}
		}
	}
	sorted := make([]int, 0, len(leaders))
	for idx := range leaders {
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)

	// Pass 2: partition.
	blockOfLeader := make(map[int]int, len(sorted))
	for bi, start := range sorted {
		end := len(order)
		if bi+1 < len(sorted) {
			end = sorted[bi+1]
		}
		blockOfLeader[start] = bi
		lcfg.Blocks = append(lcfg.Blocks, &lattice.BasicBlock{
			ID:    bi,
			Start: start,
			End:   end,
		})
	}

	// Pass 3: successors and call sites.
	callByAddr := make(map[uint64]reflo.Call)
	for _, c := range flo.Calls() {
		callByAddr[c.Src] = c
	}
	for _, lb := range lcfg.Blocks {
		for idx := lb.Start; idx < lb.End; idx++ {
			if c, ok := callByAddr[order[idx]]; ok {
				callee := FloName(bin, c.Dst)
				lb.Calls = append(lb.Calls, lattice.CallSite{Offset: idx, Callee: callee})
			}
		}
		last := flo.InstAt(order[lb.End-1])
		op := last.Inst.Op
		switch {
		case op == x86asm.RET:
			lb.Term = true
		case reflo.IsAnyJump(op):
			dst, ok := reflo.JumpDestination(last)
			target := -1
			if ok {
				if idx, ok := idxByAddr[dst]; ok {
					if bid, ok := blockOfLeader[idx]; ok {
						target = bid
					}
				}
			}
			if reflo.IsConditionalJump(op) {
				if target >= 0 {
					lb.Succs = append(lb.Succs, lattice.Successor{BlockID: target, Cond: "T"})
				}
				if next, ok := blockOfLeader[lb.End]; ok {
					lb.Succs = append(lb.Succs, lattice.Successor{BlockID: next, Cond: "F"})
				}
			} else if target >= 0 {
				lb.Succs = append(lb.Succs, lattice.Successor{BlockID: target})
			} else {
				lb.Term = true
			}
		default:
			if next, ok := blockOfLeader[lb.End]; ok {
				lb.Succs = append(lb.Succs, lattice.Successor{BlockID: next})
			}
		}
	}
	return lcfg, len(lcfg.Blocks)
}
