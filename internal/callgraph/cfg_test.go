package callgraph

import (
	"testing"

	"github.com/pkg/errors"

	"restruc/internal/reflo"
)

type fakeBin struct {
	code  []byte
	entry uint64
}

func (b fakeBin) EntryPoint() (uint64, error) { return b.entry, nil }

func (b fakeBin) SectionBounds(addr uint64) (uint64, uint64, error) {
	if addr >= uint64(len(b.code)) {
		return 0, 0, errors.Errorf("address %#x outside section", addr)
	}
	return 0, uint64(len(b.code)), nil
}

func (b fakeBin) Data() []byte { return b.code }

func (b fakeBin) RawToVirtual(addr uint64) (uint32, error) {
	return uint32(0x1000 + addr), nil
}

func (b fakeBin) IsExecutable(addr uint64) bool { return addr < uint64(len(b.code)) }

func TestBuildCallGraph(t *testing.T) {
	// 0: call 6
	// 5: ret
	// 6: ret
	code := []byte{
		0xE8, 0x01, 0x00, 0x00, 0x00,
		0xC3,
		0xC3,
	}
	bin := fakeBin{code: code}
	r := reflo.New(bin)
	if err := r.Analyze(); err != nil {
		t.Fatalf("reflo: %v", err)
	}

	g := BuildCallGraph(r, bin)
	if len(g.Nodes) != 2 {
		t.Fatalf("nodes = %v, want 2", g.Nodes)
	}
	if len(g.Edges) != 1 {
		t.Fatalf("edges = %v, want 1", g.Edges)
	}
	e := g.Edges[0]
	if e.Caller != "sub_00001000" || e.Callee != "sub_00001006" {
		t.Fatalf("edge = %+v", e)
	}
}

func TestBuildFloCFGBlocks(t *testing.T) {
	// 0: xor eax, eax
	// 2: jz 6
	// 4: xor edx, edx
	// 6: ret
	code := []byte{0x31, 0xC0, 0x74, 0x02, 0x31, 0xD2, 0xC3}
	bin := fakeBin{code: code}
	r := reflo.New(bin)
	if err := r.Analyze(); err != nil {
		t.Fatalf("reflo: %v", err)
	}
	flo := r.FloByEntry(0)

	lcfg, nblocks := BuildFloCFG(r, bin, flo)
	// Blocks: [xor, jz], [xor edx], [ret].
	if nblocks != 3 {
		t.Fatalf("blocks = %d, want 3", nblocks)
	}
	head := lcfg.Blocks[0]
	if len(head.Succs) != 2 {
		t.Fatalf("head successors = %+v, want T and F", head.Succs)
	}
	var conds []string
	for _, s := range head.Succs {
		conds = append(conds, s.Cond)
	}
	if conds[0] != "T" || conds[1] != "F" {
		t.Fatalf("head successor conds = %v", conds)
	}
	last := lcfg.Blocks[2]
	if !last.Term {
		t.Fatal("ret block not terminal")
	}
}
