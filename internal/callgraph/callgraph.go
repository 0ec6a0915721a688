// Package callgraph exports reconstructed flos as lattice graphs for DOT
// rendering: one inter-procedural call graph, and one CFG per flo.
package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"restruc/internal/reflo"
)

// Binary resolves raw offsets to display VAs.
type Binary interface {
	RawToVirtual(addr uint64) (uint32, error)
}

// FloName renders the display name of a function entry.
func FloName(bin Binary, entry uint64) string {
	if bin != nil {
		if va, err := bin.RawToVirtual(entry); err == nil {
			return fmt.Sprintf("sub_%08x", va)
		}
	}
	return fmt.Sprintf("sub_%x", entry)
}

// BuildCallGraph constructs a lattice.Graph over all flos. Each flo becomes
// a node; each direct call whose destination was reconstructed becomes an
// edge. Outer jumps count as tail calls.
func BuildCallGraph(r *reflo.Reflo, bin Binary) *lattice.Graph {
	g := &lattice.Graph{}
	for _, entry := range r.SortedEntries() {
		flo := r.FloByEntry(entry)
		name := FloName(bin, entry)
		g.Nodes = append(g.Nodes, name)
		for _, call := range flo.Calls() {
			if r.FloByEntry(call.Dst) == nil {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: name,
				Callee: FloName(bin, call.Dst),
			})
		}
		for dst := range flo.OuterJumps() {
			if r.FloByEntry(dst) == nil {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: name,
				Callee: FloName(bin, dst),
			})
		}
	}
	g.Dedup()
	return g
}
