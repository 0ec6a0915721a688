// Package recontex propagates abstract contexts through a flo: a coverage
// pass reduces the flo to its conditional-jump skeleton and enumerates a
// minimal branch-covering path set, then a symbolic interpreter walks each
// path emulating a restricted x86-64 subset.
package recontex

import (
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"restruc/internal/reflo"
)

// BranchType distinguishes the edges leaving a node.
type BranchType int

const (
	BranchConditional BranchType = iota
	BranchUnconditional
	BranchNext
)

// Branch is one outgoing edge of a node: the jump instruction it belongs to
// and its destination.
type Branch struct {
	Source uint64
	Dst    uint64
	Type   BranchType
}

// Node groups a run of contiguous conditional jumps (optionally closed by an
// unconditional jump) at the address of its first jump. Branches[0] is the
// head (the Next fallthrough or the closing unconditional jump) whenever the
// node has more than one branch.
type Node struct {
	Source   uint64
	Branches []Branch
}

// Edge is a directed edge between nodes.
type Edge struct {
	Src uint64
	Dst uint64
}

// PathStep records, for one jump on a path, whether it is taken.
type PathStep struct {
	Jump uint64
	Take bool
}

// Path is an ordered branch-decision sequence through a flo.
type Path []PathStep

// Coverage computes the reduced node graph of a flo and its optimal path set.
type Coverage struct {
	flo *reflo.Flo

	nodes     map[uint64]*Node
	nodeAddrs []uint64
	ends      map[uint64]bool
	order     map[uint64]int
	loops     map[Edge]bool
	useless   map[Edge]bool
	paths     []Path
}

func NewCoverage(flo *reflo.Flo) *Coverage {
	return &Coverage{
		flo:     flo,
		nodes:   make(map[uint64]*Node),
		ends:    make(map[uint64]bool),
		order:   make(map[uint64]int),
		loops:   make(map[Edge]bool),
		useless: make(map[Edge]bool),
	}
}

// Analyze runs the full coverage pipeline. It reports false when the flo
// contains a branch whose destination cannot be modeled.
func (c *Coverage) Analyze() bool {
	if !c.buildNodes() {
		return false
	}
	c.normalizeNodes()
	c.topSort()
	c.findLoops()
	c.findUselessEdges()
	c.buildPaths()
	return true
}

// Paths returns the enumerated path set.
func (c *Coverage) Paths() []Path { return c.paths }

// Loops returns the detected back edges.
func (c *Coverage) Loops() []Edge {
	edges := make([]Edge, 0, len(c.loops))
	for e := range c.loops {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Src != edges[j].Src {
			return edges[i].Src < edges[j].Src
		}
		return edges[i].Dst < edges[j].Dst
	})
	return edges
}

// Nodes exposes the reduced graph for rendering.
func (c *Coverage) Nodes() map[uint64]*Node { return c.nodes }

func (c *Coverage) addNode(n *Node) {
	if _, ok := c.nodes[n.Source]; ok {
		return
	}
	c.nodes[n.Source] = n
	c.nodeAddrs = append(c.nodeAddrs, n.Source)
}

// buildNodes walks the disassembly grouping contiguous conditional jumps.
func (c *Coverage) buildNodes() bool {
	order := c.flo.Order()
	for i := 0; i < len(order); {
		in := c.flo.InstAt(order[i])
		op := in.Inst.Op
		switch {
		case reflo.IsAnyJump(op):
			dst, ok := reflo.JumpDestination(in)
			if !ok {
				if op == x86asm.JMP {
					// Indirect jump: terminal, like an out-of-flo jump.
					c.addNode(&Node{Source: in.Addr})
					c.ends[in.Addr] = true
					i++
					continue
				}
				return false
			}
			if !c.flo.IsInside(dst) {
				c.addNode(&Node{Source: in.Addr})
				c.ends[in.Addr] = true
				i++
				continue
			}

			src := in.Addr
			var branches []Branch
			var next uint64
			for i < len(order) {
				cin := c.flo.InstAt(order[i])
				if !reflo.IsConditionalJump(cin.Inst.Op) {
					break
				}
				cdst, ok := reflo.JumpDestination(cin)
				if !ok {
					return false
				}
				if !c.flo.IsInside(cdst) {
					break
				}
				branches = append(branches, Branch{Source: cin.Addr, Dst: cdst, Type: BranchConditional})
				next = cin.Next()
				i++
			}
			if i < len(order) {
				tin := c.flo.InstAt(order[i])
				if tin.Inst.Op == x86asm.JMP {
					tdst, ok := reflo.JumpDestination(tin)
					if ok && c.flo.IsInside(tdst) {
						branches = append([]Branch{{Source: tin.Addr, Dst: tdst, Type: BranchUnconditional}}, branches...)
					} else if next != 0 {
						// Group closed by an out-of-flo jump: fall through the
						// conditionals into a terminal node at the jump.
						branches = append([]Branch{{Source: branches[len(branches)-1].Source, Dst: next, Type: BranchNext}}, branches...)
						c.addNode(&Node{Source: tin.Addr})
						c.ends[tin.Addr] = true
					}
					i++
				} else if next != 0 {
					branches = append([]Branch{{Source: branches[len(branches)-1].Source, Dst: next, Type: BranchNext}}, branches...)
					i++
				}
			}
			if len(branches) > 0 {
				c.addNode(&Node{Source: src, Branches: branches})
			}
		case op == x86asm.RET:
			c.addNode(&Node{Source: in.Addr})
			c.ends[in.Addr] = true
			i++
		default:
			i++
		}
	}
	sort.Slice(c.nodeAddrs, func(i, j int) bool { return c.nodeAddrs[i] < c.nodeAddrs[j] })
	return true
}

// snap returns the first node address >= addr, or 0.
func (c *Coverage) snap(addr uint64) (uint64, bool) {
	i := sort.Search(len(c.nodeAddrs), func(i int) bool { return c.nodeAddrs[i] >= addr })
	if i == len(c.nodeAddrs) {
		return 0, false
	}
	return c.nodeAddrs[i], true
}

// normalizeNodes snaps branch destinations that fall between nodes onto the
// next node.
func (c *Coverage) normalizeNodes() {
	for _, n := range c.nodes {
		for bi := range n.Branches {
			if snapped, ok := c.snap(n.Branches[bi].Dst); ok {
				n.Branches[bi].Dst = snapped
			}
		}
	}
}

// topSort assigns reverse-postorder indexes to every node reachable from the
// entry point. Unreachable nodes stay unindexed and are ignored later.
func (c *Coverage) topSort() {
	if len(c.nodes) == 0 {
		return
	}
	visited := make(map[uint64]bool)
	var postorder []uint64
	var dfs func(v uint64)
	dfs = func(v uint64) {
		var node *Node
		if snapped, ok := c.snap(v); ok {
			node = c.nodes[snapped]
			v = snapped
		}
		if visited[v] {
			return
		}
		visited[v] = true
		if node != nil {
			for _, b := range node.Branches {
				dfs(b.Dst)
			}
		}
		postorder = append(postorder, v)
	}
	dfs(c.flo.EntryPoint)
	for i := len(postorder) - 1; i >= 0; i-- {
		c.order[postorder[i]] = len(postorder) - 1 - i
	}
}

// findLoops marks edges whose destination does not advance the topological
// order as back edges.
func (c *Coverage) findLoops() {
	for _, n := range c.nodes {
		no, ok := c.order[n.Source]
		if !ok {
			continue
		}
		for _, b := range n.Branches {
			bo, ok := c.order[b.Dst]
			if !ok {
				continue
			}
			if bo <= no {
				c.loops[Edge{Src: n.Source, Dst: b.Dst}] = true
			}
		}
	}
}

// findUselessEdges marks edges that a non-looping detour can replace.
func (c *Coverage) findUselessEdges() {
	reachable := func(blocked Edge, start, end uint64) bool {
		endOrder, ok := c.order[end]
		if !ok {
			return false
		}
		visited := make(map[uint64]bool)
		var dfs func(v uint64) bool
		dfs = func(v uint64) bool {
			if vo, ok := c.order[v]; !ok || vo > endOrder {
				return false
			}
			visited[v] = true
			node := c.nodes[v]
			if node == nil {
				return false
			}
			for _, b := range node.Branches {
				e := Edge{Src: node.Source, Dst: b.Dst}
				if e == blocked || c.loops[e] {
					continue
				}
				if e.Dst == end {
					return true
				}
				if !visited[e.Dst] && dfs(e.Dst) {
					return true
				}
			}
			return false
		}
		return dfs(start)
	}
	for _, n := range c.nodes {
		for _, b := range n.Branches {
			e := Edge{Src: n.Source, Dst: b.Dst}
			if reachable(e, n.Source, b.Dst) {
				c.useless[e] = true
			}
		}
	}
}

// buildPaths enumerates a path set covering every non-redundant edge at
// least once. Branches after the head are visited first, the head last; a
// loop edge is admitted only once per path stack; useless edges contribute
// their step without descent.
func (c *Coverage) buildPaths() {
	if len(c.nodes) == 0 {
		c.paths = []Path{{}}
		return
	}
	start, ok := c.snap(c.flo.EntryPoint)
	if !ok {
		c.paths = []Path{{}}
		return
	}

	visitedLoops := make(map[Edge]bool)
	var path Path
	var dfs func(v uint64)
	dfs = func(v uint64) {
		if c.ends[v] || c.nodes[v] == nil {
			c.paths = append(c.paths, append(Path(nil), path...))
			return
		}
		node := c.nodes[v]
		if len(node.Branches) == 0 {
			c.paths = append(c.paths, append(Path(nil), path...))
			return
		}
		added := 0
		visit := make([]int, 0, len(node.Branches))
		for i := 1; i < len(node.Branches); i++ {
			visit = append(visit, i)
		}
		visit = append(visit, 0)
		for _, bi := range visit {
			b := node.Branches[bi]
			if bi != 0 || added == 0 {
				isJump := b.Type == BranchConditional || b.Type == BranchUnconditional
				path = append(path, PathStep{Jump: b.Source, Take: isJump})
				added++
			} else {
				path[len(path)-1].Take = false
				if b.Type == BranchUnconditional {
					path = append(path, PathStep{Jump: b.Source, Take: true})
					added++
				}
			}
			e := Edge{Src: node.Source, Dst: b.Dst}
			loop := false
			if c.loops[e] {
				if visitedLoops[e] {
					continue
				}
				visitedLoops[e] = true
				loop = true
			}
			if !c.useless[e] {
				dfs(b.Dst)
			}
			if loop {
				delete(visitedLoops, e)
			}
		}
		path = path[:len(path)-added]
	}
	dfs(start)
}
