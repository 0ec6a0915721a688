package recontex

import (
	"runtime"
	"sync"

	"github.com/apex/log"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"restruc/internal/reflo"
	"restruc/internal/virt"
)

// Recontex computes, per flo, the set of abstract contexts reaching every
// instruction, by symbolic interpretation along the coverage path set.
type Recontex struct {
	reflo      *reflo.Reflo
	gen        *virt.IDGen
	maxThreads int

	mu       sync.Mutex
	contexts map[uint64]*virt.FloContexts
}

func New(r *reflo.Reflo) *Recontex {
	return &Recontex{
		reflo:      r,
		gen:        &virt.IDGen{},
		maxThreads: runtime.NumCPU(),
		contexts:   make(map[uint64]*virt.FloContexts),
	}
}

// SetMaxThreads bounds the number of flos analyzed concurrently.
func (rc *Recontex) SetMaxThreads(n int) {
	if n > 0 {
		rc.maxThreads = n
	}
}

// Analyze interprets every flo. Each flo is independent; results are merged
// under the store mutex.
func (rc *Recontex) Analyze() error {
	var g errgroup.Group
	g.SetLimit(rc.maxThreads)
	for _, flo := range rc.reflo.Flos() {
		flo := flo
		g.Go(func() error {
			rc.analyzeOne(flo)
			return nil
		})
	}
	return g.Wait()
}

// Contexts returns the context store of a flo, or nil when coverage failed.
func (rc *Recontex) Contexts(flo *reflo.Flo) *virt.FloContexts {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.contexts[flo.EntryPoint]
}

// ContextsAt returns the context bag reaching one instruction of a flo.
func (rc *Recontex) ContextsAt(flo *reflo.Flo, addr uint64) []*virt.Context {
	fc := rc.Contexts(flo)
	if fc == nil {
		return nil
	}
	return fc.At(addr)
}

func (rc *Recontex) analyzeOne(flo *reflo.Flo) {
	cov := NewCoverage(flo)
	if !cov.Analyze() {
		log.Debugf("recontex: optimal coverage for %#x cannot be calculated", flo.EntryPoint)
		return
	}
	fc := virt.NewFloContexts()
	rc.analyzeFlo(flo, fc, newAnalyzePaths(cov.Paths()), rc.initialContexts(flo), flo.EntryPoint)
	for _, e := range cov.Loops() {
		flo.AddCycle(e.Src, e.Dst)
	}
	rc.mu.Lock()
	rc.contexts[flo.EntryPoint] = fc
	rc.mu.Unlock()
}

// initialContexts builds the single entry context: every tracked register a
// fresh symbolic, RSP a concrete tagged stack pointer.
func (rc *Recontex) initialContexts(flo *reflo.Flo) []*virt.Context {
	c := virt.NewContext(rc.gen, flo.EntryPoint)
	c.SetRegister(virt.RSP, virt.MakeConcrete(flo.EntryPoint, virt.InitialStackPointer(), 8))
	return []*virt.Context{c}
}

// analyzePath is one enumerated path with a cursor over its steps.
type analyzePath struct {
	steps Path
	cur   int
}

func newAnalyzePaths(paths []Path) []*analyzePath {
	out := make([]*analyzePath, 0, len(paths))
	for _, p := range paths {
		out = append(out, &analyzePath{steps: p})
	}
	return out
}

func (p *analyzePath) current() *PathStep {
	if p.cur >= len(p.steps) {
		return nil
	}
	return &p.steps[p.cur]
}

// advanceAt moves cursors positioned on the given jump past it.
func advanceAt(paths []*analyzePath, addr uint64) {
	for _, p := range paths {
		if st := p.current(); st != nil && st.Jump == addr {
			p.cur++
		}
	}
}

// analyzeFlo walks the disassembly from addr, propagating ctxs into the
// store at each instruction. At a jump the path set splits: paths taking it
// continue at the destination, the rest recurse down the fallthrough.
func (rc *Recontex) analyzeFlo(flo *reflo.Flo, fc *virt.FloContexts, paths []*analyzePath, ctxs []*virt.Context, addr uint64) {
	end := flo.End()
	for addr < end {
		if len(ctxs) == 0 {
			return
		}
		in := flo.InstAt(addr)
		if in == nil {
			return
		}
		ctxs = rc.propagate(fc, addr, in, ctxs)
		if len(ctxs) == 0 {
			return
		}
		op := in.Inst.Op
		switch {
		case reflo.IsAnyJump(op):
			var take, skip []*analyzePath
			for _, p := range paths {
				if st := p.current(); st != nil && st.Jump == addr && st.Take {
					take = append(take, p)
				} else {
					skip = append(skip, p)
				}
			}
			if len(skip) > 0 {
				advanceAt(skip, addr)
				rc.analyzeFlo(flo, fc, skip, makeChildren(ctxs), in.Next())
			}
			if len(take) == 0 {
				return
			}
			dst, ok := reflo.JumpDestination(in)
			if !ok {
				return
			}
			advanceAt(take, addr)
			paths = take
			addr = dst
		case op == x86asm.RET:
			return
		default:
			addr = in.Next()
		}
	}
}

func makeChildren(ctxs []*virt.Context) []*virt.Context {
	out := make([]*virt.Context, 0, len(ctxs))
	for _, c := range ctxs {
		out = append(out, c.MakeChild(virt.RoleDefault))
	}
	return out
}

// propagate stores each incoming context at addr (deduplicated by hash;
// duplicate states are dropped from further propagation) and emulates the
// instruction on a child of each stored context.
func (rc *Recontex) propagate(fc *virt.FloContexts, addr uint64, in *reflo.Inst, ctxs []*virt.Context) []*virt.Context {
	out := make([]*virt.Context, 0, len(ctxs))
	for _, c := range ctxs {
		if !fc.Emplace(addr, c) {
			continue
		}
		child := c.MakeChild(virt.RoleDefault)
		rc.emulate(addr, in, child)
		out = append(out, child)
	}
	return out
}
