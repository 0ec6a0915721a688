// Package restruc recovers struct definitions from the reconstructed flos
// and their symbolic contexts: memory accesses are clustered by the root
// pointer they dereference, each cluster becomes a struct, and structs are
// linked through pointer fields within and across functions.
package restruc

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"restruc/internal/recontex"
	"restruc/internal/reflo"
	"restruc/internal/struc"
	"restruc/internal/virt"
)

// StrucDomain is one access cluster inside a flo: the struct synthesized for
// a root pointer, the instructions dereferencing it, and the base registers
// they used.
type StrucDomain struct {
	Struc    *struc.Struc
	BaseFlo  *reflo.Flo
	Root     virt.Value
	Relevant map[uint64]*reflo.Inst
	Offsets  map[uint64]uint64
	BaseRegs map[uint64][]virt.Reg
}

// FloDomain holds a flo's clusters keyed by root symbol id.
type FloDomain struct {
	Strucs map[uint64]*StrucDomain
}

func (fd *FloDomain) empty() bool { return fd == nil || len(fd.Strucs) == 0 }

// Restruc runs struct recovery over reflo and recontex results.
type Restruc struct {
	reflo      *reflo.Reflo
	recontex   *recontex.Recontex
	bin        reflo.Binary
	maxThreads int

	domainsMu sync.Mutex
	domains   map[uint64]*FloDomain

	strucsMu sync.Mutex
	strucs   map[string]*struc.Struc

	// mergeMu serializes all struct merging; merges may nest through
	// referenced structs, so one mutator runs at a time.
	mergeMu sync.Mutex
}

func New(r *reflo.Reflo, rc *recontex.Recontex, bin reflo.Binary) *Restruc {
	return &Restruc{
		reflo:      r,
		recontex:   rc,
		bin:        bin,
		maxThreads: runtime.NumCPU(),
		domains:    make(map[uint64]*FloDomain),
		strucs:     make(map[string]*struc.Struc),
	}
}

// SetMaxThreads bounds the number of flos processed concurrently.
func (r *Restruc) SetMaxThreads(n int) {
	if n > 0 {
		r.maxThreads = n
	}
}

// Strucs returns every recovered struct keyed by name.
func (r *Restruc) Strucs() map[string]*struc.Struc {
	r.strucsMu.Lock()
	defer r.strucsMu.Unlock()
	out := make(map[string]*struc.Struc, len(r.strucs))
	for k, v := range r.strucs {
		out[k] = v
	}
	return out
}

// Analyze clusters and links structs: a per-flo analysis pass, then a
// per-flo inter-linking pass over the completed domains.
func (r *Restruc) Analyze() error {
	var g errgroup.Group
	g.SetLimit(r.maxThreads)
	for _, flo := range r.reflo.Flos() {
		flo := flo
		g.Go(func() error {
			r.analyzeFlo(flo)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	g.SetLimit(r.maxThreads)
	for _, flo := range r.reflo.Flos() {
		flo := flo
		g.Go(func() error {
			r.interLinkFloStrucs(flo)
			return nil
		})
	}
	return g.Wait()
}

// analyzeFlo clusters the flo's non-stack memory accesses by root pointer,
// synthesizes the structs, and links pointer chains inside the flo.
func (r *Restruc) analyzeFlo(flo *reflo.Flo) {
	fc := r.recontex.Contexts(flo)
	if fc == nil {
		return
	}
	groups := make(map[uint64]*StrucDomain)
	for _, addr := range flo.Order() {
		in := flo.InstAt(addr)
		mem, ok := recontex.NonStackMemOperand(in)
		if !ok || mem.Base == 0 || mem.Base == x86asm.RIP {
			continue
		}
		slot, _, ok := virt.Canonical(mem.Base)
		if !ok {
			continue
		}
		for _, ctx := range fc.At(addr) {
			base, has := ctx.GetRegister(slot)
			if !has || !base.IsSymbolic() {
				continue
			}
			offset := mem.Disp + base.Symbol().Offset
			if offset < 0 {
				continue
			}
			sd := groups[base.Symbol().ID]
			if sd == nil {
				sd = &StrucDomain{
					BaseFlo:  flo,
					Root:     base,
					Relevant: make(map[uint64]*reflo.Inst),
					Offsets:  make(map[uint64]uint64),
					BaseRegs: make(map[uint64][]virt.Reg),
				}
				groups[base.Symbol().ID] = sd
			}
			if _, ok := sd.Relevant[addr]; !ok {
				sd.Relevant[addr] = in
				sd.Offsets[addr] = uint64(offset)
			}
			sd.BaseRegs[addr] = appendRegUnique(sd.BaseRegs[addr], slot)
		}
	}
	if len(groups) == 0 {
		return
	}
	fd := &FloDomain{Strucs: groups}
	r.createFloStrucs(flo, fd)
	r.intraLinkFloStrucs(fd)
	r.addFloDomain(flo, fd)
}

func appendRegUnique(regs []virt.Reg, reg virt.Reg) []virt.Reg {
	for _, r := range regs {
		if r == reg {
			return regs
		}
	}
	return append(regs, reg)
}

// createFloStrucs synthesizes one struct per cluster and infers its fields
// from the clustered instructions.
func (r *Restruc) createFloStrucs(flo *reflo.Flo, fd *FloDomain) {
	for _, sd := range fd.Strucs {
		sd.Struc = struc.New(r.strucName(flo, sd.Root))
		addrs := make([]uint64, 0, len(sd.Relevant))
		for addr := range sd.Relevant {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		for _, addr := range addrs {
			r.addStrucField(flo, addr, sd, sd.Relevant[addr])
		}
		r.strucsMu.Lock()
		r.strucs[sd.Struc.Name()] = sd.Struc
		r.strucsMu.Unlock()
	}
}

// strucName derives a deterministic name from the flo, the root's defining
// instruction, and the root symbol.
func (r *Restruc) strucName(flo *reflo.Flo, root virt.Value) string {
	entryVA := r.displayVA(flo.EntryPoint)
	sourceVA := r.displayVA(root.Source())
	return fmt.Sprintf("rs_%08x_%08x_%x", entryVA, sourceVA, root.Symbol().ID)
}

func (r *Restruc) displayVA(addr uint64) uint32 {
	if r.bin != nil {
		if va, err := r.bin.RawToVirtual(addr); err == nil {
			return va
		}
	}
	return uint32(addr)
}

// addStrucField infers one field from a clustered access: SIMD and x87
// element sizes select the float family, everything else an integer whose
// signedness follows the mnemonic, with an array count bounded by a nearby
// compare-and-jump when the access is indexed.
func (r *Restruc) addStrucField(flo *reflo.Flo, addr uint64, sd *StrucDomain, in *reflo.Inst) {
	size := uint64(in.Inst.MemBytes)
	if size == 0 {
		return
	}
	offset := sd.Offsets[addr]
	count := r.fieldCount(flo, in)
	if isFloatAccess(in) {
		if size == 2 || size == 4 || size == 8 || size == 10 {
			sd.Struc.AddFloatField(offset, size, count)
		}
		return
	}
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return
	}
	signedness := struc.Unsigned
	if in.Inst.Op == x86asm.MOVSX || in.Inst.Op == x86asm.MOVSXD {
		signedness = struc.Signed
	}
	sd.Struc.AddIntField(offset, size, signedness, count)
}

// isFloatAccess reports whether the access moves a floating-point element:
// an SSE register operand, or an x87 10-byte memory width.
func isFloatAccess(in *reflo.Inst) bool {
	if in.Inst.MemBytes == 10 {
		return true
	}
	for _, arg := range in.Inst.Args {
		if arg == nil {
			break
		}
		if reg, ok := arg.(x86asm.Reg); ok && reg >= x86asm.X0 && reg <= x86asm.X15 {
			return true
		}
	}
	return false
}

// lessThanJumps close counted loops; a CMP index, N directly before one
// bounds the array.
func isLessThanJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JL, x86asm.JB, x86asm.JLE, x86asm.JBE:
		return true
	}
	return false
}

// fieldCount returns the array-count heuristic: for an indexed access, a
// CMP of the index register against an immediate N followed by a
// less-than jump yields N; everything else is a single element.
func (r *Restruc) fieldCount(flo *reflo.Flo, in *reflo.Inst) uint64 {
	mem, ok := recontex.MemOperand(in)
	if !ok || mem.Index == 0 {
		return 1
	}
	indexSlot, _, ok := virt.Canonical(mem.Index)
	if !ok {
		return 1
	}
	order := flo.Order()
	for i, addr := range order {
		cmp := flo.InstAt(addr)
		if cmp.Inst.Op != x86asm.CMP {
			continue
		}
		reg, ok := cmp.Inst.Args[0].(x86asm.Reg)
		if !ok {
			continue
		}
		slot, _, ok := virt.Canonical(reg)
		if !ok || slot != indexSlot {
			continue
		}
		imm, ok := cmp.Inst.Args[1].(x86asm.Imm)
		if !ok || imm <= 0 {
			continue
		}
		if i+1 < len(order) {
			next := flo.InstAt(order[i+1])
			if isLessThanJump(next.Inst.Op) {
				return uint64(imm)
			}
		}
	}
	return 1
}

// intraLinkFloStrucs turns loads whose result roots another cluster into
// pointer fields: the loading access's offset points at the other struct.
func (r *Restruc) intraLinkFloStrucs(fd *FloDomain) {
	for _, sd := range fd.Strucs {
		for _, other := range fd.Strucs {
			if other == sd {
				continue
			}
			source := other.Root.Source()
			if _, ok := sd.Relevant[source]; !ok {
				continue
			}
			sd.Struc.AddPointerField(sd.Offsets[source], 1, other.Struc)
		}
	}
}

func (r *Restruc) addFloDomain(flo *reflo.Flo, fd *FloDomain) {
	if fd.empty() {
		return
	}
	r.domainsMu.Lock()
	r.domains[flo.EntryPoint] = fd
	r.domainsMu.Unlock()
}

func (r *Restruc) floDomain(entry uint64) *FloDomain {
	r.domainsMu.Lock()
	defer r.domainsMu.Unlock()
	return r.domains[entry]
}

// interLinkFloStrucs merges a flo's argument-rooted structs with the structs
// its callers pass at each call site, via the four argument registers or
// via stack slots.
func (r *Restruc) interLinkFloStrucs(flo *reflo.Flo) {
	fd := r.floDomain(flo.EntryPoint)
	if fd.empty() {
		return
	}
	for _, sd := range fd.Strucs {
		if sd.Root.Source() == flo.EntryPoint {
			for _, reg := range distinctBaseRegs(sd) {
				if isArgumentReg(reg) {
					r.interLinkViaRegister(flo, sd, reg)
				}
			}
			continue
		}
		if arg, ok := r.stackArgument(flo, sd); ok && arg >= 4 {
			r.interLinkViaStack(flo, sd, arg)
		}
	}
}

func distinctBaseRegs(sd *StrucDomain) []virt.Reg {
	var out []virt.Reg
	for _, regs := range sd.BaseRegs {
		for _, reg := range regs {
			out = appendRegUnique(out, reg)
		}
	}
	return out
}

func isArgumentReg(reg virt.Reg) bool {
	for _, a := range virt.ArgumentRegs {
		if a == reg {
			return true
		}
	}
	return false
}

// interLinkViaRegister looks up the argument register at every call site
// targeting flo and merges the caller's matching cluster with sd.
func (r *Restruc) interLinkViaRegister(flo *reflo.Flo, sd *StrucDomain, reg virt.Reg) {
	for _, callerFlo := range r.reflo.Flos() {
		callerFd := r.floDomain(callerFlo.EntryPoint)
		if callerFd.empty() {
			continue
		}
		for _, call := range callerFlo.Calls() {
			if call.Dst != flo.EntryPoint {
				continue
			}
			for _, ctx := range r.recontex.ContextsAt(callerFlo, call.Src) {
				v, ok := ctx.GetRegister(reg)
				if !ok || !v.IsSymbolic() {
					continue
				}
				if callerSd := callerFd.Strucs[v.Symbol().ID]; callerSd != nil {
					r.linkStrucs(callerSd, sd)
				}
			}
		}
	}
}

// stackArgument resolves the stack slot the cluster's root was loaded from,
// if its defining instruction reads a tagged stack address.
func (r *Restruc) stackArgument(flo *reflo.Flo, sd *StrucDomain) (uint64, bool) {
	in := flo.InstAt(sd.Root.Source())
	if in == nil {
		return 0, false
	}
	mem, ok := recontex.MemOperand(in)
	if !ok {
		return 0, false
	}
	for _, ctx := range r.recontex.ContextsAt(flo, in.Addr) {
		av := recontex.MemoryAddress(in, mem, ctx)
		if !av.IsSymbolic() && virt.PointsToStack(av.Concrete()) {
			return virt.StackArgumentNumber(av.Concrete()), true
		}
	}
	return 0, false
}

// interLinkViaStack probes the caller's outgoing argument slots at each call
// site for a symbolic value rooting one of the caller's clusters.
func (r *Restruc) interLinkViaStack(flo *reflo.Flo, sd *StrucDomain, arg uint64) {
	for _, callerFlo := range r.reflo.Flos() {
		callerFd := r.floDomain(callerFlo.EntryPoint)
		if callerFd.empty() {
			continue
		}
		for _, call := range callerFlo.Calls() {
			if call.Dst != flo.EntryPoint {
				continue
			}
			for _, ctx := range r.recontex.ContextsAt(callerFlo, call.Src) {
				rsp, ok := ctx.GetRegister(virt.RSP)
				if !ok || rsp.IsSymbolic() {
					continue
				}
				// The callee-side numbering counts from the return slot;
				// the caller's outgoing frame holds slot k at both
				// candidate displacements depending on prologue shape.
				for _, slotAddr := range []uint64{rsp.Concrete() + 8*arg, rsp.Concrete() + 8*(arg+1)} {
					for _, mv := range ctx.GetMemory(slotAddr, 8) {
						if mv.Addr != slotAddr || !mv.Value.IsSymbolic() {
							continue
						}
						if callerSd := callerFd.Strucs[mv.Value.Symbol().ID]; callerSd != nil {
							r.linkStrucs(callerSd, sd)
						}
					}
				}
			}
		}
	}
}

// linkStrucs merges the callee-side struct into the caller's under the
// single merge lock, and retires the absorbed name from the output set.
func (r *Restruc) linkStrucs(dst, src *StrucDomain) {
	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()
	if dst.Struc == src.Struc {
		return
	}
	absorbed := src.Struc
	dst.Struc.Merge(absorbed, nil)
	r.strucsMu.Lock()
	if r.strucs[absorbed.Name()] == absorbed {
		delete(r.strucs, absorbed.Name())
	}
	r.strucsMu.Unlock()
	src.Struc = dst.Struc
}

// Dump prints every recovered struct in name order.
func (r *Restruc) Dump(w io.Writer) {
	strucs := r.Strucs()
	names := make([]string, 0, len(strucs))
	for name := range strucs {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			fmt.Fprintln(w)
		}
		strucs[name].Print(w)
	}
}
