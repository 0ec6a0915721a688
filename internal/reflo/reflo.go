package reflo

import (
	"sort"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Binary is the image surface reconstruction needs. *pex.Image satisfies it;
// tests substitute synthetic fakes.
type Binary interface {
	EntryPoint() (uint64, error)
	SectionBounds(addr uint64) (start, end uint64, err error)
	Data() []byte
	RawToVirtual(addr uint64) (uint32, error)
	IsExecutable(addr uint64) bool
}

// Reflo drives function discovery: a worklist of entry points seeded by the
// image entry, extended by every call and outer-jump destination.
type Reflo struct {
	bin   Binary
	flos  map[uint64]*Flo
	queue []uint64
}

func New(bin Binary) *Reflo {
	return &Reflo{bin: bin, flos: make(map[uint64]*Flo)}
}

// Flos returns every reconstructed function keyed by entry point.
func (r *Reflo) Flos() map[uint64]*Flo { return r.flos }

// FloByEntry returns the flo at the given entry point, or nil.
func (r *Reflo) FloByEntry(entry uint64) *Flo { return r.flos[entry] }

// SortedEntries returns flo entry points in ascending order.
func (r *Reflo) SortedEntries() []uint64 {
	entries := make([]uint64, 0, len(r.flos))
	for e := range r.flos {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })
	return entries
}

// AnalyzedBounds returns the [lo, hi] VA range covered by all flos.
func (r *Reflo) AnalyzedBounds() (lo, hi uint32) {
	first := true
	for _, flo := range r.flos {
		if len(flo.Order()) == 0 {
			continue
		}
		a, err1 := r.bin.RawToVirtual(flo.Order()[0])
		b, err2 := r.bin.RawToVirtual(flo.Order()[len(flo.Order())-1])
		if err1 != nil || err2 != nil {
			continue
		}
		if first || a < lo {
			lo = a
		}
		if first || b > hi {
			hi = b
		}
		first = false
	}
	return lo, hi
}

// Analyze discovers all functions reachable from the entry point.
func (r *Reflo) Analyze() error {
	entry, err := r.bin.EntryPoint()
	if err != nil {
		return errors.Wrap(err, "reflo: entry point")
	}
	if err := r.createFlo(entry); err != nil {
		return err
	}
	for len(r.queue) > 0 {
		ep := r.queue[0]
		r.queue = r.queue[1:]
		flo := r.flos[ep]
		if flo == nil {
			continue
		}
		for _, dst := range uniqueDestinations(flo) {
			if err := r.createFlo(dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// uniqueDestinations lists each distinct call and outer-jump target once.
func uniqueDestinations(flo *Flo) []uint64 {
	seen := make(map[uint64]bool)
	var dsts []uint64
	for _, c := range flo.Calls() {
		if !seen[c.Dst] {
			seen[c.Dst] = true
			dsts = append(dsts, c.Dst)
		}
	}
	for dst := range flo.OuterJumps() {
		if !seen[dst] {
			seen[dst] = true
			dsts = append(dsts, dst)
		}
	}
	sort.Slice(dsts, func(i, j int) bool { return dsts[i] < dsts[j] })
	return dsts
}

// createFlo reconstructs one function. Analysis-local failures (targets
// outside any section, unresolvable jumps) abandon the function; decode
// errors on believed code are fatal.
func (r *Reflo) createFlo(entry uint64) error {
	if _, ok := r.flos[entry]; ok {
		return nil
	}
	if !r.bin.IsExecutable(entry) {
		log.Debugf("reflo: skipping non-code target %#x", entry)
		return nil
	}

	g := newCFGraph(entry, nil)
	for {
		if err := r.fill(g); err != nil {
			if isLocal(err) {
				log.WithError(err).Warnf("reflo: abandoning function %#x", entry)
				return nil
			}
			return err
		}
		if g.isComplete() {
			break
		}
		progressed, err := r.resolveIncomplete(g)
		if err != nil {
			if isLocal(err) {
				log.WithError(err).Warnf("reflo: abandoning function %#x", entry)
				return nil
			}
			return err
		}
		if !progressed {
			log.Warnf("reflo: abandoning function %#x: unresolvable jumps", entry)
			return nil
		}
	}

	r.flos[entry] = g.toFlo()
	r.queue = append(r.queue, entry)
	return nil
}

// localError marks failures that abandon only the current function.
type localError struct{ error }

func isLocal(err error) bool {
	var le localError
	return errors.As(err, &le)
}

// fill linearly decodes and steps the cfgraph until it terminates or runs
// off the section.
func (r *Reflo) fill(g *cfgraph) error {
	next := g.entryPoint
	if g.maxAddr != 0 {
		next = g.maxAddr
	}
	_, end, err := r.bin.SectionBounds(next)
	if err != nil {
		return localError{err}
	}
	data := r.bin.Data()
	for next < end {
		addr := next
		if g.insts[addr] == nil {
			decoded, err := x86asm.Decode(data[addr:end], 64)
			if err != nil {
				va, _ := r.bin.RawToVirtual(addr)
				return errors.Wrapf(err, "reflo: decode at %08x", va)
			}
			g.addInstruction(&Inst{Addr: addr, Len: decoded.Len, Inst: decoded})
		}
		next = g.analyze(addr)
		if next == 0 {
			break
		}
	}
	return nil
}

// resolveIncomplete speculatively disassembles each unknown destination as a
// sub-cfgraph. If the speculation completes on its own or turns out
// contiguous with the outer graph it is merged back (the jump was inner after
// all) and resolution stops there; otherwise the unknown is promoted to
// outer. Reports whether any unknown was resolved.
func (r *Reflo) resolveIncomplete(g *cfgraph) (bool, error) {
	if len(g.insts) == 0 || len(g.unknownJumps) == 0 {
		return false, nil
	}
	progressed := false
	for len(g.unknownJumps) > 0 {
		dst := minKey(g.unknownJumps)
		sub := newCFGraph(dst, g)
		_, end, err := r.bin.SectionBounds(dst)
		if err != nil {
			// Target outside any section: it cannot be inner code.
			g.promoteUnknown(dst, JumpOuter)
			progressed = true
			continue
		}
		data := r.bin.Data()
		next := dst
		canMerge := false
		for !canMerge && next != 0 && next < end {
			addr := next
			if sub.insts[addr] == nil {
				decoded, err := x86asm.Decode(data[addr:end], 64)
				if err != nil {
					va, _ := r.bin.RawToVirtual(addr)
					return progressed, errors.Wrapf(err, "reflo: decode at %08x", va)
				}
				sub.addInstruction(&Inst{Addr: addr, Len: decoded.Len, Inst: decoded})
			}
			next = sub.analyze(addr)
			canMerge = sub.canMergeWithOuter()
		}
		if canMerge {
			g.merge(sub)
			progressed = true
			break
		}
		g.promoteUnknown(dst, JumpOuter)
		progressed = true
	}
	return progressed, nil
}

func minKey(m map[uint64][]Jump) uint64 {
	var min uint64
	first := true
	for k := range m {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}
