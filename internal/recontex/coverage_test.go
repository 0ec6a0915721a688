package recontex

import (
	"testing"

	"github.com/pkg/errors"

	"restruc/internal/reflo"
)

// fakeBin exposes a flat code buffer as a single executable section starting
// at offset 0.
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

func reconstruct(t *testing.T, code []byte) *reflo.Flo {
	t.Helper()
	r := reflo.New(fakeBin{code: code})
	if err := r.Analyze(); err != nil {
		t.Fatalf("reflo: %v", err)
	}
	flo := r.FloByEntry(0)
	if flo == nil {
		t.Fatal("no flo at entry")
	}
	return flo
}

func TestCoverageNoJumps(t *testing.T) {
	// xor eax, eax; ret
	flo := reconstruct(t, []byte{0x31, 0xC0, 0xC3})
	cov := NewCoverage(flo)
	if !cov.Analyze() {
		t.Fatal("coverage failed")
	}
	paths := cov.Paths()
	if len(paths) != 1 || len(paths[0]) != 0 {
		t.Fatalf("paths = %v, want one empty path", paths)
	}
	if len(cov.Loops()) != 0 {
		t.Fatalf("loops = %v", cov.Loops())
	}
}

func TestCoverageSingleConditional(t *testing.T) {
	// 0: xor eax, eax
	// 2: jz 6
	// 4: xor edx, edx
	// 6: ret
	flo := reconstruct(t, []byte{0x31, 0xC0, 0x74, 0x02, 0x31, 0xD2, 0xC3})
	cov := NewCoverage(flo)
	if !cov.Analyze() {
		t.Fatal("coverage failed")
	}
	paths := cov.Paths()
	if len(paths) != 2 {
		t.Fatalf("paths = %d, want 2", len(paths))
	}
	var sawTake, sawSkip bool
	for _, p := range paths {
		if len(p) != 1 || p[0].Jump != 2 {
			t.Fatalf("path = %v", p)
		}
		if p[0].Take {
			sawTake = true
		} else {
			sawSkip = true
		}
	}
	if !sawTake || !sawSkip {
		t.Fatalf("both branch directions should be covered: %v", paths)
	}
}

func TestCoverageLoop(t *testing.T) {
	// 0: xor edx, edx
	// 2: mov eax, [rcx+rdx*4]
	// 5: inc rdx
	// 8: cmp rdx, 4
	// 12: jl 2
	// 14: ret
	code := []byte{
		0x31, 0xD2,
		0x8B, 0x04, 0x91,
		0x48, 0xFF, 0xC2,
		0x48, 0x83, 0xFA, 0x04,
		0x7C, 0xF4,
		0xC3,
	}
	flo := reconstruct(t, code)
	cov := NewCoverage(flo)
	if !cov.Analyze() {
		t.Fatal("coverage failed")
	}
	if len(cov.Loops()) != 1 {
		t.Fatalf("loops = %v, want 1 back edge", cov.Loops())
	}
	// The loop body must be exercised at least once, and the fallthrough too.
	var tookLoop, fellThrough bool
	for _, p := range cov.Paths() {
		for _, step := range p {
			if step.Jump == 12 && step.Take {
				tookLoop = true
			}
			if step.Jump == 12 && !step.Take {
				fellThrough = true
			}
		}
	}
	if !tookLoop || !fellThrough {
		t.Fatalf("paths do not cover the loop: %v", cov.Paths())
	}
}

func TestCoverageTerminatesOnLoop(t *testing.T) {
	// A two-level nest: inner jl 2, outer jl 0 through a shared body.
	// 0: xor edx, edx
	// 2: inc rdx
	// 5: cmp rdx, 4
	// 9: jl 2
	// 11: cmp rdx, 8
	// 15: jl 0
	// 17: ret
	code := []byte{
		0x31, 0xD2,
		0x48, 0xFF, 0xC2,
		0x48, 0x83, 0xFA, 0x04,
		0x7C, 0xF7,
		0x48, 0x83, 0xFA, 0x08,
		0x7C, 0xEF,
		0xC3,
	}
	flo := reconstruct(t, code)
	cov := NewCoverage(flo)
	if !cov.Analyze() {
		t.Fatal("coverage failed")
	}
	if len(cov.Loops()) != 2 {
		t.Fatalf("loops = %v, want 2 back edges", cov.Loops())
	}
	if len(cov.Paths()) == 0 {
		t.Fatal("no paths enumerated")
	}
}
