package virt

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestValueConcreteSymbolic(t *testing.T) {
	c := MakeConcrete(0x40, 0xDEAD, 4)
	if c.IsSymbolic() {
		t.Fatal("concrete value reports symbolic")
	}
	if c.Concrete() != 0xDEAD || c.Size() != 4 || c.Source() != 0x40 {
		t.Fatalf("concrete fields = %#x/%d/%#x", c.Concrete(), c.Size(), c.Source())
	}

	s := MakeSymbolic(0x50, 8, -16, 7)
	if !s.IsSymbolic() {
		t.Fatal("symbolic value reports concrete")
	}
	if s.Symbol().ID != 7 || s.Symbol().Offset != -16 {
		t.Fatalf("symbol = %+v", s.Symbol())
	}

	s.SetSource(0x60)
	s.SetSize(4)
	if s.Source() != 0x60 || s.Size() != 4 {
		t.Fatalf("after set: %#x/%d", s.Source(), s.Size())
	}
}

func TestFreshSymbolsDistinct(t *testing.T) {
	var gen IDGen
	a := gen.Fresh(0, 8)
	b := gen.Fresh(0, 8)
	if a.Symbol().ID == b.Symbol().ID {
		t.Fatalf("fresh symbols share id %d", a.Symbol().ID)
	}
}

func TestStackTagging(t *testing.T) {
	rsp := InitialStackPointer()
	if !PointsToStack(rsp) {
		t.Fatal("initial stack pointer not tagged")
	}
	if PointsToStack(0x1234) {
		t.Fatal("plain value tagged as stack")
	}
	// Argument k lives at 8*(k+1) above the return slot.
	for k := uint64(0); k < 8; k++ {
		addr := rsp + 8*(k+1)
		if got := StackArgumentNumber(addr); got != k {
			t.Errorf("argument number at +%#x = %d, want %d", 8*(k+1), got, k)
		}
	}
}

func TestCanonicalRegisters(t *testing.T) {
	tests := []struct {
		reg  x86asm.Reg
		slot Reg
		size int
	}{
		{x86asm.AL, RAX, 1},
		{x86asm.AH, RAX, 1},
		{x86asm.BH, RBX, 1},
		{x86asm.SPB, RSP, 1},
		{x86asm.R10B, R10, 1},
		{x86asm.AX, RAX, 2},
		{x86asm.DI, RDI, 2},
		{x86asm.EAX, RAX, 4},
		{x86asm.EBP, RBP, 4},
		{x86asm.R15L, R15, 4},
		{x86asm.RAX, RAX, 8},
		{x86asm.RSP, RSP, 8},
		{x86asm.R8, R8, 8},
		{x86asm.X0, X0, 8},
		{x86asm.X15, X15, 8},
	}
	for _, tt := range tests {
		slot, size, ok := Canonical(tt.reg)
		if !ok {
			t.Errorf("Canonical(%v) not tracked", tt.reg)
			continue
		}
		if slot != tt.slot || size != tt.size {
			t.Errorf("Canonical(%v) = %v/%d, want %v/%d", tt.reg, slot, size, tt.slot, tt.size)
		}
	}
	if _, _, ok := Canonical(x86asm.RIP); ok {
		t.Error("RIP should not be tracked")
	}
	if _, _, ok := Canonical(x86asm.CS); ok {
		t.Error("segment registers should not be tracked")
	}
}
