package recontex

import (
	"testing"

	"restruc/internal/reflo"
	"restruc/internal/virt"
)

func interpret(t *testing.T, code []byte) (*reflo.Reflo, *Recontex) {
	t.Helper()
	r := reflo.New(fakeBin{code: code})
	if err := r.Analyze(); err != nil {
		t.Fatalf("reflo: %v", err)
	}
	rc := New(r)
	rc.SetMaxThreads(1)
	if err := rc.Analyze(); err != nil {
		t.Fatalf("recontex: %v", err)
	}
	return r, rc
}

func TestXorZeroesRegister(t *testing.T) {
	// 0: xor eax, eax
	// 2: ret
	r, rc := interpret(t, []byte{0x31, 0xC0, 0xC3})
	flo := r.FloByEntry(0)

	ctxs := rc.ContextsAt(flo, 2)
	if len(ctxs) != 1 {
		t.Fatalf("contexts at ret = %d, want 1", len(ctxs))
	}
	rax, ok := ctxs[0].GetRegister(virt.RAX)
	if !ok || rax.IsSymbolic() || rax.Concrete() != 0 {
		t.Fatalf("rax after xor = %+v, want concrete 0", rax)
	}
}

func TestEntryStateSymbolicWithConcreteRSP(t *testing.T) {
	r, rc := interpret(t, []byte{0x31, 0xC0, 0xC3})
	flo := r.FloByEntry(0)

	ctxs := rc.ContextsAt(flo, 0)
	if len(ctxs) != 1 {
		t.Fatalf("contexts at entry = %d, want 1", len(ctxs))
	}
	ctx := ctxs[0]
	rcx, ok := ctx.GetRegister(virt.RCX)
	if !ok || !rcx.IsSymbolic() {
		t.Fatalf("rcx at entry = %+v, want symbolic", rcx)
	}
	rsp, ok := ctx.GetRegister(virt.RSP)
	if !ok || rsp.IsSymbolic() {
		t.Fatalf("rsp at entry = %+v, want concrete", rsp)
	}
	if !virt.PointsToStack(rsp.Concrete()) {
		t.Fatal("rsp missing stack tag")
	}
}

func TestFieldLoadProducesSymbolic(t *testing.T) {
	// 0: mov rax, [rcx+0x10]
	// 4: ret
	r, rc := interpret(t, []byte{0x48, 0x8B, 0x41, 0x10, 0xC3})
	flo := r.FloByEntry(0)

	entryCtx := rc.ContextsAt(flo, 0)[0]
	rcxEntry, _ := entryCtx.GetRegister(virt.RCX)

	ctxs := rc.ContextsAt(flo, 4)
	if len(ctxs) != 1 {
		t.Fatalf("contexts at ret = %d", len(ctxs))
	}
	rax, ok := ctxs[0].GetRegister(virt.RAX)
	if !ok || !rax.IsSymbolic() {
		t.Fatalf("rax = %+v, want symbolic load result", rax)
	}
	if rax.Source() != 0 {
		t.Fatalf("rax source = %#x, want the load at 0", rax.Source())
	}
	if rax.Symbol().ID == rcxEntry.Symbol().ID {
		t.Fatal("loaded value shares the base pointer's symbol")
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	// 0: push rbx
	// 1: pop rbx
	// 2: ret
	r, rc := interpret(t, []byte{0x53, 0x5B, 0xC3})
	flo := r.FloByEntry(0)

	entryCtx := rc.ContextsAt(flo, 0)[0]
	rbxEntry, _ := entryCtx.GetRegister(virt.RBX)

	ctxs := rc.ContextsAt(flo, 2)
	if len(ctxs) != 1 {
		t.Fatalf("contexts at ret = %d", len(ctxs))
	}
	rbx, ok := ctxs[0].GetRegister(virt.RBX)
	if !ok || !rbx.IsSymbolic() || rbx.Symbol().ID != rbxEntry.Symbol().ID {
		t.Fatalf("rbx after push/pop = %+v, want restored %+v", rbx, rbxEntry)
	}
	rsp, _ := ctxs[0].GetRegister(virt.RSP)
	if rsp.IsSymbolic() || rsp.Concrete() != virt.InitialStackPointer() {
		t.Fatalf("rsp after push/pop = %+v, want initial", rsp)
	}
}

func TestCallClobbersVolatiles(t *testing.T) {
	// 0: call 6
	// 5: ret
	// 6: ret
	code := []byte{
		0xE8, 0x01, 0x00, 0x00, 0x00,
		0xC3,
		0xC3,
	}
	r, rc := interpret(t, code)
	flo := r.FloByEntry(0)

	entryCtx := rc.ContextsAt(flo, 0)[0]
	raxEntry, _ := entryCtx.GetRegister(virt.RAX)
	rbxEntry, _ := entryCtx.GetRegister(virt.RBX)

	ctxs := rc.ContextsAt(flo, 5)
	if len(ctxs) != 1 {
		t.Fatalf("contexts at ret = %d", len(ctxs))
	}
	ctx := ctxs[0]
	rax, _ := ctx.GetRegister(virt.RAX)
	if !rax.IsSymbolic() || rax.Symbol().ID == raxEntry.Symbol().ID {
		t.Fatalf("rax across call = %+v, want clobbered", rax)
	}
	rbx, _ := ctx.GetRegister(virt.RBX)
	if !rbx.IsSymbolic() || rbx.Symbol().ID != rbxEntry.Symbol().ID {
		t.Fatalf("rbx across call = %+v, want preserved", rbx)
	}
	rsp, _ := ctx.GetRegister(virt.RSP)
	if rsp.IsSymbolic() || rsp.Concrete() != virt.InitialStackPointer() {
		t.Fatalf("rsp across call = %+v, want unchanged", rsp)
	}
}

func TestContextHashesUniquePerAddress(t *testing.T) {
	// The counted loop revisits its body with distinct register states.
	code := []byte{
		0x31, 0xD2,
		0x8B, 0x04, 0x91,
		0x48, 0xFF, 0xC2,
		0x48, 0x83, 0xFA, 0x04,
		0x7C, 0xF4,
		0xC3,
	}
	r, rc := interpret(t, code)
	flo := r.FloByEntry(0)
	fc := rc.Contexts(flo)
	if fc == nil {
		t.Fatal("no contexts stored")
	}
	for _, addr := range fc.Addresses() {
		bag := fc.At(addr)
		for i := 0; i < len(bag); i++ {
			for j := i + 1; j < len(bag); j++ {
				if bag[i].Hash() == bag[j].Hash() {
					t.Fatalf("duplicate hash at %#x", addr)
				}
			}
		}
	}
	// The loop body is reached with more than one context.
	if len(fc.At(2)) < 2 {
		t.Fatalf("loop body contexts = %d, want several", len(fc.At(2)))
	}
}

func TestLoopRecordsCycle(t *testing.T) {
	code := []byte{
		0x31, 0xD2,
		0x48, 0xFF, 0xC2,
		0x48, 0x83, 0xFA, 0x04,
		0x7C, 0xF7,
		0xC3,
	}
	r, rc := interpret(t, code)
	_ = rc
	flo := r.FloByEntry(0)
	if len(flo.Cycles()) != 1 {
		t.Fatalf("cycles = %v, want 1", flo.Cycles())
	}
}

func TestArithmeticOnSymbolShiftsOffset(t *testing.T) {
	// 0: add rcx, 8
	// 4: ret
	r, rc := interpret(t, []byte{0x48, 0x83, 0xC1, 0x08, 0xC3})
	flo := r.FloByEntry(0)

	entryCtx := rc.ContextsAt(flo, 0)[0]
	rcxEntry, _ := entryCtx.GetRegister(virt.RCX)

	ctx := rc.ContextsAt(flo, 4)[0]
	rcx, _ := ctx.GetRegister(virt.RCX)
	if !rcx.IsSymbolic() {
		t.Fatalf("rcx = %+v, want symbolic", rcx)
	}
	if rcx.Symbol().ID != rcxEntry.Symbol().ID {
		t.Fatal("add with immediate lost the symbol identity")
	}
	if rcx.Symbol().Offset != 8 {
		t.Fatalf("symbol offset = %d, want 8", rcx.Symbol().Offset)
	}
}
