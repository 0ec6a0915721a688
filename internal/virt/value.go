// Package virt models abstract machine state: values that are either
// concrete 64-bit words or opaque symbols, register files and sparse memory
// with parent-chained structural sharing, and per-address context bags.
package virt

import "sync/atomic"

// Symbol identifies an unknown quantity. Two symbolic values with the same ID
// denote the same unknown in every context.
type Symbol struct {
	ID     uint64
	Offset int64
}

// Value is one machine word: concrete or symbolic, tagged with the address of
// the instruction that produced it and its width in bytes.
type Value struct {
	source   uint64
	concrete uint64
	sym      Symbol
	size     int
	symbolic bool
}

// MakeConcrete builds a concrete value.
func MakeConcrete(source, value uint64, size int) Value {
	return Value{source: source, concrete: value, size: size}
}

// MakeSymbolic builds a symbolic value with an explicit symbol id.
func MakeSymbolic(source uint64, size int, offset int64, id uint64) Value {
	return Value{source: source, sym: Symbol{ID: id, Offset: offset}, size: size, symbolic: true}
}

func (v Value) IsSymbolic() bool { return v.symbolic }
func (v Value) Concrete() uint64 { return v.concrete }
func (v Value) Symbol() Symbol   { return v.sym }
func (v Value) Source() uint64   { return v.source }
func (v Value) Size() int        { return v.size }

func (v *Value) SetSource(addr uint64) { v.source = addr }
func (v *Value) SetSize(size int)      { v.size = size }

// MemKey is the sparse-memory key for this value when it is used as an
// address: the concrete word, or the symbol id for hashed-symbolic addresses.
func (v Value) MemKey() uint64 {
	if v.symbolic {
		return v.sym.ID
	}
	return v.concrete
}

const magicStackValue uint64 = 0x0000C0DE

// MagicStackMask marks the upper half of values and symbol ids derived from
// the stack pointer at function entry.
const MagicStackMask uint64 = magicStackValue << 32

// InitialStackPointer is the concrete RSP value at flo entry.
func InitialStackPointer() uint64 { return magicStackValue << 32 }

// PointsToStack reports whether a concrete word carries the stack tag.
func PointsToStack(v uint64) bool { return v&MagicStackMask == MagicStackMask }

// StackArgumentNumber extracts the 0-based argument number from a tagged
// stack address. Arguments are numbered from the slot 8 bytes above the
// return slot, so offset 8*(k+1) maps to argument k.
func StackArgumentNumber(v uint64) uint64 {
	off := v & 0xFFFFFFFF
	return off/8 - 1
}

// IDGen issues monotonic ids for symbols and contexts. One generator per
// analysis keeps the pipeline reentrant.
type IDGen struct {
	symbols  atomic.Uint64
	contexts atomic.Uint64
}

// Fresh builds a new symbolic value with a never-before-seen symbol id.
func (g *IDGen) Fresh(source uint64, size int) Value {
	return MakeSymbolic(source, size, 0, g.symbols.Add(1))
}

func (g *IDGen) nextContext() uint64 { return g.contexts.Add(1) }
