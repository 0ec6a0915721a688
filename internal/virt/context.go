package virt

import (
	"encoding/binary"

	"github.com/twmb/murmur3"
)

// ParentRole selects how a child context inherits caller identity.
type ParentRole int

const (
	// RoleDefault keeps the parent's caller id.
	RoleDefault ParentRole = iota
	// RoleCaller makes the parent the caller: the child records the parent's
	// own id as its caller id. Used for call-boundary parents.
	RoleCaller
)

// Context is one abstract program state: a register file and a sparse memory,
// both parent-chained. Reads walk up to the defining ancestor; writes touch
// only this context. The hash folds every register write incrementally, so
// contexts reached by the same register writes share a hash; memory writes do
// not enter the hash.
type Context struct {
	gen      *IDGen
	parent   *Context
	id       uint64
	callerID uint64
	hash     uint64
	regs     map[Reg]Value
	mem      map[uint64]Value
}

// NewContext builds a root context with every tracked register set to a
// fresh symbolic value sourced at the given address.
func NewContext(gen *IDGen, source uint64) *Context {
	c := &Context{
		gen:  gen,
		id:   gen.nextContext(),
		regs: make(map[Reg]Value, int(numRegs)),
	}
	for _, r := range TrackedRegs() {
		c.SetRegister(r, gen.Fresh(source, 8))
	}
	return c
}

// MakeChild returns a new context layered on top of c.
func (c *Context) MakeChild(role ParentRole) *Context {
	callerID := c.callerID
	if role == RoleCaller {
		callerID = c.id
	}
	return &Context{
		gen:      c.gen,
		parent:   c,
		id:       c.gen.nextContext(),
		callerID: callerID,
		hash:     c.hash,
	}
}

func (c *Context) ID() uint64       { return c.id }
func (c *Context) CallerID() uint64 { return c.callerID }
func (c *Context) Hash() uint64     { return c.hash }

// Gen exposes the id generator shared along the context chain.
func (c *Context) Gen() *IDGen { return c.gen }

// GetRegister walks the parent chain for the youngest value of a slot.
func (c *Context) GetRegister(r Reg) (Value, bool) {
	for ctx := c; ctx != nil; ctx = ctx.parent {
		if ctx.regs != nil {
			if v, ok := ctx.regs[r]; ok {
				return v, true
			}
		}
	}
	return Value{}, false
}

// SetRegister writes a slot and folds the transition into the context hash:
// the old value (or, on first write, the register itself), then the new
// value and its source.
func (c *Context) SetRegister(r Reg, v Value) {
	if r == RegNone || r >= numRegs {
		return
	}
	if old, ok := c.GetRegister(r); ok {
		c.hash = HashCombine(c.hash, old.Source())
		if old.IsSymbolic() {
			c.hash = HashCombine(c.hash, old.Symbol().ID)
		} else {
			c.hash = HashCombine(c.hash, old.Concrete())
		}
	} else {
		c.hash = HashCombine(c.hash, uint64(r))
	}
	if v.IsSymbolic() {
		c.hash = HashCombine(c.hash, v.Symbol().ID)
	} else {
		c.hash = HashCombine(c.hash, v.Concrete())
	}
	c.hash = HashCombine(c.hash, v.Source())
	if c.regs == nil {
		c.regs = make(map[Reg]Value)
	}
	c.regs[r] = v
}

// SetMemory writes a value at a concrete or hashed-symbolic address key.
func (c *Context) SetMemory(addr uint64, v Value) {
	if c.mem == nil {
		c.mem = make(map[uint64]Value)
	}
	c.mem[addr] = v
}

// MemValue is one stored value together with the key it was written at.
type MemValue struct {
	Addr  uint64
	Value Value
}

// GetMemory collects every value whose interval overlaps [addr, addr+size)
// from this context and its ancestors. Writes in younger contexts shadow
// older writes at the same key; distinct overlapping keys all contribute.
func (c *Context) GetMemory(addr uint64, size int) []MemValue {
	if size <= 0 {
		return nil
	}
	var out []MemValue
	var seen map[uint64]bool
	for ctx := c; ctx != nil; ctx = ctx.parent {
		if ctx.mem == nil {
			continue
		}
		// A stored value is at most 8 bytes wide, so only keys within 7
		// bytes below the window can overlap it.
		for k := addr - 7; k != addr+uint64(size); k++ {
			v, ok := ctx.mem[k]
			if !ok || seen[k] {
				continue
			}
			if k+uint64(v.Size()) > addr && k < addr+uint64(size) {
				if seen == nil {
					seen = make(map[uint64]bool)
				}
				seen[k] = true
				out = append(out, MemValue{Addr: k, Value: v})
			}
		}
	}
	return out
}

// ReadMemory collapses a multi-value read to a single value: a lone write
// exactly covering [addr, addr+size) is returned as-is, anything else
// becomes a fresh symbolic value sourced at the reading instruction.
func (c *Context) ReadMemory(addr uint64, size int, source uint64) Value {
	values := c.GetMemory(addr, size)
	if len(values) == 1 && values[0].Addr == addr && values[0].Value.Size() == size {
		return values[0].Value
	}
	return c.gen.Fresh(source, size)
}

// HashCombine folds one 64-bit word into a running hash.
func HashCombine(h, v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return murmur3.SeedSum64(h, buf[:])
}
