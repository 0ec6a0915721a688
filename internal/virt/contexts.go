package virt

import "sort"

// FloContexts is the per-flo context store: for every instruction address,
// the bag of distinct contexts that reach it, kept sorted by hash.
type FloContexts struct {
	m map[uint64][]*Context
}

func NewFloContexts() *FloContexts {
	return &FloContexts{m: make(map[uint64][]*Context)}
}

// Emplace inserts a context into the bag at addr in hash order. A context
// whose hash is already present is a duplicate state and is discarded.
func (fc *FloContexts) Emplace(addr uint64, c *Context) bool {
	bag := fc.m[addr]
	i := sort.Search(len(bag), func(i int) bool {
		return bag[i].Hash() >= c.Hash()
	})
	if i < len(bag) && bag[i].Hash() == c.Hash() {
		return false
	}
	bag = append(bag, nil)
	copy(bag[i+1:], bag[i:])
	bag[i] = c
	fc.m[addr] = bag
	return true
}

// At returns the context bag reaching addr.
func (fc *FloContexts) At(addr uint64) []*Context { return fc.m[addr] }

// Len returns the total number of stored contexts.
func (fc *FloContexts) Len() int {
	n := 0
	for _, bag := range fc.m {
		n += len(bag)
	}
	return n
}

// Addresses returns every address with at least one stored context, sorted.
func (fc *FloContexts) Addresses() []uint64 {
	addrs := make([]uint64, 0, len(fc.m))
	for a := range fc.m {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
