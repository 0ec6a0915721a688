// Package struc models recovered composite types: ordered, alias-aware
// field sets that render to C-like struct definitions.
package struc

import (
	"fmt"
	"io"
)

// FieldType orders types by priority: a weaker type arriving at an offset
// already covered by a stronger one is a duplicate.
type FieldType int

const (
	UInt FieldType = iota
	Int
	Float
	Pointer
	Composite
)

// Signedness selects Int vs UInt for integer fields.
type Signedness int

const (
	Unsigned Signedness = iota
	Signed
)

// Field is one recovered slot: type, element size, array count, and the
// referenced struct for pointers and inlined composites.
type Field struct {
	Type  FieldType
	Size  uint64
	Count uint64
	Ref   *Struc
}

func (f Field) isPointerAlias(uint64) bool {
	return f.Size == 8 && (f.Type == Int || f.Type == UInt || f.Type == Pointer)
}

func (f Field) isFloatAlias(size uint64) bool {
	if f.Size != size {
		return false
	}
	return f.Type == Int || f.Type == UInt || f.Type == Float
}

func (f Field) isTypedIntAlias(size uint64) bool {
	if f.Size != size {
		return false
	}
	return f.Type == Int || f.Type == UInt || f.Type == Float || f.Type == Pointer
}

func (f Field) end(offset uint64) uint64 { return offset + f.Size*f.Count }

func (f Field) typeString() string {
	switch f.Type {
	case UInt:
		switch f.Size {
		case 1:
			return "uint8_t"
		case 2:
			return "uint16_t"
		case 4:
			return "uint32_t"
		case 8:
			return "uint64_t"
		}
	case Int:
		switch f.Size {
		case 1:
			return "int8_t"
		case 2:
			return "int16_t"
		case 4:
			return "int32_t"
		case 8:
			return "int64_t"
		}
	case Float:
		switch f.Size {
		case 2:
			return "f16_t"
		case 4:
			return "float"
		case 8:
			return "double"
		case 10:
			return "long double"
		}
	case Pointer:
		if f.Ref != nil {
			return f.Ref.Name() + "*"
		}
		return "void*"
	case Composite:
		if f.Ref != nil {
			return f.Ref.Name()
		}
	}
	return ""
}

type entry struct {
	offset uint64
	field  Field
}

// Struc is an ordered multimap offset→field. Several fields may share an
// offset, rendering as a union.
type Struc struct {
	name     string
	fields   []entry // sorted by offset, insertion-stable among equals
	fieldSet map[uint64]bool
}

func New(name string) *Struc {
	return &Struc{name: name, fieldSet: make(map[uint64]bool)}
}

func (s *Struc) Name() string { return s.name }

// FieldCount returns the number of stored fields.
func (s *Struc) FieldCount() int { return len(s.fields) }

// FieldsAt returns the fields stored at exactly the given offset.
func (s *Struc) FieldsAt(offset uint64) []Field {
	var out []Field
	for _, e := range s.fields {
		if e.offset == offset {
			out = append(out, e.field)
		}
	}
	return out
}

// Offsets returns the distinct field offsets in order.
func (s *Struc) Offsets() []uint64 {
	var out []uint64
	for _, e := range s.fields {
		if len(out) == 0 || out[len(out)-1] != e.offset {
			out = append(out, e.offset)
		}
	}
	return out
}

// HasFieldAt reports whether a field element starts at offset.
func (s *Struc) HasFieldAt(offset uint64) bool { return s.fieldSet[offset] }

// upperBound returns the first index whose offset is greater than offset.
func (s *Struc) upperBound(offset uint64) int {
	lo, hi := 0, len(s.fields)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.fields[mid].offset <= offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// AddIntField inserts an integer field unless a same-size alias already
// claims the offset.
func (s *Struc) AddIntField(offset, size uint64, signedness Signedness, count uint64) {
	if s.hasAliases(offset, Field.isTypedIntAlias, size) {
		return
	}
	typ := UInt
	if signedness == Signed {
		typ = Int
	}
	s.AddField(offset, Field{Type: typ, Size: size, Count: count})
}

// AddFloatField inserts a float field, displacing any same-size int or float
// alias at the offset. Float wins; its count is raised to the largest count
// among the fields that were at the offset.
func (s *Struc) AddFloatField(offset, size, count uint64) {
	removed := s.removeAliases(offset, Field.isFloatAlias, size)
	if removed > count {
		count = removed
	}
	s.AddField(offset, Field{Type: Float, Size: size, Count: count})
}

// AddPointerField inserts a pointer field, displacing any 8-byte int or
// pointer alias at the offset.
func (s *Struc) AddPointerField(offset, count uint64, ref *Struc) {
	removed := s.removeAliases(offset, Field.isPointerAlias, 8)
	if removed > count {
		count = removed
	}
	s.AddField(offset, Field{Type: Pointer, Size: 8, Count: count, Ref: ref})
}

// AddStrucField inlines a referenced struct at the offset.
func (s *Struc) AddStrucField(offset uint64, ref *Struc, count uint64) {
	s.AddField(offset, Field{Type: Composite, Count: count, Ref: ref})
}

// AddField inserts a field unless the alias/priority rules make it a
// duplicate, and marks every element offset it covers.
func (s *Struc) AddField(offset uint64, field Field) {
	if s.isDuplicate(offset, field) {
		return
	}
	for i := uint64(0); i < field.Count; i++ {
		s.fieldSet[offset+i*field.Size] = true
	}
	i := s.upperBound(offset)
	s.fields = append(s.fields, entry{})
	copy(s.fields[i+1:], s.fields[i:])
	s.fields[i] = entry{offset: offset, field: field}
}

// isDuplicate scans backwards over fields whose range reaches offset and
// applies the alias rules with type priority.
func (s *Struc) isDuplicate(offset uint64, field Field) bool {
	for i := s.upperBound(offset) - 1; i >= 0; i-- {
		cur := s.fields[i].field
		curOffset := s.fields[i].offset
		if cur.end(curOffset) <= offset {
			break
		}
		if cur.Size != field.Size {
			continue
		}
		if field.Size != 0 && curOffset%field.Size != offset%field.Size {
			continue
		}
		switch cur.Type {
		case UInt, Int:
			if field.isTypedIntAlias(cur.Size) && field.Type <= cur.Type {
				return true
			}
		case Float:
			if field.isFloatAlias(cur.Size) && field.Type <= cur.Type {
				return true
			}
		case Pointer:
			if field.isPointerAlias(cur.Size) && field.Type <= cur.Type {
				return true
			}
		case Composite:
			if field.Type == cur.Type {
				return true
			}
		}
	}
	return false
}

func (s *Struc) hasAliases(offset uint64, check func(Field, uint64) bool, size uint64) bool {
	for _, f := range s.FieldsAt(offset) {
		if check(f, size) {
			return true
		}
	}
	return false
}

// removeAliases drops matching fields at the offset and returns the largest
// count seen there.
func (s *Struc) removeAliases(offset uint64, check func(Field, uint64) bool, size uint64) uint64 {
	count := uint64(1)
	kept := s.fields[:0]
	for _, e := range s.fields {
		if e.offset == offset {
			if e.field.Count > count {
				count = e.field.Count
			}
			if check(e.field, size) {
				continue
			}
		}
		kept = append(kept, e)
	}
	s.fields = kept
	return count
}

// MergeCallback observes each completed merge of src into dst.
type MergeCallback func(dst, src *Struc)

// Merge folds every field of src into s. Pointer fields to structs merge
// their pointees recursively; reference cycles are cut by a visited set.
func (s *Struc) Merge(src *Struc, callback MergeCallback) {
	s.merge(src, callback, make(map[[2]*Struc]bool))
}

func (s *Struc) merge(src *Struc, callback MergeCallback, visited map[[2]*Struc]bool) {
	if s == src || visited[[2]*Struc{s, src}] {
		return
	}
	visited[[2]*Struc{s, src}] = true
	for _, e := range append([]entry(nil), src.fields...) {
		if !s.tryMergeStrucFieldAt(e.offset, e.field, callback, visited) {
			s.mergeField(e.offset, e.field)
		}
	}
	if callback != nil {
		callback(s, src)
	}
}

// tryMergeStrucFieldAt recursively merges a pointer-to-struct source field
// into any aligned pointer-to-struct destination field covering the offset.
func (s *Struc) tryMergeStrucFieldAt(offset uint64, srcField Field, callback MergeCallback, visited map[[2]*Struc]bool) bool {
	if srcField.Type != Pointer || srcField.Ref == nil {
		return false
	}
	merged := false
	for i := s.upperBound(offset) - 1; i >= 0; i-- {
		dst := s.fields[i].field
		dstOffset := s.fields[i].offset
		if dst.end(dstOffset) <= offset {
			break
		}
		if dst.Type != Pointer || dst.Ref == nil || dstOffset%8 != offset%8 {
			continue
		}
		dst.Ref.merge(srcField.Ref, callback, visited)
		merged = true
	}
	return merged
}

func (s *Struc) mergeField(offset uint64, field Field) {
	if !s.HasFieldAt(offset) {
		s.AddField(offset, field)
		return
	}
	if s.isDuplicate(offset, field) {
		return
	}
	switch {
	case field.Type == Pointer && field.Ref != nil:
		s.AddPointerField(offset, 1, field.Ref)
	case field.Type == Float:
		s.AddFloatField(offset, field.Size, field.Count)
	default:
		s.AddField(offset, field)
	}
}

// Size returns the struct extent: the farthest end among fields at the last
// occupied offset.
func (s *Struc) Size() uint64 {
	if len(s.fields) == 0 {
		return 0
	}
	last := s.fields[len(s.fields)-1].offset
	var size uint64
	for _, f := range s.FieldsAt(last) {
		if end := f.end(last); end > last+size {
			size = end - last
		}
	}
	return last + size
}

// Print renders the struct with explicit padding, arrays, and unions for
// overlapping fields.
func (s *Struc) Print(w io.Writer) {
	fmt.Fprintf(w, "struct %s {\n", s.name)
	next := uint64(0)
	i := 0
	for i < len(s.fields) {
		base := s.fields[i].offset
		if base > next {
			fmt.Fprintf(w, "    char _padding_%04x[0x%04x];\n", next, base-next)
		}
		unionCount := 1
		if end := s.fields[i].field.end(base); end > next {
			next = end
		}
		end := i + 1
		for end < len(s.fields) {
			prevEnd := s.fields[end-1].field.end(s.fields[end-1].offset)
			if prevEnd <= s.fields[end].offset {
				break
			}
			if next < prevEnd {
				next = prevEnd
			}
			if curEnd := s.fields[end].field.end(s.fields[end].offset); next < curEnd {
				next = curEnd
			}
			end++
			unionCount++
		}
		isUnion := unionCount > 1
		indent := "    "
		if isUnion {
			fmt.Fprintf(w, "    union {\n")
			indent += "    "
		}
		for j := 1; j <= unionCount; j++ {
			e := s.fields[i]
			if e.offset == base {
				fmt.Fprintf(w, "%s%s field_%04x", indent, e.field.typeString(), e.offset)
				if isUnion {
					fmt.Fprintf(w, "_%d", j)
				}
				if e.field.Count > 1 {
					fmt.Fprintf(w, "[%d]", e.field.Count)
				}
			} else {
				fmt.Fprintf(w, "%sstruct { char _padding[0x%04x]; %s value", indent, e.offset-base, e.field.typeString())
				if e.field.Count > 1 {
					fmt.Fprintf(w, "[%d]", e.field.Count)
				}
				fmt.Fprintf(w, "; } field_%04x", e.offset)
				if isUnion {
					fmt.Fprintf(w, "_%d", j)
				}
			}
			fmt.Fprintf(w, ";\n")
			i++
		}
		if isUnion {
			fmt.Fprintf(w, "    };\n")
		}
	}
	fmt.Fprintf(w, "};\n")
}
