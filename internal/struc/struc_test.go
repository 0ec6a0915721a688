package struc

import (
	"strings"
	"testing"
)

func render(s *Struc) string {
	var b strings.Builder
	s.Print(&b)
	return b.String()
}

func TestAddIntFieldAliasSkip(t *testing.T) {
	s := New("t")
	s.AddIntField(0, 4, Unsigned, 1)
	s.AddIntField(0, 4, Signed, 1)
	if n := s.FieldCount(); n != 1 {
		t.Fatalf("field count = %d, want 1 (same-size int is an alias)", n)
	}
	// A different size at the same offset is not an alias.
	s.AddIntField(0, 8, Unsigned, 1)
	if n := s.FieldCount(); n != 2 {
		t.Fatalf("field count = %d, want 2", n)
	}
}

func TestFloatWinsOverInt(t *testing.T) {
	s := New("t")
	s.AddIntField(4, 4, Unsigned, 1)
	s.AddFloatField(4, 4, 1)
	fields := s.FieldsAt(4)
	if len(fields) != 1 || fields[0].Type != Float {
		t.Fatalf("fields at 4 = %+v, want single Float", fields)
	}
	// Adding the int back is a no-op: the float is its alias.
	s.AddIntField(4, 4, Unsigned, 1)
	if len(s.FieldsAt(4)) != 1 {
		t.Fatal("int field re-added over float")
	}
}

func TestPointerOverridesInt(t *testing.T) {
	s := New("t")
	ref := New("ref")
	s.AddIntField(8, 8, Unsigned, 1)
	s.AddPointerField(8, 1, ref)
	fields := s.FieldsAt(8)
	if len(fields) != 1 || fields[0].Type != Pointer || fields[0].Ref != ref {
		t.Fatalf("fields at 8 = %+v, want pointer to ref", fields)
	}
}

func TestFieldSetCoversArrays(t *testing.T) {
	s := New("t")
	s.AddIntField(0x10, 4, Unsigned, 4)
	for _, off := range []uint64{0x10, 0x14, 0x18, 0x1C} {
		if !s.HasFieldAt(off) {
			t.Errorf("field set missing element offset %#x", off)
		}
	}
	if s.HasFieldAt(0x20) {
		t.Error("field set covers one element past the array")
	}
}

func TestSize(t *testing.T) {
	s := New("t")
	if s.Size() != 0 {
		t.Fatal("empty struct has nonzero size")
	}
	s.AddIntField(0, 4, Unsigned, 1)
	s.AddIntField(0x10, 4, Unsigned, 4)
	if got := s.Size(); got != 0x20 {
		t.Fatalf("size = %#x, want 0x20 (last field end)", got)
	}
}

func TestMergeIdempotent(t *testing.T) {
	s := New("t")
	s.AddIntField(0, 4, Unsigned, 1)
	s.AddFloatField(8, 8, 1)
	before := render(s)
	s.Merge(s, nil)
	if after := render(s); after != before {
		t.Fatalf("self-merge changed struct:\n%s\nvs\n%s", before, after)
	}
}

func TestMergeFields(t *testing.T) {
	dst := New("dst")
	dst.AddIntField(0, 4, Unsigned, 1)
	src := New("src")
	src.AddIntField(8, 8, Unsigned, 1)
	src.AddFloatField(0x10, 4, 1)

	dst.Merge(src, nil)
	if !dst.HasFieldAt(8) || !dst.HasFieldAt(0x10) {
		t.Fatalf("merge missed fields: %s", render(dst))
	}
}

func TestMergeRecursesIntoPointees(t *testing.T) {
	inner1 := New("inner1")
	inner1.AddIntField(0, 4, Unsigned, 1)
	inner2 := New("inner2")
	inner2.AddIntField(8, 8, Unsigned, 1)

	dst := New("dst")
	dst.AddPointerField(0, 1, inner1)
	src := New("src")
	src.AddPointerField(0, 1, inner2)

	var merges int
	dst.Merge(src, func(d, s *Struc) { merges++ })
	if !inner1.HasFieldAt(8) {
		t.Fatal("pointee merge did not propagate fields")
	}
	if merges != 2 {
		t.Fatalf("merge callback ran %d times, want 2 (pointee + top)", merges)
	}
}

func TestMergeCyclicReferences(t *testing.T) {
	// a -> b -> a; merging two such pairs must terminate.
	a1, b1 := New("a1"), New("b1")
	a1.AddPointerField(0, 1, b1)
	b1.AddPointerField(0, 1, a1)
	a2, b2 := New("a2"), New("b2")
	a2.AddPointerField(0, 1, b2)
	b2.AddPointerField(0, 1, a2)

	// Terminates because merged pairs are visited once.
	a1.Merge(a2, nil)
	if !b1.HasFieldAt(0) {
		t.Fatal("cycle merge lost pointer fields")
	}
}

func TestPrintPadding(t *testing.T) {
	s := New("t")
	s.AddIntField(0x10, 8, Unsigned, 1)
	got := render(s)
	want := "struct t {\n" +
		"    char _padding_0000[0x0010];\n" +
		"    uint64_t field_0010;\n" +
		"};\n"
	if got != want {
		t.Fatalf("print:\n%s\nwant:\n%s", got, want)
	}
}

func TestPrintUnion(t *testing.T) {
	s := New("t")
	s.AddIntField(4, 4, Unsigned, 1)
	s.AddFloatField(4, 8, 1) // different size: not an alias, overlaps
	got := render(s)
	want := "struct t {\n" +
		"    char _padding_0000[0x0004];\n" +
		"    union {\n" +
		"        uint32_t field_0004_1;\n" +
		"        double field_0004_2;\n" +
		"    };\n" +
		"};\n"
	if got != want {
		t.Fatalf("print:\n%s\nwant:\n%s", got, want)
	}
}

func TestPrintNestedUnionMember(t *testing.T) {
	s := New("t")
	s.AddIntField(0, 8, Unsigned, 1)
	s.AddIntField(4, 4, Unsigned, 1) // starts inside the first field
	got := render(s)
	want := "struct t {\n" +
		"    union {\n" +
		"        uint64_t field_0000_1;\n" +
		"        struct { char _padding[0x0004]; uint32_t value; } field_0004_2;\n" +
		"    };\n" +
		"};\n"
	if got != want {
		t.Fatalf("print:\n%s\nwant:\n%s", got, want)
	}
}

func TestPrintArrayAndPointer(t *testing.T) {
	ref := New("other")
	s := New("t")
	s.AddIntField(0, 4, Unsigned, 4)
	s.AddPointerField(0x10, 1, ref)
	s.AddPointerField(0x18, 1, nil)
	got := render(s)
	want := "struct t {\n" +
		"    uint32_t field_0000[4];\n" +
		"    other* field_0010;\n" +
		"    void* field_0018;\n" +
		"};\n"
	if got != want {
		t.Fatalf("print:\n%s\nwant:\n%s", got, want)
	}
}

func TestTypeTokens(t *testing.T) {
	tests := []struct {
		field Field
		want  string
	}{
		{Field{Type: UInt, Size: 1}, "uint8_t"},
		{Field{Type: UInt, Size: 2}, "uint16_t"},
		{Field{Type: UInt, Size: 4}, "uint32_t"},
		{Field{Type: UInt, Size: 8}, "uint64_t"},
		{Field{Type: Int, Size: 1}, "int8_t"},
		{Field{Type: Int, Size: 8}, "int64_t"},
		{Field{Type: Float, Size: 2}, "f16_t"},
		{Field{Type: Float, Size: 4}, "float"},
		{Field{Type: Float, Size: 8}, "double"},
		{Field{Type: Float, Size: 10}, "long double"},
		{Field{Type: Pointer, Size: 8}, "void*"},
	}
	for _, tt := range tests {
		if got := tt.field.typeString(); got != tt.want {
			t.Errorf("typeString(%+v) = %q, want %q", tt.field, got, tt.want)
		}
	}
}
