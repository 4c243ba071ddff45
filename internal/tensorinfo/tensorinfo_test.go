package tensorinfo

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestContiguous(t *testing.T) {
	info := Contiguous(3, 2, 3, 4)
	if !reflect.DeepEqual(info.Strides, []int32{12, 4, 1}) {
		t.Errorf("strides = %v", info.Strides)
	}
	if info.Elements() != 24 || info.Dims() != 3 {
		t.Errorf("elements/dims = %d/%d", info.Elements(), info.Dims())
	}
	if info.Index(0) != 3 || info.Index(23) != 3+23 {
		t.Errorf("contiguous index mapping broken: %d %d", info.Index(0), info.Index(23))
	}
}

func TestTransposedIndex(t *testing.T) {
	// 2x3 view over a 3x2 row-major buffer
	info := Info{Sizes: []int32{2, 3}, Strides: []int32{1, 2}}
	got := make([]int, 6)
	for i := range got {
		got[i] = info.Index(i)
	}
	if !reflect.DeepEqual(got, []int{0, 2, 4, 1, 3, 5}) {
		t.Errorf("transposed indices = %v", got)
	}
}

func TestArenaAddFindIntern(t *testing.T) {
	a := NewArena(4, 3)
	if a.RecordLen() != 10 || len(a.Int32s()) != 30 {
		t.Fatalf("record len %d backing %d", a.RecordLen(), len(a.Int32s()))
	}
	i0, err := a.Add(Contiguous(0, 8))
	if err != nil || i0 != 0 {
		t.Fatal(i0, err)
	}
	i1, _ := a.Add(Contiguous(0, 2, 4))
	if a.Find(Contiguous(0, 2, 4)) != i1 {
		t.Error("Find should locate equal content")
	}
	if a.Find(Contiguous(1, 2, 4)) != -1 {
		t.Error("different offset must not match")
	}
	if j, _ := a.Intern(Contiguous(0, 8)); j != i0 {
		t.Errorf("Intern should reuse %d, got %d", i0, j)
	}
	j, err := a.Intern(Contiguous(5, 8))
	if err != nil || j != 2 {
		t.Fatal(j, err)
	}
	if _, err := a.Add(Contiguous(0, 1)); !errors.Is(err, ErrFull) {
		t.Errorf("expected ErrFull, got %v", err)
	}
	if a.Len() != 3 {
		t.Errorf("Len = %d", a.Len())
	}

	rec := a.Record(1)
	want := []int32{2, 0, 2, 4, 0, 0, 4, 1, 0, 0}
	if !reflect.DeepEqual(rec, want) {
		t.Errorf("record layout = %v, want %v", rec, want)
	}
	if !a.At(1).Equal(Contiguous(0, 2, 4)) {
		t.Errorf("At(1) = %v", a.At(1))
	}

	a.Reset()
	if a.Len() != 0 || a.Find(Contiguous(0, 8)) != -1 {
		t.Error("Reset should empty the arena")
	}
}

func TestArenaRejectsTooManyDims(t *testing.T) {
	a := NewArena(2, 4)
	if _, err := a.Add(Contiguous(0, 1, 2, 3)); !errors.Is(err, ErrTooManyDims) {
		t.Errorf("expected ErrTooManyDims, got %v", err)
	}
	if _, err := a.Encode(Info{Sizes: []int32{1}, Strides: nil}); err == nil {
		t.Error("mismatched sizes/strides should fail")
	}
	rec, err := a.Encode(Contiguous(7, 5))
	if err != nil || !reflect.DeepEqual(rec, []int32{1, 7, 5, 0, 1, 0}) {
		t.Errorf("Encode = %v %v", rec, err)
	}
}

func TestDeclaration(t *testing.T) {
	src, err := Declaration(3)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"int dims;", "int size1;", "int size3;", "int stride3;"} {
		if !strings.Contains(src, want) {
			t.Errorf("declaration missing %q:\n%s", want, src)
		}
	}
	if strings.Contains(src, "size4") || strings.Count(src, "int ") != 2+2*3 {
		t.Errorf("unexpected fields:\n%s", src)
	}
}
