// Package tensorinfo packs tensor layout metadata (dims, offset, sizes, strides)
// into fixed-size int32 records that kernels read as a C struct.
package tensorinfo

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-kernelrt/internal/template"
)

var (
	ErrFull        = errors.New("tensor info arena is full")
	ErrTooManyDims = errors.New("tensor has more dimensions than the arena supports")
)

// Info describes a strided view over a flat buffer.
type Info struct {
	Offset  int32
	Sizes   []int32
	Strides []int32
}

// Contiguous returns the row-major layout of sizes starting at offset.
func Contiguous(offset int, sizes ...int) Info {
	info := Info{Offset: int32(offset), Sizes: make([]int32, len(sizes)), Strides: make([]int32, len(sizes))}
	stride := int32(1)
	for d := len(sizes) - 1; d >= 0; d-- {
		info.Sizes[d] = int32(sizes[d])
		info.Strides[d] = stride
		stride *= int32(sizes[d])
	}
	return info
}

func (i Info) Dims() int { return len(i.Sizes) }

// Elements is the number of addressable elements.
func (i Info) Elements() int {
	if len(i.Sizes) == 0 {
		return 0
	}
	n := 1
	for _, s := range i.Sizes {
		n *= int(s)
	}
	return n
}

// Index maps a linear element position onto a buffer index.
func (i Info) Index(linear int) int {
	idx := int(i.Offset)
	for d := len(i.Sizes) - 1; d >= 0; d-- {
		size := int(i.Sizes[d])
		idx += (linear % size) * int(i.Strides[d])
		linear /= size
	}
	return idx
}

// Equal reports whether two infos describe the same layout.
func (i Info) Equal(o Info) bool {
	if i.Offset != o.Offset || len(i.Sizes) != len(o.Sizes) || len(i.Strides) != len(o.Strides) {
		return false
	}
	for d := range i.Sizes {
		if i.Sizes[d] != o.Sizes[d] {
			return false
		}
	}
	for d := range i.Strides {
		if i.Strides[d] != o.Strides[d] {
			return false
		}
	}
	return true
}

func (i Info) String() string {
	return fmt.Sprintf("info(offset=%d sizes=%v strides=%v)", i.Offset, i.Sizes, i.Strides)
}

// Arena stores up to capacity records of RecordLen int32 values each:
// dims, offset, size1..sizeN, stride1..strideN with N = MaxDims.
// Unused dimensions are zero.
type Arena struct {
	maxDims int
	cap     int
	n       int
	data    []int32
}

func NewArena(maxDims, capacity int) *Arena {
	return &Arena{
		maxDims: maxDims,
		cap:     capacity,
		data:    make([]int32, capacity*(2+2*maxDims)),
	}
}

func (a *Arena) MaxDims() int { return a.maxDims }

func (a *Arena) Cap() int { return a.cap }

func (a *Arena) Len() int { return a.n }

// RecordLen is the number of int32 values per record.
func (a *Arena) RecordLen() int { return 2 + 2*a.maxDims }

// Int32s exposes the whole backing array for wrapping in a device buffer.
func (a *Arena) Int32s() []int32 { return a.data }

// Record returns the encoded form of record idx, aliasing the arena.
func (a *Arena) Record(idx int) []int32 {
	l := a.RecordLen()
	return a.data[idx*l : (idx+1)*l]
}

func (a *Arena) encode(dst []int32, info Info) error {
	if info.Dims() > a.maxDims {
		return fmt.Errorf("%w: %d > %d", ErrTooManyDims, info.Dims(), a.maxDims)
	}
	if len(info.Strides) != len(info.Sizes) {
		return fmt.Errorf("%d sizes but %d strides", len(info.Sizes), len(info.Strides))
	}
	for i := range dst {
		dst[i] = 0
	}
	dst[0] = int32(info.Dims())
	dst[1] = info.Offset
	copy(dst[2:], info.Sizes)
	copy(dst[2+a.maxDims:], info.Strides)
	return nil
}

// Encode returns the record form of info without storing it, for binding as a
// by-value struct.
func (a *Arena) Encode(info Info) ([]int32, error) {
	rec := make([]int32, a.RecordLen())
	if err := a.encode(rec, info); err != nil {
		return nil, err
	}
	return rec, nil
}

// Add appends info and returns its index.
func (a *Arena) Add(info Info) (int, error) {
	if a.n >= a.cap {
		return -1, ErrFull
	}
	if err := a.encode(a.Record(a.n), info); err != nil {
		return -1, err
	}
	a.n++
	return a.n - 1, nil
}

// At decodes record idx.
func (a *Arena) At(idx int) Info {
	rec := a.Record(idx)
	dims := int(rec[0])
	return Info{
		Offset:  rec[1],
		Sizes:   append([]int32(nil), rec[2:2+dims]...),
		Strides: append([]int32(nil), rec[2+a.maxDims:2+a.maxDims+dims]...),
	}
}

// Find returns the index of the first stored record with the same layout as
// info, or -1.
func (a *Arena) Find(info Info) int {
	for i := 0; i < a.n; i++ {
		if a.At(i).Equal(info) {
			return i
		}
	}
	return -1
}

// Intern returns the index of an equal record, adding info when none exists.
func (a *Arena) Intern(info Info) (int, error) {
	if i := a.Find(info); i >= 0 {
		return i, nil
	}
	return a.Add(info)
}

func (a *Arena) Reset() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.n = 0
}

// DeclarationTemplate is the OpenCL C struct matching an arena record. The
// maxdims parameter sets how many size and stride fields are expanded.
const DeclarationTemplate = `typedef struct Info {
  int dims;
  int offset;
{% for d=1,maxdims do %}  int size{{d}};
{% end %}{% for d=1,maxdims do %}  int stride{{d}};
{% end %}} Info;
`

// Declaration renders the struct declaration for maxDims dimensions.
func Declaration(maxDims int) (string, error) {
	return template.Render(DeclarationTemplate, template.Params{"maxdims": maxDims})
}
