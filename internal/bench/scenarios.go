package bench

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-kernelrt/internal/device"
	"github.com/23skdu/longbow-kernelrt/internal/kernel"
	"github.com/23skdu/longbow-kernelrt/internal/template"
	"github.com/23skdu/longbow-kernelrt/internal/tensorinfo"
)

func init() {
	Register(Scenario{
		Name:        "apply3",
		Description: "out = in1 * in2 over contiguous buffers",
		Defaults:    template.Params{"n": 6400, "its": 900},
		Run:         runApply3,
	})
	Register(Scenario{
		Name:        "apply3_flat",
		Description: "out = in1 * in2 with every layout passed as int arguments",
		Defaults:    template.Params{"n": 6400, "its": 900, "dims": 2},
		Run:         runApply3Flat,
	})
	Register(Scenario{
		Name:        "apply3_perclt",
		Description: "out = in1 * in2 with layouts sent as a struct array every launch",
		Defaults:    template.Params{"n": 6400, "its": 900, "dims": 2, "maxdims": 25, "reuse": true},
		Run:         runApply3PerLaunch,
	})
	Register(Scenario{
		Name:        "apply3_singleinfosbuf",
		Description: "out = in1 * in2 with layouts interned in one shared info buffer",
		Defaults:    template.Params{"n": 6400, "its": 900, "dims": 2, "maxdims": 5, "capacity": 64, "dummies": 60},
		Run:         runApply3Infos,
	})
	Register(Scenario{
		Name:        "launch",
		Description: "add 1.0 in place, split over many launches",
		Defaults:    template.Params{"n": 65536, "launches": 256, "its": 1},
		Run:         runLaunch,
	})
	Register(Scenario{
		Name:        "apply1b",
		Description: "templated elementwise operation, scalar or vector typed",
		Defaults:    template.Params{"n": 65536, "width": 1, "operation": "out + 3.3f", "launches": 256, "its": 1},
		Run:         runApply1,
	})
	Register(Scenario{
		Name:        "workgroupsize",
		Description: "add 3.3 in place with one launch per iteration",
		Defaults:    template.Params{"n": 65536, "its": 1},
		Run:         runWorkgroupSize,
	})
	Register(Scenario{
		Name:        "privatebuffer",
		Description: "add 3.3 through a per-lane private array",
		Defaults:    template.Params{"n": 65536, "privatesize": 16, "its": 1},
		Run:         runPrivateBuffer,
	})
	Register(Scenario{
		Name:        "strided",
		Description: "add 3.3 through a 2-D strided view, optionally transposed",
		Defaults:    template.Params{"n": 65536, "size1": 32, "transposed": false, "its": 1},
		Run:         runStrided,
	})
}

// fill returns the deterministic input (i+add) mod 1000000.
func fill(n, add int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i + add) % 1000000)
	}
	return out
}

// shapeOf splits n into dims sizes, outer dimensions taking the largest
// divisor up to 16.
func shapeOf(n, dims int) []int {
	sizes := make([]int, dims)
	rem := n
	for d := 0; d < dims-1; d++ {
		sizes[d] = 1
		for c := 16; c >= 2; c-- {
			if rem%c == 0 {
				sizes[d] = c
				break
			}
		}
		rem /= sizes[d]
	}
	sizes[dims-1] = rem
	return sizes
}

// transposed lays sizes out first dimension fastest.
func transposed(sizes []int) tensorinfo.Info {
	info := tensorinfo.Contiguous(0, sizes...)
	stride := int32(1)
	for d := range sizes {
		info.Strides[d] = stride
		stride *= int32(sizes[d])
	}
	return info
}

// products holds the three operands of the apply3 family. in2 is read
// through a transposed view.
type products struct {
	n                      int
	out, in1, in2          []float32
	outBuf, in1Buf, in2Buf *device.Buffer
	layouts                [3]tensorinfo.Info
}

func newProducts(s *Session, n, dims int) (*products, error) {
	if dims < 1 {
		return nil, fmt.Errorf("dims must be at least 1, got %d", dims)
	}
	shape := shapeOf(n, dims)
	p := &products{
		n:   n,
		out: make([]float32, n),
		in1: fill(n, 4),
		in2: fill(n, 6),
		layouts: [3]tensorinfo.Info{
			tensorinfo.Contiguous(0, shape...),
			tensorinfo.Contiguous(0, shape...),
			transposed(shape),
		},
	}
	var err error
	if p.outBuf, err = Wrap(s, p.out); err != nil {
		return nil, err
	}
	if p.in1Buf, err = Wrap(s, p.in1); err != nil {
		return nil, err
	}
	if p.in2Buf, err = Wrap(s, p.in2); err != nil {
		return nil, err
	}
	if err := s.Upload(p.in1Buf, p.in2Buf); err != nil {
		return nil, err
	}
	if err := p.outBuf.CreateOnDevice(); err != nil {
		return nil, err
	}
	return p, nil
}

// verify counts elements further than 0.1 from the float32 product.
func (p *products) verify(strided bool) int {
	errs := 0
	for i := 0; i < p.n; i++ {
		o, a, b := i, i, i
		if strided {
			o, a, b = p.layouts[0].Index(i), p.layouts[1].Index(i), p.layouts[2].Index(i)
		}
		if math.Abs(float64(p.out[o]-p.in1[a]*p.in2[b])) > 0.1 {
			errs++
		}
	}
	return errs
}

func runApply3(s *Session) (Result, error) {
	v, err := s.ints("n", "its")
	if err != nil {
		return Result{}, err
	}
	n, its := v[0], v[1]
	group, err := s.GroupSize()
	if err != nil {
		return Result{}, err
	}
	p, err := newProducts(s, n, 1)
	if err != nil {
		return Result{}, err
	}
	k, err := s.Build(apply3Source, "apply3", nil)
	if err != nil {
		return Result{}, err
	}

	if err := s.StartTimer(); err != nil {
		return Result{}, err
	}
	for it := 0; it < its; it++ {
		if err := k.Int(n).Out(p.outBuf).In(p.in1Buf).In(p.in2Buf).Launch(n, group); err != nil {
			return Result{}, err
		}
	}
	if err := s.StopTimer(); err != nil {
		return Result{}, err
	}
	if err := s.Download(p.outBuf); err != nil {
		return Result{}, err
	}
	return Result{Elements: n, Launches: its, Errors: p.verify(false)}, nil
}

func runApply3Flat(s *Session) (Result, error) {
	v, err := s.ints("n", "its", "dims")
	if err != nil {
		return Result{}, err
	}
	n, its, dims := v[0], v[1], v[2]
	group, err := s.GroupSize()
	if err != nil {
		return Result{}, err
	}
	p, err := newProducts(s, n, dims)
	if err != nil {
		return Result{}, err
	}
	k, err := s.Build(apply3FlatSource, "apply3_flat", nil)
	if err != nil {
		return Result{}, err
	}

	bufs := [3]*device.Buffer{p.outBuf, p.in1Buf, p.in2Buf}
	if err := s.StartTimer(); err != nil {
		return Result{}, err
	}
	for it := 0; it < its; it++ {
		for t, info := range p.layouts {
			if t == 0 {
				k.Out(bufs[t])
			} else {
				k.In(bufs[t])
			}
			k.Int(int(info.Offset))
			for d := range info.Sizes {
				k.Int(int(info.Sizes[d])).Int(int(info.Strides[d]))
			}
		}
		if err := k.Int(n).Launch(n, group); err != nil {
			return Result{}, err
		}
	}
	if err := s.StopTimer(); err != nil {
		return Result{}, err
	}
	if err := s.Download(p.outBuf); err != nil {
		return Result{}, err
	}
	return Result{Elements: n, Launches: its, Errors: p.verify(true)}, nil
}

// infoSource prefixes a kernel with the Info declaration and index helper.
func infoSource(kernelSource string) string {
	return tensorinfo.DeclarationTemplate + infoIndexSource + kernelSource
}

func runApply3PerLaunch(s *Session) (Result, error) {
	v, err := s.ints("n", "its", "dims", "maxdims")
	if err != nil {
		return Result{}, err
	}
	n, its, dims, maxDims := v[0], v[1], v[2], v[3]
	reuse, err := s.Bool("reuse")
	if err != nil {
		return Result{}, err
	}
	group, err := s.GroupSize()
	if err != nil {
		return Result{}, err
	}
	p, err := newProducts(s, n, dims)
	if err != nil {
		return Result{}, err
	}
	arena := tensorinfo.NewArena(maxDims, len(p.layouts))
	for _, info := range p.layouts {
		if _, err := arena.Add(info); err != nil {
			return Result{}, err
		}
	}
	var infosBuf *device.Buffer
	if reuse {
		if infosBuf, err = Wrap(s, arena.Int32s()); err != nil {
			return Result{}, err
		}
	}
	k, err := s.Build(infoSource(apply3PerLaunchSource), "apply3_perclt", nil)
	if err != nil {
		return Result{}, err
	}

	records := arena.Int32s()
	if err := s.StartTimer(); err != nil {
		return Result{}, err
	}
	for it := 0; it < its; it++ {
		k.Int(n)
		if reuse {
			if err := infosBuf.CopyToDevice(); err != nil {
				return Result{}, err
			}
			k.In(infosBuf)
		} else {
			kernel.Struct(k, len(records), records)
		}
		if err := k.Out(p.outBuf).In(p.in1Buf).In(p.in2Buf).Launch(n, group); err != nil {
			return Result{}, err
		}
	}
	if err := s.StopTimer(); err != nil {
		return Result{}, err
	}
	if err := s.Download(p.outBuf); err != nil {
		return Result{}, err
	}
	return Result{Elements: n, Launches: its, Errors: p.verify(true)}, nil
}

func runApply3Infos(s *Session) (Result, error) {
	v, err := s.ints("n", "its", "dims", "maxdims", "capacity")
	if err != nil {
		return Result{}, err
	}
	n, its, dims, maxDims, capacity := v[0], v[1], v[2], v[3], v[4]
	dummies, err := s.Int("dummies")
	if err != nil {
		return Result{}, err
	}
	if dummies < 0 || dummies+3 > capacity {
		return Result{}, fmt.Errorf("%d dummy infos do not leave room for 3 layouts in capacity %d", dummies, capacity)
	}
	group, err := s.GroupSize()
	if err != nil {
		return Result{}, err
	}
	p, err := newProducts(s, n, dims)
	if err != nil {
		return Result{}, err
	}

	// Unrelated layouts ahead of the real ones make every lookup scan.
	arena := tensorinfo.NewArena(maxDims, capacity)
	for i := 0; i < dummies; i++ {
		if _, err := arena.Add(tensorinfo.Info{Offset: int32(i), Sizes: []int32{int32(n)}, Strides: []int32{2}}); err != nil {
			return Result{}, err
		}
	}
	infosBuf, err := Wrap(s, arena.Int32s())
	if err != nil {
		return Result{}, err
	}
	k, err := s.Build(infoSource(apply3InfosSource), "apply3_infos", nil)
	if err != nil {
		return Result{}, err
	}

	uploaded := -1
	var idx [3]int
	if err := s.StartTimer(); err != nil {
		return Result{}, err
	}
	for it := 0; it < its; it++ {
		for t, info := range p.layouts {
			if idx[t], err = arena.Intern(info); err != nil {
				return Result{}, err
			}
		}
		if arena.Len() != uploaded {
			if err := infosBuf.CopyToDevice(); err != nil {
				return Result{}, err
			}
			uploaded = arena.Len()
		}
		err := k.Int(n).In(infosBuf).Int(idx[0]).Int(idx[1]).Int(idx[2]).
			Out(p.outBuf).In(p.in1Buf).In(p.in2Buf).Launch(n, group)
		if err != nil {
			return Result{}, err
		}
	}
	if err := s.StopTimer(); err != nil {
		return Result{}, err
	}
	if err := s.Download(p.outBuf); err != nil {
		return Result{}, err
	}
	return Result{Elements: n, Launches: its, Errors: p.verify(true)}, nil
}

// partitions splits total into at most parts contiguous ranges.
func partitions(total, parts int) [][2]int {
	if parts > total {
		parts = total
	}
	per := kernel.GroupCount(total, parts)
	var out [][2]int
	for off := 0; off < total; off += per {
		count := per
		if off+count > total {
			count = total - off
		}
		out = append(out, [2]int{off, count})
	}
	return out
}

// countExact counts elements that differ from want.
func countExact(got, want []float32) int {
	errs := 0
	for i := range got {
		if got[i] != want[i] {
			errs++
		}
	}
	return errs
}

// addRepeated is data plus its additions of delta, each rounded to float32.
func addRepeated(data []float32, delta float32, its int) []float32 {
	want := append([]float32(nil), data...)
	for i := range want {
		for j := 0; j < its; j++ {
			want[i] += delta
		}
	}
	return want
}

// inPlace wraps one buffer filled with (i+4) mod 1000000 and uploads it.
func inPlace(s *Session, n int) ([]float32, *device.Buffer, error) {
	data := fill(n, 4)
	buf, err := Wrap(s, data)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Upload(buf); err != nil {
		return nil, nil, err
	}
	return data, buf, nil
}

func runLaunch(s *Session) (Result, error) {
	v, err := s.ints("n", "launches", "its")
	if err != nil {
		return Result{}, err
	}
	n, launches, its := v[0], v[1], v[2]
	return partitionedAdd(s, n, launches, its, 1.0)
}

func runWorkgroupSize(s *Session) (Result, error) {
	v, err := s.ints("n", "its")
	if err != nil {
		return Result{}, err
	}
	return partitionedAdd(s, v[0], 1, v[1], 3.3)
}

func partitionedAdd(s *Session, n, launches, its int, delta float32) (Result, error) {
	group, err := s.GroupSize()
	if err != nil {
		return Result{}, err
	}
	data, buf, err := inPlace(s, n)
	if err != nil {
		return Result{}, err
	}
	want := addRepeated(data, delta, its)
	k, err := s.Build(addSource, "inplace_add", nil)
	if err != nil {
		return Result{}, err
	}

	parts := partitions(n, launches)
	if err := s.StartTimer(); err != nil {
		return Result{}, err
	}
	for it := 0; it < its; it++ {
		for _, part := range parts {
			if err := k.Int(part[0]).Int(part[1]).Float(float64(delta)).InOut(buf).Launch(part[1], group); err != nil {
				return Result{}, err
			}
		}
	}
	if err := s.StopTimer(); err != nil {
		return Result{}, err
	}
	if err := s.Download(buf); err != nil {
		return Result{}, err
	}
	return Result{Elements: n, Launches: its * len(parts), Errors: countExact(data, want)}, nil
}

func runApply1(s *Session) (Result, error) {
	v, err := s.ints("n", "width", "launches", "its")
	if err != nil {
		return Result{}, err
	}
	n, width, launches, its := v[0], v[1], v[2], v[3]
	operation, err := s.Text("operation")
	if err != nil {
		return Result{}, err
	}
	if n%width != 0 {
		return Result{}, fmt.Errorf("n %d is not a multiple of width %d", n, width)
	}
	op, err := ParseOperation(operation)
	if err != nil {
		return Result{}, err
	}
	group, err := s.GroupSize()
	if err != nil {
		return Result{}, err
	}
	typ := "float"
	if width > 1 {
		typ = fmt.Sprintf("float%d", width)
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%1000) / 1000
	}
	want := append([]float32(nil), data...)
	for i := range want {
		for j := 0; j < its; j++ {
			want[i] = op(want[i])
		}
	}
	buf, err := Wrap(s, data)
	if err != nil {
		return Result{}, err
	}
	if err := s.Upload(buf); err != nil {
		return Result{}, err
	}
	k, err := s.Build(apply1Source, "apply1", template.Params{"type": typ})
	if err != nil {
		return Result{}, err
	}

	parts := partitions(n/width, launches)
	if err := s.StartTimer(); err != nil {
		return Result{}, err
	}
	for it := 0; it < its; it++ {
		for _, part := range parts {
			if err := k.Int(part[0]).Int(part[1]).InOut(buf).Launch(part[1], group); err != nil {
				return Result{}, err
			}
		}
	}
	if err := s.StopTimer(); err != nil {
		return Result{}, err
	}
	if err := s.Download(buf); err != nil {
		return Result{}, err
	}

	// Device math such as native_exp is approximate.
	errs := 0
	for i := range data {
		if diff := math.Abs(float64(data[i] - want[i])); diff > 1e-3*math.Max(1, math.Abs(float64(want[i]))) {
			errs++
		}
	}
	return Result{Elements: n, Launches: its * len(parts), Errors: errs}, nil
}

func runPrivateBuffer(s *Session) (Result, error) {
	v, err := s.ints("n", "privatesize", "its")
	if err != nil {
		return Result{}, err
	}
	n, size, its := v[0], v[1], v[2]
	if n%size != 0 {
		return Result{}, fmt.Errorf("n %d is not a multiple of privatesize %d", n, size)
	}
	group, err := s.GroupSize()
	if err != nil {
		return Result{}, err
	}
	data, buf, err := inPlace(s, n)
	if err != nil {
		return Result{}, err
	}
	want := addRepeated(data, 3.3, its)
	k, err := s.Build(privateSource, "private_add", nil)
	if err != nil {
		return Result{}, err
	}

	if err := s.StartTimer(); err != nil {
		return Result{}, err
	}
	for it := 0; it < its; it++ {
		if err := k.Int(n).InOut(buf).Launch(n/size, group); err != nil {
			return Result{}, err
		}
	}
	if err := s.StopTimer(); err != nil {
		return Result{}, err
	}
	if err := s.Download(buf); err != nil {
		return Result{}, err
	}
	return Result{Elements: n, Launches: its, Errors: countExact(data, want)}, nil
}

func runStrided(s *Session) (Result, error) {
	v, err := s.ints("n", "size1", "its")
	if err != nil {
		return Result{}, err
	}
	n, size1, its := v[0], v[1], v[2]
	trans, err := s.Bool("transposed")
	if err != nil {
		return Result{}, err
	}
	if n%size1 != 0 {
		return Result{}, fmt.Errorf("n %d is not a multiple of size1 %d", n, size1)
	}
	size0 := n / size1
	stride0, stride1 := size1, 1
	if trans {
		stride0, stride1 = 1, size0
	}
	group, err := s.GroupSize()
	if err != nil {
		return Result{}, err
	}
	data, buf, err := inPlace(s, n)
	if err != nil {
		return Result{}, err
	}
	want := addRepeated(data, 3.3, its)
	k, err := s.Build(stridedSource, "strided_add", template.Params{
		"size0": size0, "size1": size1, "stride0": stride0, "stride1": stride1,
	})
	if err != nil {
		return Result{}, err
	}

	if err := s.StartTimer(); err != nil {
		return Result{}, err
	}
	for it := 0; it < its; it++ {
		if err := k.Int(n).InOut(buf).Launch(n, group); err != nil {
			return Result{}, err
		}
	}
	if err := s.StopTimer(); err != nil {
		return Result{}, err
	}
	if err := s.Download(buf); err != nil {
		return Result{}, err
	}
	return Result{Elements: n, Launches: its, Errors: countExact(data, want)}, nil
}
