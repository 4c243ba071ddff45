package bench

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-kernelrt/internal/device/host"
)

// Go bodies of the benchmark kernels for the host device.
func init() {
	host.RegisterKernel("apply3", func(*host.Source) (host.Func, error) {
		return func(g host.WorkGroup, a *host.Args) {
			n := a.Int(0)
			out, in1, in2 := a.Float32s(1), a.Float32s(2), a.Float32s(3)
			g.Each(func(gid, _ int) {
				if gid < n {
					out[gid] = in1[gid] * in2[gid]
				}
			})
		}, nil
	})
	host.RegisterKernel("apply3_flat", newApply3Flat)
	host.RegisterKernel("apply3_perclt", newApply3PerLaunch)
	host.RegisterKernel("apply3_infos", newApply3Infos)
	host.RegisterKernel("inplace_add", func(*host.Source) (host.Func, error) {
		return func(g host.WorkGroup, a *host.Args) {
			offset, count, delta := a.Int(0), a.Int(1), a.Float(2)
			data := a.Float32s(3)
			g.Each(func(gid, _ int) {
				if gid < count {
					data[offset+gid] += delta
				}
			})
		}, nil
	})
	host.RegisterKernel("apply1", newApply1)
	host.RegisterKernel("private_add", newPrivateAdd)
	host.RegisterKernel("strided_add", newStridedAdd)
}

// layoutIndex maps linear through sizes and strides, last dimension fastest.
func layoutIndex(offset int, sizes, strides []int32, linear int) int {
	idx := offset
	for d := len(sizes) - 1; d >= 0; d-- {
		size := int(sizes[d])
		idx += (linear % size) * int(strides[d])
		linear /= size
	}
	return idx
}

// recordIndex applies layoutIndex to an encoded info record.
func recordIndex(rec []int32, maxDims, linear int) int {
	dims := int(rec[0])
	return layoutIndex(int(rec[1]), rec[2:2+dims], rec[2+maxDims:2+maxDims+dims], linear)
}

func newApply3Flat(src *host.Source) (host.Func, error) {
	dims, err := src.DefineInt("DIMS")
	if err != nil {
		return nil, err
	}
	per := 2 + 2*dims
	return func(g host.WorkGroup, a *host.Args) {
		n := a.Int(3 * per)
		var data [3][]float32
		var offset [3]int
		sizes := make([][]int32, 3)
		strides := make([][]int32, 3)
		for t := 0; t < 3; t++ {
			base := t * per
			data[t] = a.Float32s(base)
			offset[t] = a.Int(base + 1)
			sizes[t] = make([]int32, dims)
			strides[t] = make([]int32, dims)
			for d := 0; d < dims; d++ {
				sizes[t][d] = int32(a.Int(base + 2 + 2*d))
				strides[t][d] = int32(a.Int(base + 3 + 2*d))
			}
		}
		g.Each(func(gid, _ int) {
			if gid >= n {
				return
			}
			var idx [3]int
			for t := range idx {
				idx[t] = layoutIndex(offset[t], sizes[t], strides[t], gid)
			}
			data[0][idx[0]] = data[1][idx[1]] * data[2][idx[2]]
		})
	}, nil
}

func newApply3PerLaunch(src *host.Source) (host.Func, error) {
	maxDims, err := src.DefineInt("MAX_DIMS")
	if err != nil {
		return nil, err
	}
	rl := 2 + 2*maxDims
	return func(g host.WorkGroup, a *host.Args) {
		n := a.Int(0)
		infos := a.Int32s(1)
		out, in1, in2 := a.Float32s(2), a.Float32s(3), a.Float32s(4)
		g.Each(func(gid, _ int) {
			if gid < n {
				out[recordIndex(infos[0:rl], maxDims, gid)] =
					in1[recordIndex(infos[rl:2*rl], maxDims, gid)] * in2[recordIndex(infos[2*rl:3*rl], maxDims, gid)]
			}
		})
	}, nil
}

func newApply3Infos(src *host.Source) (host.Func, error) {
	maxDims, err := src.DefineInt("MAX_DIMS")
	if err != nil {
		return nil, err
	}
	rl := 2 + 2*maxDims
	return func(g host.WorkGroup, a *host.Args) {
		n := a.Int(0)
		infos := a.Int32s(1)
		rec := func(i int) []int32 { return infos[i*rl : (i+1)*rl] }
		outRec, in1Rec, in2Rec := rec(a.Int(2)), rec(a.Int(3)), rec(a.Int(4))
		out, in1, in2 := a.Float32s(5), a.Float32s(6), a.Float32s(7)
		g.Each(func(gid, _ int) {
			if gid < n {
				out[recordIndex(outRec, maxDims, gid)] =
					in1[recordIndex(in1Rec, maxDims, gid)] * in2[recordIndex(in2Rec, maxDims, gid)]
			}
		})
	}, nil
}

func newApply1(src *host.Source) (host.Func, error) {
	width, err := src.DefineInt("WIDTH")
	if err != nil {
		return nil, err
	}
	expr, ok := src.Define("APPLY(out)")
	if !ok {
		return nil, fmt.Errorf("%s: #define APPLY(out) missing", src.Entry)
	}
	op, err := ParseOperation(expr)
	if err != nil {
		return nil, err
	}
	return func(g host.WorkGroup, a *host.Args) {
		offset, count := a.Int(0)*width, a.Int(1)
		data := a.Float32s(2)
		g.Each(func(gid, _ int) {
			if gid >= count {
				return
			}
			base := offset + gid*width
			for i := base; i < base+width; i++ {
				data[i] = op(data[i])
			}
		})
	}, nil
}

func newPrivateAdd(src *host.Source) (host.Func, error) {
	size, err := src.DefineInt("PRIVATE_SIZE")
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("PRIVATE_SIZE must be positive, got %d", size)
	}
	return func(g host.WorkGroup, a *host.Args) {
		n := a.Int(0)
		data := a.Float32s(1)
		buf := make([]float32, size)
		g.Each(func(gid, _ int) {
			linear := gid * size
			if linear+size > n {
				return
			}
			copy(buf, data[linear:linear+size])
			for i := range buf {
				buf[i] += 3.3
			}
			copy(data[linear:linear+size], buf)
		})
	}, nil
}

func newStridedAdd(src *host.Source) (host.Func, error) {
	var v [4]int
	for i, name := range []string{"STRIDE0", "STRIDE1", "SIZE0", "SIZE1"} {
		n, err := src.DefineInt(name)
		if err != nil {
			return nil, err
		}
		v[i] = n
	}
	stride0, stride1, size1 := v[0], v[1], v[3]
	if size1 <= 0 {
		return nil, fmt.Errorf("SIZE1 must be positive, got %d", size1)
	}
	return func(g host.WorkGroup, a *host.Args) {
		n := a.Int(0)
		data := a.Float32s(1)
		g.Each(func(gid, _ int) {
			if gid < n {
				x1 := gid % size1
				x0 := gid / size1
				data[x0*stride0+x1*stride1] += 3.3
			}
		})
	}, nil
}

var (
	binaryOpRE = regexp.MustCompile(`^out\s*([-+*/])\s*([0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)f?$`)
	unaryOpRE  = regexp.MustCompile(`^(native_exp|exp|tanh|native_sqrt|sqrt|fabs)\(\s*out\s*\)$`)
)

// ParseOperation turns an elementwise expression over "out" into a Go
// function computed in float32, e.g. "out * 3.3f" or "tanh(out)".
func ParseOperation(expr string) (func(float32) float32, error) {
	e := strings.TrimSpace(expr)
	for strings.HasPrefix(e, "(") && strings.HasSuffix(e, ")") && balanced(e[1:len(e)-1]) {
		e = strings.TrimSpace(e[1 : len(e)-1])
	}
	if e == "out" {
		return func(x float32) float32 { return x }, nil
	}
	if m := binaryOpRE.FindStringSubmatch(e); m != nil {
		c64, err := strconv.ParseFloat(m[2], 32)
		if err != nil {
			return nil, fmt.Errorf("operation %q: %w", expr, err)
		}
		c := float32(c64)
		switch m[1] {
		case "+":
			return func(x float32) float32 { return x + c }, nil
		case "-":
			return func(x float32) float32 { return x - c }, nil
		case "*":
			return func(x float32) float32 { return x * c }, nil
		default:
			return func(x float32) float32 { return x / c }, nil
		}
	}
	if m := unaryOpRE.FindStringSubmatch(e); m != nil {
		var f func(float64) float64
		switch m[1] {
		case "native_exp", "exp":
			f = math.Exp
		case "tanh":
			f = math.Tanh
		case "native_sqrt", "sqrt":
			f = math.Sqrt
		default:
			f = math.Abs
		}
		return func(x float32) float32 { return float32(f(float64(x))) }, nil
	}
	return nil, fmt.Errorf("unsupported operation %q", expr)
}

func balanced(s string) bool {
	depth := 0
	for _, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}
