package host

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/23skdu/longbow-kernelrt/internal/device"
)

const scaleSource = `
#define SCALE 3
#define APPLY(x) ((x) * SCALE)
kernel void host_test_scale(int n, global float *data) {
  int gid = get_global_id(0);
  if (gid < n) {
    data[gid] = APPLY(data[gid]);
  }
}
`

func init() {
	RegisterKernel("host_test_scale", func(src *Source) (Func, error) {
		scale, err := src.DefineInt("SCALE")
		if err != nil {
			return nil, err
		}
		return func(g WorkGroup, a *Args) {
			n := a.Int(0)
			data := a.Float32s(1)
			g.Each(func(gid, _ int) {
				if gid < n {
					data[gid] *= float32(scale)
				}
			})
		}, nil
	})
	RegisterKernel("host_test_panic", func(*Source) (Func, error) {
		return func(g WorkGroup, a *Args) {
			var s []int
			_ = s[g.Index+10]
		}, nil
	})
}

func i32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func floatBytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := New(2)
	defer d.Close()

	src := []byte{1, 2, 3, 4, 5}
	m, err := d.Allocate(len(src))
	if err != nil {
		t.Fatal(err)
	}
	if m.Size() != 5 {
		t.Errorf("Size = %d", m.Size())
	}
	if err := d.Write(m, src); err != nil {
		t.Fatal(err)
	}
	src[0] = 99
	dst := make([]byte, 5)
	if err := d.Read(m, dst); err != nil {
		t.Fatal(err)
	}
	if dst[0] != 1 || dst[4] != 5 {
		t.Errorf("device memory should be independent of host array, got %v", dst)
	}
	if err := d.Write(m, []byte{1}); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected size mismatch, got %v", err)
	}
}

func TestLaunchScalesAndCapturesArgs(t *testing.T) {
	d := New(4)
	defer d.Close()

	p, err := d.Compile(scaleSource, "host_test_scale")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if p.Entry() != "host_test_scale" {
		t.Errorf("Entry = %q", p.Entry())
	}
	m, _ := d.Allocate(4 * 6)
	if err := d.Write(m, floatBytes(1, 2, 3, 4, 5, 6)); err != nil {
		t.Fatal(err)
	}

	n := i32(5)
	var timed atomic.Int64
	err = d.Launch(p, device.Dispatch{
		Kernel: "host_test_scale",
		Global: 8,
		Local:  4,
		Args:   []device.LaunchArg{{Value: n}, {Memory: m}},
		Done:   func(e time.Duration) { timed.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	// The value was captured at enqueue time.
	copy(n, i32(0))

	out := make([]byte, 24)
	if err := d.Read(m, out); err != nil {
		t.Fatal(err)
	}
	want := floatBytes(3, 6, 9, 12, 15, 6)
	if string(out) != string(want) {
		t.Errorf("got %v, want %v", out, want)
	}
	if err := d.Finish(); err != nil {
		t.Fatal(err)
	}
	if timed.Load() != 1 {
		t.Errorf("Done called %d times", timed.Load())
	}
}

func TestLaunchGeometry(t *testing.T) {
	d := New(1)
	defer d.Close()
	p, err := d.Compile(scaleSource, "host_test_scale")
	if err != nil {
		t.Fatal(err)
	}
	for _, disp := range []device.Dispatch{
		{Global: 10, Local: 4},
		{Global: 8, Local: 0},
		{Global: -4, Local: 4},
	} {
		if err := d.Launch(p, disp); !errors.Is(err, ErrBadGeometry) {
			t.Errorf("%+v: expected ErrBadGeometry, got %v", disp, err)
		}
	}
}

func TestLaunchForeignMemory(t *testing.T) {
	a, b := New(1), New(1)
	defer a.Close()
	defer b.Close()
	p, _ := a.Compile(scaleSource, "host_test_scale")
	m, _ := b.Allocate(16)
	err := a.Launch(p, device.Dispatch{Global: 4, Local: 4, Args: []device.LaunchArg{{Value: i32(4)}, {Memory: m}}})
	if !errors.Is(err, ErrForeignMem) {
		t.Fatalf("expected ErrForeignMem, got %v", err)
	}
}

func TestKernelPanicSurfacesAtFinish(t *testing.T) {
	d := New(2)
	defer d.Close()
	p, err := d.Compile("kernel void host_test_panic(int n) {}", "host_test_panic")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Launch(p, device.Dispatch{Global: 4, Local: 2, Args: []device.LaunchArg{{Value: i32(1)}}}); err != nil {
		t.Fatalf("Launch should only enqueue: %v", err)
	}
	if err := d.Finish(); !errors.Is(err, ErrKernelPanic) {
		t.Fatalf("expected ErrKernelPanic, got %v", err)
	}
	if err := d.Finish(); err != nil {
		t.Errorf("error should be reported once, got %v", err)
	}
}

func TestFreeIsDeferredBehindQueuedLaunch(t *testing.T) {
	d := New(1)
	defer d.Close()
	p, _ := d.Compile(scaleSource, "host_test_scale")
	m, _ := d.Allocate(16)
	if err := d.Launch(p, device.Dispatch{Global: 4, Local: 4, Args: []device.LaunchArg{{Value: i32(4)}, {Memory: m}}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Free(m); err != nil {
		t.Fatal(err)
	}
	if err := d.Finish(); err != nil {
		t.Fatalf("launch queued before Free must still see the memory: %v", err)
	}
	if err := d.Read(m, make([]byte, 16)); !errors.Is(err, ErrFreed) {
		t.Errorf("expected ErrFreed, got %v", err)
	}
}

func TestCompileDiagnostics(t *testing.T) {
	d := New(1)
	defer d.Close()
	tests := []struct {
		name  string
		src   string
		entry string
		want  string
	}{
		{"missing entry", scaleSource, "other", "not declared"},
		{"unbalanced", "kernel void host_test_scale(int n) { if (n) {", "host_test_scale", "unclosed '{'"},
		{"stray close", "kernel void host_test_scale(int n) { }}", "host_test_scale", "unexpected '}'"},
		{"template token", "kernel void host_test_scale(int n) { {{op}}; }", "host_test_scale", "unexpanded template token"},
		{"error directive", "#error bad dims\nkernel void host_test_scale(int n) {}", "host_test_scale", "#error bad dims"},
		{"no body", "kernel void nothing_registered(int n) {}", "nothing_registered", "no host implementation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Compile(tt.src, tt.entry)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}

func TestCompileIgnoresBracesInComments(t *testing.T) {
	d := New(1)
	defer d.Close()
	src := "// {\n/* ( [ */\n" + scaleSource
	if _, err := d.Compile(src, "host_test_scale"); err != nil {
		t.Fatal(err)
	}
}

func TestSourceDefines(t *testing.T) {
	s := parseSource(scaleSource+"\n  #define STRIDE0 (16)\n", "host_test_scale")
	if v, ok := s.Define("APPLY(x)"); !ok || v != "((x) * SCALE)" {
		t.Errorf("APPLY(x) = %q %v", v, ok)
	}
	if n, err := s.DefineInt("STRIDE0"); err != nil || n != 16 {
		t.Errorf("STRIDE0 = %d %v", n, err)
	}
	if _, err := s.DefineInt("MISSING"); err == nil {
		t.Error("expected error for missing define")
	}
}

func TestArgsDecoding(t *testing.T) {
	f64 := make([]byte, 8)
	binary.LittleEndian.PutUint64(f64, math.Float64bits(2.5))
	a := &Args{vals: [][]byte{{0xff}, i32(-7), f64, floatBytes(1.5)}}
	if a.Int(0) != -1 || a.Int(1) != -7 {
		t.Errorf("ints = %d %d", a.Int(0), a.Int(1))
	}
	if a.Float64(2) != 2.5 || a.Float(3) != 1.5 {
		t.Errorf("floats = %v %v", a.Float64(2), a.Float(3))
	}
	if a.Len() != 4 {
		t.Errorf("Len = %d", a.Len())
	}
}

func TestOpenRegistered(t *testing.T) {
	ctx, err := device.Open("HOST", 0, device.Options{Threads: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()
	if ctx.Name() != Backend {
		t.Errorf("Name = %q", ctx.Name())
	}
	if _, err := device.Open("host", 1, device.Options{}); err == nil {
		t.Error("index 1 should not exist")
	}
}

func TestClosedDevice(t *testing.T) {
	d := New(1)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Finish(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := d.Allocate(4); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
