package opencl

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/23skdu/longbow-kernelrt/internal/device"
)

func openOrSkip(t *testing.T) *Driver {
	t.Helper()
	drv, err := Open(0, device.Options{})
	if errors.Is(err, ErrUnavailable) {
		t.Skipf("OpenCL not available: %v", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { drv.Close() })
	return drv.(*Driver)
}

func TestErrorNames(t *testing.T) {
	if got := clError(-11).Error(); got != "CL_BUILD_PROGRAM_FAILURE (-11)" {
		t.Errorf("got %q", got)
	}
	if got := clError(-9999).Error(); got != "CL_ERROR(-9999)" {
		t.Errorf("got %q", got)
	}
	if check(0, "x") != nil {
		t.Error("success should be nil")
	}
	if err := check(-5, "clFinish"); !strings.Contains(err.Error(), "clFinish: CL_OUT_OF_RESOURCES") {
		t.Errorf("got %v", err)
	}
}

func TestCStrings(t *testing.T) {
	b := cstr("abc")
	if len(b) != 4 || b[3] != 0 {
		t.Errorf("cstr = %v", b)
	}
	if gostr([]byte{'h', 'i', 0, 'x'}) != "hi" {
		t.Error("gostr should stop at NUL")
	}
}

func TestDrainableStopsAtRunningLaunch(t *testing.T) {
	events := func(n int) []pendingEvent {
		p := make([]pendingEvent, n)
		for i := range p {
			p[i].ev = uintptr(i + 1)
		}
		return p
	}
	const running = 2 // CL_RUNNING
	doneBefore := func(k uintptr) func(uintptr) int32 {
		return func(ev uintptr) int32 {
			if ev < k {
				return clComplete
			}
			return running
		}
	}

	if n, wait := drainable(events(10), doneBefore(5)); n != 4 || wait {
		t.Errorf("drainable = %d, %v; want 4, false", n, wait)
	}
	if n, wait := drainable(events(10), doneBefore(1)); n != 0 || wait {
		t.Errorf("nothing finished: %d, %v", n, wait)
	}
	// Failed commands report a negative status and are resolved too.
	failed := func(uintptr) int32 { return -5 }
	if n, _ := drainable(events(3), failed); n != 3 {
		t.Errorf("failed events drained = %d, want 3", n)
	}
	// A backlog past maxPending forces a wait on the oldest excess events.
	if n, wait := drainable(events(maxPending+100), doneBefore(11)); n != 100 || !wait {
		t.Errorf("backlog: drainable = %d, %v; want 100, true", n, wait)
	}
	if n, wait := drainable(events(maxPending+100), doneBefore(1000)); n != 999 || wait {
		t.Errorf("backlog already finished: %d, %v", n, wait)
	}
}

const addSource = `
kernel void add_one(int n, global float *data) {
  int gid = get_global_id(0);
  if (gid < n) {
    data[gid] += 1.0f;
  }
}
`

func TestOpenCLLaunch(t *testing.T) {
	d := openOrSkip(t)
	t.Logf("device: %s (max group %d)", d.DeviceName(), d.MaxWorkGroupSize())

	p, err := d.Compile(addSource, "add_one")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer p.Release()

	host := make([]byte, 4*10)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint32(host[4*i:], math.Float32bits(float32(i)))
	}
	m, err := d.Allocate(len(host))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Free(m)
	if err := d.Write(m, host); err != nil {
		t.Fatal(err)
	}
	n := make([]byte, 4)
	binary.LittleEndian.PutUint32(n, 10)

	var elapsed time.Duration
	timed := false
	err = d.Launch(p, device.Dispatch{
		Kernel: "add_one", Global: 16, Local: 8,
		Args: []device.LaunchArg{{Value: n}, {Memory: m}},
		Done: func(e time.Duration) { elapsed, timed = e, true },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Finish(); err != nil {
		t.Fatal(err)
	}
	if !timed || elapsed < 0 {
		t.Errorf("profiling event not resolved: %v %v", timed, elapsed)
	}
	if err := d.Read(m, host); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if got := math.Float32frombits(binary.LittleEndian.Uint32(host[4*i:])); got != float32(i)+1 {
			t.Fatalf("data[%d] = %v", i, got)
		}
	}
}

func TestOpenCLProfiledLaunchesWithoutFinish(t *testing.T) {
	d := openOrSkip(t)
	p, err := d.Compile(addSource, "add_one")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer p.Release()
	m, err := d.Allocate(4 * 64)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Free(m)
	if err := d.Write(m, make([]byte, 4*64)); err != nil {
		t.Fatal(err)
	}
	n := make([]byte, 4)
	binary.LittleEndian.PutUint32(n, 64)

	const launches = maxPending + drainThreshold
	resolved := 0
	for i := 0; i < launches; i++ {
		err := d.Launch(p, device.Dispatch{
			Kernel: "add_one", Global: 64, Local: 64,
			Args: []device.LaunchArg{{Value: n}, {Memory: m}},
			Done: func(time.Duration) { resolved++ },
		})
		if err != nil {
			t.Fatalf("launch %d: %v", i, err)
		}
		d.mu.Lock()
		backlog := len(d.pending)
		d.mu.Unlock()
		if backlog > maxPending {
			t.Fatalf("launch %d: %d events outstanding", i, backlog)
		}
	}
	if err := d.Finish(); err != nil {
		t.Fatal(err)
	}
	if resolved != launches {
		t.Errorf("resolved %d of %d launches", resolved, launches)
	}
}

func TestOpenCLBuildLog(t *testing.T) {
	d := openOrSkip(t)
	_, err := d.Compile("kernel void broken(global float *x) { x[0] = ; }", "broken")
	if err == nil {
		t.Fatal("expected build failure")
	}
	if !strings.Contains(err.Error(), "clBuildProgram") {
		t.Errorf("error should name the build call: %v", err)
	}
}
