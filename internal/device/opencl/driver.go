// Package opencl drives a real OpenCL device through the system ICD loader.
//
// Registration: import _ "github.com/23skdu/longbow-kernelrt/internal/device/opencl"
// The backend is registered unconditionally; Open reports ErrUnavailable when the
// library or a device cannot be found.
package opencl

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/23skdu/longbow-kernelrt/internal/device"
)

const Backend = "opencl"

func init() {
	device.Register(Backend, Open)
}

type clMem struct {
	h    uintptr
	size int
}

func (m *clMem) Size() int { return m.size }

type clProgram struct {
	prog   uintptr
	kernel uintptr
	entry  string
}

func (p *clProgram) Entry() string { return p.entry }

func (p *clProgram) Release() error {
	if p.kernel == 0 {
		return nil
	}
	err := errors.Join(
		check(clReleaseKernel(p.kernel), "clReleaseKernel"),
		check(clReleaseProgram(p.prog), "clReleaseProgram"),
	)
	p.kernel, p.prog = 0, 0
	return err
}

type pendingEvent struct {
	ev   uintptr
	done func(time.Duration)
}

// Profiled launches keep their events until resolved. Past drainThreshold a
// launch resolves the completed ones; past maxPending it blocks on the oldest.
const (
	drainThreshold = 256
	maxPending     = 4096
)

// drainable returns how many leading events can be resolved and whether the
// caller has to wait for the last of them first. status reports an event's
// execution status; zero or negative means the command has finished.
func drainable(pending []pendingEvent, status func(ev uintptr) int32) (n int, wait bool) {
	for n < len(pending) && status(pending[n].ev) <= clComplete {
		n++
	}
	if excess := len(pending) - maxPending; excess > n {
		return excess, true
	}
	return n, false
}

func eventStatus(ev uintptr) int32 {
	var st int32
	if r := clGetEventInfo(ev, clEventCommandExecutionStatus, unsafe.Sizeof(st), unsafe.Pointer(&st), nil); r != 0 {
		return r
	}
	return st
}

// resolve reports the device time of a finished launch and releases its event.
func resolve(pe pendingEvent) error {
	var start, end uint64
	err := errors.Join(
		check(clGetEventProfilingInfo(pe.ev, clProfilingCommandStart, unsafe.Sizeof(start), unsafe.Pointer(&start), nil), "clGetEventProfilingInfo"),
		check(clGetEventProfilingInfo(pe.ev, clProfilingCommandEnd, unsafe.Sizeof(end), unsafe.Pointer(&end), nil), "clGetEventProfilingInfo"),
	)
	clReleaseEvent(pe.ev)
	if err != nil {
		return err
	}
	pe.done(time.Duration(end - start))
	return nil
}

// Driver owns one OpenCL context and an in-order, profiling-enabled queue.
type Driver struct {
	platform uintptr
	dev      uintptr
	ctx      uintptr
	queue    uintptr
	name     string

	mu      sync.Mutex
	pending []pendingEvent
	errs    []error // from events resolved before Finish
}

// Open selects the index-th GPU or accelerator across all platforms. When the
// machine has none, every device type is considered.
func Open(index int, _ device.Options) (device.Driver, error) {
	if err := initLibrary(); err != nil {
		return nil, err
	}
	devs, platforms, err := devicesOfType(clDeviceTypeGPU | clDeviceTypeAccelerator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(devs) == 0 {
		devs, platforms, err = devicesOfType(clDeviceTypeAll)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no OpenCL devices", ErrUnavailable)
	}
	if index >= len(devs) {
		return nil, fmt.Errorf("device index %d out of range, %d devices present", index, len(devs))
	}

	d := &Driver{platform: platforms[index], dev: devs[index]}
	d.name, _ = deviceString(d.dev, clDeviceName)
	if pn := platformString(d.platform, clPlatformName); pn != "" {
		d.name = pn + " / " + d.name
	}

	var status int32
	d.ctx = clCreateContext(nil, 1, &d.dev, 0, 0, &status)
	if err := check(status, "clCreateContext"); err != nil {
		return nil, err
	}
	d.queue = clCreateCommandQueue(d.ctx, d.dev, clQueueProfilingEnable, &status)
	if err := check(status, "clCreateCommandQueue"); err != nil {
		clReleaseContext(d.ctx)
		return nil, err
	}
	return d, nil
}

func (d *Driver) Name() string { return Backend }

func (d *Driver) DeviceName() string { return d.name }

// MaxWorkGroupSize reports the device limit on lanes per group.
func (d *Driver) MaxWorkGroupSize() int {
	var v uintptr
	if clGetDeviceInfo(d.dev, clDeviceMaxWorkGroupSize, unsafe.Sizeof(v), unsafe.Pointer(&v), nil) != 0 {
		return 0
	}
	return int(v)
}

func (d *Driver) Allocate(size int) (device.Memory, error) {
	n := uintptr(size)
	if n == 0 {
		n = 1
	}
	var status int32
	h := clCreateBuffer(d.ctx, clMemReadWrite, n, nil, &status)
	if err := check(status, "clCreateBuffer"); err != nil {
		return nil, err
	}
	return &clMem{h: h, size: size}, nil
}

func (d *Driver) mem(m device.Memory) (*clMem, error) {
	cm, ok := m.(*clMem)
	if !ok || cm == nil || cm.h == 0 {
		return nil, errors.New("memory does not belong to an OpenCL device")
	}
	return cm, nil
}

// Free drops the host reference; OpenCL keeps the object alive for queued commands.
func (d *Driver) Free(m device.Memory) error {
	cm, err := d.mem(m)
	if err != nil {
		return err
	}
	err = check(clReleaseMemObject(cm.h), "clReleaseMemObject")
	cm.h = 0
	return err
}

func (d *Driver) Write(m device.Memory, src []byte) error {
	cm, err := d.mem(m)
	if err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	r := clEnqueueWriteBuffer(d.queue, cm.h, clTrue, 0, uintptr(len(src)), unsafe.Pointer(&src[0]), 0, nil, nil)
	runtime.KeepAlive(src)
	return check(r, "clEnqueueWriteBuffer")
}

func (d *Driver) Read(m device.Memory, dst []byte) error {
	cm, err := d.mem(m)
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	r := clEnqueueReadBuffer(d.queue, cm.h, clTrue, 0, uintptr(len(dst)), unsafe.Pointer(&dst[0]), 0, nil, nil)
	runtime.KeepAlive(dst)
	return check(r, "clEnqueueReadBuffer")
}

// Compile builds source for this device and creates the entry kernel. A build
// failure returns the compiler log.
func (d *Driver) Compile(source, entry string) (device.Program, error) {
	src := cstr(source)
	srcPtr := &src[0]
	length := uintptr(len(source))
	var status int32
	prog := clCreateProgramWithSource(d.ctx, 1, &srcPtr, &length, &status)
	runtime.KeepAlive(src)
	if err := check(status, "clCreateProgramWithSource"); err != nil {
		return nil, err
	}
	if r := clBuildProgram(prog, 1, &d.dev, nil, 0, 0); r != 0 {
		log := d.buildLog(prog)
		clReleaseProgram(prog)
		return nil, fmt.Errorf("%w\n%s", check(r, "clBuildProgram"), log)
	}
	name := cstr(entry)
	k := clCreateKernel(prog, &name[0], &status)
	runtime.KeepAlive(name)
	if err := check(status, "clCreateKernel "+entry); err != nil {
		clReleaseProgram(prog)
		return nil, err
	}
	return &clProgram{prog: prog, kernel: k, entry: entry}, nil
}

func (d *Driver) buildLog(prog uintptr) string {
	var n uintptr
	if clGetProgramBuildInfo(prog, d.dev, clProgramBuildLog, 0, nil, &n) != 0 || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if clGetProgramBuildInfo(prog, d.dev, clProgramBuildLog, n, unsafe.Pointer(&buf[0]), nil) != 0 {
		return ""
	}
	return gostr(buf)
}

// Launch sets every argument and enqueues a 1-D NDRange. OpenCL copies argument
// values at clSetKernelArg, so the caller may reuse them immediately.
func (d *Driver) Launch(p device.Program, disp device.Dispatch) error {
	cp, ok := p.(*clProgram)
	if !ok || cp == nil || cp.kernel == 0 {
		return errors.New("program was not compiled by an OpenCL device")
	}
	for i, a := range disp.Args {
		var r int32
		switch {
		case a.Memory != nil:
			cm, err := d.mem(a.Memory)
			if err != nil {
				return fmt.Errorf("arg %d: %w", i, err)
			}
			h := cm.h
			r = clSetKernelArg(cp.kernel, uint32(i), unsafe.Sizeof(h), unsafe.Pointer(&h))
		case len(a.Value) > 0:
			r = clSetKernelArg(cp.kernel, uint32(i), uintptr(len(a.Value)), unsafe.Pointer(&a.Value[0]))
			runtime.KeepAlive(a.Value)
		default:
			return fmt.Errorf("arg %d: neither value nor memory set", i)
		}
		if err := check(r, fmt.Sprintf("clSetKernelArg %d", i)); err != nil {
			return err
		}
	}

	global, local := uintptr(disp.Global), uintptr(disp.Local)
	if disp.Done == nil {
		return check(clEnqueueNDRangeKernel(d.queue, cp.kernel, 1, nil, &global, &local, 0, nil, nil), "clEnqueueNDRangeKernel")
	}
	var ev uintptr
	if err := check(clEnqueueNDRangeKernel(d.queue, cp.kernel, 1, nil, &global, &local, 0, nil, &ev), "clEnqueueNDRangeKernel"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, pendingEvent{ev: ev, done: disp.Done})
	if len(d.pending) >= drainThreshold {
		d.drainLocked()
	}
	return nil
}

// drainLocked resolves the events of launches that have already run. The
// launch itself was enqueued, so failures are held for the next Finish.
func (d *Driver) drainLocked() {
	if err := check(clFlush(d.queue), "clFlush"); err != nil {
		d.errs = append(d.errs, err)
		return
	}
	n, wait := drainable(d.pending, eventStatus)
	if wait {
		// In-order queue: the n-th event completing implies all earlier ones did.
		if err := check(clWaitForEvents(1, &d.pending[n-1].ev), "clWaitForEvents"); err != nil {
			d.errs = append(d.errs, err)
			return
		}
	}
	for _, pe := range d.pending[:n] {
		if err := resolve(pe); err != nil {
			d.errs = append(d.errs, err)
		}
	}
	d.pending = append(d.pending[:0], d.pending[n:]...)
}

// Finish waits for the queue and resolves the profiling events of finished launches.
func (d *Driver) Finish() error {
	if err := check(clFinish(d.queue), "clFinish"); err != nil {
		return err
	}
	d.mu.Lock()
	pending, errs := d.pending, d.errs
	d.pending, d.errs = nil, nil
	d.mu.Unlock()

	for _, pe := range pending {
		if err := resolve(pe); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) Close() error {
	if d.queue == 0 {
		return nil
	}
	err := d.Finish()
	err = errors.Join(err,
		check(clReleaseCommandQueue(d.queue), "clReleaseCommandQueue"),
		check(clReleaseContext(d.ctx), "clReleaseContext"),
	)
	d.queue, d.ctx = 0, 0
	return err
}
