package device

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-kernelrt/internal/logger"
	"github.com/23skdu/longbow-kernelrt/internal/metrics"
	"github.com/23skdu/longbow-kernelrt/internal/profiling"
)

// allocatedBytes tracks device memory across every open Context.
var allocatedBytes atomic.Int64

// Context holds one opened device, its queue, and the launch profiler.
// All buffer and kernel operations on a Context are issued from one goroutine.
type Context struct {
	drv       Driver
	log       *logger.Logger
	profiler  *profiling.Profiler
	profiling atomic.Bool
	allocated atomic.Int64
	closed    bool
}

func NewContext(drv Driver) *Context {
	c := &Context{
		drv:      drv,
		log:      logger.Log.With("device", drv.Name()),
		profiler: profiling.NewProfiler(),
	}
	c.log.Info("device opened", "name", drv.DeviceName())
	return c
}

func (c *Context) Driver() Driver { return c.drv }

func (c *Context) Name() string { return c.drv.Name() }

// Logger is the device-scoped logger.
func (c *Context) Logger() *logger.Logger { return c.log }

// SetProfiling turns per-launch timing collection on or off.
func (c *Context) SetProfiling(on bool) {
	c.profiling.Store(on)
}

func (c *Context) Profiling() bool {
	return c.profiling.Load()
}

// AllocatedBytes reports device memory currently held by buffers and staging.
func (c *Context) AllocatedBytes() int64 {
	return c.allocated.Load()
}

// Finish blocks until every command issued on the queue has completed.
func (c *Context) Finish() error {
	if err := c.drv.Finish(); err != nil {
		return fmt.Errorf("finish %s: %w", c.drv.Name(), err)
	}
	return nil
}

// DumpProfiling hands the launches timed since the previous dump to sink and
// starts a new collection window. Call Finish first so in-flight launches are included.
func (c *Context) DumpProfiling(sink profiling.Sink) error {
	report := c.profiler.Dump()
	report.Device = c.drv.Name()
	if sink == nil {
		return nil
	}
	return sink.Write(report)
}

// Compile hands rendered source to the driver compiler.
func (c *Context) Compile(source, entry string) (Program, error) {
	t0 := time.Now()
	p, err := c.drv.Compile(source, entry)
	metrics.RecordCompileDuration(time.Since(t0))
	if err != nil {
		return nil, err
	}
	c.log.Debug("program compiled", "entry", entry, "duration", time.Since(t0))
	return p, nil
}

// Dispatch enqueues a launch, attaching profiling when it is enabled.
func (c *Context) Dispatch(p Program, d Dispatch) error {
	if c.profiling.Load() {
		name := d.Kernel
		d.Done = func(elapsed time.Duration) {
			c.profiler.Record(name, elapsed)
			metrics.RecordKernelDuration(name, elapsed)
		}
	}
	if err := c.drv.Launch(p, d); err != nil {
		return err
	}
	metrics.RecordKernelLaunch(d.Kernel, d.Global)
	return nil
}

// Allocate reserves device memory outside any Buffer, e.g. for staged struct arguments.
func (c *Context) Allocate(size int) (Memory, error) {
	m, err := c.drv.Allocate(size)
	if err != nil {
		return nil, err
	}
	c.allocated.Add(int64(size))
	metrics.RecordDeviceMemory(allocatedBytes.Add(int64(size)))
	return m, nil
}

// Free returns memory obtained from Allocate.
func (c *Context) Free(m Memory, size int) error {
	if err := c.drv.Free(m); err != nil {
		return err
	}
	c.allocated.Add(-int64(size))
	metrics.RecordDeviceMemory(allocatedBytes.Add(-int64(size)))
	return nil
}

// Close waits for the queue to drain and releases the device.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if n := c.allocated.Load(); n > 0 {
		c.log.Warn("closing device with live allocations", "bytes", n)
	}
	return c.drv.Close()
}
