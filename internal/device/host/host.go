// Package host is an emulated compute device that runs kernels as Go code on the CPU.
//
// It keeps the contract of a real device: memory is separate from the caller's
// arrays, transfers are explicit, launches are asynchronous on one in-order queue,
// and argument values are captured at enqueue time. Kernel bodies are registered
// per entry point with RegisterKernel and specialised from the compiled source.
//
// Registration: import _ "github.com/23skdu/longbow-kernelrt/internal/device/host"
package host

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-kernelrt/internal/device"
)

const Backend = "host"

var (
	ErrClosed       = errors.New("host device closed")
	ErrForeignMem   = errors.New("memory does not belong to this device")
	ErrFreed        = errors.New("memory already freed")
	ErrBadGeometry  = errors.New("invalid launch geometry")
	ErrKernelPanic  = errors.New("kernel panicked")
	ErrSizeMismatch = errors.New("transfer size does not match allocation")
)

func init() {
	device.Register(Backend, Open)
}

// Open returns the emulated device. Only index 0 exists.
func Open(index int, opts device.Options) (device.Driver, error) {
	if index != 0 {
		return nil, fmt.Errorf("host backend has a single device, got index %d", index)
	}
	return New(opts.Threads), nil
}

// memory is 8-byte aligned device storage.
type memory struct {
	owner *Driver
	words []uint64
	size  int
	freed bool
}

func (m *memory) Size() int { return m.size }

func (m *memory) bytes() []byte {
	if m.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&m.words[0])), m.size)
}

type command struct {
	run  func() error
	done chan error
}

// Driver is the emulated device and its queue.
type Driver struct {
	threads int
	queue   chan command
	wg      sync.WaitGroup

	qmu    sync.Mutex // guards closed and sends on queue
	closed bool

	emu    sync.Mutex
	failed error // first asynchronous launch error, reported at Finish
}

// New starts a device whose kernels use at most threads goroutines per launch.
func New(threads int) *Driver {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	d := &Driver{threads: threads, queue: make(chan command, 256)}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Driver) loop() {
	defer d.wg.Done()
	for cmd := range d.queue {
		err := cmd.run()
		if cmd.done != nil {
			cmd.done <- err
			continue
		}
		if err != nil {
			d.emu.Lock()
			if d.failed == nil {
				d.failed = err
			}
			d.emu.Unlock()
		}
	}
}

// enqueue adds run to the queue. When wait is set it blocks for the result.
func (d *Driver) enqueue(run func() error, wait bool) error {
	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		return ErrClosed
	}
	cmd := command{run: run}
	if wait {
		cmd.done = make(chan error, 1)
	}
	d.queue <- cmd
	d.qmu.Unlock()
	if !wait {
		return nil
	}
	return <-cmd.done
}

func (d *Driver) Name() string { return Backend }

func (d *Driver) DeviceName() string {
	return fmt.Sprintf("Go host emulator (%s/%s, %d threads)", runtime.GOOS, runtime.GOARCH, d.threads)
}

func (d *Driver) Threads() int { return d.threads }

func (d *Driver) Allocate(size int) (device.Memory, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate %d bytes: negative size", size)
	}
	d.qmu.Lock()
	closed := d.closed
	d.qmu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return &memory{owner: d, words: make([]uint64, (size+7)/8), size: size}, nil
}

func (d *Driver) own(m device.Memory) (*memory, error) {
	hm, ok := m.(*memory)
	if !ok || hm == nil || hm.owner != d {
		return nil, ErrForeignMem
	}
	return hm, nil
}

// Free releases m after every queued command that may still reference it.
func (d *Driver) Free(m device.Memory) error {
	hm, err := d.own(m)
	if err != nil {
		return err
	}
	return d.enqueue(func() error {
		hm.freed = true
		hm.words = nil
		return nil
	}, false)
}

func (d *Driver) Write(m device.Memory, src []byte) error {
	hm, err := d.own(m)
	if err != nil {
		return err
	}
	if len(src) != hm.size {
		return fmt.Errorf("write %d bytes into %d: %w", len(src), hm.size, ErrSizeMismatch)
	}
	return d.enqueue(func() error {
		if hm.freed {
			return ErrFreed
		}
		copy(hm.bytes(), src)
		return nil
	}, true)
}

func (d *Driver) Read(m device.Memory, dst []byte) error {
	hm, err := d.own(m)
	if err != nil {
		return err
	}
	if len(dst) != hm.size {
		return fmt.Errorf("read %d bytes from %d: %w", len(dst), hm.size, ErrSizeMismatch)
	}
	return d.enqueue(func() error {
		if hm.freed {
			return ErrFreed
		}
		copy(dst, hm.bytes())
		return nil
	}, true)
}

// Launch validates the dispatch, captures its arguments and enqueues it.
// Failures inside the kernel body surface at the next Finish.
func (d *Driver) Launch(p device.Program, disp device.Dispatch) error {
	prog, ok := p.(*program)
	if !ok || prog == nil || prog.owner != d {
		return errors.New("program was not compiled by this device")
	}
	if prog.released {
		return fmt.Errorf("kernel %s: program released", prog.entry)
	}
	if disp.Local <= 0 || disp.Global < 0 || disp.Global%disp.Local != 0 {
		return fmt.Errorf("global %d local %d: %w", disp.Global, disp.Local, ErrBadGeometry)
	}

	mems := make([]*memory, len(disp.Args))
	vals := make([][]byte, len(disp.Args))
	for i, a := range disp.Args {
		switch {
		case a.Memory != nil:
			hm, err := d.own(a.Memory)
			if err != nil {
				return fmt.Errorf("arg %d: %w", i, err)
			}
			mems[i] = hm
		case a.Value != nil:
			vals[i] = append([]byte(nil), a.Value...)
		default:
			return fmt.Errorf("arg %d: neither value nor memory set", i)
		}
	}

	fn, threads := prog.fn, d.threads
	return d.enqueue(func() error {
		args := &Args{vals: vals}
		for i, hm := range mems {
			if hm == nil {
				continue
			}
			if hm.freed {
				return fmt.Errorf("kernel %s arg %d: %w", prog.entry, i, ErrFreed)
			}
			args.vals[i] = hm.bytes()
		}
		t0 := time.Now()
		if err := run(fn, disp.Global, disp.Local, threads, args); err != nil {
			return fmt.Errorf("kernel %s: %w", prog.entry, err)
		}
		if disp.Done != nil {
			disp.Done(time.Since(t0))
		}
		return nil
	}, false)
}

// run executes every work group, spreading groups over at most threads goroutines.
func run(fn Func, global, local, threads int, args *Args) error {
	groups := global / local
	if groups == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(threads)
	for gi := 0; gi < groups; gi++ {
		wg := WorkGroup{Index: gi, Size: local, Global: global}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: group %d: %v", ErrKernelPanic, wg.Index, r)
				}
			}()
			fn(wg, args)
			return nil
		})
	}
	return g.Wait()
}

// Finish drains the queue and reports the first launch error since the last Finish.
func (d *Driver) Finish() error {
	if err := d.enqueue(func() error { return nil }, true); err != nil {
		return err
	}
	d.emu.Lock()
	err := d.failed
	d.failed = nil
	d.emu.Unlock()
	return err
}

// Close drains the queue and stops the queue goroutine.
func (d *Driver) Close() error {
	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.qmu.Unlock()
	d.wg.Wait()

	d.emu.Lock()
	defer d.emu.Unlock()
	return d.failed
}
