package device

import (
	"fmt"
	"unsafe"

	"github.com/23skdu/longbow-kernelrt/internal/metrics"
)

// State tracks which side of a Buffer holds the current value.
type State int

const (
	// Unallocated: no device storage exists.
	Unallocated State = iota
	// HostDirty: device storage exists but the host array is authoritative.
	HostDirty
	// DeviceDirty: a launch wrote the device copy after the last transfer.
	DeviceDirty
	// Synchronized: both copies hold the same value.
	Synchronized
)

func (s State) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case HostDirty:
		return "host-dirty"
	case DeviceDirty:
		return "device-dirty"
	case Synchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Element is a fixed-size value that can be stored in a device buffer.
type Element interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// Buffer pairs one caller-owned host array with one device allocation.
//
// Nothing moves between host and device unless the caller asks: CreateOnDevice
// allocates, CopyToDevice and CopyToHost transfer the whole array, Release frees
// the device side. The host array is never freed or reallocated by the Buffer.
//
// A Buffer belongs to the Context that created it and is not safe for concurrent
// mutation. Binding the same Buffer as input and output of overlapping launches is
// a caller error that the runtime does not detect.
type Buffer struct {
	ctx      *Context
	host     []byte
	count    int
	elemSize int
	mem      Memory
	state    State
}

// Wrap records the pairing of the first n elements of host with a future device
// allocation. No memory is allocated and nothing is transferred.
func Wrap[T Element](ctx *Context, n int, host []T) (*Buffer, error) {
	if n < 0 || n > len(host) {
		return nil, fmt.Errorf("wrap: element count %d out of range for host array of %d", n, len(host))
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	var raw []byte
	if n > 0 {
		raw = unsafe.Slice((*byte)(unsafe.Pointer(&host[0])), n*size)
	}
	return &Buffer{ctx: ctx, host: raw, count: n, elemSize: size}, nil
}

// WrapBytes wraps a raw byte region, such as an arena of packed structs.
func WrapBytes(ctx *Context, host []byte) *Buffer {
	return &Buffer{ctx: ctx, host: host, count: len(host), elemSize: 1}
}

func (b *Buffer) Count() int { return b.count }

func (b *Buffer) ElementSize() int { return b.elemSize }

// Size is the byte length of the wrapped region.
func (b *Buffer) Size() int { return len(b.host) }

func (b *Buffer) State() State { return b.state }

func (b *Buffer) Context() *Context { return b.ctx }

// Memory returns the device allocation, or nil before CreateOnDevice/CopyToDevice.
func (b *Buffer) Memory() Memory { return b.mem }

func (b *Buffer) Allocated() bool { return b.mem != nil }

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer(%dx%dB %s)", b.count, b.elemSize, b.state)
}

// CreateOnDevice allocates device storage without transferring content. It is a
// no-op when storage already exists.
func (b *Buffer) CreateOnDevice() error {
	if b.mem != nil {
		return nil
	}
	m, err := b.ctx.Allocate(len(b.host))
	if err != nil {
		return &TransferError{Op: "createOnDevice", Bytes: len(b.host), Err: err}
	}
	b.mem = m
	b.state = HostDirty
	b.ctx.log.Debug("buffer allocated", "bytes", len(b.host))
	return nil
}

// CopyToDevice allocates storage if needed and transfers the full host array.
// Every call re-sends the current host contents.
func (b *Buffer) CopyToDevice() error {
	if err := b.CreateOnDevice(); err != nil {
		return err
	}
	if err := b.ctx.drv.Write(b.mem, b.host); err != nil {
		return &TransferError{Op: "copyToDevice", Bytes: len(b.host), Err: err}
	}
	metrics.RecordTransfer(metrics.ToDevice, len(b.host))
	b.state = Synchronized
	return nil
}

// CopyToHost overwrites the wrapped host array with the device contents.
func (b *Buffer) CopyToHost() error {
	if b.mem == nil {
		return &TransferError{Op: "copyToHost", Bytes: len(b.host), Err: ErrNotAllocated}
	}
	if err := b.ctx.drv.Read(b.mem, b.host); err != nil {
		return &TransferError{Op: "copyToHost", Bytes: len(b.host), Err: err}
	}
	metrics.RecordTransfer(metrics.ToHost, len(b.host))
	b.state = Synchronized
	return nil
}

// MarkDeviceWritten records that a launch may have written the device copy.
func (b *Buffer) MarkDeviceWritten() {
	if b.mem != nil {
		b.state = DeviceDirty
	}
}

// Release frees the device storage. The host array stays valid and untouched.
// Releasing an unallocated buffer is a no-op.
func (b *Buffer) Release() error {
	if b.mem == nil {
		return nil
	}
	if b.state == DeviceDirty {
		b.ctx.log.Warn("releasing buffer with device writes never copied to host", "bytes", len(b.host))
	}
	if err := b.ctx.Free(b.mem, len(b.host)); err != nil {
		return fmt.Errorf("release buffer: %w", err)
	}
	b.mem = nil
	b.state = Unallocated
	return nil
}
