package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/23skdu/longbow-kernelrt/internal/device"
	"github.com/23skdu/longbow-kernelrt/internal/metrics"
)

// Role documents how a kernel uses a bound buffer. Out and InOut buffers are
// marked device-written after a successful launch.
type Role int

const (
	In Role = iota
	Out
	InOut
)

func (r Role) String() string {
	switch r {
	case Out:
		return "out"
	case InOut:
		return "inout"
	default:
		return "in"
	}
}

// slot is one pending argument.
type slot struct {
	kind Kind
	i    int64
	f    float64
	off  int // raw bytes live in Kernel.scratch[off:off+n]
	n    int
	buf  *device.Buffer
	role Role
}

func (s slot) describe() string {
	switch s.kind {
	case KindBuffer:
		return "buffer"
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", s.n)
	default:
		return s.kind.String()
	}
}

// Kernel is a compiled entry point plus the arguments pending for its next launch.
//
// Arguments are appended in declaration order with the chaining binders and are
// checked against the declared signature at Launch. Every Launch, successful or
// not, clears the pending list so the handle can be reused in a loop.
type Kernel struct {
	ctx    *device.Context
	prog   device.Program
	name   string
	label  string
	params []Param

	args    []slot
	scratch []byte
	encoded []byte
	launch  []device.LaunchArg
	staged  []*device.Buffer
	bindErr error
}

func newKernel(ctx *device.Context, prog device.Program, label string, params []Param) *Kernel {
	return &Kernel{ctx: ctx, prog: prog, name: prog.Entry(), label: label, params: params}
}

func (k *Kernel) Name() string { return k.name }

func (k *Kernel) Label() string { return k.label }

// Params returns the declared signature.
func (k *Kernel) Params() []Param { return k.params }

// Pending reports how many arguments are bound for the next launch.
func (k *Kernel) Pending() int { return len(k.args) }

func (k *Kernel) Int(v int) *Kernel {
	k.args = append(k.args, slot{kind: KindInt, i: int64(v)})
	return k
}

func (k *Kernel) Float(v float64) *Kernel {
	k.args = append(k.args, slot{kind: KindFloat, f: v})
	return k
}

// Bytes binds a copy of b taken now; later changes to b are not seen by the launch.
func (k *Kernel) Bytes(b []byte) *Kernel {
	off := len(k.scratch)
	k.scratch = append(k.scratch, b...)
	k.args = append(k.args, slot{kind: KindBytes, off: off, n: len(b)})
	return k
}

// Struct binds a copy of the first count elements of values as raw bytes. It
// serves both by-value struct parameters and pointer parameters; for the latter
// the bytes are staged in a transient device allocation for the launch.
func Struct[T any](k *Kernel, count int, values []T) *Kernel {
	if count < 0 || count > len(values) {
		k.fail(fmt.Errorf("kernel %s argument %d: struct count %d exceeds %d values", k.name, len(k.args), count, len(values)))
		return k.Bytes(nil)
	}
	if count == 0 {
		return k.Bytes(nil)
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	return k.Bytes(unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), count*size))
}

func (k *Kernel) In(b *device.Buffer) *Kernel { return k.bind(b, In) }

func (k *Kernel) Out(b *device.Buffer) *Kernel { return k.bind(b, Out) }

func (k *Kernel) InOut(b *device.Buffer) *Kernel { return k.bind(b, InOut) }

func (k *Kernel) bind(b *device.Buffer, role Role) *Kernel {
	if b == nil {
		k.fail(fmt.Errorf("kernel %s argument %d: nil buffer", k.name, len(k.args)))
	}
	k.args = append(k.args, slot{kind: KindBuffer, buf: b, role: role})
	return k
}

func (k *Kernel) fail(err error) {
	if k.bindErr == nil {
		k.bindErr = err
	}
}

// reset clears pending arguments, keeping backing capacity for the next cycle.
func (k *Kernel) reset() {
	for i := range k.args {
		k.args[i].buf = nil
	}
	for i := range k.launch {
		k.launch[i] = device.LaunchArg{}
	}
	for i := range k.staged {
		k.staged[i] = nil
	}
	k.args = k.args[:0]
	k.scratch = k.scratch[:0]
	k.encoded = k.encoded[:0]
	k.launch = k.launch[:0]
	k.staged = k.staged[:0]
	k.bindErr = nil
}

// GroupCount is the number of groups of size group needed to cover total lanes.
func GroupCount(total, group int) int {
	return (total + group - 1) / group
}

// Launch checks the pending arguments against the signature and enqueues
// ceil(total/group) groups of group lanes. It does not wait for the kernel to
// run; use the Context's Finish. Pending arguments are cleared in every case.
func (k *Kernel) Launch(total, group int) error {
	defer k.reset()

	if k.bindErr != nil {
		metrics.RecordValidationError("launch", "bind")
		return fmt.Errorf("%w: %v", ErrArgumentMismatch, k.bindErr)
	}
	if err := k.validate(); err != nil {
		return err
	}
	if group <= 0 || total < 0 {
		metrics.RecordValidationError("launch", "geometry")
		return &LaunchError{Kernel: k.name, Global: total, Local: group, Err: errors.New("group size must be positive and total non-negative")}
	}
	if err := k.encode(); err != nil {
		k.releaseStaged()
		return err
	}
	if total == 0 {
		k.releaseStaged()
		return nil
	}

	global := GroupCount(total, group) * group
	err := k.ctx.Dispatch(k.prog, device.Dispatch{
		Kernel: k.name,
		Global: global,
		Local:  group,
		Args:   k.launch,
	})
	k.releaseStaged()
	if err != nil {
		return &LaunchError{Kernel: k.name, Global: global, Local: group, Err: err}
	}
	for _, s := range k.args {
		if s.kind == KindBuffer && s.role != In {
			s.buf.MarkDeviceWritten()
		}
	}
	return nil
}

// validate compares kinds position by position, then the argument count.
func (k *Kernel) validate() error {
	n := len(k.args)
	if len(k.params) < n {
		n = len(k.params)
	}
	for i := 0; i < n; i++ {
		p, s := k.params[i], k.args[i]
		if !compatible(p, s) {
			metrics.RecordValidationError("launch", "argument_mismatch")
			return &ArgumentMismatchError{Kernel: k.name, Position: i, Name: p.Name, Expected: expected(p), Actual: s.describe()}
		}
		if s.kind == KindInt && !fitsInt(p, s.i) {
			metrics.RecordValidationError("launch", "argument_mismatch")
			return &ArgumentMismatchError{Kernel: k.name, Position: i, Name: p.Name, Expected: expected(p), Actual: fmt.Sprintf("int %d (out of range)", s.i)}
		}
	}
	if len(k.args) < len(k.params) {
		p := k.params[len(k.args)]
		metrics.RecordValidationError("launch", "argument_mismatch")
		return &ArgumentMismatchError{Kernel: k.name, Position: p.Index, Name: p.Name, Expected: expected(p), Actual: "nothing"}
	}
	if len(k.args) > len(k.params) {
		metrics.RecordValidationError("launch", "argument_mismatch")
		return &ArgumentMismatchError{Kernel: k.name, Position: len(k.params), Expected: "nothing", Actual: k.args[len(k.params)].describe()}
	}
	for i, s := range k.args {
		if s.kind != KindBuffer {
			continue
		}
		if !s.buf.Allocated() {
			metrics.RecordValidationError("launch", "unbound_buffer")
			return &UnboundBufferError{Kernel: k.name, Position: i, Name: k.params[i].Name}
		}
		if s.buf.Context() != k.ctx {
			metrics.RecordValidationError("launch", "foreign_buffer")
			return &LaunchError{Kernel: k.name, Err: fmt.Errorf("argument %d: buffer belongs to another device", i)}
		}
	}
	return nil
}

func expected(p Param) string {
	if p.Kind == KindBytes && p.Size > 0 {
		return fmt.Sprintf("bytes[%d] (%s)", p.Size, p.Type)
	}
	return fmt.Sprintf("%s (%s)", p.Kind, p.Type)
}

func compatible(p Param, s slot) bool {
	switch p.Kind {
	case KindBuffer:
		// Raw bytes bound to a pointer are staged into device memory.
		return s.kind == KindBuffer || (s.kind == KindBytes && s.n > 0)
	case KindBytes:
		return s.kind == KindBytes && (p.Size == 0 || p.Size == s.n)
	default:
		return s.kind == p.Kind
	}
}

// fitsInt reports whether v is representable in the declared integer type.
func fitsInt(p Param, v int64) bool {
	bits := 8 * p.Size
	unsigned := strings.HasPrefix(p.Type, "u") || p.Type == "size_t" || p.Type == "bool"
	switch {
	case unsigned && v < 0:
		return false
	case bits >= 64:
		return true
	case unsigned:
		return v < int64(1)<<bits
	default:
		return v >= -(int64(1)<<(bits-1)) && v < int64(1)<<(bits-1)
	}
}

// encode turns the slots into driver arguments, staging raw bytes bound to
// pointer parameters.
func (k *Kernel) encode() error {
	for i, s := range k.args {
		p := k.params[i]
		switch {
		case s.kind == KindBuffer:
			k.launch = append(k.launch, device.LaunchArg{Memory: s.buf.Memory()})
		case s.kind == KindBytes && p.Kind == KindBuffer:
			staged := device.WrapBytes(k.ctx, k.scratch[s.off:s.off+s.n])
			if err := staged.CopyToDevice(); err != nil {
				return err
			}
			k.staged = append(k.staged, staged)
			k.launch = append(k.launch, device.LaunchArg{Memory: staged.Memory()})
		default:
			k.encoded = appendValue(k.encoded, p, s, k.scratch)
			k.launch = append(k.launch, device.LaunchArg{})
		}
	}
	// Slice value views only once encoded has stopped growing.
	off := 0
	for i, s := range k.args {
		if k.launch[i].Memory != nil {
			continue
		}
		n := valueSize(k.params[i], s)
		k.launch[i].Value = k.encoded[off : off+n : off+n]
		off += n
	}
	return nil
}

func valueSize(p Param, s slot) int {
	if s.kind == KindBytes {
		return s.n
	}
	return p.Size
}

func appendValue(dst []byte, p Param, s slot, scratch []byte) []byte {
	switch s.kind {
	case KindInt:
		switch p.Size {
		case 1:
			return append(dst, byte(s.i))
		case 2:
			return binary.LittleEndian.AppendUint16(dst, uint16(s.i))
		case 8:
			return binary.LittleEndian.AppendUint64(dst, uint64(s.i))
		default:
			return binary.LittleEndian.AppendUint32(dst, uint32(s.i))
		}
	case KindFloat:
		if p.Size == 8 {
			return binary.LittleEndian.AppendUint64(dst, math.Float64bits(s.f))
		}
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(s.f)))
	default:
		return append(dst, scratch[s.off:s.off+s.n]...)
	}
}

// releaseStaged frees transient allocations; the driver defers the free until
// the launch that reads them has run.
func (k *Kernel) releaseStaged() {
	for _, b := range k.staged {
		if err := b.Release(); err != nil {
			k.ctx.Logger().Warn("release staged argument", "kernel", k.name, "error", err)
		}
	}
}
