package device

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an opaque device allocation owned by a Driver.
type Memory interface {
	Size() int
}

// Program is a compiled kernel entry point owned by a Driver.
type Program interface {
	Entry() string
	Release() error
}

// LaunchArg is one encoded kernel argument. Exactly one of Value and Memory is set:
// Value holds the bytes passed by value (scalars, structs), Memory a device allocation
// passed by reference.
type LaunchArg struct {
	Value  []byte
	Memory Memory
}

// Dispatch describes one 1-D launch. Global is always a multiple of Local.
type Dispatch struct {
	Kernel string
	Global int
	Local  int
	Args   []LaunchArg

	// Done, when set, is invoked once the launch has executed on the device
	// with its device-side duration. It may run on a driver goroutine.
	Done func(elapsed time.Duration)
}

// Driver is the low-level compute API for one device and its in-order queue.
//
// Write and Read block the caller until the transfer is complete; because the
// queue is in order they observe every launch enqueued before them. Launch only
// enqueues. Free may be called while queued commands still reference the memory;
// the driver defers the release until they have executed.
type Driver interface {
	Name() string
	DeviceName() string
	Allocate(size int) (Memory, error)
	Free(m Memory) error
	Write(m Memory, src []byte) error
	Read(m Memory, dst []byte) error
	Compile(source, entry string) (Program, error)
	Launch(p Program, d Dispatch) error
	Finish() error
	Close() error
}

// Options configure a driver when it is opened.
type Options struct {
	// Threads bounds host-side parallelism for emulated devices. Zero means GOMAXPROCS.
	Threads int
}

// Opener opens the device with the given index for a backend.
type Opener func(index int, opts Options) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Opener)
)

// Register makes a backend available to Open. Drivers call it from init.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = open
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open selects device index of backend and wraps it in a Context.
func Open(backend string, index int, opts Options) (*Context, error) {
	registryMu.RLock()
	open, ok := registry[strings.ToLower(backend)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown device backend %q (registered: %s)", backend, strings.Join(Backends(), ", "))
	}
	if index < 0 {
		return nil, fmt.Errorf("invalid device index %d", index)
	}
	drv, err := open(index, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s device %d: %w", backend, index, err)
	}
	return NewContext(drv), nil
}
