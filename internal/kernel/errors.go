package kernel

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-kernelrt/internal/device"
	"github.com/23skdu/longbow-kernelrt/internal/template"
)

var (
	ErrCompileFailure   = errors.New("compile failure")
	ErrUnboundBuffer    = errors.New("unbound buffer")
	ErrArgumentMismatch = errors.New("argument mismatch")
	ErrLaunchFailure    = errors.New("launch failure")

	// Re-exported so callers can match the whole taxonomy from one package.
	ErrMissingParameter = template.ErrMissingParameter
	ErrTransferFailure  = device.ErrTransferFailure
)

// CompileError carries the rendered source that failed to build.
type CompileError struct {
	Label  string
	Entry  string
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s (entry %s): %v", e.Label, e.Entry, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

func (e *CompileError) Is(target error) bool { return target == ErrCompileFailure }

// ArgumentMismatchError names the first slot whose kind differs from the declaration.
type ArgumentMismatchError struct {
	Kernel   string
	Position int
	Name     string // declared parameter name, empty past the end of the signature
	Expected string
	Actual   string
}

func (e *ArgumentMismatchError) Error() string {
	name := e.Name
	if name == "" {
		name = "<none>"
	}
	return fmt.Sprintf("kernel %s argument %d (%s): expected %s, got %s", e.Kernel, e.Position, name, e.Expected, e.Actual)
}

func (e *ArgumentMismatchError) Is(target error) bool { return target == ErrArgumentMismatch }

// UnboundBufferError reports a buffer bound before its device allocation existed.
type UnboundBufferError struct {
	Kernel   string
	Position int
	Name     string
}

func (e *UnboundBufferError) Error() string {
	return fmt.Sprintf("kernel %s argument %d (%s): buffer has no device allocation; call CreateOnDevice or CopyToDevice first", e.Kernel, e.Position, e.Name)
}

func (e *UnboundBufferError) Is(target error) bool { return target == ErrUnboundBuffer }

// LaunchError wraps a dispatch rejected by the device.
type LaunchError struct {
	Kernel string
	Global int
	Local  int
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (global %d, local %d): %v", e.Kernel, e.Global, e.Local, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunchFailure }
