package device

import (
	"errors"
	"fmt"
)

var (
	ErrTransferFailure = errors.New("transfer failure")
	ErrNotAllocated    = errors.New("buffer has no device allocation")
)

// TransferError reports a failed allocation or host/device copy.
type TransferError struct {
	Op    string
	Bytes int
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s (%d bytes): %v", e.Op, e.Bytes, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailure }
