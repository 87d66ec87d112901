package hal

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceRemoved        = errors.New("device removed")
	ErrAllocatorInFlight    = errors.New("command allocator still executing")
	ErrBackBufferReferenced = errors.New("back buffer still referenced")
	ErrInvalidState         = errors.New("invalid state")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrOutOfMemory          = errors.New("out of device memory")
	ErrUnsupported          = errors.New("unsupported")
)

// Error is returned by every native call that fails.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hal: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(op string, err error, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))}
}

// Wrap attaches op to err unless err is nil or already a *Error.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return err
	}
	return &Error{Op: op, Err: err}
}
