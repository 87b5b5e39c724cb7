package transport

import (
	"errors"
	"fmt"
)

// ErrNotOpen is wrapped by I/O errors on a closed channel.
var ErrNotOpen = errors.New("device not open")

// InvalidDeviceError indicates a path outside /dev/hidraw*. No I/O is attempted.
type InvalidDeviceError struct {
	Path string
}

func (e *InvalidDeviceError) Error() string {
	return fmt.Sprintf("invalid device path %q: must start with %s", e.Path, DevicePrefix)
}

// ConnectError indicates the device could not be opened.
type ConnectError struct {
	Path string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Path, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// WriteError indicates a failed frame write.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s failed: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ReadError indicates a failed read, including end of stream.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read from %s failed: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// TruncatedFrameError indicates the read cap was reached before a terminator.
type TruncatedFrameError struct {
	Path  string
	Limit int
	Data  []byte
}

func (e *TruncatedFrameError) Error() string {
	return fmt.Sprintf("no terminator from %s within %d bytes", e.Path, e.Limit)
}
