// Package transport owns the hidraw character device the inverter is
// reached through.
package transport

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DevicePrefix is required on every device path.
const DevicePrefix = "/dev/hidraw"

// Terminator ends every device reply.
const Terminator byte = 0x0D

// Handle is an open device.
type Handle interface {
	io.ReadWriteCloser
}

// deadliner is implemented by handles that support read timeouts, such as *os.File.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Opener opens the device at path.
type Opener func(path string) (Handle, error)

// OpenFile is the default opener. The hidraw node is opened read-write as a
// plain file; it is not a tty and takes no line settings.
func OpenFile(path string) (Handle, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

// Option configures a Channel.
type Option func(*Channel)

// WithOpener replaces the device opener.
func WithOpener(opener Opener) Option {
	return func(c *Channel) {
		c.opener = opener
	}
}

// WithReadTimeout bounds each terminator scan. Zero blocks indefinitely.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Channel) {
		c.readTimeout = timeout
	}
}

// WithLogger sets the channel logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// Channel is a single device handle. Callers serialise transactions; the
// internal lock only guards the handle itself.
type Channel struct {
	path        string
	opener      Opener
	readTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	handle Handle
	reader *bufio.Reader
}

// New creates a closed channel for the device path.
func New(path string, opts ...Option) *Channel {
	c := &Channel{
		path:   path,
		opener: OpenFile,
		logger: log.With().Str("component", "transport").Str("device", path).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the device path.
func (c *Channel) Path() string {
	return c.path
}

// IsOpen reports whether the device handle is open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// Open validates the path and opens the device. Opening an open channel
// is a no-op.
func (c *Channel) Open() error {
	if !strings.HasPrefix(c.path, DevicePrefix) {
		return &InvalidDeviceError{Path: c.path}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		return nil
	}

	handle, err := c.opener(c.path)
	if err != nil {
		return &ConnectError{Path: c.path, Err: err}
	}

	c.handle = handle
	c.reader = bufio.NewReader(handle)
	c.logger.Info().Msg("Device opened")
	return nil
}

// Close releases the handle. Closing a closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Channel) closeLocked() error {
	if c.handle == nil {
		return nil
	}

	err := c.handle.Close()
	c.handle = nil
	c.reader = nil
	if err != nil {
		c.logger.Warn().Err(err).Msg("Error closing device")
		return err
	}

	c.logger.Info().Msg("Device closed")
	return nil
}

// Reconnect closes and reopens the device. It is the only way to abort a
// read stuck on a silent device.
func (c *Channel) Reconnect() error {
	c.mu.Lock()
	if err := c.closeLocked(); err != nil {
		c.logger.Debug().Err(err).Msg("Ignoring close error during reconnect")
	}
	c.mu.Unlock()

	return c.Open()
}

// WriteFrame writes an encoded frame. Bytes buffered from an earlier
// exchange are dropped first so the next read starts at this frame's reply.
func (c *Channel) WriteFrame(frame []byte) error {
	c.mu.Lock()
	handle, reader := c.handle, c.reader
	c.mu.Unlock()

	if handle == nil {
		return &WriteError{Path: c.path, Err: ErrNotOpen}
	}

	if n := reader.Buffered(); n > 0 {
		_, _ = reader.Discard(n)
		c.logger.Debug().Int("bytes", n).Msg("Discarded stale device bytes")
	}

	written, err := handle.Write(frame)
	if err != nil {
		return &WriteError{Path: c.path, Err: err}
	}
	if written != len(frame) {
		return &WriteError{Path: c.path, Err: io.ErrShortWrite}
	}

	return nil
}

// ReadUntilTerminator reads bytes up to and including the 0x0D terminator.
// maxBytes caps the scan; reaching it without a terminator is a
// TruncatedFrameError carrying the bytes read.
func (c *Channel) ReadUntilTerminator(maxBytes int) ([]byte, error) {
	c.mu.Lock()
	handle, reader := c.handle, c.reader
	c.mu.Unlock()

	if handle == nil {
		return nil, &ReadError{Path: c.path, Err: ErrNotOpen}
	}

	if c.readTimeout > 0 {
		if d, ok := handle.(deadliner); ok {
			if err := d.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("Device does not support read deadlines")
			} else {
				defer func() { _ = d.SetReadDeadline(time.Time{}) }()
			}
		}
	}

	frame := make([]byte, 0, 64)
	for len(frame) < maxBytes {
		b, err := reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return frame, &ReadError{Path: c.path, Err: err}
		}

		frame = append(frame, b)
		if b == Terminator {
			return frame, nil
		}
	}

	return frame, &TruncatedFrameError{Path: c.path, Limit: maxBytes, Data: frame}
}
