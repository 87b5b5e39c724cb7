// Package simulator provides an in-memory inverter that answers protocol
// frames with canned replies. It backs tests and the query tool's
// -simulate mode.
package simulator

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/resident-x/go-xpertking/internal/protocol"
	"github.com/resident-x/go-xpertking/internal/transport"
)

// NAK is the payload returned for commands the simulated inverter does not know.
const NAK = "NAK"

// DefaultReplies returns realistic reply payloads for a 5.6 kW Axpert style unit.
func DefaultReplies() map[string]string {
	return map[string]string{
		"QPIGS":  "230.0 49.9 230.0 49.9 0920 0850 019 392 52.10 005 080 0035 01.4 320.5 00.00 00000 00010101 00 00 00450 010",
		"QPIGS2": "01.2 310.4 00372",
		"QMOD":   "L",
		"QPIWS":  "00000000000000000000000000000000",
		"QFLAG":  "EbkuvxzDajy",
		"QET":    "00012345",
		"QLT":    "00987654",
		"QLD":    "003210",
		"QID":    "92932004102443",
		"QGMN":   "044",
		"QMN":    "VMII-5600",
		"QVFW":   "VERFW:00072.70",
		"QVFW2":  "VERFW2:00000.00",
		"QVFW3":  "VERFW:00041.17",
		"QT":     "20240307121530",
		"QPIRI":  "230.0 24.3 230.0 50.0 24.3 5600 5600 48.0 46.0 42.0 56.4 54.0 2 30 100 0 1 2 1 01 0 00 52.0 0 1",
	}
}

// Device is a simulated hidraw handle.
type Device struct {
	mu       sync.Mutex
	replies  map[string]string
	pending  bytes.Buffer
	requests []string
	closed   bool
	opens    int

	writeErr error
	readErr  error
	silent   bool
	ignored  map[string]bool
}

// New creates a device answering with DefaultReplies.
func New() *Device {
	return NewWithReplies(DefaultReplies())
}

// NewWithReplies creates a device with its own reply table.
func NewWithReplies(replies map[string]string) *Device {
	d := &Device{replies: make(map[string]string, len(replies))}
	for command, payload := range replies {
		d.replies[command] = payload
	}
	return d
}

// Opener returns a transport opener that reopens this device.
func (d *Device) Opener() transport.Opener {
	return func(string) (transport.Handle, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.closed = false
		d.opens++
		d.pending.Reset()
		return d, nil
	}
}

// SetReply sets the payload returned for command.
func (d *Device) SetReply(command, payload string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[command] = payload
}

// FailWrites makes every write fail with err. Nil restores normal writes.
func (d *Device) FailWrites(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

// FailReads makes every read fail with err. Nil restores normal reads.
func (d *Device) FailReads(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// SetSilent makes the device accept frames without answering.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// Ignore makes the device leave command unanswered while others still reply.
func (d *Device) Ignore(command string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ignored == nil {
		d.ignored = make(map[string]bool)
	}
	d.ignored[command] = true
}

// Requests returns the command text of every frame received, in order.
func (d *Device) Requests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

// Opens returns how many times the device was opened.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Write accepts one frame and queues the reply.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, os.ErrClosed
	}
	if d.writeErr != nil {
		return 0, d.writeErr
	}

	request := frameText(p)
	d.requests = append(d.requests, request)
	if !d.silent && !d.ignored[d.command(request)] {
		d.pending.Write(Reply(d.lookup(request)))
	}

	return len(p), nil
}

// Read drains queued reply bytes. An empty queue reads as end of stream.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, os.ErrClosed
	}
	if d.readErr != nil {
		return 0, d.readErr
	}
	if d.pending.Len() == 0 {
		return 0, io.EOF
	}

	return d.pending.Read(p)
}

// Close marks the device closed until it is reopened.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("device already closed")
	}
	d.closed = true
	return nil
}

// command resolves the longest known command that prefixes the request, so
// QPIGS2 is not answered as QPIGS and QLD20240307 is answered as QLD.
func (d *Device) command(request string) string {
	commands := make([]string, 0, len(d.replies))
	for command := range d.replies {
		commands = append(commands, command)
	}
	sort.Slice(commands, func(i, j int) bool {
		return len(commands[i]) > len(commands[j])
	})

	for _, command := range commands {
		if strings.HasPrefix(request, command) {
			return command
		}
	}
	return ""
}

func (d *Device) lookup(request string) string {
	if command := d.command(request); command != "" {
		return d.replies[command]
	}
	return NAK
}

// frameText strips the terminator and checksum from a request frame.
func frameText(frame []byte) string {
	frame = bytes.TrimSuffix(frame, []byte{transport.Terminator})
	if len(frame) < 2 {
		return string(frame)
	}
	return string(frame[:len(frame)-2])
}

// Reply frames a payload the way the inverter does: '(' payload, CRC, CR.
// CRC bytes that would collide with framing characters are bumped by one,
// as the device firmware does.
func Reply(payload string) []byte {
	body := append([]byte(protocol.ResponseMarker), payload...)
	crc := protocol.ChecksumBytes(body)
	for i, b := range crc {
		if b == 0x28 || b == 0x0D || b == 0x0A {
			crc[i] = b + 1
		}
	}

	frame := make([]byte, 0, len(body)+3)
	frame = append(frame, body...)
	frame = append(frame, crc...)
	return append(frame, transport.Terminator)
}
