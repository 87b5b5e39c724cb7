// Package client drives an inverter over a transport channel: it frames
// queries, recovers from I/O failures by reconnecting and decodes replies
// into telemetry.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-xpertking/internal/decoder"
	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/protocol"
	"github.com/resident-x/go-xpertking/internal/schema"
	"github.com/resident-x/go-xpertking/internal/session"
	"github.com/resident-x/go-xpertking/internal/transport"
)

// Channel is the device link a client drives.
type Channel interface {
	Open() error
	Close() error
	Reconnect() error
	WriteFrame(frame []byte) error
	ReadUntilTerminator(maxBytes int) ([]byte, error)
	IsOpen() bool
	Path() string
}

// Client issues queries against one inverter. Transactions are serialised
// so a poller and the HTTP API can share a client.
type Client struct {
	channel   Channel
	schema    *schema.Schema
	decoder   *decoder.Decoder
	codec     *protocol.Codec
	logger    zerolog.Logger
	observer  Observer
	readLimit int
	sessions  *session.Tracker

	txMu    sync.Mutex
	stateMu sync.RWMutex
	state   domain.ConnectionState
}

// New creates a disconnected client.
func New(channel Channel, s *schema.Schema, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{
		channel:   channel,
		schema:    s,
		decoder:   decoder.New(s),
		codec:     cfg.Codec,
		logger:    cfg.Logger.With().Str("device", channel.Path()).Logger(),
		observer:  cfg.Observer,
		readLimit: cfg.ReadLimit,
		sessions:  session.NewTracker(),
		state:     domain.ConnectionState{DevicePath: channel.Path()},
	}
}

// Schema returns the command schema the client decodes with.
func (c *Client) Schema() *schema.Schema {
	return c.schema
}

// Connect opens the device.
func (c *Client) Connect() error {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	c.logger.Debug().Msg("Connecting to inverter")
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if err := c.channel.Open(); err != nil {
		c.logger.Error().Err(err).Msg("Cannot open inverter device")
		c.setDisconnected(err)
		return err
	}

	c.markConnected()
	c.logger.Info().Msg("Inverter device opened")
	return nil
}

func (c *Client) markConnected() {
	c.sessions.Start(c.channel.Path())

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state.Connected = true
	c.state.ConnectedAt = time.Now()
	c.state.LastError = ""
}

// Disconnect closes the device. It is safe to call when not connected.
func (c *Client) Disconnect() {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if err := c.channel.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error closing inverter device")
	}
	c.sessions.End()
	c.setDisconnected(nil)
}

// Reconnect closes and reopens the device.
func (c *Client) Reconnect() error {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.reconnectLocked()
}

func (c *Client) reconnectLocked() error {
	c.sessions.RecordReconnect()
	c.sessions.End()

	err := c.channel.Reconnect()
	c.observer.Reconnected(err == nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Reconnect failed")
		c.setDisconnected(err)
		return err
	}

	c.markConnected()
	c.logger.Info().Msg("Reconnected to inverter")
	return nil
}

func (c *Client) setDisconnected(err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.state.Connected = false
	if err != nil {
		c.state.LastError = err.Error()
	}
}

// State returns a copy of the connection state and device identity.
func (c *Client) State() domain.ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Session returns statistics of the current device session.
func (c *Client) Session() (session.SessionStats, bool) {
	return c.sessions.Stats()
}

// BootstrapIdentity reads manufacturer, model and firmware versions. Each
// value is stored as soon as it is read; a missing manufacturer or model is
// left empty. It reports false only when a firmware version yields nothing.
// The connection is kept either way.
func (c *Client) BootstrapIdentity() bool {
	manufacturer := c.SingleValue("QGMN")
	if manufacturer == "" {
		c.logger.Warn().Msg("Can't read manufacturer from inverter")
	}
	c.stateMu.Lock()
	c.state.Manufacturer = manufacturer
	c.stateMu.Unlock()

	model := c.SingleValue("QMN")
	if model == "" {
		c.logger.Warn().Msg("Can't read model from inverter")
	}
	c.stateMu.Lock()
	c.state.Model = model
	c.stateMu.Unlock()

	cpu, ok := c.SingleItem("QVFW")
	if !ok {
		c.logger.Error().Msg("Can't read CPU firmware from inverter")
		return false
	}
	panel, ok := c.SingleItem("QVFW3")
	if !ok {
		c.logger.Error().Msg("Can't read panel firmware from inverter")
		return false
	}
	firmware := cpu.StringValue() + " / " + panel.StringValue()
	c.logger.Debug().Str("firmware", firmware).Msg("Inverter firmware")

	serial := c.SerialNumber()

	c.stateMu.Lock()
	c.state.FirmwareVersion = firmware
	if serial != "" {
		c.state.SerialNumber = serial
	}
	c.stateMu.Unlock()

	if current, ok := c.sessions.Current(); ok && serial != "" {
		current.SetSerialNumber(serial)
	}

	c.logger.Info().
		Str("manufacturer", manufacturer).
		Str("model", model).
		Str("firmware", firmware).
		Str("serial", serial).
		Msg("Inverter identified")
	return true
}

// Query sends one command and decodes the reply. Every failure is logged and
// yields an empty result; I/O failures also reconnect the device. Callers
// treat an empty result as "try again later".
func (c *Client) Query(command, param string) []domain.TelemetryItem {
	if !c.schema.Has(command) {
		c.logger.Error().Str("command", command).Msg("Command not described by schema")
		c.observer.QueryFailed(command, ReasonUnknownCommand)
		return nil
	}

	start := time.Now()
	fields, ok := c.transact(command, param)
	if !ok {
		return nil
	}

	result, err := c.decoder.Decode(command, fields)
	if err != nil {
		c.logger.Error().Err(err).Str("command", command).Msg("Cannot decode reply")
		c.observer.QueryFailed(command, ReasonUnknownCommand)
		return nil
	}

	for _, failure := range result.Failures {
		c.logger.Debug().Err(failure.Err).
			Str("command", command).
			Str("field", failure.Field).
			Str("raw", failure.Raw).
			Msg("Skipping undecodable field")
		c.observer.FieldDecodeFailed(command, failure.Field)
	}

	c.observer.QueryCompleted(command, time.Since(start), len(result.Items))
	return result.Items
}

// QueryRaw sends one command and returns its reply fields undecoded, with
// the same failure policy as Query.
func (c *Client) QueryRaw(command, param string) []string {
	start := time.Now()
	fields, ok := c.transact(command, param)
	if !ok {
		return nil
	}

	c.observer.QueryCompleted(command, time.Since(start), len(fields))
	return fields
}

// QueryGroup queries each command of a group in order and concatenates the results.
func (c *Client) QueryGroup(group schema.Group) []domain.TelemetryItem {
	var items []domain.TelemetryItem
	for _, command := range c.schema.CommandsForGroup(group) {
		items = append(items, c.Query(command, "")...)
	}
	return items
}

// transact performs one write/read exchange under the transaction lock.
func (c *Client) transact(command, param string) ([]string, bool) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	logger := c.logger.With().Str("command", command).Logger()

	if !c.channel.IsOpen() {
		logger.Error().Msg("Not connected, reconnecting")
		c.observer.QueryFailed(command, ReasonNotConnected)
		_ = c.reconnectLocked()
		return nil, false
	}

	frame, err := c.codec.Encode(command, param)
	if err != nil {
		logger.Error().Err(err).Str("param", param).Msg("Cannot encode command")
		c.observer.QueryFailed(command, ReasonEncode)
		return nil, false
	}
	logger.Debug().Str("param", c.codec.ResolveParam(command, param)).Hex("frame", frame).Msg("Sending command")

	current, _ := c.sessions.Current()

	if err := c.channel.WriteFrame(frame); err != nil {
		c.ioFailed(logger, command, ReasonWrite, err, current)
		return nil, false
	}
	if current != nil {
		current.AddFrameSent(command, len(frame))
	}

	raw, err := c.channel.ReadUntilTerminator(c.readLimit)
	if err != nil {
		reason := ReasonRead
		var truncated *transport.TruncatedFrameError
		if errors.As(err, &truncated) {
			reason = ReasonTruncated
		}
		c.ioFailed(logger, command, reason, err, current)
		return nil, false
	}
	if current != nil {
		current.AddFrameReceived(len(raw))
	}
	logger.Debug().Hex("reply", raw).Msg("Received reply")

	if check, ok := protocol.VerifyTrailer(raw); ok && !check.Match() {
		logger.Debug().
			Uint16("expected", check.Expected).
			Uint16("received", check.Received).
			Msg("Reply checksum mismatch")
		c.observer.ChecksumMismatch(command)
	}

	return c.codec.Decode(command, raw), true
}

func (c *Client) ioFailed(logger zerolog.Logger, command, reason string, err error, current *session.Session) {
	logger.Error().Err(err).Str("reason", reason).Msg("Device I/O failed, reconnecting")
	if current != nil {
		current.IncrementErrorCount()
	}
	c.observer.QueryFailed(command, reason)
	_ = c.reconnectLocked()
}
