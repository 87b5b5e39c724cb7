package client

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-xpertking/internal/protocol"
)

// DefaultReadLimit caps a single reply scan.
const DefaultReadLimit = 1024

// Config holds the client configuration.
type Config struct {
	// Codec frames requests and splits replies
	Codec *protocol.Codec

	// Logger receives transaction and reconnect logs
	Logger zerolog.Logger

	// Observer is notified of query outcomes (optional)
	Observer Observer

	// ReadLimit is the maximum reply size in bytes
	ReadLimit int
}

func defaultConfig() Config {
	return Config{
		Codec:     protocol.NewCodec(),
		Logger:    log.With().Str("component", "inverter-client").Logger(),
		Observer:  NoopObserver{},
		ReadLimit: DefaultReadLimit,
	}
}

// Option is a functional option for configuring the Client.
type Option func(*Config)

// WithCodec replaces the frame codec, for example to pin its clock.
func WithCodec(codec *protocol.Codec) Option {
	return func(c *Config) {
		if codec != nil {
			c.Codec = codec
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithObserver registers an observer for query outcomes.
//
// Example:
//
//	metrics := monitor.New()
//	c := client.New(channel, s, client.WithObserver(metrics))
func WithObserver(observer Observer) Option {
	return func(c *Config) {
		if observer != nil {
			c.Observer = observer
		}
	}
}

// WithReadLimit sets the maximum reply size. Non-positive values keep the default.
func WithReadLimit(limit int) Option {
	return func(c *Config) {
		if limit > 0 {
			c.ReadLimit = limit
		}
	}
}
