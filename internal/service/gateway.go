// Package service wires the inverter client to polling, publishing and the HTTP API.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-xpertking/internal/api"
	"github.com/resident-x/go-xpertking/internal/client"
	"github.com/resident-x/go-xpertking/internal/config"
	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/monitor"
	"github.com/resident-x/go-xpertking/internal/scheduler"
	"github.com/resident-x/go-xpertking/internal/schema"
	"github.com/resident-x/go-xpertking/internal/transport"
	"github.com/resident-x/go-xpertking/internal/validation"
)

// LoadSchema returns the configured schema file, or the embedded default.
func LoadSchema(cfg *config.Config) (*schema.Schema, error) {
	if cfg.Device.SchemaFile != "" {
		return schema.LoadFile(cfg.Device.SchemaFile)
	}
	return schema.LoadDefault()
}

// NewClient builds the inverter client for the configured device. A nil
// observer disables query metrics; extra transport options are appended.
func NewClient(cfg *config.Config, observer client.Observer, opts ...transport.Option) (*client.Client, error) {
	s, err := LoadSchema(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load command schema: %w", err)
	}

	transportOpts := append([]transport.Option{transport.WithReadTimeout(cfg.Device.ReadTimeout)}, opts...)
	channel := transport.New(cfg.Device.Path, transportOpts...)

	clientOpts := []client.Option{client.WithReadLimit(cfg.Device.ReadLimit)}
	if observer != nil {
		clientOpts = append(clientOpts, client.WithObserver(observer))
	}

	return client.New(channel, s, clientOpts...), nil
}

// Gateway owns the inverter client and every component fed from it.
type Gateway struct {
	config     *config.Config
	client     *client.Client
	store      *domain.TelemetryStore
	publisher  domain.MessagePublisher
	monitoring domain.MonitoringService
	metrics    *monitor.Monitor
	poller     *scheduler.Poller
	apiServer  *api.Server
	logger     zerolog.Logger

	mu        sync.Mutex
	started   bool
	startTime time.Time
}

// NewGateway creates a gateway. metrics may be nil when metrics are disabled.
func NewGateway(cfg *config.Config, c *client.Client, publisher domain.MessagePublisher,
	monitoring domain.MonitoringService, metrics *monitor.Monitor) *Gateway {
	g := &Gateway{
		config:     cfg,
		client:     c,
		store:      domain.NewTelemetryStore(),
		publisher:  publisher,
		monitoring: monitoring,
		metrics:    metrics,
		logger:     log.With().Str("component", "gateway").Logger(),
	}

	sinks := scheduler.Sinks{
		Publisher:  publisher,
		Monitoring: monitoring,
	}
	if metrics != nil {
		sinks.Observer = metrics
	}

	if cfg.API.Enabled {
		g.apiServer = api.NewServer(cfg, c, g.store)
		sinks.Broadcaster = g.apiServer.Hub()
		if metrics != nil {
			g.apiServer.SetMetricsHandler(metrics.Handler())
		}
	}

	g.poller = scheduler.NewPoller(c, g.store, sinks, &scheduler.PollerConfig{
		DataInterval:   cfg.Poll.DataInterval,
		ConfigInterval: cfg.Poll.ConfigInterval,
	}, log.Logger)

	// Validate has already accepted the level name.
	if level, err := validation.ParseLevel(cfg.Poll.Validation); err == nil && level != validation.ValidationLevelOff {
		g.poller.SetValidator(validation.NewValidator(level, log.Logger))
	}

	if g.apiServer != nil {
		g.apiServer.SetPollerMetrics(g.poller)
	}

	return g
}

// Store returns the latest snapshots.
func (g *Gateway) Store() *domain.TelemetryStore {
	return g.store
}

// API returns the HTTP server, nil when disabled.
func (g *Gateway) API() *api.Server {
	return g.apiServer
}

// Start connects to the inverter and starts every component. Device and
// broker failures are logged; polling starts anyway and recovers the link.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return fmt.Errorf("gateway is already running")
	}
	g.startTime = time.Now()

	if err := g.client.Connect(); err != nil {
		g.logger.Error().Err(err).Str("device", g.config.Device.Path).Msg("Failed to connect to inverter, polling will retry")
	} else if !g.client.BootstrapIdentity() {
		g.logger.Warn().Msg("Inverter identity incomplete")
	}

	if g.metrics != nil {
		g.metrics.SetConnected(g.client.State().Connected)
	}

	if err := g.publisher.Connect(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to connect message publisher")
	}
	if err := g.monitoring.Connect(); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to connect monitoring service")
	}

	if g.apiServer != nil {
		if err := g.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if err := g.poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	g.started = true
	g.logger.Info().Str("device", g.config.Device.Path).Msg("Gateway started")
	return nil
}

// Stop shuts every component down in reverse order.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return nil
	}
	g.logger.Info().Dur("uptime", time.Since(g.startTime)).Msg("Stopping gateway")

	if err := g.poller.Stop(); err != nil {
		g.logger.Error().Err(err).Msg("Failed to stop poller")
	}

	if g.apiServer != nil {
		if err := g.apiServer.Stop(ctx); err != nil {
			g.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if err := g.publisher.Close(); err != nil {
		g.logger.Error().Err(err).Msg("Failed to close message publisher")
	}
	if err := g.monitoring.Close(); err != nil {
		g.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	g.client.Disconnect()
	g.started = false
	return nil
}
