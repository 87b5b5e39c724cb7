// Package scheduler polls the inverter's command groups on fixed intervals and
// fans the resulting snapshots out to the store and the outbound sinks.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/schema"
	"github.com/resident-x/go-xpertking/internal/validation"
)

// Source is the device side of the poller.
type Source interface {
	QueryGroup(group schema.Group) []domain.TelemetryItem
	State() domain.ConnectionState
}

// SnapshotObserver receives every stored snapshot and the link state after each poll.
type SnapshotObserver interface {
	ObserveSnapshot(snapshot *domain.Snapshot)
	SetConnected(connected bool)
}

// Broadcaster pushes snapshots to live subscribers.
type Broadcaster interface {
	Broadcast(snapshot *domain.Snapshot)
}

// Sinks are the optional consumers of polled snapshots. Nil members are skipped.
type Sinks struct {
	Publisher   domain.MessagePublisher
	Monitoring  domain.MonitoringService
	Observer    SnapshotObserver
	Broadcaster Broadcaster
}

// PollerConfig holds the polling intervals.
type PollerConfig struct {
	DataInterval   time.Duration
	ConfigInterval time.Duration
	// PublishTimeout bounds a single publish or monitoring call.
	PublishTimeout time.Duration
}

// DefaultPollerConfig returns a default poller configuration.
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		DataInterval:   30 * time.Second,
		ConfigInterval: time.Hour,
		PublishTimeout: 10 * time.Second,
	}
}

// ErrAlreadyRunning is returned by Start on a running poller.
var ErrAlreadyRunning = errors.New("poller is already running")

// ErrNotRunning is returned by Stop on a stopped poller.
var ErrNotRunning = errors.New("poller is not running")

// Poller drives periodic group queries.
type Poller struct {
	source    Source
	store     domain.SnapshotStore
	sinks     Sinks
	config    PollerConfig
	validator atomic.Pointer[validation.Validator]
	logger    zerolog.Logger

	mutex     sync.RWMutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup

	// Metrics
	pollsCompleted  int64
	pollsEmpty      int64
	publishFailures int64
	sendFailures    int64
	invalidPolls    int64
	lastPoll        atomic.Value // time.Time
}

// NewPoller creates a new poller.
func NewPoller(source Source, store domain.SnapshotStore, sinks Sinks, config *PollerConfig, logger zerolog.Logger) *Poller {
	if config == nil {
		config = DefaultPollerConfig()
	}
	cfg := *config
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPollerConfig().PublishTimeout
	}

	return &Poller{
		source: source,
		store:  store,
		sinks:  sinks,
		config: cfg,
		logger: logger.With().Str("component", "poller").Logger(),
	}
}

// SetValidator enables plausibility checks on every snapshot. Snapshots that
// fail are logged and counted but still delivered.
func (p *Poller) SetValidator(v *validation.Validator) {
	p.validator.Store(v)
}

// Start polls the config group once, then begins the interval loops.
func (p *Poller) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return ErrAlreadyRunning
	}

	p.stopChan = make(chan struct{})
	p.isRunning = true

	p.wg.Add(2)
	go p.loop(ctx, schema.GroupConfig, p.config.ConfigInterval)
	go p.loop(ctx, schema.GroupData, p.config.DataInterval)

	p.logger.Info().
		Dur("data_interval", p.config.DataInterval).
		Dur("config_interval", p.config.ConfigInterval).
		Msg("Poller started")

	return nil
}

// Stop shuts the loops down and waits for an in-flight poll to finish.
func (p *Poller) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isRunning {
		return ErrNotRunning
	}

	close(p.stopChan)
	p.wg.Wait()
	p.isRunning = false

	p.logger.Info().Msg("Poller stopped")
	return nil
}

// IsRunning reports whether the loops are active.
func (p *Poller) IsRunning() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.isRunning
}

// loop polls group immediately and then on every tick.
func (p *Poller) loop(ctx context.Context, group schema.Group, interval time.Duration) {
	defer p.wg.Done()

	p.Poll(ctx, group)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.Poll(ctx, group)
		}
	}
}

// Poll queries one group and distributes the snapshot. It returns nil when the
// device produced nothing.
func (p *Poller) Poll(ctx context.Context, group schema.Group) *domain.Snapshot {
	logger := p.logger.With().Str("group", string(group)).Logger()

	items := p.source.QueryGroup(group)
	state := p.source.State()
	p.lastPoll.Store(time.Now())

	if p.sinks.Observer != nil {
		p.sinks.Observer.SetConnected(state.Connected)
	}

	if len(items) == 0 {
		atomic.AddInt64(&p.pollsEmpty, 1)
		logger.Warn().Bool("connected", state.Connected).Msg("Poll returned no telemetry")
		return nil
	}

	snapshot := &domain.Snapshot{
		Group:     string(group),
		Items:     items,
		Timestamp: time.Now(),
		State:     state,
	}

	p.validate(logger, snapshot)

	p.store.Put(snapshot)
	atomic.AddInt64(&p.pollsCompleted, 1)

	logger.Debug().Int("items", len(items)).Msg("Poll completed")

	if p.sinks.Observer != nil {
		p.sinks.Observer.ObserveSnapshot(snapshot)
	}
	if p.sinks.Broadcaster != nil {
		p.sinks.Broadcaster.Broadcast(snapshot)
	}
	p.publish(ctx, logger, snapshot)
	if group == schema.GroupData {
		p.sendMonitoring(ctx, logger, snapshot)
	}

	return snapshot
}

func (p *Poller) validate(logger zerolog.Logger, snapshot *domain.Snapshot) {
	validator := p.validator.Load()
	if validator == nil {
		return
	}

	result := validator.ValidateSnapshot(snapshot)
	if !result.Valid {
		atomic.AddInt64(&p.invalidPolls, 1)
	}
	for _, finding := range append(result.Errors, result.Warnings...) {
		logger.Warn().
			Str("rule", finding.Rule).
			Str("param", finding.Param).
			Interface("value", finding.Value).
			Str("severity", finding.Severity).
			Msg(finding.Message)
	}
}

func (p *Poller) publish(ctx context.Context, logger zerolog.Logger, snapshot *domain.Snapshot) {
	if p.sinks.Publisher == nil {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	if err := p.sinks.Publisher.PublishSnapshot(publishCtx, snapshot); err != nil {
		atomic.AddInt64(&p.publishFailures, 1)
		logger.Error().Err(err).Msg("Failed to publish snapshot")
	}
}

func (p *Poller) sendMonitoring(ctx context.Context, logger zerolog.Logger, snapshot *domain.Snapshot) {
	if p.sinks.Monitoring == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	if err := p.sinks.Monitoring.Send(sendCtx, snapshot); err != nil {
		atomic.AddInt64(&p.sendFailures, 1)
		logger.Error().Err(err).Msg("Failed to send snapshot to monitoring service")
	}
}

// GetMetrics returns current poller metrics.
func (p *Poller) GetMetrics() map[string]interface{} {
	metrics := map[string]interface{}{
		"is_running":       p.IsRunning(),
		"polls_completed":  atomic.LoadInt64(&p.pollsCompleted),
		"invalid_polls":    atomic.LoadInt64(&p.invalidPolls),
		"polls_empty":      atomic.LoadInt64(&p.pollsEmpty),
		"publish_failures": atomic.LoadInt64(&p.publishFailures),
		"send_failures":    atomic.LoadInt64(&p.sendFailures),
		"data_interval":    p.config.DataInterval.String(),
		"config_interval":  p.config.ConfigInterval.String(),
	}
	if last, ok := p.lastPoll.Load().(time.Time); ok {
		metrics["last_poll"] = last
	}
	return metrics
}
