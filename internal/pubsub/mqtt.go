// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-xpertking/internal/config"
	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/homeassistant"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// PublishSnapshot is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishSnapshot(_ context.Context, _ *domain.Snapshot) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// ClientFactory builds a paho client wired to the publisher's connection handlers.
type ClientFactory func(cfg *config.Config, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	clientFactory ClientFactory
	logger        zerolog.Logger
	haDiscovery   *homeassistant.AutoDiscovery

	mu                sync.RWMutex
	client            mqtt.Client
	connected         bool
	discoveredSensors map[string]bool // discovery topics already announced
	birthSubscribed   bool

	// announceMu orders online announcements against the offline one in Close.
	announceMu sync.Mutex
	closed     bool
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return newPublisher(cfg, nil)
}

// NewMQTTPublisherWithClient creates a new MQTT publisher around an existing client.
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	return newPublisher(cfg, client)
}

func newPublisher(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	p := &MQTTPublisher{
		config:            cfg,
		client:            client,
		clientFactory:     createMQTTClient,
		logger:            log.With().Str("component", "mqtt").Logger(),
		discoveredSensors: make(map[string]bool),
	}

	if cfg.MQTT.HomeAssistantAutoDiscovery.Enabled {
		ha := cfg.MQTT.HomeAssistantAutoDiscovery
		discovery, err := homeassistant.New(homeassistant.Config{
			Enabled:         ha.Enabled,
			DiscoveryPrefix: ha.DiscoveryPrefix,
			DeviceName:      ha.DeviceName,
			RetainDiscovery: ha.RetainDiscovery,
		}, cfg.MQTT.Topic)
		if err != nil {
			p.logger.Error().Err(err).Msg("Home Assistant auto-discovery disabled")
		} else {
			p.haDiscovery = discovery
		}
	}

	return p
}

// availabilityTopic is the topic carrying the online/offline state.
func availabilityTopic(cfg *config.Config) string {
	return strings.TrimSuffix(cfg.MQTT.Topic, "/") + "/availability"
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("go-xpertking-%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(onLost)

	if cfg.MQTT.HomeAssistantAutoDiscovery.Enabled {
		opts.SetWill(availabilityTopic(cfg), "offline", 0, true)
	}

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	p.mu.Lock()
	if p.client == nil {
		p.client = p.clientFactory(p.config, p.onConnect, p.onConnectionLost)
	}
	client := p.client
	p.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	token := client.Connect()
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after %s", connectTimeout)
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")

	p.announceMu.Lock()
	p.closed = false
	p.announceMu.Unlock()
	p.announce(ctx)

	return nil
}

// announce marks the gateway online and listens for Home Assistant birth
// messages. It runs after the first connect and after every reconnect.
func (p *MQTTPublisher) announce(ctx context.Context) {
	if p.haDiscovery == nil {
		return
	}

	p.announceMu.Lock()
	defer p.announceMu.Unlock()
	if p.closed || !p.IsConnected() {
		return
	}

	p.subscribeToBirthMessage()
	if err := p.publishAvailability(ctx, true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish availability")
	}
}

// onConnect runs on every (re)connection made by the client.
func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.mu.Lock()
	p.connected = true
	// Re-announce every entity once the broker session is back.
	p.discoveredSensors = make(map[string]bool)
	p.mu.Unlock()

	p.logger.Debug().Msg("MQTT connection established, discovery cache cleared")

	// Handlers must not block the client; the retained will left "offline" behind.
	go p.announce(context.Background())
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.birthSubscribed = false
	p.mu.Unlock()

	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage() {
	p.mu.RLock()
	skip := p.birthSubscribed || !p.connected
	client := p.client
	p.mu.RUnlock()
	if skip {
		return
	}

	birthTopic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)

	token := client.Subscribe(birthTopic, 0, p.handleBirthMessage)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		return
	}

	p.mu.Lock()
	p.birthSubscribed = true
	p.mu.Unlock()
	p.logger.Info().Str("topic", birthTopic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage handles Home Assistant birth messages.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())

	p.logger.Debug().
		Str("topic", msg.Topic()).
		Str("payload", payload).
		Msg("Received Home Assistant birth message")

	if payload == "online" {
		p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
		p.mu.Lock()
		p.discoveredSensors = make(map[string]bool)
		p.mu.Unlock()
	}
}

// IsConnected reports whether the broker connection is up.
func (p *MQTTPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Publish sends data to the specified topic as JSON.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.IsConnected() {
		return nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	return p.publishBytes(ctx, topic, p.config.MQTT.Retain, jsonData)
}

// PublishSnapshot publishes a group's values as one flat JSON object on
// <topic>/<group>, announcing new entities to Home Assistant first.
func (p *MQTTPublisher) PublishSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	if !p.config.MQTT.Enabled || !p.IsConnected() {
		return nil
	}
	if snapshot == nil || len(snapshot.Items) == 0 {
		return nil
	}

	if p.haDiscovery != nil {
		if err := p.publishDiscovery(ctx, snapshot); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	topic := p.StateTopic(snapshot.Group)
	p.logger.Debug().
		Str("topic", topic).
		Int("items", len(snapshot.Items)).
		Msg("Publishing snapshot")

	return p.Publish(ctx, topic, snapshot.Values())
}

// StateTopic returns the topic a group's values are published on.
func (p *MQTTPublisher) StateTopic(group string) string {
	return strings.TrimSuffix(p.config.MQTT.Topic, "/") + "/" + group
}

// publishDiscovery announces every entity of the snapshot not yet discovered.
func (p *MQTTPublisher) publishDiscovery(ctx context.Context, snapshot *domain.Snapshot) error {
	messages := p.haDiscovery.GenerateDiscoveryMessages(snapshot.State, snapshot.Group, snapshot.Items)
	retain := p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery

	for topic, message := range messages {
		p.mu.RLock()
		done := p.discoveredSensors[topic]
		p.mu.RUnlock()
		if done {
			continue
		}

		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}
		if err := p.publishBytes(ctx, topic, retain, payload); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
		}

		p.mu.Lock()
		p.discoveredSensors[topic] = true
		p.mu.Unlock()
	}

	return nil
}

// RemoveDiscovery publishes empty retained configs, which makes Home Assistant
// drop the entities of the given items.
func (p *MQTTPublisher) RemoveDiscovery(ctx context.Context, state domain.ConnectionState, items []domain.TelemetryItem) error {
	if p.haDiscovery == nil || !p.IsConnected() {
		return nil
	}

	for topic, payload := range p.haDiscovery.CleanupDiscoveryMessages(state, items) {
		if err := p.publishBytes(ctx, topic, true, []byte(payload)); err != nil {
			return fmt.Errorf("failed to remove discovery message %s: %w", topic, err)
		}
		p.mu.Lock()
		delete(p.discoveredSensors, topic)
		p.mu.Unlock()
	}
	return nil
}

func (p *MQTTPublisher) publishAvailability(ctx context.Context, online bool) error {
	message := p.haDiscovery.CreateAvailabilityMessage(online)
	return p.publishBytes(ctx, p.haDiscovery.GetAvailabilityTopic(), true, []byte(message))
}

// publishBytes publishes a payload and waits for delivery or the timeout.
func (p *MQTTPublisher) publishBytes(ctx context.Context, topic string, retain bool, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := client.Publish(topic, 0, retain, payload)
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after %s", publishTimeout)
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if !p.IsConnected() {
		return nil
	}

	p.announceMu.Lock()
	p.closed = true
	if p.haDiscovery != nil {
		if err := p.publishAvailability(context.Background(), false); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish offline availability")
		}
	}
	p.announceMu.Unlock()

	p.mu.Lock()
	client := p.client
	p.connected = false
	p.birthSubscribed = false
	p.mu.Unlock()

	client.Disconnect(250)
	return nil
}
