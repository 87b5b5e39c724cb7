// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/resident-x/go-xpertking/internal/domain"
)

//go:embed layouts/sensor_classes.yaml
var sensorClassesYAML []byte

// Sensor tags with a fixed meaning.
const (
	SensorTagBinary = "binary_sensor"
	SensorTagEnum   = "enum"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled         bool
	DiscoveryPrefix string
	DeviceName      string
	RetainDiscovery bool
}

// EntityClass is the Home Assistant classification applied to an entity.
type EntityClass struct {
	DeviceClass    string `yaml:"device_class,omitempty"`
	StateClass     string `yaml:"state_class,omitempty"`
	EntityCategory string `yaml:"entity_category,omitempty"`
	Icon           string `yaml:"icon,omitempty"`
}

// merge overlays the non-empty fields of o.
func (c EntityClass) merge(o EntityClass) EntityClass {
	if o.DeviceClass != "" {
		c.DeviceClass = o.DeviceClass
	}
	if o.StateClass != "" {
		c.StateClass = o.StateClass
	}
	if o.EntityCategory != "" {
		c.EntityCategory = o.EntityCategory
	}
	if o.Icon != "" {
		c.Icon = o.Icon
	}
	return c
}

// LayoutConfig represents the embedded classification tables.
type LayoutConfig struct {
	Version        string                 `yaml:"version"`
	Description    string                 `yaml:"description"`
	Units          map[string]EntityClass `yaml:"units"`
	Sensors        map[string]EntityClass `yaml:"sensors"`
	Params         map[string]EntityClass `yaml:"params"`
	BinaryPayloads struct {
		On  string `yaml:"on"`
		Off string `yaml:"off"`
	} `yaml:"binary_payloads"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config, baseTopic string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
	}

	// Load the layout configuration
	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the entity classes from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(sensorClassesYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensor classes: %w", err)
	}

	ad.layoutConfig = &config
	log.Debug().
		Str("version", config.Version).
		Int("unit_count", len(config.Units)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// StateTopic returns the topic a group's snapshot is published on.
func (ad *AutoDiscovery) StateTopic(group string) string {
	return ad.baseTopic + "/" + group
}

// GenerateDiscoveryMessages generates discovery messages, keyed by topic, for
// every item that carries a sensor tag.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(state domain.ConnectionState, group string, items []domain.TelemetryItem) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)
	deviceID := DeviceID(state)
	device := ad.deviceInfo(deviceID, state)

	for _, item := range items {
		if item.Sensor == "" {
			continue
		}

		component := componentFor(item.Sensor)
		message := ad.createDiscoveryMessage(deviceID, group, component, item, device)
		messages[ad.getDiscoveryTopic(deviceID, component, item.Param)] = message
	}

	return messages
}

// createDiscoveryMessage creates a discovery message for one telemetry item.
func (ad *AutoDiscovery) createDiscoveryMessage(deviceID, group, component string, item domain.TelemetryItem, device DeviceInfo) DiscoveryMessage {
	class := ad.classify(item)

	name := item.Text
	if name == "" {
		name = item.Param
	}

	message := DiscoveryMessage{
		Name:                name,
		UniqueID:            fmt.Sprintf("%s_%s", deviceID, item.Param),
		StateTopic:          ad.StateTopic(group),
		ValueTemplate:       fmt.Sprintf("{{ value_json.%s }}", item.Param),
		Icon:                class.Icon,
		EntityCategory:      class.EntityCategory,
		Device:              device,
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    ad.CreateAvailabilityMessage(true),
		PayloadNotAvailable: ad.CreateAvailabilityMessage(false),
	}

	if component == SensorTagBinary {
		message.PayloadOn = ad.layoutConfig.BinaryPayloads.On
		message.PayloadOff = ad.layoutConfig.BinaryPayloads.Off
		return message
	}

	message.DeviceClass = class.DeviceClass
	message.StateClass = class.StateClass
	if class.DeviceClass != SensorTagEnum {
		message.UnitOfMeasurement = item.Unit
	}

	return message
}

// classify resolves classes by unit, then sensor tag, then param.
func (ad *AutoDiscovery) classify(item domain.TelemetryItem) EntityClass {
	var class EntityClass
	if byUnit, ok := ad.layoutConfig.Units[item.Unit]; ok && item.Unit != "" {
		class = class.merge(byUnit)
	}
	if byTag, ok := ad.layoutConfig.Sensors[item.Sensor]; ok {
		class = class.merge(byTag)
	}
	if byParam, ok := ad.layoutConfig.Params[item.Param]; ok {
		class = class.merge(byParam)
	}
	return class
}

func componentFor(sensorTag string) string {
	if sensorTag == SensorTagBinary {
		return SensorTagBinary
	}
	return "sensor"
}

func (ad *AutoDiscovery) deviceInfo(deviceID string, state domain.ConnectionState) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{deviceID},
		Name:         ad.config.DeviceName,
		Manufacturer: state.Manufacturer,
		Model:        state.Model,
		SwVersion:    state.FirmwareVersion,
	}
}

var nonIdentifier = regexp.MustCompile(`[^a-z0-9_]+`)

// DeviceID derives a stable identifier from the serial number, or from the
// device path before the inverter has been identified.
func DeviceID(state domain.ConnectionState) string {
	source := state.SerialNumber
	if source == "" {
		source = state.DevicePath
	}
	id := nonIdentifier.ReplaceAllString(strings.ToLower(source), "_")
	return "xpertking_" + strings.Trim(id, "_")
}

// getDiscoveryTopic generates the MQTT discovery topic for an entity:
// <discovery_prefix>/<component>/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(deviceID, component, param string) string {
	objectID := fmt.Sprintf("%s_%s", deviceID, param)
	return fmt.Sprintf("%s/%s/%s/%s/config", ad.config.DiscoveryPrefix, component, deviceID, objectID)
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "/availability"
}

// CreateAvailabilityMessage creates availability messages based on configuration.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove entities from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(state domain.ConnectionState, items []domain.TelemetryItem) map[string]string {
	messages := make(map[string]string)
	deviceID := DeviceID(state)

	for _, item := range items {
		if item.Sensor == "" {
			continue
		}
		topic := ad.getDiscoveryTopic(deviceID, componentFor(item.Sensor), item.Param)
		messages[topic] = "" // Empty payload removes the entity
	}

	return messages
}
