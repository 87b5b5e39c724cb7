package homeassistant

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/resident-x/go-xpertking/internal/domain"
)

func testState() domain.ConnectionState {
	return domain.ConnectionState{
		Connected:       true,
		DevicePath:      "/dev/hidraw0",
		SerialNumber:    "92932004102443",
		Manufacturer:    "044",
		Model:           "VMII-5600",
		FirmwareVersion: "00072.70 / 00041.17",
	}
}

func testItems() []domain.TelemetryItem {
	return []domain.TelemetryItem{
		{Param: "grid_voltage", Value: 230.0, Unit: "V", Command: "QPIGS", Sensor: "sensor", Text: "Grid voltage"},
		{Param: "battery_capacity", Value: int64(80), Unit: "%", Command: "QPIGS", Sensor: "sensor", Text: "Battery capacity"},
		{Param: "load_on", Value: "On", Command: "QPIGS", Sensor: "binary_sensor", Text: "Load on"},
		{Param: "mode", Value: "Line", Command: "QMOD", Sensor: "enum", Text: "Mode"},
		{Param: "output_load_energy_total", Value: 987.654, Unit: "kWh", Command: "QLT", Sensor: "energy", Text: "Output load energy total"},
		{Param: "eeprom_version", Value: "00", Command: "QPIGS"},
	}
}

func newTestDiscovery(t *testing.T) *AutoDiscovery {
	t.Helper()
	ad, err := New(Config{
		Enabled:         true,
		DiscoveryPrefix: "homeassistant",
		DeviceName:      "Test Inverter",
		RetainDiscovery: true,
	}, "energy/xpertking/")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}
	return ad
}

func TestNew(t *testing.T) {
	ad := newTestDiscovery(t)

	if ad.baseTopic != "energy/xpertking" {
		t.Errorf("Expected trailing slash trimmed, got %s", ad.baseTopic)
	}
	if ad.layoutConfig == nil || len(ad.layoutConfig.Units) == 0 {
		t.Fatal("Expected embedded layout to be loaded")
	}
	if ad.layoutConfig.BinaryPayloads.On != "On" || ad.layoutConfig.BinaryPayloads.Off != "Off" {
		t.Errorf("Unexpected binary payloads %+v", ad.layoutConfig.BinaryPayloads)
	}
}

func TestGenerateDiscoveryMessages(t *testing.T) {
	ad := newTestDiscovery(t)

	messages := ad.GenerateDiscoveryMessages(testState(), "data", testItems())

	// Items without a sensor tag are not announced
	if len(messages) != 5 {
		t.Fatalf("Expected 5 discovery messages, got %d", len(messages))
	}

	topic := "homeassistant/sensor/xpertking_92932004102443/xpertking_92932004102443_grid_voltage/config"
	voltage, ok := messages[topic]
	if !ok {
		t.Fatalf("Missing message for %s", topic)
	}
	if voltage.DeviceClass != "voltage" || voltage.StateClass != "measurement" || voltage.UnitOfMeasurement != "V" {
		t.Errorf("Unexpected voltage classes: %+v", voltage)
	}
	if voltage.StateTopic != "energy/xpertking/data" {
		t.Errorf("Unexpected state topic %s", voltage.StateTopic)
	}
	if voltage.ValueTemplate != "{{ value_json.grid_voltage }}" {
		t.Errorf("Unexpected value template %s", voltage.ValueTemplate)
	}
	if voltage.Name != "Grid voltage" || voltage.UniqueID != "xpertking_92932004102443_grid_voltage" {
		t.Errorf("Unexpected naming: %s / %s", voltage.Name, voltage.UniqueID)
	}
	if voltage.AvailabilityTopic != "energy/xpertking/availability" {
		t.Errorf("Unexpected availability topic %s", voltage.AvailabilityTopic)
	}

	device := voltage.Device
	if device.Name != "Test Inverter" || device.Model != "VMII-5600" || device.SwVersion != "00072.70 / 00041.17" {
		t.Errorf("Unexpected device info %+v", device)
	}
}

func TestBinarySensorDiscovery(t *testing.T) {
	ad := newTestDiscovery(t)
	messages := ad.GenerateDiscoveryMessages(testState(), "data", testItems())

	topic := "homeassistant/binary_sensor/xpertking_92932004102443/xpertking_92932004102443_load_on/config"
	msg, ok := messages[topic]
	if !ok {
		t.Fatalf("Missing binary sensor message %s", topic)
	}
	if msg.PayloadOn != "On" || msg.PayloadOff != "Off" {
		t.Errorf("Unexpected payloads %s/%s", msg.PayloadOn, msg.PayloadOff)
	}
	if msg.UnitOfMeasurement != "" || msg.StateClass != "" {
		t.Errorf("Binary sensors carry no unit or state class: %+v", msg)
	}
}

func TestClassOverrides(t *testing.T) {
	ad := newTestDiscovery(t)
	messages := ad.GenerateDiscoveryMessages(testState(), "data", testItems())

	byParam := make(map[string]DiscoveryMessage)
	for _, msg := range messages {
		byParam[strings.TrimPrefix(msg.UniqueID, "xpertking_92932004102443_")] = msg
	}

	if got := byParam["battery_capacity"].DeviceClass; got != "battery" {
		t.Errorf("Expected param override to battery, got %s", got)
	}
	mode := byParam["mode"]
	if mode.DeviceClass != "enum" || mode.UnitOfMeasurement != "" || mode.Icon != "mdi:state-machine" {
		t.Errorf("Unexpected enum entity %+v", mode)
	}
	energy := byParam["output_load_energy_total"]
	if energy.DeviceClass != "energy" || energy.StateClass != "total_increasing" || energy.UnitOfMeasurement != "kWh" {
		t.Errorf("Unexpected energy entity %+v", energy)
	}
}

func TestDeviceID(t *testing.T) {
	state := testState()
	if got := DeviceID(state); got != "xpertking_92932004102443" {
		t.Errorf("Unexpected device id %s", got)
	}

	state.SerialNumber = ""
	if got := DeviceID(state); got != "xpertking_dev_hidraw0" {
		t.Errorf("Unexpected fallback device id %s", got)
	}
}

func TestDiscoveryMessageJSON(t *testing.T) {
	ad := newTestDiscovery(t)
	messages := ad.GenerateDiscoveryMessages(testState(), "data", testItems()[:1])

	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("Failed to marshal: %v", err)
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Failed to unmarshal: %v", err)
		}
		if _, ok := decoded["payload_on"]; ok {
			t.Error("Sensor message should omit payload_on")
		}
		if decoded["device_class"] != "voltage" {
			t.Errorf("Unexpected device_class %v", decoded["device_class"])
		}
	}
}

func TestAvailabilityMessages(t *testing.T) {
	ad := newTestDiscovery(t)

	if ad.CreateAvailabilityMessage(true) != "online" {
		t.Error("Expected online payload")
	}
	if ad.CreateAvailabilityMessage(false) != "offline" {
		t.Error("Expected offline payload")
	}
}

func TestCleanupDiscoveryMessages(t *testing.T) {
	ad := newTestDiscovery(t)

	cleanup := ad.CleanupDiscoveryMessages(testState(), testItems())
	if len(cleanup) != 5 {
		t.Fatalf("Expected 5 cleanup messages, got %d", len(cleanup))
	}
	for topic, payload := range cleanup {
		if payload != "" {
			t.Errorf("Cleanup payload for %s should be empty", topic)
		}
	}
}
