// Package domain provides core domain models and interfaces for the go-xpertking application
package domain

import (
	"context"
	"time"
)

// TelemetryItem is one decoded value from an inverter reply.
type TelemetryItem struct {
	Param   string      `json:"param"`
	Value   interface{} `json:"value"`
	Unit    string      `json:"unit"`
	Command string      `json:"command"`
	Sensor  string      `json:"sensor"`
	Text    string      `json:"text"`
}

// StringValue returns the value formatted as text.
func (t TelemetryItem) StringValue() string {
	return FormatValue(t.Value)
}

// ConnectionState describes the device link and the identity read at bootstrap.
type ConnectionState struct {
	Connected       bool      `json:"connected"`
	DevicePath      string    `json:"device_path"`
	SerialNumber    string    `json:"serial_number,omitempty"`
	Manufacturer    string    `json:"manufacturer,omitempty"`
	Model           string    `json:"model,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Snapshot is the result of polling one command group.
type Snapshot struct {
	Group     string          `json:"group"`
	Items     []TelemetryItem `json:"items"`
	Timestamp time.Time       `json:"timestamp"`
	State     ConnectionState `json:"state"`
}

// Values flattens the snapshot into param -> value. Later items win on
// duplicate params.
func (s *Snapshot) Values() map[string]interface{} {
	values := make(map[string]interface{}, len(s.Items))
	for _, item := range s.Items {
		values[item.Param] = item.Value
	}
	return values
}

// Find returns the first item with the given param.
func (s *Snapshot) Find(param string) (TelemetryItem, bool) {
	for _, item := range s.Items {
		if item.Param == param {
			return item, true
		}
	}
	return TelemetryItem{}, false
}

// MessagePublisher defines the interface for publishing telemetry.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// PublishSnapshot sends a polled group, including any discovery messages
	PublishSnapshot(ctx context.Context, snapshot *Snapshot) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send publishes a data snapshot to the monitoring service
	Send(ctx context.Context, snapshot *Snapshot) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// SnapshotStore keeps the latest snapshot of each group.
type SnapshotStore interface {
	Put(snapshot *Snapshot)
	Get(group string) (*Snapshot, bool)
	All() []*Snapshot
}
