// Package monitor exposes gateway and inverter metrics for Prometheus.
package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-xpertking/internal/domain"
)

const namespace = "xpertking"

// Monitor owns a private registry so several gateways, or tests, can
// coexist in one process.
type Monitor struct {
	registry *prometheus.Registry
	logger   zerolog.Logger

	queries          *prometheus.CounterVec
	queryFailures    *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	telemetryItems   *prometheus.GaugeVec
	fieldFailures    *prometheus.CounterVec
	checksumMismatch *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	telemetryValue   *prometheus.GaugeVec
	lastSnapshot     *prometheus.GaugeVec
	deviceConnected  prometheus.Gauge
}

// New creates a monitor with all collectors registered.
func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		logger:   log.With().Str("component", "monitor").Logger(),

		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Completed inverter queries.",
		}, []string{"command"}),
		queryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_failures_total",
			Help:      "Inverter queries that returned nothing.",
		}, []string{"command", "reason"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Round trip time of completed inverter queries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"command"}),
		telemetryItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "query_items",
			Help:      "Items decoded by the last query of a command.",
		}, []string{"command"}),
		fieldFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_decode_failures_total",
			Help:      "Reply fields that could not be decoded.",
		}, []string{"command", "field"}),
		checksumMismatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_mismatches_total",
			Help:      "Replies whose trailer did not match the payload checksum.",
		}, []string{"command"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Device reconnect attempts.",
		}, []string{"result"}),
		telemetryValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_value",
			Help:      "Latest numeric telemetry reported by the inverter.",
		}, []string{"param", "unit", "command"}),
		lastSnapshot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_snapshot_timestamp_seconds",
			Help:      "Unix time of the last polled snapshot.",
		}, []string{"group"}),
		deviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 when the inverter device is open.",
		}),
	}

	m.registry.MustRegister(
		m.queries,
		m.queryFailures,
		m.queryDuration,
		m.telemetryItems,
		m.fieldFailures,
		m.checksumMismatch,
		m.reconnects,
		m.telemetryValue,
		m.lastSnapshot,
		m.deviceConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry backing the monitor.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// QueryCompleted implements client.Observer.
func (m *Monitor) QueryCompleted(command string, duration time.Duration, items int) {
	m.queries.WithLabelValues(command).Inc()
	m.queryDuration.WithLabelValues(command).Observe(duration.Seconds())
	m.telemetryItems.WithLabelValues(command).Set(float64(items))
}

// QueryFailed implements client.Observer.
func (m *Monitor) QueryFailed(command, reason string) {
	m.queryFailures.WithLabelValues(command, reason).Inc()
}

// FieldDecodeFailed implements client.Observer.
func (m *Monitor) FieldDecodeFailed(command, field string) {
	m.fieldFailures.WithLabelValues(command, field).Inc()
}

// ChecksumMismatch implements client.Observer.
func (m *Monitor) ChecksumMismatch(command string) {
	m.checksumMismatch.WithLabelValues(command).Inc()
}

// Reconnected implements client.Observer.
func (m *Monitor) Reconnected(success bool) {
	m.reconnects.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.deviceConnected.Set(boolToFloat(success))
}

// SetConnected records the device link state.
func (m *Monitor) SetConnected(connected bool) {
	m.deviceConnected.Set(boolToFloat(connected))
}

// ObserveSnapshot exports the numeric items of a polled group.
func (m *Monitor) ObserveSnapshot(snapshot *domain.Snapshot) {
	if snapshot == nil {
		return
	}

	exported := 0
	for _, item := range snapshot.Items {
		value, ok := numericValue(item.Value)
		if !ok {
			continue
		}
		m.telemetryValue.WithLabelValues(item.Param, item.Unit, item.Command).Set(value)
		exported++
	}

	m.lastSnapshot.WithLabelValues(snapshot.Group).Set(float64(snapshot.Timestamp.Unix()))
	m.deviceConnected.Set(boolToFloat(snapshot.State.Connected))
	m.logger.Debug().Str("group", snapshot.Group).Int("exported", exported).Msg("Snapshot exported")
}

// numericValue accepts decoded numbers only; numeric looking strings such
// as serial numbers are not telemetry.
func numericValue(v interface{}) (float64, bool) {
	switch v.(type) {
	case int64, int, float64:
		return domain.FloatValue(v)
	default:
		return 0, false
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
