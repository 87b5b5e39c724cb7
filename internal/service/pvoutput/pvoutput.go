// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-xpertking/internal/config"
	"github.com/resident-x/go-xpertking/internal/domain"
)

const addStatusPath = "/service/r2/addstatus.jsp"

// ErrNotConfigured is returned when the API key or system ID is missing.
var ErrNotConfigured = errors.New("PVOutput API key and/or System ID not configured")

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.Snapshot) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config        *config.Config
	httpClient    *http.Client
	logger        zerolog.Logger
	now           func() time.Time
	lastUpdateMap map[string]time.Time
	mutex         sync.Mutex
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:        cfg,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        log.With().Str("component", "pvoutput").Logger(),
		now:           time.Now,
		lastUpdateMap: make(map[string]time.Time),
	}
}

// Connect establishes a connection to the service.
// For PVOutput, this is a no-op as each request is independent.
func (c *Client) Connect() error {
	return nil
}

// Send posts a data snapshot as a live status update. Updates inside the
// configured interval for the same inverter are dropped.
func (c *Client) Send(ctx context.Context, snapshot *domain.Snapshot) error {
	if !c.config.PVOutput.Enabled || snapshot == nil {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return ErrNotConfigured
	}

	key := inverterKey(snapshot.State)
	if !c.canUpdate(key) {
		return nil
	}

	params := c.statusParams(snapshot)
	if params.Get("v1") == "" && params.Get("v2") == "" {
		c.logger.Debug().Str("group", snapshot.Group).Msg("Snapshot carries no generation values, skipping")
		return nil
	}

	if err := c.makeRequest(ctx, params); err != nil {
		return err
	}

	c.updateTimestamp(key)
	c.logger.Debug().Str("inverter", key).Msg("Status sent to PVOutput")
	return nil
}

// statusParams maps the configured telemetry params onto addstatus fields:
// v1 lifetime energy (c1=1), v2 power, v5 temperature, v6 voltage.
func (c *Client) statusParams(snapshot *domain.Snapshot) url.Values {
	cfg := c.config.PVOutput
	now := c.now()

	params := url.Values{}
	params.Set("key", cfg.APIKey)
	params.Set("sid", cfg.SystemID)
	params.Set("d", now.Format("20060102"))
	params.Set("t", now.Format("15:04"))

	if energy, ok := energyWh(snapshot, cfg.EnergyParam); ok && energy > 0 {
		params.Set("v1", strconv.FormatFloat(energy, 'f', 0, 64))
		params.Set("c1", "1")
	}
	if power, ok := value(snapshot, cfg.PowerParam); ok && power >= 0 {
		params.Set("v2", strconv.FormatFloat(power, 'f', 0, 64))
	}
	if temp, ok := value(snapshot, cfg.TemperatureParam); ok {
		params.Set("v5", strconv.FormatFloat(temp, 'f', 1, 64))
	}
	if voltage, ok := value(snapshot, cfg.VoltageParam); ok && voltage > 0 {
		params.Set("v6", strconv.FormatFloat(voltage, 'f', 1, 64))
	}

	return params
}

func value(snapshot *domain.Snapshot, param string) (float64, bool) {
	if param == "" {
		return 0, false
	}
	item, ok := snapshot.Find(param)
	if !ok {
		return 0, false
	}
	return domain.FloatValue(item.Value)
}

// energyWh reads an energy param and scales it to watt hours by its unit.
func energyWh(snapshot *domain.Snapshot, param string) (float64, bool) {
	v, ok := value(snapshot, param)
	if !ok {
		return 0, false
	}
	item, _ := snapshot.Find(param)
	switch item.Unit {
	case "kWh":
		return v * 1000, true
	case "MWh":
		return v * 1000000, true
	default:
		return v, true
	}
}

func inverterKey(state domain.ConnectionState) string {
	if state.SerialNumber != "" {
		return state.SerialNumber
	}
	return state.DevicePath
}

// makeRequest makes an HTTP POST request to PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	baseURL := strings.TrimSuffix(c.config.PVOutput.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://pvoutput.org"
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		baseURL+addStatusPath,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Pvoutput-Apikey", params.Get("key"))
	req.Header.Add("X-Pvoutput-SystemId", params.Get("sid"))
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(inverter string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	lastUpdate, exists := c.lastUpdateMap[inverter]
	if !exists {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return c.now().Sub(lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(inverter string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdateMap[inverter] = c.now()
}
