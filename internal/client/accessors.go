package client

import "github.com/resident-x/go-xpertking/internal/domain"

// SingleItem returns the first item a command yields.
func (c *Client) SingleItem(command string) (domain.TelemetryItem, bool) {
	items := c.Query(command, "")
	if len(items) == 0 {
		return domain.TelemetryItem{}, false
	}
	return items[0], true
}

// SingleValue returns the first value a command yields as text, or "".
func (c *Client) SingleValue(command string) string {
	item, ok := c.SingleItem(command)
	if !ok {
		return ""
	}
	return item.StringValue()
}

// SerialNumber returns the device serial (QID).
func (c *Client) SerialNumber() string { return c.SingleValue("QID") }

// Manufacturer returns the general model number (QGMN).
func (c *Client) Manufacturer() string { return c.SingleValue("QGMN") }

// Model returns the model name (QMN).
func (c *Client) Model() string { return c.SingleValue("QMN") }

// Mode returns the device mode label (QMOD).
func (c *Client) Mode() string { return c.SingleValue("QMOD") }

// WarningStatus returns the first warning flag (QPIWS). Use Query for all flags.
func (c *Client) WarningStatus() string { return c.SingleValue("QPIWS") }

// FlagStatus returns the enabled/disabled flag string (QFLAG).
func (c *Client) FlagStatus() string { return c.SingleValue("QFLAG") }

// CPUFirmwareVersion returns the main CPU firmware (QVFW).
func (c *Client) CPUFirmwareVersion() string { return c.SingleValue("QVFW") }

// PanelFirmwareVersion returns the panel firmware (QVFW3).
func (c *Client) PanelFirmwareVersion() string { return c.SingleValue("QVFW3") }

// SecondaryFirmwareVersion returns the secondary CPU firmware (QVFW2).
func (c *Client) SecondaryFirmwareVersion() string { return c.SingleValue("QVFW2") }

// CurrentState returns the general status parameters (QPIGS).
func (c *Client) CurrentState() []domain.TelemetryItem { return c.Query("QPIGS", "") }

// CurrentConfig returns the rated information (QPIRI).
func (c *Client) CurrentConfig() []domain.TelemetryItem { return c.Query("QPIRI", "") }

// EnergyTotal returns the total output load energy (QLT).
func (c *Client) EnergyTotal() (domain.TelemetryItem, bool) { return c.SingleItem("QLT") }

// CurrentTime returns the device clock as reported by QT, undecoded.
func (c *Client) CurrentTime() string {
	fields := c.QueryRaw("QT", "")
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
