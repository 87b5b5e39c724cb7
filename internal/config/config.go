// Package config provides configuration management for the go-xpertking application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/resident-x/go-xpertking/internal/validation"
)

// EnvPrefix prefixes every environment override, e.g. XPERT_DEVICE_PATH.
const EnvPrefix = "XPERT"

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Inverter device settings
	Device struct {
		Path        string        `mapstructure:"path"`
		ReadLimit   int           `mapstructure:"read_limit"`
		ReadTimeout time.Duration `mapstructure:"read_timeout"`
		SchemaFile  string        `mapstructure:"schema_file"`
	} `mapstructure:"device"`

	// Polling settings
	Poll struct {
		DataInterval   time.Duration `mapstructure:"data_interval"`
		ConfigInterval time.Duration `mapstructure:"config_interval"`
		// Validation is the plausibility check level: off, basic, standard or strict
		Validation string `mapstructure:"validation"`
	} `mapstructure:"poll"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// Prometheus settings
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`
		ClientID string `mapstructure:"client_id"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled         bool   `mapstructure:"enabled"`
			DiscoveryPrefix string `mapstructure:"discovery_prefix"`
			DeviceName      string `mapstructure:"device_name"`
			RetainDiscovery bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		BaseURL            string `mapstructure:"base_url"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
		PowerParam         string `mapstructure:"power_param"`
		EnergyParam        string `mapstructure:"energy_param"`
		VoltageParam       string `mapstructure:"voltage_param"`
		TemperatureParam   string `mapstructure:"temperature_param"`
	} `mapstructure:"pvoutput"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default device settings; a zero read timeout blocks until the terminator
	cfg.Device.Path = "/dev/hidraw0"
	cfg.Device.ReadLimit = 1024
	cfg.Device.ReadTimeout = 0
	cfg.Device.SchemaFile = ""

	// Default polling settings
	cfg.Poll.DataInterval = 30 * time.Second
	cfg.Poll.ConfigInterval = time.Hour
	cfg.Poll.Validation = "standard"

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	cfg.Metrics.Enabled = true

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/xpertking"
	cfg.MQTT.Retain = false
	cfg.MQTT.ClientID = "go-xpertking"

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Inverter Xpert King"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.BaseURL = "https://pvoutput.org"
	cfg.PVOutput.UpdateLimitMinutes = 5 // 5 minutes between updates
	cfg.PVOutput.PowerParam = "pv_charging_power"
	cfg.PVOutput.EnergyParam = "pv_generated_energy_total"
	cfg.PVOutput.VoltageParam = "grid_voltage"
	cfg.PVOutput.TemperatureParam = "inverter_heat_sink_temperature"

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Defaults are registered so every key can be overridden from the environment
	setDefaults(v, cfg)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Info().Str("component", "config").Msg("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("device.path", cfg.Device.Path)
	v.SetDefault("device.read_limit", cfg.Device.ReadLimit)
	v.SetDefault("device.read_timeout", cfg.Device.ReadTimeout)
	v.SetDefault("device.schema_file", cfg.Device.SchemaFile)

	v.SetDefault("poll.data_interval", cfg.Poll.DataInterval)
	v.SetDefault("poll.config_interval", cfg.Poll.ConfigInterval)
	v.SetDefault("poll.validation", cfg.Poll.Validation)

	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)

	v.SetDefault("mqtt.enabled", cfg.MQTT.Enabled)
	v.SetDefault("mqtt.host", cfg.MQTT.Host)
	v.SetDefault("mqtt.port", cfg.MQTT.Port)
	v.SetDefault("mqtt.username", cfg.MQTT.Username)
	v.SetDefault("mqtt.password", cfg.MQTT.Password)
	v.SetDefault("mqtt.topic", cfg.MQTT.Topic)
	v.SetDefault("mqtt.retain", cfg.MQTT.Retain)
	v.SetDefault("mqtt.client_id", cfg.MQTT.ClientID)
	v.SetDefault("mqtt.homeassistant_autodiscovery.enabled", cfg.MQTT.HomeAssistantAutoDiscovery.Enabled)
	v.SetDefault("mqtt.homeassistant_autodiscovery.discovery_prefix", cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)
	v.SetDefault("mqtt.homeassistant_autodiscovery.device_name", cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName)
	v.SetDefault("mqtt.homeassistant_autodiscovery.retain_discovery", cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery)

	v.SetDefault("pvoutput.enabled", cfg.PVOutput.Enabled)
	v.SetDefault("pvoutput.api_key", cfg.PVOutput.APIKey)
	v.SetDefault("pvoutput.system_id", cfg.PVOutput.SystemID)
	v.SetDefault("pvoutput.base_url", cfg.PVOutput.BaseURL)
	v.SetDefault("pvoutput.update_limit_minutes", cfg.PVOutput.UpdateLimitMinutes)
	v.SetDefault("pvoutput.power_param", cfg.PVOutput.PowerParam)
	v.SetDefault("pvoutput.energy_param", cfg.PVOutput.EnergyParam)
	v.SetDefault("pvoutput.voltage_param", cfg.PVOutput.VoltageParam)
	v.SetDefault("pvoutput.temperature_param", cfg.PVOutput.TemperatureParam)
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Device.Path, "/dev/hidraw") {
		return fmt.Errorf("invalid device.path %q: must be a /dev/hidraw* device", c.Device.Path)
	}
	if c.Device.ReadLimit <= 0 {
		return fmt.Errorf("device.read_limit must be positive, got %d", c.Device.ReadLimit)
	}
	if c.Device.ReadTimeout < 0 {
		return fmt.Errorf("device.read_timeout must not be negative")
	}
	if c.Poll.DataInterval <= 0 || c.Poll.ConfigInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if _, err := validation.ParseLevel(c.Poll.Validation); err != nil {
		return fmt.Errorf("invalid poll.validation: %w", err)
	}
	if c.PVOutput.Enabled && (c.PVOutput.APIKey == "" || c.PVOutput.SystemID == "") {
		return fmt.Errorf("pvoutput requires api_key and system_id")
	}
	return nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-xpertking Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Str("path", c.Device.Path).
		Int("read_limit", c.Device.ReadLimit).
		Dur("read_timeout", c.Device.ReadTimeout).
		Str("schema_file", c.Device.SchemaFile).
		Msg("Device")

	logger.Info().
		Dur("data_interval", c.Poll.DataInterval).
		Dur("config_interval", c.Poll.ConfigInterval).
		Str("validation", c.Poll.Validation).
		Msg("Polling")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Bool("metrics", c.Metrics.Enabled).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("retain", c.MQTT.Retain).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
