// Package main provides the entry point for the go-xpertking gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-xpertking/internal/api"
	"github.com/resident-x/go-xpertking/internal/client"
	"github.com/resident-x/go-xpertking/internal/config"
	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/monitor"
	"github.com/resident-x/go-xpertking/internal/pubsub"
	"github.com/resident-x/go-xpertking/internal/service"
	pvoutput "github.com/resident-x/go-xpertking/internal/service/pvoutput"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

type options struct {
	configFile  string
	showVersion bool
}

func main() {
	code := run(os.Args[1:], os.Stdout)
	os.Exit(code)
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("go-xpertking", flag.ContinueOnError)
	fs.StringVar(&opts.configFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")
	err := fs.Parse(args)
	return opts, err
}

func run(args []string, stdout io.Writer) int {
	opts, err := parseFlags(args)
	if err != nil {
		return 2
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "go-xpertking %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Fprintf(stdout, "Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)
	api.Version = Version

	log.Info().Str("version", Version).Msg("Starting go-xpertking gateway")
	logServiceConfiguration(cfg)

	var metrics *monitor.Monitor
	var observer client.Observer
	if cfg.Metrics.Enabled {
		metrics = monitor.New()
		observer = metrics
	}

	inverter, err := service.NewClient(cfg, observer)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create inverter client")
		return 1
	}

	gateway := service.NewGateway(cfg, inverter, newPublisher(cfg), newMonitoringService(cfg), metrics)
	if err := gateway.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start gateway")
		return 1
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := gateway.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping gateway")
		return 1
	}

	log.Info().Msg("Gateway stopped")
	return 0
}

func newPublisher(cfg *config.Config) domain.MessagePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}
	return pubsub.NewMQTTPublisher(cfg)
}

func newMonitoringService(cfg *config.Config) domain.MonitoringService {
	if !cfg.PVOutput.Enabled {
		return pvoutput.NewNoopClient()
	}
	return pvoutput.NewClient(cfg)
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// logServiceConfiguration logs the current service configuration for debugging.
func logServiceConfiguration(cfg *config.Config) {
	log.Debug().Msg("=== Service Configuration ===")

	log.Debug().
		Str("log_level", cfg.LogLevel).
		Str("path", cfg.Device.Path).
		Int("read_limit", cfg.Device.ReadLimit).
		Dur("read_timeout", cfg.Device.ReadTimeout).
		Str("schema_file", cfg.Device.SchemaFile).
		Msg("Device configuration")

	log.Debug().
		Dur("data_interval", cfg.Poll.DataInterval).
		Dur("config_interval", cfg.Poll.ConfigInterval).
		Msg("Polling configuration")

	log.Debug().
		Bool("enabled", cfg.API.Enabled).
		Str("host", cfg.API.Host).
		Int("port", cfg.API.Port).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("HTTP API configuration")

	if cfg.MQTT.Enabled {
		log.Debug().
			Str("host", cfg.MQTT.Host).
			Int("port", cfg.MQTT.Port).
			Str("username", cfg.MQTT.Username).
			Str("topic", cfg.MQTT.Topic).
			Bool("retain", cfg.MQTT.Retain).
			Msg("MQTT configuration")

		ha := cfg.MQTT.HomeAssistantAutoDiscovery
		log.Debug().
			Bool("enabled", ha.Enabled).
			Str("discovery_prefix", ha.DiscoveryPrefix).
			Str("device_name", ha.DeviceName).
			Bool("retain_discovery", ha.RetainDiscovery).
			Msg("Home Assistant auto-discovery configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("MQTT disabled")
	}

	if cfg.PVOutput.Enabled {
		log.Debug().
			Str("system_id", cfg.PVOutput.SystemID).
			Int("update_limit_minutes", cfg.PVOutput.UpdateLimitMinutes).
			Str("power_param", cfg.PVOutput.PowerParam).
			Str("energy_param", cfg.PVOutput.EnergyParam).
			Msg("PVOutput configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("PVOutput disabled")
	}

	log.Debug().Msg("=== End Configuration ===")
}
