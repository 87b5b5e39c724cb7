// Command inverter-query sends a single command or command group to an
// inverter and prints the decoded reply as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-xpertking/internal/client"
	"github.com/resident-x/go-xpertking/internal/config"
	"github.com/resident-x/go-xpertking/internal/schema"
	"github.com/resident-x/go-xpertking/internal/service"
	"github.com/resident-x/go-xpertking/internal/simulator"
	"github.com/resident-x/go-xpertking/internal/transport"
)

type queryOptions struct {
	device   string
	command  string
	param    string
	group    string
	schema   string
	timeout  time.Duration
	raw      bool
	simulate bool
	verbose  bool
}

type queryResult struct {
	Device    string      `json:"device"`
	Command   string      `json:"command,omitempty"`
	Group     string      `json:"group,omitempty"`
	Serial    string      `json:"serial_number,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Result    interface{} `json:"result"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (queryOptions, error) {
	var opts queryOptions
	fs := flag.NewFlagSet("inverter-query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.device, "device", "/dev/hidraw0", "Inverter hidraw device path")
	fs.StringVar(&opts.command, "command", "", "Command to send (e.g. QPIGS)")
	fs.StringVar(&opts.param, "param", "", "Command parameter")
	fs.StringVar(&opts.group, "group", "", "Command group to query (data or config)")
	fs.StringVar(&opts.schema, "schema", "", "Path to an alternative command schema")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "Read timeout, 0 blocks")
	fs.BoolVar(&opts.raw, "raw", false, "Print raw reply fields instead of decoded values")
	fs.BoolVar(&opts.simulate, "simulate", false, "Query a built-in simulated inverter")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.command == "" && opts.group == "" {
		return opts, fmt.Errorf("one of -command or -group is required")
	}
	if opts.command != "" && opts.group != "" {
		return opts, fmt.Errorf("-command and -group are mutually exclusive")
	}
	if opts.raw && opts.group != "" {
		return opts, fmt.Errorf("-raw requires -command")
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	level := zerolog.WarnLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	cfg := config.DefaultConfig()
	cfg.Device.Path = opts.device
	cfg.Device.SchemaFile = opts.schema
	cfg.Device.ReadTimeout = opts.timeout

	var transportOpts []transport.Option
	if opts.simulate {
		transportOpts = append(transportOpts, transport.WithOpener(simulator.New().Opener()))
	}

	inverter, err := service.NewClient(cfg, nil, transportOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := inverter.Connect(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer inverter.Disconnect()

	result, err := execute(inverter, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func execute(inverter *client.Client, opts queryOptions) (*queryResult, error) {
	result := &queryResult{
		Device:    opts.device,
		Timestamp: time.Now().UTC(),
	}

	if opts.group != "" {
		group, err := schema.ParseGroup(opts.group)
		if err != nil {
			return nil, err
		}
		items := inverter.QueryGroup(group)
		if len(items) == 0 {
			return nil, fmt.Errorf("no reply for group %s", group)
		}
		result.Group = string(group)
		result.Result = items
		result.Serial = inverter.State().SerialNumber
		return result, nil
	}

	command := strings.ToUpper(opts.command)
	if !inverter.Schema().Has(command) {
		return nil, fmt.Errorf("unknown command %s", command)
	}
	result.Command = command

	if opts.raw {
		fields := inverter.QueryRaw(command, opts.param)
		if len(fields) == 0 {
			return nil, fmt.Errorf("no reply for %s", command)
		}
		result.Result = fields
		return result, nil
	}

	items := inverter.Query(command, opts.param)
	if len(items) == 0 {
		return nil, fmt.Errorf("no reply for %s", command)
	}
	result.Result = items
	return result, nil
}
