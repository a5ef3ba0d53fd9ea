package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
	Family         string
	Interval       time.Duration
	FocusThread    int
	CSVPath        string
}

// newFlagSet binds the command line to flags.
func newFlagSet(flags *Flags, output io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("pmc_exporter", pflag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&flags.ListenAddress, "web.listen-address", "localhost:9189",
		"Address to listen on for web interface and telemetry.")
	fs.StringVar(&flags.MetricsPath, "web.telemetry-path", "/metrics",
		"Path under which to expose metrics.")
	fs.StringVar(&flags.ConfigPath, "config", "",
		"Path to configuration file, TOML or YAML (optional).")
	fs.StringVar(&flags.GenerateConfig, "generate-config", "",
		"Generate example config file to specified path and exit.")
	fs.StringVar(&flags.Family, "family", "auto",
		"CPU family to program (auto, k10, bulldozer, jaguar, zen, zen3, zen5, intel).")
	fs.DurationVar(&flags.Interval, "interval", time.Second,
		"Time between counter samples.")
	fs.IntVar(&flags.FocusThread, "focus-thread", -1,
		"Logical thread shown in labeled output, -1 for the whole package.")
	fs.StringVar(&flags.CSVPath, "csv", "",
		"Write labeled values to this CSV file.")
	return fs
}

// NewConfig creates a new configuration by parsing flags and loading the config file.
// It returns (nil, nil) when the program should exit cleanly.
func NewConfig() (*AppConfig, error) {
	return parse(os.Args[1:], os.Stderr)
}

func parse(args []string, output io.Writer) (*AppConfig, error) {
	flags := &Flags{}
	fs := newFlagSet(flags, output)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil
		}
		return nil, err
	}

	// Handle config generation and exit.
	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Fprintf(output, "Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil
	}

	config, err := LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, err
	}

	// Override config with command-line flags if they were set by the user
	if fs.Changed("web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if fs.Changed("web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if fs.Changed("family") {
		config.Sampler.Family = flags.Family
	}
	if fs.Changed("interval") {
		config.Sampler.Interval = Duration{flags.Interval}
	}
	if fs.Changed("focus-thread") {
		config.Sampler.FocusThread = flags.FocusThread
	}
	if fs.Changed("csv") {
		config.Sampler.CSV.Enabled = flags.CSVPath != ""
		config.Sampler.CSV.Path = flags.CSVPath
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}
