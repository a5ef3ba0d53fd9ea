package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"pmc_exporter/internal/maps"
)

// Configuration system:
// - TOML is the default format, files ending in .yaml/.yml are read as YAML
// - config.example.toml is produced by --generate-config
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server" yaml:"server"`

	// Core counter sampling
	Sampler SamplerConfig `toml:"sampler" yaml:"sampler"`

	// L3 and data fabric counters
	Uncore UncoreConfig `toml:"uncore" yaml:"uncore"`

	// Collector configurations
	Collectors CollectorConfig `toml:"collectors" yaml:"collectors"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging" yaml:"logging"`

	// File the configuration was loaded from, empty for defaults
	Path string `toml:"-" yaml:"-"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9189")
	ListenAddress string `toml:"listen_address" yaml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path" yaml:"metrics_path"`

	// Enable pprof endpoint on localhost:6060 (default: false)
	PprofEnabled bool `toml:"pprof_enabled" yaml:"pprof_enabled"`
}

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// SamplerConfig controls what the core counters measure and how often.
type SamplerConfig struct {
	// CPU family: "auto" or a family name such as "zen3" (default: "auto")
	Family string `toml:"family" yaml:"family"`

	// Time between ticks (default: "1s")
	Interval Duration `toml:"interval" yaml:"interval"`

	// Interval rates are normalized to (default: "1s", per-second rates)
	Reference Duration `toml:"reference" yaml:"reference"`

	// Scenario name: "ipc", "branch", "l2" or "custom" (default: "ipc")
	Scenario string `toml:"scenario" yaml:"scenario"`

	// Thread whose values the labeled output shows, -1 for the aggregate (default: -1)
	FocusThread int `toml:"focus_thread" yaml:"focus_thread"`

	// MSR device path pattern, %d is the logical CPU (default: "/dev/cpu/%d/msr")
	DevicePattern string `toml:"device_pattern" yaml:"device_pattern"`

	// Counter definitions for the "custom" scenario, at most six
	Counters []CounterConfig `toml:"counters" yaml:"counters"`

	// CSV log of labeled values
	CSV CSVConfig `toml:"csv" yaml:"csv"`
}

// CounterConfig defines one programmable core counter.
type CounterConfig struct {
	// Label used in metrics and CSV output (required)
	Label string `toml:"label" yaml:"label"`

	// Event number including the high bits
	Event uint16 `toml:"event" yaml:"event"`

	// Unit mask
	UnitMask uint8 `toml:"unit_mask" yaml:"unit_mask"`

	// Skip user mode or kernel mode counting (default: count both)
	ExcludeUser bool `toml:"exclude_user" yaml:"exclude_user"`
	ExcludeOS   bool `toml:"exclude_os" yaml:"exclude_os"`

	Edge      bool  `toml:"edge" yaml:"edge"`
	Invert    bool  `toml:"invert" yaml:"invert"`
	CountMask uint8 `toml:"count_mask" yaml:"count_mask"`

	// Host/guest scope: "all", "host", "guest", "all_svm" (default: "all")
	Scope string `toml:"scope" yaml:"scope"`
}

// CSVConfig contains the CSV log settings
type CSVConfig struct {
	// Enable the CSV log (default: false)
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// Output path (default: "pmc.csv")
	Path string `toml:"path" yaml:"path"`
}

// UncoreConfig contains the L3 and data fabric monitor settings
type UncoreConfig struct {
	// Enable uncore monitoring (default: false)
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// L3 (or Jaguar L2I) counters, at most six
	L3 []CacheCounterConfig `toml:"l3" yaml:"l3"`

	// Data fabric (or northbridge) counters, at most four
	Fabric []FabricCounterConfig `toml:"fabric" yaml:"fabric"`
}

// CacheCounterConfig defines one L3 counter.
type CacheCounterConfig struct {
	Label      string `toml:"label" yaml:"label"`
	Event      uint16 `toml:"event" yaml:"event"`
	UnitMask   uint8  `toml:"unit_mask" yaml:"unit_mask"`
	SliceMask  uint8  `toml:"slice_mask" yaml:"slice_mask"`
	ThreadMask uint8  `toml:"thread_mask" yaml:"thread_mask"`
	CoreID     uint8  `toml:"core_id" yaml:"core_id"`
	SliceID    uint8  `toml:"slice_id" yaml:"slice_id"`
	AllSlices  bool   `toml:"all_slices" yaml:"all_slices"`
	AllCores   bool   `toml:"all_cores" yaml:"all_cores"`
}

// FabricCounterConfig defines one data fabric counter.
type FabricCounterConfig struct {
	Label    string `toml:"label" yaml:"label"`
	Event    uint16 `toml:"event" yaml:"event"`
	UnitMask uint16 `toml:"unit_mask" yaml:"unit_mask"`
}

// CollectorConfig defines which collectors are enabled and their settings
type CollectorConfig struct {
	// PMC collector configuration
	PMC PMCConfig `toml:"pmc" yaml:"pmc"`
}

// PMCConfig contains the Prometheus counter collector settings
type PMCConfig struct {
	// Enable the collector (default: true)
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// Export per-thread series (default: false, adds a cpu label)
	EnablePerThread bool `toml:"enable_per_thread" yaml:"enable_per_thread"`

	// Export cumulative raw totals as counters (default: true)
	EnableTotals bool `toml:"enable_totals" yaml:"enable_totals"`

	// Concurrent map holding per-thread state between ticks and scrapes:
	// "xsync", "sharded", "cornelk" or "sync" (default: "xsync")
	MapImplementation string `toml:"map_implementation" yaml:"map_implementation"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults" yaml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs" yaml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level" yaml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller" yaml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field" yaml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format" yaml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location" yaml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type" yaml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty" yaml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty" yaml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty" yaml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io" yaml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format" yaml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output" yaml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string" yaml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer" yaml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async" yaml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename" yaml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size" yaml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups" yaml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format" yaml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time" yaml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name" yaml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id" yaml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder" yaml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async" yaml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network" yaml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address" yaml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname" yaml:"hostname"`

	// Syslog tag/program name (default: "pmc_exporter")
	Tag string `toml:"tag" yaml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker" yaml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async" yaml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9189",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Sampler: SamplerConfig{
			Family:        "auto",
			Interval:      Duration{time.Second},
			Reference:     Duration{time.Second},
			Scenario:      "ipc",
			FocusThread:   -1,
			DevicePattern: "/dev/cpu/%d/msr",
			Counters:      []CounterConfig{},
			CSV: CSVConfig{
				Enabled: false,
				Path:    "pmc.csv",
			},
		},
		Uncore: UncoreConfig{
			Enabled: false,
			L3: []CacheCounterConfig{
				{Label: "L3 Access", Event: 0x04, UnitMask: 0xFF, SliceMask: 0xF, ThreadMask: 0xFF, AllSlices: true, AllCores: true},
				{Label: "L3 Miss", Event: 0x04, UnitMask: 0x01, SliceMask: 0xF, ThreadMask: 0xFF, AllSlices: true, AllCores: true},
			},
			Fabric: []FabricCounterConfig{},
		},
		Collectors: CollectorConfig{
			PMC: PMCConfig{
				Enabled:           true,
				EnablePerThread:   false, // high cardinality on large parts
				EnableTotals:      true,
				MapImplementation: maps.DefaultImplementation,
			},
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/pmc_exporter.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "pmc_exporter",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
			},
		},
	}
}

// isYAML reports whether path should be decoded as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadConfig loads configuration from a TOML or YAML file on top of the
// defaults. An empty path returns the defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	if isYAML(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		config.Path = configPath
		return config, nil
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	config.Path = configPath
	return config, nil
}

// encode writes config in the format implied by path.
func encode(w io.Writer, path string, config *AppConfig) error {
	if isYAML(path) {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("failed to encode config to YAML: %w", err)
		}
		return enc.Close()
	}
	if err := toml.NewEncoder(w).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration, as YAML if the path says so
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	return encode(file, configPath, config)
}

// GenerateExampleConfig generates a configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# PMC Exporter Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Set sampler.scenario = "custom" and add [[sampler.counters]] entries
# (label, event, unit_mask, ...) to program your own events.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return encode(file, outputPath, DefaultConfig())
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	if c.Sampler.Interval.Duration <= 0 {
		return fmt.Errorf("sampler.interval must be positive")
	}
	if c.Sampler.Reference.Duration <= 0 {
		return fmt.Errorf("sampler.reference must be positive")
	}
	if c.Sampler.FocusThread < -1 {
		return fmt.Errorf("sampler.focus_thread must be -1 or a thread index")
	}
	if !strings.Contains(c.Sampler.DevicePattern, "%d") {
		return fmt.Errorf("sampler.device_pattern must contain %%d")
	}
	switch c.Sampler.Scenario {
	case "custom":
		if len(c.Sampler.Counters) == 0 {
			return fmt.Errorf("sampler.scenario \"custom\" needs at least one [[sampler.counters]] entry")
		}
	case "":
		return fmt.Errorf("sampler.scenario cannot be empty")
	}
	if len(c.Sampler.Counters) > 6 {
		return fmt.Errorf("sampler.counters has %d entries, at most 6 are supported", len(c.Sampler.Counters))
	}
	for i, ctr := range c.Sampler.Counters {
		if ctr.Label == "" {
			return fmt.Errorf("sampler.counters[%d].label cannot be empty", i)
		}
	}
	if c.Sampler.CSV.Enabled && c.Sampler.CSV.Path == "" {
		return fmt.Errorf("sampler.csv.path cannot be empty when the CSV log is enabled")
	}

	if !maps.Valid(c.Collectors.PMC.MapImplementation) {
		return fmt.Errorf("collectors.pmc.map_implementation %q is not one of %v", c.Collectors.PMC.MapImplementation, maps.Implementations)
	}

	if len(c.Uncore.L3) > 6 {
		return fmt.Errorf("uncore.l3 has %d entries, at most 6 are supported", len(c.Uncore.L3))
	}
	if len(c.Uncore.Fabric) > 4 {
		return fmt.Errorf("uncore.fabric has %d entries, at most 4 are supported", len(c.Uncore.Fabric))
	}

	// At least one consumer of samples must be on. Reflection picks up any
	// collector added to CollectorConfig.
	oneConsumerEnabled := c.Sampler.CSV.Enabled
	v := reflect.ValueOf(c.Collectors)
	for i := 0; i < v.NumField() && !oneConsumerEnabled; i++ {
		enabledField := v.Field(i).FieldByName("Enabled")
		if enabledField.IsValid() && enabledField.Kind() == reflect.Bool && enabledField.Bool() {
			oneConsumerEnabled = true
		}
	}
	if !oneConsumerEnabled {
		return fmt.Errorf("at least one collector or the CSV log must be enabled")
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}
