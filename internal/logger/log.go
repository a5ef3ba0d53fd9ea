package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"pmc_exporter/internal/config"

	"github.com/phuslu/log"
)

// NOTE: use example: log = logger.NewLoggerWithContext("sampler")

// parseLogLevel converts string log level to log.Level
func parseLogLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// parseTimeLocation parses time location string
func parseTimeLocation(location string) *time.Location {
	switch location {
	case "Local":
		return time.Local
	case "UTC":
		return time.UTC
	default:
		if loc, err := time.LoadLocation(location); err == nil {
			return loc
		}
		return time.Local
	}
}

// mapTimeFormat maps string time format to log.TimeFormat
func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// GlogFormatter implements a glog-style text format.
type GlogFormatter struct{}

// Formatter builds the log entry in glog format.
func (f GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var buf bytes.Buffer

	if len(a.Level) > 0 {
		buf.WriteByte(a.Level[0] - 32) // 'i' -> 'I'
	} else {
		buf.WriteByte('?')
	}

	buf.WriteString(a.Time)
	buf.WriteByte(' ')
	buf.WriteString(a.Goid)
	buf.WriteByte(' ')
	buf.WriteString(a.Caller)
	buf.WriteString("] ")
	buf.WriteString(a.Message)
	for _, kv := range a.KeyValues {
		buf.WriteByte(' ')
		buf.WriteString(kv.Key)
		buf.WriteByte('=')
		buf.WriteString(kv.Value)
	}
	buf.WriteByte('\n')

	return w.Write(buf.Bytes())
}

func async(w log.Writer, enabled bool) log.Writer {
	if !enabled {
		return w
	}
	return &log.AsyncWriter{
		ChannelSize: 4096,
		Writer:      w,
	}
}

// createConsoleWriter creates a console writer based on configuration
func createConsoleWriter(cfg *config.ConsoleConfig) log.Writer {
	var baseWriter io.Writer = os.Stderr
	if cfg.Writer == "stdout" {
		baseWriter = os.Stdout
	}

	if cfg.FastIO {
		return async(&log.IOWriter{Writer: baseWriter}, cfg.Async)
	}

	consoleWriter := &log.ConsoleWriter{
		ColorOutput:    cfg.ColorOutput,
		QuoteString:    cfg.QuoteString,
		EndWithMessage: true,
		Writer:         baseWriter,
	}
	switch cfg.Format {
	case "logfmt":
		consoleWriter.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		consoleWriter.Formatter = GlogFormatter{}.Formatter
	}
	return async(consoleWriter, cfg.Async)
}

// createFileWriter creates a rotating file writer based on configuration
func createFileWriter(cfg *config.FileConfig) (log.Writer, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("file output requires a filename")
	}
	if cfg.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
			return nil, err
		}
	}

	return async(&log.FileWriter{
		Filename:     cfg.Filename,
		FileMode:     0644,
		MaxSize:      cfg.MaxSize * 1024 * 1024,
		MaxBackups:   cfg.MaxBackups,
		TimeFormat:   mapTimeFormat(cfg.TimeFormat),
		LocalTime:    cfg.LocalTime,
		HostName:     cfg.HostName,
		ProcessID:    cfg.ProcessID,
		EnsureFolder: cfg.EnsureFolder,
	}, cfg.Async), nil
}

// createSyslogWriter creates a syslog writer based on configuration
func createSyslogWriter(cfg *config.SyslogConfig) log.Writer {
	return async(&log.SyslogWriter{
		Network:  cfg.Network,
		Address:  cfg.Address,
		Hostname: cfg.Hostname,
		Tag:      cfg.Tag,
		Marker:   cfg.Marker,
	}, cfg.Async)
}

// createWriter creates a log.Writer based on the output configuration
func createWriter(output config.LogOutput) (log.Writer, error) {
	if !output.Enabled {
		return nil, nil
	}

	switch output.Type {
	case "console":
		if output.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return createConsoleWriter(output.Console), nil

	case "file":
		if output.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return createFileWriter(output.File)

	case "syslog":
		if output.Syslog == nil {
			return nil, fmt.Errorf("syslog output missing syslog configuration")
		}
		return createSyslogWriter(output.Syslog), nil

	default:
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
}

// createMultiWriter creates a writer that outputs to every enabled destination
func createMultiWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers []log.Writer

	for _, output := range outputs {
		writer, err := createWriter(output)
		if err != nil {
			return nil, err
		}
		if writer != nil {
			writers = append(writers, writer)
		}
	}

	switch len(writers) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}, nil
	case 1:
		return writers[0], nil
	}

	multiWriter := log.MultiEntryWriter(writers)
	return &multiWriter, nil
}

// ConfigureLogging configures the global DefaultLogger with user configuration
func ConfigureLogging(cfg config.LoggingConfig) error {
	multiWriter, err := createMultiWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	// Component loggers copy this one in NewLoggerWithContext.
	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       multiWriter,
	}

	log.Info().
		Str("level", cfg.Defaults.Level).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")

	return nil
}

// NewLoggerWithContext creates a new logger by copying the global DefaultLogger
// (which contains all user configuration) and adding component-specific context.
// Call it after ConfigureLogging so the copy sees the configured writer.
func NewLoggerWithContext(component string) log.Logger {
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0, // Disable caller for component loggers to avoid confusion
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}
