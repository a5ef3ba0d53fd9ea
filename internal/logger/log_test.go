package logger

import (
	"bytes"
	"testing"

	"pmc_exporter/internal/config"

	"github.com/phuslu/log"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]log.Level{
		"trace":   log.TraceLevel,
		"debug":   log.DebugLevel,
		"warning": log.WarnLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCreateWriter(t *testing.T) {
	tests := []struct {
		name      string
		output    config.LogOutput
		expectNil bool
		expectErr bool
	}{
		{name: "disabled", output: config.LogOutput{Type: "console"}, expectNil: true},
		{name: "console without section", output: config.LogOutput{Type: "console", Enabled: true}, expectErr: true},
		{name: "file without name", output: config.LogOutput{Type: "file", Enabled: true, File: &config.FileConfig{}}, expectErr: true},
		{name: "unknown type", output: config.LogOutput{Type: "eventlog", Enabled: true}, expectErr: true},
		{name: "console", output: config.LogOutput{Type: "console", Enabled: true, Console: &config.ConsoleConfig{Format: "glog"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := createWriter(tt.output)
			if tt.expectErr {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if (w == nil) != tt.expectNil {
				t.Errorf("writer nil = %v, want %v", w == nil, tt.expectNil)
			}
		})
	}
}

func TestGlogFormatter(t *testing.T) {
	var buf bytes.Buffer
	args := &log.FormatterArgs{Level: "info", Time: "0102 15:04:05", Goid: "1", Caller: "x.go:1", Message: "tick"}
	if _, err := (GlogFormatter{}).Formatter(&buf, args); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "I0102 15:04:05 1 x.go:1] tick\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNewLoggerWithContextCopiesDefaults(t *testing.T) {
	saved := log.DefaultLogger
	defer func() { log.DefaultLogger = saved }()

	var buf bytes.Buffer
	log.DefaultLogger = log.Logger{Level: log.WarnLevel, Writer: &log.IOWriter{Writer: &buf}}

	l := NewLoggerWithContext("sampler")
	if l.Level != log.WarnLevel {
		t.Errorf("Expected warn level, got %v", l.Level)
	}
	l.Warn().Msg("hello")
	if !bytes.Contains(buf.Bytes(), []byte(`"component":"sampler"`)) {
		t.Errorf("Expected component field in %s", buf.String())
	}
}
