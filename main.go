// main.go
package main

import (
	"fmt"
	"os"

	"github.com/phuslu/log"

	"pmc_exporter/internal/config"
	"pmc_exporter/internal/logger"
)

var (
	version = "0.1.0"
)

// Profiling (with server.pprof_enabled = true):
//
//	go tool pprof -http=:8080 pmc_exporter http://localhost:6060/debug/pprof/profile?seconds=30
func main() {
	// Parse flags and load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	if cfg == nil {
		// --help or --generate-config
		return
	}

	// Configure loggers based on configuration
	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	exporter, err := NewPMCExporter(cfg)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to initialize exporter")
		os.Exit(1)
	}

	if err := exporter.Run(); err != nil {
		log.Error().Err(err).Msg("❌ Exporter stopped with error")
		os.Exit(1)
	}
}
