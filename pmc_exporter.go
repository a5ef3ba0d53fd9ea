package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // For pprof server
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-multierror/multierror"
	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pmc_exporter/internal/aggregate"
	"pmc_exporter/internal/collectors/pmc"
	"pmc_exporter/internal/config"
	"pmc_exporter/internal/csvlog"
	"pmc_exporter/internal/msr"
	"pmc_exporter/internal/pmu"
	"pmc_exporter/internal/sampler"
	"pmc_exporter/internal/scenario"
	"pmc_exporter/internal/topology"
	"pmc_exporter/internal/uncore"
)

// PMCExporter encapsulates the core components of the application.
type PMCExporter struct {
	config     *config.AppConfig
	port       msr.Port
	sampler    *sampler.Sampler
	httpServer *http.Server
	log        plog.Logger
}

// NewPMCExporter detects the CPU, opens the register port and wires the
// sampler and its consumers. Nothing is programmed until Run.
func NewPMCExporter(config *config.AppConfig) (*PMCExporter, error) {
	exporter := &PMCExporter{
		config: config,
	}

	exporter.log = plog.DefaultLogger // main app uses default logger
	exporter.log.Info().
		Str("version", version).
		Str("listen_address", config.Server.ListenAddress).
		Str("metrics_path", config.Server.MetricsPath).
		Msg("Starting PMC Exporter")

	if err := exporter.setupSampler(); err != nil {
		if exporter.port != nil {
			_ = exporter.port.Close()
		}
		return nil, err
	}
	exporter.setupHTTPServer()

	if config.Collectors.PMC.Enabled {
		prometheus.MustRegister(pmc.NewPMCCollector(&config.Collectors.PMC, exporter.sampler))
		exporter.log.Info().Msg("PMC collector enabled and registered with Prometheus")
	}
	return exporter, nil
}

// setupSampler builds everything between the register port and the sampler.
func (e *PMCExporter) setupSampler() error {
	cfg := &e.config.Sampler

	family, err := pmu.Lookup(cfg.Family)
	if err != nil {
		return fmt.Errorf("cpu family: %w", err)
	}
	profile, err := pmu.ProfileFor(family)
	if err != nil {
		return err
	}
	topo, err := topology.Probe()
	if err != nil {
		return err
	}
	e.log.Info().
		Str("family", family.String()).
		Int("threads", topo.Threads).
		Int("cores", topo.Cores).
		Bool("smt", topo.SMT()).
		Msg("CPU detected")

	port, err := msr.Open(cfg.DevicePattern)
	if err != nil {
		return fmt.Errorf("open msr device: %w", err)
	}
	e.port = port

	clk := clock.New()
	agg, err := aggregate.New(aggregate.Config{
		Profile:   profile,
		Topology:  topo,
		Port:      port,
		Clock:     clk,
		Reference: cfg.Reference.Duration,
		Observer:  e.traceRead,
	})
	if err != nil {
		return err
	}
	if err := agg.SetFocus(cfg.FocusThread); err != nil {
		return err
	}

	sc, err := scenario.FromConfig(cfg)
	if err != nil {
		return err
	}

	var mon *uncore.Monitor
	if e.config.Uncore.Enabled {
		mon, err = uncore.New(&e.config.Uncore, profile, port, topo, clk, cfg.Reference.Duration)
		if err != nil {
			return err
		}
	}

	var csv *csvlog.Writer
	if cfg.CSV.Enabled {
		csv, err = csvlog.Open(cfg.CSV.Path)
		if err != nil {
			return err
		}
		e.log.Info().Str("path", cfg.CSV.Path).Msg("CSV log enabled")
	}

	e.sampler, err = sampler.New(sampler.Options{
		Aggregator: agg,
		Uncore:     mon,
		Scenario:   sc,
		CSV:        csv,
		Clock:      clk,
		Interval:   cfg.Interval.Duration,

		MapImplementation: e.config.Collectors.PMC.MapImplementation,
	})
	if err != nil && csv != nil {
		_ = csv.Close()
	}
	return err
}

// traceRead logs every raw register read at trace level.
func (e *PMCExporter) traceRead(s aggregate.RawSample) {
	e.log.Trace().
		Int("thread", s.Thread).
		Uint32("register", s.Register).
		Uint64("value", s.Value).
		Msg("Register read")
}

// setupHTTPServer configures the HTTP server for metrics.
func (e *PMCExporter) setupHTTPServer() {
	e.log.Debug().Str("metrics_path", e.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(e.config.Server.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>PMC Exporter</title></head>
            <body>
            <h1>PMC Exporter v` + version + ` </h1>
            <p><a href="` + e.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	e.httpServer = &http.Server{
		Addr:              e.config.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run programs the counters, starts all services and waits for a shutdown
// signal or a fatal sampler error. The counters are disabled on the way out.
func (e *PMCExporter) Run() error {
	// Create a context that we can stop to trigger a graceful shutdown.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Listen for OS signals in a separate goroutine. SIGHUP reloads the
	// scenario, anything else shuts down.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					if err := e.reloadScenario(); err != nil {
						e.log.Error().Err(err).Msg("❌ Failed to reload scenario")
					}
					continue
				}
				e.log.Info().Msg("! Received OS shutdown signal, shutting down gracefully...")
				stop()
				return
			}
		}
	}()

	if e.config.Server.PprofEnabled {
		go func() {
			// Recover from panics in this goroutine to trigger a graceful shutdown.
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("Panic recovered in pprof server, initiating shutdown")
					stop()
				}
			}()
			e.log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			// pprof registers its handlers on http.DefaultServeMux
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				e.log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	e.log.Info().Msg("Programming performance counters...")
	if err := e.sampler.Start(); err != nil {
		return errors.Join(fmt.Errorf("failed to program counters: %w", err), e.teardown())
	}

	samplerErr := make(chan error, 1)
	go func() {
		err := e.sampler.Run(ctx)
		if err != nil {
			e.log.Error().Err(err).Msg("❌ Sampler stopped")
			stop()
		}
		samplerErr <- err
	}()

	go func() {
		// Recover from panics in this goroutine to trigger a graceful shutdown.
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
				stop()
			}
		}()
		e.log.Info().Str("address", e.config.Server.ListenAddress).Msg("Starting HTTP server")
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error().Err(err).Msg("❌ Failed to start HTTP server")
			stop() // Trigger shutdown on server error
		}
	}()

	e.log.Info().Msg("PMC Exporter is ready and sampling counters...")

	// Block until a shutdown is triggered (from OS signal, panic, or other error).
	<-ctx.Done()
	e.log.Info().Msg("! Shutdown initiated...")

	// --- Graceful shutdown sequence ---

	httpCtx, cancelhttp := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelhttp()

	if err := e.httpServer.Shutdown(httpCtx); err != nil {
		e.log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
	} else {
		e.log.Debug().Msg("HTTP server shut down cleanly")
	}

	// The sampler returns once its in-flight tick is done.
	runErr := <-samplerErr

	if err := e.teardown(); err != nil {
		e.log.Error().Err(err).Msg("Error disabling counters")
	} else {
		e.log.Info().Msg("Counters disabled")
	}

	e.log.Info().Msg("PMC Exporter stopped")
	return runErr
}

// reloadScenario rereads the configuration file and reprograms the core
// counters for the scenario it names. Other settings need a restart.
func (e *PMCExporter) reloadScenario() error {
	if e.config.Path == "" {
		return errors.New("no configuration file to reload")
	}
	cfg, err := config.LoadConfig(e.config.Path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	sc, err := scenario.FromConfig(&cfg.Sampler)
	if err != nil {
		return err
	}
	if err := e.sampler.SetScenario(sc); err != nil {
		return fmt.Errorf("program scenario %q: %w", sc.Name(), err)
	}
	e.log.Info().Str("scenario", sc.Name()).Str("path", e.config.Path).Msg("Scenario reloaded")
	return nil
}

// teardown disables the counters and releases the register port.
func (e *PMCExporter) teardown() error {
	var errs []error
	if err := e.sampler.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.port.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close msr port: %w", err))
	}
	if len(errs) > 0 {
		return multierror.Of(errs...)
	}
	return nil
}
