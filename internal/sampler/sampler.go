// Package sampler drives the counter aggregator on a fixed interval and
// publishes the result of every tick for metric scrapes and the CSV log.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-multierror/multierror"
	"github.com/phuslu/log"
	"gonum.org/v1/gonum/stat"

	"pmc_exporter/internal/aggregate"
	"pmc_exporter/internal/csvlog"
	"pmc_exporter/internal/logger"
	"pmc_exporter/internal/maps"
	"pmc_exporter/internal/msr"
	"pmc_exporter/internal/pmu"
	"pmc_exporter/internal/scenario"
	"pmc_exporter/internal/uncore"
)

// ErrNotStarted is returned by Run and Tick before Start succeeded.
var ErrNotStarted = errors.New("sampler not started")

// ErrClosed is returned when counters are programmed after Close.
var ErrClosed = errors.New("sampler closed")

// Options wires a Sampler. Uncore and CSV are optional.
type Options struct {
	Aggregator *aggregate.Aggregator
	Uncore     *uncore.Monitor
	Scenario   scenario.Scenario
	CSV        *csvlog.Writer
	Clock      clock.Clock
	Interval   time.Duration

	// MapImplementation selects the per-thread maps, see maps.Implementations.
	MapImplementation string
}

// Spread is the distribution of one normalized counter across threads.
type Spread struct {
	Mean   float64
	StdDev float64
}

// Snapshot is everything one successful tick produced. Snapshots are
// immutable once published.
type Snapshot struct {
	Time      time.Time
	Sequence  uint64
	Scenario  string
	Labels    [pmu.MaxCounters]string
	Aggregate aggregate.Aggregate
	Totals    aggregate.Totals
	Values    []aggregate.LabeledValue
	Spread    [pmu.MaxCounters]Spread
	Uncore    uncore.Sample
}

// Sampler is the only caller of the aggregator and the uncore monitor.
// Start, SetScenario, Tick and Close are serialized; the read side
// (Latest, Thread, RangeThreads, failure counters) never blocks on a tick.
type Sampler struct {
	mu       sync.Mutex
	agg      *aggregate.Aggregator
	uncore   *uncore.Monitor
	scenario scenario.Scenario
	csv      *csvlog.Writer
	clock    clock.Clock
	interval time.Duration
	log      log.Logger
	started  bool
	closed   bool
	seq      uint64

	threads        maps.ConcurrentMap[int, aggregate.CounterSet]
	threadFailures maps.ConcurrentMap[int, *atomic.Uint64]
	latest         atomic.Pointer[Snapshot]
	failures       atomic.Uint64
}

// New validates opts and returns an idle Sampler.
func New(opts Options) (*Sampler, error) {
	if opts.Aggregator == nil {
		return nil, errors.New("sampler requires an aggregator")
	}
	if opts.Scenario == nil {
		return nil, errors.New("sampler requires a scenario")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("invalid sampling interval %s", opts.Interval)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	threads, err := maps.NewConcurrentMapOf[int, aggregate.CounterSet](opts.MapImplementation)
	if err != nil {
		return nil, err
	}
	threadFailures, err := maps.NewConcurrentMapOf[int, *atomic.Uint64](opts.MapImplementation)
	if err != nil {
		return nil, err
	}
	return &Sampler{
		agg:            opts.Aggregator,
		uncore:         opts.Uncore,
		scenario:       opts.Scenario,
		csv:            opts.CSV,
		clock:          opts.Clock,
		interval:       opts.Interval,
		log:            logger.NewLoggerWithContext("sampler"),
		threads:        threads,
		threadFailures: threadFailures,
	}, nil
}

func (s *Sampler) uncoreActive() bool {
	return s.uncore != nil && s.uncore.Active()
}

// Start programs the counters for the configured scenario.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program(s.scenario)
}

// SetScenario reprograms the core counters for sc. It waits for a running
// tick to finish. On failure the previous scenario stays selected but the
// counters are left unprogrammed: every tick fails and is counted until the
// next successful call.
func (s *Sampler) SetScenario(sc scenario.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.program(sc); err != nil {
		return err
	}
	s.scenario = sc
	return nil
}

func (s *Sampler) program(sc scenario.Scenario) error {
	if s.closed {
		return ErrClosed
	}
	selectors, err := sc.Selectors(s.agg.Profile())
	if err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name(), err)
	}
	if err := s.agg.Initialize(selectors); err != nil {
		return err
	}
	if s.uncoreActive() && !s.started {
		if err := s.uncore.Initialize(); err != nil {
			return fmt.Errorf("initialize uncore: %w", err)
		}
	}
	s.started = true
	s.log.Info().
		Str("scenario", sc.Name()).
		Int("threads", s.agg.Threads()).
		Bool("uncore", s.uncoreActive()).
		Msg("Counters programmed")
	return nil
}

// Tick runs one sampling pass and publishes its snapshot. A failed tick
// publishes nothing, is counted, and leaves the previous snapshot visible.
func (s *Sampler) Tick() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, s.fail(ErrNotStarted)
	}

	now := s.clock.Now()
	agg, err := s.agg.Tick()
	if err != nil {
		return nil, s.fail(err)
	}

	s.seq++
	labels := s.scenario.Labels()
	snap := &Snapshot{
		Time:      now,
		Sequence:  s.seq,
		Scenario:  s.scenario.Name(),
		Labels:    labels,
		Aggregate: agg,
		Totals:    s.agg.Totals(),
		Values:    s.agg.GetOverallCounterValues(labels),
	}

	var perCounter [pmu.MaxCounters][]float64
	for t := 0; t < s.agg.Threads(); t++ {
		cs, ok := s.agg.Thread(t)
		if !ok {
			continue
		}
		s.threads.Store(t, cs)
		for i, v := range cs.Counters {
			perCounter[i] = append(perCounter[i], v)
		}
	}
	for i, xs := range perCounter {
		snap.Spread[i] = spread(xs)
	}

	if s.uncoreActive() {
		u, err := s.uncore.Tick()
		switch {
		case err != nil && msr.IsFatal(err):
			return nil, s.fail(err)
		case err != nil:
			s.fail(err)
		default:
			snap.Uncore = u
		}
	}

	s.latest.Store(snap)

	if s.csv != nil {
		if err := s.csv.Write(now, snap.Values); err != nil {
			s.log.Warn().Err(err).Msg("Failed to write CSV row")
		}
	}

	s.log.Debug().
		Uint64("seq", snap.Sequence).
		Int("threads", agg.Threads).
		Float64("instructions", agg.Instructions).
		Float64("package_watts", agg.PackageWatts).
		Msg("Tick published")
	return snap, nil
}

// fail counts err against the tick and, when it names one, the thread.
func (s *Sampler) fail(err error) error {
	s.failures.Add(1)
	ev := s.log.Error().Err(err).Bool("fatal", msr.IsFatal(err))
	var te *aggregate.ThreadError
	if errors.As(err, &te) {
		n, _ := s.threadFailures.LoadOrStore(te.Thread, func() *atomic.Uint64 { return new(atomic.Uint64) })
		n.Add(1)
		ev = ev.Int("thread", te.Thread)
	}
	ev.Msg("Tick failed")
	return err
}

// spread returns the mean and sample standard deviation of xs. Fewer than
// two values have no deviation.
func spread(xs []float64) Spread {
	switch len(xs) {
	case 0:
		return Spread{}
	case 1:
		return Spread{Mean: xs[0]}
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return Spread{Mean: mean, StdDev: std}
}

// Run ticks every interval until ctx is done or a tick fails in a way that
// makes register access impossible. Non-fatal failures are only counted.
func (s *Sampler) Run(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("Sampler running")
	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("Sampler stopping")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(); err != nil && msr.IsFatal(err) {
				return fmt.Errorf("sampler stopped: %w", err)
			}
		}
	}
}

// Latest returns the most recent snapshot, or nil before the first
// successful tick.
func (s *Sampler) Latest() *Snapshot { return s.latest.Load() }

// Thread returns the last published CounterSet of thread t.
func (s *Sampler) Thread(t int) (aggregate.CounterSet, bool) { return s.threads.Load(t) }

// RangeThreads calls f for every published thread until f returns false.
// Order is unspecified.
func (s *Sampler) RangeThreads(f func(thread int, cs aggregate.CounterSet) bool) {
	s.threads.Range(f)
}

// Failures returns the number of failed ticks.
func (s *Sampler) Failures() uint64 { return s.failures.Load() }

// RangeThreadFailures calls f with the failure count of every thread that
// has failed at least once.
func (s *Sampler) RangeThreadFailures(f func(thread int, n uint64) bool) {
	s.threadFailures.Range(func(thread int, n *atomic.Uint64) bool {
		return f(thread, n.Load())
	})
}

// UncoreLabels returns the L3 and fabric counter labels, both empty when
// the uncore monitor is inactive.
func (s *Sampler) UncoreLabels() (l3, fabric []string) {
	if !s.uncoreActive() {
		return nil, nil
	}
	return s.uncore.L3Labels(), s.uncore.FabricLabels()
}

// Close disables every counter the sampler programmed and closes the CSV
// log. It keeps going past failures and returns them combined.
func (s *Sampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.agg.Close(); err != nil {
		errs = append(errs, fmt.Errorf("core counters: %w", err))
	}
	if s.uncore != nil {
		if err := s.uncore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("uncore counters: %w", err))
		}
	}
	if s.csv != nil {
		if err := s.csv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("csv log: %w", err))
		}
	}
	s.started = false
	s.closed = true
	s.threads.Range(func(t int, _ aggregate.CounterSet) bool {
		s.threads.Delete(t)
		return true
	})

	if len(errs) > 0 {
		return multierror.Of(errs...)
	}
	return nil
}
