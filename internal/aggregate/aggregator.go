// Package aggregate programs the core counters on every logical thread and
// folds per-thread readings into package totals once per tick.
package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-multierror/multierror"
	"github.com/phuslu/log"

	"pmc_exporter/internal/counter"
	"pmc_exporter/internal/logger"
	"pmc_exporter/internal/msr"
	"pmc_exporter/internal/pmu"
	"pmc_exporter/internal/topology"
)

// ErrNotInitialized is returned when a tick runs before Initialize.
var ErrNotInitialized = errors.New("counters not initialized")

// ThreadError reports which logical thread a tick failed on.
type ThreadError struct {
	Thread int
	Err    error
}

func (e *ThreadError) Error() string { return fmt.Sprintf("thread %d: %v", e.Thread, e.Err) }

func (e *ThreadError) Unwrap() error { return e.Err }

// packageKey is the normalizer and wraparound key for package-wide counters.
const packageKey = -1

// energyWidth is the width of the energy status counters.
const energyWidth = 32

// Config wires an Aggregator to its collaborators.
type Config struct {
	Profile  *pmu.Profile
	Topology *topology.Topology
	Port     msr.Port
	Clock    clock.Clock

	// Reference is the interval rates are normalized to (default 1s).
	Reference time.Duration

	// Observer, if set, receives every raw register read.
	Observer func(RawSample)
}

// Aggregator owns the counter state of one monitoring session. It is not
// safe for concurrent use: ticks pin the calling goroutine's OS thread and
// must be serialized by the caller.
type Aggregator struct {
	profile  *pmu.Profile
	regs     pmu.Registers
	topo     *topology.Topology
	port     msr.Port
	clock    clock.Clock
	state    *counter.State
	norm     *counter.Normalizer
	observer func(RawSample)
	log      log.Logger

	programmed bool
	selectors  [pmu.MaxCounters]uint64
	energyUnit float64
	threads    []*CounterSet
	agg        Aggregate
	totals     Totals
	focus      int
}

// New validates cfg and returns an idle Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Profile == nil || cfg.Topology == nil || cfg.Port == nil {
		return nil, errors.New("aggregator requires a profile, a topology and a port")
	}
	if cfg.Topology.Threads <= 0 {
		return nil, errors.New("topology has no threads")
	}
	if cfg.Topology.Threads > msr.MaxThreads {
		return nil, fmt.Errorf("%d logical threads exceed the %d-thread affinity mask", cfg.Topology.Threads, msr.MaxThreads)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	a := &Aggregator{
		profile:  cfg.Profile,
		regs:     cfg.Profile.Registers,
		topo:     cfg.Topology,
		port:     cfg.Port,
		clock:    cfg.Clock,
		state:    counter.NewState(),
		norm:     counter.NewNormalizer(cfg.Clock, cfg.Reference),
		observer: cfg.Observer,
		log:      logger.NewLoggerWithContext("aggregator"),
		threads:  make([]*CounterSet, cfg.Topology.Threads),
		focus:    -1,
	}
	if !cfg.Topology.Consistent() {
		a.log.Warn().
			Int("threads", cfg.Topology.Threads).
			Int("cores", cfg.Topology.Cores).
			Msg("Thread count is neither equal to nor twice the core count, core power uses per-core designated threads")
	}
	return a, nil
}

// Threads returns the number of logical threads.
func (a *Aggregator) Threads() int { return a.topo.Threads }

// Profile returns the family profile in use.
func (a *Aggregator) Profile() *pmu.Profile { return a.profile }

// Initialize programs the core counters on every thread with selectors and
// resets the cumulative totals of those counters. Fixed-counter baselines
// are taken the first time a thread is programmed and kept afterwards.
// Initialize stops at the first failing thread and reports it.
func (a *Aggregator) Initialize(selectors [pmu.MaxCounters]uint64) error {
	for t := 0; t < a.topo.Threads; t++ {
		if err := a.programThread(t, selectors); err != nil {
			a.programmed = false
			return fmt.Errorf("initialize thread %d: %w", t, err)
		}
	}
	if err := a.primePackage(); err != nil {
		a.programmed = false
		return fmt.Errorf("initialize package energy: %w", err)
	}

	a.selectors = selectors
	a.programmed = true
	a.totals.Counters = [pmu.MaxCounters]uint64{}
	for _, cs := range a.threads {
		cs.Totals.Counters = [pmu.MaxCounters]uint64{}
	}
	a.log.Debug().Int("threads", a.topo.Threads).Str("family", a.profile.Family.String()).Msg("Core counters programmed")
	return nil
}

func (a *Aggregator) programThread(t int, selectors [pmu.MaxCounters]uint64) (err error) {
	release, err := msr.Pin(a.port, t)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if err := a.enableFixed(); err != nil {
		return err
	}
	for i := 0; i < a.regs.Counters; i++ {
		if err := a.port.WriteRegister(a.regs.PerfCtl[i], selectors[i]); err != nil {
			return err
		}
		if err := a.port.WriteRegister(a.regs.PerfCtr[i], 0); err != nil {
			return err
		}
	}

	if !a.state.Primed(t) {
		if err := a.primeThread(t); err != nil {
			return err
		}
	}
	if a.threads[t] == nil {
		a.threads[t] = &CounterSet{}
	}
	return nil
}

// enableFixed turns on the free-running fixed counters of the pinned thread.
func (a *Aggregator) enableFixed() error {
	if a.regs.GlobalCtrl != 0 {
		if err := a.port.WriteRegister(a.regs.GlobalCtrl, a.profile.GlobalEnable()); err != nil {
			return err
		}
		if err := a.port.WriteRegister(a.regs.FixedCtrCtrl, pmu.IntelFixedCounterControl); err != nil {
			return err
		}
		return nil
	}
	if a.regs.Instructions != 0 && a.regs.HWCR != 0 {
		hwcr, err := a.port.ReadRegister(a.regs.HWCR)
		if err != nil {
			return err
		}
		if hwcr&pmu.HWCRInstructionsRetired == 0 {
			return a.port.WriteRegister(a.regs.HWCR, hwcr|pmu.HWCRInstructionsRetired)
		}
	}
	return nil
}

func (a *Aggregator) fixedRegisters() []uint32 {
	regs := []uint32{a.regs.TSC}
	for _, r := range []uint32{a.regs.APERF, a.regs.MPERF, a.regs.Instructions, a.regs.CoreEnergy} {
		if r != 0 {
			regs = append(regs, r)
		}
	}
	return regs
}

func (a *Aggregator) primeThread(t int) error {
	for _, r := range a.fixedRegisters() {
		v, err := a.port.ReadRegister(r)
		if err != nil {
			return err
		}
		a.state.Prime(t, r, v)
	}
	return nil
}

// primePackage reads the energy unit and package energy baseline once.
func (a *Aggregator) primePackage() (err error) {
	if a.regs.PackageEnergy == 0 && a.regs.CoreEnergy == 0 {
		return nil
	}
	if _, ok := a.state.Last(packageKey, a.regs.PackageEnergy); ok && a.energyUnit > 0 {
		return nil
	}
	release, err := msr.Pin(a.port, 0)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	unit, err := a.port.ReadRegister(a.regs.PowerUnit)
	if err != nil {
		return err
	}
	a.energyUnit = pmu.EnergyUnit(unit)
	if a.regs.PackageEnergy != 0 {
		v, err := a.port.ReadRegister(a.regs.PackageEnergy)
		if err != nil {
			return err
		}
		a.state.Prime(packageKey, a.regs.PackageEnergy, v)
	}
	return nil
}

// InitializeTotals zeroes the aggregate. It is idempotent and must run once
// at the start of every tick, before any UpdateThread.
func (a *Aggregator) InitializeTotals() {
	a.agg = Aggregate{}
}

type reading struct {
	reg   uint32
	value uint64
}

// UpdateThread reads thread t's counters, normalizes them, updates the
// thread's CounterSet and adds it into the aggregate. The programmable
// counters are zeroed only after every read has succeeded, so a failed read
// leaves the hardware counters, the thread's state and the aggregate
// untouched.
func (a *Aggregator) UpdateThread(t int) (err error) {
	if !a.programmed {
		return ErrNotInitialized
	}
	if t < 0 || t >= a.topo.Threads {
		return fmt.Errorf("thread %d out of range", t)
	}

	release, err := msr.Pin(a.port, t)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	fixed := a.fixedRegisters()
	readings := make([]reading, 0, len(fixed))
	for _, r := range fixed {
		v, err := a.port.ReadRegister(r)
		if err != nil {
			return fmt.Errorf("read %#x: %w", r, err)
		}
		a.observe(t, r, v)
		readings = append(readings, reading{r, v})
	}

	var programmable [pmu.MaxCounters]uint64
	for i := 0; i < a.regs.Counters; i++ {
		v, err := a.port.ReadRegister(a.regs.PerfCtr[i])
		if err != nil {
			return fmt.Errorf("read counter %d: %w", i, err)
		}
		a.observe(t, a.regs.PerfCtr[i], v)
		programmable[i] = v
	}
	for i := 0; i < a.regs.Counters; i++ {
		if err := a.port.WriteRegister(a.regs.PerfCtr[i], 0); err != nil {
			return fmt.Errorf("clear counter %d: %w", i, err)
		}
	}

	// Every read succeeded; commit.
	elapsed := make(map[uint32]uint64, len(readings))
	for _, rd := range readings {
		if rd.reg == a.regs.CoreEnergy {
			elapsed[rd.reg] = a.state.ObserveWidth(t, rd.reg, rd.value, energyWidth)
		} else {
			elapsed[rd.reg] = a.state.Observe(t, rd.reg, rd.value)
		}
	}
	factor := a.norm.Factor(t)

	cs := a.threads[t]
	if cs == nil {
		cs = &CounterSet{}
		a.threads[t] = cs
	}
	cs.NormalizationFactor = factor
	cs.TSC = float64(elapsed[a.regs.TSC]) * factor
	cs.Totals.TSC += elapsed[a.regs.TSC]
	if a.regs.APERF != 0 {
		cs.APERF = float64(elapsed[a.regs.APERF]) * factor
		cs.MPERF = float64(elapsed[a.regs.MPERF]) * factor
		cs.Totals.APERF += elapsed[a.regs.APERF]
		cs.Totals.MPERF += elapsed[a.regs.MPERF]
	}
	if a.regs.Instructions != 0 {
		cs.Instructions = float64(elapsed[a.regs.Instructions]) * factor
		cs.Totals.Instructions += elapsed[a.regs.Instructions]
		a.totals.Instructions += elapsed[a.regs.Instructions]
	}
	for i := 0; i < a.regs.Counters; i++ {
		cs.Counters[i] = float64(programmable[i]) * factor
		cs.Totals.Counters[i] += programmable[i]
		a.totals.Counters[i] += programmable[i]
	}
	if a.regs.CoreEnergy != 0 {
		joules := float64(elapsed[a.regs.CoreEnergy]) * a.energyUnit
		cs.Watts = joules * factor
		cs.Totals.Joules += joules
	}
	a.totals.TSC += elapsed[a.regs.TSC]
	if a.regs.APERF != 0 {
		a.totals.APERF += elapsed[a.regs.APERF]
		a.totals.MPERF += elapsed[a.regs.MPERF]
	}

	a.agg.APERF += cs.APERF
	a.agg.MPERF += cs.MPERF
	a.agg.TSC += cs.TSC
	a.agg.Instructions += cs.Instructions
	for i := range cs.Counters {
		a.agg.Counters[i] += cs.Counters[i]
	}
	if a.topo.Canonical(t) {
		a.agg.CoreWatts += cs.Watts
	}
	a.agg.Threads++
	return nil
}

func (a *Aggregator) observe(t int, reg uint32, v uint64) {
	if a.observer == nil {
		return
	}
	a.observer(RawSample{Thread: t, Register: reg, Value: v, SampledAt: a.clock.Now()})
}

// readPackagePower returns package watts since the previous call, or 0 when
// the family has no package energy counter.
func (a *Aggregator) readPackagePower() (watts float64, err error) {
	if a.regs.PackageEnergy == 0 {
		return 0, nil
	}
	release, err := msr.Pin(a.port, 0)
	if err != nil {
		return 0, err
	}
	defer func() {
		if relErr := release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	v, err := a.port.ReadRegister(a.regs.PackageEnergy)
	if err != nil {
		return 0, fmt.Errorf("read package energy: %w", err)
	}
	a.observe(packageKey, a.regs.PackageEnergy, v)
	elapsed := a.state.ObserveWidth(packageKey, a.regs.PackageEnergy, v, energyWidth)
	factor := a.norm.Factor(packageKey)
	joules := float64(elapsed) * a.energyUnit
	a.totals.Joules += joules
	return joules * factor, nil
}

// Tick runs one full sampling pass: InitializeTotals, UpdateThread for every
// thread in order, then package power. On any failure the tick's aggregate
// is discarded and the error names the failing thread.
func (a *Aggregator) Tick() (Aggregate, error) {
	a.InitializeTotals()
	for t := 0; t < a.topo.Threads; t++ {
		if err := a.UpdateThread(t); err != nil {
			a.InitializeTotals()
			return Aggregate{}, &ThreadError{Thread: t, Err: err}
		}
	}
	watts, err := a.readPackagePower()
	if err != nil {
		a.InitializeTotals()
		return Aggregate{}, &ThreadError{Thread: 0, Err: err}
	}
	a.agg.PackageWatts = watts
	return a.agg, nil
}

// Aggregate returns the aggregate of the latest tick.
func (a *Aggregator) Aggregate() Aggregate { return a.agg }

// Totals returns package-wide cumulative counts.
func (a *Aggregator) Totals() Totals { return a.totals }

// Thread returns a copy of thread t's CounterSet. ok is false until the
// thread has been programmed.
func (a *Aggregator) Thread(t int) (cs CounterSet, ok bool) {
	if t < 0 || t >= len(a.threads) || a.threads[t] == nil {
		return CounterSet{}, false
	}
	return *a.threads[t], true
}

// SetFocus selects the thread GetOverallCounterValues projects; -1 selects
// the aggregate.
func (a *Aggregator) SetFocus(thread int) error {
	if thread < -1 || thread >= a.topo.Threads {
		return fmt.Errorf("focus thread %d out of range [-1,%d)", thread, a.topo.Threads)
	}
	a.focus = thread
	return nil
}

// Focus returns the focused thread, or -1.
func (a *Aggregator) Focus() int { return a.focus }

// GetOverallCounterValues returns the labeled view of the aggregate, or of
// the focused thread. It does not modify any state.
func (a *Aggregator) GetOverallCounterValues(labels [pmu.MaxCounters]string) []LabeledValue {
	var (
		aperf, mperf, tsc, instr, watts, coreWatts float64
		counters                                   [pmu.MaxCounters]float64
	)
	if cs, ok := a.Thread(a.focus); a.focus >= 0 && ok {
		aperf, mperf, tsc, instr = cs.APERF, cs.MPERF, cs.TSC, cs.Instructions
		watts, coreWatts = cs.Watts, cs.Watts
		counters = cs.Counters
	} else {
		aperf, mperf, tsc, instr = a.agg.APERF, a.agg.MPERF, a.agg.TSC, a.agg.Instructions
		watts, coreWatts = a.agg.PackageWatts, a.agg.CoreWatts
		counters = a.agg.Counters
	}

	out := make([]LabeledValue, 0, 6+pmu.MaxCounters)
	out = append(out,
		LabeledValue{LabelAPERF, aperf},
		LabeledValue{LabelMPERF, mperf},
		LabeledValue{LabelTSC, tsc},
		LabeledValue{LabelInstructions, instr},
		LabeledValue{LabelWatts, watts},
		LabeledValue{LabelCoreWatts, coreWatts},
	)
	for i, l := range labels {
		out = append(out, LabeledValue{l, counters[i]})
	}
	return out
}

// Close disables the programmable counters on every programmed thread and
// drops all session state. It keeps going past failing threads and returns
// their errors combined.
func (a *Aggregator) Close() error {
	var errs []error
	for t, cs := range a.threads {
		if cs == nil {
			continue
		}
		if err := a.disableThread(t); err != nil {
			errs = append(errs, fmt.Errorf("disable thread %d: %w", t, err))
		}
	}

	a.state.Reset()
	a.norm.Reset()
	a.threads = make([]*CounterSet, a.topo.Threads)
	a.agg = Aggregate{}
	a.totals = Totals{}
	a.programmed = false
	a.energyUnit = 0

	if len(errs) > 0 {
		return multierror.Of(errs...)
	}
	return nil
}

func (a *Aggregator) disableThread(t int) (err error) {
	release, err := msr.Pin(a.port, t)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	for i := 0; i < a.regs.Counters; i++ {
		if err := a.port.WriteRegister(a.regs.PerfCtl[i], 0); err != nil {
			return err
		}
		if err := a.port.WriteRegister(a.regs.PerfCtr[i], 0); err != nil {
			return err
		}
	}
	if a.regs.GlobalCtrl != 0 {
		if err := a.port.WriteRegister(a.regs.GlobalCtrl, 0); err != nil {
			return err
		}
		if err := a.port.WriteRegister(a.regs.FixedCtrCtrl, 0); err != nil {
			return err
		}
	}
	return nil
}
