// Package uncore programs the L3 cache and data fabric counters. L3
// counters are shared by every thread of a cache domain and fabric
// counters by the whole package, so each is read from one designated
// thread only.
package uncore

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-multierror/multierror"
	"github.com/phuslu/log"

	"pmc_exporter/internal/config"
	"pmc_exporter/internal/counter"
	"pmc_exporter/internal/logger"
	"pmc_exporter/internal/msr"
	"pmc_exporter/internal/pmu"
	"pmc_exporter/internal/topology"
)

// fabricKey is the normalizer key of the package-wide fabric counters.
const fabricKey = -1

// Domain is one L3 cache domain's normalized rates.
type Domain struct {
	Leader int
	Values []float64
}

// Sample is one uncore tick.
type Sample struct {
	L3     []Domain
	Fabric []float64
}

// Monitor owns the uncore counters. Like the core aggregator it pins the
// calling OS thread and is not safe for concurrent use.
type Monitor struct {
	profile *pmu.Profile
	port    msr.Port
	norm    *counter.Normalizer
	log     log.Logger

	leaders      []int
	l3Labels     []string
	l3Sel        []uint64
	fabricLabels []string
	fabricSel    []uint64

	programmed bool
}

// New builds a Monitor from cfg. Counter groups the family cannot serve
// are dropped with a warning; too many counters for a family is an error.
func New(cfg *config.UncoreConfig, profile *pmu.Profile, port msr.Port, topo *topology.Topology, clk clock.Clock, reference time.Duration) (*Monitor, error) {
	m := &Monitor{
		profile: profile,
		port:    port,
		norm:    counter.NewNormalizer(clk, reference),
		log:     logger.NewLoggerWithContext("uncore"),
		leaders: topo.CacheLeaders(),
	}

	regs := profile.Registers
	switch {
	case len(cfg.L3) == 0:
	case profile.Cache == nil || regs.CacheCounters == 0:
		m.log.Warn().Str("family", profile.Family.String()).Msg("Family has no cache counters, L3 monitoring disabled")
	case len(cfg.L3) > regs.CacheCounters:
		return nil, fmt.Errorf("%d L3 counters configured, %s has %d", len(cfg.L3), profile.Family, regs.CacheCounters)
	default:
		for _, c := range cfg.L3 {
			m.l3Labels = append(m.l3Labels, c.Label)
			m.l3Sel = append(m.l3Sel, pmu.CacheSelector{
				Event:      c.Event,
				UnitMask:   c.UnitMask,
				Enable:     true,
				SliceMask:  c.SliceMask,
				ThreadMask: c.ThreadMask,
				CoreID:     c.CoreID,
				SliceID:    c.SliceID,
				AllSlices:  c.AllSlices,
				AllCores:   c.AllCores,
			}.Encode(profile.Cache))
		}
	}

	switch {
	case len(cfg.Fabric) == 0:
	case profile.Fabric == nil || regs.FabricCounters == 0:
		m.log.Warn().Str("family", profile.Family.String()).Msg("Family has no fabric counters, fabric monitoring disabled")
	case len(cfg.Fabric) > regs.FabricCounters:
		return nil, fmt.Errorf("%d fabric counters configured, %s has %d", len(cfg.Fabric), profile.Family, regs.FabricCounters)
	default:
		for _, c := range cfg.Fabric {
			m.fabricLabels = append(m.fabricLabels, c.Label)
			m.fabricSel = append(m.fabricSel, pmu.FabricSelector{
				Event:    c.Event,
				UnitMask: c.UnitMask,
				Enable:   true,
			}.Encode(profile.Fabric))
		}
	}
	return m, nil
}

// Active reports whether any uncore counter is configured.
func (m *Monitor) Active() bool {
	return len(m.l3Sel) > 0 || len(m.fabricSel) > 0
}

// L3Labels returns the L3 counter labels in slot order.
func (m *Monitor) L3Labels() []string { return m.l3Labels }

// FabricLabels returns the fabric counter labels in slot order.
func (m *Monitor) FabricLabels() []string { return m.fabricLabels }

// Leaders returns the thread each L3 domain is read from.
func (m *Monitor) Leaders() []int { return m.leaders }

func (m *Monitor) pinned(thread int, fn func() error) (err error) {
	release, err := msr.Pin(m.port, thread)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn()
}

func (m *Monitor) program(ctl, ctr []uint32, sel []uint64) error {
	for i, v := range sel {
		if err := m.port.WriteRegister(ctl[i], v); err != nil {
			return err
		}
		if err := m.port.WriteRegister(ctr[i], 0); err != nil {
			return err
		}
	}
	return nil
}

// Initialize programs the L3 counters on every domain leader and the fabric
// counters on thread 0.
func (m *Monitor) Initialize() error {
	regs := m.profile.Registers
	if len(m.l3Sel) > 0 {
		for _, leader := range m.leaders {
			err := m.pinned(leader, func() error {
				return m.program(regs.CacheCtl[:], regs.CacheCtr[:], m.l3Sel)
			})
			if err != nil {
				return fmt.Errorf("program L3 on thread %d: %w", leader, err)
			}
		}
	}
	if len(m.fabricSel) > 0 {
		err := m.pinned(0, func() error {
			return m.program(regs.FabricCtl[:], regs.FabricCtr[:], m.fabricSel)
		})
		if err != nil {
			return fmt.Errorf("program fabric: %w", err)
		}
	}
	m.programmed = true
	m.log.Debug().
		Int("l3_counters", len(m.l3Sel)).
		Int("l3_domains", len(m.leaders)).
		Int("fabric_counters", len(m.fabricSel)).
		Msg("Uncore counters programmed")
	return nil
}

func (m *Monitor) read(ctr []uint32, n int) ([]float64, error) {
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := msr.ReadAndClear(m.port, ctr[i])
		if err != nil {
			return nil, fmt.Errorf("read %#x: %w", ctr[i], err)
		}
		values[i] = float64(v)
	}
	return values, nil
}

// Tick reads and clears every uncore counter and returns normalized rates.
func (m *Monitor) Tick() (Sample, error) {
	var s Sample
	if !m.programmed {
		return s, fmt.Errorf("uncore counters not initialized")
	}
	regs := m.profile.Registers

	if len(m.l3Sel) > 0 {
		for _, leader := range m.leaders {
			var values []float64
			err := m.pinned(leader, func() error {
				var err error
				values, err = m.read(regs.CacheCtr[:], len(m.l3Sel))
				return err
			})
			if err != nil {
				return Sample{}, fmt.Errorf("L3 domain of thread %d: %w", leader, err)
			}
			factor := m.norm.Factor(leader)
			for i := range values {
				values[i] *= factor
			}
			s.L3 = append(s.L3, Domain{Leader: leader, Values: values})
		}
	}

	if len(m.fabricSel) > 0 {
		var values []float64
		err := m.pinned(0, func() error {
			var err error
			values, err = m.read(regs.FabricCtr[:], len(m.fabricSel))
			return err
		})
		if err != nil {
			return Sample{}, fmt.Errorf("fabric: %w", err)
		}
		factor := m.norm.Factor(fabricKey)
		for i := range values {
			values[i] *= factor
		}
		s.Fabric = values
	}
	return s, nil
}

// Close disables every uncore counter it programmed.
func (m *Monitor) Close() error {
	if !m.programmed {
		return nil
	}
	regs := m.profile.Registers
	var errs []error
	if len(m.l3Sel) > 0 {
		zero := make([]uint64, len(m.l3Sel))
		for _, leader := range m.leaders {
			if err := m.pinned(leader, func() error {
				return m.program(regs.CacheCtl[:], regs.CacheCtr[:], zero)
			}); err != nil {
				errs = append(errs, fmt.Errorf("disable L3 on thread %d: %w", leader, err))
			}
		}
	}
	if len(m.fabricSel) > 0 {
		zero := make([]uint64, len(m.fabricSel))
		if err := m.pinned(0, func() error {
			return m.program(regs.FabricCtl[:], regs.FabricCtr[:], zero)
		}); err != nil {
			errs = append(errs, fmt.Errorf("disable fabric: %w", err))
		}
	}
	m.programmed = false
	m.norm.Reset()
	if len(errs) > 0 {
		return multierror.Of(errs...)
	}
	return nil
}
