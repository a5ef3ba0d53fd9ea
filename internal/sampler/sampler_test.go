package sampler

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmc_exporter/internal/aggregate"
	"pmc_exporter/internal/config"
	"pmc_exporter/internal/csvlog"
	"pmc_exporter/internal/maps"
	"pmc_exporter/internal/msr"
	"pmc_exporter/internal/msr/msrtest"
	"pmc_exporter/internal/pmu"
	"pmc_exporter/internal/scenario"
	"pmc_exporter/internal/topology"
	"pmc_exporter/internal/uncore"
)

const interval = time.Second

type fixture struct {
	s     *Sampler
	port  *msrtest.Port
	clock *clock.Mock
	regs  pmu.Registers
	csv   *bytes.Buffer
}

func newFixture(t *testing.T, withUncore bool) *fixture {
	t.Helper()
	profile, err := pmu.ProfileFor(pmu.FamilyZen3)
	require.NoError(t, err)
	port := msrtest.New(2)
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	topo := topology.FromCounts(2, 2)

	agg, err := aggregate.New(aggregate.Config{Profile: profile, Topology: topo, Port: port, Clock: clk})
	require.NoError(t, err)
	sc, err := scenario.FromConfig(&config.SamplerConfig{Scenario: "ipc"})
	require.NoError(t, err)

	var mon *uncore.Monitor
	if withUncore {
		ucfg := config.DefaultConfig().Uncore
		ucfg.Enabled = true
		mon, err = uncore.New(&ucfg, profile, port, topo, clk, time.Second)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	s, err := New(Options{
		Aggregator: agg,
		Uncore:     mon,
		Scenario:   sc,
		CSV:        csvlog.New(&buf),
		Clock:      clk,
		Interval:   interval,
	})
	require.NoError(t, err)
	return &fixture{s: s, port: port, clock: clk, regs: profile.Registers, csv: &buf}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	f := newFixture(t, false)
	_, err = New(Options{Aggregator: f.s.agg, Scenario: f.s.scenario})
	require.Error(t, err, "zero interval")
	_, err = New(Options{Aggregator: f.s.agg, Scenario: f.s.scenario, Interval: interval, MapImplementation: "btree"})
	require.Error(t, err, "unknown map implementation")
}

func TestMapImplementations(t *testing.T) {
	for _, impl := range maps.Implementations {
		t.Run(impl, func(t *testing.T) {
			f := newFixture(t, false)
			s, err := New(Options{
				Aggregator:        f.s.agg,
				Scenario:          f.s.scenario,
				Clock:             f.clock,
				Interval:          interval,
				MapImplementation: impl,
			})
			require.NoError(t, err)
			require.NoError(t, s.Start())

			_, err = s.Tick()
			require.NoError(t, err)
			seen := 0
			s.RangeThreads(func(int, aggregate.CounterSet) bool { seen++; return true })
			assert.Equal(t, 2, seen)

			f.port.FailRead(1, f.regs.PerfCtr[0], errors.New("transient"))
			_, err = s.Tick()
			require.Error(t, err)
			failed := map[int]uint64{}
			s.RangeThreadFailures(func(thread int, n uint64) bool {
				failed[thread] = n
				return true
			})
			assert.Equal(t, map[int]uint64{1: 1}, failed)
		})
	}
}

func TestTickBeforeStart(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.s.Tick()
	require.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, uint64(1), f.s.Failures(), "ticks without programmed counters are counted")
	require.ErrorIs(t, f.s.Run(context.Background()), ErrNotStarted)
	assert.Nil(t, f.s.Latest())
}

func TestTickPublishesSnapshot(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.s.Start())

	f.port.Set(0, f.regs.Instructions, 1_000_000)
	f.port.Set(1, f.regs.Instructions, 500_000)
	f.port.Set(0, f.regs.PerfCtr[0], 100)
	f.port.Set(1, f.regs.PerfCtr[0], 300)

	snap, err := f.s.Tick()
	require.NoError(t, err)
	assert.Same(t, snap, f.s.Latest())
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Equal(t, "ipc", snap.Scenario)
	assert.InDelta(t, 1_500_000.0, snap.Aggregate.Instructions, 1e-6)
	assert.Len(t, snap.Values, 12)
	assert.Equal(t, aggregate.LabelInstructions, snap.Values[3].Label)
	assert.InDelta(t, 1_500_000.0, snap.Values[3].Value, 1e-6)

	assert.InDelta(t, 200.0, snap.Spread[0].Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(20_000), snap.Spread[0].StdDev, 1e-9)

	cs, ok := f.s.Thread(1)
	require.True(t, ok)
	assert.InDelta(t, 500_000.0, cs.Instructions, 1e-6)

	seen := 0
	f.s.RangeThreads(func(int, aggregate.CounterSet) bool { seen++; return true })
	assert.Equal(t, 2, seen)

	lines := strings.Split(strings.TrimSpace(f.csv.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Time,APERF,MPERF,TSC,IRPerfCount,Watts,CoreWatts,Cycles"))
}

func TestFailedTickIsCounted(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.s.Start())
	first, err := f.s.Tick()
	require.NoError(t, err)

	transient := errors.New("transient read failure")
	f.port.FailRead(1, f.regs.PerfCtr[2], transient)
	_, err = f.s.Tick()
	require.ErrorIs(t, err, transient)

	assert.Equal(t, uint64(1), f.s.Failures())
	assert.Same(t, first, f.s.Latest(), "failed tick publishes nothing")

	failed := map[int]uint64{}
	f.s.RangeThreadFailures(func(thread int, n uint64) bool {
		failed[thread] = n
		return true
	})
	assert.Equal(t, map[int]uint64{1: 1}, failed)

	f.port.ClearFailures()
	snap, err := f.s.Tick()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Sequence)
}

func TestRunStopsOnFatalError(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.s.Start())
	f.port.FailRead(-1, f.regs.TSC, msr.ErrAccessDenied)

	done := make(chan error, 1)
	go func() { done <- f.s.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for {
		f.clock.Add(interval)
		select {
		case err := <-done:
			require.ErrorIs(t, err, msr.ErrAccessDenied)
			assert.GreaterOrEqual(t, f.s.Failures(), uint64(1))
			return
		case <-deadline:
			t.Fatal("sampler did not stop on a fatal error")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.s.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for f.s.Latest() == nil {
		f.clock.Add(interval)
		select {
		case <-deadline:
			t.Fatal("no tick published")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	require.NoError(t, <-done)
}

func TestSetScenarioReprograms(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.s.Start())

	sel := pmu.Selector{Event: 0x29, UnitMask: 0x07, User: true, OS: true, Enable: true}
	sc, err := scenario.New("ops", []scenario.Counter{{Label: "Ops Dispatched", Selector: sel}})
	require.NoError(t, err)
	require.NoError(t, f.s.SetScenario(sc))

	profile, _ := pmu.ProfileFor(pmu.FamilyZen3)
	writes := f.port.WritesTo(0, f.regs.PerfCtl[0])
	assert.Equal(t, sel.Encode(profile.Core), writes[len(writes)-1])

	snap, err := f.s.Tick()
	require.NoError(t, err)
	assert.Equal(t, "ops", snap.Scenario)
	assert.Equal(t, "Ops Dispatched", snap.Labels[0])
}

func TestFailedSetScenarioCountsTicks(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.s.Start())
	_, err := f.s.Tick()
	require.NoError(t, err)

	broken := errors.New("write rejected")
	f.port.FailWrite(-1, f.regs.PerfCtl[0], broken)
	sc, err := scenario.New("ops", []scenario.Counter{{Label: "Ops Dispatched", Selector: pmu.Selector{Event: 0x29, Enable: true}}})
	require.NoError(t, err)
	require.ErrorIs(t, f.s.SetScenario(sc), broken)

	_, err = f.s.Tick()
	require.ErrorIs(t, err, aggregate.ErrNotInitialized)
	assert.Equal(t, uint64(1), f.s.Failures())
	assert.Equal(t, uint64(1), f.s.Latest().Sequence, "previous snapshot stays visible")

	f.port.ClearFailures()
	require.NoError(t, f.s.SetScenario(sc))
	snap, err := f.s.Tick()
	require.NoError(t, err)
	assert.Equal(t, "ops", snap.Scenario)
}

func TestUncoreSamplePublished(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.s.Start())
	l3, fabric := f.s.UncoreLabels()
	assert.Equal(t, []string{"L3 Access", "L3 Miss"}, l3)
	assert.Empty(t, fabric)

	f.port.Set(0, f.regs.CacheCtr[0], 42)
	snap, err := f.s.Tick()
	require.NoError(t, err)
	require.Len(t, snap.Uncore.L3, 1)
	assert.InDelta(t, 42.0, snap.Uncore.L3[0].Values[0], 1e-9)
}

func TestCloseDisablesCounters(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.s.Start())
	_, err := f.s.Tick()
	require.NoError(t, err)

	require.NoError(t, f.s.Close())
	for thread := 0; thread < 2; thread++ {
		assert.Zero(t, f.port.Get(thread, f.regs.PerfCtl[0]))
	}
	assert.Zero(t, f.port.Get(0, f.regs.CacheCtl[0]))
	_, ok := f.s.Thread(0)
	assert.False(t, ok)

	_, err = f.s.Tick()
	require.ErrorIs(t, err, ErrNotStarted)

	sc, err := scenario.FromConfig(&config.SamplerConfig{Scenario: "l2"})
	require.NoError(t, err)
	require.ErrorIs(t, f.s.SetScenario(sc), ErrClosed)
	assert.Zero(t, f.port.Get(0, f.regs.PerfCtl[0]), "closed sampler stays disabled")
}

func TestSpread(t *testing.T) {
	assert.Equal(t, Spread{}, spread(nil))
	assert.Equal(t, Spread{Mean: 7}, spread([]float64{7}))
	s := spread([]float64{1, 3})
	assert.InDelta(t, 2.0, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt2, s.StdDev, 1e-12)
}
