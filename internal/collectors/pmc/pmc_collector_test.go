package pmc

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmc_exporter/internal/aggregate"
	"pmc_exporter/internal/config"
	"pmc_exporter/internal/maps"
	"pmc_exporter/internal/sampler"
	"pmc_exporter/internal/uncore"
)

type fakeSource struct {
	snap           *sampler.Snapshot
	threads        map[int]aggregate.CounterSet
	failures       uint64
	threadFailures map[int]uint64
	l3, fabric     []string
}

func (f *fakeSource) Latest() *sampler.Snapshot { return f.snap }

func (f *fakeSource) RangeThreads(fn func(int, aggregate.CounterSet) bool) {
	for t, cs := range f.threads {
		if !fn(t, cs) {
			return
		}
	}
}

func (f *fakeSource) Failures() uint64 { return f.failures }

func (f *fakeSource) RangeThreadFailures(fn func(int, uint64) bool) {
	for t, n := range f.threadFailures {
		if !fn(t, n) {
			return
		}
	}
}

func (f *fakeSource) UncoreLabels() ([]string, []string) { return f.l3, f.fabric }

func newSource() *fakeSource {
	snap := &sampler.Snapshot{
		Time:   time.Unix(1700000000, 0),
		Labels: [6]string{"Cycles", "Instructions"},
		Aggregate: aggregate.Aggregate{
			APERF:        3e9,
			MPERF:        2e9,
			TSC:          4e9,
			Instructions: 1.5e6,
			Counters:     [6]float64{3e6, 1.5e6},
			CoreWatts:    12,
			PackageWatts: 20,
			Threads:      2,
		},
		Totals: aggregate.Totals{Instructions: 1_500_000, Counters: [6]uint64{3_000_000}, Joules: 40},
		Uncore: uncore.Sample{
			L3:     []uncore.Domain{{Leader: 0, Values: []float64{500, 50}}},
			Fabric: []float64{32},
		},
	}
	snap.Spread[0] = sampler.Spread{Mean: 1.5e6, StdDev: 10}
	return &fakeSource{
		snap: snap,
		threads: map[int]aggregate.CounterSet{
			0: {Instructions: 1e6, Watts: 6, NormalizationFactor: 1},
			1: {Instructions: 5e5, Watts: 6, NormalizationFactor: 1},
		},
		failures:       3,
		threadFailures: map[int]uint64{1: 3},
		l3:             []string{"L3 Access", "L3 Miss"},
		fabric:         []string{"DRAM Read"},
	}
}

type series struct {
	labels map[string]string
	value  float64
}

func gather(t *testing.T, c prometheus.Collector) map[string][]series {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string][]series)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			s := series{labels: map[string]string{}}
			for _, lp := range m.GetLabel() {
				s.labels[lp.GetName()] = lp.GetValue()
			}
			switch {
			case m.GetGauge() != nil:
				s.value = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				s.value = m.GetCounter().GetValue()
			}
			out[mf.GetName()] = append(out[mf.GetName()], s)
		}
	}
	return out
}

func find(t *testing.T, all []series, labels map[string]string) float64 {
	t.Helper()
next:
	for _, s := range all {
		for k, v := range labels {
			if s.labels[k] != v {
				continue next
			}
		}
		return s.value
	}
	t.Fatalf("no series with labels %v", labels)
	return 0
}

func TestCollectAggregate(t *testing.T) {
	cfg := config.PMCConfig{Enabled: true, EnableTotals: true}
	got := gather(t, NewPMCCollector(&cfg, newSource()))

	assert.Len(t, got["pmc_fixed_rate"], 4)
	assert.Equal(t, 1.5e6, find(t, got["pmc_fixed_rate"], map[string]string{"counter": "IRPerfCount"}))
	assert.Len(t, got["pmc_counter_rate"], 2, "empty slots are skipped")
	assert.Equal(t, 3e6, find(t, got["pmc_counter_rate"], map[string]string{"counter": "Cycles", "slot": "0"}))
	assert.Equal(t, 10.0, find(t, got["pmc_counter_thread_stddev"], map[string]string{"counter": "Cycles"}))
	assert.Equal(t, 12.0, got["pmc_core_power_watts"][0].value)
	assert.Equal(t, 20.0, got["pmc_package_power_watts"][0].value)
	assert.Equal(t, 2.0, got["pmc_threads_sampled"][0].value)
	assert.Equal(t, 1700000000.0, got["pmc_last_tick_timestamp_seconds"][0].value)
	assert.Equal(t, 3.0, got["pmc_tick_failures_total"][0].value)

	assert.Equal(t, 3e6, find(t, got["pmc_counter_total"], map[string]string{"counter": "Cycles"}))
	assert.Equal(t, 40.0, got["pmc_package_energy_joules_total"][0].value)

	assert.Equal(t, 50.0, find(t, got["pmc_l3_rate"], map[string]string{"domain": "0", "counter": "L3 Miss"}))
	assert.Equal(t, 32.0, find(t, got["pmc_fabric_rate"], map[string]string{"counter": "DRAM Read"}))

	assert.NotContains(t, got, "pmc_thread_fixed_rate")
}

func TestCollectPerThread(t *testing.T) {
	for _, impl := range []string{maps.XSync, maps.Cornelk, "btree"} {
		t.Run(impl, func(t *testing.T) {
			cfg := config.PMCConfig{Enabled: true, EnablePerThread: true, MapImplementation: impl}
			got := gather(t, NewPMCCollector(&cfg, newSource()))

			assert.Equal(t, 5e5, find(t, got["pmc_thread_fixed_rate"], map[string]string{"cpu": "1", "counter": "IRPerfCount"}))
			assert.Len(t, got["pmc_thread_core_power_watts"], 2)
			assert.Equal(t, 3.0, find(t, got["pmc_thread_tick_failures_total"], map[string]string{"cpu": "1"}))
			assert.NotContains(t, got, "pmc_counter_total")
		})
	}
}

func TestCollectBeforeFirstTick(t *testing.T) {
	src := newSource()
	src.snap = nil
	cfg := config.DefaultConfig().Collectors.PMC
	got := gather(t, NewPMCCollector(&cfg, src))

	assert.Len(t, got, 1)
	assert.Equal(t, 3.0, got["pmc_tick_failures_total"][0].value)
}
