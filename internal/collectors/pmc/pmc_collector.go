package pmc

import (
	"strconv"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"pmc_exporter/internal/aggregate"
	"pmc_exporter/internal/config"
	"pmc_exporter/internal/logger"
	"pmc_exporter/internal/maps"
	"pmc_exporter/internal/sampler"
)

// Rates are normalized to the sampler's reference interval (one second by
// default), so "rate" gauges read as events per second.
//
// # Useful PromQL
//
// Instructions per cycle across the package:
//
//	pmc_counter_rate{counter="Instructions"} / pmc_counter_rate{counter="Cycles"}
//
// Effective frequency ratio (1.0 = nominal):
//
//	pmc_fixed_rate{counter="APERF"} / pmc_fixed_rate{counter="MPERF"}

// Source is the read side of the sampler.
type Source interface {
	Latest() *sampler.Snapshot
	RangeThreads(f func(thread int, cs aggregate.CounterSet) bool)
	Failures() uint64
	RangeThreadFailures(f func(thread int, n uint64) bool)
	UncoreLabels() (l3, fabric []string)
}

// PMCCollector exports the latest published sampler snapshot. It holds no
// counter state of its own; every scrape reads what the sampler published.
type PMCCollector struct {
	config *config.PMCConfig
	source Source
	log    log.Logger

	fixedRateDesc     *prometheus.Desc
	counterRateDesc   *prometheus.Desc
	counterStddevDesc *prometheus.Desc
	coreWattsDesc     *prometheus.Desc
	packageWattsDesc  *prometheus.Desc
	threadsDesc       *prometheus.Desc
	lastTickDesc      *prometheus.Desc
	tickFailuresDesc  *prometheus.Desc

	// Totals, only if enabled
	fixedTotalDesc   *prometheus.Desc
	counterTotalDesc *prometheus.Desc
	energyTotalDesc  *prometheus.Desc

	// Per-thread, only if enabled
	threadFixedRateDesc   *prometheus.Desc
	threadCounterRateDesc *prometheus.Desc
	threadWattsDesc       *prometheus.Desc
	threadFactorDesc      *prometheus.Desc
	threadFailuresDesc    *prometheus.Desc

	l3RateDesc     *prometheus.Desc
	fabricRateDesc *prometheus.Desc

	cpuStringCache maps.ConcurrentMap[int, string] // Cache for formatCPU to reduce allocations
}

// NewPMCCollector creates a collector reading from source.
func NewPMCCollector(config *config.PMCConfig, source Source) *PMCCollector {
	c := &PMCCollector{
		config: config,
		source: source,
		log:    logger.NewLoggerWithContext("pmc_collector"),
	}
	cache, err := maps.NewConcurrentMapOf[int, string](config.MapImplementation)
	if err != nil {
		c.log.Warn().Err(err).Msg("Falling back to the default map implementation")
		cache = maps.NewConcurrentMap[int, string]()
	}
	c.cpuStringCache = cache

	c.fixedRateDesc = prometheus.NewDesc(
		"pmc_fixed_rate",
		"Fixed counter increments per reference interval, summed over all logical threads.",
		[]string{"counter"}, nil)
	c.counterRateDesc = prometheus.NewDesc(
		"pmc_counter_rate",
		"Programmable counter increments per reference interval, summed over all logical threads.",
		[]string{"counter", "slot"}, nil)
	c.counterStddevDesc = prometheus.NewDesc(
		"pmc_counter_thread_stddev",
		"Standard deviation of a programmable counter rate across logical threads.",
		[]string{"counter", "slot"}, nil)
	c.coreWattsDesc = prometheus.NewDesc(
		"pmc_core_power_watts",
		"Sum of per-core power, each physical core counted once.",
		nil, nil)
	c.packageWattsDesc = prometheus.NewDesc(
		"pmc_package_power_watts",
		"Package power from the package energy counter.",
		nil, nil)
	c.threadsDesc = prometheus.NewDesc(
		"pmc_threads_sampled",
		"Logical threads updated in the latest tick.",
		nil, nil)
	c.lastTickDesc = prometheus.NewDesc(
		"pmc_last_tick_timestamp_seconds",
		"Unix time of the latest successful tick.",
		nil, nil)
	c.tickFailuresDesc = prometheus.NewDesc(
		"pmc_tick_failures_total",
		"Ticks discarded because a register access failed.",
		nil, nil)

	if config.EnableTotals {
		c.fixedTotalDesc = prometheus.NewDesc(
			"pmc_fixed_total",
			"Cumulative raw fixed counter increments since the exporter started.",
			[]string{"counter"}, nil)
		c.counterTotalDesc = prometheus.NewDesc(
			"pmc_counter_total",
			"Cumulative raw programmable counter increments since the counters were last programmed.",
			[]string{"counter", "slot"}, nil)
		c.energyTotalDesc = prometheus.NewDesc(
			"pmc_package_energy_joules_total",
			"Cumulative package energy.",
			nil, nil)
	}

	if config.EnablePerThread {
		c.threadFixedRateDesc = prometheus.NewDesc(
			"pmc_thread_fixed_rate",
			"Fixed counter increments per reference interval by logical thread.",
			[]string{"cpu", "counter"}, nil)
		c.threadCounterRateDesc = prometheus.NewDesc(
			"pmc_thread_counter_rate",
			"Programmable counter increments per reference interval by logical thread.",
			[]string{"cpu", "counter", "slot"}, nil)
		c.threadWattsDesc = prometheus.NewDesc(
			"pmc_thread_core_power_watts",
			"Power of the core a logical thread runs on. SMT siblings report the same core.",
			[]string{"cpu"}, nil)
		c.threadFactorDesc = prometheus.NewDesc(
			"pmc_thread_normalization_factor",
			"Factor applied to the thread's raw deltas in the latest tick.",
			[]string{"cpu"}, nil)
		c.threadFailuresDesc = prometheus.NewDesc(
			"pmc_thread_tick_failures_total",
			"Ticks discarded because of a register access failure on this logical thread.",
			[]string{"cpu"}, nil)
	}

	c.l3RateDesc = prometheus.NewDesc(
		"pmc_l3_rate",
		"L3 cache counter increments per reference interval by cache domain.",
		[]string{"domain", "counter"}, nil)
	c.fabricRateDesc = prometheus.NewDesc(
		"pmc_fabric_rate",
		"Data fabric counter increments per reference interval.",
		[]string{"counter"}, nil)

	c.log.Debug().
		Bool("per_thread", config.EnablePerThread).
		Bool("totals", config.EnableTotals).
		Msg("PMC collector created")
	return c
}

// Describe implements the prometheus.Collector interface
func (c *PMCCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.fixedRateDesc
	ch <- c.counterRateDesc
	ch <- c.counterStddevDesc
	ch <- c.coreWattsDesc
	ch <- c.packageWattsDesc
	ch <- c.threadsDesc
	ch <- c.lastTickDesc
	ch <- c.tickFailuresDesc

	if c.config.EnableTotals {
		ch <- c.fixedTotalDesc
		ch <- c.counterTotalDesc
		ch <- c.energyTotalDesc
	}

	if c.config.EnablePerThread {
		ch <- c.threadFixedRateDesc
		ch <- c.threadCounterRateDesc
		ch <- c.threadWattsDesc
		ch <- c.threadFactorDesc
		ch <- c.threadFailuresDesc
	}

	l3, fabric := c.source.UncoreLabels()
	if len(l3) > 0 {
		ch <- c.l3RateDesc
	}
	if len(fabric) > 0 {
		ch <- c.fabricRateDesc
	}
}

// Collect implements the prometheus.Collector interface
func (c *PMCCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.tickFailuresDesc, prometheus.CounterValue, float64(c.source.Failures()))

	snap := c.source.Latest()
	if snap == nil {
		// Nothing sampled yet.
		return
	}

	c.collectAggregate(ch, snap)
	if c.config.EnableTotals {
		c.collectTotals(ch, snap)
	}
	if c.config.EnablePerThread {
		c.collectThreads(ch, snap)
	}
	c.collectUncore(ch, snap)
}

func fixedValues(aperf, mperf, tsc, instructions float64) [4]aggregate.LabeledValue {
	return [4]aggregate.LabeledValue{
		{Label: aggregate.LabelAPERF, Value: aperf},
		{Label: aggregate.LabelMPERF, Value: mperf},
		{Label: aggregate.LabelTSC, Value: tsc},
		{Label: aggregate.LabelInstructions, Value: instructions},
	}
}

func (c *PMCCollector) collectAggregate(ch chan<- prometheus.Metric, snap *sampler.Snapshot) {
	agg := snap.Aggregate
	for _, v := range fixedValues(agg.APERF, agg.MPERF, agg.TSC, agg.Instructions) {
		ch <- prometheus.MustNewConstMetric(c.fixedRateDesc, prometheus.GaugeValue, v.Value, v.Label)
	}
	for i, label := range snap.Labels {
		if label == "" {
			continue
		}
		slot := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.counterRateDesc, prometheus.GaugeValue, agg.Counters[i], label, slot)
		ch <- prometheus.MustNewConstMetric(c.counterStddevDesc, prometheus.GaugeValue, snap.Spread[i].StdDev, label, slot)
	}
	ch <- prometheus.MustNewConstMetric(c.coreWattsDesc, prometheus.GaugeValue, agg.CoreWatts)
	ch <- prometheus.MustNewConstMetric(c.packageWattsDesc, prometheus.GaugeValue, agg.PackageWatts)
	ch <- prometheus.MustNewConstMetric(c.threadsDesc, prometheus.GaugeValue, float64(agg.Threads))
	ch <- prometheus.MustNewConstMetric(c.lastTickDesc, prometheus.GaugeValue, float64(snap.Time.UnixNano())/1e9)
}

func (c *PMCCollector) collectTotals(ch chan<- prometheus.Metric, snap *sampler.Snapshot) {
	tot := snap.Totals
	for _, v := range fixedValues(float64(tot.APERF), float64(tot.MPERF), float64(tot.TSC), float64(tot.Instructions)) {
		ch <- prometheus.MustNewConstMetric(c.fixedTotalDesc, prometheus.CounterValue, v.Value, v.Label)
	}
	for i, label := range snap.Labels {
		if label == "" {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.counterTotalDesc, prometheus.CounterValue,
			float64(tot.Counters[i]), label, strconv.Itoa(i))
	}
	ch <- prometheus.MustNewConstMetric(c.energyTotalDesc, prometheus.CounterValue, tot.Joules)
}

func (c *PMCCollector) collectThreads(ch chan<- prometheus.Metric, snap *sampler.Snapshot) {
	c.source.RangeThreads(func(thread int, cs aggregate.CounterSet) bool {
		cpu := c.formatCPU(thread)
		for _, v := range fixedValues(cs.APERF, cs.MPERF, cs.TSC, cs.Instructions) {
			ch <- prometheus.MustNewConstMetric(c.threadFixedRateDesc, prometheus.GaugeValue, v.Value, cpu, v.Label)
		}
		for i, label := range snap.Labels {
			if label == "" {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.threadCounterRateDesc, prometheus.GaugeValue,
				cs.Counters[i], cpu, label, strconv.Itoa(i))
		}
		ch <- prometheus.MustNewConstMetric(c.threadWattsDesc, prometheus.GaugeValue, cs.Watts, cpu)
		ch <- prometheus.MustNewConstMetric(c.threadFactorDesc, prometheus.GaugeValue, cs.NormalizationFactor, cpu)
		return true
	})
	c.source.RangeThreadFailures(func(thread int, n uint64) bool {
		ch <- prometheus.MustNewConstMetric(c.threadFailuresDesc, prometheus.CounterValue, float64(n), c.formatCPU(thread))
		return true
	})
}

func (c *PMCCollector) collectUncore(ch chan<- prometheus.Metric, snap *sampler.Snapshot) {
	l3, fabric := c.source.UncoreLabels()
	for _, d := range snap.Uncore.L3 {
		domain := c.formatCPU(d.Leader)
		for i, v := range d.Values {
			if i < len(l3) {
				ch <- prometheus.MustNewConstMetric(c.l3RateDesc, prometheus.GaugeValue, v, domain, l3[i])
			}
		}
	}
	for i, v := range snap.Uncore.Fabric {
		if i < len(fabric) {
			ch <- prometheus.MustNewConstMetric(c.fabricRateDesc, prometheus.GaugeValue, v, fabric[i])
		}
	}
}

// formatCPU returns the decimal label for a logical thread.
func (c *PMCCollector) formatCPU(thread int) string {
	s, _ := c.cpuStringCache.LoadOrStore(thread, func() string { return strconv.Itoa(thread) })
	return s
}
