package aggregate

import (
	"time"

	"pmc_exporter/internal/pmu"
)

// RawSample is one register read taken during a tick.
type RawSample struct {
	Thread    int
	Register  uint32
	Value     uint64
	SampledAt time.Time
}

// Totals are cumulative raw counts. Programmable counter totals restart at
// zero whenever the counters are reprogrammed.
type Totals struct {
	APERF        uint64
	MPERF        uint64
	TSC          uint64
	Instructions uint64
	Counters     [pmu.MaxCounters]uint64
	Joules       float64
}

// CounterSet is one thread's view after its latest update: rates scaled by
// the thread's normalization factor, plus cumulative raw totals.
type CounterSet struct {
	APERF               float64
	MPERF               float64
	TSC                 float64
	Instructions        float64
	Counters            [pmu.MaxCounters]float64
	Watts               float64
	NormalizationFactor float64
	Totals              Totals
}

// Aggregate sums the rates of every thread updated in the current tick.
// CoreWatts counts each physical core once; PackageWatts comes from the
// package energy counter.
type Aggregate struct {
	APERF        float64
	MPERF        float64
	TSC          float64
	Instructions float64
	Counters     [pmu.MaxCounters]float64
	CoreWatts    float64
	PackageWatts float64
	Threads      int
}

// LabeledValue is one entry of a labeled snapshot.
type LabeledValue struct {
	Label string
	Value float64
}

// Fixed labels that precede the six counter labels in a snapshot.
const (
	LabelAPERF        = "APERF"
	LabelMPERF        = "MPERF"
	LabelTSC          = "TSC"
	LabelInstructions = "IRPerfCount"
	LabelWatts        = "Watts"
	LabelCoreWatts    = "CoreWatts"
)

// SnapshotLabels returns the full label row for counter labels.
func SnapshotLabels(counters [pmu.MaxCounters]string) []string {
	out := []string{LabelAPERF, LabelMPERF, LabelTSC, LabelInstructions, LabelWatts, LabelCoreWatts}
	return append(out, counters[:]...)
}
