// Package topology describes how logical threads map onto physical cores
// and L3 cache domains.
package topology

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Topology is the thread layout used for SMT-aware accounting. Thread i is
// logical CPU i.
type Topology struct {
	Threads int
	Cores   int

	core      []int // lowest sibling of each thread's core
	cache     []int // lowest thread sharing each thread's L3
	canonical []bool
}

// Canonical reports whether thread is the designated thread of its physical
// core. Per-core quantities such as core energy are counted only for
// canonical threads.
func (t *Topology) Canonical(thread int) bool {
	if thread < 0 || thread >= len(t.canonical) {
		return false
	}
	return t.canonical[thread]
}

// CoreOf returns the lowest-numbered sibling of thread's core.
func (t *Topology) CoreOf(thread int) int {
	if thread < 0 || thread >= len(t.core) {
		return -1
	}
	return t.core[thread]
}

// SMT reports whether every core runs two threads.
func (t *Topology) SMT() bool {
	return t.Threads == 2*t.Cores
}

// Consistent reports whether the thread and core counts match one of the
// supported layouts (SMT off or 2-way SMT).
func (t *Topology) Consistent() bool {
	return t.Threads == t.Cores || t.Threads == 2*t.Cores
}

// CacheLeaders returns the lowest thread of every L3 domain, ascending.
func (t *Topology) CacheLeaders() []int {
	seen := make(map[int]struct{})
	var leaders []int
	for _, c := range t.cache {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		leaders = append(leaders, c)
	}
	sort.Ints(leaders)
	return leaders
}

// FromCounts builds a topology from counts alone. With 2-way SMT threads
// 2k and 2k+1 are assumed to be siblings and even threads are canonical.
// With any other ratio every thread is canonical.
func FromCounts(threads, cores int) *Topology {
	if cores <= 0 {
		cores = threads
	}
	t := &Topology{
		Threads:   threads,
		Cores:     cores,
		core:      make([]int, threads),
		cache:     make([]int, threads),
		canonical: make([]bool, threads),
	}
	smt := threads == 2*cores
	for i := 0; i < threads; i++ {
		if smt {
			t.core[i] = i &^ 1
			t.canonical[i] = i%2 == 0
		} else {
			t.core[i] = i
			t.canonical[i] = true
		}
	}
	return t
}

// Probe reads the topology from sysfs, falling back to CPUID counts.
func Probe() (*Topology, error) {
	t, err := probeFrom("/sys")
	if err == nil {
		return t, nil
	}
	threads, cores := cpuid.CPU.LogicalCores, cpuid.CPU.PhysicalCores
	if threads <= 0 {
		return nil, fmt.Errorf("probe topology: %w", err)
	}
	return FromCounts(threads, cores), nil
}

func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// parseCPUList parses the kernel cpulist format ("0-3,8,10-11") into a
// sorted slice.
func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("cpu list %q: %w", s, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("cpu list %q: %w", s, err)
			}
		}
		for c := start; c <= end; c++ {
			out = append(out, c)
		}
	}
	sort.Ints(out)
	return out, nil
}
