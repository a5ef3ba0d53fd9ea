package topology

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// probeFrom is Probe against an arbitrary sysfs root. Threads are the
// consecutive CPUs from cpu0 that expose a topology directory; offline
// CPUs end the range.
func probeFrom(sysRoot string) (*Topology, error) {
	fs, err := sysfs.NewFS(sysRoot)
	if err != nil {
		return nil, fmt.Errorf("open sysfs: %w", err)
	}
	cpus, err := fs.CPUs()
	if err != nil {
		return nil, fmt.Errorf("list cpus: %w", err)
	}

	siblingLists := make(map[int]string, len(cpus))
	for _, cpu := range cpus {
		n, err := strconv.Atoi(cpu.Number())
		if err != nil {
			continue
		}
		ct, err := cpu.Topology()
		if err != nil {
			continue
		}
		siblingLists[n] = ct.ThreadSiblingsList
	}
	threads := 0
	for {
		if _, ok := siblingLists[threads]; !ok {
			break
		}
		threads++
	}
	cpuBase := filepath.Join(sysRoot, "devices/system/cpu")
	if threads == 0 {
		return nil, fmt.Errorf("no cpu topology under %s", cpuBase)
	}

	t := &Topology{
		Threads:   threads,
		core:      make([]int, threads),
		cache:     make([]int, threads),
		canonical: make([]bool, threads),
	}
	cores := make(map[int]struct{})
	for i := 0; i < threads; i++ {
		siblings, err := parseCPUList(strings.TrimSpace(siblingLists[i]))
		if err != nil || len(siblings) == 0 {
			siblings = []int{i}
		}
		t.core[i] = siblings[0]
		t.canonical[i] = siblings[0] == i
		cores[siblings[0]] = struct{}{}

		// The L3 sharing list is not part of the sysfs CPU topology.
		dir := filepath.Join(cpuBase, "cpu"+strconv.Itoa(i))
		shared, err := parseCPUList(readSysfsString(filepath.Join(dir, "cache/index3/shared_cpu_list")))
		if err != nil || len(shared) == 0 {
			t.cache[i] = 0
		} else {
			t.cache[i] = shared[0]
		}
	}
	t.Cores = len(cores)
	return t, nil
}
