// Package scenario names a set of core counter events and encodes them for
// the running CPU family.
package scenario

import (
	"errors"
	"fmt"
	"sort"

	"pmc_exporter/internal/config"
	"pmc_exporter/internal/pmu"
)

// ErrUnknownScenario is returned for a scenario name with no definition.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is a named set of up to six programmable counter events.
type Scenario interface {
	Name() string
	// Labels names each counter slot; unused slots are empty.
	Labels() [pmu.MaxCounters]string
	// Selectors returns the control register values for profile.
	Selectors(profile *pmu.Profile) ([pmu.MaxCounters]uint64, error)
}

// Counter is one event of a scenario.
type Counter struct {
	Label    string
	Selector pmu.Selector
}

// Static is a Scenario with a fixed list of counters.
type Static struct {
	name     string
	counters []Counter
}

// New returns a Static scenario. It fails on more than six counters.
func New(name string, counters []Counter) (*Static, error) {
	if len(counters) > pmu.MaxCounters {
		return nil, fmt.Errorf("scenario %q: %d counters, at most %d", name, len(counters), pmu.MaxCounters)
	}
	return &Static{name: name, counters: counters}, nil
}

func (s *Static) Name() string { return s.name }

func (s *Static) Labels() [pmu.MaxCounters]string {
	var labels [pmu.MaxCounters]string
	for i, c := range s.counters {
		labels[i] = c.Label
	}
	return labels
}

// Selectors encodes every counter with the profile's core layout. Counters
// beyond what the family implements are dropped with an error, so a
// scenario never silently loses events.
func (s *Static) Selectors(profile *pmu.Profile) ([pmu.MaxCounters]uint64, error) {
	var out [pmu.MaxCounters]uint64
	if len(s.counters) > profile.Registers.Counters {
		return out, fmt.Errorf("scenario %q needs %d counters, %s has %d",
			s.name, len(s.counters), profile.Family, profile.Registers.Counters)
	}
	for i, c := range s.counters {
		out[i] = c.Selector.Encode(profile.Core)
	}
	return out, nil
}

// event is a selector counting in both privilege modes.
func event(num uint16, umask uint8) pmu.Selector {
	return pmu.Selector{Event: num, UnitMask: umask, User: true, OS: true, Enable: true}
}

// builtin is a predefined scenario whose event numbers differ between AMD
// and Intel, so it is resolved per profile. Both vendors share the labels.
type builtin struct {
	name   string
	labels []string
	amd    []pmu.Selector
	intel  []pmu.Selector
}

func (b builtin) Name() string { return b.name }

func (b builtin) Labels() [pmu.MaxCounters]string {
	var labels [pmu.MaxCounters]string
	copy(labels[:], b.labels)
	return labels
}

func (b builtin) counters(profile *pmu.Profile) []Counter {
	sels := b.amd
	if profile.Family == pmu.FamilyIntel {
		sels = b.intel
	}
	out := make([]Counter, len(sels))
	for i, sel := range sels {
		out[i] = Counter{Label: b.labels[i], Selector: sel}
	}
	return out
}

func (b builtin) Selectors(profile *pmu.Profile) ([pmu.MaxCounters]uint64, error) {
	s, err := New(b.name, b.counters(profile))
	if err != nil {
		return [pmu.MaxCounters]uint64{}, err
	}
	return s.Selectors(profile)
}

// Built-in scenarios, four events each so they fit every family.
var builtins = map[string]builtin{
	// Default: clocks, instructions and branches.
	"ipc": {
		name:   "ipc",
		labels: []string{"Cycles", "Instructions", "Branches", "Branch Mispredicts"},
		amd:    []pmu.Selector{event(0x76, 0x00), event(0xC0, 0x00), event(0xC2, 0x00), event(0xC3, 0x00)},
		intel:  []pmu.Selector{event(0x3C, 0x00), event(0xC0, 0x00), event(0xC4, 0x00), event(0xC5, 0x00)},
	},
	// Retired branch mix and frontend redirects. On AMD a resteer is a
	// decoder override of the branch predictor, on Intel BACLEARS.ANY.
	"branch": {
		name:   "branch",
		labels: []string{"Branches", "Branch Mispredicts", "Taken Branches", "Frontend Resteers"},
		amd:    []pmu.Selector{event(0xC2, 0x00), event(0xC3, 0x00), event(0xC4, 0x00), event(0x91, 0x00)},
		intel:  []pmu.Selector{event(0xC4, 0x00), event(0xC5, 0x00), event(0xC4, 0x20), event(0xE6, 0x01)},
	},
	// L2 requests and misses split by instruction fetch and demand data.
	"l2": {
		name:   "l2",
		labels: []string{"L2 Code Requests", "L2 Code Misses", "L2 Data Requests", "L2 Data Misses"},
		amd:    []pmu.Selector{event(0x64, 0x07), event(0x64, 0x01), event(0x64, 0xF8), event(0x64, 0x08)},
		intel:  []pmu.Selector{event(0x24, 0xE4), event(0x24, 0x24), event(0x24, 0xE1), event(0x24, 0x21)},
	},
}

// Builtins returns the names of the predefined scenarios.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig builds the scenario the sampler configuration names.
func FromConfig(cfg *config.SamplerConfig) (Scenario, error) {
	if b, ok := builtins[cfg.Scenario]; ok {
		return b, nil
	}
	switch cfg.Scenario {
	case "custom":
		counters := make([]Counter, 0, len(cfg.Counters))
		for i, c := range cfg.Counters {
			sel, err := selectorFromConfig(c)
			if err != nil {
				return nil, fmt.Errorf("sampler.counters[%d]: %w", i, err)
			}
			counters = append(counters, Counter{Label: c.Label, Selector: sel})
		}
		return New("custom", counters)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, cfg.Scenario)
}

func selectorFromConfig(c config.CounterConfig) (pmu.Selector, error) {
	scope, err := pmu.ParseScope(c.Scope)
	if err != nil {
		return pmu.Selector{}, err
	}
	return pmu.Selector{
		Event:     c.Event,
		UnitMask:  c.UnitMask,
		User:      !c.ExcludeUser,
		OS:        !c.ExcludeOS,
		Edge:      c.Edge,
		Invert:    c.Invert,
		CountMask: c.CountMask,
		Scope:     scope,
		Enable:    true,
	}, nil
}
