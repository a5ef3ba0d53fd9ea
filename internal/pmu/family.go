package pmu

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// MaxCounters is the number of programmable core counters a scenario can
// request. Families with fewer slots ignore the excess.
const MaxCounters = 6

// MaxFabricCounters is the number of northbridge / data fabric counters.
const MaxFabricCounters = 4

// HWCRInstructionsRetired enables the fixed retired-instructions counter on
// AMD family 17h and later.
const HWCRInstructionsRetired = uint64(1) << 30

// IntelFixedCounterControl enables fixed counters 0-2 in both OS and user mode.
const IntelFixedCounterControl = uint64(0x333)

// ErrUnsupportedFamily is returned when the CPU has no known counter layout.
var ErrUnsupportedFamily = errors.New("unsupported CPU family")

// Family is the closed set of supported microarchitecture families.
type Family int

const (
	FamilyUnknown   Family = iota
	FamilyK10              // AMD 10h
	FamilyBulldozer        // AMD 15h
	FamilyJaguar           // AMD 16h
	FamilyZen              // AMD 17h, Hygon 18h
	FamilyZen3             // AMD 19h
	FamilyZen5             // AMD 1Ah
	FamilyIntel            // architectural perfmon v2+
)

func (f Family) String() string {
	switch f {
	case FamilyK10:
		return "k10"
	case FamilyBulldozer:
		return "bulldozer"
	case FamilyJaguar:
		return "jaguar"
	case FamilyZen:
		return "zen"
	case FamilyZen3:
		return "zen3"
	case FamilyZen5:
		return "zen5"
	case FamilyIntel:
		return "intel"
	default:
		return "unknown"
	}
}

// Registers is the MSR address table for one family. A zero address marks a
// register the family does not implement (TSC lives at 0x10, so zero is
// never a real address here).
type Registers struct {
	TSC          uint32
	APERF        uint32
	MPERF        uint32
	Instructions uint32
	HWCR         uint32
	GlobalCtrl   uint32
	FixedCtrCtrl uint32

	Counters int
	PerfCtl  [MaxCounters]uint32
	PerfCtr  [MaxCounters]uint32

	CacheCounters int
	CacheCtl      [MaxCounters]uint32
	CacheCtr      [MaxCounters]uint32

	FabricCounters int
	FabricCtl      [MaxFabricCounters]uint32
	FabricCtr      [MaxFabricCounters]uint32

	PowerUnit     uint32
	CoreEnergy    uint32
	PackageEnergy uint32
}

// Profile bundles everything family-specific: layouts and addresses.
type Profile struct {
	Family    Family
	Vendor    string
	Core      *Layout
	Cache     *Layout // nil when the family has no cache counters
	Fabric    *Layout // nil when the family has no fabric counters
	Registers Registers
}

// GlobalEnable returns the IA32_PERF_GLOBAL_CTRL value that enables every
// general purpose counter plus fixed counters 0-2.
func (p *Profile) GlobalEnable() uint64 {
	return uint64(1)<<p.Registers.Counters - 1 | uint64(7)<<32
}

// ProfileFor returns the profile for f.
func ProfileFor(f Family) (*Profile, error) {
	switch f {
	case FamilyK10:
		r := Registers{TSC: 0x10, HWCR: 0xC0010015, Counters: 4}
		r.PerfCtl, r.PerfCtr = split(0xC0010000, 0xC0010004, 4)
		return &Profile{Family: f, Vendor: "AMD", Core: legacyAMDCoreLayout, Registers: r}, nil

	case FamilyBulldozer:
		r := Registers{TSC: 0x10, APERF: 0xC00000E8, MPERF: 0xC00000E7, HWCR: 0xC0010015, Counters: 6, FabricCounters: 4}
		r.PerfCtl, r.PerfCtr = pairs(0xC0010200, 6)
		r.FabricCtl, r.FabricCtr = fabricPairs(0xC0010240)
		return &Profile{Family: f, Vendor: "AMD", Core: legacyAMDCoreLayout, Fabric: northbridgeLayout, Registers: r}, nil

	case FamilyJaguar:
		r := Registers{TSC: 0x10, APERF: 0xE8, MPERF: 0xE7, HWCR: 0xC0010015, Counters: 4, CacheCounters: 4, FabricCounters: 4}
		r.PerfCtl, r.PerfCtr = split(0xC0010000, 0xC0010004, 4)
		r.CacheCtl, r.CacheCtr = pairs(0xC0010230, 4)
		r.FabricCtl, r.FabricCtr = fabricPairs(0xC0010240)
		return &Profile{Family: f, Vendor: "AMD", Core: legacyAMDCoreLayout, Cache: jaguarL2ILayout, Fabric: northbridgeLayout, Registers: r}, nil

	case FamilyZen, FamilyZen3, FamilyZen5:
		r := zenRegisters()
		p := &Profile{Family: f, Vendor: "AMD", Registers: r}
		switch f {
		case FamilyZen:
			p.Core, p.Cache, p.Fabric = zenCoreLayout, zenL3Layout, zenFabricLayout
		case FamilyZen3:
			p.Core, p.Cache, p.Fabric = zen3CoreLayout, zen3L3Layout, zen4FabricLayout
		default:
			p.Core, p.Cache, p.Fabric = zen3CoreLayout, zen5L3Layout, zen4FabricLayout
		}
		return p, nil

	case FamilyIntel:
		r := Registers{
			TSC:           0x10,
			APERF:         0xE8,
			MPERF:         0xE7,
			Instructions:  0x309,
			GlobalCtrl:    0x38F,
			FixedCtrCtrl:  0x38D,
			Counters:      4,
			PowerUnit:     0x606,
			PackageEnergy: 0x611,
		}
		r.PerfCtl, r.PerfCtr = split(0x186, 0x4C1, 4)
		return &Profile{Family: f, Vendor: "Intel", Core: intelCoreLayout, Registers: r}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, f)
}

func zenRegisters() Registers {
	r := Registers{
		TSC:            0x10,
		APERF:          0xC00000E8,
		MPERF:          0xC00000E7,
		Instructions:   0xC00000E9,
		HWCR:           0xC0010015,
		Counters:       6,
		CacheCounters:  6,
		FabricCounters: 4,
		PowerUnit:      0xC0010299,
		CoreEnergy:     0xC001029A,
		PackageEnergy:  0xC001029B,
	}
	r.PerfCtl, r.PerfCtr = pairs(0xC0010200, 6)
	r.CacheCtl, r.CacheCtr = pairs(0xC0010230, 6)
	r.FabricCtl, r.FabricCtr = fabricPairs(0xC0010240)
	return r
}

// pairs lays out interleaved control/counter registers starting at base.
func pairs(base uint32, n int) (ctl, ctr [MaxCounters]uint32) {
	for i := 0; i < n; i++ {
		ctl[i] = base + uint32(2*i)
		ctr[i] = base + uint32(2*i) + 1
	}
	return ctl, ctr
}

func fabricPairs(base uint32) (ctl, ctr [MaxFabricCounters]uint32) {
	for i := 0; i < MaxFabricCounters; i++ {
		ctl[i] = base + uint32(2*i)
		ctr[i] = base + uint32(2*i) + 1
	}
	return ctl, ctr
}

// split lays out control and counter registers as two contiguous banks.
func split(ctlBase, ctrBase uint32, n int) (ctl, ctr [MaxCounters]uint32) {
	for i := 0; i < n; i++ {
		ctl[i] = ctlBase + uint32(i)
		ctr[i] = ctrBase + uint32(i)
	}
	return ctl, ctr
}

// EnergyUnit decodes the joules-per-count scale from a RAPL power unit
// register value (bits 12:8).
func EnergyUnit(powerUnit uint64) float64 {
	return math.Pow(0.5, float64((powerUnit>>8)&0x1F))
}

// Detect identifies the running CPU's family via CPUID.
func Detect() (Family, error) {
	return classify(cpuid.CPU.VendorID, cpuid.CPU.Family)
}

func classify(vendor cpuid.Vendor, family int) (Family, error) {
	switch vendor {
	case cpuid.AMD, cpuid.Hygon:
		switch family {
		case 0x10:
			return FamilyK10, nil
		case 0x15:
			return FamilyBulldozer, nil
		case 0x16:
			return FamilyJaguar, nil
		case 0x17, 0x18:
			return FamilyZen, nil
		case 0x19:
			return FamilyZen3, nil
		case 0x1A:
			return FamilyZen5, nil
		}
	case cpuid.Intel:
		if family == 6 {
			return FamilyIntel, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("%w: vendor %v family %#x", ErrUnsupportedFamily, vendor, family)
}

// Lookup resolves a configured family name. "auto" and "" run Detect.
func Lookup(name string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return Detect()
	case "k10", "10h":
		return FamilyK10, nil
	case "bulldozer", "piledriver", "15h":
		return FamilyBulldozer, nil
	case "jaguar", "16h":
		return FamilyJaguar, nil
	case "zen", "zen1", "zen2", "17h", "hygon", "18h":
		return FamilyZen, nil
	case "zen3", "zen4", "19h":
		return FamilyZen3, nil
	case "zen5", "1ah":
		return FamilyZen5, nil
	case "intel":
		return FamilyIntel, nil
	}
	return FamilyUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFamily, name)
}
