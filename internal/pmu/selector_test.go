package pmu

import (
	"testing"

	"github.com/klauspost/cpuid/v2"
	"github.com/stretchr/testify/require"
)

func bits(positions ...uint) uint64 {
	var v uint64
	for _, p := range positions {
		v |= uint64(1) << p
	}
	return v
}

// TestSelectorBitIsolation flips one semantic input at a time and checks that
// exactly the bits of that field change.
func TestSelectorBitIsolation(t *testing.T) {
	type flip struct {
		name string
		mut  func(*Selector)
		want uint64
	}
	common := func(hostBit, guestBit uint) []flip {
		return []flip{
			{"event low bit", func(s *Selector) { s.Event ^= 0x01 }, bits(0)},
			{"event high bit", func(s *Selector) { s.Event ^= 0x100 }, bits(32)},
			{"unit mask", func(s *Selector) { s.UnitMask ^= 0x80 }, bits(15)},
			{"user", func(s *Selector) { s.User = !s.User }, bits(16)},
			{"os", func(s *Selector) { s.OS = !s.OS }, bits(17)},
			{"edge", func(s *Selector) { s.Edge = !s.Edge }, bits(18)},
			{"interrupt", func(s *Selector) { s.Interrupt = !s.Interrupt }, bits(20)},
			{"enable", func(s *Selector) { s.Enable = !s.Enable }, bits(22)},
			{"invert", func(s *Selector) { s.Invert = !s.Invert }, bits(23)},
			{"count mask", func(s *Selector) { s.CountMask ^= 0x81 }, bits(24, 31)},
			{"host", func(s *Selector) { s.Scope = ScopeHost }, bits(hostBit)},
			{"guest", func(s *Selector) { s.Scope = ScopeGuest }, bits(guestBit)},
		}
	}

	tests := []struct {
		name   string
		layout *Layout
		flips  []flip
	}{
		// Legacy AMD 2-bit host/guest: guest = 01, host = 10 at bit 40.
		{"k10", legacyAMDCoreLayout, common(41, 40)},
		{"zen", zenCoreLayout, common(40, 41)},
		{"zen3", zen3CoreLayout, common(41, 40)},
		{"intel", intelCoreLayout, []flip{
			{"event low bit", func(s *Selector) { s.Event ^= 0x01 }, bits(0)},
			{"unit mask", func(s *Selector) { s.UnitMask ^= 0x01 }, bits(8)},
			{"user", func(s *Selector) { s.User = !s.User }, bits(16)},
			{"os", func(s *Selector) { s.OS = !s.OS }, bits(17)},
			{"edge", func(s *Selector) { s.Edge = !s.Edge }, bits(18)},
			{"pin control", func(s *Selector) { s.PinControl = !s.PinControl }, bits(19)},
			{"interrupt", func(s *Selector) { s.Interrupt = !s.Interrupt }, bits(20)},
			{"any thread", func(s *Selector) { s.AnyThread = !s.AnyThread }, bits(21)},
			{"enable", func(s *Selector) { s.Enable = !s.Enable }, bits(22)},
			{"invert", func(s *Selector) { s.Invert = !s.Invert }, bits(23)},
			{"count mask", func(s *Selector) { s.CountMask ^= 0x01 }, bits(24)},
			{"event high ignored", func(s *Selector) { s.Event ^= 0x100 }, 0},
			{"host ignored", func(s *Selector) { s.Scope = ScopeHost }, 0},
		}},
	}

	for _, tt := range tests {
		for _, f := range tt.flips {
			t.Run(tt.name+"/"+f.name, func(t *testing.T) {
				base := Selector{}
				flipped := base
				f.mut(&flipped)
				got := base.Encode(tt.layout) ^ flipped.Encode(tt.layout)
				require.Equal(t, f.want, got, "changed bits %#x", got)
			})
		}
	}
}

func TestLegacyPrivilegeMode(t *testing.T) {
	l := legacyAMDCoreLayout
	require.Equal(t, uint64(0), Selector{}.Encode(l))
	require.Equal(t, uint64(1)<<16, Selector{User: true}.Encode(l))
	require.Equal(t, uint64(2)<<16, Selector{OS: true}.Encode(l))
	require.Equal(t, uint64(3)<<16, Selector{User: true, OS: true}.Encode(l))
	require.Equal(t, uint64(3)<<40, Selector{Scope: ScopeAllSVM}.Encode(l))
}

func TestSelectorRetiredInstructions(t *testing.T) {
	// Event 0xC0 retired instructions, user+os, enabled.
	s := Selector{Event: 0xC0, User: true, OS: true, Enable: true}
	require.Equal(t, uint64(0x4300C0), s.Encode(zenCoreLayout))
	require.Equal(t, uint64(0x4300C0), s.Encode(legacyAMDCoreLayout))
	require.Equal(t, uint64(0x4300C0), s.Encode(intelCoreLayout))
}

func TestValuesTruncatedToFieldWidth(t *testing.T) {
	// Event bits beyond 12 have nowhere to go on the core layout.
	s := Selector{Event: 0xF0C0}
	require.Equal(t, uint64(0xC0), s.Encode(zenCoreLayout))
}

func TestCacheSelectorBitIsolation(t *testing.T) {
	tests := []struct {
		name   string
		layout *Layout
		mut    func(*CacheSelector)
		want   uint64
	}{
		{"zen slice mask", zenL3Layout, func(s *CacheSelector) { s.SliceMask = 0xF }, bits(48, 49, 50, 51)},
		{"zen slice mask truncated", zenL3Layout, func(s *CacheSelector) { s.SliceMask = 0x10 }, 0},
		{"zen thread mask", zenL3Layout, func(s *CacheSelector) { s.ThreadMask = 0x81 }, bits(56, 63)},
		{"zen core id ignored", zenL3Layout, func(s *CacheSelector) { s.CoreID = 1 }, 0},
		{"zen3 core id", zen3L3Layout, func(s *CacheSelector) { s.CoreID = 7 }, bits(42, 43, 44)},
		{"zen3 core id truncated", zen3L3Layout, func(s *CacheSelector) { s.CoreID = 8 }, 0},
		{"zen5 core id", zen5L3Layout, func(s *CacheSelector) { s.CoreID = 8 }, bits(45)},
		{"zen3 all slices", zen3L3Layout, func(s *CacheSelector) { s.AllSlices = true }, bits(46)},
		{"zen3 all cores", zen3L3Layout, func(s *CacheSelector) { s.AllCores = true }, bits(47)},
		{"zen3 slice id", zen3L3Layout, func(s *CacheSelector) { s.SliceID = 5 }, bits(48, 50)},
		{"zen3 slice mask ignored", zen3L3Layout, func(s *CacheSelector) { s.SliceMask = 0xF }, 0},
		{"zen3 thread mask truncated", zen3L3Layout, func(s *CacheSelector) { s.ThreadMask = 0xFF }, 0x300000000000000},
		{"zen5 thread mask truncated", zen5L3Layout, func(s *CacheSelector) { s.ThreadMask = 0xFF }, bits(56, 57)},
		{"jaguar bank mask", jaguarL2ILayout, func(s *CacheSelector) { s.SliceMask = 0x80 }, bits(55)},
		{"jaguar invert", jaguarL2ILayout, func(s *CacheSelector) { s.Invert = true }, bits(23)},
		{"jaguar event high", jaguarL2ILayout, func(s *CacheSelector) { s.Event = 0x800 }, bits(35)},
		{"enable", zen5L3Layout, func(s *CacheSelector) { s.Enable = true }, bits(22)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s CacheSelector
			tt.mut(&s)
			require.Equal(t, tt.want, s.Encode(tt.layout)^CacheSelector{}.Encode(tt.layout))
		})
	}
}

func TestFabricSelectorLayouts(t *testing.T) {
	tests := []struct {
		name   string
		layout *Layout
		sel    FabricSelector
		want   uint64
	}{
		{"northbridge event high", northbridgeLayout, FabricSelector{Event: 0x1E0, Enable: true}, 0xE0 | 1<<22 | 1<<32},
		{"zen df event high2", zenFabricLayout, FabricSelector{Event: 0x3007}, 0x07 | 3<<59},
		{"zen df umask high ignored", zenFabricLayout, FabricSelector{UnitMask: 0xF00}, 0},
		{"zen4 df umask high", zen4FabricLayout, FabricSelector{UnitMask: 0xA38}, 0x38<<8 | 0xA<<24},
		{"zen4 df event high", zen4FabricLayout, FabricSelector{Event: 0x3F1F}, 0x1F | 0x3F<<32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.sel.Encode(tt.layout))
		})
	}
}

func TestOverlappingLayoutPanics(t *testing.T) {
	require.Panics(t, func() {
		newLayout("broken", map[FieldID]Field{User: {16, 2}, OS: {17, 1}})
	})
}

func TestProfiles(t *testing.T) {
	p, err := ProfileFor(FamilyZen3)
	require.NoError(t, err)
	require.Equal(t, uint32(0xC0010200), p.Registers.PerfCtl[0])
	require.Equal(t, uint32(0xC001020B), p.Registers.PerfCtr[5])
	require.Equal(t, uint32(0xC001023B), p.Registers.CacheCtr[5])
	require.Equal(t, uint32(0xC0010246), p.Registers.FabricCtl[3])

	p, err = ProfileFor(FamilyJaguar)
	require.NoError(t, err)
	require.Equal(t, 4, p.Registers.Counters)
	require.Equal(t, uint32(0xC0010003), p.Registers.PerfCtl[3])
	require.Equal(t, uint32(0xC0010007), p.Registers.PerfCtr[3])

	p, err = ProfileFor(FamilyIntel)
	require.NoError(t, err)
	require.Equal(t, uint32(0x189), p.Registers.PerfCtl[3])
	require.Equal(t, uint32(0x4C4), p.Registers.PerfCtr[3])
	require.Equal(t, uint64(0x70000000F), p.GlobalEnable())

	_, err = ProfileFor(FamilyUnknown)
	require.ErrorIs(t, err, ErrUnsupportedFamily)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		vendor cpuid.Vendor
		family int
		want   Family
	}{
		{cpuid.AMD, 0x10, FamilyK10},
		{cpuid.AMD, 0x15, FamilyBulldozer},
		{cpuid.AMD, 0x16, FamilyJaguar},
		{cpuid.AMD, 0x17, FamilyZen},
		{cpuid.Hygon, 0x18, FamilyZen},
		{cpuid.AMD, 0x19, FamilyZen3},
		{cpuid.AMD, 0x1A, FamilyZen5},
		{cpuid.Intel, 6, FamilyIntel},
	}
	for _, tt := range tests {
		got, err := classify(tt.vendor, tt.family)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}

	_, err := classify(cpuid.AMD, 0x12)
	require.ErrorIs(t, err, ErrUnsupportedFamily)
	_, err = Lookup("zen4")
	require.NoError(t, err)
	_, err = Lookup("sparc")
	require.ErrorIs(t, err, ErrUnsupportedFamily)
}

func TestEnergyUnit(t *testing.T) {
	// Zen reports 0x10 (bits 12:8) = 2^-16 J.
	require.InDelta(t, 1.0/65536, EnergyUnit(0x000A1003), 1e-12)
}
