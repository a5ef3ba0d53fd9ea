package pmu

import (
	"fmt"
	"strings"
)

// Scope restricts counting to host or guest execution under SVM.
type Scope uint8

const (
	ScopeAll Scope = iota
	ScopeGuest
	ScopeHost
	ScopeAllSVM // both host and guest bits set
)

// ParseScope converts a configuration string into a Scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return ScopeAll, nil
	case "guest":
		return ScopeGuest, nil
	case "host":
		return ScopeHost, nil
	case "all_svm", "svm":
		return ScopeAllSVM, nil
	default:
		return ScopeAll, fmt.Errorf("unknown host/guest scope %q", s)
	}
}

func (s Scope) String() string {
	switch s {
	case ScopeGuest:
		return "guest"
	case ScopeHost:
		return "host"
	case ScopeAllSVM:
		return "all_svm"
	default:
		return "all"
	}
}

// Selector describes a core counter event selection. Event carries the full
// event number; the low byte and the high bits are split across the
// layout's event fields.
type Selector struct {
	Event     uint16
	UnitMask  uint8
	User      bool
	OS        bool
	Edge      bool
	Interrupt bool
	Enable    bool
	Invert    bool
	CountMask uint8
	Scope     Scope

	// Only meaningful on Intel layouts.
	PinControl bool
	AnyThread  bool
}

// Encode packs the selector into a control register value for layout l.
// No check is made that the event exists on the target silicon.
func (s Selector) Encode(l *Layout) uint64 {
	var w uint64
	w = packSplit(l, w, uint64(s.Event), EventLow, EventHigh, EventHigh2)
	w = l.Set(w, UnitMask, uint64(s.UnitMask))

	if l.Has(Privilege) {
		var mode uint64
		if s.User {
			mode |= 1
		}
		if s.OS {
			mode |= 2
		}
		w = l.Set(w, Privilege, mode)
	} else {
		w = l.SetFlag(w, User, s.User)
		w = l.SetFlag(w, OS, s.OS)
	}

	w = l.SetFlag(w, Edge, s.Edge)
	w = l.SetFlag(w, PinControl, s.PinControl)
	w = l.SetFlag(w, Interrupt, s.Interrupt)
	w = l.SetFlag(w, AnyThread, s.AnyThread)
	w = l.SetFlag(w, Enable, s.Enable)
	w = l.SetFlag(w, Invert, s.Invert)
	w = l.Set(w, CountMask, uint64(s.CountMask))

	if l.Has(HostGuest) {
		w = l.Set(w, HostGuest, uint64(s.Scope))
	} else {
		w = l.SetFlag(w, Guest, s.Scope == ScopeGuest || s.Scope == ScopeAllSVM)
		w = l.SetFlag(w, Host, s.Scope == ScopeHost || s.Scope == ScopeAllSVM)
	}
	return w
}

// CacheSelector describes an L3 (or Jaguar L2I) counter event selection.
// SliceMask doubles as the L2I bank mask.
type CacheSelector struct {
	Event      uint16
	UnitMask   uint8
	Enable     bool
	Invert     bool
	CountMask  uint8
	SliceMask  uint8
	ThreadMask uint8
	CoreID     uint8
	SliceID    uint8
	AllSlices  bool
	AllCores   bool
}

// Encode packs the selector into a control register value for layout l.
func (s CacheSelector) Encode(l *Layout) uint64 {
	var w uint64
	w = packSplit(l, w, uint64(s.Event), EventLow, EventHigh)
	w = l.Set(w, UnitMask, uint64(s.UnitMask))
	w = l.SetFlag(w, Enable, s.Enable)
	w = l.SetFlag(w, Invert, s.Invert)
	w = l.Set(w, CountMask, uint64(s.CountMask))
	w = l.Set(w, SliceMask, uint64(s.SliceMask))
	w = l.Set(w, ThreadMask, uint64(s.ThreadMask))
	w = l.Set(w, CoreID, uint64(s.CoreID))
	w = l.SetFlag(w, AllSlices, s.AllSlices)
	w = l.SetFlag(w, AllCores, s.AllCores)
	w = l.Set(w, SliceID, uint64(s.SliceID))
	return w
}

// FabricSelector describes a northbridge or data fabric event selection.
// UnitMask may exceed one byte on layouts with a high unit mask field.
type FabricSelector struct {
	Event    uint16
	UnitMask uint16
	Enable   bool
}

// Encode packs the selector into a control register value for layout l.
func (s FabricSelector) Encode(l *Layout) uint64 {
	var w uint64
	w = packSplit(l, w, uint64(s.Event), EventLow, EventHigh, EventHigh2)
	w = packSplit(l, w, uint64(s.UnitMask), UnitMask, UnitMaskHigh)
	w = l.SetFlag(w, Enable, s.Enable)
	return w
}

// packSplit spreads v across ids in order, low bits first.
func packSplit(l *Layout, w, v uint64, ids ...FieldID) uint64 {
	for _, id := range ids {
		f := l.fields[id]
		if f.Width == 0 {
			continue
		}
		w = l.Set(w, id, v)
		v >>= f.Width
	}
	return w
}
