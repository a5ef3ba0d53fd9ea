package pmu

// FieldID names one semantic field of a counter control register.
type FieldID int

const (
	EventLow FieldID = iota
	UnitMask
	Privilege // 2-bit combined mode: 1 = user only, 2 = OS only, 0/3 = both
	User
	OS
	Edge
	PinControl
	Interrupt
	AnyThread
	Enable
	Invert
	CountMask
	EventHigh
	EventHigh2
	HostGuest // 2-bit combined mode: 1 = guest only, 2 = host only
	Host
	Guest
	SliceMask
	ThreadMask
	CoreID
	AllSlices
	AllCores
	SliceID
	UnitMaskHigh

	fieldCount
)

var fieldNames = [fieldCount]string{
	EventLow:     "event_low",
	UnitMask:     "unit_mask",
	Privilege:    "privilege",
	User:         "user",
	OS:           "os",
	Edge:         "edge",
	PinControl:   "pin_control",
	Interrupt:    "interrupt",
	AnyThread:    "any_thread",
	Enable:       "enable",
	Invert:       "invert",
	CountMask:    "count_mask",
	EventHigh:    "event_high",
	EventHigh2:   "event_high2",
	HostGuest:    "host_guest",
	Host:         "host",
	Guest:        "guest",
	SliceMask:    "slice_mask",
	ThreadMask:   "thread_mask",
	CoreID:       "core_id",
	AllSlices:    "all_slices",
	AllCores:     "all_cores",
	SliceID:      "slice_id",
	UnitMaskHigh: "unit_mask_high",
}

func (id FieldID) String() string {
	if id < 0 || id >= fieldCount {
		return "unknown"
	}
	return fieldNames[id]
}

// Field is the bit geometry of one field. A zero Width means the layout
// does not carry the field.
type Field struct {
	Shift uint8
	Width uint8
}

// Mask returns the in-place bit mask of the field.
func (f Field) Mask() uint64 {
	if f.Width == 0 {
		return 0
	}
	return (uint64(1)<<f.Width - 1) << f.Shift
}

// Layout maps semantic fields to bit positions for one register kind on
// one CPU family.
type Layout struct {
	Name   string
	fields [fieldCount]Field
}

// Has reports whether the layout carries the field.
func (l *Layout) Has(id FieldID) bool {
	return l.fields[id].Width > 0
}

// Field returns the geometry of id.
func (l *Layout) Field(id FieldID) Field {
	return l.fields[id]
}

// Set packs v into the field id of word. Bits of v beyond the field width
// are dropped. Fields the layout does not carry leave word untouched.
func (l *Layout) Set(word uint64, id FieldID, v uint64) uint64 {
	f := l.fields[id]
	if f.Width == 0 {
		return word
	}
	mask := uint64(1)<<f.Width - 1
	return word&^(mask<<f.Shift) | (v&mask)<<f.Shift
}

// SetFlag packs a single boolean field.
func (l *Layout) SetFlag(word uint64, id FieldID, on bool) uint64 {
	if !on {
		return word
	}
	return l.Set(word, id, 1)
}

// newLayout builds a layout from a field table, panicking on overlapping
// fields so a broken table fails at init rather than on hardware.
func newLayout(name string, fields map[FieldID]Field) *Layout {
	l := &Layout{Name: name}
	var used uint64
	for id, f := range fields {
		m := f.Mask()
		if used&m != 0 {
			panic("pmu: overlapping field " + id.String() + " in layout " + name)
		}
		used |= m
		l.fields[id] = f
	}
	return l
}
