package maps

import "fmt"

// Implementation names accepted by NewConcurrentMapOf.
const (
	XSync   = "xsync"
	Sharded = "sharded"
	Cornelk = "cornelk"
	Sync    = "sync"
)

// DefaultImplementation backs NewConcurrentMap and an empty selection.
const DefaultImplementation = XSync

// Implementations lists every selectable implementation.
var Implementations = []string{XSync, Sharded, Cornelk, Sync}

// Integer is a constraint that permits any integer type.
// All integer types are comparable.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap defines a generic, thread-safe map interface for integer keys.
// The sampler publishes per-thread snapshots through it and the collectors
// read them during scrapes, so the implementation can be swapped without
// touching either side.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	LoadOrStore(key K, valueFactory func() V) (actual V, loaded bool)
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
}

// NewConcurrentMap returns the default implementation.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	return NewXSyncMap[K, V]()
}

// NewConcurrentMapOf returns the implementation named impl. An empty name
// selects DefaultImplementation.
func NewConcurrentMapOf[K Integer, V any](impl string) (ConcurrentMap[K, V], error) {
	switch impl {
	case XSync, "":
		return NewXSyncMap[K, V](), nil
	case Sharded:
		return NewShardedMap[K, V](), nil
	case Cornelk:
		return NewCornelkMap[K, V](), nil
	case Sync:
		return NewStdSyncMap[K, V](), nil
	default:
		return nil, fmt.Errorf("unknown map implementation %q, want one of %v", impl, Implementations)
	}
}

// Valid reports whether impl is accepted by NewConcurrentMapOf.
func Valid(impl string) bool {
	if impl == "" {
		return true
	}
	for _, name := range Implementations {
		if impl == name {
			return true
		}
	}
	return false
}
