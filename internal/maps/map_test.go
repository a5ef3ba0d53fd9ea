package maps

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	keySpace = 256 // logical threads on a large part
)

// --- RWMutexMap (Benchmark Baseline Only) ---

type RWMutexMap[K Integer, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewRWMutexMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &RWMutexMap[K, V]{m: make(map[K]V)}
}
func (m *RWMutexMap[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.m[key]
	return val, ok
}
func (m *RWMutexMap[K, V]) Store(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
}
func (m *RWMutexMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
}
func (m *RWMutexMap[K, V]) LoadAndDelete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, exists := m.m[key]
	if exists {
		delete(m.m, key)
	}
	return val, exists
}
func (m *RWMutexMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.m[key]; ok {
		return val, true
	}
	val := valueFactory()
	m.m[key] = val
	return val, false
}
func (m *RWMutexMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldVal, exists := m.m[key]
	newVal, keep := updateFunc(oldVal, exists)
	if keep {
		m.m[key] = newVal
	} else {
		delete(m.m, key)
	}
}
func (m *RWMutexMap[K, V]) Range(f func(key K, value V) bool) {
	m.mu.RLock()
	copiedMap := make(map[K]V, len(m.m))
	for k, v := range m.m {
		copiedMap[k] = v
	}
	m.mu.RUnlock()

	for k, v := range copiedMap {
		if !f(k, v) {
			return
		}
	}
}

type snapshot struct {
	thread int
	rate   float64
}

func implementations() []struct {
	name string
	m    ConcurrentMap[int, snapshot]
} {
	return []struct {
		name string
		m    ConcurrentMap[int, snapshot]
	}{
		{"Default", NewConcurrentMap[int, snapshot]()},
		{"XSyncMapV4", NewXSyncMap[int, snapshot]()},
		{"ShardedMap", NewShardedMap[int, snapshot]()},
		{"CornelkHashMap", NewCornelkMap[int, snapshot]()},
		{"SyncMap", NewStdSyncMap[int, snapshot]()},
		{"RWMutexMap", NewRWMutexMap[int, snapshot]()},
	}
}

// TestConcurrentMapContract checks every implementation against the same
// sequence of operations.
func TestConcurrentMapContract(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m

			if _, ok := m.Load(1); ok {
				t.Fatal("Expected empty map")
			}

			m.Store(1, snapshot{1, 10})
			if v, ok := m.Load(1); !ok || v.rate != 10 {
				t.Errorf("Load after Store = %v, %v", v, ok)
			}

			calls := 0
			factory := func() snapshot { calls++; return snapshot{2, 20} }
			v, loaded := m.LoadOrStore(2, factory)
			if loaded || v.rate != 20 {
				t.Errorf("LoadOrStore on missing key = %v, loaded=%v", v, loaded)
			}
			v, loaded = m.LoadOrStore(2, factory)
			if !loaded || v.rate != 20 {
				t.Errorf("LoadOrStore on present key = %v, loaded=%v", v, loaded)
			}
			if calls != 1 {
				t.Errorf("Expected factory to run once, ran %d times", calls)
			}

			m.Update(1, func(old snapshot, exists bool) (snapshot, bool) {
				if !exists {
					t.Error("Expected key 1 to exist in Update")
				}
				old.rate *= 2
				return old, true
			})
			if v, _ := m.Load(1); v.rate != 20 {
				t.Errorf("Expected updated rate 20, got %v", v.rate)
			}

			m.Update(2, func(old snapshot, exists bool) (snapshot, bool) { return old, false })
			if _, ok := m.Load(2); ok {
				t.Error("Expected Update with keep=false to delete")
			}

			m.Store(3, snapshot{3, 30})
			seen := 0
			m.Range(func(k int, v snapshot) bool {
				if k != v.thread {
					t.Errorf("Range key %d carries thread %d", k, v.thread)
				}
				seen++
				return true
			})
			if seen != 2 {
				t.Errorf("Range saw %d entries, want 2", seen)
			}

			if v, ok := m.LoadAndDelete(3); !ok || v.rate != 30 {
				t.Errorf("LoadAndDelete = %v, %v", v, ok)
			}
			m.Delete(1)
			if _, ok := m.Load(1); ok {
				t.Error("Expected key 1 deleted")
			}
		})
	}
}

func TestNewConcurrentMapOf(t *testing.T) {
	for _, impl := range Implementations {
		m, err := NewConcurrentMapOf[int, snapshot](impl)
		if err != nil {
			t.Fatalf("NewConcurrentMapOf(%q): %v", impl, err)
		}
		m.Store(4, snapshot{4, 40})
		if v, ok := m.Load(4); !ok || v.rate != 40 {
			t.Errorf("%s: Load after Store = %v, %v", impl, v, ok)
		}
	}

	if _, ok := mustMap(t, "").(*XSyncMap[int, snapshot]); !ok {
		t.Error("Expected empty name to select the xsync map")
	}
	if _, ok := mustMap(t, Cornelk).(*CornelkMap[int, snapshot]); !ok {
		t.Error("Expected cornelk name to select the cornelk map")
	}

	if _, err := NewConcurrentMapOf[int, snapshot]("btree"); err == nil {
		t.Error("Expected error for unknown implementation")
	}
	if Valid("btree") || !Valid("") || !Valid(Sharded) {
		t.Error("Valid disagrees with NewConcurrentMapOf")
	}
}

func mustMap(t *testing.T, impl string) ConcurrentMap[int, snapshot] {
	t.Helper()
	m, err := NewConcurrentMapOf[int, snapshot](impl)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// TestConcurrentPublish stores snapshots from one writer while readers
// range over the map, the sampler/scrape pattern.
func TestConcurrentPublish(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m
			var wg sync.WaitGroup
			stop := make(chan struct{})

			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						m.Range(func(k int, v snapshot) bool { return k == v.thread })
					}
				}()
			}

			for tick := 0; tick < 100; tick++ {
				for thread := 0; thread < 16; thread++ {
					m.Store(thread, snapshot{thread, float64(tick)})
				}
			}
			close(stop)
			wg.Wait()

			for thread := 0; thread < 16; thread++ {
				if v, ok := m.Load(thread); !ok || v.rate != 99 {
					t.Errorf("thread %d: got %v, %v", thread, v, ok)
				}
			}
		})
	}
}

// --- Benchmark Runners ---

// runPublishBenchmark simulates one sampler storing snapshots while scrapes read them.
func runPublishBenchmark(b *testing.B, bm ConcurrentMap[int, snapshot], readRatio int, parallelism int) {
	for i := 0; i < keySpace; i++ {
		bm.Store(i, snapshot{thread: i})
	}
	b.ResetTimer()
	b.SetParallelism(parallelism)
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := r.Intn(keySpace)
			if r.Intn(100) < readRatio {
				_, _ = bm.Load(key)
			} else {
				bm.Store(key, snapshot{thread: key, rate: r.Float64()})
			}
		}
	})
}

// runFailureCountBenchmark simulates per-thread failure counters.
func runFailureCountBenchmark(b *testing.B, bm ConcurrentMap[int, *atomic.Int64], parallelism int) {
	b.ResetTimer()
	b.SetParallelism(parallelism)
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		factory := func() *atomic.Int64 { return new(atomic.Int64) }
		for pb.Next() {
			counter, _ := bm.LoadOrStore(r.Intn(keySpace), factory)
			counter.Add(1)
		}
	})
}

func BenchmarkMaps(b *testing.B) {
	b.Run("Pattern_Publish_ReadMostly", func(b *testing.B) {
		for _, impl := range implementations() {
			b.Run(impl.name, func(b *testing.B) {
				runPublishBenchmark(b, impl.m, 90, 1)
			})
		}
	})

	b.Run("Pattern_LoadOrStore_Counters", func(b *testing.B) {
		maps := []struct {
			name string
			m    ConcurrentMap[int, *atomic.Int64]
		}{
			{"XSyncMapV4", NewXSyncMap[int, *atomic.Int64]()},
			{"ShardedMap", NewShardedMap[int, *atomic.Int64]()},
			{"CornelkHashMap", NewCornelkMap[int, *atomic.Int64]()},
			{"SyncMap", NewStdSyncMap[int, *atomic.Int64]()},
			{"RWMutexMap", NewRWMutexMap[int, *atomic.Int64]()},
		}
		for _, mt := range maps {
			b.Run(mt.name, func(b *testing.B) {
				runFailureCountBenchmark(b, mt.m, 2)
			})
		}
	})
}
