package counter

// Key identifies one fixed counter on one logical thread.
type Key struct {
	Thread   int
	Register uint32
}

// State holds the last raw value observed for each fixed counter. An absent
// entry means no prior sample. State is not safe for concurrent use; the
// owner serializes access.
type State struct {
	last map[Key]uint64
}

// NewState returns an empty State.
func NewState() *State {
	return &State{last: make(map[Key]uint64)}
}

// Observe records value for (thread, register) and returns the elapsed
// count since the previous observation.
func (s *State) Observe(thread int, register uint32, value uint64) uint64 {
	return s.ObserveWidth(thread, register, value, 64)
}

// ObserveWidth is Observe for counters narrower than 64 bits.
func (s *State) ObserveWidth(thread int, register uint32, value uint64, bits uint) uint64 {
	k := Key{thread, register}
	elapsed := ElapsedWidth(value, s.last[k], bits)
	s.last[k] = value
	return elapsed
}

// Prime stores a baseline without producing an elapsed count.
func (s *State) Prime(thread int, register uint32, value uint64) {
	s.last[Key{thread, register}] = value
}

// Last returns the stored value, if any.
func (s *State) Last(thread int, register uint32) (uint64, bool) {
	v, ok := s.last[Key{thread, register}]
	return v, ok
}

// Primed reports whether any register of thread has a baseline.
func (s *State) Primed(thread int) bool {
	for k := range s.last {
		if k.Thread == thread {
			return true
		}
	}
	return false
}

// Forget drops every baseline of thread.
func (s *State) Forget(thread int) {
	for k := range s.last {
		if k.Thread == thread {
			delete(s.last, k)
		}
	}
}

// Reset drops all baselines.
func (s *State) Reset() {
	clear(s.last)
}

// Len returns the number of tracked (thread, register) pairs.
func (s *State) Len() int {
	return len(s.last)
}
