package counter

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Normalizer computes per-thread scaling factors that convert a count taken
// over an arbitrary wall-clock interval into a count per reference interval.
type Normalizer struct {
	clock     clock.Clock
	reference time.Duration
	last      map[int]time.Time
	factor    map[int]float64
}

// NewNormalizer returns a Normalizer that scales to reference (one second
// yields per-second rates).
func NewNormalizer(c clock.Clock, reference time.Duration) *Normalizer {
	if reference <= 0 {
		reference = time.Second
	}
	return &Normalizer{
		clock:     c,
		reference: reference,
		last:      make(map[int]time.Time),
		factor:    make(map[int]float64),
	}
}

// Factor returns reference / elapsed since the previous call for key and
// restarts the interval. The first call for a key returns 1. If the clock
// did not advance the previous factor is reused, so the result is always
// strictly positive.
func (n *Normalizer) Factor(key int) float64 {
	now := n.clock.Now()
	prev, seen := n.last[key]
	if !seen {
		n.last[key] = now
		n.factor[key] = 1
		return 1
	}

	elapsed := now.Sub(prev)
	if elapsed <= 0 {
		return n.factor[key]
	}
	n.last[key] = now
	f := float64(n.reference) / float64(elapsed)
	n.factor[key] = f
	return f
}

// Forget drops the interval start of key; the next Factor call returns 1.
func (n *Normalizer) Forget(key int) {
	delete(n.last, key)
	delete(n.factor, key)
}

// Reset forgets every key.
func (n *Normalizer) Reset() {
	clear(n.last)
	clear(n.factor)
}
