// Package counter turns raw counter samples into elapsed counts and
// per-interval rates.
package counter

import "math"

// Elapsed returns the count accumulated by a free-running 64-bit counter
// between two samples, assuming at most one wrap.
//
// A first sample has a previous value of zero and yields current. A counter
// that really read zero last time gives the same result, which is correct
// unless it wrapped all the way around in between. The wrap branch subtracts
// from MaxUint64, so a wrapped interval is under-reported by one count
// relative to the modular difference.
func Elapsed(current, previous uint64) uint64 {
	if current >= previous {
		return current - previous
	}
	return current + (math.MaxUint64 - previous)
}

// ElapsedWidth applies the Elapsed policy to a counter that is only bits
// wide, such as the 32-bit energy status registers. Bits above the width
// are ignored.
func ElapsedWidth(current, previous uint64, bits uint) uint64 {
	if bits >= 64 {
		return Elapsed(current, previous)
	}
	mask := uint64(1)<<bits - 1
	current &= mask
	previous &= mask
	if current >= previous {
		return current - previous
	}
	return current + (mask - previous)
}
