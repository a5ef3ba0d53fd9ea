// Package msr provides access to model-specific registers on a chosen
// logical CPU.
package msr

import (
	"errors"
	"fmt"
)

// MaxThreads is the number of logical CPUs an affinity mask can address.
const MaxThreads = 64

var (
	// ErrAccessDenied means the process lacks the privilege to touch MSRs.
	ErrAccessDenied = errors.New("msr access denied")
	// ErrDriverMissing means the msr device or driver is not available.
	ErrDriverMissing = errors.New("msr driver missing")
	// ErrUnsupportedRegister means the CPU rejected the register address.
	ErrUnsupportedRegister = errors.New("unsupported register")
	// ErrNotPinned means a register was accessed without pinning first.
	ErrNotPinned = errors.New("no logical CPU pinned")
)

// Port reads and writes registers on the logical CPU selected by the last
// PinAffinity call. Implementations report failures synchronously and never
// retry. A Port is bound to the goroutine that pinned it until released.
type Port interface {
	ReadRegister(address uint32) (uint64, error)
	WriteRegister(address uint32, value uint64) error
	PinAffinity(mask uint64) error
	ReleaseAffinity() error
	Close() error
}

// Mask returns the affinity mask selecting a single logical thread.
func Mask(thread int) (uint64, error) {
	if thread < 0 || thread >= MaxThreads {
		return 0, fmt.Errorf("thread %d outside affinity mask range [0,%d)", thread, MaxThreads)
	}
	return uint64(1) << thread, nil
}

// Pin pins the calling goroutine to thread and returns the func that undoes
// it. Callers defer the release so affinity is restored on every path.
func Pin(p Port, thread int) (release func() error, err error) {
	mask, err := Mask(thread)
	if err != nil {
		return nil, err
	}
	if err := p.PinAffinity(mask); err != nil {
		return nil, fmt.Errorf("pin thread %d: %w", thread, err)
	}
	return p.ReleaseAffinity, nil
}

// ReadAndClear reads a programmable counter and zeroes it.
func ReadAndClear(p Port, address uint32) (uint64, error) {
	v, err := p.ReadRegister(address)
	if err != nil {
		return 0, err
	}
	if err := p.WriteRegister(address, 0); err != nil {
		return 0, err
	}
	return v, nil
}

// IsFatal reports whether err means register access cannot work for the
// rest of the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrDriverMissing) ||
		errors.Is(err, ErrUnsupportedRegister)
}
