// Package msrtest provides an in-memory msr.Port for tests.
package msrtest

import (
	"fmt"
	"math/bits"
	"sync"

	"pmc_exporter/internal/msr"
)

// Write records one WriteRegister call.
type Write struct {
	CPU     int
	Address uint32
	Value   uint64
}

type regKey struct {
	cpu  int
	addr uint32
}

// Port is a fake register file per logical CPU. Registers read as zero until
// set. Failures can be injected per (cpu, address); cpu -1 matches any CPU.
type Port struct {
	mu       sync.Mutex
	threads  int
	regs     map[regKey]uint64
	readErr  map[regKey]error
	writeErr map[regKey]error
	pinErr   map[int]error
	pinned   int
	writes   []Write
	pins     int
	releases int
	closed   bool

	// OnRead, if set, runs before every read with the lock released and may
	// call Set to simulate counters advancing.
	OnRead func(cpu int, address uint32)
}

var _ msr.Port = (*Port)(nil)

// New returns a Port with the given number of logical CPUs.
func New(threads int) *Port {
	return &Port{
		threads:  threads,
		regs:     make(map[regKey]uint64),
		readErr:  make(map[regKey]error),
		writeErr: make(map[regKey]error),
		pinErr:   make(map[int]error),
		pinned:   -1,
	}
}

// Set stores a register value.
func (p *Port) Set(cpu int, address uint32, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[regKey{cpu, address}] = value
}

// Get returns a register value.
func (p *Port) Get(cpu int, address uint32) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs[regKey{cpu, address}]
}

// FailRead makes reads of address on cpu return err.
func (p *Port) FailRead(cpu int, address uint32, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr[regKey{cpu, address}] = err
}

// FailWrite makes writes to address on cpu return err.
func (p *Port) FailWrite(cpu int, address uint32, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr[regKey{cpu, address}] = err
}

// FailPin makes pinning cpu return err.
func (p *Port) FailPin(cpu int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinErr[cpu] = err
}

// ClearFailures removes every injected failure.
func (p *Port) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.readErr)
	clear(p.writeErr)
	clear(p.pinErr)
}

// Pinned returns the pinned CPU, or -1.
func (p *Port) Pinned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned
}

// Writes returns a copy of every write so far.
func (p *Port) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// WritesTo returns the values written to address on cpu, in order.
func (p *Port) WritesTo(cpu int, address uint32) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint64
	for _, w := range p.writes {
		if w.CPU == cpu && w.Address == address {
			out = append(out, w.Value)
		}
	}
	return out
}

// PinCounts returns how many times PinAffinity and ReleaseAffinity succeeded.
func (p *Port) PinCounts() (pins, releases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins, p.releases
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) lookupErr(m map[regKey]error, cpu int, address uint32) error {
	if err, ok := m[regKey{cpu, address}]; ok {
		return err
	}
	return m[regKey{-1, address}]
}

// ReadRegister implements msr.Port.
func (p *Port) ReadRegister(address uint32) (uint64, error) {
	p.mu.Lock()
	cpu := p.pinned
	hook := p.OnRead
	p.mu.Unlock()
	if cpu < 0 {
		return 0, msr.ErrNotPinned
	}
	if hook != nil {
		hook(cpu, address)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lookupErr(p.readErr, cpu, address); err != nil {
		return 0, err
	}
	return p.regs[regKey{cpu, address}], nil
}

// WriteRegister implements msr.Port.
func (p *Port) WriteRegister(address uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned < 0 {
		return msr.ErrNotPinned
	}
	if err := p.lookupErr(p.writeErr, p.pinned, address); err != nil {
		return err
	}
	p.regs[regKey{p.pinned, address}] = value
	p.writes = append(p.writes, Write{CPU: p.pinned, Address: address, Value: value})
	return nil
}

// PinAffinity implements msr.Port. The lowest set bit selects the CPU.
func (p *Port) PinAffinity(mask uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mask == 0 {
		return fmt.Errorf("empty affinity mask")
	}
	cpu := bits.TrailingZeros64(mask)
	if cpu >= p.threads {
		return fmt.Errorf("%w: cpu %d not present", msr.ErrDriverMissing, cpu)
	}
	if err, ok := p.pinErr[cpu]; ok {
		return err
	}
	p.pinned = cpu
	p.pins++
	return nil
}

// ReleaseAffinity implements msr.Port.
func (p *Port) ReleaseAffinity() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned >= 0 {
		p.releases++
	}
	p.pinned = -1
	return nil
}

// Close implements msr.Port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned = -1
	p.closed = true
	return nil
}
