//go:build linux

package msr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math/bits"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultDevicePattern is the msr driver's per-CPU device node.
const DefaultDevicePattern = "/dev/cpu/%d/msr"

// DevicePort implements Port on top of the Linux msr driver. Pinning locks
// the calling goroutine to its OS thread and sets that thread's affinity;
// release restores the affinity captured by the first pin.
type DevicePort struct {
	pattern string

	mu     sync.Mutex
	files  map[int]*os.File
	pinned bool
	cpu    int
	saved  unix.CPUSet
}

// Open checks that the msr device for CPU 0 exists and returns a port.
// Device files are opened lazily per CPU.
func Open(pattern string) (*DevicePort, error) {
	if pattern == "" {
		pattern = DefaultDevicePattern
	}
	if _, err := os.Stat(fmt.Sprintf(pattern, 0)); err != nil {
		return nil, mapError(err)
	}
	return &DevicePort{pattern: pattern, files: make(map[int]*os.File)}, nil
}

// PinAffinity implements Port.
func (p *DevicePort) PinAffinity(mask uint64) error {
	if mask == 0 {
		return errors.New("empty affinity mask")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	first := !p.pinned
	if first {
		runtime.LockOSThread()
		if err := unix.SchedGetaffinity(0, &p.saved); err != nil {
			runtime.UnlockOSThread()
			return mapError(err)
		}
	}

	var set unix.CPUSet
	set.Zero()
	for m := mask; m != 0; m &= m - 1 {
		set.Set(bits.TrailingZeros64(m))
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		if first {
			runtime.UnlockOSThread()
		}
		return mapError(err)
	}
	p.pinned = true
	p.cpu = bits.TrailingZeros64(mask)
	return nil
}

// ReleaseAffinity implements Port. Releasing an unpinned port is a no-op.
func (p *DevicePort) ReleaseAffinity() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pinned {
		return nil
	}
	err := unix.SchedSetaffinity(0, &p.saved)
	p.pinned = false
	runtime.UnlockOSThread()
	if err != nil {
		return mapError(err)
	}
	return nil
}

// ReadRegister implements Port.
func (p *DevicePort) ReadRegister(address uint32) (uint64, error) {
	f, err := p.current()
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := unix.Pread(int(f.Fd()), buf[:], int64(address)); err != nil {
		return 0, fmt.Errorf("read %#x: %w", address, mapError(err))
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteRegister implements Port.
func (p *DevicePort) WriteRegister(address uint32, value uint64) error {
	f, err := p.current()
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := unix.Pwrite(int(f.Fd()), buf[:], int64(address)); err != nil {
		return fmt.Errorf("write %#x: %w", address, mapError(err))
	}
	return nil
}

// Close releases affinity and closes every device file.
func (p *DevicePort) Close() error {
	relErr := p.ReleaseAffinity()

	p.mu.Lock()
	defer p.mu.Unlock()
	var closeErr error
	for cpu, f := range p.files {
		if err := f.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		delete(p.files, cpu)
	}
	if relErr != nil {
		return relErr
	}
	return closeErr
}

func (p *DevicePort) current() (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pinned {
		return nil, ErrNotPinned
	}
	if f, ok := p.files[p.cpu]; ok {
		return f, nil
	}
	f, err := os.OpenFile(fmt.Sprintf(p.pattern, p.cpu), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open msr device for cpu %d: %w", p.cpu, mapError(err))
	}
	p.files[p.cpu] = f
	return f, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%w: %v", ErrDriverMissing, err)
	case errors.Is(err, unix.EIO):
		return fmt.Errorf("%w: %v", ErrUnsupportedRegister, err)
	}
	return err
}
