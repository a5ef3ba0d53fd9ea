//go:build !linux

package msr

import "fmt"

// DefaultDevicePattern is unused outside Linux.
const DefaultDevicePattern = ""

// DevicePort is unavailable on this platform.
type DevicePort struct{}

// Open always fails on platforms without the Linux msr driver.
func Open(string) (*DevicePort, error) {
	return nil, fmt.Errorf("%w: msr device access requires linux", ErrDriverMissing)
}

func (*DevicePort) ReadRegister(uint32) (uint64, error) { return 0, ErrDriverMissing }
func (*DevicePort) WriteRegister(uint32, uint64) error  { return ErrDriverMissing }
func (*DevicePort) PinAffinity(uint64) error            { return ErrDriverMissing }
func (*DevicePort) ReleaseAffinity() error              { return nil }
func (*DevicePort) Close() error                        { return nil }
