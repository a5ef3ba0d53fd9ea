//go:build !linux

package topology

import "fmt"

func probeFrom(sysRoot string) (*Topology, error) {
	return nil, fmt.Errorf("sysfs topology is only available on linux, not under %s", sysRoot)
}
