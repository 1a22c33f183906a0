//go:build !linux

package netutil

import (
	"fmt"
	"net"
	"net/netip"
)

// HardwareAddrForIP needs the kernel neighbor table; only the linux
// implementation has it.
func HardwareAddrForIP(addr netip.Addr, iface string) (net.HardwareAddr, error) {
	return nil, fmt.Errorf("%w: %s (neighbor lookup unsupported on this platform)", ErrNoNeighbor, addr)
}
