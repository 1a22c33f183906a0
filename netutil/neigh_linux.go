//go:build linux

package netutil

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// HardwareAddrForIP resolves an IP neighbor to its MAC address through
// the kernel neighbor table on the given interface.  A session peer's
// TCP address resolves this way to the MAC a modem advertises for it.
func HardwareAddrForIP(addr netip.Addr, iface string) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", iface, err)
	}
	family := netlink.FAMILY_V4
	if addr.Is6() {
		family = netlink.FAMILY_V6
	}
	neighs, err := netlink.NeighList(link.Attrs().Index, family)
	if err != nil {
		return nil, err
	}
	want := addr.WithZone("").Unmap()
	for _, n := range neighs {
		got, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		if got.Unmap() == want && len(n.HardwareAddr) > 0 {
			return n.HardwareAddr, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrNoNeighbor, addr, iface)
}
