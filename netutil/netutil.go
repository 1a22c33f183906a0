// Package netutil holds the small pile of address and interface
// helpers the engine needs: multicast-friendly UDP listeners, interface
// address lookup for building connection points, and neighbor-table MAC
// resolution for destination advertisement.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Lookup errors.
var (
	ErrNoAddress  = errors.New("interface has no usable address")
	ErrNoNeighbor = errors.New("no neighbor entry for address")
)

// ListenMulticastUDP opens a UDP socket bound to the wildcard address
// on the given port with address reuse enabled, so several workers (and
// several processes on one host) can share a multicast port.
func ListenMulticastUDP(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listener is %T, not *net.UDPConn", pc)
	}
	return conn, nil
}

// InterfaceAddr returns an address of the named interface: the first
// global unicast address of the requested family, falling back to
// link-local for IPv6.
func InterfaceAddr(name string, want6 bool) (netip.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}
	var linkLocal netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() == want6 {
			continue
		}
		if addr.IsGlobalUnicast() {
			return addr, nil
		}
		if want6 && addr.IsLinkLocalUnicast() && !linkLocal.IsValid() {
			linkLocal = addr.WithZone(name)
		}
	}
	if linkLocal.IsValid() {
		return linkLocal, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddress, name)
}

// WithScopeFrom copies the zone of src onto addr when addr is an IPv6
// link-local address without one.  Peer offers carry link-local
// addresses without scope ids; the scope comes from the packet source.
func WithScopeFrom(addr netip.Addr, src netip.Addr) netip.Addr {
	if addr.Is6() && addr.IsLinkLocalUnicast() && addr.Zone() == "" && src.Zone() != "" {
		return addr.WithZone(src.Zone())
	}
	return addr
}
