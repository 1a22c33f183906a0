package dataitem

import "net/netip"

// IPFlags is the add/drop flag carried by IP-bearing data items.
type IPFlags uint8

const (
	// IPFlagNone is the drop flag value of an IP-bearing data item, and
	// also what data items with no IP address report.
	IPFlagNone IPFlags = 0
	// IPFlagAdd means the IP address is being added, not dropped.
	IPFlagAdd IPFlags = 1
)

// IPFlags returns the add/drop flag of an IP-bearing data item.  The
// draft-8 subnet shapes have no flag byte; they are always adds.
// Non-IP data items return IPFlagNone.
func (di DataItem) IPFlags() IPFlags {
	switch v := di.Value.(type) {
	case U8IPv4:
		return IPFlags(v.Flags) & IPFlagAdd
	case U8IPv6:
		return IPFlags(v.Flags) & IPFlagAdd
	case U8IPv4U8:
		return IPFlags(v.Flags) & IPFlagAdd
	case U8IPv6U8:
		return IPFlags(v.Flags) & IPFlagAdd
	case IPv4U8, IPv6U8:
		return IPFlagAdd
	}
	return IPFlagNone
}

// ipInfo extracts the address-and-prefix portion of an IP-bearing value.
// ok is false for non-IP values.
func (di DataItem) ipInfo() (addr netip.Addr, prefix uint8, ok bool) {
	switch v := di.Value.(type) {
	case U8IPv4:
		return v.Addr, 32, true
	case U8IPv6:
		return v.Addr, 128, true
	case IPv4U8:
		return v.Addr, v.Prefix, true
	case IPv6U8:
		return v.Addr, v.Prefix, true
	case U8IPv4U8:
		return v.Addr, v.Prefix, true
	case U8IPv6U8:
		return v.Addr, v.Prefix, true
	}
	return netip.Addr{}, 0, false
}

// IsIP reports whether the data item carries an IP address.  Note that
// IPFlags alone cannot tell a drop (flag 0) from a non-IP item.
func (di DataItem) IsIP() bool {
	_, _, ok := di.ipInfo()
	return ok
}

// IPEqual compares only the IP-and-prefix portion of two IP-bearing
// data items, ignoring the add/drop flag.  It returns false if either
// item is not IP-bearing or the value types differ.
func (di DataItem) IPEqual(other DataItem) bool {
	if di.Value.Type() != other.Value.Type() {
		return false
	}
	a1, p1, ok := di.ipInfo()
	if !ok {
		return false
	}
	a2, p2, _ := other.ipInfo()
	return a1 == a2 && p1 == p2
}

// FindIPDataItem returns the index in items of a data item whose IP
// information equals di's, or -1 if there is none.
func FindIPDataItem(items []DataItem, di DataItem) int {
	for i := range items {
		if di.IPEqual(items[i]) {
			return i
		}
	}
	return -1
}
