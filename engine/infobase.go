package engine

import (
	"github.com/mit-ll/dlep/dataitem"
)

// DestinationData is one destination's stored state within a scope.
type DestinationData struct {
	MAC    dataitem.MAC
	Items  []dataitem.DataItem
	Remote bool // true when the destination was learned from the peer
	Up     bool
}

// PeerData is one scope of the information base: the destinations owned
// by a peer (or by the local node for the synthetic "self" peer) plus
// the peer-level data items (default metrics and IP addresses).
//
// PeerData is not goroutine safe; the engine mutex guards all access.
type PeerData struct {
	destinations map[string]*DestinationData
	items        []dataitem.DataItem
}

func newPeerData() *PeerData {
	return &PeerData{destinations: make(map[string]*DestinationData)}
}

// AddDestination inserts a destination.  It returns false when the MAC
// already exists in this scope.
func (pd *PeerData) AddDestination(mac dataitem.MAC, items []dataitem.DataItem, remote bool) bool {
	key := mac.Key()
	if _, exists := pd.destinations[key]; exists {
		return false
	}
	pd.destinations[key] = &DestinationData{
		MAC:    mac.Clone(),
		Items:  append([]dataitem.DataItem(nil), items...),
		Remote: remote,
		Up:     true,
	}
	return true
}

// RemoveDestination deletes a destination, reporting whether it existed.
func (pd *PeerData) RemoveDestination(mac dataitem.MAC) bool {
	key := mac.Key()
	if _, exists := pd.destinations[key]; !exists {
		return false
	}
	delete(pd.destinations, key)
	return true
}

// GetDestination returns the destination's data, or nil.
func (pd *PeerData) GetDestination(mac dataitem.MAC) *DestinationData {
	return pd.destinations[mac.Key()]
}

// HasDestination reports whether the MAC exists in this scope.
func (pd *PeerData) HasDestination(mac dataitem.MAC) bool {
	_, ok := pd.destinations[mac.Key()]
	return ok
}

// UpdateDestination merges update items into a destination's stored
// items.  It returns false when the MAC is not present.
func (pd *PeerData) UpdateDestination(mac dataitem.MAC, updates []dataitem.DataItem) bool {
	dd, ok := pd.destinations[mac.Key()]
	if !ok {
		return false
	}
	dd.Items = mergeItems(dd.Items, updates)
	return true
}

// UpdateItems merges update items into the peer-level data items.
func (pd *PeerData) UpdateItems(updates []dataitem.DataItem) {
	pd.items = mergeItems(pd.items, updates)
}

// Items returns a copy of the peer-level data items.
func (pd *PeerData) Items() []dataitem.DataItem {
	return append([]dataitem.DataItem(nil), pd.items...)
}

// SetItems replaces the peer-level data items.
func (pd *PeerData) SetItems(items []dataitem.DataItem) {
	pd.items = append([]dataitem.DataItem(nil), items...)
}

// Destinations returns the MACs in this scope.
func (pd *PeerData) Destinations() []dataitem.MAC {
	out := make([]dataitem.MAC, 0, len(pd.destinations))
	for _, dd := range pd.destinations {
		out = append(out, dd.MAC)
	}
	return out
}

// FindIPDataItem reports whether any destination in this scope, or the
// peer-level items, hold an IP equal to di's.
func (pd *PeerData) FindIPDataItem(di dataitem.DataItem) bool {
	if dataitem.FindIPDataItem(pd.items, di) >= 0 {
		return true
	}
	for _, dd := range pd.destinations {
		if dataitem.FindIPDataItem(dd.Items, di) >= 0 {
			return true
		}
	}
	return false
}

// mergeItems applies updates to items: IP-bearing updates add or drop
// the matching address, everything else replaces any item with the same
// id or appends.
func mergeItems(items, updates []dataitem.DataItem) []dataitem.DataItem {
	for _, up := range updates {
		if up.IsIP() {
			idx := dataitem.FindIPDataItem(items, up)
			if up.IPFlags() == dataitem.IPFlagAdd {
				if idx < 0 {
					items = append(items, up)
				}
			} else if idx >= 0 {
				items = append(items[:idx], items[idx+1:]...)
			}
			continue
		}
		replaced := false
		for i := range items {
			if items[i].ID == up.ID {
				items[i] = up
				replaced = true
				break
			}
		}
		if !replaced {
			items = append(items, up)
		}
	}
	return items
}
