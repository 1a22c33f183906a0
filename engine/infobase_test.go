package engine

import (
	"net/netip"
	"testing"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/protocfg"
)

func ipItem(id protocfg.DataItemID, flags uint8, addr string) dataitem.DataItem {
	return dataitem.DataItem{
		ID:    id,
		Value: dataitem.U8IPv4{Flags: flags, Addr: netip.MustParseAddr(addr)},
	}
}

func TestPeerDataDestinations(t *testing.T) {
	pd := newPeerData()
	mac := dataitem.MAC{1, 2, 3, 4, 5, 6}

	if !pd.AddDestination(mac, nil, false) {
		t.Fatal("first add failed")
	}
	if pd.AddDestination(mac, nil, false) {
		t.Fatal("duplicate add succeeded")
	}
	if !pd.HasDestination(mac) {
		t.Fatal("destination missing")
	}
	if !pd.RemoveDestination(mac) {
		t.Fatal("remove failed")
	}
	if pd.RemoveDestination(mac) {
		t.Fatal("second remove succeeded")
	}
	if pd.UpdateDestination(mac, nil) {
		t.Fatal("update of absent destination succeeded")
	}
}

func TestPeerDataMerge(t *testing.T) {
	pd := newPeerData()
	mac := dataitem.MAC{1, 2, 3, 4, 5, 6}
	pd.AddDestination(mac, []dataitem.DataItem{
		{ID: 20, Value: dataitem.U16(1500)},
	}, false)

	// Non-IP items replace by id.
	pd.UpdateDestination(mac, []dataitem.DataItem{{ID: 20, Value: dataitem.U16(1400)}})
	dd := pd.GetDestination(mac)
	if len(dd.Items) != 1 || dd.Items[0].Value != dataitem.Value(dataitem.U16(1400)) {
		t.Errorf("replace by id: %+v", dd.Items)
	}

	// IP adds append; IP drops remove the matching address.
	add := ipItem(8, 1, "10.0.0.1")
	pd.UpdateDestination(mac, []dataitem.DataItem{add})
	if len(pd.GetDestination(mac).Items) != 2 {
		t.Error("IP add not stored")
	}
	// A second add of the same address does not duplicate it.
	pd.UpdateDestination(mac, []dataitem.DataItem{add})
	if len(pd.GetDestination(mac).Items) != 2 {
		t.Error("IP add duplicated")
	}
	if !pd.FindIPDataItem(add) {
		t.Error("IP not findable")
	}
	drop := ipItem(8, 0, "10.0.0.1")
	pd.UpdateDestination(mac, []dataitem.DataItem{drop})
	if len(pd.GetDestination(mac).Items) != 1 {
		t.Error("IP drop not applied")
	}
	if pd.FindIPDataItem(add) {
		t.Error("IP still findable after drop")
	}
}

func TestPeerDataItems(t *testing.T) {
	pd := newPeerData()
	pd.SetItems([]dataitem.DataItem{{ID: 16, Value: dataitem.U64(100)}})
	pd.UpdateItems([]dataitem.DataItem{
		{ID: 16, Value: dataitem.U64(200)},
		ipItem(8, 1, "192.0.2.7"),
	})
	items := pd.Items()
	if len(items) != 2 {
		t.Fatalf("items: %+v", items)
	}
	if items[0].Value != dataitem.Value(dataitem.U64(200)) {
		t.Error("metric not replaced:", items[0])
	}
	if !pd.FindIPDataItem(ipItem(8, 0, "192.0.2.7")) {
		t.Error("peer-level IP not findable")
	}
}
