package dataitem_test

import (
	"net/netip"
	"testing"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/protocfg"
)

func TestValidateTypeMismatch(t *testing.T) {
	cfg := loadConfig(t)
	id, err := cfg.DataItemID(protocfg.DILatency, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Latency is configured u64; store a u8.
	di := dataitem.DataItem{ID: id, Value: dataitem.U8(3)}
	if err := di.Validate(cfg, nil); err == nil {
		t.Fatal("type mismatch accepted")
	}
}

func TestValidatePercentage(t *testing.T) {
	cfg := loadConfig(t)
	for _, tc := range []struct {
		val uint8
		ok  bool
	}{{0, true}, {55, true}, {100, true}, {101, false}, {255, false}} {
		di, err := dataitem.New(protocfg.DIResources, dataitem.U8(tc.val), cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		err = di.Validate(cfg, nil)
		if (err == nil) != tc.ok {
			t.Errorf("resources=%d: err=%v, want ok=%v", tc.val, err, tc.ok)
		}
	}
}

func TestValidatePrefixBounds(t *testing.T) {
	cfg := loadConfig(t)
	v4 := netip.MustParseAddr("10.0.0.0")
	v6 := netip.MustParseAddr("2001:db8::")

	for _, tc := range []struct {
		prefix uint8
		ok     bool
	}{{0, true}, {24, true}, {32, true}, {33, false}, {255, false}} {
		di, _ := dataitem.New(protocfg.DIIPv4AttachedSubnet,
			dataitem.U8IPv4U8{Flags: 1, Addr: v4, Prefix: tc.prefix}, cfg, nil)
		err := di.Validate(cfg, nil)
		if (err == nil) != tc.ok {
			t.Errorf("ipv4 prefix %d: err=%v, want ok=%v", tc.prefix, err, tc.ok)
		}
	}
	for _, tc := range []struct {
		prefix uint8
		ok     bool
	}{{64, true}, {128, true}, {129, false}} {
		di, _ := dataitem.New(protocfg.DIIPv6AttachedSubnet,
			dataitem.U8IPv6U8{Flags: 1, Addr: v6, Prefix: tc.prefix}, cfg, nil)
		err := di.Validate(cfg, nil)
		if (err == nil) != tc.ok {
			t.Errorf("ipv6 prefix %d: err=%v, want ok=%v", tc.prefix, err, tc.ok)
		}
	}
}

func TestValidateFlagsByte(t *testing.T) {
	cfg := loadConfig(t)
	di, _ := dataitem.New(protocfg.DIIPv4Address,
		dataitem.U8IPv4{Flags: 2, Addr: netip.MustParseAddr("10.0.0.1")}, cfg, nil)
	if err := di.Validate(cfg, nil); err == nil {
		t.Fatal("flags byte 2 accepted")
	}
}

func TestValidateUnknownStatusCode(t *testing.T) {
	cfg := loadConfig(t)
	di, _ := dataitem.New(protocfg.DIStatus,
		dataitem.U8String{Flags: 200, Value: "?"}, cfg, nil)
	if err := di.Validate(cfg, nil); err == nil {
		t.Fatal("unknown status code accepted")
	}
}

func TestValidateOccurrences(t *testing.T) {
	cfg := loadConfig(t)
	macID, _ := cfg.DataItemID(protocfg.DIMACAddress, nil)
	statusID, _ := cfg.DataItemID(protocfg.DIStatus, nil)

	mk := func(id protocfg.DataItemID, n int) []dataitem.DataItem {
		var out []dataitem.DataItem
		for i := 0; i < n; i++ {
			out = append(out, dataitem.DataItem{ID: id, Value: dataitem.MAC{1}})
		}
		return out
	}
	allowed := func(occurs string) []protocfg.SubDataItem {
		return []protocfg.SubDataItem{{
			Name:   protocfg.DIMACAddress,
			ID:     protocfg.DataItemID(protocfg.IDUndefined),
			Occurs: occurs,
		}}
	}

	for _, tc := range []struct {
		occurs string
		count  int
		ok     bool
	}{
		{"1", 0, false}, {"1", 1, true}, {"1", 2, false},
		{"1+", 0, false}, {"1+", 1, true}, {"1+", 5, true},
		{"0-1", 0, true}, {"0-1", 1, true}, {"0-1", 2, false},
		{"0+", 0, true}, {"0+", 1, true}, {"0+", 7, true},
	} {
		err := dataitem.ValidateOccurrences(mk(macID, tc.count), allowed(tc.occurs), cfg, nil)
		if (err == nil) != tc.ok {
			t.Errorf("occurs=%q count=%d: err=%v, want ok=%v", tc.occurs, tc.count, err, tc.ok)
		}
	}

	// An item outside the allowed set always fails.
	items := mk(macID, 1)
	items = append(items, dataitem.DataItem{ID: statusID, Value: dataitem.U8String{}})
	if err := dataitem.ValidateOccurrences(items, allowed("1"), cfg, nil); err == nil {
		t.Error("unlisted data item accepted")
	}
}

func TestIPHelpers(t *testing.T) {
	cfg := loadConfig(t)
	addr := netip.MustParseAddr("10.0.0.1")

	add, _ := dataitem.New(protocfg.DIIPv4Address, dataitem.U8IPv4{Flags: 1, Addr: addr}, cfg, nil)
	drop, _ := dataitem.New(protocfg.DIIPv4Address, dataitem.U8IPv4{Flags: 0, Addr: addr}, cfg, nil)
	other, _ := dataitem.New(protocfg.DIIPv4Address,
		dataitem.U8IPv4{Flags: 1, Addr: netip.MustParseAddr("10.0.0.2")}, cfg, nil)
	mtu, _ := dataitem.New(protocfg.DIMaximumTransmissionUnit, dataitem.U16(1500), cfg, nil)

	if add.IPFlags() != dataitem.IPFlagAdd {
		t.Error("add flags:", add.IPFlags())
	}
	if drop.IPFlags() != dataitem.IPFlagNone {
		t.Error("drop flags:", drop.IPFlags())
	}
	if mtu.IPFlags() != dataitem.IPFlagNone {
		t.Error("mtu flags:", mtu.IPFlags())
	}

	// The add/drop flag is ignored by IP comparison.
	if !add.IPEqual(drop) {
		t.Error("add/drop of the same address compare unequal")
	}
	if add.IPEqual(other) {
		t.Error("different addresses compare equal")
	}
	if add.IPEqual(mtu) {
		t.Error("IP and non-IP compare equal")
	}

	items := []dataitem.DataItem{mtu, other, drop}
	if idx := dataitem.FindIPDataItem(items, add); idx != 2 {
		t.Error("find index:", idx)
	}
	if idx := dataitem.FindIPDataItem(items[:2], add); idx >= 0 {
		t.Error("found in wrong list:", idx)
	}
}
