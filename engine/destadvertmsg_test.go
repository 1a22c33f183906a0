package engine

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mit-ll/dlep/dataitem"
)

func TestDestAdvertRoundTrip(t *testing.T) {
	info := &destAdvertInfo{
		reportInterval: 5,
		uptime:         12345,
		sequence:       42,
		rfID:           dataitem.MAC{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		destinations: []dataitem.MAC{
			{1, 2, 3, 4, 5, 6},
			{6, 5, 4, 3, 2, 1},
		},
	}
	wire := marshalDestAdvert(info)
	got, err := unmarshalDestAdvert(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.reportInterval != info.reportInterval || got.uptime != info.uptime ||
		got.sequence != info.sequence || !got.rfID.Equal(info.rfID) {
		t.Errorf("header fields: %+v", got)
	}
	if len(got.destinations) != len(info.destinations) {
		t.Fatalf("destinations: %+v", got.destinations)
	}
	for i := range info.destinations {
		if !got.destinations[i].Equal(info.destinations[i]) {
			t.Errorf("destination %d: %s", i, got.destinations[i])
		}
	}
}

func TestDestAdvertNoDestinations(t *testing.T) {
	info := &destAdvertInfo{
		reportInterval: 1,
		rfID:           dataitem.MAC{1},
	}
	got, err := unmarshalDestAdvert(marshalDestAdvert(info))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.destinations) != 0 || !got.rfID.Equal(info.rfID) {
		t.Errorf("%+v", got)
	}
}

func TestDestAdvertSkipsUnknownFields(t *testing.T) {
	info := &destAdvertInfo{reportInterval: 7, rfID: dataitem.MAC{9, 9}}
	wire := marshalDestAdvert(info)
	// Append a field this decoder does not know about.
	wire = protowire.AppendTag(wire, 99, protowire.BytesType)
	wire = protowire.AppendBytes(wire, []byte("future extension"))

	got, err := unmarshalDestAdvert(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.reportInterval != 7 || !got.rfID.Equal(info.rfID) {
		t.Errorf("%+v", got)
	}
}

func TestDestAdvertRejectsMissingRFID(t *testing.T) {
	info := &destAdvertInfo{reportInterval: 7}
	wire := marshalDestAdvert(info)
	if _, err := unmarshalDestAdvert(wire); err == nil {
		t.Fatal("advertisement without rf id accepted")
	}
}

func TestDestAdvertRejectsGarbage(t *testing.T) {
	if _, err := unmarshalDestAdvert([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("garbage accepted")
	}
}
