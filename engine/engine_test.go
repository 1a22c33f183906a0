package engine_test

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/rs/zerolog"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/engine"
	"github.com/mit-ll/dlep/protocfg"
)

const configPath = "../config/dlep-draft-29.xml"

type destEvent struct {
	peer  string
	mac   string
	items []dataitem.DataItem
}

// testClient records every engine callback on buffered channels.  Test
// code drives the Service from the test goroutine, never from here.
type testClient struct {
	params      map[string]any
	peerUps     chan engine.PeerInfo
	peerDowns   chan string
	destUps     chan destEvent
	destUpdates chan destEvent
	destDowns   chan destEvent
	lcReqs      chan destEvent
	lcReplies   chan destEvent
	upStatus    string
}

func newTestClient(params map[string]any) *testClient {
	return &testClient{
		params:      params,
		peerUps:     make(chan engine.PeerInfo, 100),
		peerDowns:   make(chan string, 100),
		destUps:     make(chan destEvent, 100),
		destUpdates: make(chan destEvent, 100),
		destDowns:   make(chan destEvent, 100),
		lcReqs:      make(chan destEvent, 100),
		lcReplies:   make(chan destEvent, 100),
	}
}

func (c *testClient) ConfigParameter(name string) (any, error) {
	v, ok := c.params[name]
	if !ok {
		return nil, engine.BadParameterName{Name: name}
	}
	return v, nil
}

func (c *testClient) PeerUp(info engine.PeerInfo) { c.peerUps <- info }
func (c *testClient) PeerUpdate(peerID string, items []dataitem.DataItem) {
}
func (c *testClient) PeerDown(peerID string) { c.peerDowns <- peerID }

func (c *testClient) DestinationUp(peerID string, mac dataitem.MAC, items []dataitem.DataItem) string {
	c.destUps <- destEvent{peer: peerID, mac: mac.String(), items: items}
	return c.upStatus
}

func (c *testClient) DestinationUpdate(peerID string, mac dataitem.MAC, items []dataitem.DataItem) {
	c.destUpdates <- destEvent{peer: peerID, mac: mac.String(), items: items}
}

func (c *testClient) DestinationDown(peerID string, mac dataitem.MAC) {
	c.destDowns <- destEvent{peer: peerID, mac: mac.String()}
}

func (c *testClient) LinkCharacteristicsRequest(peerID string, mac dataitem.MAC, items []dataitem.DataItem) {
	c.lcReqs <- destEvent{peer: peerID, mac: mac.String(), items: items}
}

func (c *testClient) LinkCharacteristicsReply(peerID string, mac dataitem.MAC, items []dataitem.DataItem) {
	c.lcReplies <- destEvent{peer: peerID, mac: mac.String(), items: items}
}

// freePort grabs an ephemeral TCP port for the modem listener.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func baseParams(role string, port int) map[string]any {
	return map[string]any{
		"local-type":           role,
		"protocol-config-file": configPath,
		"session-address":      "127.0.0.1",
		"session-port":         port,
		"discovery-enable":     false,
		"heartbeat-interval":   1,
		"heartbeat-threshold":  4,
		"ack-timeout":          1,
		"send-tries":           3,
		"peer-type":            role + "-under-test",
	}
}

// startPair boots a modem and a router talking to each other over
// loopback with discovery disabled.
func startPair(t *testing.T) (modem, router *engine.Engine, modemC, routerC *testClient) {
	t.Helper()
	port := freePort(t)

	modemC = newTestClient(baseParams("modem", port))
	routerC = newTestClient(baseParams("router", port))

	modem, err := engine.Start(modemC, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(modem.Terminate)

	router, err = engine.Start(routerC, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(router.Terminate)
	return modem, router, modemC, routerC
}

func waitPeerUp(t *testing.T, c *testClient, who string) engine.PeerInfo {
	t.Helper()
	select {
	case info := <-c.peerUps:
		return info
	case <-time.After(15 * time.Second):
		t.Fatalf("%s: no peer_up", who)
		return engine.PeerInfo{}
	}
}

func waitDest(t *testing.T, ch chan destEvent, what string) destEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(15 * time.Second):
		t.Fatalf("no %s", what)
		return destEvent{}
	}
}

func waitPeerDown(t *testing.T, c *testClient, who string) {
	t.Helper()
	select {
	case <-c.peerDowns:
	case <-time.After(15 * time.Second):
		t.Fatalf("%s: no peer_down", who)
	}
}

func TestPeeringAndDestinationLifecycle(t *testing.T) {
	modem, router, modemC, routerC := startPair(t)

	mInfo := waitPeerUp(t, modemC, "modem")
	rInfo := waitPeerUp(t, routerC, "router")

	if rInfo.Type != "modem-under-test" || mInfo.Type != "router-under-test" {
		t.Error("peer types:", mInfo.Type, rInfo.Type)
	}
	// Both sides agreed on the full extension set.
	wantExts := []protocfg.ExtensionID{1, 2}
	if diff := deep.Equal(rInfo.Extensions, wantExts); diff != nil {
		t.Error("router extensions:", diff)
	}
	if mInfo.HeartbeatInterval == 0 {
		t.Error("peer heartbeat interval not recorded")
	}

	// Exactly one session per side, id of the form addr:port.
	mPeers := modem.GetPeers()
	rPeers := router.GetPeers()
	if len(mPeers) != 1 || len(rPeers) != 1 {
		t.Fatal("peer counts:", mPeers, rPeers)
	}
	if _, _, err := net.SplitHostPort(mPeers[0]); err != nil {
		t.Error("peer id form:", mPeers[0])
	}

	// The modem's session initialization response declared its metrics.
	if len(rInfo.DataItems) == 0 {
		t.Error("no default metrics from modem")
	}

	// Destination up propagates modem -> router.
	mac, _ := dataitem.ParseMAC("01:02:03:04:05:06")
	mtu, err := dataitem.New(protocfg.DIMaximumTransmissionUnit, dataitem.U16(1400),
		modem.ProtocolConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := modem.DestinationUp(mac, []dataitem.DataItem{mtu}); st != engine.StatusOK {
		t.Fatal("destination up:", st)
	}
	ev := waitDest(t, routerC.destUps, "destination_up on router")
	if ev.mac != mac.String() {
		t.Error("destination mac:", ev.mac)
	}

	// The router now owns the destination in the modem-peer's slice.
	dinfo, st := router.GetDestinationInfo(rPeers[0], mac)
	if st != engine.StatusOK {
		t.Fatal("get destination info:", st)
	}
	found := false
	for _, di := range dinfo.Items {
		if di.Equal(mtu) {
			found = true
		}
	}
	if !found {
		t.Errorf("mtu not stored: %+v", dinfo.Items)
	}

	// A duplicate up in the same scope fails without touching the wire.
	if st := modem.DestinationUp(mac, nil); st != engine.StatusDestinationExists {
		t.Error("duplicate destination up:", st)
	}

	// Destination down propagates and a second down reports not-exists.
	if st := modem.DestinationDown(mac); st != engine.StatusOK {
		t.Fatal("destination down:", st)
	}
	waitDest(t, routerC.destDowns, "destination_down on router")
	if st := modem.DestinationDown(mac); st != engine.StatusDestinationDoesNotExist {
		t.Error("second destination down:", st)
	}
}

func TestDestinationAnnounceRoundTrip(t *testing.T) {
	modem, router, modemC, routerC := startPair(t)
	waitPeerUp(t, modemC, "modem")
	waitPeerUp(t, routerC, "router")

	macX, _ := dataitem.ParseMAC("47:48:49:4a:4b:4c")

	// The catalog has Destination_Announce, so the router's client
	// declaring a destination up announces it to the modem.
	if st := router.DestinationUp(macX, nil); st != engine.StatusOK {
		t.Fatal("router destination up:", st)
	}
	ev := waitDest(t, modemC.destUps, "destination_up on modem")
	if ev.mac != macX.String() {
		t.Error("announced mac:", ev.mac)
	}

	// The modem's client declares it up with items; the router's
	// client then sees the destination carrying them.
	latency, err := dataitem.New(protocfg.DILatency, dataitem.U64(777),
		modem.ProtocolConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := modem.DestinationUp(macX, []dataitem.DataItem{latency}); st != engine.StatusOK {
		t.Fatal("modem destination up:", st)
	}
	rev := waitDest(t, routerC.destUps, "destination_up on router")
	if rev.mac != macX.String() {
		t.Error("router mac:", rev.mac)
	}
	found := false
	for _, di := range rev.items {
		if di.Equal(latency) {
			found = true
		}
	}
	if !found {
		t.Errorf("latency not carried: %+v", rev.items)
	}
}

func TestInconsistentIPTerminatesSession(t *testing.T) {
	modem, _, modemC, routerC := startPair(t)
	waitPeerUp(t, modemC, "modem")
	waitPeerUp(t, routerC, "router")

	mac, _ := dataitem.ParseMAC("0a:0b:0c:0d:0e:0f")
	if st := modem.DestinationUp(mac, nil); st != engine.StatusOK {
		t.Fatal("destination up:", st)
	}
	waitDest(t, routerC.destUps, "destination_up on router")

	cfg := modem.ProtocolConfig()
	mkIP := func(flags uint8) dataitem.DataItem {
		di, err := dataitem.New(protocfg.DIIPv4Address,
			dataitem.U8IPv4{Flags: flags, Addr: netip.MustParseAddr("10.0.0.2")}, cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		return di
	}

	// First add lands on the router.
	if st := modem.DestinationUpdate(mac, []dataitem.DataItem{mkIP(1)}); st != engine.StatusOK {
		t.Fatal("first update:", st)
	}
	waitDest(t, routerC.destUpdates, "destination_update on router")

	// A second add of the same address is inconsistent: the router
	// terminates the session and both clients see peer_down.
	if st := modem.DestinationUpdate(mac, []dataitem.DataItem{mkIP(1)}); st != engine.StatusOK {
		t.Fatal("second update:", st)
	}
	waitPeerDown(t, routerC, "router")
	waitPeerDown(t, modemC, "modem")
}

func TestLinkCharacteristicsRequestReflectsMetrics(t *testing.T) {
	modem, router, modemC, routerC := startPair(t)
	waitPeerUp(t, modemC, "modem")
	waitPeerUp(t, routerC, "router")

	mac, _ := dataitem.ParseMAC("42:00:00:00:00:01")
	cfg := modem.ProtocolConfig()
	latency, err := dataitem.New(protocfg.DILatency, dataitem.U64(5000), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := modem.DestinationUp(mac, []dataitem.DataItem{latency}); st != engine.StatusOK {
		t.Fatal("destination up:", st)
	}
	waitDest(t, routerC.destUps, "destination_up on router")

	// An empty request reflects the destination's stored metrics back
	// through the client's LinkCharacteristicsReply callback.
	if st := router.LinkCharacteristicsRequest(mac, nil); st != engine.StatusOK {
		t.Fatal("link characteristics request:", st)
	}
	rep := waitDest(t, routerC.lcReplies, "link characteristics reply")
	if rep.mac != mac.String() {
		t.Error("reply mac:", rep.mac)
	}
	found := false
	for _, di := range rep.items {
		if di.Equal(latency) {
			found = true
		}
	}
	if !found {
		t.Errorf("latency not reflected: %+v", rep.items)
	}
}

func TestLinkCharacteristicsDeferredReply(t *testing.T) {
	modem, router, modemC, routerC := startPair(t)
	waitPeerUp(t, modemC, "modem")
	waitPeerUp(t, routerC, "router")

	mac, _ := dataitem.ParseMAC("42:00:00:00:00:02")
	cfg := modem.ProtocolConfig()
	current, err := dataitem.New(protocfg.DILatency, dataitem.U64(5000), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := modem.DestinationUp(mac, []dataitem.DataItem{current}); st != engine.StatusOK {
		t.Fatal("destination up:", st)
	}
	waitDest(t, routerC.destUps, "destination_up on router")

	// A non-empty request is forwarded to the modem's client; the
	// response is owed until the client replies with what it achieved.
	wanted, err := dataitem.New(protocfg.DILatency, dataitem.U64(1000), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := router.LinkCharacteristicsRequest(mac, []dataitem.DataItem{wanted}); st != engine.StatusOK {
		t.Fatal("link characteristics request:", st)
	}
	req := waitDest(t, modemC.lcReqs, "link characteristics request on modem")
	if req.mac != mac.String() {
		t.Error("request mac:", req.mac)
	}
	found := false
	for _, di := range req.items {
		if di.Equal(wanted) {
			found = true
		}
	}
	if !found {
		t.Errorf("requested latency not forwarded: %+v", req.items)
	}

	// The client's reply completes the exchange on the router side.
	if st := modem.LinkCharacteristicsReply(req.peer, mac, []dataitem.DataItem{wanted}); st != engine.StatusOK {
		t.Fatal("link characteristics reply:", st)
	}
	rep := waitDest(t, routerC.lcReplies, "link characteristics reply on router")
	if rep.mac != mac.String() {
		t.Error("reply mac:", rep.mac)
	}
	found = false
	for _, di := range rep.items {
		if di.Equal(wanted) {
			found = true
		}
	}
	if !found {
		t.Errorf("achieved latency not carried: %+v", rep.items)
	}

	// The achieved characteristics landed in the router's record of the
	// destination, not nowhere.
	mPeers := modem.GetPeers()
	if len(mPeers) != 1 {
		t.Fatal("modem peers:", mPeers)
	}
	rPeers := router.GetPeers()
	dinfo, st := router.GetDestinationInfo(rPeers[0], mac)
	if st != engine.StatusOK {
		t.Fatal("router destination info:", st)
	}
	found = false
	for _, di := range dinfo.Items {
		if di.Equal(wanted) {
			found = true
		}
	}
	if !found {
		t.Errorf("router record not updated: %+v", dinfo.Items)
	}
}

func TestBadMACAndMissingPeerStatuses(t *testing.T) {
	modem, _, modemC, routerC := startPair(t)
	waitPeerUp(t, modemC, "modem")
	waitPeerUp(t, routerC, "router")

	if st := modem.DestinationUp(nil, nil); st != engine.StatusInvalidMACAddress {
		t.Error("nil mac:", st)
	}
	if _, st := modem.GetPeerInfo("192.0.2.9:999"); st != engine.StatusPeerDoesNotExist {
		t.Error("missing peer:", st)
	}
	mac, _ := dataitem.ParseMAC("ff:ff:ff:ff:ff:01")
	peers := modem.GetPeers()
	if len(peers) != 1 {
		t.Fatal("peers:", peers)
	}
	if _, st := modem.GetDestinationInfo(peers[0], mac); st != engine.StatusDestinationDoesNotExist {
		t.Error("missing destination:", st)
	}
	// A data item whose stored type contradicts the catalog is
	// rejected at the API boundary.
	id, err := modem.ProtocolConfig().DataItemID(protocfg.DILatency, nil)
	if err != nil {
		t.Fatal(err)
	}
	bad := dataitem.DataItem{ID: id, Value: dataitem.U8(1)}
	if st := modem.DestinationUp(mac, []dataitem.DataItem{bad}); st != engine.StatusInvalidDataItem {
		t.Error("invalid data item:", st)
	}
}
