package engine

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/message"
	"github.com/mit-ll/dlep/metrics"
	"github.com/mit-ll/dlep/netutil"
	"github.com/mit-ll/dlep/protocfg"
)

// discovery runs the Peer Discovery / Peer Offer exchange.  The router
// multicasts Peer Discovery signals and connects to whatever endpoint
// the answering modem offers; the modem answers discoveries with a
// unicast Peer Offer naming its session connection point.
type discovery struct {
	engine *Engine
	worker *mcastWorker
}

func (e *Engine) startDiscovery() error {
	enabled, err := paramBool(e.client, "discovery-enable", true)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	iface, err := paramString(e.client, "discovery-iface", "")
	if err != nil {
		return err
	}
	port, err := paramUint(e.client, "discovery-port", 854)
	if err != nil {
		return err
	}
	group, err := paramAddr(e.client, "discovery-mcast-address", netip.MustParseAddr("224.0.0.117"))
	if err != nil {
		return err
	}
	interval, err := paramUint(e.client, "discovery-interval", 5)
	if err != nil {
		return err
	}
	ttl, err := paramUint(e.client, "discovery-ttl", 1)
	if err != nil {
		return err
	}

	d := &discovery{engine: e}
	cfg := mcastConfig{
		group:        group,
		port:         port,
		iface:        iface,
		ttl:          ttl,
		sendInterval: time.Duration(interval) * time.Second,
		// The modem only listens for discoveries; the router sends
		// them and listens for unicast offers on the same socket.
		sendEnabled: !e.modem,
		recvEnabled: true,
	}
	w, err := newMcastWorker(cfg, e.log.With().Str("worker", "discovery").Logger(),
		d.buildDiscovery, d.handlePacket)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	d.worker = w
	e.discovery = d
	w.start()
	return nil
}

func (d *discovery) stop() {
	if d.worker != nil {
		d.worker.stop()
	}
}

// buildDiscovery assembles the router's periodic Peer Discovery signal.
func (d *discovery) buildDiscovery() []byte {
	if d.engine.modem {
		return nil
	}
	pm := message.New(d.engine.cfg)
	if err := pm.AddHeader(protocfg.SigPeerDiscovery); err != nil {
		d.worker.log.Error().Err(err).Msg("could not build peer discovery")
		return nil
	}
	if d.engine.params.peerType != "" {
		if err := pm.AddPeerType(d.engine.params.peerType, d.engine.params.peerFlags); err != nil {
			d.worker.log.Error().Err(err).Msg("could not add peer type")
		}
	}
	metrics.DiscoverySignals.WithLabelValues("sent").Inc()
	return pm.Buffer()
}

func (d *discovery) handlePacket(pkt []byte, src *net.UDPAddr) {
	pm := message.New(d.engine.cfg)
	if err := pm.Parse(pkt, true); err != nil {
		d.worker.log.Debug().Err(err).Str("src", src.String()).Msg("undecodable discovery packet")
		return
	}
	metrics.DiscoverySignals.WithLabelValues("received").Inc()
	switch pm.Name() {
	case protocfg.SigPeerDiscovery:
		if d.engine.modem {
			d.handleDiscovery(pm, src)
		}
	case protocfg.SigPeerOffer:
		if !d.engine.modem {
			d.handleOffer(pm, src)
		}
	}
}

// handleDiscovery answers a router's Peer Discovery with a unicast
// Peer Offer, unless a session with that router already exists.
func (d *discovery) handleDiscovery(pm *message.ProtocolMessage, src *net.UDPAddr) {
	if err := pm.Validate(false); err != nil {
		d.worker.log.Debug().Err(err).Msg("invalid peer discovery")
		return
	}
	if d.engine.hasPeerForAddr(src.IP.String()) {
		d.worker.log.Debug().Str("src", src.String()).Msg("session exists, not offering")
		return
	}

	addr := d.engine.params.sessionAddr
	if !addr.IsValid() && d.engine.params.sessionIface != "" {
		var err error
		addr, err = netutil.InterfaceAddr(d.engine.params.sessionIface, src.IP.To4() == nil)
		if err != nil {
			d.worker.log.Error().Err(err).Msg("no session address to offer")
			return
		}
	}
	if !addr.IsValid() {
		d.worker.log.Error().Msg("no session-address or session-iface configured, cannot offer")
		return
	}

	offer := message.New(d.engine.cfg)
	err := offer.AddHeader(protocfg.SigPeerOffer)
	if err == nil && d.engine.params.peerType != "" {
		err = offer.AddPeerType(d.engine.params.peerType, d.engine.params.peerFlags)
	}
	if err == nil {
		err = d.addConnectionPoint(offer, addr, uint16(d.engine.params.sessionPort))
	}
	if err != nil {
		d.worker.log.Error().Err(err).Msg("could not build peer offer")
		return
	}
	if err := d.worker.sendTo(offer.Buffer(), src); err != nil {
		d.worker.log.Error().Err(err).Msg("could not send peer offer")
		return
	}
	d.worker.log.Info().Str("router", src.String()).Msg("sent peer offer")
}

// addConnectionPoint prefers the connection point data items, falling
// back to plain address items for configurations predating them.
func (d *discovery) addConnectionPoint(pm *message.ProtocolMessage, addr netip.Addr, port uint16) error {
	cfg := d.engine.cfg
	if addr.Is4() {
		if _, err := cfg.DataItemInfo(protocfg.DIIPv4ConnectionPoint); err == nil {
			di, err := dataitem.New(protocfg.DIIPv4ConnectionPoint,
				dataitem.U8IPv4U16{Addr: addr, Port: port}, cfg, nil)
			if err != nil {
				return err
			}
			return pm.AddDataItem(di)
		}
		di, err := dataitem.New(protocfg.DIIPv4Address,
			dataitem.U8IPv4{Flags: 1, Addr: addr}, cfg, nil)
		if err != nil {
			return err
		}
		if err := pm.AddDataItem(di); err != nil {
			return err
		}
		return d.addPortItem(pm, port)
	}
	if _, err := cfg.DataItemInfo(protocfg.DIIPv6ConnectionPoint); err == nil {
		di, err := dataitem.New(protocfg.DIIPv6ConnectionPoint,
			dataitem.U8IPv6U16{Addr: addr.WithZone(""), Port: port}, cfg, nil)
		if err != nil {
			return err
		}
		return pm.AddDataItem(di)
	}
	di, err := dataitem.New(protocfg.DIIPv6Address,
		dataitem.U8IPv6{Flags: 1, Addr: addr.WithZone("")}, cfg, nil)
	if err != nil {
		return err
	}
	if err := pm.AddDataItem(di); err != nil {
		return err
	}
	return d.addPortItem(pm, port)
}

func (d *discovery) addPortItem(pm *message.ProtocolMessage, port uint16) error {
	if _, err := d.engine.cfg.DataItemInfo(protocfg.DIPort); err != nil {
		return nil
	}
	di, err := dataitem.New(protocfg.DIPort, dataitem.U16(port), d.engine.cfg, nil)
	if err != nil {
		return err
	}
	return pm.AddDataItem(di)
}

// handleOffer extracts the modem's connection point and opens the TCP
// session.  Data items are examined in the priority order IPv4_Address,
// IPv4_Connection_Point, IPv6_Address, IPv6_Connection_Point; later
// entries override earlier ones.
func (d *discovery) handleOffer(pm *message.ProtocolMessage, src *net.UDPAddr) {
	if err := pm.Validate(true); err != nil {
		d.worker.log.Debug().Err(err).Msg("invalid peer offer")
		return
	}
	if name, reason, err := pm.Status(); err == nil && name != protocfg.StatusSuccess {
		d.worker.log.Info().Str("status", name).Str("reason", reason).Msg("peer offer refused")
		return
	}

	var addr netip.Addr
	port := uint16(d.engine.params.sessionPort)

	// Plain address items may be accompanied by a Port data item.
	if pv, err := portItem(pm, d.engine.cfg); err == nil {
		port = pv
	}

	// Four independent lookups in fixed priority order, each overriding
	// the previous result regardless of where the items sit in the
	// message.
	if v, ok := offerIPv4Address(pm); ok {
		addr = v
	}
	if v, p, ok := offerIPv4ConnPoint(pm); ok {
		addr = v
		if p != 0 {
			port = p
		}
	}
	if v, ok := offerIPv6Address(pm); ok {
		addr = v
	}
	if v, p, ok := offerIPv6ConnPoint(pm); ok {
		addr = v
		if p != 0 {
			port = p
		}
	}
	if !addr.IsValid() {
		d.worker.log.Error().Str("src", src.String()).Msg("peer offer without usable address")
		return
	}

	// Link-local offers without a scope inherit the packet's.
	srcAddr, _ := netip.AddrFromSlice(src.IP)
	srcAddr = srcAddr.WithZone(src.Zone)
	addr = netutil.WithScopeFrom(addr, srcAddr)

	target := net.JoinHostPort(addr.String(), fmt.Sprint(port))
	if d.engine.hasPeerForAddr(addr.String()) {
		d.worker.log.Debug().Str("target", target).Msg("session exists, ignoring offer")
		return
	}
	d.worker.log.Info().Str("target", target).Msg("connecting from peer offer")
	go func() {
		conn, err := net.DialTimeout("tcp", target, 10*time.Second)
		if err != nil {
			d.worker.log.Error().Err(err).Str("target", target).Msg("session connect failed")
			return
		}
		d.engine.AddSessionConn(conn)
	}()
}

func offerIPv4Address(pm *message.ProtocolMessage) (netip.Addr, bool) {
	for _, di := range pm.DataItems() {
		if v, ok := di.Value.(dataitem.U8IPv4); ok {
			return v.Addr, true
		}
	}
	return netip.Addr{}, false
}

func offerIPv4ConnPoint(pm *message.ProtocolMessage) (netip.Addr, uint16, bool) {
	for _, di := range pm.DataItems() {
		if v, ok := di.Value.(dataitem.U8IPv4U16); ok {
			return v.Addr, v.Port, true
		}
	}
	return netip.Addr{}, 0, false
}

func offerIPv6Address(pm *message.ProtocolMessage) (netip.Addr, bool) {
	for _, di := range pm.DataItems() {
		if v, ok := di.Value.(dataitem.U8IPv6); ok {
			return v.Addr, true
		}
	}
	return netip.Addr{}, false
}

func offerIPv6ConnPoint(pm *message.ProtocolMessage) (netip.Addr, uint16, bool) {
	for _, di := range pm.DataItems() {
		if v, ok := di.Value.(dataitem.U8IPv6U16); ok {
			return v.Addr, v.Port, true
		}
	}
	return netip.Addr{}, 0, false
}

func portItem(pm *message.ProtocolMessage, cfg *protocfg.Config) (uint16, error) {
	id, err := cfg.DataItemID(protocfg.DIPort, nil)
	if err != nil {
		return 0, err
	}
	for _, di := range pm.DataItems() {
		if di.ID == id {
			if v, ok := di.Value.(dataitem.U16); ok {
				return uint16(v), nil
			}
		}
	}
	return 0, message.ErrNoDataItem
}
