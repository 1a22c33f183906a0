package engine

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/mit-ll/dlep/netutil"
)

// mcastConfig parameterizes one periodic multicast worker.  Send and
// receive are enabled independently, so the same worker serves both
// peer discovery and destination advertisement on either role.
type mcastConfig struct {
	group        netip.Addr
	port         uint64
	iface        string
	ttl          uint64
	sendInterval time.Duration
	sendEnabled  bool
	recvEnabled  bool
}

// mcastWorker periodically multicasts a packet and/or receives packets
// on a multicast group.  Unicast replies to the worker's socket (peer
// offers) arrive through the same receive path.
type mcastWorker struct {
	cfg  mcastConfig
	conn *net.UDPConn
	log  zerolog.Logger

	// build returns the packet to multicast, or nil to skip a cycle.
	build func() []byte
	// onReceive handles one received packet.  src is the remote
	// endpoint, which keeps its IPv6 zone when present.
	onReceive func(pkt []byte, src *net.UDPAddr)

	done chan struct{}
}

func newMcastWorker(cfg mcastConfig, log zerolog.Logger,
	build func() []byte, onReceive func([]byte, *net.UDPAddr)) (*mcastWorker, error) {

	if !cfg.group.IsValid() || !cfg.group.IsMulticast() {
		return nil, fmt.Errorf("address %s is not multicast", cfg.group)
	}
	conn, err := netutil.ListenMulticastUDP(int(cfg.port))
	if err != nil {
		return nil, err
	}

	var ifi *net.Interface
	if cfg.iface != "" {
		ifi, err = net.InterfaceByName(cfg.iface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("interface %s: %w", cfg.iface, err)
		}
	}

	group := net.UDPAddr{IP: cfg.group.AsSlice()}
	if cfg.group.Is4() {
		pc := ipv4.NewPacketConn(conn)
		if cfg.recvEnabled {
			if err := pc.JoinGroup(ifi, &group); err != nil {
				conn.Close()
				return nil, fmt.Errorf("join %s: %w", cfg.group, err)
			}
		}
		if cfg.ttl > 0 {
			pc.SetMulticastTTL(int(cfg.ttl))
		}
		if ifi != nil {
			pc.SetMulticastInterface(ifi)
		}
		pc.SetMulticastLoopback(true)
	} else {
		pc := ipv6.NewPacketConn(conn)
		if cfg.recvEnabled {
			if err := pc.JoinGroup(ifi, &group); err != nil {
				conn.Close()
				return nil, fmt.Errorf("join %s: %w", cfg.group, err)
			}
		}
		if cfg.ttl > 0 {
			pc.SetMulticastHopLimit(int(cfg.ttl))
		}
		if ifi != nil {
			pc.SetMulticastInterface(ifi)
		}
		pc.SetMulticastLoopback(true)
	}

	w := &mcastWorker{
		cfg:       cfg,
		conn:      conn,
		log:       log,
		build:     build,
		onReceive: onReceive,
		done:      make(chan struct{}),
	}
	return w, nil
}

// start launches the send and receive loops per the config flags.
func (w *mcastWorker) start() {
	if w.cfg.recvEnabled && w.onReceive != nil {
		go w.recvLoop()
	}
	if w.cfg.sendEnabled && w.build != nil && w.cfg.sendInterval > 0 {
		go w.sendLoop()
	}
}

func (w *mcastWorker) stop() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)
	w.conn.Close()
}

func (w *mcastWorker) groupAddr() *net.UDPAddr {
	addr := &net.UDPAddr{IP: w.cfg.group.AsSlice(), Port: int(w.cfg.port)}
	if w.cfg.group.Is6() && w.cfg.group.IsLinkLocalMulticast() {
		addr.Zone = w.cfg.iface
	}
	return addr
}

func (w *mcastWorker) sendLoop() {
	ticker := time.NewTicker(w.cfg.sendInterval)
	defer ticker.Stop()
	for {
		// Send immediately, then on every tick.
		if pkt := w.build(); pkt != nil {
			if _, err := w.conn.WriteToUDP(pkt, w.groupAddr()); err != nil {
				w.log.Error().Err(err).Msg("multicast send failed")
			}
		}
		select {
		case <-w.done:
			return
		case <-ticker.C:
		}
	}
}

// sendTo unicasts a packet, e.g. a Peer Offer back to a discoverer.
func (w *mcastWorker) sendTo(pkt []byte, dst *net.UDPAddr) error {
	_, err := w.conn.WriteToUDP(pkt, dst)
	return err
}

func (w *mcastWorker) recvLoop() {
	buf := make([]byte, 65536)
	for {
		n, src, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-w.done:
			default:
				w.log.Error().Err(err).Msg("multicast receive failed")
			}
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		w.onReceive(pkt, src)
	}
}
