package engine

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/protocfg"
)

// engineParams holds the resolved configuration parameters the engine
// consults on hot paths.
type engineParams struct {
	heartbeatInterval  uint64 // seconds, 0 disables outbound heartbeats
	heartbeatThreshold uint64 // multiplier on the peer-advertised interval
	ackTimeout         uint64 // seconds between retransmissions
	ackProbability     uint64 // percent chance of sending a response (test knob)
	sendTries          uint64
	sessionAddr        netip.Addr
	sessionPort        uint64
	sessionIface       string
	sessionTTL         uint64
	peerType           string
	peerFlags          uint8
}

// Engine owns the protocol configuration, the information base, the
// peers, and the optional discovery and destination advertisement
// workers.  One process-wide mutex guards all engine state: every
// Service call and every event-path callback acquires it.
type Engine struct {
	mu     sync.Mutex
	cfg    *protocfg.Config
	client Client
	log    zerolog.Logger
	modem  bool
	params engineParams

	infoBase *PeerData // the synthetic "self" peer
	peers    map[string]*Peer

	listener   net.Listener
	discovery  *discovery
	destAdvert *destAdvert

	rng       *rand.Rand
	startTime time.Time
	done      chan struct{}
}

// Start boots the engine: protocol configuration, information base,
// acceptor or connector, discovery, and destination advertisement, all
// per the client's configuration parameters.  Startup errors are final.
func Start(client Client, log zerolog.Logger) (*Engine, error) {
	localType, err := paramString(client, "local-type", "router")
	if err != nil {
		return nil, err
	}
	if localType != "modem" && localType != "router" {
		return nil, fmt.Errorf("local-type is %q, want modem or router", localType)
	}

	cfgFile, err := paramString(client, "protocol-config-file", "")
	if err != nil {
		return nil, err
	}
	if cfgFile == "" {
		return nil, BadParameterName{Name: "protocol-config-file"}
	}
	// The schema parameter is accepted for compatibility; the loader
	// performs the structural checks itself.
	if _, err := paramString(client, "protocol-config-schema", ""); err != nil {
		return nil, err
	}
	cfg, err := protocfg.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		client:    client,
		log:       log.With().Str("role", localType).Logger(),
		modem:     localType == "modem",
		infoBase:  newPeerData(),
		peers:     make(map[string]*Peer),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	if err := e.resolveParams(); err != nil {
		return nil, err
	}
	e.seedLocalMetrics()

	if err := e.startSessionEndpoint(); err != nil {
		return nil, err
	}
	if err := e.startDiscovery(); err != nil {
		e.shutdownTransports()
		return nil, err
	}
	if err := e.startDestAdvert(); err != nil {
		e.shutdownTransports()
		return nil, err
	}
	go e.cleanupLoop()

	e.log.Info().Str("config", cfgFile).Msg("engine started")
	return e, nil
}

func (e *Engine) resolveParams() error {
	var err error
	p := &e.params
	if p.heartbeatInterval, err = paramUint(e.client, "heartbeat-interval", 60); err != nil {
		return err
	}
	if p.heartbeatThreshold, err = paramUint(e.client, "heartbeat-threshold", 4); err != nil {
		return err
	}
	if p.ackTimeout, err = paramUint(e.client, "ack-timeout", 3); err != nil {
		return err
	}
	if p.ackProbability, err = paramUint(e.client, "ack-probability", 100); err != nil {
		return err
	}
	if p.sendTries, err = paramUint(e.client, "send-tries", 3); err != nil {
		return err
	}
	if p.sessionAddr, err = paramAddr(e.client, "session-address", netip.Addr{}); err != nil {
		return err
	}
	if p.sessionPort, err = paramUint(e.client, "session-port", 854); err != nil {
		return err
	}
	if p.sessionIface, err = paramString(e.client, "session-iface", ""); err != nil {
		return err
	}
	if p.sessionTTL, err = paramUint(e.client, "session-ttl", 0); err != nil {
		return err
	}
	if p.peerType, err = paramString(e.client, "peer-type", ""); err != nil {
		return err
	}
	flags, err := paramUint(e.client, "peer-flags", 0)
	if err != nil {
		return err
	}
	p.peerFlags = uint8(flags)
	return nil
}

// seedLocalMetrics gives the local "self" peer one zero-valued data
// item per configured metric.  These are sent to peers during session
// initialization, declaring every metric we support; the client can
// overwrite the values later with Service.PeerUpdate.
func (e *Engine) seedLocalMetrics() {
	var items []dataitem.DataItem
	for _, info := range e.cfg.DataItemInfos() {
		if !info.Metric || uint32(info.ID) == protocfg.IDUndefined {
			continue
		}
		items = append(items, dataitem.DataItem{
			ID:    info.ID,
			Value: dataitem.DefaultValue(info.ValueType),
		})
	}
	e.infoBase.SetItems(items)
}

// startSessionEndpoint opens the TCP acceptor (modem) or, when
// discovery is disabled, the direct connector (router).
func (e *Engine) startSessionEndpoint() error {
	if e.modem {
		addr := ""
		if e.params.sessionAddr.IsValid() {
			addr = e.params.sessionAddr.String()
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, fmt.Sprint(e.params.sessionPort)))
		if err != nil {
			return fmt.Errorf("session listen: %w", err)
		}
		e.listener = ln
		go e.acceptLoop()
		return nil
	}

	discoveryEnabled, err := paramBool(e.client, "discovery-enable", true)
	if err != nil {
		return err
	}
	if !discoveryEnabled {
		if !e.params.sessionAddr.IsValid() {
			return fmt.Errorf("discovery disabled and no session-address configured")
		}
		target := net.JoinHostPort(e.params.sessionAddr.String(), fmt.Sprint(e.params.sessionPort))
		go e.connectLoop(target)
	}
	return nil
}

func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
			default:
				e.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		e.AddSessionConn(conn)
	}
}

// connectLoop keeps one session open to a fixed endpoint, redialing
// while none exists.
func (e *Engine) connectLoop(target string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		_, exists := e.peers[target]
		e.mu.Unlock()
		if !exists {
			conn, err := net.DialTimeout("tcp", target, 5*time.Second)
			if err != nil {
				e.log.Debug().Err(err).Str("target", target).Msg("session connect failed")
			} else {
				e.AddSessionConn(conn)
			}
		}
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}
	}
}

// AddSessionConn adopts an established TCP connection as a peer
// session.  Exactly one session may exist per remote endpoint; a
// duplicate connection is closed.
func (e *Engine) AddSessionConn(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		conn.Close()
		return
	default:
	}
	id := conn.RemoteAddr().String()
	if _, exists := e.peers[id]; exists {
		e.log.Info().Str("peer", id).Msg("duplicate session, closing")
		conn.Close()
		return
	}
	p := newPeer(e, conn)
	e.peers[id] = p
	if err := p.start(); err != nil {
		e.log.Error().Err(err).Str("peer", id).Msg("peer start failed")
		p.stop()
		delete(e.peers, id)
		return
	}
	e.log.Info().Str("peer", id).Msg("session connected")
}

// hasPeerForAddr reports whether a session exists whose remote host
// matches addr, on any port.  Discovery uses this to suppress offers to
// already-connected routers.
func (e *Engine) hasPeerForAddr(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.peers {
		h, _, err := net.SplitHostPort(id)
		if err == nil && h == host {
			return true
		}
	}
	return false
}

// cleanupLoop reaps Terminating peers once a second.
func (e *Engine) cleanupLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			for id, p := range e.peers {
				if p.removable(now) {
					e.log.Info().Str("peer", id).Msg("removing terminated peer")
					p.stop()
					delete(e.peers, id)
				}
			}
			e.mu.Unlock()
		}
	}
}

// findIPOwner returns a description of the current holder of di's IP
// address ("" if nobody holds it): the local node or any peer, in any
// scope.  Caller holds the mutex.
func (e *Engine) findIPOwner(di dataitem.DataItem) string {
	if e.infoBase.FindIPDataItem(di) {
		return "local"
	}
	for id, p := range e.peers {
		if p.data.FindIPDataItem(di) {
			return "peer " + id
		}
	}
	return ""
}

// sendAllDestinations emits a Destination Up to a newly-joined peer for
// every local destination.  Caller holds the mutex.
func (e *Engine) sendAllDestinations(p *Peer) {
	for _, dd := range e.infoBase.destinations {
		if err := p.destinationUp(dd.MAC, dd.Items); err != nil {
			p.log.Error().Err(err).Str("mac", dd.MAC.String()).Msg("could not send destination up")
		}
	}
}

// shutdownTransports closes the sockets and workers.  Safe to call with
// partial initialization during failed startup.
func (e *Engine) shutdownTransports() {
	if e.listener != nil {
		e.listener.Close()
	}
	if e.discovery != nil {
		e.discovery.stop()
	}
	if e.destAdvert != nil {
		e.destAdvert.stop()
	}
}
