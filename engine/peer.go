package engine

import (
	"fmt"
	"net"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/message"
	"github.com/mit-ll/dlep/metrics"
	"github.com/mit-ll/dlep/protocfg"
)

// PeerState is the session state machine position.
type PeerState int

const (
	// Connected means TCP is up but session negotiation is not done.
	Connected PeerState = iota
	// InSession means both sides completed session initialization.
	InSession
	// Terminating means the session is shutting down; the peer is
	// removed on a later cleanup tick.
	Terminating
)

func (s PeerState) String() string {
	switch s {
	case Connected:
		return "connected"
	case InSession:
		return "in-session"
	case Terminating:
		return "terminating"
	}
	return "unknown"
}

// Peer is one DLEP session with a remote peer.  All fields are guarded
// by the engine mutex except the read loop's private buffer.
type Peer struct {
	engine *Engine
	conn   net.Conn
	id     string // "addr:port" of the remote endpoint
	log    zerolog.Logger

	state        PeerState
	terminatedAt time.Time

	peerType          string
	experimentNames   []string
	heartbeatRaw      uint64 // peer-advertised, raw wire value
	heartbeatSecs     uint32 // peer-advertised, normalized
	mutualExtensions  []protocfg.ExtensionID
	notInterestedMACs mapset.Set[string]

	// pending response queues: destination MAC key -> FIFO, "" for
	// session-scoped messages.  At most the head of each queue is in
	// flight.
	pending map[string][]*responsePending

	// needsResponse remembers destinations whose up-call was forwarded
	// to the client and whose response message is owed once the client
	// declares the destination up.
	needsResponse map[string]string

	lastReceive time.Time
	data        *PeerData
	heartbeat   *message.ProtocolMessage

	done     chan struct{}
	handlers map[string]func(*message.ProtocolMessage)
}

func newPeer(e *Engine, conn net.Conn) *Peer {
	p := &Peer{
		engine:            e,
		conn:              conn,
		id:                conn.RemoteAddr().String(),
		state:             Connected,
		notInterestedMACs: mapset.NewThreadUnsafeSet[string](),
		pending:           make(map[string][]*responsePending),
		needsResponse:     make(map[string]string),
		lastReceive:       time.Now(),
		data:              newPeerData(),
		done:              make(chan struct{}),
	}
	p.log = e.log.With().Str("peer", p.id).Logger()
	p.handlers = map[string]func(*message.ProtocolMessage){
		protocfg.SigSessionInitialization:         p.handleSessionInitialization,
		protocfg.SigSessionInitializationResponse: p.handleSessionInitializationResponse,
		protocfg.SigSessionUpdate:                 p.handleSessionUpdate,
		protocfg.SigSessionUpdateResponse:         p.handleResponseOnly,
		protocfg.SigSessionTermination:            p.handleSessionTermination,
		protocfg.SigSessionTerminationResponse:    p.handleSessionTerminationResponse,
		protocfg.SigDestinationUp:                 p.handleDestinationUp,
		protocfg.SigDestinationUpResponse:         p.handleDestinationUpResponse,
		protocfg.SigDestinationAnnounce:           p.handleDestinationAnnounce,
		protocfg.SigDestinationAnnounceResponse:   p.handleDestinationAnnounceResponse,
		protocfg.SigDestinationUpdate:             p.handleDestinationUpdate,
		protocfg.SigDestinationDown:               p.handleDestinationDown,
		protocfg.SigDestinationDownResponse:       p.handleResponseOnly,
		protocfg.SigLinkCharacteristicsRequest:    p.handleLinkCharacteristicsRequest,
		protocfg.SigLinkCharacteristicsResponse:   p.handleLinkCharacteristicsResponse,
		protocfg.SigHeartbeat:                     p.handleHeartbeat,
	}
	return p
}

// ID returns the peer id string ("addr:port").
func (p *Peer) ID() string { return p.id }

// State returns the current session state.
func (p *Peer) State() PeerState { return p.state }

// start launches the peer's goroutines and, on the router side, opens
// the session by sending Session Initialization.  Caller holds the
// engine mutex.
func (p *Peer) start() error {
	// Build the heartbeat once; it is identical every time.
	hb := message.New(p.engine.cfg)
	if err := hb.AddHeader(protocfg.SigHeartbeat); err != nil {
		return err
	}
	p.heartbeat = hb

	go p.readLoop()
	go p.acktivityLoop()
	if p.engine.params.heartbeatInterval > 0 {
		go p.heartbeatLoop(time.Duration(p.engine.params.heartbeatInterval) * time.Second)
	}
	metrics.PeerSessions.Inc()

	if !p.engine.modem {
		return p.sendSessionInitialization()
	}
	return nil
}

// stop tears down the connection and timers.  Caller holds the mutex.
func (p *Peer) stop() {
	select {
	case <-p.done:
		return
	default:
	}
	close(p.done)
	p.conn.Close()
	metrics.PeerSessions.Dec()
}

func (p *Peer) sendSessionInitialization() error {
	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(protocfg.SigSessionInitialization); err != nil {
		return err
	}
	if err := pm.AddVersion(); err != nil {
		return err
	}
	if err := pm.AddHeartbeatInterval(uint32(p.engine.params.heartbeatInterval)); err != nil {
		return err
	}
	if p.engine.params.peerType != "" {
		if err := pm.AddPeerType(p.engine.params.peerType, p.engine.params.peerFlags); err != nil {
			return err
		}
	}
	if err := pm.AddExtensions(p.engine.cfg.Extensions()); err != nil {
		return err
	}
	if err := pm.AddExperimentNames(); err != nil {
		return err
	}
	return p.sendExpectingResponse(pm, nil)
}

// sendRaw writes one framed message to the connection.
func (p *Peer) sendRaw(buf []byte, name string) error {
	if _, err := p.conn.Write(buf); err != nil {
		p.log.Error().Err(err).Str("message", name).Msg("session write failed")
		return err
	}
	metrics.MessagesSent.WithLabelValues(name).Inc()
	p.log.Debug().Str("message", name).Int("bytes", len(buf)).Msg("sent")
	return nil
}

// sendExpectingResponse queues a message on its per-destination FIFO
// and transmits it immediately if the queue was empty.
func (p *Peer) sendExpectingResponse(pm *message.ProtocolMessage, mac dataitem.MAC) error {
	info := pm.Info()
	if info == nil || info.ResponseName == "" {
		return fmt.Errorf("message %s expects no response", pm.Name())
	}
	rp := &responsePending{
		buf:          append([]byte(nil), pm.Buffer()...),
		msgName:      info.Name,
		responseName: info.ResponseName,
		mac:          mac,
		queued:       true,
	}
	key := rp.queueKey()
	p.pending[key] = append(p.pending[key], rp)
	if len(p.pending[key]) == 1 {
		return p.transmit(rp)
	}
	return nil
}

func (p *Peer) transmit(rp *responsePending) error {
	rp.queued = false
	rp.lastSend = time.Now()
	rp.tries++
	return p.sendRaw(rp.buf, rp.msgName)
}

// shouldSendResponse applies the ack-probability test knob: responses
// are deliberately dropped (100 - probability)% of the time so peers'
// retransmission paths can be exercised.
func (p *Peer) shouldSendResponse(responseName string) bool {
	prob := p.engine.params.ackProbability
	if prob >= 100 {
		return true
	}
	if p.engine.rng.Intn(100) < int(prob) {
		return true
	}
	p.log.Info().Str("message", responseName).Msg("deliberately not sending response")
	return false
}

// sendSimpleResponse emits a response message carrying an optional MAC
// and a status.
func (p *Peer) sendSimpleResponse(responseName string, statusName, reason string, mac dataitem.MAC) error {
	if !p.shouldSendResponse(responseName) {
		return nil
	}
	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(responseName); err != nil {
		return err
	}
	if mac != nil {
		if err := pm.AddMAC(mac); err != nil {
			return err
		}
	}
	if statusName != "" {
		if err := pm.AddStatus(statusName, reason); err != nil {
			return err
		}
	}
	return p.sendRaw(pm.Buffer(), responseName)
}

// handleResponse matches an incoming response message against the head
// of its pending queue, pops it, and transmits the next waiting message.
func (p *Peer) handleResponse(pm *message.ProtocolMessage) {
	key := ""
	if mac, err := pm.MAC(); err == nil {
		key = mac.Key()
	}
	q := p.pending[key]
	if len(q) == 0 {
		// A response with nothing outstanding is fatal, including a
		// second answer to a message that was retransmitted.
		p.terminate(protocfg.StatusUnexpectedMessage,
			fmt.Sprintf("unexpected response %s", pm.Name()))
		return
	}
	head := q[0]
	if head.responseName != pm.Name() {
		p.terminate(protocfg.StatusUnexpectedMessage,
			fmt.Sprintf("response %s does not match outstanding %s", pm.Name(), head.msgName))
		return
	}
	q = q[1:]
	if len(q) == 0 {
		delete(p.pending, key)
	} else {
		p.pending[key] = q
		if err := p.transmit(q[0]); err != nil {
			p.log.Error().Err(err).Msg("transmit of queued message failed")
		}
	}
}

// terminate moves the session to Terminating, sending a Session
// Termination with the given status unless one is already in flight.
func (p *Peer) terminate(statusName, reason string) {
	if p.state == Terminating {
		return
	}
	p.log.Info().Str("status", statusName).Str("reason", reason).Msg("terminating session")
	metrics.Terminations.WithLabelValues(statusName).Inc()

	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(protocfg.SigSessionTermination); err == nil {
		if err := pm.AddStatus(statusName, reason); err == nil {
			if err := p.sendExpectingResponse(pm, nil); err != nil {
				p.log.Debug().Err(err).Msg("could not send session termination")
			}
		}
	}
	p.enterTerminating()
}

// enterTerminating performs the state change and client notification
// common to local and remote termination.
func (p *Peer) enterTerminating() {
	wasUp := p.state == InSession
	p.state = Terminating
	p.terminatedAt = time.Now()
	if wasUp {
		p.engine.client.PeerDown(p.id)
		if da := p.engine.destAdvert; da != nil {
			da.clearPeerDestinations()
		}
	}
}

// readLoop reads the TCP stream, slices it into complete messages, and
// hands each to handleMessage under the engine mutex.
func (p *Peer) readLoop() {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := p.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				total, complete, cerr := message.IsCompleteMessage(p.engine.cfg, buf, false)
				if cerr != nil || !complete {
					break
				}
				frame := append([]byte(nil), buf[:total]...)
				buf = buf[total:]
				p.engine.mu.Lock()
				p.handleMessage(frame)
				p.engine.mu.Unlock()
			}
		}
		if err != nil {
			p.engine.mu.Lock()
			select {
			case <-p.done:
				// Closed by stop(); nothing further to do.
			default:
				if p.state != Terminating {
					p.log.Info().Err(err).Msg("session read failed")
					p.enterTerminating()
				}
			}
			p.engine.mu.Unlock()
			return
		}
	}
}

// handleMessage parses, validates, and dispatches one incoming message.
// Caller holds the engine mutex.
func (p *Peer) handleMessage(frame []byte) {
	p.lastReceive = time.Now()
	pm := message.New(p.engine.cfg)
	// The sender of what we receive is the other side.
	if err := pm.ParseAndValidate(frame, false, !p.engine.modem); err != nil {
		p.log.Error().Err(err).Msg("invalid incoming message")
		p.terminate(protocfg.StatusInvalidMessage, err.Error())
		return
	}
	metrics.MessagesReceived.WithLabelValues(pm.Name()).Inc()
	p.log.Debug().Str("message", pm.Name()).Msg("received")

	// Once terminating, only the termination handshake is serviced.
	if p.state == Terminating &&
		pm.Name() != protocfg.SigSessionTermination &&
		pm.Name() != protocfg.SigSessionTerminationResponse {
		return
	}

	// A status with a configured terminate failure mode ends the
	// session immediately, echoing the same status, except for Session
	// Termination which has its own handshake.
	if pm.Name() != protocfg.SigSessionTermination {
		if name, reason, err := pm.Status(); err == nil {
			if mode, err := p.engine.cfg.StatusFailureMode(name); err == nil && mode == "terminate" {
				p.terminate(name, "peer reported "+name+": "+reason)
				return
			}
		}
	}

	handler, ok := p.handlers[pm.Name()]
	if !ok || handler == nil {
		p.terminate(protocfg.StatusUnknownMessage, "no handler for "+pm.Name())
		return
	}
	handler(pm)
}

// handleResponseOnly covers response messages with no side effects
// beyond queue bookkeeping.
func (p *Peer) handleResponseOnly(pm *message.ProtocolMessage) {
	p.handleResponse(pm)
}

func (p *Peer) handleHeartbeat(*message.ProtocolMessage) {
	// Liveness is tracked in handleMessage via lastReceive.
}

// storeSessionInfo records the peer attributes negotiated during
// session initialization.
func (p *Peer) storeSessionInfo(pm *message.ProtocolMessage) {
	if pt, flags, err := pm.PeerType(); err == nil {
		p.peerType = pt
		_ = flags
	}
	p.experimentNames = pm.ExperimentNames()
	if raw, secs, err := pm.HeartbeatInterval(); err == nil {
		p.heartbeatRaw = raw
		p.heartbeatSecs = secs
	}
	ours := mapset.NewThreadUnsafeSet[protocfg.ExtensionID](p.engine.cfg.Extensions()...)
	theirs := mapset.NewThreadUnsafeSet[protocfg.ExtensionID](pm.Extensions()...)
	p.mutualExtensions = ours.Intersect(theirs).ToSlice()
	sort.Slice(p.mutualExtensions, func(i, j int) bool {
		return p.mutualExtensions[i] < p.mutualExtensions[j]
	})
	p.data.UpdateItems(pm.MetricsAndIPItems())
}

// checkVersion enforces major version compatibility.
func (p *Peer) checkVersion(pm *message.ProtocolMessage) bool {
	major, _, err := pm.Version()
	if err != nil {
		// Drafts without a Version data item skip the check.
		return true
	}
	if major != p.engine.cfg.Version.Major {
		p.terminate(protocfg.StatusInvalidMessage,
			fmt.Sprintf("peer version major %d, ours is %d", major, p.engine.cfg.Version.Major))
		return false
	}
	return true
}

func (p *Peer) peerInfo() PeerInfo {
	return PeerInfo{
		ID:                p.id,
		Type:              p.peerType,
		HeartbeatInterval: p.heartbeatRaw,
		Extensions:        append([]protocfg.ExtensionID(nil), p.mutualExtensions...),
		ExperimentNames:   append([]string(nil), p.experimentNames...),
		DataItems:         p.data.Items(),
		Destinations:      p.data.Destinations(),
	}
}

// handleSessionInitialization is the modem-side half of the handshake.
func (p *Peer) handleSessionInitialization(pm *message.ProtocolMessage) {
	if !p.engine.modem || p.state != Connected {
		p.terminate(protocfg.StatusUnexpectedMessage, "unexpected session initialization")
		return
	}
	if !p.checkVersion(pm) {
		return
	}
	p.storeSessionInfo(pm)

	resp := message.New(p.engine.cfg)
	err := resp.AddHeader(protocfg.SigSessionInitializationResponse)
	if err == nil {
		err = resp.AddVersion()
	}
	if err == nil {
		err = resp.AddStatus(protocfg.StatusSuccess, "")
	}
	if err == nil {
		err = resp.AddHeartbeatInterval(uint32(p.engine.params.heartbeatInterval))
	}
	if err == nil && p.engine.params.peerType != "" {
		err = resp.AddPeerType(p.engine.params.peerType, p.engine.params.peerFlags)
	}
	if err == nil {
		err = resp.AddExtensions(p.mutualExtensions)
	}
	if err == nil {
		err = resp.AddExperimentNames()
	}
	if err == nil {
		// Our default metrics and IP addresses, filtered to what the
		// response is allowed to carry.
		err = resp.AddAllowedDataItems(p.engine.infoBase.Items())
	}
	if err != nil {
		p.log.Error().Err(err).Msg("could not build session initialization response")
		p.terminate(protocfg.StatusInvalidData, err.Error())
		return
	}
	if err := p.sendRaw(resp.Buffer(), resp.Name()); err != nil {
		p.enterTerminating()
		return
	}
	p.state = InSession
	p.engine.client.PeerUp(p.peerInfo())
	p.engine.sendAllDestinations(p)

	// With destination advertisement active, the router peer's MAC is
	// the destination this modem represents on the RF side.
	if da := p.engine.destAdvert; da != nil {
		iface, _ := paramString(p.engine.client, "discovery-iface", "")
		if mac, ok := da.peerMACForSession(p.conn.RemoteAddr(), iface); ok {
			da.addPeerDestination(mac)
		}
	}
}

// handleSessionInitializationResponse is the router-side half.
func (p *Peer) handleSessionInitializationResponse(pm *message.ProtocolMessage) {
	if p.engine.modem || p.state != Connected {
		p.terminate(protocfg.StatusUnexpectedMessage, "unexpected session initialization response")
		return
	}
	p.handleResponse(pm)
	if p.state == Terminating {
		return
	}
	if !p.checkVersion(pm) {
		return
	}
	if name, reason, err := pm.Status(); err == nil && name != protocfg.StatusSuccess {
		p.terminate(name, "session initialization failed: "+reason)
		return
	}
	p.storeSessionInfo(pm)
	p.state = InSession
	p.engine.client.PeerUp(p.peerInfo())
	p.engine.sendAllDestinations(p)
}

// validateIPItems enforces the IP invariants on an incoming update:
// an added address must not exist anywhere on the local node or any
// peer; a dropped address must currently exist in current.
func (p *Peer) validateIPItems(updates, current []dataitem.DataItem) error {
	for _, di := range updates {
		if !di.IsIP() {
			continue
		}
		if di.IPFlags() == dataitem.IPFlagAdd {
			if owner := p.engine.findIPOwner(di); owner != "" {
				return fmt.Errorf("IP %s already held by %s", di.ValueString(p.engine.cfg, nil), owner)
			}
		} else {
			if dataitem.FindIPDataItem(current, di) < 0 {
				return fmt.Errorf("dropped IP %s is not present", di.ValueString(p.engine.cfg, nil))
			}
		}
	}
	return nil
}

func (p *Peer) handleSessionUpdate(pm *message.ProtocolMessage) {
	updates := pm.DataItems()
	if err := p.validateIPItems(pm.IPItems(), p.data.Items()); err != nil {
		p.terminate(protocfg.StatusInconsistentData, err.Error())
		return
	}
	p.data.UpdateItems(updates)
	p.engine.client.PeerUpdate(p.id, updates)
	if err := p.sendSimpleResponse(protocfg.SigSessionUpdateResponse,
		protocfg.StatusSuccess, "", nil); err != nil {
		p.log.Error().Err(err).Msg("could not send session update response")
	}
}

func (p *Peer) handleSessionTermination(pm *message.ProtocolMessage) {
	if p.shouldSendResponse(protocfg.SigSessionTerminationResponse) {
		resp := message.New(p.engine.cfg)
		if err := resp.AddHeader(protocfg.SigSessionTerminationResponse); err == nil {
			p.sendRaw(resp.Buffer(), resp.Name())
		}
	}
	p.enterTerminating()
}

func (p *Peer) handleSessionTerminationResponse(pm *message.ProtocolMessage) {
	p.handleResponse(pm)
	// Our termination handshake is complete; the cleanup sweep will
	// remove the peer now that nothing is outstanding.
}

func (p *Peer) handleDestinationUp(pm *message.ProtocolMessage) {
	mac, err := pm.MAC()
	if err != nil {
		p.terminate(protocfg.StatusInvalidMessage, "destination up without MAC")
		return
	}
	if p.data.HasDestination(mac) {
		p.terminate(protocfg.StatusInvalidMessage, "duplicate destination up for "+mac.String())
		return
	}
	items := pm.DataItemsNoMAC()
	statusName := p.engine.client.DestinationUp(p.id, mac, items)
	if statusName == "" {
		statusName = protocfg.StatusSuccess
	}
	switch statusName {
	case protocfg.StatusSuccess:
		p.data.AddDestination(mac, items, true)
	case protocfg.StatusNotInterested:
		p.notInterestedMACs.Add(mac.Key())
	}
	if err := p.sendSimpleResponse(protocfg.SigDestinationUpResponse, statusName, "", mac); err != nil {
		p.log.Error().Err(err).Msg("could not send destination up response")
	}
}

func (p *Peer) handleDestinationUpResponse(pm *message.ProtocolMessage) {
	p.handleResponse(pm)
	if p.state == Terminating {
		return
	}
	mac, err := pm.MAC()
	if err != nil {
		return
	}
	if name, _, err := pm.Status(); err == nil && name == protocfg.StatusNotInterested {
		p.notInterestedMACs.Add(mac.Key())
	}
}

// handleDestinationAnnounce runs on the modem.  A destination the modem
// already owns is answered at once with its stored items; anything else
// is forwarded to the client, with the response owed when the client
// declares the destination up.
func (p *Peer) handleDestinationAnnounce(pm *message.ProtocolMessage) {
	mac, err := pm.MAC()
	if err != nil {
		p.terminate(protocfg.StatusInvalidMessage, "destination announce without MAC")
		return
	}
	if dd := p.engine.infoBase.GetDestination(mac); dd != nil {
		resp := message.New(p.engine.cfg)
		err := resp.AddHeader(protocfg.SigDestinationAnnounceResponse)
		if err == nil {
			err = resp.AddMAC(mac)
		}
		if err == nil {
			err = resp.AddStatus(protocfg.StatusSuccess, "")
		}
		if err == nil {
			err = resp.AddAllowedDataItems(dd.Items)
		}
		if err == nil {
			err = p.sendRaw(resp.Buffer(), resp.Name())
		}
		if err != nil {
			p.log.Error().Err(err).Msg("could not send destination announce response")
		}
		return
	}
	statusName := p.engine.client.DestinationUp(p.id, mac, pm.DataItemsNoMAC())
	if statusName == "" || statusName == protocfg.StatusSuccess {
		p.needsResponse[mac.Key()] = protocfg.SigDestinationAnnounceResponse
		return
	}
	if err := p.sendSimpleResponse(protocfg.SigDestinationAnnounceResponse, statusName, "", mac); err != nil {
		p.log.Error().Err(err).Msg("could not send destination announce response")
	}
}

// handleDestinationAnnounceResponse runs on the router: the modem has
// answered our announce, possibly with the destination's items.
func (p *Peer) handleDestinationAnnounceResponse(pm *message.ProtocolMessage) {
	p.handleResponse(pm)
	if p.state == Terminating {
		return
	}
	mac, err := pm.MAC()
	if err != nil {
		return
	}
	name, _, err := pm.Status()
	if err != nil || name == protocfg.StatusSuccess {
		items := pm.MetricsAndIPItems()
		if p.data.AddDestination(mac, items, true) {
			p.engine.client.DestinationUp(p.id, mac, items)
		}
	}
}

func (p *Peer) handleDestinationUpdate(pm *message.ProtocolMessage) {
	mac, err := pm.MAC()
	if err != nil {
		p.terminate(protocfg.StatusInvalidMessage, "destination update without MAC")
		return
	}
	dd := p.data.GetDestination(mac)
	if dd == nil {
		p.terminate(protocfg.StatusInvalidMessage, "destination update for unknown "+mac.String())
		return
	}
	if err := p.validateIPItems(pm.IPItems(), dd.Items); err != nil {
		p.terminate(protocfg.StatusInconsistentData, err.Error())
		return
	}
	updates := pm.DataItemsNoMAC()
	p.data.UpdateDestination(mac, updates)
	p.engine.client.DestinationUpdate(p.id, mac, updates)
}

func (p *Peer) handleDestinationDown(pm *message.ProtocolMessage) {
	mac, err := pm.MAC()
	if err != nil {
		p.terminate(protocfg.StatusInvalidMessage, "destination down without MAC")
		return
	}
	switch {
	case p.data.RemoveDestination(mac):
		p.engine.client.DestinationDown(p.id, mac)
	case p.engine.infoBase.HasDestination(mac):
		// The peer is telling us it no longer wants one of our own
		// destinations.
		p.notInterestedMACs.Add(mac.Key())
	default:
		p.terminate(protocfg.StatusInvalidDestination, "destination down for unknown "+mac.String())
		return
	}
	if err := p.sendSimpleResponse(protocfg.SigDestinationDownResponse,
		protocfg.StatusSuccess, "", mac); err != nil {
		p.log.Error().Err(err).Msg("could not send destination down response")
	}
}

// handleLinkCharacteristicsRequest runs on the modem.  An empty request
// reflects the destination's current metrics; a non-empty one is
// forwarded to the client and answered when it replies.
func (p *Peer) handleLinkCharacteristicsRequest(pm *message.ProtocolMessage) {
	mac, err := pm.MAC()
	if err != nil {
		p.terminate(protocfg.StatusInvalidMessage, "link characteristics request without MAC")
		return
	}
	requested := pm.DataItemsNoMAC()
	if len(requested) == 0 {
		var items []dataitem.DataItem
		if dd := p.engine.infoBase.GetDestination(mac); dd != nil {
			items = dd.Items
		} else if dd := p.data.GetDestination(mac); dd != nil {
			items = dd.Items
		}
		resp := message.New(p.engine.cfg)
		err := resp.AddHeader(protocfg.SigLinkCharacteristicsResponse)
		if err == nil {
			err = resp.AddMAC(mac)
		}
		if err == nil {
			err = resp.AddAllowedDataItems(items)
		}
		if err == nil {
			err = p.sendRaw(resp.Buffer(), resp.Name())
		}
		if err != nil {
			p.log.Error().Err(err).Msg("could not send link characteristics response")
		}
		return
	}
	p.needsResponse[mac.Key()] = protocfg.SigLinkCharacteristicsResponse
	p.engine.client.LinkCharacteristicsRequest(p.id, mac, requested)
}

// handleLinkCharacteristicsResponse runs on the router.
func (p *Peer) handleLinkCharacteristicsResponse(pm *message.ProtocolMessage) {
	p.handleResponse(pm)
	if p.state == Terminating {
		return
	}
	mac, err := pm.MAC()
	if err != nil {
		return
	}
	items := pm.MetricsAndIPItems()
	p.data.UpdateDestination(mac, items)
	p.engine.client.LinkCharacteristicsReply(p.id, mac, items)
}

// Outbound operations, driven by the Service API.  Caller holds the
// engine mutex.

// destinationUp emits Destination Up (or Destination Announce on a
// router whose configuration has it, or the owed response for a
// deferred announce).
func (p *Peer) destinationUp(mac dataitem.MAC, items []dataitem.DataItem) error {
	if rn, owed := p.needsResponse[mac.Key()]; owed {
		delete(p.needsResponse, mac.Key())
		resp := message.New(p.engine.cfg)
		err := resp.AddHeader(rn)
		if err == nil {
			err = resp.AddMAC(mac)
		}
		if err == nil && rn == protocfg.SigDestinationAnnounceResponse {
			err = resp.AddStatus(protocfg.StatusSuccess, "")
		}
		if err == nil {
			err = resp.AddAllowedDataItems(items)
		}
		if err == nil {
			err = p.sendRaw(resp.Buffer(), resp.Name())
		}
		return err
	}

	name := protocfg.SigDestinationUp
	if !p.engine.modem && p.engine.cfg.HasSignal(protocfg.SigDestinationAnnounce) {
		name = protocfg.SigDestinationAnnounce
	}
	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(name); err != nil {
		return err
	}
	if err := pm.AddMAC(mac); err != nil {
		return err
	}
	if err := pm.AddAllowedDataItems(items); err != nil {
		return err
	}
	return p.sendExpectingResponse(pm, mac)
}

func (p *Peer) destinationUpdate(mac dataitem.MAC, items []dataitem.DataItem) error {
	if p.notInterestedMACs.Contains(mac.Key()) {
		p.log.Debug().Str("mac", mac.String()).Msg("peer not interested, suppressing update")
		return nil
	}
	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(protocfg.SigDestinationUpdate); err != nil {
		return err
	}
	if err := pm.AddMAC(mac); err != nil {
		return err
	}
	if err := pm.AddAllowedDataItems(items); err != nil {
		return err
	}
	return p.sendRaw(pm.Buffer(), pm.Name())
}

func (p *Peer) destinationDown(mac dataitem.MAC) error {
	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(protocfg.SigDestinationDown); err != nil {
		return err
	}
	if err := pm.AddMAC(mac); err != nil {
		return err
	}
	return p.sendExpectingResponse(pm, mac)
}

func (p *Peer) peerUpdate(items []dataitem.DataItem) error {
	if p.state != InSession {
		return fmt.Errorf("peer %s not in session", p.id)
	}
	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(protocfg.SigSessionUpdate); err != nil {
		return err
	}
	if err := pm.AddAllowedDataItems(items); err != nil {
		return err
	}
	return p.sendExpectingResponse(pm, nil)
}

func (p *Peer) linkCharacteristicsRequest(mac dataitem.MAC, items []dataitem.DataItem) error {
	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(protocfg.SigLinkCharacteristicsRequest); err != nil {
		return err
	}
	if err := pm.AddMAC(mac); err != nil {
		return err
	}
	if err := pm.AddAllowedDataItems(items); err != nil {
		return err
	}
	return p.sendExpectingResponse(pm, mac)
}

// linkCharacteristicsReply sends the owed Link Characteristics Response
// after the client has adjusted the link.
func (p *Peer) linkCharacteristicsReply(mac dataitem.MAC, items []dataitem.DataItem) error {
	delete(p.needsResponse, mac.Key())
	if !p.shouldSendResponse(protocfg.SigLinkCharacteristicsResponse) {
		return nil
	}
	pm := message.New(p.engine.cfg)
	if err := pm.AddHeader(protocfg.SigLinkCharacteristicsResponse); err != nil {
		return err
	}
	if err := pm.AddMAC(mac); err != nil {
		return err
	}
	if err := pm.AddAllowedDataItems(items); err != nil {
		return err
	}
	return p.sendRaw(pm.Buffer(), pm.Name())
}

// Timers.

// heartbeatLoop emits the prebuilt Heartbeat at the configured cadence.
func (p *Peer) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.engine.mu.Lock()
			if p.state == InSession {
				if err := p.sendRaw(p.heartbeat.Buffer(), protocfg.SigHeartbeat); err == nil {
					metrics.HeartbeatsSent.Inc()
				}
			}
			p.engine.mu.Unlock()
		}
	}
}

// acktivityLoop fires once a second to check peer inactivity and to
// retransmit pending messages whose responses are overdue.
func (p *Peer) acktivityLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.engine.mu.Lock()
			if p.state != Terminating {
				p.checkForActivity(now)
			}
			if p.state != Terminating {
				p.checkForRetransmits(now)
			}
			p.engine.mu.Unlock()
		}
	}
}

func (p *Peer) checkForActivity(now time.Time) {
	threshold := p.engine.params.heartbeatThreshold
	if threshold == 0 || p.heartbeatSecs == 0 {
		return
	}
	deadline := time.Duration(threshold) * time.Duration(p.heartbeatSecs) * time.Second
	if now.Sub(p.lastReceive) > deadline {
		p.terminate(protocfg.StatusTimedOut,
			fmt.Sprintf("nothing received for %v", now.Sub(p.lastReceive).Round(time.Second)))
	}
}

func (p *Peer) checkForRetransmits(now time.Time) {
	ackTimeout := time.Duration(p.engine.params.ackTimeout) * time.Second
	if ackTimeout <= 0 {
		return
	}
	for _, q := range p.pending {
		if len(q) == 0 {
			continue
		}
		head := q[0]
		if head.queued || now.Sub(head.lastSend) < ackTimeout {
			continue
		}
		if uint64(head.tries) >= p.engine.params.sendTries {
			p.terminate(protocfg.StatusTimedOut,
				fmt.Sprintf("no %s after %d tries of %s", head.responseName, head.tries, head.msgName))
			return
		}
		p.log.Info().Str("message", head.msgName).Int("tries", head.tries).Msg("retransmitting")
		metrics.Retransmits.Inc()
		if err := p.transmit(head); err != nil {
			p.log.Error().Err(err).Msg("retransmit failed")
		}
	}
}

// removable reports whether the cleanup sweep may reap this peer: it is
// Terminating and its termination handshake is done or hopeless.
func (p *Peer) removable(now time.Time) bool {
	if p.state != Terminating {
		return false
	}
	if len(p.pending) == 0 {
		return true
	}
	grace := time.Duration(p.engine.params.ackTimeout*p.engine.params.sendTries) * time.Second
	return now.Sub(p.terminatedAt) > grace
}
