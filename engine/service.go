package engine

import (
	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/protocfg"
)

// Service is the interface the embedding client drives the core
// through.  Every operation returns a Status; nothing panics across
// the boundary.
type Service interface {
	DestinationUp(mac dataitem.MAC, items []dataitem.DataItem) Status
	DestinationUpdate(mac dataitem.MAC, items []dataitem.DataItem) Status
	DestinationDown(mac dataitem.MAC) Status
	PeerUpdate(items []dataitem.DataItem) Status
	GetPeers() []string
	GetPeerInfo(peerID string) (PeerInfo, Status)
	GetDestinationInfo(peerID string, mac dataitem.MAC) (DestinationInfo, Status)
	ProtocolConfig() *protocfg.Config
	LinkCharacteristicsRequest(mac dataitem.MAC, items []dataitem.DataItem) Status
	LinkCharacteristicsReply(peerID string, mac dataitem.MAC, items []dataitem.DataItem) Status
	Terminate()
}

var _ Service = (*Engine)(nil)

func (e *Engine) validateItems(items []dataitem.DataItem) bool {
	for _, di := range items {
		if err := di.Validate(e.cfg, nil); err != nil {
			e.log.Error().Err(err).Msg("client supplied invalid data item")
			return false
		}
	}
	return true
}

// DestinationUp declares a local destination up and tells every
// in-session peer about it.  With destination advertisement active the
// MAC is an RF id handled by that subprotocol instead.
func (e *Engine) DestinationUp(mac dataitem.MAC, items []dataitem.DataItem) Status {
	if len(mac) == 0 {
		return StatusInvalidMACAddress
	}
	if !e.validateItems(items) {
		return StatusInvalidDataItem
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destAdvert != nil {
		return e.destAdvert.destinationUp(mac, items)
	}
	return e.localDestinationUp(mac, items)
}

// localDestinationUp is DestinationUp without the destination-advert
// translation layer.  Caller holds the mutex.
func (e *Engine) localDestinationUp(mac dataitem.MAC, items []dataitem.DataItem) Status {
	// A peer that announced this destination is owed a response rather
	// than a fresh Destination Up.
	owed := false
	for _, p := range e.peers {
		if _, ok := p.needsResponse[mac.Key()]; ok {
			owed = true
			break
		}
	}
	if !e.infoBase.AddDestination(mac, items, false) && !owed {
		return StatusDestinationExists
	}
	for _, p := range e.peers {
		if p.state != InSession {
			continue
		}
		if err := p.destinationUp(mac, items); err != nil {
			p.log.Error().Err(err).Str("mac", mac.String()).Msg("destination up send failed")
		}
	}
	return StatusOK
}

// DestinationUpdate merges new data items into a local destination and
// notifies interested peers.
func (e *Engine) DestinationUpdate(mac dataitem.MAC, items []dataitem.DataItem) Status {
	if len(mac) == 0 {
		return StatusInvalidMACAddress
	}
	if !e.validateItems(items) {
		return StatusInvalidDataItem
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destAdvert != nil {
		return e.destAdvert.destinationUpdate(mac, items)
	}
	return e.localDestinationUpdate(mac, items)
}

func (e *Engine) localDestinationUpdate(mac dataitem.MAC, items []dataitem.DataItem) Status {
	if !e.infoBase.UpdateDestination(mac, items) {
		return StatusDestinationDoesNotExist
	}
	for _, p := range e.peers {
		if p.state != InSession {
			continue
		}
		if err := p.destinationUpdate(mac, items); err != nil {
			p.log.Error().Err(err).Str("mac", mac.String()).Msg("destination update send failed")
		}
	}
	return StatusOK
}

// DestinationDown withdraws a local destination.
func (e *Engine) DestinationDown(mac dataitem.MAC) Status {
	if len(mac) == 0 {
		return StatusInvalidMACAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destAdvert != nil {
		return e.destAdvert.destinationDown(mac)
	}
	return e.localDestinationDown(mac)
}

func (e *Engine) localDestinationDown(mac dataitem.MAC) Status {
	if !e.infoBase.RemoveDestination(mac) {
		return StatusDestinationDoesNotExist
	}
	for _, p := range e.peers {
		if p.state != InSession {
			continue
		}
		if err := p.destinationDown(mac); err != nil {
			p.log.Error().Err(err).Str("mac", mac.String()).Msg("destination down send failed")
		}
	}
	return StatusOK
}

// PeerUpdate updates the local node's default data items and sends a
// Session Update to every in-session peer.
func (e *Engine) PeerUpdate(items []dataitem.DataItem) Status {
	if !e.validateItems(items) {
		return StatusInvalidDataItem
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.infoBase.UpdateItems(items)
	for _, p := range e.peers {
		if p.state != InSession {
			continue
		}
		if err := p.peerUpdate(items); err != nil {
			p.log.Error().Err(err).Msg("peer update send failed")
		}
	}
	return StatusOK
}

// GetPeers returns the ids of all current peers.
func (e *Engine) GetPeers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.peers))
	for id := range e.peers {
		out = append(out, id)
	}
	return out
}

// GetPeerInfo returns a snapshot of one peer.
func (e *Engine) GetPeerInfo(peerID string) (PeerInfo, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[peerID]
	if !ok {
		return PeerInfo{}, StatusPeerDoesNotExist
	}
	return p.peerInfo(), StatusOK
}

// GetDestinationInfo returns a snapshot of one destination owned by the
// given peer.
func (e *Engine) GetDestinationInfo(peerID string, mac dataitem.MAC) (DestinationInfo, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[peerID]
	if !ok {
		return DestinationInfo{}, StatusPeerDoesNotExist
	}
	dd := p.data.GetDestination(mac)
	if dd == nil {
		return DestinationInfo{}, StatusDestinationDoesNotExist
	}
	return DestinationInfo{
		PeerID: peerID,
		MAC:    dd.MAC.Clone(),
		Items:  append([]dataitem.DataItem(nil), dd.Items...),
	}, StatusOK
}

// ProtocolConfig returns the loaded protocol configuration.  It is
// immutable and safe to read without locking.
func (e *Engine) ProtocolConfig() *protocfg.Config { return e.cfg }

// LinkCharacteristicsRequest asks the peer owning the destination to
// achieve the given metrics.
func (e *Engine) LinkCharacteristicsRequest(mac dataitem.MAC, items []dataitem.DataItem) Status {
	if len(mac) == 0 {
		return StatusInvalidMACAddress
	}
	if !e.validateItems(items) {
		return StatusInvalidDataItem
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.peers {
		if p.state == InSession && p.data.HasDestination(mac) {
			if err := p.linkCharacteristicsRequest(mac, items); err != nil {
				p.log.Error().Err(err).Msg("link characteristics request send failed")
				return StatusInvalidDataItem
			}
			return StatusOK
		}
	}
	return StatusDestinationDoesNotExist
}

// LinkCharacteristicsReply answers an earlier request from the given
// peer with the achieved metrics.
func (e *Engine) LinkCharacteristicsReply(peerID string, mac dataitem.MAC, items []dataitem.DataItem) Status {
	if len(mac) == 0 {
		return StatusInvalidMACAddress
	}
	if !e.validateItems(items) {
		return StatusInvalidDataItem
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[peerID]
	if !ok {
		return StatusPeerDoesNotExist
	}
	// The requested MAC may name a modem-owned destination or one the
	// router announced, stored in the peer's slice; update whichever
	// scope holds it, the same way the request handler resolves it.
	if !e.infoBase.UpdateDestination(mac, items) {
		p.data.UpdateDestination(mac, items)
	}
	if err := p.linkCharacteristicsReply(mac, items); err != nil {
		p.log.Error().Err(err).Msg("link characteristics reply send failed")
		return StatusInvalidDataItem
	}
	return StatusOK
}

// Terminate shuts the engine down: every session is terminated, the
// transports are closed, and the background loops exit.
func (e *Engine) Terminate() {
	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		return
	default:
	}
	close(e.done)
	for id, p := range e.peers {
		p.terminate(protocfg.StatusShuttingDown, "engine terminating")
		p.stop()
		delete(e.peers, id)
	}
	e.mu.Unlock()
	e.shutdownTransports()
	e.log.Info().Msg("engine terminated")
}
