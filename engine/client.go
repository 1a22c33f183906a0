// Package engine implements the DLEP core: session state machines,
// request/response correlation with retransmission, heartbeat liveness,
// destination lifecycle, discovery, and the modem-side destination
// advertisement subprotocol.  The embedding application supplies a
// Client; the engine exposes the Service interface back to it.
package engine

import (
	"fmt"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/protocfg"
)

// BadParameterName is returned by Client.ConfigParameter for names the
// client has no value for.
type BadParameterName struct{ Name string }

func (e BadParameterName) Error() string {
	return fmt.Sprintf("unknown configuration parameter %q", e.Name)
}

// PeerInfo is the snapshot of one peer session handed to the client.
type PeerInfo struct {
	ID                string
	Type              string
	HeartbeatInterval uint64 // raw wire value from the peer
	Extensions        []protocfg.ExtensionID
	ExperimentNames   []string
	DataItems         []dataitem.DataItem
	Destinations      []dataitem.MAC
}

// DestinationInfo is the snapshot of one destination handed to the client.
type DestinationInfo struct {
	PeerID string
	MAC    dataitem.MAC
	Items  []dataitem.DataItem
}

// Client is the embedding application.  The engine invokes these
// callbacks from its own goroutines while holding internal locks: a
// callback that needs to call back into the Service must do so from a
// separate goroutine, never synchronously.
//
// Callback implementations should return quickly; they run on the
// session's event path.
type Client interface {
	// ConfigParameter returns the value for a configuration parameter
	// name.  Values are bool, uint64, string, netip.Addr, or []uint64.
	// Unknown names return BadParameterName.
	ConfigParameter(name string) (any, error)

	// PeerUp fires when a session reaches InSession.
	PeerUp(info PeerInfo)

	// PeerUpdate fires on any Session Update received from a peer.
	PeerUpdate(peerID string, items []dataitem.DataItem)

	// PeerDown fires when a session transitions to Terminating.
	PeerDown(peerID string)

	// DestinationUp asks the client about a new destination.  The
	// return value is a status name: "" or Success accepts it,
	// Not_Interested suppresses future updates, and any other
	// configured status is reported to the peer verbatim.
	DestinationUp(peerID string, mac dataitem.MAC, items []dataitem.DataItem) string

	// DestinationUpdate reports new data items for a known destination.
	DestinationUpdate(peerID string, mac dataitem.MAC, items []dataitem.DataItem)

	// DestinationDown reports a destination going away.
	DestinationDown(peerID string, mac dataitem.MAC)

	// LinkCharacteristicsRequest asks the client to try to achieve the
	// requested metrics for a destination.  The client answers later
	// through Service.LinkCharacteristicsReply.
	LinkCharacteristicsRequest(peerID string, mac dataitem.MAC, items []dataitem.DataItem)

	// LinkCharacteristicsReply delivers a peer's answer to an earlier
	// Service.LinkCharacteristicsRequest.
	LinkCharacteristicsReply(peerID string, mac dataitem.MAC, items []dataitem.DataItem)
}
