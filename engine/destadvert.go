package engine

import (
	"net"
	"net/netip"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/metrics"
	"github.com/mit-ll/dlep/netutil"
)

// destAdvertEntry is one row of the destination advertisement database,
// keyed by RF id.
type destAdvertEntry struct {
	timestamp time.Time
	up        bool
	// placeholder means the client declared this RF id up before any
	// advertisement from it was heard.
	placeholder bool
	info        destAdvertInfo
	// items are the client-supplied metrics for this RF id.
	items []dataitem.DataItem
}

// destAdvert is the modem-only destination advertisement worker.  It
// periodically multicasts this modem's own advertisement and maintains
// the database of peer advertisements.  Routers never see raw RF ids:
// the advertised destinations are re-announced through the ordinary
// information-base path.
//
// The database has its own mutex because Service calls interleave with
// the purge timer.
type destAdvert struct {
	engine *Engine
	worker *mcastWorker

	mu sync.Mutex
	db map[string]*destAdvertEntry
	// destinations is the set this modem advertises: the MAC addresses
	// it represents, learned from its router session.
	destinations mapset.Set[string]

	rfID         dataitem.MAC
	sendInterval uint64
	holdInterval uint64
	expireCount  uint64
	seq          uint32

	done chan struct{}
}

func (e *Engine) startDestAdvert() error {
	if !e.modem {
		return nil
	}
	enabled, err := paramBool(e.client, "destination-advert-enable", false)
	if err != nil || !enabled {
		return err
	}
	iface, err := paramString(e.client, "destination-advert-iface", "")
	if err != nil {
		return err
	}
	port, err := paramUint(e.client, "destination-advert-port", 33445)
	if err != nil {
		return err
	}
	group, err := paramAddr(e.client, "destination-advert-mcast-address", netip.MustParseAddr("225.6.7.8"))
	if err != nil {
		return err
	}
	sendInterval, err := paramUint(e.client, "destination-advert-send-interval", 5)
	if err != nil {
		return err
	}
	holdInterval, err := paramUint(e.client, "destination-advert-hold-interval", 0)
	if err != nil {
		return err
	}
	expireCount, err := paramUint(e.client, "destination-advert-expire-count", 0)
	if err != nil {
		return err
	}
	rfIDStr, err := paramString(e.client, "destination-advert-rf-id", "")
	if err != nil {
		return err
	}
	rfID, err := dataitem.ParseMAC(rfIDStr)
	if err != nil {
		return err
	}

	da := &destAdvert{
		engine:       e,
		db:           make(map[string]*destAdvertEntry),
		destinations: mapset.NewSet[string](),
		rfID:         rfID,
		sendInterval: sendInterval,
		holdInterval: holdInterval,
		expireCount:  expireCount,
		done:         make(chan struct{}),
	}
	cfg := mcastConfig{
		group:        group,
		port:         port,
		iface:        iface,
		ttl:          1,
		sendInterval: time.Duration(sendInterval) * time.Second,
		sendEnabled:  true,
		recvEnabled:  true,
	}
	w, err := newMcastWorker(cfg, e.log.With().Str("worker", "destadvert").Logger(),
		da.buildAdvert, da.handleAdvert)
	if err != nil {
		return err
	}
	da.worker = w
	e.destAdvert = da
	w.start()
	go da.purgeLoop()
	return nil
}

func (da *destAdvert) stop() {
	select {
	case <-da.done:
		return
	default:
	}
	close(da.done)
	da.worker.stop()
}

// addPeerDestination records the MAC this modem represents for a newly
// attached router; it joins our outgoing advertisement.
func (da *destAdvert) addPeerDestination(mac dataitem.MAC) {
	da.destinations.Add(mac.Key())
}

// clearPeerDestinations drops the advertised set when the router
// session ends.
func (da *destAdvert) clearPeerDestinations() {
	da.destinations.Clear()
}

func (da *destAdvert) buildAdvert() []byte {
	dests := make([]dataitem.MAC, 0, da.destinations.Cardinality())
	for _, key := range da.destinations.ToSlice() {
		dests = append(dests, dataitem.MAC(key))
	}
	da.seq++
	info := &destAdvertInfo{
		reportInterval: uint32(da.sendInterval),
		uptime:         int64(time.Since(da.engine.startTime) / time.Second),
		sequence:       da.seq,
		rfID:           da.rfID,
		destinations:   dests,
	}
	metrics.DestAdverts.WithLabelValues("sent").Inc()
	return marshalDestAdvert(info)
}

// handleAdvert upserts the database entry for a received advertisement.
// For an entry in the up state, the delta between the previously and
// newly advertised destination sets is translated into destination up
// and down calls toward our router peers.
func (da *destAdvert) handleAdvert(pkt []byte, src *net.UDPAddr) {
	info, err := unmarshalDestAdvert(pkt)
	if err != nil {
		da.worker.log.Error().Err(err).Str("src", src.String()).Msg("undecodable advertisement")
		return
	}
	if info.rfID.Equal(da.rfID) {
		return // our own multicast looped back
	}
	metrics.DestAdverts.WithLabelValues("received").Inc()
	da.worker.log.Debug().Str("advert", info.String()).Msg("received advertisement")

	// Engine mutex before DB mutex, the same order the Service entry
	// points and the purge sweep use.
	da.engine.mu.Lock()
	defer da.engine.mu.Unlock()
	da.mu.Lock()
	defer da.mu.Unlock()

	entry, exists := da.db[info.rfID.Key()]
	if !exists {
		da.db[info.rfID.Key()] = &destAdvertEntry{
			timestamp: time.Now(),
			up:        false,
			info:      *info,
		}
		return
	}

	entry.timestamp = time.Now()
	if entry.up {
		old := mapset.NewThreadUnsafeSet[string]()
		for _, d := range entry.info.destinations {
			old.Add(d.Key())
		}
		new_ := mapset.NewThreadUnsafeSet[string]()
		for _, d := range info.destinations {
			new_.Add(d.Key())
		}
		for _, key := range new_.Difference(old).ToSlice() {
			da.engine.localDestinationUp(dataitem.MAC(key), entry.items)
		}
		for _, key := range old.Difference(new_).ToSlice() {
			da.engine.localDestinationDown(dataitem.MAC(key))
		}
	}
	entry.info = *info
}

// purgeLoop sweeps the database once a second: stale placeholder
// entries beyond the hold interval go away quietly, and entries not
// re-advertised within expire-count report intervals go down.
func (da *destAdvert) purgeLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-da.done:
			return
		case now := <-ticker.C:
			da.purge(now)
		}
	}
}

func (da *destAdvert) purge(now time.Time) {
	// Taking the engine mutex before the DB mutex keeps the lock order
	// consistent with the Service entry points.
	da.engine.mu.Lock()
	defer da.engine.mu.Unlock()
	da.mu.Lock()
	defer da.mu.Unlock()

	for key, entry := range da.db {
		age := now.Sub(entry.timestamp)

		if da.holdInterval > 0 && entry.placeholder && entry.up {
			if age >= time.Duration(da.holdInterval)*time.Second {
				da.worker.log.Info().Str("rfid", dataitem.MAC(key).String()).
					Dur("age", age).Msg("removing stale placeholder")
				delete(da.db, key)
				continue
			}
		}

		if da.expireCount > 0 && entry.info.reportInterval > 0 {
			deadline := time.Duration(da.expireCount) * time.Duration(entry.info.reportInterval) * time.Second
			if age >= deadline {
				da.worker.log.Info().Str("rfid", dataitem.MAC(key).String()).
					Dur("age", age).Msg("removing expired advertisement")
				if entry.up {
					for _, dest := range entry.info.destinations {
						da.engine.localDestinationDown(dest)
					}
				}
				delete(da.db, key)
			}
		}
	}
}

// Service operations in RF id space.  Caller holds the engine mutex.

// destinationUp handles the client declaring an RF id up.  A known
// advertisement turns into real destination ups toward the router; an
// unknown one leaves a placeholder for the advertisement to claim.
func (da *destAdvert) destinationUp(rfID dataitem.MAC, items []dataitem.DataItem) Status {
	da.mu.Lock()
	defer da.mu.Unlock()

	entry, exists := da.db[rfID.Key()]
	if exists {
		entry.items = append([]dataitem.DataItem(nil), items...)
		if entry.up {
			return StatusDestinationExists
		}
		entry.up = true
		for _, dest := range entry.info.destinations {
			da.engine.localDestinationUp(dest, items)
		}
		return StatusOK
	}
	da.db[rfID.Key()] = &destAdvertEntry{
		timestamp:   time.Now(),
		up:          true,
		placeholder: true,
		items:       append([]dataitem.DataItem(nil), items...),
	}
	return StatusOK
}

func (da *destAdvert) destinationUpdate(rfID dataitem.MAC, items []dataitem.DataItem) Status {
	da.mu.Lock()
	entry, exists := da.db[rfID.Key()]
	if exists {
		entry.items = append([]dataitem.DataItem(nil), items...)
		if entry.up {
			for _, dest := range entry.info.destinations {
				da.engine.localDestinationUpdate(dest, items)
			}
		}
		da.mu.Unlock()
		return StatusOK
	}
	da.mu.Unlock()
	// Not one of our RF ids; maybe it is a destination owned by a peer.
	return da.engine.localDestinationUpdate(rfID, items)
}

func (da *destAdvert) destinationDown(rfID dataitem.MAC) Status {
	da.mu.Lock()
	defer da.mu.Unlock()

	entry, exists := da.db[rfID.Key()]
	if !exists {
		return StatusDestinationDoesNotExist
	}
	status := StatusOK
	if entry.up {
		for _, dest := range entry.info.destinations {
			if da.engine.localDestinationDown(dest) != StatusOK {
				status = StatusDestinationDoesNotExist
			}
		}
		entry.up = false
	}
	return status
}

// peerMACForSession resolves the router peer's MAC address so it can be
// advertised as a destination this modem represents.
func (da *destAdvert) peerMACForSession(remote net.Addr, iface string) (dataitem.MAC, bool) {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return nil, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, false
	}
	hw, err := netutil.HardwareAddrForIP(addr, iface)
	if err != nil {
		da.worker.log.Debug().Err(err).Str("peer", host).Msg("no neighbor entry for peer")
		return nil, false
	}
	return dataitem.MAC(hw), true
}
