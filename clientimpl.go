package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/engine"
	"github.com/mit-ll/dlep/events"
)

// paramSet is the daemon's parameter file: a flat map of configuration
// parameter names to values, plus optional destinations to declare at
// startup.
type paramSet struct {
	values       map[string]any
	destinations []configDestination
}

type configDestination struct {
	MAC   string   `yaml:"mac"`
	Items []string `yaml:"items"`
}

type paramFileShape struct {
	Parameters   map[string]any      `yaml:"parameters"`
	Destinations []configDestination `yaml:"destinations"`
}

func loadParams(path string) (*paramSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var shape paramFileShape
	if err := yaml.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if shape.Parameters == nil {
		shape.Parameters = make(map[string]any)
	}
	return &paramSet{values: shape.Parameters, destinations: shape.Destinations}, nil
}

func (ps *paramSet) stringOr(name, fallback string) string {
	if v, ok := ps.values[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// daemonClient is the embedding client the daemon supplies to the
// engine: parameters come from the YAML file, callbacks are logged and
// republished on the event socket.
type daemonClient struct {
	params *paramSet
	log    zerolog.Logger
	events events.Server

	mu  sync.Mutex
	svc engine.Service
}

func newDaemonClient(params *paramSet, log zerolog.Logger, evs events.Server) *daemonClient {
	return &daemonClient{
		params: params,
		log:    log.With().Str("component", "client").Logger(),
		events: evs,
	}
}

func (c *daemonClient) bind(svc engine.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.svc = svc
}

func (c *daemonClient) service() engine.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.svc
}

// declareConfiguredDestinations brings up the destinations listed in
// the parameter file.  Runs in its own goroutine, never from an engine
// callback.
func (c *daemonClient) declareConfiguredDestinations() {
	svc := c.service()
	if svc == nil {
		return
	}
	cfg := svc.ProtocolConfig()
	for _, d := range c.params.destinations {
		mac, err := dataitem.ParseMAC(d.MAC)
		if err != nil {
			c.log.Error().Err(err).Str("mac", d.MAC).Msg("bad destination in parameter file")
			continue
		}
		var items []dataitem.DataItem
		ok := true
		for _, text := range d.Items {
			di, err := dataitem.FromString(text, cfg, nil)
			if err != nil {
				c.log.Error().Err(err).Str("item", text).Msg("bad data item in parameter file")
				ok = false
				break
			}
			items = append(items, di)
		}
		if !ok {
			continue
		}
		if st := svc.DestinationUp(mac, items); st != engine.StatusOK {
			c.log.Error().Str("mac", mac.String()).Str("status", st.String()).
				Msg("could not declare destination up")
		}
	}
}

func (c *daemonClient) itemStrings(items []dataitem.DataItem) []string {
	svc := c.service()
	if svc == nil {
		return nil
	}
	cfg := svc.ProtocolConfig()
	out := make([]string, 0, len(items))
	for _, di := range items {
		out = append(out, di.String(cfg, nil))
	}
	return out
}

// ConfigParameter implements engine.Client.
func (c *daemonClient) ConfigParameter(name string) (any, error) {
	v, ok := c.params.values[name]
	if !ok {
		return nil, engine.BadParameterName{Name: name}
	}
	return v, nil
}

func (c *daemonClient) PeerUp(info engine.PeerInfo) {
	c.log.Info().Str("peer", info.ID).Str("type", info.Type).
		Strs("experiments", info.ExperimentNames).Msg("peer up")
	c.events.Publish(events.Event{
		Kind:      events.PeerUp,
		Peer:      info.ID,
		DataItems: c.itemStrings(info.DataItems),
	})
}

func (c *daemonClient) PeerUpdate(peerID string, items []dataitem.DataItem) {
	c.log.Info().Str("peer", peerID).Int("items", len(items)).Msg("peer update")
	c.events.Publish(events.Event{
		Kind:      events.PeerUpdate,
		Peer:      peerID,
		DataItems: c.itemStrings(items),
	})
}

func (c *daemonClient) PeerDown(peerID string) {
	c.log.Info().Str("peer", peerID).Msg("peer down")
	c.events.Publish(events.Event{Kind: events.PeerDown, Peer: peerID})
}

// DestinationUp accepts every destination unless the parameter file
// lists its MAC under not-interested-macs.
func (c *daemonClient) DestinationUp(peerID string, mac dataitem.MAC, items []dataitem.DataItem) string {
	c.log.Info().Str("peer", peerID).Str("mac", mac.String()).Msg("destination up")
	c.events.Publish(events.Event{
		Kind:      events.DestinationUp,
		Peer:      peerID,
		MAC:       mac.String(),
		DataItems: c.itemStrings(items),
	})
	if nims := c.params.stringOr("not-interested-macs", ""); nims != "" {
		for _, m := range strings.Split(nims, ",") {
			if strings.EqualFold(strings.TrimSpace(m), mac.String()) {
				return "Not_Interested"
			}
		}
	}
	return ""
}

func (c *daemonClient) DestinationUpdate(peerID string, mac dataitem.MAC, items []dataitem.DataItem) {
	c.log.Info().Str("peer", peerID).Str("mac", mac.String()).Msg("destination update")
	c.events.Publish(events.Event{
		Kind:      events.DestinationUpdate,
		Peer:      peerID,
		MAC:       mac.String(),
		DataItems: c.itemStrings(items),
	})
}

func (c *daemonClient) DestinationDown(peerID string, mac dataitem.MAC) {
	c.log.Info().Str("peer", peerID).Str("mac", mac.String()).Msg("destination down")
	c.events.Publish(events.Event{
		Kind: events.DestinationDown,
		Peer: peerID,
		MAC:  mac.String(),
	})
}

// LinkCharacteristicsRequest answers by echoing the requested metrics
// back as achieved.  A real radio would adjust the link first.
func (c *daemonClient) LinkCharacteristicsRequest(peerID string, mac dataitem.MAC, items []dataitem.DataItem) {
	c.log.Info().Str("peer", peerID).Str("mac", mac.String()).Msg("link characteristics request")
	go func() {
		if svc := c.service(); svc != nil {
			svc.LinkCharacteristicsReply(peerID, mac, items)
		}
	}()
}

func (c *daemonClient) LinkCharacteristicsReply(peerID string, mac dataitem.MAC, items []dataitem.DataItem) {
	c.log.Info().Str("peer", peerID).Str("mac", mac.String()).Msg("link characteristics reply")
}
