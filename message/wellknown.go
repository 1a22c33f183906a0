package message

import (
	"errors"
	"fmt"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/protocfg"
)

// ErrNoDataItem is returned by getters when the message does not carry
// the requested data item.
var ErrNoDataItem = errors.New("data item not present")

// itemValue returns the first data item with the given top-level name.
func (pm *ProtocolMessage) itemValue(name string) (dataitem.Value, error) {
	id, err := pm.cfg.DataItemID(name, nil)
	if err != nil {
		return nil, err
	}
	for _, di := range pm.items {
		if di.ID == id {
			return di.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDataItem, name)
}

// Exists reports whether the named data item appears in the message.
func (pm *ProtocolMessage) Exists(name string) bool {
	_, err := pm.itemValue(name)
	return err == nil
}

// AddVersion appends the Version data item from the configuration.
func (pm *ProtocolMessage) AddVersion() error {
	di, err := dataitem.New(protocfg.DIVersion,
		dataitem.A2U16{pm.cfg.Version.Major, pm.cfg.Version.Minor}, pm.cfg, nil)
	if err != nil {
		return err
	}
	return pm.AddDataItem(di)
}

// Version returns the major/minor version pair carried by the message.
func (pm *ProtocolMessage) Version() (major, minor uint16, err error) {
	v, err := pm.itemValue(protocfg.DIVersion)
	if err != nil {
		return 0, 0, err
	}
	a, ok := v.(dataitem.A2U16)
	if !ok {
		return 0, 0, fmt.Errorf("version data item has type %T", v)
	}
	return a[0], a[1], nil
}

// AddHeartbeatInterval appends the Heartbeat_Interval data item.  The
// interval is given in seconds; the configured units and integer width
// of the data item decide the wire form.
func (pm *ProtocolMessage) AddHeartbeatInterval(seconds uint32) error {
	info, err := pm.cfg.DataItemInfo(protocfg.DIHeartbeatInterval)
	if err != nil {
		return err
	}
	v := uint64(seconds)
	switch info.Units {
	case "milliseconds":
		v *= 1000
	case "microseconds":
		v *= 1000000
	}
	var value dataitem.Value
	switch info.ValueType {
	case protocfg.DIVu16:
		value = dataitem.U16(v)
	case protocfg.DIVu32:
		value = dataitem.U32(v)
	default:
		return fmt.Errorf("heartbeat interval has unusable value type %v", info.ValueType)
	}
	di, err := dataitem.New(protocfg.DIHeartbeatInterval, value, pm.cfg, nil)
	if err != nil {
		return err
	}
	return pm.AddDataItem(di)
}

// HeartbeatInterval returns both the raw wire value and its
// normalization to whole seconds.
func (pm *ProtocolMessage) HeartbeatInterval() (raw uint64, seconds uint32, err error) {
	v, err := pm.itemValue(protocfg.DIHeartbeatInterval)
	if err != nil {
		return 0, 0, err
	}
	switch hv := v.(type) {
	case dataitem.U16:
		raw = uint64(hv)
	case dataitem.U32:
		raw = uint64(hv)
	default:
		return 0, 0, fmt.Errorf("heartbeat interval has type %T", v)
	}
	info, err := pm.cfg.DataItemInfo(protocfg.DIHeartbeatInterval)
	if err != nil {
		return 0, 0, err
	}
	secs := raw
	switch info.Units {
	case "milliseconds":
		secs = raw / 1000
	case "microseconds":
		secs = raw / 1000000
	}
	return raw, uint32(secs), nil
}

// AddPeerType appends the Peer_Type data item.  Drafts disagree on its
// shape; the configured value type decides whether the flags byte is
// carried.
func (pm *ProtocolMessage) AddPeerType(peerType string, flags uint8) error {
	info, err := pm.cfg.DataItemInfo(protocfg.DIPeerType)
	if err != nil {
		return err
	}
	var value dataitem.Value
	switch info.ValueType {
	case protocfg.DIVString:
		value = dataitem.String(peerType)
	case protocfg.DIVu8String:
		value = dataitem.U8String{Flags: flags, Value: peerType}
	default:
		return fmt.Errorf("peer type has unusable value type %v", info.ValueType)
	}
	di, err := dataitem.New(protocfg.DIPeerType, value, pm.cfg, nil)
	if err != nil {
		return err
	}
	return pm.AddDataItem(di)
}

// PeerType returns the peer type string and flags byte (zero when the
// configured shape has no flags).
func (pm *ProtocolMessage) PeerType() (peerType string, flags uint8, err error) {
	v, err := pm.itemValue(protocfg.DIPeerType)
	if err != nil {
		return "", 0, err
	}
	switch pv := v.(type) {
	case dataitem.String:
		return string(pv), 0, nil
	case dataitem.U8String:
		return pv.Value, pv.Flags, nil
	}
	return "", 0, fmt.Errorf("peer type has type %T", v)
}

// remapStatus maps a status name absent from the configuration to a
// nearby configured one.  Load guarantees the chain terminates.
func remapStatus(cfg *protocfg.Config, name string) string {
	for {
		if _, err := cfg.StatusCodeID(name); err == nil {
			return name
		}
		switch name {
		case protocfg.StatusInvalidMessage:
			name = protocfg.StatusInvalidData
		case protocfg.StatusInvalidDestination, protocfg.StatusInconsistentData:
			name = protocfg.StatusInvalidMessage
		case protocfg.StatusInvalidData:
			name = protocfg.StatusUnknownMessage
		case protocfg.StatusUnknownMessage:
			// Close the cycle so any one of the three terminal names,
			// which Load requires, ends the walk.
			name = protocfg.StatusInvalidMessage
		case protocfg.StatusNotInterested:
			name = protocfg.StatusRequestDenied
		default:
			name = protocfg.StatusUnknownMessage
		}
	}
}

// AddStatus appends a Status data item.  A status name missing from the
// current configuration is soft-remapped to the nearest configured one,
// so callers can use the canonical names regardless of draft.
func (pm *ProtocolMessage) AddStatus(statusName, reason string) error {
	statusName = remapStatus(pm.cfg, statusName)
	id, err := pm.cfg.StatusCodeID(statusName)
	if err != nil {
		return err
	}
	info, err := pm.cfg.DataItemInfo(protocfg.DIStatus)
	if err != nil {
		return err
	}
	var value dataitem.Value
	switch info.ValueType {
	case protocfg.DIVu8:
		value = dataitem.U8(id)
	case protocfg.DIVu8String:
		value = dataitem.U8String{Flags: uint8(id), Value: reason}
	default:
		return fmt.Errorf("status has unusable value type %v", info.ValueType)
	}
	di, err := dataitem.New(protocfg.DIStatus, value, pm.cfg, nil)
	if err != nil {
		return err
	}
	return pm.AddDataItem(di)
}

// Status returns the status name and reason text carried by the message.
func (pm *ProtocolMessage) Status() (name, reason string, err error) {
	v, err := pm.itemValue(protocfg.DIStatus)
	if err != nil {
		return "", "", err
	}
	var id protocfg.StatusCodeID
	switch sv := v.(type) {
	case dataitem.U8:
		id = protocfg.StatusCodeID(sv)
	case dataitem.U8String:
		id = protocfg.StatusCodeID(sv.Flags)
		reason = sv.Value
	default:
		return "", "", fmt.Errorf("status has type %T", v)
	}
	name, err = pm.cfg.StatusCodeName(id)
	if err != nil {
		return "", "", err
	}
	return name, reason, nil
}

// AddExtensions appends Extensions_Supported when ids is non-empty.
func (pm *ProtocolMessage) AddExtensions(ids []protocfg.ExtensionID) error {
	if len(ids) == 0 {
		return nil
	}
	di, err := dataitem.New(protocfg.DIExtensionsSupported, dataitem.VExtID(ids), pm.cfg, nil)
	if err != nil {
		return err
	}
	return pm.AddDataItem(di)
}

// Extensions returns the extension ids carried by the message, nil when
// absent.
func (pm *ProtocolMessage) Extensions() []protocfg.ExtensionID {
	v, err := pm.itemValue(protocfg.DIExtensionsSupported)
	if err != nil {
		return nil
	}
	if ids, ok := v.(dataitem.VExtID); ok {
		return []protocfg.ExtensionID(ids)
	}
	return nil
}

// AddExperimentNames appends one Experimental_Definition per configured
// experiment name.  Configurations without the data item get none.
func (pm *ProtocolMessage) AddExperimentNames() error {
	names := pm.cfg.ExperimentNames()
	if len(names) == 0 {
		return nil
	}
	if _, err := pm.cfg.DataItemInfo(protocfg.DIExperimentalDefinition); err != nil {
		return nil
	}
	for _, n := range names {
		di, err := dataitem.New(protocfg.DIExperimentalDefinition, dataitem.String(n), pm.cfg, nil)
		if err != nil {
			return err
		}
		if err := pm.AddDataItem(di); err != nil {
			return err
		}
	}
	return nil
}

// ExperimentNames returns all Experimental_Definition values.
func (pm *ProtocolMessage) ExperimentNames() []string {
	id, err := pm.cfg.DataItemID(protocfg.DIExperimentalDefinition, nil)
	if err != nil {
		return nil
	}
	var names []string
	for _, di := range pm.items {
		if di.ID == id {
			if s, ok := di.Value.(dataitem.String); ok {
				names = append(names, string(s))
			}
		}
	}
	return names
}

// AddMAC appends the MAC_Address data item.
func (pm *ProtocolMessage) AddMAC(mac dataitem.MAC) error {
	di, err := dataitem.New(protocfg.DIMACAddress, mac, pm.cfg, nil)
	if err != nil {
		return err
	}
	return pm.AddDataItem(di)
}

// MAC returns the MAC_Address data item's value.
func (pm *ProtocolMessage) MAC() (dataitem.MAC, error) {
	v, err := pm.itemValue(protocfg.DIMACAddress)
	if err != nil {
		return nil, err
	}
	m, ok := v.(dataitem.MAC)
	if !ok {
		return nil, fmt.Errorf("MAC address has type %T", v)
	}
	return m, nil
}

// DataItemsNoMAC returns all data items except MAC_Address, the shape
// handlers want when storing destination state.
func (pm *ProtocolMessage) DataItemsNoMAC() []dataitem.DataItem {
	id, err := pm.cfg.DataItemID(protocfg.DIMACAddress, nil)
	if err != nil {
		return pm.items
	}
	var out []dataitem.DataItem
	for _, di := range pm.items {
		if di.ID != id {
			out = append(out, di)
		}
	}
	return out
}

// MetricsAndIPItems returns the data items that are configured metrics
// or carry IP addresses.
func (pm *ProtocolMessage) MetricsAndIPItems() []dataitem.DataItem {
	var out []dataitem.DataItem
	for _, di := range pm.items {
		info, err := pm.cfg.DataItemInfoByID(di.ID, nil)
		if err != nil {
			continue
		}
		if info.Metric || info.ValueType.IsIPAddr() {
			out = append(out, di)
		}
	}
	return out
}

// IPItems returns the IP-bearing data items.
func (pm *ProtocolMessage) IPItems() []dataitem.DataItem {
	var out []dataitem.DataItem
	for _, di := range pm.items {
		info, err := pm.cfg.DataItemInfoByID(di.ID, nil)
		if err != nil {
			continue
		}
		if info.ValueType.IsIPAddr() {
			out = append(out, di)
		}
	}
	return out
}
