// Package protocfg loads and serves the DLEP protocol configuration: the
// catalog of signals, messages, data items, status codes, and extension
// modules that parameterizes the wire format.  The catalog comes from an
// XML file; once loaded it is immutable and may be read from any
// goroutine without locking.
package protocfg

import (
	"fmt"
	"sort"
)

// Wire identifier types.  The on-wire width of each is configured, not
// implied by the Go type; these are wide enough for any configured width
// up to the maximums the schema allows.
type (
	// SignalID identifies a signal or message.
	SignalID uint32
	// DataItemID identifies a data item within its scope.
	DataItemID uint32
	// StatusCodeID identifies a status code.
	StatusCodeID uint32
	// ExtensionID identifies a protocol extension.
	ExtensionID uint32
)

// IDUndefined is the reserved "not assigned" sentinel for all id types.
const IDUndefined = ^uint32(0)

// SubDataItem describes one data item allowed inside a parent data item,
// as configured.  The ID here is scoped to the parent and may differ
// from the referenced data item's top-level id.
type SubDataItem struct {
	Name   string
	ID     DataItemID
	Occurs string
}

// DataItemInfo describes one configured data item.
type DataItemInfo struct {
	Name      string
	ID        DataItemID // IDUndefined for sub-data-item-only definitions
	ValueType DataItemValueType
	Metric    bool
	Units     string // "", "percentage", "seconds", "milliseconds", "microseconds"
	Module    string
	// SubDataItems lists the data items allowed inside this one,
	// usually empty.
	SubDataItems []SubDataItem
}

// DataItemForSignal describes one data item allowed in a signal, with
// its occurrence constraint ("1", "1+", "0-1", "0+").
type DataItemForSignal struct {
	Name   string
	Occurs string
}

// SignalInfo describes one configured signal or message.
type SignalInfo struct {
	Name        string
	ID          SignalID
	Message     bool // true = TCP message, false = UDP signal
	ModemSends  bool
	RouterSends bool
	// ResponseName is the signal expected in response, "" if none.
	ResponseName string
	DataItems    []DataItemForSignal
	Module       string
}

// StatusCodeInfo describes one configured status code.
type StatusCodeInfo struct {
	Name        string
	ID          StatusCodeID
	FailureMode string // "continue" or "terminate"
	Module      string
}

// ModuleInfo describes one configured module.
type ModuleInfo struct {
	Name           string
	Draft          string
	ExperimentName string
	// ExtensionID is IDUndefined for non-extension modules.
	ExtensionID ExtensionID
}

// FieldSizes holds the configured wire widths, in bytes.
type FieldSizes struct {
	SignalLength   int
	SignalID       int
	DataItemLength int
	DataItemID     int
	ExtensionID    int
	StatusCode     int
}

// Version is the protocol version sent during session initialization.
type Version struct {
	Major uint16
	Minor uint16
}

// Config is the loaded protocol configuration.  Immutable after Load.
type Config struct {
	Version      Version
	SignalPrefix string
	FieldSizes   FieldSizes

	modules      map[string]*ModuleInfo
	signals      map[string]*SignalInfo
	signalIDs    map[SignalID]*SignalInfo // kind=signal namespace
	messageIDs   map[SignalID]*SignalInfo // kind=message namespace
	dataItems    map[string]*DataItemInfo
	dataItemIDs  map[DataItemID]*DataItemInfo
	statusCodes  map[string]*StatusCodeInfo
	statusIDs    map[StatusCodeID]*StatusCodeInfo
}

// SignalInfo returns the signal or message with the given name.
func (c *Config) SignalInfo(name string) (*SignalInfo, error) {
	si, ok := c.signals[name]
	if !ok {
		return nil, BadSignalName{Name: name}
	}
	return si, nil
}

// SignalID returns the id of the named signal or message.
func (c *Config) SignalID(name string) (SignalID, error) {
	si, ok := c.signals[name]
	if !ok {
		return 0, BadSignalName{Name: name}
	}
	return si.ID, nil
}

// SignalInfoByID resolves an id in either the signal or the message
// namespace; the two are distinct on the wire because only signals carry
// the prefix, so the caller always knows which one it parsed.
func (c *Config) SignalInfoByID(id SignalID, message bool) (*SignalInfo, error) {
	var si *SignalInfo
	var ok bool
	if message {
		si, ok = c.messageIDs[id]
	} else {
		si, ok = c.signalIDs[id]
	}
	if !ok {
		return nil, BadSignalID{ID: id}
	}
	return si, nil
}

// HasSignal reports whether the named signal or message is configured.
func (c *Config) HasSignal(name string) bool {
	_, ok := c.signals[name]
	return ok
}

// DataItemInfo returns the data item definition with the given name.
func (c *Config) DataItemInfo(name string) (*DataItemInfo, error) {
	di, ok := c.dataItems[name]
	if !ok {
		return nil, BadDataItemName{Name: name}
	}
	return di, nil
}

// DataItemID returns the id for a data item name.  If parent is non-nil
// and the name appears in the parent's sub-data-item list with its own
// id, that id wins; otherwise the top-level id is returned.
func (c *Config) DataItemID(name string, parent *DataItemInfo) (DataItemID, error) {
	if parent != nil {
		for i := range parent.SubDataItems {
			if parent.SubDataItems[i].Name == name && uint32(parent.SubDataItems[i].ID) != IDUndefined {
				return parent.SubDataItems[i].ID, nil
			}
		}
	}
	di, ok := c.dataItems[name]
	if !ok || uint32(di.ID) == IDUndefined {
		return 0, BadDataItemName{Name: name}
	}
	return di.ID, nil
}

// DataItemInfoByID resolves an id to its definition, honoring the
// parent's local id scope when parent is non-nil.
func (c *Config) DataItemInfoByID(id DataItemID, parent *DataItemInfo) (*DataItemInfo, error) {
	if parent != nil {
		for i := range parent.SubDataItems {
			if parent.SubDataItems[i].ID == id {
				di, ok := c.dataItems[parent.SubDataItems[i].Name]
				if !ok {
					return nil, BadDataItemName{Name: parent.SubDataItems[i].Name}
				}
				return di, nil
			}
		}
		return nil, BadDataItemID{ID: id}
	}
	di, ok := c.dataItemIDs[id]
	if !ok {
		return nil, BadDataItemID{ID: id}
	}
	return di, nil
}

// DataItemName resolves an id to a name within the given scope.
func (c *Config) DataItemName(id DataItemID, parent *DataItemInfo) (string, error) {
	di, err := c.DataItemInfoByID(id, parent)
	if err != nil {
		return "", err
	}
	return di.Name, nil
}

// DataItemValueType returns the configured value type for a name.
func (c *Config) DataItemValueType(name string) (DataItemValueType, error) {
	di, ok := c.dataItems[name]
	if !ok {
		return 0, BadDataItemName{Name: name}
	}
	return di.ValueType, nil
}

// DataItemInfos returns every configured data item, sorted by name.
func (c *Config) DataItemInfos() []DataItemInfo {
	out := make([]DataItemInfo, 0, len(c.dataItems))
	for _, di := range c.dataItems {
		out = append(out, *di)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SignalInfos returns every configured signal and message, sorted by name.
func (c *Config) SignalInfos() []SignalInfo {
	out := make([]SignalInfo, 0, len(c.signals))
	for _, si := range c.signals {
		out = append(out, *si)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatusCodeInfos returns every configured status code, sorted by id.
func (c *Config) StatusCodeInfos() []StatusCodeInfo {
	out := make([]StatusCodeInfo, 0, len(c.statusCodes))
	for _, sc := range c.statusCodes {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsMetric reports whether the data item id is configured as a metric.
func (c *Config) IsMetric(id DataItemID) bool {
	di, ok := c.dataItemIDs[id]
	return ok && di.Metric
}

// StatusCodeID returns the id of the named status code.
func (c *Config) StatusCodeID(name string) (StatusCodeID, error) {
	sc, ok := c.statusCodes[name]
	if !ok {
		return 0, BadStatusCodeName{Name: name}
	}
	return sc.ID, nil
}

// StatusCodeName returns the name of a status code id.
func (c *Config) StatusCodeName(id StatusCodeID) (string, error) {
	sc, ok := c.statusIDs[id]
	if !ok {
		return "", BadStatusCodeID{ID: id}
	}
	return sc.Name, nil
}

// StatusFailureMode returns "continue" or "terminate" for a status name.
func (c *Config) StatusFailureMode(name string) (string, error) {
	sc, ok := c.statusCodes[name]
	if !ok {
		return "", BadStatusCodeName{Name: name}
	}
	return sc.FailureMode, nil
}

// ModuleInfo returns the named module.
func (c *Config) ModuleInfo(name string) (*ModuleInfo, error) {
	m, ok := c.modules[name]
	if !ok {
		return nil, BadModuleName{Name: name}
	}
	return m, nil
}

// Extensions returns the extension ids of all extension modules, sorted.
func (c *Config) Extensions() []ExtensionID {
	var out []ExtensionID
	for _, m := range c.modules {
		if uint32(m.ExtensionID) != IDUndefined {
			out = append(out, m.ExtensionID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExperimentNames returns the experiment names of all modules that
// declare one, sorted.
func (c *Config) ExperimentNames() []string {
	var out []string
	for _, m := range c.modules {
		if m.ExperimentName != "" {
			out = append(out, m.ExperimentName)
		}
	}
	sort.Strings(out)
	return out
}

// SignalHeaderLength returns the total header length for a signal or
// message: prefix (signals only) + id field + length field.
func (c *Config) SignalHeaderLength(signal bool) int {
	n := c.FieldSizes.SignalID + c.FieldSizes.SignalLength
	if signal {
		n += len(c.SignalPrefix)
	}
	return n
}

// DataItemHeaderLength returns the id+length header width of a data item.
func (c *Config) DataItemHeaderLength() int {
	return c.FieldSizes.DataItemID + c.FieldSizes.DataItemLength
}

func (fs FieldSizes) validate() error {
	check := func(what string, v, max int) error {
		if v < 1 || v > max {
			return BadProtocolConfig{Reason: fmt.Sprintf("%s field size %d out of range [1,%d]", what, v, max)}
		}
		return nil
	}
	if err := check("signal_id", fs.SignalID, 4); err != nil {
		return err
	}
	if err := check("signal_length", fs.SignalLength, 4); err != nil {
		return err
	}
	if err := check("data_item_id", fs.DataItemID, 4); err != nil {
		return err
	}
	if err := check("data_item_length", fs.DataItemLength, 4); err != nil {
		return err
	}
	if err := check("extension_id", fs.ExtensionID, 4); err != nil {
		return err
	}
	return check("status_code", fs.StatusCode, 4)
}
