package protocfg

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
)

// XML document shapes.  The grammar mirrors the protocol-config schema:
// a version, the signal prefix, the six field widths, then a sequence of
// modules.  XInclude elements are honoured so that a draft's base module
// and its extensions can live in separate files.

type xmlDoc struct {
	Version      *xmlVersion    `xml:"version"`
	SignalPrefix *string        `xml:"signal_prefix"`
	FieldSizes   *xmlFieldSizes `xml:"field_sizes"`
	Modules      []xmlModule    `xml:"module"`
	Includes     []xmlInclude   `xml:"include"`
}

type xmlVersion struct {
	Major uint16 `xml:"major"`
	Minor uint16 `xml:"minor"`
}

type xmlFieldSizes struct {
	SignalLength   int `xml:"signal_length"`
	SignalID       int `xml:"signal_id"`
	DataItemLength int `xml:"data_item_length"`
	DataItemID     int `xml:"data_item_id"`
	ExtensionID    int `xml:"extension_id"`
	StatusCode     int `xml:"status_code"`
}

type xmlInclude struct {
	Href string `xml:"href,attr"`
}

type xmlModule struct {
	Name           string          `xml:"name"`
	Draft          string          `xml:"draft"`
	ExperimentName string          `xml:"experiment_name"`
	ExtensionID    *uint32         `xml:"extension_id"`
	Signals        []xmlSignal     `xml:"signal"`
	DataItems      []xmlDataItem   `xml:"data_item"`
	StatusCodes    []xmlStatusCode `xml:"status_code"`
}

type xmlSignal struct {
	Name      string           `xml:"name"`
	ID        *uint32          `xml:"id"`
	Message   *bool            `xml:"message"`
	Senders   []string         `xml:"sender"`
	Response  string           `xml:"response"`
	DataItems []xmlDataItemRef `xml:"data_item"`
}

type xmlDataItemRef struct {
	Name   string  `xml:"name"`
	ID     *uint32 `xml:"id"`
	Occurs string  `xml:"occurs"`
}

type xmlDataItem struct {
	Name         string           `xml:"name"`
	ID           *uint32          `xml:"id"`
	Type         string           `xml:"type"`
	Metric       *bool            `xml:"metric"`
	Units        string           `xml:"units"`
	SubDataItems []xmlDataItemRef `xml:"sub_data_item"`
}

type xmlStatusCode struct {
	Name        string  `xml:"name"`
	ID          *uint32 `xml:"id"`
	FailureMode string  `xml:"failure_mode"`
}

var validOccurs = map[string]bool{"1": true, "1+": true, "0-1": true, "0+": true}

var validUnits = map[string]bool{
	"": true, "percentage": true, "seconds": true,
	"milliseconds": true, "microseconds": true,
}

// Load reads and resolves a protocol configuration file.  The returned
// Config is fully validated: all names unique per kind, all references
// resolved, all value types known, and a usable status soft-remap chain
// present.
func Load(configFile string) (*Config, error) {
	doc, err := loadDoc(configFile, 0)
	if err != nil {
		return nil, err
	}
	if doc.Version == nil {
		return nil, BadProtocolConfig{Reason: "missing version element"}
	}
	if doc.FieldSizes == nil {
		return nil, BadProtocolConfig{Reason: "missing field_sizes element"}
	}

	c := &Config{
		Version: Version{Major: doc.Version.Major, Minor: doc.Version.Minor},
		FieldSizes: FieldSizes{
			SignalLength:   doc.FieldSizes.SignalLength,
			SignalID:       doc.FieldSizes.SignalID,
			DataItemLength: doc.FieldSizes.DataItemLength,
			DataItemID:     doc.FieldSizes.DataItemID,
			ExtensionID:    doc.FieldSizes.ExtensionID,
			StatusCode:     doc.FieldSizes.StatusCode,
		},
		modules:     make(map[string]*ModuleInfo),
		signals:     make(map[string]*SignalInfo),
		signalIDs:   make(map[SignalID]*SignalInfo),
		messageIDs:  make(map[SignalID]*SignalInfo),
		dataItems:   make(map[string]*DataItemInfo),
		dataItemIDs: make(map[DataItemID]*DataItemInfo),
		statusCodes: make(map[string]*StatusCodeInfo),
		statusIDs:   make(map[StatusCodeID]*StatusCodeInfo),
	}
	if doc.SignalPrefix != nil {
		c.SignalPrefix = *doc.SignalPrefix
	}
	if err := c.FieldSizes.validate(); err != nil {
		return nil, err
	}

	for i := range doc.Modules {
		if err := c.addModule(&doc.Modules[i]); err != nil {
			return nil, err
		}
	}
	if err := c.resolve(); err != nil {
		return nil, err
	}
	return c, nil
}

const maxIncludeDepth = 8

// loadDoc parses one file and splices in its XIncludes, depth-first.
func loadDoc(path string, depth int) (*xmlDoc, error) {
	if depth > maxIncludeDepth {
		return nil, BadProtocolConfig{Reason: "include nesting too deep at " + path}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, BadProtocolConfig{Reason: err.Error()}
	}
	var doc xmlDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, BadProtocolConfig{Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	dir := filepath.Dir(path)
	for _, inc := range doc.Includes {
		sub, err := loadDoc(filepath.Join(dir, inc.Href), depth+1)
		if err != nil {
			return nil, err
		}
		// Only modules merge in from included documents; header
		// elements come from the top-level file.
		doc.Modules = append(doc.Modules, sub.Modules...)
		if doc.Version == nil {
			doc.Version = sub.Version
		}
		if doc.SignalPrefix == nil {
			doc.SignalPrefix = sub.SignalPrefix
		}
		if doc.FieldSizes == nil {
			doc.FieldSizes = sub.FieldSizes
		}
	}
	return &doc, nil
}

func (c *Config) addModule(xm *xmlModule) error {
	if xm.Name == "" {
		return BadProtocolConfig{Reason: "module with no name"}
	}
	if _, dup := c.modules[xm.Name]; dup {
		return BadProtocolConfig{Reason: "duplicate module " + xm.Name}
	}
	mi := &ModuleInfo{
		Name:           xm.Name,
		Draft:          xm.Draft,
		ExperimentName: xm.ExperimentName,
		ExtensionID:    ExtensionID(IDUndefined),
	}
	if xm.ExtensionID != nil {
		mi.ExtensionID = ExtensionID(*xm.ExtensionID)
	}
	c.modules[xm.Name] = mi

	for i := range xm.DataItems {
		if err := c.addDataItem(mi, &xm.DataItems[i]); err != nil {
			return err
		}
	}
	for i := range xm.StatusCodes {
		if err := c.addStatusCode(mi, &xm.StatusCodes[i]); err != nil {
			return err
		}
	}
	for i := range xm.Signals {
		if err := c.addSignal(mi, &xm.Signals[i]); err != nil {
			return err
		}
	}
	return nil
}

func refsOf(refs []xmlDataItemRef, signal string) ([]DataItemForSignal, error) {
	out := make([]DataItemForSignal, 0, len(refs))
	for _, r := range refs {
		if !validOccurs[r.Occurs] {
			return nil, BadProtocolConfig{
				Reason: fmt.Sprintf("signal %s: data item %s has bad occurs %q", signal, r.Name, r.Occurs),
			}
		}
		out = append(out, DataItemForSignal{Name: r.Name, Occurs: r.Occurs})
	}
	return out, nil
}

func (c *Config) addSignal(mi *ModuleInfo, xs *xmlSignal) error {
	if xs.Name == "" {
		return BadProtocolConfig{Reason: "signal with no name in module " + mi.Name}
	}
	existing, exists := c.signals[xs.Name]

	if xs.ID == nil {
		// A reference to an already-defined signal: an extension
		// adding data items or changing who may send it.
		if !exists {
			return BadProtocolConfig{Reason: "module " + mi.Name + " references undefined signal " + xs.Name}
		}
		refs, err := refsOf(xs.DataItems, xs.Name)
		if err != nil {
			return err
		}
		existing.DataItems = append(existing.DataItems, refs...)
		if len(xs.Senders) > 0 {
			existing.ModemSends, existing.RouterSends = senderFlags(xs.Senders)
		}
		return nil
	}

	if exists {
		return BadProtocolConfig{Reason: "duplicate signal " + xs.Name + " in module " + mi.Name}
	}
	si := &SignalInfo{
		Name:         xs.Name,
		ID:           SignalID(*xs.ID),
		ResponseName: xs.Response,
		Module:       mi.Name,
	}
	if xs.Message != nil {
		si.Message = *xs.Message
	}
	si.ModemSends, si.RouterSends = senderFlags(xs.Senders)
	refs, err := refsOf(xs.DataItems, xs.Name)
	if err != nil {
		return err
	}
	si.DataItems = refs

	byID := c.signalIDs
	kind := "signal"
	if si.Message {
		byID = c.messageIDs
		kind = "message"
	}
	if _, dup := byID[si.ID]; dup {
		return BadProtocolConfig{Reason: fmt.Sprintf("duplicate %s id %d (%s)", kind, si.ID, si.Name)}
	}
	c.signals[si.Name] = si
	byID[si.ID] = si
	return nil
}

func senderFlags(senders []string) (modem, router bool) {
	for _, s := range senders {
		switch s {
		case "modem":
			modem = true
		case "router":
			router = true
		default: // "both"
			modem = true
			router = true
		}
	}
	return modem, router
}

func (c *Config) addDataItem(mi *ModuleInfo, xd *xmlDataItem) error {
	if xd.Name == "" {
		return BadProtocolConfig{Reason: "data item with no name in module " + mi.Name}
	}
	if _, dup := c.dataItems[xd.Name]; dup {
		return BadProtocolConfig{Reason: "duplicate data item " + xd.Name + " in module " + mi.Name}
	}
	vt, err := ParseDataItemValueType(xd.Type)
	if err != nil {
		return err
	}
	if !validUnits[xd.Units] {
		return BadProtocolConfig{Reason: fmt.Sprintf("data item %s has bad units %q", xd.Name, xd.Units)}
	}
	di := &DataItemInfo{
		Name:      xd.Name,
		ID:        DataItemID(IDUndefined),
		ValueType: vt,
		Units:     xd.Units,
		Module:    mi.Name,
	}
	if xd.Metric != nil {
		di.Metric = *xd.Metric
	}
	if xd.ID != nil {
		di.ID = DataItemID(*xd.ID)
		if _, dup := c.dataItemIDs[di.ID]; dup {
			return BadProtocolConfig{Reason: fmt.Sprintf("duplicate data item id %d (%s)", di.ID, di.Name)}
		}
		c.dataItemIDs[di.ID] = di
	}
	for _, sref := range xd.SubDataItems {
		if !validOccurs[sref.Occurs] {
			return BadProtocolConfig{
				Reason: fmt.Sprintf("data item %s: sub data item %s has bad occurs %q", xd.Name, sref.Name, sref.Occurs),
			}
		}
		sdi := SubDataItem{Name: sref.Name, ID: DataItemID(IDUndefined), Occurs: sref.Occurs}
		if sref.ID != nil {
			sdi.ID = DataItemID(*sref.ID)
		}
		di.SubDataItems = append(di.SubDataItems, sdi)
	}
	c.dataItems[di.Name] = di
	return nil
}

func (c *Config) addStatusCode(mi *ModuleInfo, xs *xmlStatusCode) error {
	if xs.Name == "" || xs.ID == nil {
		return BadProtocolConfig{Reason: "status code missing name or id in module " + mi.Name}
	}
	if _, dup := c.statusCodes[xs.Name]; dup {
		return BadProtocolConfig{Reason: "duplicate status code " + xs.Name + " in module " + mi.Name}
	}
	mode := xs.FailureMode
	if mode == "" {
		mode = "continue"
	}
	if mode != "continue" && mode != "terminate" {
		return BadProtocolConfig{Reason: fmt.Sprintf("status code %s has bad failure_mode %q", xs.Name, mode)}
	}
	sc := &StatusCodeInfo{
		Name:        xs.Name,
		ID:          StatusCodeID(*xs.ID),
		FailureMode: mode,
		Module:      mi.Name,
	}
	if _, dup := c.statusIDs[sc.ID]; dup {
		return BadProtocolConfig{Reason: fmt.Sprintf("duplicate status code id %d (%s)", sc.ID, sc.Name)}
	}
	c.statusCodes[sc.Name] = sc
	c.statusIDs[sc.ID] = sc
	return nil
}

// resolve runs the whole-catalog checks that can only happen once every
// module has been read.
func (c *Config) resolve() error {
	for _, si := range c.signals {
		if si.ResponseName != "" {
			if _, ok := c.signals[si.ResponseName]; !ok {
				return BadProtocolConfig{Reason: "signal " + si.Name + " has undefined response " + si.ResponseName}
			}
		}
		for _, ref := range si.DataItems {
			if _, ok := c.dataItems[ref.Name]; !ok {
				return BadProtocolConfig{Reason: "signal " + si.Name + " references undefined data item " + ref.Name}
			}
		}
	}
	for _, di := range c.dataItems {
		for _, sdi := range di.SubDataItems {
			sub, ok := c.dataItems[sdi.Name]
			if !ok {
				return BadProtocolConfig{Reason: "data item " + di.Name + " references undefined sub data item " + sdi.Name}
			}
			if uint32(sdi.ID) == IDUndefined && uint32(sub.ID) == IDUndefined {
				return BadProtocolConfig{Reason: "sub data item " + sdi.Name + " of " + di.Name + " has no id in either scope"}
			}
		}
	}

	// The status soft-remap chain ends at Invalid_Data, Invalid_Message,
	// or Unknown_Message.  If none of them is configured, remapping an
	// unconfigured status would never converge, so reject the catalog
	// up front.
	if _, ok := c.statusCodes[StatusInvalidData]; !ok {
		if _, ok := c.statusCodes[StatusInvalidMessage]; !ok {
			if _, ok := c.statusCodes[StatusUnknownMessage]; !ok {
				return BadProtocolConfig{
					Reason: "configuration defines none of " + StatusInvalidData + ", " +
						StatusInvalidMessage + ", " + StatusUnknownMessage,
				}
			}
		}
	}
	return nil
}
