// Package message assembles, parses, and validates DLEP protocol
// messages: a configured header (optional signal prefix, signal id,
// payload length) followed by concatenated data items.
package message

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/protocfg"
)

// Parse and framing errors.
var (
	// ErrNoHeader means Add* was called before AddHeader.
	ErrNoHeader = errors.New("message has no header")
	// ErrBadPrefix means a signal buffer did not start with the
	// configured signal prefix.
	ErrBadPrefix = errors.New("bad signal prefix")
	// ErrShortMessage means the buffer ended before the declared length.
	ErrShortMessage = errors.New("message shorter than header declares")
)

// ProtocolMessage is one signal or message being assembled or parsed.
type ProtocolMessage struct {
	cfg   *protocfg.Config
	buf   []byte
	info  *protocfg.SignalInfo
	items []dataitem.DataItem
}

// New returns an empty message bound to a protocol configuration.
func New(cfg *protocfg.Config) *ProtocolMessage {
	return &ProtocolMessage{cfg: cfg}
}

// AddHeader starts assembly of the named signal or message: prefix
// (signals only), id, and a zero length that AddDataItem rewrites.
func (pm *ProtocolMessage) AddHeader(name string) error {
	info, err := pm.cfg.SignalInfo(name)
	if err != nil {
		return err
	}
	pm.info = info
	pm.items = nil
	pm.buf = pm.buf[:0]
	if !info.Message {
		pm.buf = append(pm.buf, pm.cfg.SignalPrefix...)
	}
	pm.buf = putUint(pm.buf, pm.cfg.FieldSizes.SignalID, uint64(info.ID))
	pm.buf = putUint(pm.buf, pm.cfg.FieldSizes.SignalLength, 0)
	return nil
}

// AddDataItem appends a serialized data item and rewrites the length.
func (pm *ProtocolMessage) AddDataItem(di dataitem.DataItem) error {
	if pm.info == nil {
		return ErrNoHeader
	}
	b, err := di.Serialize(pm.cfg, nil)
	if err != nil {
		return err
	}
	pm.buf = append(pm.buf, b...)
	pm.items = append(pm.items, di)
	return pm.updateLength()
}

// AddDataItems appends each item in order.
func (pm *ProtocolMessage) AddDataItems(items []dataitem.DataItem) error {
	for _, di := range items {
		if err := pm.AddDataItem(di); err != nil {
			return err
		}
	}
	return nil
}

// AddAllowedDataItems appends only those items that this message is
// configured to carry, silently skipping the rest.  Used when reflecting
// a destination's stored items into a response whose grammar is narrower.
func (pm *ProtocolMessage) AddAllowedDataItems(items []dataitem.DataItem) error {
	if pm.info == nil {
		return ErrNoHeader
	}
	for _, di := range items {
		name, err := di.Name(pm.cfg, nil)
		if err != nil {
			continue
		}
		allowed := false
		for _, ref := range pm.info.DataItems {
			if ref.Name == name {
				allowed = true
				break
			}
		}
		if allowed {
			if err := pm.AddDataItem(di); err != nil {
				return err
			}
		}
	}
	return nil
}

func (pm *ProtocolMessage) updateLength() error {
	fs := pm.cfg.FieldSizes
	hdr := pm.cfg.SignalHeaderLength(!pm.info.Message)
	payload := len(pm.buf) - hdr
	if uint64(payload) > uint64(1)<<(8*fs.SignalLength)-1 {
		return fmt.Errorf("message %s payload length %d does not fit in %d bytes",
			pm.info.Name, payload, fs.SignalLength)
	}
	lenOff := hdr - fs.SignalLength
	scratch := putUint(nil, fs.SignalLength, uint64(payload))
	copy(pm.buf[lenOff:], scratch)
	return nil
}

// Buffer returns the wire bytes assembled or parsed so far.
func (pm *ProtocolMessage) Buffer() []byte { return pm.buf }

// Len returns the total wire length.
func (pm *ProtocolMessage) Len() int { return len(pm.buf) }

// Name returns the signal name, or "" before AddHeader/Parse.
func (pm *ProtocolMessage) Name() string {
	if pm.info == nil {
		return ""
	}
	return pm.info.Name
}

// ID returns the signal id.
func (pm *ProtocolMessage) ID() protocfg.SignalID {
	if pm.info == nil {
		return protocfg.SignalID(protocfg.IDUndefined)
	}
	return pm.info.ID
}

// IsSignal reports whether this is a signal (UDP, prefixed) rather than
// a message (TCP).
func (pm *ProtocolMessage) IsSignal() bool {
	return pm.info != nil && !pm.info.Message
}

// Info returns the signal's catalog entry.
func (pm *ProtocolMessage) Info() *protocfg.SignalInfo { return pm.info }

// DataItems returns the parsed or assembled data items in order.
func (pm *ProtocolMessage) DataItems() []dataitem.DataItem { return pm.items }

// IsCompleteMessage inspects the front of buf and reports whether one
// whole signal/message has arrived, and its total length when known.
// Stream readers call this repeatedly as bytes accumulate.
func IsCompleteMessage(cfg *protocfg.Config, buf []byte, signal bool) (total int, complete bool, err error) {
	hdr := cfg.SignalHeaderLength(signal)
	if signal {
		p := []byte(cfg.SignalPrefix)
		if len(buf) < len(p) {
			if !bytes.HasPrefix(p, buf) {
				return 0, false, ErrBadPrefix
			}
			return 0, false, nil
		}
		if !bytes.HasPrefix(buf, p) {
			return 0, false, ErrBadPrefix
		}
	}
	if len(buf) < hdr {
		return 0, false, nil
	}
	lenOff := hdr - cfg.FieldSizes.SignalLength
	payload := int(getUint(buf[lenOff:], cfg.FieldSizes.SignalLength))
	total = hdr + payload
	return total, len(buf) >= total, nil
}

// Parse decodes one complete signal or message from buf.  The caller
// says whether a signal (prefixed, UDP) or message (TCP) is expected;
// the id namespaces are distinct.
func (pm *ProtocolMessage) Parse(buf []byte, signal bool) error {
	cfg := pm.cfg
	total, complete, err := IsCompleteMessage(cfg, buf, signal)
	if err != nil {
		return err
	}
	if !complete {
		return fmt.Errorf("%w: have %d bytes of %d", ErrShortMessage, len(buf), total)
	}
	idOff := 0
	if signal {
		idOff = len(cfg.SignalPrefix)
	}
	id := protocfg.SignalID(getUint(buf[idOff:], cfg.FieldSizes.SignalID))
	info, err := cfg.SignalInfoByID(id, !signal)
	if err != nil {
		return err
	}
	hdr := cfg.SignalHeaderLength(signal)
	pm.info = info
	pm.buf = append(pm.buf[:0], buf[:total]...)
	pm.items = nil
	off := hdr
	for off < total {
		di, n, err := dataitem.Deserialize(pm.buf[off:total], cfg, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", info.Name, err)
		}
		pm.items = append(pm.items, di)
		off += n
	}
	return nil
}

// Validate performs whole-message validation: the sending side must be
// allowed to send this signal, data item occurrences must match the
// configured constraints, and each data item must validate.
func (pm *ProtocolMessage) Validate(modemSender bool) error {
	if pm.info == nil {
		return ErrNoHeader
	}
	if modemSender && !pm.info.ModemSends {
		return fmt.Errorf("modem may not send %s", pm.info.Name)
	}
	if !modemSender && !pm.info.RouterSends {
		return fmt.Errorf("router may not send %s", pm.info.Name)
	}
	allowed := make([]protocfg.SubDataItem, len(pm.info.DataItems))
	for i, ref := range pm.info.DataItems {
		allowed[i] = protocfg.SubDataItem{
			Name:   ref.Name,
			ID:     protocfg.DataItemID(protocfg.IDUndefined),
			Occurs: ref.Occurs,
		}
	}
	if err := dataitem.ValidateOccurrences(pm.items, allowed, pm.cfg, nil); err != nil {
		return fmt.Errorf("%s: %w", pm.info.Name, err)
	}
	for _, di := range pm.items {
		if err := di.Validate(pm.cfg, nil); err != nil {
			return fmt.Errorf("%s: %w", pm.info.Name, err)
		}
	}
	return nil
}

// ParseAndValidate combines Parse and Validate.
func (pm *ProtocolMessage) ParseAndValidate(buf []byte, signal, modemSender bool) error {
	if err := pm.Parse(buf, signal); err != nil {
		return err
	}
	return pm.Validate(modemSender)
}

func putUint(buf []byte, width int, v uint64) []byte {
	for i := width - 1; i >= 0; i-- {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

func getUint(buf []byte, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v
}
