package dataitem

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"

	"github.com/mit-ll/dlep/protocfg"
)

// Codec errors.
var (
	// ErrTruncated means the buffer ended before the data item did.
	ErrTruncated = errors.New("data item truncated")
	// ErrResidualBytes means a fixed-shape payload had bytes left over
	// after all of its fields were read.
	ErrResidualBytes = errors.New("data item has residual bytes")
)

// DataItem is one (id, value) pair.  The id is only meaningful relative
// to a scope: top level in a message, or nested inside a parent data
// item with its own id space.
type DataItem struct {
	ID    protocfg.DataItemID
	Value Value
}

// New constructs a data item by name.  If value is nil the type's
// default value is used.  parent must be non-nil when constructing a
// sub data item, so the id resolves in the parent's scope.
func New(name string, value Value, cfg *protocfg.Config, parent *protocfg.DataItemInfo) (DataItem, error) {
	info, err := cfg.DataItemInfo(name)
	if err != nil {
		return DataItem{}, err
	}
	id, err := cfg.DataItemID(name, parent)
	if err != nil {
		return DataItem{}, err
	}
	if value == nil {
		value = DefaultValue(info.ValueType)
	}
	return DataItem{ID: id, Value: value}, nil
}

// Equal reports deep equality of id and value.
func (di DataItem) Equal(other DataItem) bool {
	return di.ID == other.ID && reflect.DeepEqual(di.Value, other.Value)
}

// Name resolves the data item's name in the given scope.
func (di DataItem) Name(cfg *protocfg.Config, parent *protocfg.DataItemInfo) (string, error) {
	return cfg.DataItemName(di.ID, parent)
}

// big-endian integer helpers for configurable field widths

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

// Serialize emits the data item in wire form: id and length at their
// configured widths, then the payload per the value type.
func (di DataItem) Serialize(cfg *protocfg.Config, parent *protocfg.DataItemInfo) ([]byte, error) {
	payload, err := di.serializeValue(cfg, parent)
	if err != nil {
		return nil, err
	}
	fs := cfg.FieldSizes
	maxLen := uint64(1)<<(8*fs.DataItemLength) - 1
	if uint64(len(payload)) > maxLen {
		return nil, fmt.Errorf("data item %d payload length %d does not fit in %d bytes",
			di.ID, len(payload), fs.DataItemLength)
	}
	buf := make([]byte, 0, fs.DataItemID+fs.DataItemLength+len(payload))
	buf = putUint(buf, fs.DataItemID, uint64(di.ID))
	buf = putUint(buf, fs.DataItemLength, uint64(len(payload)))
	return append(buf, payload...), nil
}

func (di DataItem) serializeValue(cfg *protocfg.Config, parent *protocfg.DataItemInfo) ([]byte, error) {
	switch v := di.Value.(type) {
	case Blank:
		return nil, nil
	case U8:
		return []byte{byte(v)}, nil
	case U16:
		return putUint(nil, 2, uint64(v)), nil
	case U32:
		return putUint(nil, 4, uint64(v)), nil
	case U64:
		return putUint(nil, 8, uint64(v)), nil
	case VU8:
		return append([]byte(nil), v...), nil
	case A2U16:
		buf := putUint(nil, 2, uint64(v[0]))
		return putUint(buf, 2, uint64(v[1])), nil
	case A2U64:
		buf := putUint(nil, 8, v[0])
		return putUint(buf, 8, v[1]), nil
	case String:
		return []byte(v), nil
	case MAC:
		return append([]byte(nil), v...), nil
	case U8String:
		return append([]byte{v.Flags}, v.Value...), nil
	case U8IPv4:
		a := v.Addr.As4()
		return append([]byte{v.Flags}, a[:]...), nil
	case IPv4U8:
		a := v.Addr.As4()
		return append(a[:], v.Prefix), nil
	case U8IPv6:
		a := v.Addr.As16()
		return append([]byte{v.Flags}, a[:]...), nil
	case IPv6U8:
		a := v.Addr.As16()
		return append(a[:], v.Prefix), nil
	case U64U8:
		buf := putUint(nil, 8, v.First)
		return append(buf, v.Second), nil
	case U16VU8:
		buf := putUint(nil, 2, uint64(v.First))
		return append(buf, v.Rest...), nil
	case VExtID:
		var buf []byte
		for _, id := range v {
			buf = putUint(buf, cfg.FieldSizes.ExtensionID, uint64(id))
		}
		return buf, nil
	case U8IPv4U16:
		a := v.Addr.As4()
		buf := append([]byte{v.Flags}, a[:]...)
		if v.Port != 0 {
			buf = putUint(buf, 2, uint64(v.Port))
		}
		return buf, nil
	case U8IPv6U16:
		a := v.Addr.As16()
		buf := append([]byte{v.Flags}, a[:]...)
		if v.Port != 0 {
			buf = putUint(buf, 2, uint64(v.Port))
		}
		return buf, nil
	case U8IPv4U8:
		a := v.Addr.As4()
		buf := append([]byte{v.Flags}, a[:]...)
		return append(buf, v.Prefix), nil
	case U8IPv6U8:
		a := v.Addr.As16()
		buf := append([]byte{v.Flags}, a[:]...)
		return append(buf, v.Prefix), nil
	case U64U64:
		buf := putUint(nil, 8, v.First)
		return putUint(buf, 8, v.Second), nil
	case SubItems:
		info, err := cfg.DataItemInfoByID(di.ID, parent)
		if err != nil {
			return nil, err
		}
		var buf []byte
		for _, sub := range v {
			b, err := sub.Serialize(cfg, info)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("unserializable data item value %T", di.Value)
}

// Deserialize reads one data item from the front of buf, resolving the
// id in the scope given by parent (nil for top level).  It returns the
// item and the number of bytes consumed.
func Deserialize(buf []byte, cfg *protocfg.Config, parent *protocfg.DataItemInfo) (DataItem, int, error) {
	fs := cfg.FieldSizes
	hdr := fs.DataItemID + fs.DataItemLength
	if len(buf) < hdr {
		return DataItem{}, 0, fmt.Errorf("%w: %d bytes, need %d for header", ErrTruncated, len(buf), hdr)
	}
	id := protocfg.DataItemID(getUint(buf, fs.DataItemID))
	length := int(getUint(buf[fs.DataItemID:], fs.DataItemLength))
	if len(buf) < hdr+length {
		return DataItem{}, 0, fmt.Errorf("%w: id %d wants %d payload bytes, %d remain",
			ErrTruncated, id, length, len(buf)-hdr)
	}
	info, err := cfg.DataItemInfoByID(id, parent)
	if err != nil {
		return DataItem{}, 0, err
	}
	value, err := parseValue(buf[hdr:hdr+length], info, cfg)
	if err != nil {
		return DataItem{}, 0, fmt.Errorf("data item %s: %w", info.Name, err)
	}
	return DataItem{ID: id, Value: value}, hdr + length, nil
}

func need(payload []byte, n int) error {
	if len(payload) < n {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(payload), n)
	}
	return nil
}

func exactly(payload []byte, n int) error {
	if err := need(payload, n); err != nil {
		return err
	}
	if len(payload) > n {
		return fmt.Errorf("%w: %d bytes after fixed payload of %d", ErrResidualBytes, len(payload)-n, n)
	}
	return nil
}

func ipv4At(payload []byte) netip.Addr {
	var a [4]byte
	copy(a[:], payload)
	return netip.AddrFrom4(a)
}

func ipv6At(payload []byte) netip.Addr {
	var a [16]byte
	copy(a[:], payload)
	return netip.AddrFrom16(a)
}

func parseValue(payload []byte, info *protocfg.DataItemInfo, cfg *protocfg.Config) (Value, error) {
	switch info.ValueType {
	case protocfg.DIVBlank:
		if err := exactly(payload, 0); err != nil {
			return nil, err
		}
		return Blank{}, nil
	case protocfg.DIVu8:
		if err := exactly(payload, 1); err != nil {
			return nil, err
		}
		return U8(payload[0]), nil
	case protocfg.DIVu16:
		if err := exactly(payload, 2); err != nil {
			return nil, err
		}
		return U16(getUint(payload, 2)), nil
	case protocfg.DIVu32:
		if err := exactly(payload, 4); err != nil {
			return nil, err
		}
		return U32(getUint(payload, 4)), nil
	case protocfg.DIVu64:
		if err := exactly(payload, 8); err != nil {
			return nil, err
		}
		return U64(getUint(payload, 8)), nil
	case protocfg.DIVvU8:
		return VU8(append([]byte(nil), payload...)), nil
	case protocfg.DIVa2U16:
		if err := exactly(payload, 4); err != nil {
			return nil, err
		}
		return A2U16{uint16(getUint(payload, 2)), uint16(getUint(payload[2:], 2))}, nil
	case protocfg.DIVa2U64:
		if err := exactly(payload, 16); err != nil {
			return nil, err
		}
		return A2U64{getUint(payload, 8), getUint(payload[8:], 8)}, nil
	case protocfg.DIVString:
		return String(payload), nil
	case protocfg.DIVMAC:
		return MAC(append([]byte(nil), payload...)), nil
	case protocfg.DIVu8String:
		if err := need(payload, 1); err != nil {
			return nil, err
		}
		return U8String{Flags: payload[0], Value: string(payload[1:])}, nil
	case protocfg.DIVu8IPv4:
		if err := exactly(payload, 5); err != nil {
			return nil, err
		}
		return U8IPv4{Flags: payload[0], Addr: ipv4At(payload[1:])}, nil
	case protocfg.DIVIPv4u8:
		if err := exactly(payload, 5); err != nil {
			return nil, err
		}
		return IPv4U8{Addr: ipv4At(payload), Prefix: payload[4]}, nil
	case protocfg.DIVu8IPv6:
		if err := exactly(payload, 17); err != nil {
			return nil, err
		}
		return U8IPv6{Flags: payload[0], Addr: ipv6At(payload[1:])}, nil
	case protocfg.DIVIPv6u8:
		if err := exactly(payload, 17); err != nil {
			return nil, err
		}
		return IPv6U8{Addr: ipv6At(payload), Prefix: payload[16]}, nil
	case protocfg.DIVu64u8:
		if err := exactly(payload, 9); err != nil {
			return nil, err
		}
		return U64U8{First: getUint(payload, 8), Second: payload[8]}, nil
	case protocfg.DIVu16vU8:
		if err := need(payload, 2); err != nil {
			return nil, err
		}
		return U16VU8{First: uint16(getUint(payload, 2)), Rest: append([]byte(nil), payload[2:]...)}, nil
	case protocfg.DIVvExtID:
		w := cfg.FieldSizes.ExtensionID
		if len(payload)%w != 0 {
			return nil, fmt.Errorf("%w: %d extension id bytes, width %d", ErrResidualBytes, len(payload), w)
		}
		ids := make(VExtID, 0, len(payload)/w)
		for off := 0; off < len(payload); off += w {
			ids = append(ids, protocfg.ExtensionID(getUint(payload[off:], w)))
		}
		return ids, nil
	case protocfg.DIVu8IPv4u16:
		// The port is present iff bytes remain after the address.
		if err := need(payload, 5); err != nil {
			return nil, err
		}
		v := U8IPv4U16{Flags: payload[0], Addr: ipv4At(payload[1:])}
		switch len(payload) {
		case 5:
		case 7:
			v.Port = uint16(getUint(payload[5:], 2))
		default:
			return nil, fmt.Errorf("%w: connection point length %d", ErrResidualBytes, len(payload))
		}
		return v, nil
	case protocfg.DIVu8IPv6u16:
		if err := need(payload, 17); err != nil {
			return nil, err
		}
		v := U8IPv6U16{Flags: payload[0], Addr: ipv6At(payload[1:])}
		switch len(payload) {
		case 17:
		case 19:
			v.Port = uint16(getUint(payload[17:], 2))
		default:
			return nil, fmt.Errorf("%w: connection point length %d", ErrResidualBytes, len(payload))
		}
		return v, nil
	case protocfg.DIVu8IPv4u8:
		if err := exactly(payload, 6); err != nil {
			return nil, err
		}
		return U8IPv4U8{Flags: payload[0], Addr: ipv4At(payload[1:]), Prefix: payload[5]}, nil
	case protocfg.DIVu8IPv6u8:
		if err := exactly(payload, 18); err != nil {
			return nil, err
		}
		return U8IPv6U8{Flags: payload[0], Addr: ipv6At(payload[1:]), Prefix: payload[17]}, nil
	case protocfg.DIVu64u64:
		if err := exactly(payload, 16); err != nil {
			return nil, err
		}
		return U64U64{First: getUint(payload, 8), Second: getUint(payload[8:], 8)}, nil
	case protocfg.DIVSubDataItems:
		var subs SubItems
		off := 0
		for off < len(payload) {
			sub, n, err := Deserialize(payload[off:], cfg, info)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
			off += n
		}
		return subs, nil
	}
	return nil, fmt.Errorf("unhandled value type %v", info.ValueType)
}
