// Package dataitem implements the typed DLEP data item model: a closed
// sum type over every wire value shape any supported draft uses, with
// serialize, deserialize, textual I/O, and validation against the
// protocol configuration.
package dataitem

import (
	"net/netip"

	"github.com/mit-ll/dlep/protocfg"
)

// Value is the sum type over all data item value shapes.  Exactly one
// concrete type below corresponds to each protocfg.DataItemValueType;
// Type() is the tag.
type Value interface {
	Type() protocfg.DataItemValueType
}

// Blank carries no payload.
type Blank struct{}

// U8 is an unsigned 8 bit integer.
type U8 uint8

// U16 is an unsigned 16 bit integer.
type U16 uint16

// U32 is an unsigned 32 bit integer.
type U32 uint32

// U64 is an unsigned 64 bit integer.
type U64 uint64

// VU8 is a variable-length sequence of bytes.
type VU8 []byte

// A2U16 is a fixed array of two u16, e.g. the Version data item.
type A2U16 [2]uint16

// A2U64 is a fixed array of two u64.
type A2U64 [2]uint64

// String is an opaque byte string whose length is the TLV length.
type String string

// U8String is a flag byte followed by a string (Status, Peer_Type in
// later drafts).
type U8String struct {
	Flags uint8
	Value string
}

// U8IPv4 is an add/drop flag byte and an IPv4 address.
type U8IPv4 struct {
	Flags uint8
	Addr  netip.Addr
}

// IPv4U8 is an IPv4 address and a prefix length (draft-8 attached subnet).
type IPv4U8 struct {
	Addr   netip.Addr
	Prefix uint8
}

// U8IPv6 is an add/drop flag byte and an IPv6 address.
type U8IPv6 struct {
	Flags uint8
	Addr  netip.Addr
}

// IPv6U8 is an IPv6 address and a prefix length (draft-8 attached subnet).
type IPv6U8 struct {
	Addr   netip.Addr
	Prefix uint8
}

// U64U8 is a u64 followed by a u8.
type U64U8 struct {
	First  uint64
	Second uint8
}

// U16VU8 is a u16 followed by a variable-length sequence of bytes.
type U16VU8 struct {
	First uint16
	Rest  []byte
}

// VExtID is a sequence of extension ids (Extensions_Supported).
type VExtID []protocfg.ExtensionID

// U8IPv4U16 is a flag byte, an IPv4 address, and an optional port.  On
// the wire the port is omitted when zero.
type U8IPv4U16 struct {
	Flags uint8
	Addr  netip.Addr
	Port  uint16
}

// U8IPv6U16 is a flag byte, an IPv6 address, and an optional port.
type U8IPv6U16 struct {
	Flags uint8
	Addr  netip.Addr
	Port  uint16
}

// U8IPv4U8 is a flag byte, an IPv4 address, and a prefix length
// (draft-17 attached subnet).
type U8IPv4U8 struct {
	Flags  uint8
	Addr   netip.Addr
	Prefix uint8
}

// U8IPv6U8 is a flag byte, an IPv6 address, and a prefix length
// (draft-17 attached subnet).
type U8IPv6U8 struct {
	Flags  uint8
	Addr   netip.Addr
	Prefix uint8
}

// U64U64 is two u64, e.g. a latency range.
type U64U64 struct {
	First  uint64
	Second uint64
}

// SubItems is an ordered sequence of nested data items.
type SubItems []DataItem

func (Blank) Type() protocfg.DataItemValueType     { return protocfg.DIVBlank }
func (U8) Type() protocfg.DataItemValueType        { return protocfg.DIVu8 }
func (U16) Type() protocfg.DataItemValueType       { return protocfg.DIVu16 }
func (U32) Type() protocfg.DataItemValueType       { return protocfg.DIVu32 }
func (U64) Type() protocfg.DataItemValueType       { return protocfg.DIVu64 }
func (VU8) Type() protocfg.DataItemValueType       { return protocfg.DIVvU8 }
func (A2U16) Type() protocfg.DataItemValueType     { return protocfg.DIVa2U16 }
func (A2U64) Type() protocfg.DataItemValueType     { return protocfg.DIVa2U64 }
func (String) Type() protocfg.DataItemValueType    { return protocfg.DIVString }
func (MAC) Type() protocfg.DataItemValueType       { return protocfg.DIVMAC }
func (U8String) Type() protocfg.DataItemValueType  { return protocfg.DIVu8String }
func (U8IPv4) Type() protocfg.DataItemValueType    { return protocfg.DIVu8IPv4 }
func (IPv4U8) Type() protocfg.DataItemValueType    { return protocfg.DIVIPv4u8 }
func (U8IPv6) Type() protocfg.DataItemValueType    { return protocfg.DIVu8IPv6 }
func (IPv6U8) Type() protocfg.DataItemValueType    { return protocfg.DIVIPv6u8 }
func (U64U8) Type() protocfg.DataItemValueType     { return protocfg.DIVu64u8 }
func (U16VU8) Type() protocfg.DataItemValueType    { return protocfg.DIVu16vU8 }
func (VExtID) Type() protocfg.DataItemValueType    { return protocfg.DIVvExtID }
func (U8IPv4U16) Type() protocfg.DataItemValueType { return protocfg.DIVu8IPv4u16 }
func (U8IPv6U16) Type() protocfg.DataItemValueType { return protocfg.DIVu8IPv6u16 }
func (U8IPv4U8) Type() protocfg.DataItemValueType  { return protocfg.DIVu8IPv4u8 }
func (U8IPv6U8) Type() protocfg.DataItemValueType  { return protocfg.DIVu8IPv6u8 }
func (U64U64) Type() protocfg.DataItemValueType    { return protocfg.DIVu64u64 }
func (SubItems) Type() protocfg.DataItemValueType  { return protocfg.DIVSubDataItems }

// DefaultValue returns the zero value for a configured value type:
// zeroed numerics, empty collections, unspecified addresses.
func DefaultValue(vt protocfg.DataItemValueType) Value {
	switch vt {
	case protocfg.DIVBlank:
		return Blank{}
	case protocfg.DIVu8:
		return U8(0)
	case protocfg.DIVu16:
		return U16(0)
	case protocfg.DIVu32:
		return U32(0)
	case protocfg.DIVu64:
		return U64(0)
	case protocfg.DIVvU8:
		return VU8{}
	case protocfg.DIVa2U16:
		return A2U16{}
	case protocfg.DIVa2U64:
		return A2U64{}
	case protocfg.DIVString:
		return String("")
	case protocfg.DIVMAC:
		return MAC{}
	case protocfg.DIVu8String:
		return U8String{}
	case protocfg.DIVu8IPv4:
		return U8IPv4{Addr: netip.IPv4Unspecified()}
	case protocfg.DIVIPv4u8:
		return IPv4U8{Addr: netip.IPv4Unspecified()}
	case protocfg.DIVu8IPv6:
		return U8IPv6{Addr: netip.IPv6Unspecified()}
	case protocfg.DIVIPv6u8:
		return IPv6U8{Addr: netip.IPv6Unspecified()}
	case protocfg.DIVu64u8:
		return U64U8{}
	case protocfg.DIVu16vU8:
		return U16VU8{}
	case protocfg.DIVvExtID:
		return VExtID{}
	case protocfg.DIVu8IPv4u16:
		return U8IPv4U16{Addr: netip.IPv4Unspecified()}
	case protocfg.DIVu8IPv6u16:
		return U8IPv6U16{Addr: netip.IPv6Unspecified()}
	case protocfg.DIVu8IPv4u8:
		return U8IPv4U8{Addr: netip.IPv4Unspecified()}
	case protocfg.DIVu8IPv6u8:
		return U8IPv6U8{Addr: netip.IPv6Unspecified()}
	case protocfg.DIVu64u64:
		return U64U64{}
	case protocfg.DIVSubDataItems:
		return SubItems{}
	}
	return Blank{}
}
