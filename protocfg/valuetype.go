package protocfg

import "fmt"

// DataItemValueType enumerates every shape a data item value can take
// on the wire.  The set is closed: a configuration that names anything
// else is rejected at load time.
type DataItemValueType int

const (
	DIVBlank DataItemValueType = iota // no value
	DIVu8                             // unsigned 8 bit integer
	DIVu16                            // unsigned 16 bit integer
	DIVu32                            // unsigned 32 bit integer
	DIVu64                            // unsigned 64 bit integer
	DIVvU8                            // variable length list of u8
	DIVa2U16                          // array of 2 u16
	DIVa2U64                          // array of 2 u64
	DIVString                         // string
	DIVMAC                            // MAC address
	DIVu8String                       // u8 followed by string
	DIVu8IPv4                         // u8 followed by IPv4 address
	DIVIPv4u8                         // IPv4 address followed by u8
	DIVu8IPv6                         // u8 followed by IPv6 address
	DIVIPv6u8                         // IPv6 address followed by u8
	DIVu64u8                          // u64 followed by u8
	DIVu16vU8                         // u16 followed by variable length list of u8
	DIVvExtID                         // variable length list of extension ids
	DIVu8IPv4u16                      // u8, IPv4 address, optional u16 port
	DIVu8IPv6u16                      // u8, IPv6 address, optional u16 port
	DIVu8IPv4u8                       // u8, IPv4 address, u8 prefix
	DIVu8IPv6u8                       // u8, IPv6 address, u8 prefix
	DIVu64u64                         // two u64
	DIVSubDataItems                   // nested sub data items
)

var valueTypeNames = map[DataItemValueType]string{
	DIVBlank:        "blank",
	DIVu8:           "u8",
	DIVu16:          "u16",
	DIVu32:          "u32",
	DIVu64:          "u64",
	DIVvU8:          "v_u8",
	DIVa2U16:        "a2_u16",
	DIVa2U64:        "a2_u64",
	DIVString:       "string",
	DIVMAC:          "mac",
	DIVu8String:     "u8_string",
	DIVu8IPv4:       "u8_ipv4",
	DIVIPv4u8:       "ipv4_u8",
	DIVu8IPv6:       "u8_ipv6",
	DIVIPv6u8:       "ipv6_u8",
	DIVu64u8:        "u64_u8",
	DIVu16vU8:       "u16_vu8",
	DIVvExtID:       "v_extid",
	DIVu8IPv4u16:    "u8_ipv4_u16",
	DIVu8IPv6u16:    "u8_ipv6_u16",
	DIVu8IPv4u8:     "u8_ipv4_u8",
	DIVu8IPv6u8:     "u8_ipv6_u8",
	DIVu64u64:       "u64_u64",
	DIVSubDataItems: "sub_data_items",
}

var valueTypesByName = func() map[string]DataItemValueType {
	m := make(map[string]DataItemValueType, len(valueTypeNames))
	for vt, name := range valueTypeNames {
		m[name] = vt
	}
	return m
}()

func (vt DataItemValueType) String() string {
	if s, ok := valueTypeNames[vt]; ok {
		return s
	}
	return fmt.Sprintf("DataItemValueType(%d)", int(vt))
}

// ParseDataItemValueType maps a configured type name to its enum value.
func ParseDataItemValueType(s string) (DataItemValueType, error) {
	vt, ok := valueTypesByName[s]
	if !ok {
		return 0, BadProtocolConfig{Reason: fmt.Sprintf("unknown data item value type %q", s)}
	}
	return vt, nil
}

// IsIPAddr reports whether the value type is an IP address or attached
// subnet item.  Connection-point types (address with optional port)
// also carry an address but report false.
func (vt DataItemValueType) IsIPAddr() bool {
	switch vt {
	case DIVu8IPv4, DIVIPv4u8, DIVu8IPv6, DIVIPv6u8, DIVu8IPv4u8, DIVu8IPv6u8:
		return true
	}
	return false
}
