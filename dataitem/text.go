package dataitem

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/mit-ll/dlep/protocfg"
)

// ErrBadText is returned when a textual data item cannot be parsed.
var ErrBadText = errors.New("bad data item text")

// String renders the data item as "Name value".  Note that string-valued
// items are written verbatim: a value containing whitespace will not
// round-trip through FromString, which reads a single whitespace token.
func (di DataItem) String(cfg *protocfg.Config, parent *protocfg.DataItemInfo) string {
	name, err := di.Name(cfg, parent)
	if err != nil {
		name = fmt.Sprintf("id-%d", di.ID)
	}
	vs := di.ValueString(cfg, parent)
	if vs == "" {
		return name
	}
	return name + " " + vs
}

// ValueString renders just the value portion of the textual form.
func (di DataItem) ValueString(cfg *protocfg.Config, parent *protocfg.DataItemInfo) string {
	switch v := di.Value.(type) {
	case Blank:
		return ""
	case U8:
		return strconv.FormatUint(uint64(v), 10)
	case U16:
		return strconv.FormatUint(uint64(v), 10)
	case U32:
		return strconv.FormatUint(uint64(v), 10)
	case U64:
		return strconv.FormatUint(uint64(v), 10)
	case VU8:
		return joinUints(v, func(b byte) uint64 { return uint64(b) })
	case A2U16:
		return fmt.Sprintf("%d,%d", v[0], v[1])
	case A2U64:
		return fmt.Sprintf("%d,%d", v[0], v[1])
	case String:
		return string(v)
	case MAC:
		return v.String()
	case U8String:
		return fmt.Sprintf("%d;%s", v.Flags, v.Value)
	case U8IPv4:
		return fmt.Sprintf("%d;%s", v.Flags, v.Addr)
	case IPv4U8:
		return fmt.Sprintf("%s/%d", v.Addr, v.Prefix)
	case U8IPv6:
		return fmt.Sprintf("%d;%s", v.Flags, v.Addr)
	case IPv6U8:
		return fmt.Sprintf("%s/%d", v.Addr, v.Prefix)
	case U64U8:
		return fmt.Sprintf("%d;%d", v.First, v.Second)
	case U16VU8:
		if len(v.Rest) == 0 {
			return strconv.FormatUint(uint64(v.First), 10)
		}
		return fmt.Sprintf("%d;%s", v.First, joinUints(v.Rest, func(b byte) uint64 { return uint64(b) }))
	case VExtID:
		return joinUints(v, func(id protocfg.ExtensionID) uint64 { return uint64(id) })
	case U8IPv4U16:
		return fmt.Sprintf("%d;%s;%d", v.Flags, v.Addr, v.Port)
	case U8IPv6U16:
		return fmt.Sprintf("%d;%s;%d", v.Flags, v.Addr, v.Port)
	case U8IPv4U8:
		return fmt.Sprintf("%d;%s/%d", v.Flags, v.Addr, v.Prefix)
	case U8IPv6U8:
		return fmt.Sprintf("%d;%s/%d", v.Flags, v.Addr, v.Prefix)
	case U64U64:
		return fmt.Sprintf("%d;%d", v.First, v.Second)
	case SubItems:
		info, err := cfg.DataItemInfoByID(di.ID, parent)
		if err != nil {
			return "{ }"
		}
		var b strings.Builder
		b.WriteString("{")
		for _, sub := range v {
			b.WriteString(" ")
			b.WriteString(sub.String(cfg, info))
		}
		b.WriteString(" }")
		return b.String()
	}
	return fmt.Sprintf("?%T", di.Value)
}

func joinUints[T any](vals []T, conv func(T) uint64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(conv(v), 10)
	}
	return strings.Join(parts, ",")
}

// tokens walks a whitespace-split input.
type tokens struct {
	fields []string
	i      int
}

func (t *tokens) next() (string, bool) {
	if t.i >= len(t.fields) {
		return "", false
	}
	tok := t.fields[t.i]
	t.i++
	return tok, true
}

func (t *tokens) peek() (string, bool) {
	if t.i >= len(t.fields) {
		return "", false
	}
	return t.fields[t.i], true
}

// FromString parses the "Name value" form produced by String.
func FromString(s string, cfg *protocfg.Config, parent *protocfg.DataItemInfo) (DataItem, error) {
	t := &tokens{fields: strings.Fields(s)}
	di, err := fromTokens(t, cfg, parent)
	if err != nil {
		return DataItem{}, err
	}
	return di, nil
}

func fromTokens(t *tokens, cfg *protocfg.Config, parent *protocfg.DataItemInfo) (DataItem, error) {
	name, ok := t.next()
	if !ok {
		return DataItem{}, fmt.Errorf("%w: missing data item name", ErrBadText)
	}
	info, err := cfg.DataItemInfo(name)
	if err != nil {
		return DataItem{}, err
	}
	id, err := cfg.DataItemID(name, parent)
	if err != nil {
		return DataItem{}, err
	}

	if info.ValueType == protocfg.DIVSubDataItems {
		open, ok := t.next()
		if !ok || open != "{" {
			return DataItem{}, fmt.Errorf("%w: %s wants { sub items }", ErrBadText, name)
		}
		var subs SubItems
		for {
			tok, ok := t.peek()
			if !ok {
				return DataItem{}, fmt.Errorf("%w: %s missing closing }", ErrBadText, name)
			}
			if tok == "}" {
				t.next()
				break
			}
			sub, err := fromTokens(t, cfg, info)
			if err != nil {
				return DataItem{}, err
			}
			subs = append(subs, sub)
		}
		return DataItem{ID: id, Value: subs}, nil
	}

	if info.ValueType == protocfg.DIVBlank {
		return DataItem{ID: id, Value: Blank{}}, nil
	}

	tok, ok := t.next()
	if !ok {
		return DataItem{}, fmt.Errorf("%w: %s missing value", ErrBadText, name)
	}
	v, err := parseScalarValue(info.ValueType, tok)
	if err != nil {
		return DataItem{}, fmt.Errorf("%s: %w", name, err)
	}
	return DataItem{ID: id, Value: v}, nil
}

func parseUintField(tok string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(tok, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a %d-bit unsigned integer", ErrBadText, tok, bits)
	}
	return v, nil
}

func splitComposite(tok string, min, max int) ([]string, error) {
	parts := strings.Split(tok, ";")
	if len(parts) < min || len(parts) > max {
		return nil, fmt.Errorf("%w: %q has %d fields, want %d..%d", ErrBadText, tok, len(parts), min, max)
	}
	return parts, nil
}

func parseAddr(tok string, want4 bool) (netip.Addr, error) {
	a, err := netip.ParseAddr(tok)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: bad IP address %q", ErrBadText, tok)
	}
	if want4 != a.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: wrong address family in %q", ErrBadText, tok)
	}
	return a, nil
}

func parseSubnet(tok string, want4 bool) (netip.Addr, uint8, error) {
	addrs, slash, found := strings.Cut(tok, "/")
	if !found {
		return netip.Addr{}, 0, fmt.Errorf("%w: %q is not addr/prefix", ErrBadText, tok)
	}
	a, err := parseAddr(addrs, want4)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	p, err := parseUintField(slash, 8)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return a, uint8(p), nil
}

func parseScalarValue(vt protocfg.DataItemValueType, tok string) (Value, error) {
	switch vt {
	case protocfg.DIVu8:
		v, err := parseUintField(tok, 8)
		if err != nil {
			return nil, err
		}
		return U8(v), nil
	case protocfg.DIVu16:
		v, err := parseUintField(tok, 16)
		if err != nil {
			return nil, err
		}
		return U16(v), nil
	case protocfg.DIVu32:
		v, err := parseUintField(tok, 32)
		if err != nil {
			return nil, err
		}
		return U32(v), nil
	case protocfg.DIVu64:
		v, err := parseUintField(tok, 64)
		if err != nil {
			return nil, err
		}
		return U64(v), nil
	case protocfg.DIVvU8:
		var out VU8
		for _, p := range strings.Split(tok, ",") {
			v, err := parseUintField(p, 8)
			if err != nil {
				return nil, err
			}
			out = append(out, byte(v))
		}
		return out, nil
	case protocfg.DIVa2U16:
		parts := strings.Split(tok, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %q wants two fields", ErrBadText, tok)
		}
		v0, err := parseUintField(parts[0], 16)
		if err != nil {
			return nil, err
		}
		v1, err := parseUintField(parts[1], 16)
		if err != nil {
			return nil, err
		}
		return A2U16{uint16(v0), uint16(v1)}, nil
	case protocfg.DIVa2U64:
		parts := strings.Split(tok, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %q wants two fields", ErrBadText, tok)
		}
		v0, err := parseUintField(parts[0], 64)
		if err != nil {
			return nil, err
		}
		v1, err := parseUintField(parts[1], 64)
		if err != nil {
			return nil, err
		}
		return A2U64{v0, v1}, nil
	case protocfg.DIVString:
		return String(tok), nil
	case protocfg.DIVMAC:
		m, err := ParseMAC(tok)
		if err != nil {
			return nil, err
		}
		return m, nil
	case protocfg.DIVu8String:
		parts, err := splitComposite(tok, 2, 2)
		if err != nil {
			return nil, err
		}
		f, err := parseUintField(parts[0], 8)
		if err != nil {
			return nil, err
		}
		return U8String{Flags: uint8(f), Value: parts[1]}, nil
	case protocfg.DIVu8IPv4, protocfg.DIVu8IPv6:
		parts, err := splitComposite(tok, 2, 2)
		if err != nil {
			return nil, err
		}
		f, err := parseUintField(parts[0], 8)
		if err != nil {
			return nil, err
		}
		a, err := parseAddr(parts[1], vt == protocfg.DIVu8IPv4)
		if err != nil {
			return nil, err
		}
		if vt == protocfg.DIVu8IPv4 {
			return U8IPv4{Flags: uint8(f), Addr: a}, nil
		}
		return U8IPv6{Flags: uint8(f), Addr: a}, nil
	case protocfg.DIVIPv4u8, protocfg.DIVIPv6u8:
		a, p, err := parseSubnet(tok, vt == protocfg.DIVIPv4u8)
		if err != nil {
			return nil, err
		}
		if vt == protocfg.DIVIPv4u8 {
			return IPv4U8{Addr: a, Prefix: p}, nil
		}
		return IPv6U8{Addr: a, Prefix: p}, nil
	case protocfg.DIVu64u8:
		parts, err := splitComposite(tok, 2, 2)
		if err != nil {
			return nil, err
		}
		v0, err := parseUintField(parts[0], 64)
		if err != nil {
			return nil, err
		}
		v1, err := parseUintField(parts[1], 8)
		if err != nil {
			return nil, err
		}
		return U64U8{First: v0, Second: uint8(v1)}, nil
	case protocfg.DIVu16vU8:
		parts, err := splitComposite(tok, 1, 2)
		if err != nil {
			return nil, err
		}
		v0, err := parseUintField(parts[0], 16)
		if err != nil {
			return nil, err
		}
		out := U16VU8{First: uint16(v0)}
		if len(parts) == 2 && parts[1] != "" {
			for _, p := range strings.Split(parts[1], ",") {
				v, err := parseUintField(p, 8)
				if err != nil {
					return nil, err
				}
				out.Rest = append(out.Rest, byte(v))
			}
		}
		return out, nil
	case protocfg.DIVvExtID:
		var out VExtID
		if tok != "" {
			for _, p := range strings.Split(tok, ",") {
				v, err := parseUintField(p, 32)
				if err != nil {
					return nil, err
				}
				out = append(out, protocfg.ExtensionID(v))
			}
		}
		return out, nil
	case protocfg.DIVu8IPv4u16, protocfg.DIVu8IPv6u16:
		parts, err := splitComposite(tok, 2, 3)
		if err != nil {
			return nil, err
		}
		f, err := parseUintField(parts[0], 8)
		if err != nil {
			return nil, err
		}
		a, err := parseAddr(parts[1], vt == protocfg.DIVu8IPv4u16)
		if err != nil {
			return nil, err
		}
		var port uint64
		if len(parts) == 3 {
			port, err = parseUintField(parts[2], 16)
			if err != nil {
				return nil, err
			}
		}
		if vt == protocfg.DIVu8IPv4u16 {
			return U8IPv4U16{Flags: uint8(f), Addr: a, Port: uint16(port)}, nil
		}
		return U8IPv6U16{Flags: uint8(f), Addr: a, Port: uint16(port)}, nil
	case protocfg.DIVu8IPv4u8, protocfg.DIVu8IPv6u8:
		parts, err := splitComposite(tok, 2, 2)
		if err != nil {
			return nil, err
		}
		f, err := parseUintField(parts[0], 8)
		if err != nil {
			return nil, err
		}
		a, p, err := parseSubnet(parts[1], vt == protocfg.DIVu8IPv4u8)
		if err != nil {
			return nil, err
		}
		if vt == protocfg.DIVu8IPv4u8 {
			return U8IPv4U8{Flags: uint8(f), Addr: a, Prefix: p}, nil
		}
		return U8IPv6U8{Flags: uint8(f), Addr: a, Prefix: p}, nil
	case protocfg.DIVu64u64:
		parts, err := splitComposite(tok, 2, 2)
		if err != nil {
			return nil, err
		}
		v0, err := parseUintField(parts[0], 64)
		if err != nil {
			return nil, err
		}
		v1, err := parseUintField(parts[1], 64)
		if err != nil {
			return nil, err
		}
		return U64U64{First: v0, Second: v1}, nil
	}
	return nil, fmt.Errorf("%w: no scalar form for %v", ErrBadText, vt)
}
