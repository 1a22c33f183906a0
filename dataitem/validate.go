package dataitem

import (
	"fmt"

	"github.com/mit-ll/dlep/protocfg"
)

// Validate checks the data item against the protocol configuration:
// the stored value's type must match the configured value type, and any
// value restrictions (flag bytes, prefix lengths, percentages, known
// status codes) must hold.  Sub data items are validated recursively,
// including their occurrence constraints.
func (di DataItem) Validate(cfg *protocfg.Config, parent *protocfg.DataItemInfo) error {
	info, err := cfg.DataItemInfoByID(di.ID, parent)
	if err != nil {
		return err
	}
	if got := di.Value.Type(); got != info.ValueType {
		return fmt.Errorf("data item %s has value type %v, configured type is %v",
			info.Name, got, info.ValueType)
	}

	checkFlags := func(f uint8) error {
		if f > 1 {
			return fmt.Errorf("data item %s flags byte is %d, must be 0 or 1", info.Name, f)
		}
		return nil
	}
	checkPrefix := func(p uint8, max uint8) error {
		if p > max {
			return fmt.Errorf("data item %s prefix is %d, must be <= %d", info.Name, p, max)
		}
		return nil
	}

	switch v := di.Value.(type) {
	case U8:
		if info.Units == "percentage" && v > 100 {
			return fmt.Errorf("data item %s is %d percent, must be <= 100", info.Name, v)
		}
		if info.Name == protocfg.DIStatus {
			if _, err := cfg.StatusCodeName(protocfg.StatusCodeID(v)); err != nil {
				return fmt.Errorf("data item %s: %w", info.Name, err)
			}
		}
	case U16:
		if info.Units == "percentage" && v > 100 {
			return fmt.Errorf("data item %s is %d percent, must be <= 100", info.Name, v)
		}
	case U32:
		if info.Units == "percentage" && v > 100 {
			return fmt.Errorf("data item %s is %d percent, must be <= 100", info.Name, v)
		}
	case U64:
		if info.Units == "percentage" && v > 100 {
			return fmt.Errorf("data item %s is %d percent, must be <= 100", info.Name, v)
		}
	case U8String:
		if info.Name == protocfg.DIStatus {
			if _, err := cfg.StatusCodeName(protocfg.StatusCodeID(v.Flags)); err != nil {
				return fmt.Errorf("data item %s: %w", info.Name, err)
			}
		}
	case U8IPv4:
		if err := checkFlags(v.Flags); err != nil {
			return err
		}
	case U8IPv6:
		if err := checkFlags(v.Flags); err != nil {
			return err
		}
	case IPv4U8:
		if err := checkPrefix(v.Prefix, 32); err != nil {
			return err
		}
	case IPv6U8:
		if err := checkPrefix(v.Prefix, 128); err != nil {
			return err
		}
	case U8IPv4U8:
		if err := checkFlags(v.Flags); err != nil {
			return err
		}
		if err := checkPrefix(v.Prefix, 32); err != nil {
			return err
		}
	case U8IPv6U8:
		if err := checkFlags(v.Flags); err != nil {
			return err
		}
		if err := checkPrefix(v.Prefix, 128); err != nil {
			return err
		}
	case U8IPv4U16:
		if err := checkFlags(v.Flags); err != nil {
			return err
		}
	case U8IPv6U16:
		if err := checkFlags(v.Flags); err != nil {
			return err
		}
	case SubItems:
		for _, sub := range v {
			if err := sub.Validate(cfg, info); err != nil {
				return err
			}
		}
		allowed := make([]protocfg.SubDataItem, len(info.SubDataItems))
		copy(allowed, info.SubDataItems)
		if err := ValidateOccurrences(v, allowed, cfg, info); err != nil {
			return fmt.Errorf("data item %s: %w", info.Name, err)
		}
	}
	return nil
}

// occursBounds turns an occurrence string into inclusive min/max counts.
func occursBounds(occurs string) (min, max int) {
	switch occurs {
	case "1":
		return 1, 1
	case "1+":
		return 1, -1
	case "0-1":
		return 0, 1
	case "0+":
		return 0, -1
	}
	// Unknown strings are caught at configuration load; be permissive
	// here rather than inventing a failure.
	return 0, -1
}

// ValidateOccurrences checks a container of data items against the
// allowed set with occurrence constraints.  It is used both for sub data
// items (parent non-nil, ids resolved in the parent scope) and for the
// top-level data items of a message (parent nil).
func ValidateOccurrences(items []DataItem, allowed []protocfg.SubDataItem,
	cfg *protocfg.Config, parent *protocfg.DataItemInfo) error {

	counts := make(map[protocfg.DataItemID]int)
	for _, di := range items {
		counts[di.ID]++
	}

	seen := make(map[protocfg.DataItemID]bool)
	for _, a := range allowed {
		id := a.ID
		if uint32(id) == protocfg.IDUndefined {
			var err error
			id, err = cfg.DataItemID(a.Name, parent)
			if err != nil {
				return err
			}
		}
		seen[id] = true
		min, max := occursBounds(a.Occurs)
		n := counts[id]
		if n < min {
			return fmt.Errorf("data item %s occurs %d times, requires at least %d", a.Name, n, min)
		}
		if max >= 0 && n > max {
			return fmt.Errorf("data item %s occurs %d times, allows at most %d", a.Name, n, max)
		}
	}
	for id := range counts {
		if !seen[id] {
			name, err := cfg.DataItemName(id, parent)
			if err != nil {
				name = fmt.Sprintf("id-%d", id)
			}
			return fmt.Errorf("data item %s is not allowed here", name)
		}
	}
	return nil
}
