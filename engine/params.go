package engine

import (
	"errors"
	"fmt"
	"net/netip"
)

// Typed accessors over Client.ConfigParameter.  Each returns the
// fallback when the client has no value for the name; a value of the
// wrong dynamic type is an error, not a silent default.

func paramUint(c Client, name string, fallback uint64) (uint64, error) {
	v, err := c.ConfigParameter(name)
	if err != nil {
		var bad BadParameterName
		if errors.As(err, &bad) {
			return fallback, nil
		}
		return 0, err
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("parameter %s is negative", name)
		}
		return uint64(n), nil
	}
	return 0, fmt.Errorf("parameter %s has type %T, want unsigned integer", name, v)
}

func paramBool(c Client, name string, fallback bool) (bool, error) {
	v, err := c.ConfigParameter(name)
	if err != nil {
		var bad BadParameterName
		if errors.As(err, &bad) {
			return fallback, nil
		}
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %s has type %T, want bool", name, v)
	}
	return b, nil
}

func paramString(c Client, name, fallback string) (string, error) {
	v, err := c.ConfigParameter(name)
	if err != nil {
		var bad BadParameterName
		if errors.As(err, &bad) {
			return fallback, nil
		}
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s has type %T, want string", name, v)
	}
	return s, nil
}

func paramAddr(c Client, name string, fallback netip.Addr) (netip.Addr, error) {
	v, err := c.ConfigParameter(name)
	if err != nil {
		var bad BadParameterName
		if errors.As(err, &bad) {
			return fallback, nil
		}
		return netip.Addr{}, err
	}
	switch a := v.(type) {
	case netip.Addr:
		return a, nil
	case string:
		parsed, err := netip.ParseAddr(a)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parameter %s: %w", name, err)
		}
		return parsed, nil
	}
	return netip.Addr{}, fmt.Errorf("parameter %s has type %T, want IP address", name, v)
}
