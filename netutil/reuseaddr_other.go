//go:build !linux && !darwin

package netutil

import "syscall"

// reuseAddrControl is a no-op where the socket option plumbing is not
// wired up; multicast port sharing simply is not available there.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
