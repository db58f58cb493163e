//go:build !linux

package netrt

import "syscall"

// setSocketOptions is a no-op on non-Linux platforms; see sockopt_linux.go.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}
