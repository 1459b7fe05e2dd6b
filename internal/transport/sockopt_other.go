//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is unavailable; only one member
// per host can then bind the group port.
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
