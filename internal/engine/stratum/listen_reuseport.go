//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package stratum

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenShared binds addr with SO_REUSEPORT so every worker fork can accept
// on the same port.
func listenShared(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
