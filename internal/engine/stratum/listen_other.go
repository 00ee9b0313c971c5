//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package stratum

import (
	"context"
	"net"
)

// listenShared falls back to a plain listener; only one fork can bind a port.
func listenShared(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
