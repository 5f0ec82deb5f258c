package dialer

import (
	"context"
	"net"
	"syscall"
	"time"
)

// Options are per-dial socket options. The zero value applies nothing and
// leaves keepalive handling to the OS defaults.
type Options struct {
	// NoDelay enables TCP_NODELAY on the socket.
	NoDelay bool

	// KeepAlive enables SO_KEEPALIVE with the given idle time. Zero
	// disables the option entirely.
	KeepAlive time.Duration

	// KeepAliveInterval is the probe interval used when KeepAlive is set.
	KeepAliveInterval time.Duration
}

func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return DialContextWithOptions(ctx, network, address, &Options{})
}

func DialContextWithOptions(ctx context.Context, network, address string, opts *Options) (net.Conn, error) {
	d := &net.Dialer{
		// A negative value stops the stdlib from installing its own
		// keepalive configuration; ours is applied in Control.
		KeepAlive: -1,
		Control: func(network, address string, c syscall.RawConn) error {
			return setSocketOptions(network, c, opts)
		},
	}
	return d.DialContext(ctx, network, address)
}

func ListenPacket(network, address string) (net.PacketConn, error) {
	lc := &net.ListenConfig{KeepAlive: -1}
	return lc.ListenPacket(context.Background(), network, address)
}

func isTCPSocket(network string) bool {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return true
	default:
		return false
	}
}
