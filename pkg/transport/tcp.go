package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/molerat-dev/molerat/pkg/net/dialer"
	"github.com/molerat-dev/molerat/pkg/resolver"
)

// TCPTransport is the plain variant: a direct TCP connection with socket
// options applied at dial time.
type TCPTransport struct{}

func NewTCP() *TCPTransport { return &TCPTransport{} }

func (t *TCPTransport) Connect(ctx context.Context, addr *resolver.AddrCache, opts SocketOpts) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	target, err := addr.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := dialer.DialContextWithOptions(ctx, "tcp", target.String(), &dialer.Options{
		NoDelay:           opts.NoDelay,
		KeepAlive:         opts.KeepAlive,
		KeepAliveInterval: opts.KeepAliveInterval,
	})
	if err != nil {
		// a dead cached address should not poison every retry
		addr.Invalidate()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, addr.HostPort())
		}
		return nil, err
	}
	return conn, nil
}
