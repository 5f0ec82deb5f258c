// Package transport produces authenticated duplex byte streams to the
// relay. All variants expose the same contract so the control channel and
// the data-channel pool never care which one is configured.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/resolver"
)

var (
	ErrConnectTimeout  = fmt.Errorf("connect timeout")
	ErrHandshakeFailed = fmt.Errorf("transport handshake failed")
)

// DialTimeout bounds a single transport connect.
const DialTimeout = 10 * time.Second

// SocketOpts is the per-channel socket option hint. Control channels are
// long-lived and quiet, so they keep keepalive probes; data channels are
// latency sensitive, so they get nodelay.
type SocketOpts struct {
	NoDelay           bool
	KeepAlive         time.Duration
	KeepAliveInterval time.Duration
}

func ForControlChannel(c config.TCPConfig) SocketOpts {
	return SocketOpts{
		NoDelay:           c.Nodelay != nil && *c.Nodelay,
		KeepAlive:         time.Duration(c.KeepaliveSecs) * time.Second,
		KeepAliveInterval: time.Duration(c.KeepaliveInterval) * time.Second,
	}
}

func ForDataChannel(c config.TCPConfig) SocketOpts {
	return SocketOpts{NoDelay: c.Nodelay == nil || *c.Nodelay}
}

// Transport dials the relay and returns a stream ready for the wire codec.
type Transport interface {
	// Connect opens a new stream to the relay named by addr.
	Connect(ctx context.Context, addr *resolver.AddrCache, opts SocketOpts) (net.Conn, error)
}

// New builds the configured transport chain: plain TCP, Noise over TCP,
// or a virtual TCP flow inside a WireGuard tunnel. The wireguard+noise
// combination is rejected by config validation before this point.
func New(c *config.ClientConfig) (Transport, error) {
	if c.Wireguard.Enabled {
		return NewWireguard(&c.Wireguard)
	}

	tcp := NewTCP()
	if c.Transport.Type == config.TransportNoise {
		return NewNoise(c.Transport.Noise, tcp)
	}
	return tcp, nil
}
