package transport

import (
	"context"
	"net"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/resolver"
	"github.com/molerat-dev/molerat/pkg/transport/wireguard"
)

// wgTransport adapts the wireguard tunnel to the Transport contract.
// Socket option hints do not apply to virtual flows and are ignored.
type wgTransport struct {
	w *wireguard.Wireguard
}

func NewWireguard(c *config.WireguardConfig) (Transport, error) {
	w, err := wireguard.New(c)
	if err != nil {
		return nil, err
	}
	return wgTransport{w: w}, nil
}

func (t wgTransport) Connect(ctx context.Context, addr *resolver.AddrCache, _ SocketOpts) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	return t.w.Connect(ctx, addr)
}
